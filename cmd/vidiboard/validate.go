package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/vidiboard/config"
)

// validateCmd validates a config file without starting the service.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a Vidiboard configuration file without starting the service.

This command parses the YAML or TOML, expands environment variables, and
validates all fields. It's useful for CI/CD pipelines or pre-deployment checks.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  vidiboard validate -c vidiboard.yaml
  vidiboard validate --config /etc/vidiboard/vidiboard.toml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// count seeded dashboards (direct + from grids)
	direct := len(cfg.Dashboards)
	fromGrids := 0
	for _, g := range cfg.Grids {
		size := 1
		for _, vals := range g.Dimensions {
			size *= len(vals)
		}
		fromGrids += size
	}

	store := cfg.Database.Driver
	switch cfg.Database.Driver {
	case config.DriverSQLite:
		store += " (" + cfg.Database.Path + ")"
	case config.DriverPostgres:
		store += " (dsn set)"
	}

	builder := cfg.Compile.Command
	if builder == "" {
		builder = "default"
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, green("Config is valid!"))
	fmt.Fprintf(out, "  Listen:        %s:%d\n", cfg.Host, cfg.Port)
	fmt.Fprintf(out, "  Store:         %s\n", store)
	fmt.Fprintf(out, "  Builder:       %s (%d workers)\n", builder, cfg.Compile.Workers)
	fmt.Fprintf(out, "  Dashboards:    %d direct + %d from grids = %d total\n",
		direct, fromGrids, direct+fromGrids)

	return nil
}
