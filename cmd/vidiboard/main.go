// Package main is the entry point for the vidiboard CLI.
//
// Vidiboard can be run either as a library (SDK) or as a standalone binary
// with YAML or TOML configuration. This CLI provides the standalone binary
// and a small client for a running service.
//
// Usage:
//
//	vidiboard serve -c vidiboard.yaml          # Start the service
//	vidiboard validate -c vidiboard.yaml       # Validate configuration
//	vidiboard publish -f loss.json --wait      # Publish a dashboard
//	vidiboard wait <id>...                     # Wait for artifacts
//	vidiboard follow <id>                      # Stream live updates
//	vidiboard version                          # Show version info
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Version information - set by GoReleaser at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// defaultServer is the service the client commands talk to.
const defaultServer = "http://localhost:8080"

// rootCmd is the base command when called without subcommands.
// It just displays help - actual functionality is in subcommands.
var rootCmd = &cobra.Command{
	Use:   "vidiboard",
	Short: "A live dashboard hosting service",
	Long: `Vidiboard hosts dashboard definitions, compiles them into viewable
artifacts on demand and streams live updates to every connected viewer.

Quick start:
  1. Create a config file (vidiboard.yaml)
  2. Run: vidiboard serve -c vidiboard.yaml
  3. Publish: vidiboard publish -f dashboard.json --wait
  4. Open the printed viewer URL in your browser

Example config:
  port: 8080
  database:
    driver: sqlite
    path: dashboards.db
  compile:
    command: vidi-build`,
	SilenceUsage: true,
	// No Run/RunE means this just shows help when called without subcommands
}

// Execute runs the root command.
// This is the main entry point called from main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already prints the error, just exit with code 1
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this vidiboard binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "vidiboard %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	// Register subcommands with root
	rootCmd.AddCommand(versionCmd)
}

// newLogger creates a JSON logger on stderr at the level named by the
// --log-level flag.
func newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	name, _ := cmd.Flags().GetString("log-level")

	var level slog.Level
	switch strings.ToLower(name) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", name)
	}

	return slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: level,
	})), nil
}
