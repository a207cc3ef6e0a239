package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/vidiboard"
	"github.com/jpalmerr/vidiboard/config"
)

const (
	shutdownTimeout = 10 * time.Second
	seedTimeout     = 30 * time.Second
)

// serveCmd starts the Vidiboard service.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dashboard service",
	Long: `Start the Vidiboard dashboard service.

The service will:
  - Load configuration from the specified YAML or TOML file
  - Open the configured dashboard store
  - Publish the dashboards and grids listed in the config
  - Serve the API, the portal and viewer sessions on the configured port

The service runs until interrupted (Ctrl+C) or receives SIGTERM.

Example:
  vidiboard serve -c vidiboard.yaml
  vidiboard serve --config /etc/vidiboard/vidiboard.toml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = serveCmd.MarkFlagRequired("config")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.Info("config loaded",
		"database", cfg.Database.Driver,
		"dashboards", len(cfg.Dashboards),
		"grids", len(cfg.Grids),
	)

	opts := append(config.BuildOptions(cfg), vidiboard.WithLogger(logger))
	svc, err := vidiboard.New(opts...)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	defer svc.Close()

	// set up context with signal handling - cancel on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	seedCtx, cancel := context.WithTimeout(ctx, seedTimeout)
	seeded, err := config.Seed(seedCtx, svc, cfg)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to seed dashboards: %w", err)
	}
	if len(seeded) > 0 {
		logger.Info("dashboards seeded", "count", len(seeded))
	}

	logger.Info("starting server",
		"host", cfg.Host,
		"port", cfg.Port,
		"workers", cfg.Compile.Workers,
	)

	// start server - blocks until context cancelled
	errChan := make(chan error, 1)
	go func() {
		errChan <- svc.Start(ctx)
	}()

	// wait for server to finish
	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		logger.Info("shutdown complete")
		return nil

	case <-ctx.Done():
		// signal received, wait for graceful shutdown with timeout
		select {
		case err := <-errChan:
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			logger.Info("shutdown complete")
			return nil
		case <-time.After(shutdownTimeout):
			logger.Warn("shutdown timed out",
				"timeout", shutdownTimeout.String(),
				"action", "forcing exit",
			)
			return nil
		}
	}
}
