package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oxide-admin/server/internal/app"
	"github.com/oxide-admin/server/internal/config"
	"github.com/oxide-admin/server/internal/eventbus"
	"github.com/oxide-admin/server/internal/metrics"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the coordination server",
		Long: `Start the event bus, job workers and scheduler and run until interrupted.

The server will:
- Load configuration from environment variables (or --config file if provided)
- Connect to PostgreSQL and Redis when the configured backends need them
- Register the event subscribers and the recurring jobs
- Expose Prometheus metrics on METRICS_ADDR
- Handle graceful shutdown on SIGINT/SIGTERM

Examples:
  # Start with default configuration (from env vars)
  server serve

  # Start with the durable PostgreSQL job backend
  server serve --jobs-backend river

  # Start with debug logging
  server serve --log-level debug

  # Start with custom config file
  server serve --config /etc/oxide/config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	serveCmd.Flags().String("jobs-backend", "", "job backend (river, sqlite, memory, dummy) (default: JOBS_BACKEND)")
	serveCmd.Flags().Bool("no-scheduler", false, "do not run recurring jobs in this process")
	return serveCmd
}

func runServe(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	if f := cmd.Flags().Lookup("jobs-backend"); f != nil && f.Changed {
		cfg.Jobs.Backend = f.Value.String()
	}
	if f := cmd.Flags().Lookup("no-scheduler"); f != nil && f.Changed {
		cfg.Scheduler.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	logger := config.NewLogger(cfg.Logging)
	logger.Info().
		Str("version", Version).
		Str("environment", cfg.Environment).
		Strs("registrations", eventbus.Registrations()).
		Msg("starting oxide admin server")

	metrics.Init(Version, GitCommit, BuildDate)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return app.Run(ctx, cfg, logger, Version)
}
