package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/spf13/cobra"

	"github.com/oxide-admin/server/internal/app"
	"github.com/oxide-admin/server/internal/config"
	"github.com/oxide-admin/server/internal/storage/postgres"
)

var errNoDatabase = errors.New("DATABASE_URL is required")

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database schema migrations",
		Long: `Apply or roll back the PostgreSQL schema used by the server.

The application tables (kv_entries, sched_records) are managed with golang-migrate.
The River job tables are managed by River's own migrator.

Examples:
  # Apply all pending migrations, including River's
  server migrate up

  # Roll back the last application migration
  server migrate down --steps 1

  # Show the current application schema version
  server migrate status`,
	}

	var skipRiver bool
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return errNoDatabase
			}

			if err := postgres.MigrateUp(cfg.Database.URL); err != nil {
				return err
			}
			logger.Info().Msg("application migrations applied")

			if skipRiver {
				return nil
			}
			applied, err := migrateRiver(cmd.Context(), cfg.Database, rivermigrate.DirectionUp, 0)
			if err != nil {
				return err
			}
			logger.Info().Int("applied", applied).Msg("river migrations applied")
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
	upCmd.Flags().BoolVar(&skipRiver, "skip-river", false, "do not migrate the River job tables")

	var steps int
	var river bool
	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps < 1 {
				return fmt.Errorf("--steps must be at least 1")
			}
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return errNoDatabase
			}

			if river {
				rolledBack, err := migrateRiver(cmd.Context(), cfg.Database, rivermigrate.DirectionDown, steps)
				if err != nil {
					return err
				}
				logger.Info().Int("rolled_back", rolledBack).Msg("river migrations rolled back")
				return nil
			}
			if err := postgres.MigrateDown(cfg.Database.URL, steps); err != nil {
				return err
			}
			logger.Info().Int("steps", steps).Msg("application migrations rolled back")
			return nil
		},
	}
	downCmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	downCmd.Flags().BoolVar(&river, "river", false, "roll back River job tables instead of application tables")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print the application schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.setup()
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return errNoDatabase
			}
			version, dirty, err := postgres.MigrationVersion(cfg.Database.URL)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version: %d\ndirty:   %t\n", version, dirty)
			return nil
		},
	}

	migrateCmd.AddCommand(upCmd, downCmd, statusCmd)
	return migrateCmd
}

func migrateRiver(ctx context.Context, db config.DatabaseConfig, direction rivermigrate.Direction, maxSteps int) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	pool, err := app.OpenPool(ctx, db)
	if err != nil {
		return 0, err
	}
	defer pool.Close()

	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return 0, fmt.Errorf("create river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, direction, &rivermigrate.MigrateOpts{MaxSteps: maxSteps})
	if err != nil {
		return 0, fmt.Errorf("river migrate %s: %w", direction, err)
	}
	return len(res.Versions), nil
}
