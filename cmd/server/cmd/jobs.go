package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/oxide-admin/server/internal/app"
	"github.com/oxide-admin/server/internal/config"
	"github.com/oxide-admin/server/internal/jobs"
)

func newJobsCommand(opts *rootOptions) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Operate on the background job queue",
		Long: `Enqueue jobs and inspect dead-lettered jobs of the configured durable backend.

Only the river and sqlite backends persist jobs outside the server process, so these
commands refuse to run against the memory and dummy backends.

Examples:
  # Warm the access snapshots of a user
  server jobs enqueue warm_access '{"user_id":"u-42"}'

  # Sweep expired KV entries now
  server jobs enqueue delete_expired_kv

  # List jobs that exhausted their attempts
  server jobs dead`,
	}

	enqueueCmd := &cobra.Command{
		Use:   "enqueue <kind> [json-payload]",
		Short: "Add a job to the queue",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := json.RawMessage("{}")
			if len(args) == 2 {
				payload = json.RawMessage(args[1])
			}
			return withDurableBackend(cmd.Context(), opts, func(ctx context.Context, backend jobs.Backend) error {
				if err := backend.Enqueue(ctx, args[0], payload); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s on %s backend\n", args[0], backend.Name())
				return nil
			})
		},
	}

	deadCmd := &cobra.Command{
		Use:   "dead",
		Short: "List dead-lettered jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDurableBackend(cmd.Context(), opts, func(ctx context.Context, backend jobs.Backend) error {
				dead, err := backend.DeadLetters(ctx)
				if err != nil {
					return err
				}
				return printDeadLetters(cmd.OutOrStdout(), dead)
			})
		},
	}

	jobsCmd.AddCommand(enqueueCmd, deadCmd)
	return jobsCmd
}

func withDurableBackend(ctx context.Context, opts *rootOptions, fn func(context.Context, jobs.Backend) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, logger, err := opts.setup()
	if err != nil {
		return err
	}
	switch cfg.Jobs.Backend {
	case config.JobsBackendRiver, config.JobsBackendSQLite:
	default:
		return fmt.Errorf("jobs commands need a durable backend (river or sqlite), JOBS_BACKEND is %q", cfg.Jobs.Backend)
	}

	var pool *pgxpool.Pool
	if cfg.Jobs.Backend == config.JobsBackendRiver {
		pool, err = app.OpenPool(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	backend, closeStore, err := app.OpenJobs(cfg, pool, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()
	return fn(ctx, backend)
}

func printDeadLetters(out io.Writer, dead []jobs.Job) error {
	if len(dead) == 0 {
		fmt.Fprintln(out, "no dead-lettered jobs")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tATTEMPTS\tCREATED\tLAST ERROR")
	fmt.Fprintln(w, "--\t----\t--------\t-------\t----------")
	for _, job := range dead {
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n",
			job.ID, job.Kind, job.Attempt, job.MaxAttempts,
			job.CreatedAt.Format("2006-01-02 15:04:05"), job.LastError)
	}
	return w.Flush()
}
