package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/oxide-admin/server/internal/app"
	"github.com/oxide-admin/server/internal/scheduler"
	"github.com/oxide-admin/server/internal/storage/postgres"
)

const maxNextCount = 1000

func newSchedCommand(opts *rootOptions) *cobra.Command {
	schedCmd := &cobra.Command{
		Use:   "sched",
		Short: "Inspect schedule expressions and run history",
		Long: `Check schedule expressions before putting them in configuration, and list the
recorded runs of scheduled jobs.

Accepted forms:
  cron     "0 */5 * * * *" (seconds optional), "@hourly", "@every 90s"
  interval "every 5 minutes", "every 1 hour"
  daily    "at 02:30", "at 00:01 every day"

Examples:
  server sched validate "every 10 minutes"
  server sched next "0 0 3 * * *" -n 3 --timezone Europe/Berlin
  server sched history delete_expired_kv --limit 10`,
	}

	validateCmd := &cobra.Command{
		Use:   "validate <expr>",
		Short: "Check that an expression parses",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			expr := strings.Join(args, " ")
			if _, err := scheduler.ParseSchedule(expr); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "valid: %s\n", expr)
			return nil
		},
	}

	var (
		count    int
		timezone string
		from     string
	)
	nextCmd := &cobra.Command{
		Use:   "next <expr>",
		Short: "Print the next trigger times of an expression",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 || count > maxNextCount {
				return fmt.Errorf("--count must be between 1 and %d", maxNextCount)
			}
			loc, err := time.LoadLocation(timezone)
			if err != nil {
				return fmt.Errorf("invalid timezone %q: %w", timezone, err)
			}
			start := time.Now().In(loc)
			if from != "" {
				start, err = time.ParseInLocation(time.RFC3339, from, loc)
				if err != nil {
					return fmt.Errorf("invalid --from: %w", err)
				}
				start = start.In(loc)
			}

			times, err := scheduler.Next(strings.Join(args, " "), start, count)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, t := range times {
				fmt.Fprintln(out, t.Format(time.RFC3339))
			}
			return nil
		},
	}
	nextCmd.Flags().IntVarP(&count, "count", "n", 5, "number of trigger times to print")
	nextCmd.Flags().StringVar(&timezone, "timezone", "UTC", "timezone the expression is evaluated in")
	nextCmd.Flags().StringVar(&from, "from", "", "start time in RFC3339 (default: now)")

	var limit int
	historyCmd := &cobra.Command{
		Use:   "history [key]",
		Short: "List recorded runs of scheduled jobs, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 1 {
				return fmt.Errorf("--limit must be at least 1")
			}
			cfg, _, err := opts.setup()
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return errNoDatabase
			}
			var key string
			if len(args) == 1 {
				key = args[0]
			}

			pool, err := app.OpenPool(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer pool.Close()

			repo, err := postgres.NewSchedRecordRepository(pool)
			if err != nil {
				return err
			}
			records, err := repo.Recent(cmd.Context(), key, limit)
			if err != nil {
				return err
			}
			return printSchedRecords(cmd.OutOrStdout(), records)
		},
	}
	historyCmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")

	schedCmd.AddCommand(validateCmd, nextCmd, historyCmd)
	return schedCmd
}

func printSchedRecords(out io.Writer, records []postgres.SchedRecord) error {
	if len(records) == 0 {
		fmt.Fprintln(out, "no recorded runs")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN AT\tKEY\tSTATUS\tDURATION\tRESULT")
	fmt.Fprintln(w, "------\t---\t------\t--------\t------")
	for _, rec := range records {
		status := "ok"
		if !rec.Succeeded {
			status = "failed"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%dms\t%s\n",
			rec.RunAt.UTC().Format("2006-01-02 15:04:05"), rec.Key, status, rec.DurationMS, rec.Result)
	}
	return w.Flush()
}
