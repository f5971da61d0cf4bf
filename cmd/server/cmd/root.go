package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/oxide-admin/server/internal/config"
)

// rootOptions holds the global flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "server",
		Short: "Oxide admin server - coordination core of the admin backend",
		Long: `Oxide admin server runs the coordination core of the admin backend:

- Event bus with init-time subscriber registration
- Background job queue (river, sqlite, memory or dummy backend)
- Recurring job scheduler (cron, "every" and "at" expressions)
- Cached permission and menu snapshots with coalesced loading`,
		SilenceUsage: true,
		// Run the serve command by default if no subcommand is specified
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file path (optional, uses env vars by default)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (trace, debug, info, warn, error) (default: info)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format (json, console) (default: json)")

	root.AddCommand(
		newServeCommand(opts),
		newVersionCommand(),
		newMigrateCommand(opts),
		newSchedCommand(opts),
		newJobsCommand(opts),
	)
	return root
}

// Execute runs the root command. This is called by main.main().
func Execute() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the --config file when given, or the environment otherwise, and
// applies the logging flags on top.
func (o *rootOptions) loadConfig() (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.LoadFile(o.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return config.Config{}, fmt.Errorf("config error: %w", err)
	}

	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Logging.Format = o.logFormat
	}
	if o.logLevel != "" || o.logFormat != "" {
		if err := cfg.Validate(); err != nil {
			return config.Config{}, fmt.Errorf("config error: %w", err)
		}
	}
	return cfg, nil
}

func (o *rootOptions) setup() (config.Config, zerolog.Logger, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	return cfg, config.NewLogger(cfg.Logging), nil
}
