package main

import (
	"github.com/Sternrassler/gh-star-collector/internal/config"
	"github.com/Sternrassler/gh-star-collector/pkg/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// app carries what PersistentPreRunE prepared for the subcommands.
type app struct {
	configPath string
	logLevel   string
	pretty     bool

	cfg    *config.Config
	logger zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "ghstars",
		Short: "Collect the most starred GitHub repositories and their recent committers",
		Long: `ghstars lists the most starred repositories on GitHub, counts the commits
each author made to them over a trailing window and writes the records, in
batches, to ClickHouse, Kafka or stdout.

Configuration is read from .env.local, .env, an optional YAML file and the
environment, in increasing order of precedence.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = a.logLevel
			}
			if cmd.Flags().Changed("pretty") {
				cfg.Log.Pretty = a.pretty
			}

			a.cfg = cfg
			a.logger = logging.Setup(logging.Config{
				Level:  logging.LogLevel(cfg.Log.Level),
				Pretty: cfg.Log.Pretty,
				Output: cmd.ErrOrStderr(),
			})
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&a.pretty, "pretty", false, "human-readable console logs")

	root.AddCommand(newCollectCmd(a), newListCmd(a), newServeCmd(a))
	return root
}
