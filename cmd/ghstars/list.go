package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/gh-star-collector/internal/config"
	"github.com/spf13/cobra"
)

func newListCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Collect the top repositories and print them as JSON, ordered by rank",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if cmd.Flags().Changed("limit") {
				cfg.GitHub.TopRepositoriesLimit = limit
			}
			// list never writes to a sink
			cfg.Sink.Kind = "stdout"
			if err := cfg.Validate(config.ValidationContextCollect); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			stack, err := buildComponents(ctx, cfg)
			if err != nil {
				return err
			}
			defer stack.Close()

			repos, err := stack.orchestrator.Collect(ctx)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(repos)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "number of top repositories (1..100)")
	return cmd
}
