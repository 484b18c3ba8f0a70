package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/gh-star-collector/internal/config"
	"github.com/Sternrassler/gh-star-collector/internal/pipeline"
	"github.com/Sternrassler/gh-star-collector/pkg/sink"
	"github.com/spf13/cobra"
)

func newCollectCmd(a *app) *cobra.Command {
	var (
		limit     int
		batchSize int
		sinkKind  string
		progress  bool
	)

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect the top repositories and write them to the sink",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if cmd.Flags().Changed("limit") {
				cfg.GitHub.TopRepositoriesLimit = limit
			}
			if cmd.Flags().Changed("batch-size") {
				cfg.Sink.BatchSize = batchSize
			}
			if cmd.Flags().Changed("sink") {
				cfg.Sink.Kind = sinkKind
			}
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

			out, err := openSink(ctx, cfg, cmd)
			if err != nil {
				return err
			}
			defer func() {
				if err := out.Close(); err != nil {
					a.logger.Warn().Err(err).Msg("Failed to close sink")
				}
			}()

			p := pipeline.New(stack.orchestrator, out, cfg.Sink.BatchSize)
			if progress {
				p.WithProgress(newProgressBar(cmd.ErrOrStderr()))
			}

			summary, err := p.Run(ctx)
			if err != nil {
				a.logger.Error().
					Err(err).
					Int("inserted", summary.Inserted).
					Int("failed", summary.Failed).
					Msg("Collection finished with errors")
				return err
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "number of top repositories (1..100)")
	cmd.Flags().IntVarP(&batchSize, "batch-size", "b", 0, "records per sink batch")
	cmd.Flags().StringVar(&sinkKind, "sink", "", "sink: clickhouse, kafka or stdout")
	cmd.Flags().BoolVar(&progress, "progress", false, "show a progress bar on stderr")
	return cmd
}

func openSink(ctx context.Context, cfg *config.Config, cmd *cobra.Command) (sink.Sink, error) {
	return sink.Open(ctx, sink.Config{
		Kind: cfg.Sink.Kind,
		ClickHouse: sink.ClickHouseConfig{
			URL:          cfg.Sink.ClickHouseURL,
			Database:     cfg.Sink.ClickHouseDatabase,
			User:         cfg.Sink.ClickHouseUser,
			Password:     cfg.Sink.ClickHousePassword,
			CreateTables: cfg.Sink.ClickHouseCreateTables,
			DialTimeout:  cfg.GitHub.RequestTimeout,
		},
		Kafka: sink.KafkaConfig{
			Brokers:     cfg.Sink.KafkaBrokers,
			TopicPrefix: cfg.Sink.KafkaTopicPrefix,
		},
		Output: cmd.OutOrStdout(),
	})
}
