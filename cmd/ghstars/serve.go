package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/gh-star-collector/internal/config"
	"github.com/Sternrassler/gh-star-collector/internal/server"
	"github.com/Sternrassler/gh-star-collector/pkg/logging"
	"github.com/Sternrassler/gh-star-collector/pkg/ratelimit"
	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve health, database version, quota and metrics endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if err := cfg.Validate(config.ValidationContextServe); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pool, err := server.OpenPool(ctx, cfg.Server.DBURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			// the quota endpoint needs the shared view kept by collectors
			var quota server.QuotaSource
			rdb, err := openRedis(ctx, cfg.Cache.RedisURL)
			if err != nil {
				return err
			}
			if rdb != nil {
				defer rdb.Close()
				quota = ratelimit.NewTracker(rdb, logging.NewLogger(logging.ComponentTracker))
			}

			return server.New(pool, quota).ListenAndServe(ctx, cfg.Server.Addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from HTTP_ADDR)")
	return cmd
}
