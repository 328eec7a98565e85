package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"task-sync-backend/pkg/database"
	"task-sync-backend/pkg/feed"
	"task-sync-backend/pkg/telemetry"
)

func relayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Forward PostgreSQL change notifications to Redis",
		Long: `Listen on the PostgreSQL change channel and republish task and notification changes on
Redis, so daemons started with FEED_DRIVER=redis receive them. Requires POSTGRES_DSN and REDIS_URL.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, _ := cmd.Flags().GetString("env-dir")
			cfg, err := loadConfigFrom(dir)
			if err != nil {
				return err
			}
			if cfg.PostgresDSN == "" || cfg.RedisURL == "" {
				return fmt.Errorf("relay requires POSTGRES_DSN and REDIS_URL")
			}
			logger := telemetry.SetupLogger(cfg.LogFormat, cfg.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			src, err := feed.NewPGListener(cfg.PostgresDSN, logger)
			if err != nil {
				return err
			}
			defer src.Close()
			dst, err := feed.NewRedis(cfg.RedisURL, logger)
			if err != nil {
				return err
			}
			defer dst.Close()

			return feed.Relay(ctx, src, dst, []string{database.TableTasks, database.TableNotifications}, logger)
		},
	}
}
