package feed

import (
	"context"
	"fmt"
	"log/slog"
)

// Relay forwards every event on tables from src to dst until ctx is done. Publish failures are
// logged and do not stop the relay.
func Relay(ctx context.Context, src Feed, dst Publisher, tables []string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "relay")

	subs := make([]Subscription, 0, len(tables))
	defer func() {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}()

	for _, table := range tables {
		sub, err := src.Subscribe(ctx, table, Filter{}, func(ev Event) {
			if err := dst.Publish(ctx, ev); err != nil {
				log.Warn("relay publish failed", "table", ev.Table, "type", ev.Type, "error", err)
				return
			}
			log.Debug("relayed event", "table", ev.Table, "type", ev.Type)
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", table, err)
		}
		subs = append(subs, sub)
	}
	log.Info("relay running", "tables", tables)
	<-ctx.Done()
	return nil
}
