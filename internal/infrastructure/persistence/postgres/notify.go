package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/rezkam/fleetq/internal/application/events"
	"github.com/rezkam/fleetq/internal/domain"
)

// ListenEvents bridges the database's event channel into the in-process bus:
// a dedicated connection LISTENs and republishes every committed event. All
// durable job events flow through this single path, so every orchestrator
// node fans out the same stream regardless of which node performed the
// transition.
//
// The bridge runs until the context is cancelled. Robot heartbeat events are
// not durable and are published to the bus directly by the registry.
func (s *Store) ListenEvents(ctx context.Context, bus *events.Bus) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return fmt.Errorf("failed to listen on %s: %w", notifyChannel, err)
	}

	go func() {
		defer conn.Release()
		defer func() {
			_, _ = conn.Exec(context.Background(), "UNLISTEN "+notifyChannel)
		}()

		slog.InfoContext(ctx, "event bridge listening", "channel", notifyChannel)

		for {
			notification, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.WarnContext(ctx, "event bridge wait failed", "error", err)
				continue
			}

			var ev domain.Event
			if err := json.Unmarshal([]byte(notification.Payload), &ev); err != nil {
				slog.ErrorContext(ctx, "event bridge received malformed payload",
					"payload", notification.Payload,
					"error", err)
				continue
			}
			bus.Publish(ev)
		}
	}()

	return nil
}
