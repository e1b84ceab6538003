package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rezkam/fleetq/internal/domain"
)

// RecoveryLoop periodically re-queues or dead-letters jobs whose leases
// expired. Visibility timeout recovery is centralised here: exactly one
// scheduled worker calls RecoverExpired, and each iteration is one bounded
// transaction inside the engine.
type RecoveryLoop struct {
	engine   Engine
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewRecoveryLoop creates a loop scanning every interval.
func NewRecoveryLoop(engine Engine, interval time.Duration) *RecoveryLoop {
	return &RecoveryLoop{
		engine:   engine,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start runs the loop until the context is cancelled or Stop is called.
func (l *RecoveryLoop) Start(ctx context.Context) error {
	slog.InfoContext(ctx, "lease recovery loop started", "interval", l.interval)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := l.RunOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "lease recovery scan failed", "error", err)
			}
		case <-ctx.Done():
			l.wg.Wait()
			return ctx.Err()
		case <-l.done:
			l.wg.Wait()
			return nil
		}
	}
}

// Stop gracefully stops the loop.
func (l *RecoveryLoop) Stop() {
	close(l.done)
}

// RunOnce executes a single recovery scan.
func (l *RecoveryLoop) RunOnce(ctx context.Context) (int, error) {
	recovered, err := l.engine.RecoverExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to recover expired leases: %w", err)
	}
	if len(recovered) > 0 {
		slog.InfoContext(ctx, "recovered expired leases", "count", len(recovered), "job_ids", recovered)
	}
	return len(recovered), nil
}

// RetentionSweeper deletes terminal jobs after a configurable age, archiving
// each one first when an archive function is configured.
type RetentionSweeper struct {
	engine    Engine
	retention time.Duration
	interval  time.Duration
	archive   func(context.Context, *domain.Job) error
	done      chan struct{}
}

// NewRetentionSweeper creates a sweeper removing terminal jobs older than
// retention, scanning every interval. archive may be nil.
func NewRetentionSweeper(engine Engine, retention, interval time.Duration, archive func(context.Context, *domain.Job) error) *RetentionSweeper {
	return &RetentionSweeper{
		engine:    engine,
		retention: retention,
		interval:  interval,
		archive:   archive,
		done:      make(chan struct{}),
	}
}

// Start runs the sweeper until the context is cancelled or Stop is called.
func (s *RetentionSweeper) Start(ctx context.Context) error {
	slog.InfoContext(ctx, "retention sweeper started", "retention", s.retention, "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "retention sweep failed", "error", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		}
	}
}

// Stop gracefully stops the sweeper.
func (s *RetentionSweeper) Stop() {
	close(s.done)
}

// RunOnce executes a single retention sweep.
func (s *RetentionSweeper) RunOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.retention)
	purged, err := s.engine.PurgeTerminal(ctx, cutoff, s.archive)
	if err != nil {
		return 0, fmt.Errorf("failed to purge terminal jobs: %w", err)
	}
	if purged > 0 {
		slog.InfoContext(ctx, "purged terminal jobs", "count", purged, "cutoff", cutoff)
	}
	return purged, nil
}
