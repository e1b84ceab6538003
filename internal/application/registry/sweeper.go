package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/rezkam/fleetq/internal/application/events"
	"github.com/rezkam/fleetq/internal/domain"
)

// LivenessSweeper emits robot.offline events when a robot's heartbeat goes
// stale. The offline state itself stays derived-on-read; the sweeper only
// notifies subscribers of the transition, once per offline episode.
type LivenessSweeper struct {
	store     Store
	bus       *events.Bus
	threshold time.Duration
	interval  time.Duration
	done      chan struct{}

	// notified tracks robots already reported offline this episode. A
	// heartbeat observed again clears the entry. Multiple orchestrator nodes
	// may each notify once; delivery is at-least-once by contract.
	notified map[string]struct{}
}

// NewLivenessSweeper creates a sweeper scanning every interval.
func NewLivenessSweeper(store Store, bus *events.Bus, threshold, interval time.Duration) *LivenessSweeper {
	return &LivenessSweeper{
		store:     store,
		bus:       bus,
		threshold: threshold,
		interval:  interval,
		done:      make(chan struct{}),
		notified:  make(map[string]struct{}),
	}
}

// Start runs the sweeper until the context is cancelled or Stop is called.
func (s *LivenessSweeper) Start(ctx context.Context) error {
	slog.InfoContext(ctx, "robot liveness sweeper started", "threshold", s.threshold, "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "liveness sweep failed", "error", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		}
	}
}

// Stop gracefully stops the sweeper.
func (s *LivenessSweeper) Stop() {
	close(s.done)
}

// RunOnce executes a single liveness scan.
func (s *LivenessSweeper) RunOnce(ctx context.Context) error {
	now := time.Now().UTC()
	stale, err := s.store.ListStaleRobots(ctx, now.Add(-s.threshold))
	if err != nil {
		return err
	}

	staleIDs := make(map[string]struct{}, len(stale))
	for _, robot := range stale {
		staleIDs[robot.ID] = struct{}{}
		if _, already := s.notified[robot.ID]; already {
			continue
		}
		s.notified[robot.ID] = struct{}{}

		slog.InfoContext(ctx, "robot went offline",
			"robot_id", robot.ID,
			"machine_id", robot.MachineID,
			"last_heartbeat", robot.LastHeartbeat)

		if s.bus != nil {
			s.bus.Publish(domain.Event{
				Kind:      domain.EventRobotOffline,
				Subject:   domain.SubjectRobot,
				SubjectID: robot.ID,
				OldValue:  string(robot.Status),
				NewValue:  string(domain.RobotOffline),
				Timestamp: now,
			})
		}
	}

	// Robots that heartbeated again start a fresh episode.
	for id := range s.notified {
		if _, still := staleIDs[id]; !still {
			delete(s.notified, id)
		}
	}
	return nil
}
