package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/rezkam/fleetq/internal/application/events"
	"github.com/rezkam/fleetq/internal/domain"
)

// Store defines the robot persistence operations the registry needs. The
// interface is owned by this package (the consumer), not by the storage
// implementations.
type Store interface {
	// UpsertRobot registers a robot, idempotent on machine id: an existing
	// robot keeps its id and has its declarative fields updated. Reports
	// whether the robot was newly created.
	UpsertRobot(ctx context.Context, machineID, name string, capabilities []string, environment string) (robot *domain.Robot, created bool, err error)

	// RecordHeartbeat updates last_heartbeat and the reported status and
	// resource fields, last-write-wins. Returns the updated robot and the
	// previous heartbeat timestamp, or ErrRobotNotFound.
	RecordHeartbeat(ctx context.Context, hb domain.Heartbeat, now time.Time) (robot *domain.Robot, previous time.Time, err error)

	// GetRobot returns a robot by id, or ErrRobotNotFound.
	GetRobot(ctx context.Context, robotID string) (*domain.Robot, error)

	// ListRobots returns robots matching the filter.
	ListRobots(ctx context.Context, filter domain.RobotFilter) ([]domain.Robot, error)

	// ListStaleRobots returns robots whose last heartbeat is older than cutoff.
	ListStaleRobots(ctx context.Context, cutoff time.Time) ([]domain.Robot, error)
}

// Registry tracks which robots exist, whether they are alive and what they
// are doing. Offline is derived on read from heartbeat age; the registry
// never mutates a robot's reported status on its own.
type Registry struct {
	store            Store
	bus              *events.Bus
	offlineThreshold time.Duration
}

// New creates a registry. bus may be nil in tests.
func New(store Store, bus *events.Bus, offlineThreshold time.Duration) *Registry {
	return &Registry{
		store:            store,
		bus:              bus,
		offlineThreshold: offlineThreshold,
	}
}

// OfflineThreshold returns the configured liveness threshold.
func (r *Registry) OfflineThreshold() time.Duration {
	return r.offlineThreshold
}

// Register creates or refreshes a robot record. Idempotent on machine id.
func (r *Registry) Register(ctx context.Context, machineID, name string, capabilities []string, environment string) (*domain.Robot, error) {
	if machineID == "" {
		return nil, fmt.Errorf("%w: machine id is required", domain.ErrInvalidArgument)
	}
	if environment == "" {
		environment = domain.DefaultEnvironment
	}

	robot, created, err := r.store.UpsertRobot(ctx, machineID, name, capabilities, environment)
	if err != nil {
		return nil, fmt.Errorf("failed to register robot: %w", err)
	}

	if created {
		r.publish(domain.Event{
			Kind:      domain.EventRobotRegistered,
			Subject:   domain.SubjectRobot,
			SubjectID: robot.ID,
			NewValue:  string(robot.Status),
		})
	}
	return robot, nil
}

// Heartbeat ingests a liveness report. This path is write-critical: it does
// no synchronous fan-out beyond enqueueing to the bus.
func (r *Registry) Heartbeat(ctx context.Context, hb domain.Heartbeat) error {
	if hb.RobotID == "" {
		return fmt.Errorf("%w: robot id is required", domain.ErrInvalidArgument)
	}
	if hb.Status == "" {
		hb.Status = domain.RobotIdle
	}
	if !hb.Status.Valid() {
		return fmt.Errorf("%w: unknown robot status %q", domain.ErrInvalidArgument, hb.Status)
	}

	now := time.Now().UTC()
	robot, previous, err := r.store.RecordHeartbeat(ctx, hb, now)
	if err != nil {
		return err
	}

	// A heartbeat arriving after the threshold elapsed means the robot was
	// observably offline and is back.
	if !previous.IsZero() && now.Sub(previous) > r.offlineThreshold {
		r.publish(domain.Event{
			Kind:      domain.EventRobotOnline,
			Subject:   domain.SubjectRobot,
			SubjectID: robot.ID,
			OldValue:  string(domain.RobotOffline),
			NewValue:  string(robot.Status),
		})
	}

	r.publish(domain.Event{
		Kind:      domain.EventRobotHeartbeat,
		Subject:   domain.SubjectRobot,
		SubjectID: robot.ID,
		NewValue:  string(robot.Status),
	})
	return nil
}

// Get returns a robot with its derived effective status.
func (r *Registry) Get(ctx context.Context, robotID string) (*domain.Robot, error) {
	robot, err := r.store.GetRobot(ctx, robotID)
	if err != nil {
		return nil, err
	}
	robot.Status = robot.EffectiveStatus(time.Now().UTC(), r.offlineThreshold)
	return robot, nil
}

// List returns robots with derived effective statuses.
func (r *Registry) List(ctx context.Context, filter domain.RobotFilter) ([]domain.Robot, error) {
	robots, err := r.store.ListRobots(ctx, filter)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for i := range robots {
		robots[i].Status = robots[i].EffectiveStatus(now, r.offlineThreshold)
	}
	return robots, nil
}

// IsAlive reports whether the robot heartbeated within the offline threshold.
func (r *Registry) IsAlive(ctx context.Context, robotID string, now time.Time) (bool, error) {
	robot, err := r.store.GetRobot(ctx, robotID)
	if err != nil {
		return false, err
	}
	return robot.Alive(now, r.offlineThreshold), nil
}

func (r *Registry) publish(ev domain.Event) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}
