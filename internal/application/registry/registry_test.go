package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/fleetq/internal/application/events"
	"github.com/rezkam/fleetq/internal/domain"
)

// mockStore implements Store for testing
type mockStore struct {
	upsertRobotFunc     func(ctx context.Context, machineID, name string, capabilities []string, environment string) (*domain.Robot, bool, error)
	recordHeartbeatFunc func(ctx context.Context, hb domain.Heartbeat, now time.Time) (*domain.Robot, time.Time, error)
	getRobotFunc        func(ctx context.Context, robotID string) (*domain.Robot, error)
	listRobotsFunc      func(ctx context.Context, filter domain.RobotFilter) ([]domain.Robot, error)
	listStaleRobotsFunc func(ctx context.Context, cutoff time.Time) ([]domain.Robot, error)
}

func (m *mockStore) UpsertRobot(ctx context.Context, machineID, name string, capabilities []string, environment string) (*domain.Robot, bool, error) {
	if m.upsertRobotFunc != nil {
		return m.upsertRobotFunc(ctx, machineID, name, capabilities, environment)
	}
	return &domain.Robot{ID: "r1", MachineID: machineID, Status: domain.RobotIdle}, true, nil
}

func (m *mockStore) RecordHeartbeat(ctx context.Context, hb domain.Heartbeat, now time.Time) (*domain.Robot, time.Time, error) {
	if m.recordHeartbeatFunc != nil {
		return m.recordHeartbeatFunc(ctx, hb, now)
	}
	return &domain.Robot{ID: hb.RobotID, Status: hb.Status, LastHeartbeat: now}, now.Add(-time.Second), nil
}

func (m *mockStore) GetRobot(ctx context.Context, robotID string) (*domain.Robot, error) {
	if m.getRobotFunc != nil {
		return m.getRobotFunc(ctx, robotID)
	}
	return nil, domain.ErrRobotNotFound
}

func (m *mockStore) ListRobots(ctx context.Context, filter domain.RobotFilter) ([]domain.Robot, error) {
	if m.listRobotsFunc != nil {
		return m.listRobotsFunc(ctx, filter)
	}
	return nil, nil
}

func (m *mockStore) ListStaleRobots(ctx context.Context, cutoff time.Time) ([]domain.Robot, error) {
	if m.listStaleRobotsFunc != nil {
		return m.listStaleRobotsFunc(ctx, cutoff)
	}
	return nil, nil
}

func drain(sub *events.Subscription) []domain.Event {
	var out []domain.Event
	for {
		select {
		case ev := <-sub.C:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestRegisterEmitsRegisteredOnce(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(events.SubscribeOptions{})
	defer sub.Close()

	created := true
	store := &mockStore{
		upsertRobotFunc: func(ctx context.Context, machineID, name string, caps []string, env string) (*domain.Robot, bool, error) {
			wasCreated := created
			created = false
			return &domain.Robot{ID: "r1", MachineID: machineID, Environment: env, Status: domain.RobotIdle}, wasCreated, nil
		},
	}
	reg := New(store, bus, 90*time.Second)

	robot, err := reg.Register(context.Background(), "machine-1", "bot", []string{"browser"}, "")
	require.NoError(t, err)
	assert.Equal(t, "r1", robot.ID)
	assert.Equal(t, domain.DefaultEnvironment, robot.Environment)

	evs := drain(sub)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventRobotRegistered, evs[0].Kind)

	// Second registration for the same machine is idempotent: no event.
	_, err = reg.Register(context.Background(), "machine-1", "bot", nil, "production")
	require.NoError(t, err)
	assert.Empty(t, drain(sub))
}

func TestRegisterRequiresMachineID(t *testing.T) {
	reg := New(&mockStore{}, nil, 90*time.Second)
	_, err := reg.Register(context.Background(), "", "bot", nil, "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestHeartbeatEmitsHeartbeatEvent(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(events.SubscribeOptions{})
	defer sub.Close()

	reg := New(&mockStore{}, bus, 90*time.Second)
	err := reg.Heartbeat(context.Background(), domain.Heartbeat{RobotID: "r1", Status: domain.RobotBusy})
	require.NoError(t, err)

	evs := drain(sub)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventRobotHeartbeat, evs[0].Kind)
	assert.Equal(t, string(domain.RobotBusy), evs[0].NewValue)
}

func TestHeartbeatAfterGapEmitsOnline(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(events.SubscribeOptions{})
	defer sub.Close()

	store := &mockStore{
		recordHeartbeatFunc: func(ctx context.Context, hb domain.Heartbeat, now time.Time) (*domain.Robot, time.Time, error) {
			return &domain.Robot{ID: hb.RobotID, Status: hb.Status, LastHeartbeat: now}, now.Add(-5 * time.Minute), nil
		},
	}
	reg := New(store, bus, 90*time.Second)

	err := reg.Heartbeat(context.Background(), domain.Heartbeat{RobotID: "r1", Status: domain.RobotIdle})
	require.NoError(t, err)

	evs := drain(sub)
	require.Len(t, evs, 2)
	assert.Equal(t, domain.EventRobotOnline, evs[0].Kind)
	assert.Equal(t, domain.EventRobotHeartbeat, evs[1].Kind)
}

func TestHeartbeatRejectsUnknownStatus(t *testing.T) {
	reg := New(&mockStore{}, nil, 90*time.Second)
	err := reg.Heartbeat(context.Background(), domain.Heartbeat{RobotID: "r1", Status: "sleeping"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestGetDerivesOffline(t *testing.T) {
	store := &mockStore{
		getRobotFunc: func(ctx context.Context, robotID string) (*domain.Robot, error) {
			return &domain.Robot{
				ID:            robotID,
				Status:        domain.RobotBusy,
				LastHeartbeat: time.Now().UTC().Add(-10 * time.Minute),
			}, nil
		},
	}
	reg := New(store, nil, 90*time.Second)

	robot, err := reg.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RobotOffline, robot.Status)
}

func TestIsAlive(t *testing.T) {
	now := time.Now().UTC()
	store := &mockStore{
		getRobotFunc: func(ctx context.Context, robotID string) (*domain.Robot, error) {
			return &domain.Robot{ID: robotID, LastHeartbeat: now.Add(-30 * time.Second)}, nil
		},
	}
	reg := New(store, nil, 90*time.Second)

	alive, err := reg.IsAlive(context.Background(), "r1", now)
	require.NoError(t, err)
	assert.True(t, alive)

	alive, err = reg.IsAlive(context.Background(), "r1", now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestLivenessSweeperNotifiesOncePerEpisode(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(events.SubscribeOptions{})
	defer sub.Close()

	stale := []domain.Robot{{ID: "r1", Status: domain.RobotBusy, LastHeartbeat: time.Now().UTC().Add(-10 * time.Minute)}}
	store := &mockStore{
		listStaleRobotsFunc: func(ctx context.Context, cutoff time.Time) ([]domain.Robot, error) {
			return stale, nil
		},
	}
	sweeper := NewLivenessSweeper(store, bus, 90*time.Second, time.Second)

	require.NoError(t, sweeper.RunOnce(context.Background()))
	require.NoError(t, sweeper.RunOnce(context.Background()))

	evs := drain(sub)
	require.Len(t, evs, 1, "offline reported once per episode")
	assert.Equal(t, domain.EventRobotOffline, evs[0].Kind)
	assert.Equal(t, "r1", evs[0].SubjectID)

	// The robot heartbeats again, goes stale again: a new episode notifies.
	stale = nil
	require.NoError(t, sweeper.RunOnce(context.Background()))
	stale = []domain.Robot{{ID: "r1", Status: domain.RobotIdle, LastHeartbeat: time.Now().UTC().Add(-10 * time.Minute)}}
	require.NoError(t, sweeper.RunOnce(context.Background()))

	evs = drain(sub)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventRobotOffline, evs[0].Kind)
}
