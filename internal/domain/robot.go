package domain

import "time"

// RobotStatus is the closed set of robot states. Robots report idle, busy and
// failed themselves; offline is derived from heartbeat age and never
// authoritative when persisted.
type RobotStatus string

const (
	RobotIdle    RobotStatus = "idle"
	RobotBusy    RobotStatus = "busy"
	RobotOffline RobotStatus = "offline"
	RobotFailed  RobotStatus = "failed"
)

// Valid reports whether s is a member of the closed status set.
func (s RobotStatus) Valid() bool {
	switch s {
	case RobotIdle, RobotBusy, RobotOffline, RobotFailed:
		return true
	}
	return false
}

// Robot is a worker process registered with the orchestrator.
type Robot struct {
	ID           string
	MachineID    string
	Name         string
	Capabilities []string
	Environment  string
	Status       RobotStatus
	CurrentJobID *string

	CPUPercent *float64
	MemoryMB   *float64

	LastHeartbeat time.Time
	CreatedAt     time.Time
}

// Alive reports whether the robot's last heartbeat is within threshold of now.
func (r *Robot) Alive(now time.Time, threshold time.Duration) bool {
	return now.Sub(r.LastHeartbeat) <= threshold
}

// EffectiveStatus derives the observable status. A stale heartbeat reads as
// offline regardless of the last reported status; a fresh heartbeat reverts
// to the reported status with no additional ceremony.
func (r *Robot) EffectiveStatus(now time.Time, threshold time.Duration) RobotStatus {
	if !r.Alive(now, threshold) {
		return RobotOffline
	}
	return r.Status
}

// HasCapabilities reports whether the robot's declared capability set covers
// every required capability (R subset-of C).
func (r *Robot) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	declared := make(map[string]struct{}, len(r.Capabilities))
	for _, c := range r.Capabilities {
		declared[c] = struct{}{}
	}
	for _, c := range required {
		if _, ok := declared[c]; !ok {
			return false
		}
	}
	return true
}

// Heartbeat is a liveness and status report pushed by a robot.
type Heartbeat struct {
	RobotID      string
	Status       RobotStatus
	CurrentJobID *string
	CPUPercent   *float64
	MemoryMB     *float64
}

// RobotFilter narrows robot list queries. Zero values mean "no filter".
type RobotFilter struct {
	Environment string
	Status      RobotStatus
	Capability  string
	Limit       int
	Offset      int
}
