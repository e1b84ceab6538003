package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus is the closed set of job lifecycle states.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobClaimed    JobStatus = "claimed"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
	JobDeadLetter JobStatus = "dead_letter"
)

// Priority bounds. Higher values are more urgent.
const (
	MinPriority    = 0
	MaxPriority    = 20
	NormalPriority = 10
)

// Valid reports whether s is a member of the closed status set.
func (s JobStatus) Valid() bool {
	switch s {
	case JobQueued, JobClaimed, JobCompleted, JobFailed, JobCancelled, JobDeadLetter:
		return true
	}
	return false
}

// Terminal reports whether s never transitions again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobCancelled, JobDeadLetter:
		return true
	}
	return false
}

// CanTransitionTo reports whether the status change follows an edge of the
// job state machine. The stores do not call it; they guard transitions with
// status checks of their own.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case JobQueued:
		return next == JobClaimed || next == JobCancelled
	case JobClaimed:
		// Lease expiry and retryable failure both return to queued.
		return next == JobCompleted || next == JobQueued || next == JobDeadLetter || next == JobCancelled || next == JobFailed
	case JobFailed:
		return next == JobQueued || next == JobDeadLetter
	}
	return false
}

// Job is the unit of work tracked by the queue engine. Rows are mutated only
// through queue engine transitions.
type Job struct {
	ID           string
	TenantID     string
	WorkflowID   string
	Payload      json.RawMessage
	Environment  string
	Capabilities []string
	Priority     int
	Input        map[string]any
	Result       map[string]any
	LastError    *string
	Status       JobStatus

	RetryCount   int
	MaxRetries   int
	VisibleAfter time.Time

	RobotID         *string
	LeaseToken      *string
	CancelRequested bool

	RequestID   string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// JobSpec is a submission request before the dispatcher has resolved defaults.
type JobSpec struct {
	TenantID       string
	WorkflowID     string
	Payload        json.RawMessage
	Environment    string
	Capabilities   []string
	Priority       *int
	MaxRetries     *int
	ScheduledDelay time.Duration
	Input          map[string]any
	IdempotencyKey string
	// PayloadHash is the byte-exact SHA-256 of Payload, hex encoded. Set by
	// the dispatcher when an idempotency key is supplied.
	PayloadHash string
	RequestID   string
}

// DefaultEnvironment routes a job to any robot, and lets a robot claim any job.
const DefaultEnvironment = "default"

// DefaultTenant is used when a caller supplies no tenant identifier.
const DefaultTenant = "default"

// Validate checks the resolved spec against the submit preconditions.
// The workflow payload itself is validated separately by ValidateWorkflow.
func (s *JobSpec) Validate() error {
	if s.WorkflowID == "" {
		return fmt.Errorf("%w: workflow id is required", ErrInvalidArgument)
	}
	if len(s.Payload) == 0 {
		return fmt.Errorf("%w: workflow payload is required", ErrInvalidArgument)
	}
	if s.Priority != nil && (*s.Priority < MinPriority || *s.Priority > MaxPriority) {
		return fmt.Errorf("%w: priority %d out of range [%d, %d]", ErrInvalidArgument, *s.Priority, MinPriority, MaxPriority)
	}
	if s.MaxRetries != nil && *s.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be >= 0", ErrInvalidArgument)
	}
	if s.ScheduledDelay < 0 {
		return fmt.Errorf("%w: scheduled_delay must be >= 0", ErrInvalidArgument)
	}
	return nil
}

// EligibleEnvironment reports whether a job tagged jobEnv may be served by a
// robot tagged robotEnv. A "default" tag on either side matches anything.
func EligibleEnvironment(jobEnv, robotEnv string) bool {
	return jobEnv == robotEnv || jobEnv == DefaultEnvironment || robotEnv == DefaultEnvironment
}

// JobFilter narrows list queries. Zero values mean "no filter".
type JobFilter struct {
	TenantID    string
	Status      JobStatus
	Environment string
	RobotID     string
	WorkflowID  string
	Limit       int
	Offset      int
}
