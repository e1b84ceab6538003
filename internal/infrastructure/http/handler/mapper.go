package handler

import (
	"encoding/json"
	"time"

	"github.com/rezkam/fleetq/internal/domain"
)

// API request and response shapes. Durations cross the wire as integer
// seconds; timestamps as RFC 3339.

type submitRequest struct {
	WorkflowID            string          `json:"workflow_id"`
	Workflow              json.RawMessage `json:"workflow"`
	Environment           string          `json:"environment,omitempty"`
	Capabilities          []string        `json:"capabilities,omitempty"`
	Priority              *int            `json:"priority,omitempty"`
	MaxRetries            *int            `json:"max_retries,omitempty"`
	ScheduledDelaySeconds int             `json:"scheduled_delay_seconds,omitempty"`
	Input                 map[string]any  `json:"input,omitempty"`
	IdempotencyKey        string          `json:"idempotency_key,omitempty"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

type jobResponse struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	WorkflowID      string          `json:"workflow_id"`
	Workflow        json.RawMessage `json:"workflow,omitempty"`
	Environment     string          `json:"environment"`
	Capabilities    []string        `json:"capabilities,omitempty"`
	Priority        int             `json:"priority"`
	Input           map[string]any  `json:"input,omitempty"`
	Result          map[string]any  `json:"result,omitempty"`
	LastError       *string         `json:"last_error,omitempty"`
	Status          string          `json:"status"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	VisibleAfter    time.Time       `json:"visible_after"`
	RobotID         *string         `json:"robot_id,omitempty"`
	LeaseToken      *string         `json:"lease_token,omitempty"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

type jobListResponse struct {
	Jobs       []jobResponse `json:"jobs"`
	TotalCount int           `json:"total_count"`
}

type claimRequest struct {
	RobotID                  string   `json:"robot_id"`
	Environment              string   `json:"environment,omitempty"`
	Capabilities             []string `json:"capabilities,omitempty"`
	BatchSize                int      `json:"batch_size"`
	VisibilityTimeoutSeconds int      `json:"visibility_timeout_seconds,omitempty"`
}

type claimResponse struct {
	Jobs []jobResponse `json:"jobs"`
}

type extendRequest struct {
	LeaseToken    string `json:"lease_token"`
	ExtendSeconds int    `json:"extend_seconds"`
}

type extendResponse struct {
	OK              bool `json:"ok"`
	CancelRequested bool `json:"cancel_requested"`
}

type completeRequest struct {
	LeaseToken string         `json:"lease_token"`
	Result     map[string]any `json:"result,omitempty"`
}

type failRequest struct {
	LeaseToken string `json:"lease_token"`
	Error      string `json:"error"`
	Permanent  bool   `json:"permanent,omitempty"`
}

type failResponse struct {
	WillRetry bool `json:"will_retry"`
}

type registerRequest struct {
	MachineID    string   `json:"machine_id"`
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Environment  string   `json:"environment,omitempty"`
}

type robotResponse struct {
	ID            string    `json:"id"`
	MachineID     string    `json:"machine_id"`
	Name          string    `json:"name,omitempty"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	Environment   string    `json:"environment"`
	Status        string    `json:"status"`
	CurrentJobID  *string   `json:"current_job_id,omitempty"`
	CPUPercent    *float64  `json:"cpu_percent,omitempty"`
	MemoryMB      *float64  `json:"memory_mb,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	CreatedAt     time.Time `json:"created_at"`
}

type robotListResponse struct {
	Robots []robotResponse `json:"robots"`
}

type heartbeatRequest struct {
	Status       string   `json:"status,omitempty"`
	CurrentJobID *string  `json:"current_job_id,omitempty"`
	CPUPercent   *float64 `json:"cpu_percent,omitempty"`
	MemoryMB     *float64 `json:"memory_mb,omitempty"`
}

func toJobResponse(job *domain.Job) jobResponse {
	return jobResponse{
		ID:              job.ID,
		TenantID:        job.TenantID,
		WorkflowID:      job.WorkflowID,
		Workflow:        job.Payload,
		Environment:     job.Environment,
		Capabilities:    job.Capabilities,
		Priority:        job.Priority,
		Input:           job.Input,
		Result:          job.Result,
		LastError:       job.LastError,
		Status:          string(job.Status),
		RetryCount:      job.RetryCount,
		MaxRetries:      job.MaxRetries,
		VisibleAfter:    job.VisibleAfter,
		RobotID:         job.RobotID,
		LeaseToken:      job.LeaseToken,
		CancelRequested: job.CancelRequested,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
	}
}

func toRobotResponse(robot *domain.Robot) robotResponse {
	return robotResponse{
		ID:            robot.ID,
		MachineID:     robot.MachineID,
		Name:          robot.Name,
		Capabilities:  robot.Capabilities,
		Environment:   robot.Environment,
		Status:        string(robot.Status),
		CurrentJobID:  robot.CurrentJobID,
		CPUPercent:    robot.CPUPercent,
		MemoryMB:      robot.MemoryMB,
		LastHeartbeat: robot.LastHeartbeat,
		CreatedAt:     robot.CreatedAt,
	}
}
