// Package client is the typed HTTP client for the orchestrator API, used by
// the robot agent and the command-line tools.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rezkam/fleetq/internal/application/queue"
	"github.com/rezkam/fleetq/internal/domain"
)

// Client talks to the orchestrator API. Transient failures are retried with
// backoff; every other error kind is returned to the caller unchanged.
type Client struct {
	baseURL  string
	tenantID string
	http     *http.Client

	// MaxAttempts bounds transient retries per call.
	MaxAttempts int
	// RetryDelay is the base delay between transient retries.
	RetryDelay time.Duration
}

// New creates a client for the orchestrator at baseURL.
func New(baseURL, tenantID string) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		tenantID:    tenantID,
		http:        &http.Client{Timeout: 30 * time.Second},
		MaxAttempts: 3,
		RetryDelay:  500 * time.Millisecond,
	}
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// apiError converts a non-2xx response into a domain error.
func apiError(statusCode int, body []byte) error {
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error.Code == "" {
		if statusCode >= 500 {
			return fmt.Errorf("%w: server returned %d", domain.ErrTransient, statusCode)
		}
		return fmt.Errorf("server returned %d: %s", statusCode, string(body))
	}

	message := envelope.Error.Message
	switch domain.ErrorKind(envelope.Error.Code) {
	case domain.KindInvalidArgument:
		return fmt.Errorf("%w: %s", domain.ErrInvalidArgument, message)
	case domain.KindNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, message)
	case domain.KindConflict:
		return fmt.Errorf("%w: %s", domain.ErrConflict, message)
	case domain.KindStaleLease:
		return fmt.Errorf("%w: %s", domain.ErrStaleLease, message)
	case domain.KindPreconditionFailed:
		return fmt.Errorf("%w: %s", domain.ErrPreconditionFailed, message)
	default:
		return fmt.Errorf("%w: %s", domain.ErrTransient, message)
	}
}

// call performs one JSON request with transient retries. out may be nil.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.RetryDelay * time.Duration(attempt-1)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.tenantID != "" {
			req.Header.Set("X-Tenant-ID", c.tenantID)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", domain.ErrTransient, err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("%w: failed to read response: %v", domain.ErrTransient, err)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out == nil || len(body) == 0 {
				return nil
			}
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			return nil
		}

		lastErr = apiError(resp.StatusCode, body)
		if !domain.KindOf(lastErr).Retryable() {
			return lastErr
		}
	}
	return lastErr
}

// === Submitter surface ===

// SubmitRequest mirrors POST /jobs.
type SubmitRequest struct {
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

// Submit submits a workflow execution and returns the job id.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	var resp struct {
		JobID string `json:"job_id"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/jobs", req, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// GetJob fetches a job by id.
func (c *Client) GetJob(ctx context.Context, jobID string) (*JobView, error) {
	var job JobView
	if err := c.call(ctx, http.MethodGet, "/api/jobs/"+jobID, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs lists jobs, optionally filtered by status.
func (c *Client) ListJobs(ctx context.Context, status string) ([]JobView, int, error) {
	path := "/api/jobs"
	if status != "" {
		path += "?status=" + status
	}
	var resp struct {
		Jobs       []JobView `json:"jobs"`
		TotalCount int       `json:"total_count"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, 0, err
	}
	return resp.Jobs, resp.TotalCount, nil
}

// CancelJob cancels a job.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	return c.call(ctx, http.MethodPost, "/api/jobs/"+jobID+":cancel", nil, nil)
}

// JobView is the API's job representation.
type JobView struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	WorkflowID  string          `json:"workflow_id"`
	Workflow    json.RawMessage `json:"workflow,omitempty"`
	Environment string          `json:"environment"`
	Priority    int             `json:"priority"`
	Status      string          `json:"status"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	LastError   *string         `json:"last_error,omitempty"`
	Result      map[string]any  `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// === Robot surface (implements robot.Orchestrator) ===

// RegisterRobot registers this machine and returns the robot record.
func (c *Client) RegisterRobot(ctx context.Context, machineID, name string, capabilities []string, environment string) (*domain.Robot, error) {
	req := map[string]any{
		"machine_id":   machineID,
		"name":         name,
		"capabilities": capabilities,
		"environment":  environment,
	}
	var resp struct {
		ID          string `json:"id"`
		MachineID   string `json:"machine_id"`
		Name        string `json:"name"`
		Environment string `json:"environment"`
		Status      string `json:"status"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/robots", req, &resp); err != nil {
		return nil, err
	}
	return &domain.Robot{
		ID:          resp.ID,
		MachineID:   resp.MachineID,
		Name:        resp.Name,
		Environment: resp.Environment,
		Status:      domain.RobotStatus(resp.Status),
	}, nil
}

// Heartbeat pushes a liveness report.
func (c *Client) Heartbeat(ctx context.Context, hb domain.Heartbeat) error {
	req := map[string]any{
		"status":         string(hb.Status),
		"current_job_id": hb.CurrentJobID,
		"cpu_percent":    hb.CPUPercent,
		"memory_mb":      hb.MemoryMB,
	}
	return c.call(ctx, http.MethodPost, "/api/robots/"+hb.RobotID+"/heartbeat", req, nil)
}

// Claim claims up to req.BatchSize jobs.
func (c *Client) Claim(ctx context.Context, req queue.ClaimRequest) ([]domain.Job, error) {
	body := map[string]any{
		"robot_id":                   req.RobotID,
		"environment":                req.Environment,
		"capabilities":               req.Capabilities,
		"batch_size":                 req.BatchSize,
		"visibility_timeout_seconds": int(req.VisibilityTimeout / time.Second),
	}
	var resp struct {
		Jobs []struct {
			ID          string          `json:"id"`
			TenantID    string          `json:"tenant_id"`
			WorkflowID  string          `json:"workflow_id"`
			Workflow    json.RawMessage `json:"workflow"`
			Environment string          `json:"environment"`
			Priority    int             `json:"priority"`
			Input       map[string]any  `json:"input"`
			Status      string          `json:"status"`
			RetryCount  int             `json:"retry_count"`
			MaxRetries  int             `json:"max_retries"`
			RobotID     *string         `json:"robot_id"`
			LeaseToken  *string         `json:"lease_token"`
		} `json:"jobs"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/jobs:claim", body, &resp); err != nil {
		return nil, err
	}

	jobs := make([]domain.Job, 0, len(resp.Jobs))
	for _, j := range resp.Jobs {
		jobs = append(jobs, domain.Job{
			ID:          j.ID,
			TenantID:    j.TenantID,
			WorkflowID:  j.WorkflowID,
			Payload:     j.Workflow,
			Environment: j.Environment,
			Priority:    j.Priority,
			Input:       j.Input,
			Status:      domain.JobStatus(j.Status),
			RetryCount:  j.RetryCount,
			MaxRetries:  j.MaxRetries,
			RobotID:     j.RobotID,
			LeaseToken:  j.LeaseToken,
		})
	}
	return jobs, nil
}

// ExtendLease extends a held lease and surfaces cancellation requests.
func (c *Client) ExtendLease(ctx context.Context, jobID, leaseToken string, extension time.Duration) (queue.LeaseStatus, error) {
	req := map[string]any{
		"lease_token":    leaseToken,
		"extend_seconds": int(extension / time.Second),
	}
	var resp struct {
		OK              bool `json:"ok"`
		CancelRequested bool `json:"cancel_requested"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/jobs/"+jobID+":extend", req, &resp); err != nil {
		return queue.LeaseStatus{}, err
	}
	return queue.LeaseStatus{OK: resp.OK, CancelRequested: resp.CancelRequested}, nil
}

// Complete acknowledges a job under its lease.
func (c *Client) Complete(ctx context.Context, jobID, leaseToken string, result map[string]any) error {
	req := map[string]any{
		"lease_token": leaseToken,
		"result":      result,
	}
	return c.call(ctx, http.MethodPost, "/api/jobs/"+jobID+":complete", req, nil)
}

// Fail reports a failed job under its lease.
func (c *Client) Fail(ctx context.Context, jobID, leaseToken, errMsg string, permanent bool) (bool, error) {
	req := map[string]any{
		"lease_token": leaseToken,
		"error":       errMsg,
		"permanent":   permanent,
	}
	var resp struct {
		WillRetry bool `json:"will_retry"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/jobs/"+jobID+":fail", req, &resp); err != nil {
		return false, err
	}
	return resp.WillRetry, nil
}
