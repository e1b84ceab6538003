package dispatcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rezkam/fleetq/internal/application/queue"
	"github.com/rezkam/fleetq/internal/domain"
)

// Request is a workflow-execution submission before routing policy has been
// applied.
type Request struct {
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
	RequestID      string
}

// Defaults are the policy fallbacks applied when neither the request nor the
// workflow metadata decides.
type Defaults struct {
	MaxRetries int
	Priority   int
}

// workflowMeta is the optional routing envelope a workflow document may carry
// at its top level alongside nodes and connections.
type workflowMeta struct {
	Environment string `json:"environment"`
	Priority    *int   `json:"priority"`
}

// Dispatcher turns submissions into correctly routed queue entries. It is a
// thin layer whose value is in policy, not mechanism: it resolves environment,
// priority, retry budget and delay, then delegates to the queue engine.
// Dispatch never blocks on the workflow's execution.
type Dispatcher struct {
	engine   queue.Engine
	defaults Defaults
}

// New creates a dispatcher over the given engine.
func New(engine queue.Engine, defaults Defaults) *Dispatcher {
	if defaults.MaxRetries == 0 {
		defaults.MaxRetries = 3
	}
	if defaults.Priority == 0 {
		defaults.Priority = domain.NormalPriority
	}
	return &Dispatcher{engine: engine, defaults: defaults}
}

// Dispatch resolves routing policy and submits the job, returning its id as
// soon as the job is durable.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (string, error) {
	meta := parseMeta(req.Payload)

	environment := req.Environment
	if environment == "" {
		environment = meta.Environment
	}
	if environment == "" {
		environment = domain.DefaultEnvironment
	}

	priority := d.defaults.Priority
	switch {
	case req.Priority != nil:
		priority = *req.Priority
	case meta.Priority != nil:
		priority = *meta.Priority
	}

	maxRetries := d.defaults.MaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	spec := domain.JobSpec{
		TenantID:       req.TenantID,
		WorkflowID:     req.WorkflowID,
		Payload:        req.Payload,
		Environment:    environment,
		Capabilities:   req.Capabilities,
		Priority:       &priority,
		MaxRetries:     &maxRetries,
		ScheduledDelay: req.ScheduledDelay,
		Input:          req.Input,
		IdempotencyKey: req.IdempotencyKey,
		RequestID:      req.RequestID,
	}
	if req.IdempotencyKey != "" {
		spec.PayloadHash = PayloadHash(req.Payload)
	}

	jobID, err := d.engine.Submit(ctx, spec)
	if err != nil {
		return "", err
	}

	slog.InfoContext(ctx, "job dispatched",
		"job_id", jobID,
		"workflow_id", req.WorkflowID,
		"environment", environment,
		"priority", priority,
		"scheduled_delay", req.ScheduledDelay)
	return jobID, nil
}

// PayloadHash is the byte-exact SHA-256 of the raw payload, hex encoded.
// Field-order-insensitive normalisation is deliberately not applied.
func PayloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Resubmit submits a fresh job carrying a dead-lettered job's original
// payload and routing. The new job starts with a clean retry budget.
func (d *Dispatcher) Resubmit(ctx context.Context, job *domain.Job) (string, error) {
	if job.Status != domain.JobDeadLetter {
		return "", fmt.Errorf("%w: only dead-lettered jobs can be resubmitted", domain.ErrPreconditionFailed)
	}
	return d.Dispatch(ctx, Request{
		TenantID:     job.TenantID,
		WorkflowID:   job.WorkflowID,
		Payload:      job.Payload,
		Environment:  job.Environment,
		Capabilities: job.Capabilities,
		Priority:     &job.Priority,
		MaxRetries:   &job.MaxRetries,
		Input:        job.Input,
		RequestID:    job.RequestID,
	})
}

func parseMeta(payload []byte) workflowMeta {
	var meta workflowMeta
	// Metadata is best-effort: a malformed document fails later in submit
	// validation with a proper error.
	_ = json.Unmarshal(payload, &meta)
	return meta
}
