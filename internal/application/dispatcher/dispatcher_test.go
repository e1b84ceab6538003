package dispatcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/fleetq/internal/application/queue"
	"github.com/rezkam/fleetq/internal/domain"
)

// captureEngine implements queue.Engine, recording the submitted spec.
type captureEngine struct {
	lastSpec domain.JobSpec
	submitFn func(spec domain.JobSpec) (string, error)
}

func (e *captureEngine) Submit(ctx context.Context, spec domain.JobSpec) (string, error) {
	e.lastSpec = spec
	if e.submitFn != nil {
		return e.submitFn(spec)
	}
	return "job-1", nil
}

func (e *captureEngine) Claim(ctx context.Context, req queue.ClaimRequest) ([]domain.Job, error) {
	return nil, nil
}

func (e *captureEngine) ExtendLease(ctx context.Context, jobID, leaseToken string, extension time.Duration) (queue.LeaseStatus, error) {
	return queue.LeaseStatus{}, nil
}

func (e *captureEngine) Complete(ctx context.Context, jobID, leaseToken string, result map[string]any) error {
	return nil
}

func (e *captureEngine) Fail(ctx context.Context, jobID, leaseToken, errMsg string, permanent bool) (bool, error) {
	return false, nil
}

func (e *captureEngine) Cancel(ctx context.Context, jobID string) error { return nil }

func (e *captureEngine) RecoverExpired(ctx context.Context, now time.Time) ([]string, error) {
	return nil, nil
}

func (e *captureEngine) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	return nil, domain.ErrJobNotFound
}

func (e *captureEngine) List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, int, error) {
	return nil, 0, nil
}

func (e *captureEngine) PurgeTerminal(ctx context.Context, cutoff time.Time, archive func(context.Context, *domain.Job) error) (int, error) {
	return 0, nil
}

var minimalPayload = json.RawMessage(`{"nodes":[{"id":"s","type":"Start"}],"connections":[]}`)

func TestDispatchAppliesDefaults(t *testing.T) {
	engine := &captureEngine{}
	d := New(engine, Defaults{MaxRetries: 3})

	jobID, err := d.Dispatch(context.Background(), Request{
		WorkflowID: "wf-1",
		Payload:    minimalPayload,
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", jobID)

	spec := engine.lastSpec
	assert.Equal(t, domain.DefaultEnvironment, spec.Environment)
	require.NotNil(t, spec.Priority)
	assert.Equal(t, domain.NormalPriority, *spec.Priority)
	require.NotNil(t, spec.MaxRetries)
	assert.Equal(t, 3, *spec.MaxRetries)
	assert.Empty(t, spec.PayloadHash, "no hash without an idempotency key")
}

func TestDispatchExplicitArgsWin(t *testing.T) {
	engine := &captureEngine{}
	d := New(engine, Defaults{MaxRetries: 3})

	pri, retries := 20, 7
	_, err := d.Dispatch(context.Background(), Request{
		WorkflowID:     "wf-1",
		Payload:        json.RawMessage(`{"environment":"staging","priority":2,"nodes":[{"id":"s","type":"Start"}]}`),
		Environment:    "production",
		Priority:       &pri,
		MaxRetries:     &retries,
		ScheduledDelay: 5 * time.Minute,
	})
	require.NoError(t, err)

	spec := engine.lastSpec
	assert.Equal(t, "production", spec.Environment)
	assert.Equal(t, 20, *spec.Priority)
	assert.Equal(t, 7, *spec.MaxRetries)
	assert.Equal(t, 5*time.Minute, spec.ScheduledDelay)
}

func TestDispatchWorkflowMetadataFallback(t *testing.T) {
	engine := &captureEngine{}
	d := New(engine, Defaults{MaxRetries: 3})

	_, err := d.Dispatch(context.Background(), Request{
		WorkflowID: "wf-1",
		Payload:    json.RawMessage(`{"environment":"staging","priority":2,"nodes":[{"id":"s","type":"Start"}]}`),
	})
	require.NoError(t, err)

	spec := engine.lastSpec
	assert.Equal(t, "staging", spec.Environment)
	assert.Equal(t, 2, *spec.Priority)
}

func TestDispatchComputesPayloadHash(t *testing.T) {
	engine := &captureEngine{}
	d := New(engine, Defaults{})

	_, err := d.Dispatch(context.Background(), Request{
		WorkflowID:     "wf-1",
		Payload:        minimalPayload,
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	assert.Equal(t, PayloadHash(minimalPayload), engine.lastSpec.PayloadHash)
	assert.Equal(t, "k1", engine.lastSpec.IdempotencyKey)
}

func TestPayloadHashIsByteExact(t *testing.T) {
	a := PayloadHash([]byte(`{"a":1,"b":2}`))
	b := PayloadHash([]byte(`{"b":2,"a":1}`))
	assert.NotEqual(t, a, b, "hash comparison is byte-exact, not normalised")
	assert.Equal(t, a, PayloadHash([]byte(`{"a":1,"b":2}`)))
}

func TestResubmitRequiresDeadLetter(t *testing.T) {
	engine := &captureEngine{}
	d := New(engine, Defaults{})

	_, err := d.Resubmit(context.Background(), &domain.Job{Status: domain.JobCompleted})
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)

	job := &domain.Job{
		Status:      domain.JobDeadLetter,
		WorkflowID:  "wf-1",
		Payload:     minimalPayload,
		Environment: "staging",
		Priority:    5,
		MaxRetries:  2,
	}
	_, err = d.Resubmit(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "staging", engine.lastSpec.Environment)
	assert.Equal(t, 5, *engine.lastSpec.Priority)
}
