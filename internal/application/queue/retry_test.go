package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rezkam/fleetq/internal/domain"
)

func TestBackoffLowerBound(t *testing.T) {
	p := DefaultRetryPolicy()

	// backoff(n) >= base * 2^(n-1) until the cap kicks in.
	for attempt := 1; attempt <= 5; attempt++ {
		floor := time.Duration(float64(p.BaseDelay) * float64(int(1)<<(attempt-1)))
		for range 20 {
			d := p.Backoff(attempt)
			assert.GreaterOrEqual(t, d, floor, "attempt %d", attempt)
			assert.LessOrEqual(t, d, p.MaxDelay)
		}
	}
}

func TestBackoffJitterBound(t *testing.T) {
	p := RetryPolicy{BaseDelay: 2 * time.Second, MaxDelay: 5 * time.Minute}

	// jitter is uniform over [0, base): backoff(1) in [base, 2*base).
	for range 50 {
		d := p.Backoff(1)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.Less(t, d, 4*time.Second)
	}
}

func TestBackoffCapped(t *testing.T) {
	p := RetryPolicy{BaseDelay: 2 * time.Second, MaxDelay: 5 * time.Minute}

	// 2s * 2^19 is far past the cap.
	assert.Equal(t, 5*time.Minute, p.Backoff(20))
}

func TestBackoffVaries(t *testing.T) {
	p := DefaultRetryPolicy()

	seen := make(map[time.Duration]struct{})
	for range 20 {
		seen[p.Backoff(1)] = struct{}{}
	}
	assert.Greater(t, len(seen), 1, "jitter must desynchronise retries")
}

func TestDecideRetry(t *testing.T) {
	p := DefaultRetryPolicy()
	now := time.Now().UTC()
	job := &domain.Job{Status: domain.JobClaimed, RetryCount: 0, MaxRetries: 3}

	d := p.Decide(job, now, false)
	assert.Equal(t, OutcomeRetry, d.Outcome)
	assert.Equal(t, domain.JobQueued, d.NextStatus)
	assert.Equal(t, 1, d.RetryCount)
	assert.True(t, d.VisibleAfter.After(now.Add(p.BaseDelay-time.Millisecond)))
}

func TestDecideExhaustedRetries(t *testing.T) {
	p := DefaultRetryPolicy()
	job := &domain.Job{Status: domain.JobClaimed, RetryCount: 3, MaxRetries: 3}

	d := p.Decide(job, time.Now().UTC(), false)
	assert.Equal(t, OutcomeDeadLetter, d.Outcome)
	assert.Equal(t, domain.JobDeadLetter, d.NextStatus)
	assert.Equal(t, 3, d.RetryCount, "retry_count never exceeds max_retries")
}

func TestDecidePermanentFailure(t *testing.T) {
	p := DefaultRetryPolicy()
	job := &domain.Job{Status: domain.JobClaimed, RetryCount: 0, MaxRetries: 3}

	d := p.Decide(job, time.Now().UTC(), true)
	assert.Equal(t, OutcomeDeadLetter, d.Outcome)
}

func TestDecideCancelRequestedWins(t *testing.T) {
	p := DefaultRetryPolicy()
	job := &domain.Job{Status: domain.JobClaimed, RetryCount: 0, MaxRetries: 3, CancelRequested: true}

	for _, permanent := range []bool{true, false} {
		d := p.Decide(job, time.Now().UTC(), permanent)
		assert.Equal(t, OutcomeCancelled, d.Outcome, "permanent=%v", permanent)
		assert.Equal(t, domain.JobCancelled, d.NextStatus)
	}
}

func TestDecideZeroMaxRetries(t *testing.T) {
	p := DefaultRetryPolicy()
	job := &domain.Job{Status: domain.JobClaimed, RetryCount: 0, MaxRetries: 0}

	d := p.Decide(job, time.Now().UTC(), false)
	assert.Equal(t, OutcomeDeadLetter, d.Outcome)
}
