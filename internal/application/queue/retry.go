package queue

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/rezkam/fleetq/internal/domain"
)

// RetryPolicy holds the backoff parameters applied to failed jobs and
// expired leases.
type RetryPolicy struct {
	BaseDelay time.Duration // first retry delay (default: 2s)
	MaxDelay  time.Duration // delay cap (default: 5min)
}

// DefaultRetryPolicy returns the default backoff configuration.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay: 2 * time.Second,
		MaxDelay:  5 * time.Minute,
	}
}

// Backoff computes the delay before retry attempt n (1-based):
// min(base * 2^(n-1) + jitter, cap) with jitter uniform over [0, base).
// The jitter desynchronises retries so a mass failure does not wake the
// queue in lockstep.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	backoff := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	backoff += float64(randomJitter(p.BaseDelay))

	if backoff > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(backoff)
}

// randomJitter draws uniformly from [0, base).
func randomJitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(base)))
	if err != nil {
		// Degrade to no jitter rather than failing the transition.
		return 0
	}
	return time.Duration(n.Int64())
}

// FailureOutcome is what happens to a job after a failure or lease expiry.
type FailureOutcome int

const (
	// OutcomeRetry requeues the job with backoff.
	OutcomeRetry FailureOutcome = iota
	// OutcomeDeadLetter parks the job for human inspection.
	OutcomeDeadLetter
	// OutcomeCancelled honors a pending cancel request instead of retrying.
	OutcomeCancelled
)

// FailureDecision is the resolved transition for a failed job. Both store
// implementations apply it verbatim inside the failing transaction so the
// policy lives in exactly one place.
type FailureDecision struct {
	Outcome      FailureOutcome
	RetryCount   int
	VisibleAfter time.Time
	NextStatus   domain.JobStatus
}

// Decide applies the retry/dead-letter policy to a claimed job that failed
// (or whose lease expired). permanent marks failures classified by the caller
// as non-retryable; ambiguous failures default to retryable.
func (p RetryPolicy) Decide(job *domain.Job, now time.Time, permanent bool) FailureDecision {
	if job.CancelRequested {
		return FailureDecision{
			Outcome:    OutcomeCancelled,
			RetryCount: job.RetryCount,
			NextStatus: domain.JobCancelled,
		}
	}

	if !permanent && job.RetryCount < job.MaxRetries {
		next := job.RetryCount + 1
		return FailureDecision{
			Outcome:      OutcomeRetry,
			RetryCount:   next,
			VisibleAfter: now.Add(p.Backoff(next)),
			NextStatus:   domain.JobQueued,
		}
	}

	return FailureDecision{
		Outcome:    OutcomeDeadLetter,
		RetryCount: job.RetryCount,
		NextStatus: domain.JobDeadLetter,
	}
}
