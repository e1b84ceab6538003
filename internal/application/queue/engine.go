package queue

import (
	"context"
	"time"

	"github.com/rezkam/fleetq/internal/domain"
)

// Engine is the durable store of jobs plus the atomic state-transition
// operations. It is the single source of truth; every other component reads
// or mutates jobs only through these operations.
//
// Implementations must make Claim race-free across many concurrent claimants
// using the skip-locked discipline (or a compare-and-swap loop where the
// store has no native primitive), and must emit exactly one event per state
// transition after the transition is durable.
type Engine interface {
	// Submit validates the resolved spec and inserts a queued job with
	// visible_after = now + spec.ScheduledDelay. When an unexpired
	// idempotency key matches, the prior job id is returned without
	// inserting; a key reuse with a different payload hash is ErrConflict.
	Submit(ctx context.Context, spec domain.JobSpec) (jobID string, err error)

	// Claim atomically selects up to req.BatchSize eligible jobs ordered by
	// (priority DESC, created_at ASC, id ASC), marks them claimed by
	// req.RobotID and returns them with fresh lease tokens. Jobs whose
	// required capabilities the robot does not declare are skipped and
	// remain eligible for other claimants. An empty result is not an error.
	Claim(ctx context.Context, req ClaimRequest) ([]domain.Job, error)

	// ExtendLease pushes the lease expiry to now + extension, only if the
	// job is still claimed under leaseToken. The returned status carries the
	// cooperative cancellation flag; a false OK means the lease is gone and
	// the robot must abandon the work.
	ExtendLease(ctx context.Context, jobID, leaseToken string, extension time.Duration) (LeaseStatus, error)

	// Complete transitions claimed -> completed iff the lease matches,
	// recording the result. A token mismatch is ErrStaleLease.
	Complete(ctx context.Context, jobID, leaseToken string, result map[string]any) error

	// Fail applies the retry policy to a claimed job iff the lease matches:
	// requeue with backoff when retries remain and the failure is not
	// permanent, dead-letter otherwise. A fail on a cancel-requested job
	// resolves to cancelled. Returns whether the job will run again.
	Fail(ctx context.Context, jobID, leaseToken, errMsg string, permanent bool) (willRetry bool, err error)

	// Cancel cancels a queued job immediately. On a claimed job it records a
	// cancel request which the robot observes on its next ExtendLease. On a
	// terminal job it is a no-op.
	Cancel(ctx context.Context, jobID string) error

	// RecoverExpired scans claimed jobs whose lease expired before now and
	// applies the retry policy with a synthetic "visibility timeout" error.
	// Called from exactly one scheduled worker. Returns the recovered ids.
	RecoverExpired(ctx context.Context, now time.Time) ([]string, error)

	// Get returns a job by id, or ErrJobNotFound.
	Get(ctx context.Context, jobID string) (*domain.Job, error)

	// List returns jobs matching the filter plus the total match count.
	List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, int, error)

	// PurgeTerminal removes jobs that entered a terminal state before
	// cutoff, invoking archive for each before deletion. A nil archive
	// deletes without archiving. Returns the number purged.
	PurgeTerminal(ctx context.Context, cutoff time.Time, archive func(context.Context, *domain.Job) error) (int, error)
}

// ClaimRequest describes one claim call from a robot.
type ClaimRequest struct {
	RobotID           string
	Environment       string
	Capabilities      []string
	BatchSize         int
	VisibilityTimeout time.Duration
}

// LeaseStatus is the result of a lease extension.
type LeaseStatus struct {
	// OK is false when the lease no longer exists (token mismatch, expiry
	// already recovered, or terminal state).
	OK bool

	// CancelRequested signals cooperative cancellation: the robot must stop
	// executing and promptly call Fail or Complete.
	CancelRequested bool
}
