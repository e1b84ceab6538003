package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rezkam/fleetq/internal/application/queue"
	"github.com/rezkam/fleetq/internal/domain"
)

const jobColumns = `id, tenant_id, workflow_id, payload, environment, capabilities,
	priority, input, result, last_error, status, retry_count, max_retries,
	visible_after, robot_id, lease_token, cancel_requested, request_id,
	created_at, started_at, completed_at`

func scanJob(row pgx.Row) (*domain.Job, error) {
	var job domain.Job
	var status string
	err := row.Scan(
		&job.ID, &job.TenantID, &job.WorkflowID, &job.Payload, &job.Environment, &job.Capabilities,
		&job.Priority, &job.Input, &job.Result, &job.LastError, &status, &job.RetryCount, &job.MaxRetries,
		&job.VisibleAfter, &job.RobotID, &job.LeaseToken, &job.CancelRequested, &job.RequestID,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	return &job, nil
}

// === Submit ===

func (s *Store) Submit(ctx context.Context, spec domain.JobSpec) (string, error) {
	queue.ResolveSpecDefaults(&spec, 3)
	if err := queue.ValidateSpec(&spec); err != nil {
		return "", err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if spec.IdempotencyKey != "" {
		priorID, err := s.lookupIdempotencyKey(ctx, tx, &spec)
		if err != nil {
			return "", err
		}
		if priorID != "" {
			return priorID, nil
		}
	}

	jobID, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate job ID: %w", err)
	}

	now := time.Now().UTC()
	visibleAfter := now.Add(spec.ScheduledDelay)
	if spec.ScheduledDelay == 0 {
		// Go's clock and PostgreSQL's NOW() drift independently. The buffer
		// keeps an undelayed job immediately claimable even when the database
		// clock runs slightly behind.
		visibleAfter = now.Add(-1 * time.Second)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, tenant_id, workflow_id, payload, environment, capabilities,
			priority, input, status, retry_count, max_retries, visible_after, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'queued', 0, $9, $10, $11, $12)`,
		jobID.String(), spec.TenantID, spec.WorkflowID, []byte(spec.Payload), spec.Environment, spec.Capabilities,
		*spec.Priority, spec.Input, *spec.MaxRetries, visibleAfter, spec.RequestID, now,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert job: %w", err)
	}

	if spec.IdempotencyKey != "" {
		_, err = tx.Exec(ctx, `
			INSERT INTO idempotency_keys (tenant_id, key, payload_hash, job_id, expires_at)
			VALUES ($1, $2, $3, $4, $5)`,
			spec.TenantID, spec.IdempotencyKey, spec.PayloadHash, jobID.String(), now.Add(idempotencyKeyTTL),
		)
		if err != nil {
			return "", fmt.Errorf("failed to record idempotency key: %w", err)
		}
	}

	if err := s.emitEventTx(ctx, tx, domain.Event{
		Kind:      domain.EventJobCreated,
		Subject:   domain.SubjectJob,
		SubjectID: jobID.String(),
		TenantID:  spec.TenantID,
		RequestID: spec.RequestID,
		NewValue:  string(domain.JobQueued),
	}); err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return jobID.String(), nil
}

// lookupIdempotencyKey resolves a client-supplied key under its row lock.
// Returns the prior job id on a byte-exact payload match, "" when the key is
// new or expired, ErrConflict when the key exists for a different payload.
func (s *Store) lookupIdempotencyKey(ctx context.Context, tx pgx.Tx, spec *domain.JobSpec) (string, error) {
	var jobID, priorHash string
	var expiresAt time.Time
	err := tx.QueryRow(ctx, `
		SELECT job_id, payload_hash, expires_at FROM idempotency_keys
		WHERE tenant_id = $1 AND key = $2
		FOR UPDATE`,
		spec.TenantID, spec.IdempotencyKey,
	).Scan(&jobID, &priorHash, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up idempotency key: %w", err)
	}

	if time.Now().UTC().After(expiresAt) {
		if _, err := tx.Exec(ctx, `DELETE FROM idempotency_keys WHERE tenant_id = $1 AND key = $2`,
			spec.TenantID, spec.IdempotencyKey); err != nil {
			return "", fmt.Errorf("failed to expire idempotency key: %w", err)
		}
		return "", nil
	}

	if priorHash != spec.PayloadHash {
		return "", fmt.Errorf("%w: idempotency key %q reused with a different payload", domain.ErrConflict, spec.IdempotencyKey)
	}

	slog.InfoContext(ctx, "idempotent submission resolved to prior job",
		"idempotency_key", spec.IdempotencyKey,
		"job_id", jobID)
	return jobID, nil
}

// === Claim ===

// Claim runs the two-stage claim inside one transaction: select candidate
// rows under FOR UPDATE SKIP LOCKED in dispatch order, filter by capability
// in a post-select predicate (skipped rows unlock at commit and stay eligible
// for other claimants), then flip the survivors to claimed with fresh lease
// tokens.
func (s *Store) Claim(ctx context.Context, req queue.ClaimRequest) ([]domain.Job, error) {
	if req.BatchSize <= 0 {
		return []domain.Job{}, nil
	}
	if req.RobotID == "" {
		return nil, fmt.Errorf("%w: robot id is required", domain.ErrInvalidArgument)
	}
	env := req.Environment
	if env == "" {
		env = domain.DefaultEnvironment
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM jobs
		WHERE status = 'queued'
		  AND visible_after <= NOW()
		  AND (environment = $1 OR environment = 'default' OR $1 = 'default')
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, jobColumns),
		env, req.BatchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable jobs: %w", err)
	}

	candidates := make([]*domain.Job, 0, req.BatchSize)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		candidates = append(candidates, job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read claimable jobs: %w", err)
	}

	robot := domain.Robot{Capabilities: req.Capabilities}
	claimed := make([]domain.Job, 0, len(candidates))
	now := time.Now().UTC()
	visibleAfter := now.Add(req.VisibilityTimeout)

	for _, job := range candidates {
		if !robot.HasCapabilities(job.Capabilities) {
			// Left locked but unmodified: the row unlocks at commit and
			// remains eligible for a claimant that declares the capability.
			continue
		}

		token := uuid.NewString()
		updated, err := scanJob(tx.QueryRow(ctx, fmt.Sprintf(`
			UPDATE jobs
			SET status = 'claimed', robot_id = $2, lease_token = $3,
			    started_at = $4, visible_after = $5
			WHERE id = $1
			RETURNING %s`, jobColumns),
			job.ID, req.RobotID, token, now, visibleAfter,
		))
		if err != nil {
			return nil, fmt.Errorf("failed to claim job %s: %w", job.ID, err)
		}

		if err := s.emitEventTx(ctx, tx, domain.Event{
			Kind:      domain.EventJobClaimed,
			Subject:   domain.SubjectJob,
			SubjectID: updated.ID,
			TenantID:  updated.TenantID,
			RequestID: updated.RequestID,
			OldValue:  string(domain.JobQueued),
			NewValue:  string(domain.JobClaimed),
		}); err != nil {
			return nil, err
		}
		claimed = append(claimed, *updated)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit claim transaction: %w", err)
	}
	return claimed, nil
}

// === Lease Operations ===

func (s *Store) ExtendLease(ctx context.Context, jobID, leaseToken string, extension time.Duration) (queue.LeaseStatus, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return queue.LeaseStatus{}, fmt.Errorf("%w: %v", domain.ErrInvalidID, err)
	}
	var cancelRequested bool
	err := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET visible_after = $3
		WHERE id = $1 AND lease_token = $2 AND status = 'claimed'
		RETURNING cancel_requested`,
		jobID, leaseToken, time.Now().UTC().Add(extension),
	).Scan(&cancelRequested)
	if errors.Is(err, pgx.ErrNoRows) {
		// Token mismatch, lease already recovered, or terminal state.
		return queue.LeaseStatus{OK: false}, nil
	}
	if err != nil {
		return queue.LeaseStatus{}, fmt.Errorf("failed to extend lease: %w", err)
	}
	return queue.LeaseStatus{OK: true, CancelRequested: cancelRequested}, nil
}

func (s *Store) Complete(ctx context.Context, jobID, leaseToken string, result map[string]any) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	job, err := s.lockJob(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if err := checkLease(job, leaseToken); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE jobs
		SET status = 'completed', result = $2, completed_at = NOW(), lease_token = NULL
		WHERE id = $1`,
		jobID, result,
	)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	if err := s.emitEventTx(ctx, tx, domain.Event{
		Kind:      domain.EventJobCompleted,
		Subject:   domain.SubjectJob,
		SubjectID: job.ID,
		TenantID:  job.TenantID,
		RequestID: job.RequestID,
		OldValue:  string(domain.JobClaimed),
		NewValue:  string(domain.JobCompleted),
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) Fail(ctx context.Context, jobID, leaseToken, errMsg string, permanent bool) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	job, err := s.lockJob(ctx, tx, jobID)
	if err != nil {
		return false, err
	}
	if err := checkLease(job, leaseToken); err != nil {
		return false, err
	}

	decision := s.retry.Decide(job, time.Now().UTC(), permanent)
	if err := s.applyFailureTx(ctx, tx, job, decision, errMsg); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return decision.Outcome == queue.OutcomeRetry, nil
}

// applyFailureTx applies a failure decision to a locked claimed job and emits
// the matching events. Shared by Fail and RecoverExpired so the retry policy
// has exactly one enforcement point.
func (s *Store) applyFailureTx(ctx context.Context, tx pgx.Tx, job *domain.Job, decision queue.FailureDecision, errMsg string) error {
	base := domain.Event{
		Subject:   domain.SubjectJob,
		SubjectID: job.ID,
		TenantID:  job.TenantID,
		RequestID: job.RequestID,
		OldValue:  string(domain.JobClaimed),
	}

	switch decision.Outcome {
	case queue.OutcomeRetry:
		_, err := tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'queued', retry_count = $2, visible_after = $3,
			    robot_id = NULL, lease_token = NULL, last_error = $4, started_at = NULL
			WHERE id = $1`,
			job.ID, decision.RetryCount, decision.VisibleAfter, errMsg,
		)
		if err != nil {
			return fmt.Errorf("failed to schedule retry: %w", err)
		}

		slog.InfoContext(ctx, "job retry scheduled",
			"job_id", job.ID,
			"retry_count", decision.RetryCount,
			"max_retries", job.MaxRetries,
			"visible_after", decision.VisibleAfter,
			"error", errMsg)

		failed := base
		failed.Kind = domain.EventJobFailed
		failed.NewValue = string(domain.JobQueued)
		if err := s.emitEventTx(ctx, tx, failed); err != nil {
			return err
		}
		retry := base
		retry.Kind = domain.EventJobRetryScheduled
		retry.NewValue = string(domain.JobQueued)
		return s.emitEventTx(ctx, tx, retry)

	case queue.OutcomeCancelled:
		_, err := tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'cancelled', completed_at = NOW(),
			    robot_id = NULL, lease_token = NULL, last_error = $2
			WHERE id = $1`,
			job.ID, errMsg,
		)
		if err != nil {
			return fmt.Errorf("failed to cancel job: %w", err)
		}

		cancelled := base
		cancelled.Kind = domain.EventJobCancelled
		cancelled.NewValue = string(domain.JobCancelled)
		return s.emitEventTx(ctx, tx, cancelled)

	default: // queue.OutcomeDeadLetter
		_, err := tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'dead_letter', completed_at = NOW(),
			    robot_id = NULL, lease_token = NULL, last_error = $2
			WHERE id = $1`,
			job.ID, errMsg,
		)
		if err != nil {
			return fmt.Errorf("failed to dead-letter job: %w", err)
		}

		slog.WarnContext(ctx, "job moved to dead letter",
			"job_id", job.ID,
			"retry_count", decision.RetryCount,
			"max_retries", job.MaxRetries,
			"error", errMsg)

		failed := base
		failed.Kind = domain.EventJobFailed
		failed.NewValue = string(domain.JobDeadLetter)
		if err := s.emitEventTx(ctx, tx, failed); err != nil {
			return err
		}
		dead := base
		dead.Kind = domain.EventJobDeadLettered
		dead.NewValue = string(domain.JobDeadLetter)
		return s.emitEventTx(ctx, tx, dead)
	}
}

// === Cancel ===

func (s *Store) Cancel(ctx context.Context, jobID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	job, err := s.lockJob(ctx, tx, jobID)
	if err != nil {
		return err
	}

	switch {
	case job.Status.Terminal():
		// Cancelling a finished (or dead-lettered) job is a no-op.
		return nil

	case job.Status == domain.JobQueued:
		_, err := tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'cancelled', completed_at = NOW()
			WHERE id = $1`,
			jobID,
		)
		if err != nil {
			return fmt.Errorf("failed to cancel job: %w", err)
		}
		if err := s.emitEventTx(ctx, tx, domain.Event{
			Kind:      domain.EventJobCancelled,
			Subject:   domain.SubjectJob,
			SubjectID: job.ID,
			TenantID:  job.TenantID,
			RequestID: job.RequestID,
			OldValue:  string(domain.JobQueued),
			NewValue:  string(domain.JobCancelled),
		}); err != nil {
			return err
		}

	case job.Status == domain.JobClaimed:
		// Cooperative: mark the row; the robot observes the request on its
		// next lease extension and must terminate promptly.
		_, err := tx.Exec(ctx, `UPDATE jobs SET cancel_requested = TRUE WHERE id = $1`, jobID)
		if err != nil {
			return fmt.Errorf("failed to request cancellation: %w", err)
		}
		slog.InfoContext(ctx, "cancellation requested for running job", "job_id", jobID)

	default:
		return fmt.Errorf("%w: cannot cancel job in state %s", domain.ErrPreconditionFailed, job.Status)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// === Recovery ===

// recoveryBatchSize bounds one recovery transaction.
const recoveryBatchSize = 100

func (s *Store) RecoverExpired(ctx context.Context, now time.Time) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM jobs
		WHERE status = 'claimed' AND visible_after < $1
		ORDER BY visible_after ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, jobColumns),
		now, recoveryBatchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to select expired leases: %w", err)
	}

	var expired []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		expired = append(expired, job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read expired leases: %w", err)
	}

	recovered := make([]string, 0, len(expired))
	for _, job := range expired {
		decision := s.retry.Decide(job, now, false)
		if err := s.applyFailureTx(ctx, tx, job, decision, "visibility timeout"); err != nil {
			return nil, err
		}
		recovered = append(recovered, job.ID)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit recovery transaction: %w", err)
	}
	return recovered, nil
}

// === Reads ===

func (s *Store) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidID, err)
	}
	job, err := scanJob(s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM jobs WHERE id = $1`, jobColumns), jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", domain.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (s *Store) List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, int, error) {
	where := "TRUE"
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.TenantID != "" {
		where += " AND tenant_id = " + arg(filter.TenantID)
	}
	if filter.Status != "" {
		where += " AND status = " + arg(string(filter.Status))
	}
	if filter.Environment != "" {
		where += " AND environment = " + arg(filter.Environment)
	}
	if filter.RobotID != "" {
		where += " AND robot_id = " + arg(filter.RobotID)
	}
	if filter.WorkflowID != "" {
		where += " AND workflow_id = " + arg(filter.WorkflowID)
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC, id DESC LIMIT %s OFFSET %s`,
		jobColumns, where, arg(limit), arg(filter.Offset))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read jobs: %w", err)
	}
	return jobs, total, nil
}

// === Retention ===

func (s *Store) PurgeTerminal(ctx context.Context, cutoff time.Time, archive func(context.Context, *domain.Job) error) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM jobs
		WHERE status IN ('completed', 'cancelled', 'dead_letter') AND completed_at < $1
		LIMIT 500
		FOR UPDATE SKIP LOCKED`, jobColumns),
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to select purgeable jobs: %w", err)
	}

	var purgeable []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan job: %w", err)
		}
		purgeable = append(purgeable, job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to read purgeable jobs: %w", err)
	}

	purged := 0
	for _, job := range purgeable {
		if archive != nil {
			if err := archive(ctx, job); err != nil {
				// The job stays for the next sweep; archival failures must
				// not lose the record.
				slog.WarnContext(ctx, "failed to archive job, keeping row", "job_id", job.ID, "error", err)
				continue
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, job.ID); err != nil {
			return 0, fmt.Errorf("failed to delete job %s: %w", job.ID, err)
		}
		purged++
	}

	if _, err := tx.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at < NOW()`); err != nil {
		return 0, fmt.Errorf("failed to purge idempotency keys: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit purge transaction: %w", err)
	}
	return purged, nil
}

// === Helpers ===

// lockJob reads a job under FOR UPDATE so the subsequent transition is
// serialised with concurrent mutations of the same row.
func (s *Store) lockJob(ctx context.Context, tx pgx.Tx, jobID string) (*domain.Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidID, err)
	}
	job, err := scanJob(tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM jobs WHERE id = $1 FOR UPDATE`, jobColumns), jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", domain.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock job: %w", err)
	}
	return job, nil
}

// checkLease verifies the caller still holds the lease on a claimed job.
func checkLease(job *domain.Job, leaseToken string) error {
	if job.Status != domain.JobClaimed {
		if job.Status.Terminal() || job.Status == domain.JobQueued {
			return fmt.Errorf("%w: job %s is %s", domain.ErrStaleLease, job.ID, job.Status)
		}
		return fmt.Errorf("%w: job %s is %s", domain.ErrPreconditionFailed, job.ID, job.Status)
	}
	if job.LeaseToken == nil || *job.LeaseToken != leaseToken {
		return fmt.Errorf("%w: lease token mismatch for job %s", domain.ErrStaleLease, job.ID)
	}
	return nil
}

// emitEventTx appends the event to the audit log and queues a pg_notify,
// both inside the transition's transaction: the notification is delivered
// only on commit, so subscribers never observe an undurable transition. The
// audit serial doubles as the per-subject sequence.
func (s *Store) emitEventTx(ctx context.Context, tx pgx.Tx, ev domain.Event) error {
	ev.Timestamp = time.Now().UTC()

	err := tx.QueryRow(ctx, `
		INSERT INTO audit_log (kind, subject_kind, subject_id, tenant_id, request_id, old_value, new_value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		string(ev.Kind), string(ev.Subject), ev.SubjectID, ev.TenantID, ev.RequestID, ev.OldValue, ev.NewValue, ev.Timestamp,
	).Scan(&ev.Sequence)
	if err != nil {
		return fmt.Errorf("failed to append audit log: %w", err)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(payload)); err != nil {
		return fmt.Errorf("failed to notify event: %w", err)
	}
	return nil
}
