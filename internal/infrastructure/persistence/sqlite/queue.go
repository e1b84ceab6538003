package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rezkam/fleetq/internal/application/queue"
	"github.com/rezkam/fleetq/internal/domain"
)

const jobColumns = `id, tenant_id, workflow_id, payload, environment, capabilities,
	priority, input, result, last_error, status, retry_count, max_retries,
	visible_after, robot_id, lease_token, cancel_requested, request_id,
	created_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var job domain.Job
	var payload, capabilities, status string
	var input, result, lastError, robotID, leaseToken sql.NullString
	var visibleAfter, createdAt int64
	var startedAt, completedAt sql.NullInt64

	err := row.Scan(
		&job.ID, &job.TenantID, &job.WorkflowID, &payload, &job.Environment, &capabilities,
		&job.Priority, &input, &result, &lastError, &status, &job.RetryCount, &job.MaxRetries,
		&visibleAfter, &robotID, &leaseToken, &job.CancelRequested, &job.RequestID,
		&createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Payload = []byte(payload)
	job.Status = domain.JobStatus(status)
	if job.Capabilities, err = unmarshalStrings(capabilities); err != nil {
		return nil, fmt.Errorf("failed to decode capabilities: %w", err)
	}
	if job.Input, err = unmarshalMap(input); err != nil {
		return nil, fmt.Errorf("failed to decode input: %w", err)
	}
	if job.Result, err = unmarshalMap(result); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	job.LastError = nullToPtr(lastError)
	job.RobotID = nullToPtr(robotID)
	job.LeaseToken = nullToPtr(leaseToken)
	job.VisibleAfter = fromMillis(visibleAfter)
	job.CreatedAt = fromMillis(createdAt)
	job.StartedAt = ptrFromMillis(startedAt)
	job.CompletedAt = ptrFromMillis(completedAt)
	return &job, nil
}

// === Submit ===

func (s *Store) Submit(ctx context.Context, spec domain.JobSpec) (string, error) {
	queue.ResolveSpecDefaults(&spec, 3)
	if err := queue.ValidateSpec(&spec); err != nil {
		return "", err
	}

	var jobID string
	err := s.withWriteTx(ctx, func(tx *sql.Tx, pending *[]domain.Event) error {
		now := time.Now().UTC()

		if spec.IdempotencyKey != "" {
			var priorID, priorHash string
			var expiresAt int64
			err := tx.QueryRow(`
				SELECT job_id, payload_hash, expires_at FROM idempotency_keys
				WHERE tenant_id = ? AND key = ?`,
				spec.TenantID, spec.IdempotencyKey,
			).Scan(&priorID, &priorHash, &expiresAt)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				// New key.
			case err != nil:
				return fmt.Errorf("failed to look up idempotency key: %w", err)
			case now.After(fromMillis(expiresAt)):
				if _, err := tx.Exec(`DELETE FROM idempotency_keys WHERE tenant_id = ? AND key = ?`,
					spec.TenantID, spec.IdempotencyKey); err != nil {
					return fmt.Errorf("failed to expire idempotency key: %w", err)
				}
			case priorHash != spec.PayloadHash:
				return fmt.Errorf("%w: idempotency key %q reused with a different payload", domain.ErrConflict, spec.IdempotencyKey)
			default:
				jobID = priorID
				return nil
			}
		}

		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate job ID: %w", err)
		}
		jobID = id.String()

		visibleAfter := now.Add(spec.ScheduledDelay)
		capabilities, err := marshalStrings(spec.Capabilities)
		if err != nil {
			return fmt.Errorf("failed to encode capabilities: %w", err)
		}
		input, err := marshalMap(spec.Input)
		if err != nil {
			return fmt.Errorf("failed to encode input: %w", err)
		}

		_, err = tx.Exec(`
			INSERT INTO jobs (id, tenant_id, workflow_id, payload, environment, capabilities,
				priority, input, status, retry_count, max_retries, visible_after, request_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)`,
			jobID, spec.TenantID, spec.WorkflowID, string(spec.Payload), spec.Environment, capabilities,
			*spec.Priority, input, *spec.MaxRetries, toMillis(visibleAfter), spec.RequestID, toMillis(now),
		)
		if err != nil {
			return fmt.Errorf("failed to insert job: %w", err)
		}

		if spec.IdempotencyKey != "" {
			_, err = tx.Exec(`
				INSERT INTO idempotency_keys (tenant_id, key, payload_hash, job_id, expires_at, created_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				spec.TenantID, spec.IdempotencyKey, spec.PayloadHash, jobID, toMillis(now.Add(idempotencyKeyTTL)), toMillis(now),
			)
			if err != nil {
				return fmt.Errorf("failed to record idempotency key: %w", err)
			}
		}

		return s.emitEventTx(tx, pending, domain.Event{
			Kind:      domain.EventJobCreated,
			Subject:   domain.SubjectJob,
			SubjectID: jobID,
			TenantID:  spec.TenantID,
			RequestID: spec.RequestID,
			NewValue:  string(domain.JobQueued),
		})
	})
	if err != nil {
		return "", err
	}
	return jobID, nil
}

// === Claim ===

// Claim simulates the skip-locked discipline: the store-level writer lock
// means no two claim transactions overlap, so a plain select-then-update is
// race-free. Capability filtering stays a post-select predicate; skipped rows
// are untouched and claimable by anyone else.
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

	claimed := make([]domain.Job, 0, req.BatchSize)
	err := s.withWriteTx(ctx, func(tx *sql.Tx, pending *[]domain.Event) error {
		now := time.Now().UTC()
		rows, err := tx.Query(fmt.Sprintf(`
			SELECT %s FROM jobs
			WHERE status = 'queued'
			  AND visible_after <= ?
			  AND (environment = ? OR environment = 'default' OR ? = 'default')
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT ?`, jobColumns),
			toMillis(now), env, env, req.BatchSize,
		)
		if err != nil {
			return fmt.Errorf("failed to select claimable jobs: %w", err)
		}

		var candidates []*domain.Job
		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan job: %w", err)
			}
			candidates = append(candidates, job)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to read claimable jobs: %w", err)
		}

		robot := domain.Robot{Capabilities: req.Capabilities}
		visibleAfter := now.Add(req.VisibilityTimeout)

		for _, job := range candidates {
			if !robot.HasCapabilities(job.Capabilities) {
				continue
			}

			token := uuid.NewString()
			if _, err := tx.Exec(`
				UPDATE jobs
				SET status = 'claimed', robot_id = ?, lease_token = ?, started_at = ?, visible_after = ?
				WHERE id = ?`,
				req.RobotID, token, toMillis(now), toMillis(visibleAfter), job.ID,
			); err != nil {
				return fmt.Errorf("failed to claim job %s: %w", job.ID, err)
			}

			job.Status = domain.JobClaimed
			job.RobotID = &req.RobotID
			job.LeaseToken = &token
			started := now
			job.StartedAt = &started
			job.VisibleAfter = visibleAfter

			if err := s.emitEventTx(tx, pending, domain.Event{
				Kind:      domain.EventJobClaimed,
				Subject:   domain.SubjectJob,
				SubjectID: job.ID,
				TenantID:  job.TenantID,
				RequestID: job.RequestID,
				OldValue:  string(domain.JobQueued),
				NewValue:  string(domain.JobClaimed),
			}); err != nil {
				return err
			}
			claimed = append(claimed, *job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// === Lease Operations ===

func (s *Store) ExtendLease(ctx context.Context, jobID, leaseToken string, extension time.Duration) (queue.LeaseStatus, error) {
	status := queue.LeaseStatus{}
	err := s.withWriteTx(ctx, func(tx *sql.Tx, pending *[]domain.Event) error {
		now := time.Now().UTC()
		res, err := tx.Exec(`
			UPDATE jobs
			SET visible_after = ?
			WHERE id = ? AND lease_token = ? AND status = 'claimed'`,
			toMillis(now.Add(extension)), jobID, leaseToken,
		)
		if err != nil {
			return fmt.Errorf("failed to extend lease: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 0 {
			return nil
		}

		status.OK = true
		return tx.QueryRow(`SELECT cancel_requested FROM jobs WHERE id = ?`, jobID).
			Scan(&status.CancelRequested)
	})
	if err != nil {
		return queue.LeaseStatus{}, err
	}
	return status, nil
}

func (s *Store) Complete(ctx context.Context, jobID, leaseToken string, result map[string]any) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx, pending *[]domain.Event) error {
		job, err := getJobTx(tx, jobID)
		if err != nil {
			return err
		}
		if err := checkLease(job, leaseToken); err != nil {
			return err
		}

		encoded, err := marshalMap(result)
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		if _, err := tx.Exec(`
			UPDATE jobs
			SET status = 'completed', result = ?, completed_at = ?, lease_token = NULL
			WHERE id = ?`,
			encoded, toMillis(time.Now().UTC()), jobID,
		); err != nil {
			return fmt.Errorf("failed to complete job: %w", err)
		}

		return s.emitEventTx(tx, pending, domain.Event{
			Kind:      domain.EventJobCompleted,
			Subject:   domain.SubjectJob,
			SubjectID: job.ID,
			TenantID:  job.TenantID,
			RequestID: job.RequestID,
			OldValue:  string(domain.JobClaimed),
			NewValue:  string(domain.JobCompleted),
		})
	})
}

func (s *Store) Fail(ctx context.Context, jobID, leaseToken, errMsg string, permanent bool) (bool, error) {
	willRetry := false
	err := s.withWriteTx(ctx, func(tx *sql.Tx, pending *[]domain.Event) error {
		job, err := getJobTx(tx, jobID)
		if err != nil {
			return err
		}
		if err := checkLease(job, leaseToken); err != nil {
			return err
		}

		decision := s.retry.Decide(job, time.Now().UTC(), permanent)
		willRetry = decision.Outcome == queue.OutcomeRetry
		return s.applyFailureTx(tx, pending, job, decision, errMsg)
	})
	if err != nil {
		return false, err
	}
	return willRetry, nil
}

func (s *Store) applyFailureTx(tx *sql.Tx, pending *[]domain.Event, job *domain.Job, decision queue.FailureDecision, errMsg string) error {
	base := domain.Event{
		Subject:   domain.SubjectJob,
		SubjectID: job.ID,
		TenantID:  job.TenantID,
		RequestID: job.RequestID,
		OldValue:  string(domain.JobClaimed),
	}

	switch decision.Outcome {
	case queue.OutcomeRetry:
		if _, err := tx.Exec(`
			UPDATE jobs
			SET status = 'queued', retry_count = ?, visible_after = ?,
			    robot_id = NULL, lease_token = NULL, last_error = ?, started_at = NULL
			WHERE id = ?`,
			decision.RetryCount, toMillis(decision.VisibleAfter), errMsg, job.ID,
		); err != nil {
			return fmt.Errorf("failed to schedule retry: %w", err)
		}

		failed := base
		failed.Kind = domain.EventJobFailed
		failed.NewValue = string(domain.JobQueued)
		if err := s.emitEventTx(tx, pending, failed); err != nil {
			return err
		}
		retry := base
		retry.Kind = domain.EventJobRetryScheduled
		retry.NewValue = string(domain.JobQueued)
		return s.emitEventTx(tx, pending, retry)

	case queue.OutcomeCancelled:
		if _, err := tx.Exec(`
			UPDATE jobs
			SET status = 'cancelled', completed_at = ?, robot_id = NULL, lease_token = NULL, last_error = ?
			WHERE id = ?`,
			toMillis(time.Now().UTC()), errMsg, job.ID,
		); err != nil {
			return fmt.Errorf("failed to cancel job: %w", err)
		}

		cancelled := base
		cancelled.Kind = domain.EventJobCancelled
		cancelled.NewValue = string(domain.JobCancelled)
		return s.emitEventTx(tx, pending, cancelled)

	default: // queue.OutcomeDeadLetter
		if _, err := tx.Exec(`
			UPDATE jobs
			SET status = 'dead_letter', completed_at = ?, robot_id = NULL, lease_token = NULL, last_error = ?
			WHERE id = ?`,
			toMillis(time.Now().UTC()), errMsg, job.ID,
		); err != nil {
			return fmt.Errorf("failed to dead-letter job: %w", err)
		}

		slog.Warn("job moved to dead letter",
			"job_id", job.ID,
			"retry_count", decision.RetryCount,
			"error", errMsg)

		failed := base
		failed.Kind = domain.EventJobFailed
		failed.NewValue = string(domain.JobDeadLetter)
		if err := s.emitEventTx(tx, pending, failed); err != nil {
			return err
		}
		dead := base
		dead.Kind = domain.EventJobDeadLettered
		dead.NewValue = string(domain.JobDeadLetter)
		return s.emitEventTx(tx, pending, dead)
	}
}

// === Cancel ===

func (s *Store) Cancel(ctx context.Context, jobID string) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx, pending *[]domain.Event) error {
		job, err := getJobTx(tx, jobID)
		if err != nil {
			return err
		}

		switch {
		case job.Status.Terminal():
			return nil

		case job.Status == domain.JobQueued:
			if _, err := tx.Exec(`
				UPDATE jobs SET status = 'cancelled', completed_at = ? WHERE id = ?`,
				toMillis(time.Now().UTC()), jobID,
			); err != nil {
				return fmt.Errorf("failed to cancel job: %w", err)
			}
			return s.emitEventTx(tx, pending, domain.Event{
				Kind:      domain.EventJobCancelled,
				Subject:   domain.SubjectJob,
				SubjectID: job.ID,
				TenantID:  job.TenantID,
				RequestID: job.RequestID,
				OldValue:  string(domain.JobQueued),
				NewValue:  string(domain.JobCancelled),
			})

		case job.Status == domain.JobClaimed:
			if _, err := tx.Exec(`UPDATE jobs SET cancel_requested = 1 WHERE id = ?`, jobID); err != nil {
				return fmt.Errorf("failed to request cancellation: %w", err)
			}
			return nil

		default:
			return fmt.Errorf("%w: cannot cancel job in state %s", domain.ErrPreconditionFailed, job.Status)
		}
	})
}

// === Recovery ===

const recoveryBatchSize = 100

func (s *Store) RecoverExpired(ctx context.Context, now time.Time) ([]string, error) {
	var recovered []string
	err := s.withWriteTx(ctx, func(tx *sql.Tx, pending *[]domain.Event) error {
		rows, err := tx.Query(fmt.Sprintf(`
			SELECT %s FROM jobs
			WHERE status = 'claimed' AND visible_after < ?
			ORDER BY visible_after ASC
			LIMIT ?`, jobColumns),
			toMillis(now), recoveryBatchSize,
		)
		if err != nil {
			return fmt.Errorf("failed to select expired leases: %w", err)
		}

		var expired []*domain.Job
		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan job: %w", err)
			}
			expired = append(expired, job)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to read expired leases: %w", err)
		}

		for _, job := range expired {
			decision := s.retry.Decide(job, now, false)
			if err := s.applyFailureTx(tx, pending, job, decision, "visibility timeout"); err != nil {
				return err
			}
			recovered = append(recovered, job.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recovered, nil
}

// === Reads ===

func (s *Store) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM jobs WHERE id = ?`, jobColumns), jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", domain.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (s *Store) List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, int, error) {
	where := "1=1"
	args := []any{}

	if filter.TenantID != "" {
		where += " AND tenant_id = ?"
		args = append(args, filter.TenantID)
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Environment != "" {
		where += " AND environment = ?"
		args = append(args, filter.Environment)
	}
	if filter.RobotID != "" {
		where += " AND robot_id = ?"
		args = append(args, filter.RobotID)
	}
	if filter.WorkflowID != "" {
		where += " AND workflow_id = ?"
		args = append(args, filter.WorkflowID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		jobColumns, where), args...)
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
	purged := 0
	err := s.withWriteTx(ctx, func(tx *sql.Tx, pending *[]domain.Event) error {
		rows, err := tx.Query(fmt.Sprintf(`
			SELECT %s FROM jobs
			WHERE status IN ('completed', 'cancelled', 'dead_letter') AND completed_at < ?
			LIMIT 500`, jobColumns),
			toMillis(cutoff),
		)
		if err != nil {
			return fmt.Errorf("failed to select purgeable jobs: %w", err)
		}

		var purgeable []*domain.Job
		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan job: %w", err)
			}
			purgeable = append(purgeable, job)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to read purgeable jobs: %w", err)
		}

		for _, job := range purgeable {
			if archive != nil {
				if err := archive(ctx, job); err != nil {
					slog.Warn("failed to archive job, keeping row", "job_id", job.ID, "error", err)
					continue
				}
			}
			if _, err := tx.Exec(`DELETE FROM jobs WHERE id = ?`, job.ID); err != nil {
				return fmt.Errorf("failed to delete job %s: %w", job.ID, err)
			}
			purged++
		}

		if _, err := tx.Exec(`DELETE FROM idempotency_keys WHERE expires_at < ?`, toMillis(time.Now().UTC())); err != nil {
			return fmt.Errorf("failed to purge idempotency keys: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}

// === Helpers ===

func getJobTx(tx *sql.Tx, jobID string) (*domain.Job, error) {
	job, err := scanJob(tx.QueryRow(
		fmt.Sprintf(`SELECT %s FROM jobs WHERE id = ?`, jobColumns), jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", domain.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

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
