package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rezkam/fleetq/internal/domain"
)

const robotColumns = `id, machine_id, name, capabilities, environment, status,
	current_job_id, cpu_percent, memory_mb, last_heartbeat, created_at`

func scanRobot(row pgx.Row) (*domain.Robot, error) {
	var robot domain.Robot
	var status string
	err := row.Scan(
		&robot.ID, &robot.MachineID, &robot.Name, &robot.Capabilities, &robot.Environment, &status,
		&robot.CurrentJobID, &robot.CPUPercent, &robot.MemoryMB, &robot.LastHeartbeat, &robot.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	robot.Status = domain.RobotStatus(status)
	return &robot, nil
}

// UpsertRobot implements registry.Store. Idempotent on machine id: a repeat
// registration keeps the robot id and refreshes the declarative fields.
func (s *Store) UpsertRobot(ctx context.Context, machineID, name string, capabilities []string, environment string) (*domain.Robot, bool, error) {
	if capabilities == nil {
		capabilities = []string{}
	}

	var created bool
	robot := &domain.Robot{}
	var status string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO robots (id, machine_id, name, capabilities, environment, status, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5, 'idle', NOW())
		ON CONFLICT (machine_id) DO UPDATE
		SET name = EXCLUDED.name, capabilities = EXCLUDED.capabilities, environment = EXCLUDED.environment
		RETURNING `+robotColumns+`, (xmax = 0) AS created`,
		uuid.NewString(), machineID, name, capabilities, environment,
	).Scan(
		&robot.ID, &robot.MachineID, &robot.Name, &robot.Capabilities, &robot.Environment, &status,
		&robot.CurrentJobID, &robot.CPUPercent, &robot.MemoryMB, &robot.LastHeartbeat, &robot.CreatedAt,
		&created,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert robot: %w", err)
	}
	robot.Status = domain.RobotStatus(status)
	return robot, created, nil
}

// RecordHeartbeat implements registry.Store. Last-write-wins on
// last_heartbeat; the reported status is stored as-is. current_job_id is
// forced consistent with the busy invariant.
func (s *Store) RecordHeartbeat(ctx context.Context, hb domain.Heartbeat, now time.Time) (*domain.Robot, time.Time, error) {
	if _, err := uuid.Parse(hb.RobotID); err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %v", domain.ErrInvalidID, err)
	}

	currentJob := hb.CurrentJobID
	if hb.Status != domain.RobotBusy {
		currentJob = nil
	}

	var previous time.Time
	robot := &domain.Robot{}
	var status string
	err := s.pool.QueryRow(ctx, `
		WITH prev AS (
			SELECT id, last_heartbeat FROM robots WHERE id = $1
		)
		UPDATE robots r
		SET status = $2, current_job_id = $3, cpu_percent = $4, memory_mb = $5, last_heartbeat = $6
		FROM prev
		WHERE r.id = prev.id
		RETURNING r.id, r.machine_id, r.name, r.capabilities, r.environment, r.status,
		          r.current_job_id, r.cpu_percent, r.memory_mb, r.last_heartbeat, r.created_at,
		          prev.last_heartbeat`,
		hb.RobotID, string(hb.Status), currentJob, hb.CPUPercent, hb.MemoryMB, now,
	).Scan(
		&robot.ID, &robot.MachineID, &robot.Name, &robot.Capabilities, &robot.Environment, &status,
		&robot.CurrentJobID, &robot.CPUPercent, &robot.MemoryMB, &robot.LastHeartbeat, &robot.CreatedAt,
		&previous,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, time.Time{}, fmt.Errorf("%w: robot %s", domain.ErrRobotNotFound, hb.RobotID)
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to record heartbeat: %w", err)
	}
	robot.Status = domain.RobotStatus(status)
	return robot, previous, nil
}

// GetRobot implements registry.Store.
func (s *Store) GetRobot(ctx context.Context, robotID string) (*domain.Robot, error) {
	if _, err := uuid.Parse(robotID); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidID, err)
	}
	robot, err := scanRobot(s.pool.QueryRow(ctx,
		`SELECT `+robotColumns+` FROM robots WHERE id = $1`, robotID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: robot %s", domain.ErrRobotNotFound, robotID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get robot: %w", err)
	}
	return robot, nil
}

// ListRobots implements registry.Store.
func (s *Store) ListRobots(ctx context.Context, filter domain.RobotFilter) ([]domain.Robot, error) {
	where := "TRUE"
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Environment != "" {
		where += " AND environment = " + arg(filter.Environment)
	}
	if filter.Status != "" {
		where += " AND status = " + arg(string(filter.Status))
	}
	if filter.Capability != "" {
		where += " AND " + arg(filter.Capability) + " = ANY(capabilities)"
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM robots WHERE %s ORDER BY created_at ASC LIMIT %s OFFSET %s`,
		robotColumns, where, arg(limit), arg(filter.Offset))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list robots: %w", err)
	}
	defer rows.Close()

	robots := make([]domain.Robot, 0, limit)
	for rows.Next() {
		robot, err := scanRobot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan robot: %w", err)
		}
		robots = append(robots, *robot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read robots: %w", err)
	}
	return robots, nil
}

// ListStaleRobots implements registry.Store.
func (s *Store) ListStaleRobots(ctx context.Context, cutoff time.Time) ([]domain.Robot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+robotColumns+` FROM robots WHERE last_heartbeat < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale robots: %w", err)
	}
	defer rows.Close()

	var robots []domain.Robot
	for rows.Next() {
		robot, err := scanRobot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan robot: %w", err)
		}
		robots = append(robots, *robot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stale robots: %w", err)
	}
	return robots, nil
}
