package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rezkam/fleetq/internal/domain"
)

const robotColumns = `id, machine_id, name, capabilities, environment, status,
	current_job_id, cpu_percent, memory_mb, last_heartbeat, created_at`

func scanRobot(row rowScanner) (*domain.Robot, error) {
	var robot domain.Robot
	var capabilities, status string
	var currentJobID sql.NullString
	var cpuPercent, memoryMB sql.NullFloat64
	var lastHeartbeat, createdAt int64

	err := row.Scan(
		&robot.ID, &robot.MachineID, &robot.Name, &capabilities, &robot.Environment, &status,
		&currentJobID, &cpuPercent, &memoryMB, &lastHeartbeat, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	robot.Status = domain.RobotStatus(status)
	if robot.Capabilities, err = unmarshalStrings(capabilities); err != nil {
		return nil, fmt.Errorf("failed to decode capabilities: %w", err)
	}
	robot.CurrentJobID = nullToPtr(currentJobID)
	if cpuPercent.Valid {
		v := cpuPercent.Float64
		robot.CPUPercent = &v
	}
	if memoryMB.Valid {
		v := memoryMB.Float64
		robot.MemoryMB = &v
	}
	robot.LastHeartbeat = fromMillis(lastHeartbeat)
	robot.CreatedAt = fromMillis(createdAt)
	return &robot, nil
}

// UpsertRobot implements registry.Store.
func (s *Store) UpsertRobot(ctx context.Context, machineID, name string, capabilities []string, environment string) (*domain.Robot, bool, error) {
	encoded, err := marshalStrings(capabilities)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode capabilities: %w", err)
	}

	var robot *domain.Robot
	created := false
	err = s.withWriteTx(ctx, func(tx *sql.Tx, pending *[]domain.Event) error {
		existing, err := scanRobot(tx.QueryRow(
			`SELECT `+robotColumns+` FROM robots WHERE machine_id = ?`, machineID))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			now := time.Now().UTC()
			id := uuid.NewString()
			if _, err := tx.Exec(`
				INSERT INTO robots (id, machine_id, name, capabilities, environment, status, last_heartbeat, created_at)
				VALUES (?, ?, ?, ?, ?, 'idle', ?, ?)`,
				id, machineID, name, encoded, environment, toMillis(now), toMillis(now),
			); err != nil {
				return fmt.Errorf("failed to insert robot: %w", err)
			}
			created = true
			robot = &domain.Robot{
				ID:            id,
				MachineID:     machineID,
				Name:          name,
				Capabilities:  capabilities,
				Environment:   environment,
				Status:        domain.RobotIdle,
				LastHeartbeat: now,
				CreatedAt:     now,
			}
			return nil

		case err != nil:
			return fmt.Errorf("failed to look up robot: %w", err)

		default:
			if _, err := tx.Exec(`
				UPDATE robots SET name = ?, capabilities = ?, environment = ? WHERE machine_id = ?`,
				name, encoded, environment, machineID,
			); err != nil {
				return fmt.Errorf("failed to update robot: %w", err)
			}
			existing.Name = name
			existing.Capabilities = capabilities
			existing.Environment = environment
			robot = existing
			return nil
		}
	})
	if err != nil {
		return nil, false, err
	}
	return robot, created, nil
}

// RecordHeartbeat implements registry.Store.
func (s *Store) RecordHeartbeat(ctx context.Context, hb domain.Heartbeat, now time.Time) (*domain.Robot, time.Time, error) {
	currentJob := hb.CurrentJobID
	if hb.Status != domain.RobotBusy {
		currentJob = nil
	}

	var robot *domain.Robot
	var previous time.Time
	err := s.withWriteTx(ctx, func(tx *sql.Tx, pending *[]domain.Event) error {
		existing, err := scanRobot(tx.QueryRow(
			`SELECT `+robotColumns+` FROM robots WHERE id = ?`, hb.RobotID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: robot %s", domain.ErrRobotNotFound, hb.RobotID)
		}
		if err != nil {
			return fmt.Errorf("failed to look up robot: %w", err)
		}
		previous = existing.LastHeartbeat

		var jobID any
		if currentJob != nil {
			jobID = *currentJob
		}
		var cpu, mem any
		if hb.CPUPercent != nil {
			cpu = *hb.CPUPercent
		}
		if hb.MemoryMB != nil {
			mem = *hb.MemoryMB
		}

		if _, err := tx.Exec(`
			UPDATE robots
			SET status = ?, current_job_id = ?, cpu_percent = ?, memory_mb = ?, last_heartbeat = ?
			WHERE id = ?`,
			string(hb.Status), jobID, cpu, mem, toMillis(now), hb.RobotID,
		); err != nil {
			return fmt.Errorf("failed to record heartbeat: %w", err)
		}

		existing.Status = hb.Status
		existing.CurrentJobID = currentJob
		existing.CPUPercent = hb.CPUPercent
		existing.MemoryMB = hb.MemoryMB
		existing.LastHeartbeat = now.UTC()
		robot = existing
		return nil
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	return robot, previous, nil
}

// GetRobot implements registry.Store.
func (s *Store) GetRobot(ctx context.Context, robotID string) (*domain.Robot, error) {
	robot, err := scanRobot(s.db.QueryRowContext(ctx,
		`SELECT `+robotColumns+` FROM robots WHERE id = ?`, robotID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: robot %s", domain.ErrRobotNotFound, robotID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get robot: %w", err)
	}
	return robot, nil
}

// ListRobots implements registry.Store.
func (s *Store) ListRobots(ctx context.Context, filter domain.RobotFilter) ([]domain.Robot, error) {
	where := "1=1"
	args := []any{}

	if filter.Environment != "" {
		where += " AND environment = ?"
		args = append(args, filter.Environment)
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, string(filter.Status))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM robots WHERE %s ORDER BY created_at ASC LIMIT ? OFFSET ?`,
		robotColumns, where), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list robots: %w", err)
	}
	defer rows.Close()

	var robots []domain.Robot
	for rows.Next() {
		robot, err := scanRobot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan robot: %w", err)
		}
		// Capability filtering stays in Go: the JSON column has no
		// set-membership operator worth the trouble here.
		if filter.Capability != "" && !robot.HasCapabilities([]string{filter.Capability}) {
			continue
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+robotColumns+` FROM robots WHERE last_heartbeat < ?`, toMillis(cutoff))
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
