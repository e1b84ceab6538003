// Package sqlite is the embedded single-node store used when no DB_URL is
// configured. SQLite has no skip-locked primitive, so the claim protocol is
// simulated: a store-level writer lock serialises claim transactions within
// the process and a busy-timeout retries on lock contention from other
// processes. Throughput is lower than the PostgreSQL store but the claim
// semantics are identical.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/rezkam/fleetq/internal/application/events"
	"github.com/rezkam/fleetq/internal/application/queue"
	"github.com/rezkam/fleetq/internal/domain"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// idempotencyKeyTTL bounds how long a submission key maps to its prior job.
const idempotencyKeyTTL = 24 * time.Hour

// Store is the SQLite implementation of the queue engine and the robot
// registry store. Events are published straight to the in-process bus after
// each transaction commits; there is no cross-node transport.
type Store struct {
	db    *sql.DB
	bus   *events.Bus
	retry queue.RetryPolicy

	// writeMu serialises write transactions. SQLite allows one writer at a
	// time; taking the lock up front avoids SQLITE_BUSY churn under
	// concurrent claimants.
	writeMu sync.Mutex
}

// NewStore opens (creating if needed) the database at path and runs
// migrations. bus may be nil; no events are then delivered.
func NewStore(ctx context.Context, path string, bus *events.Bus) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection sidesteps table-lock contention between pooled
	// connections inside one process.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set goose dialect: %w", err)
	}
	goose.SetBaseFS(embedMigrations)
	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &Store{
		db:    db,
		bus:   bus,
		retry: queue.DefaultRetryPolicy(),
	}, nil
}

// SetRetryPolicy overrides the default backoff configuration.
func (s *Store) SetRetryPolicy(p queue.RetryPolicy) {
	s.retry = p
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withWriteTx runs fn inside a serialised write transaction and publishes
// the events fn queued once the transaction has committed.
func (s *Store) withWriteTx(ctx context.Context, fn func(tx *sql.Tx, pending *[]domain.Event) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var pending []domain.Event
	if err := fn(tx, &pending); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	if s.bus != nil {
		for _, ev := range pending {
			s.bus.Publish(ev)
		}
	}
	return nil
}

// emitEventTx appends the event to the audit log inside the transaction and
// queues it for bus publication after commit. The audit rowid doubles as the
// per-subject sequence.
func (s *Store) emitEventTx(tx *sql.Tx, pending *[]domain.Event, ev domain.Event) error {
	ev.Timestamp = time.Now().UTC()

	res, err := tx.Exec(`
		INSERT INTO audit_log (kind, subject_kind, subject_id, tenant_id, request_id, old_value, new_value, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(ev.Kind), string(ev.Subject), ev.SubjectID, ev.TenantID, ev.RequestID, ev.OldValue, ev.NewValue, toMillis(ev.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit log: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read audit sequence: %w", err)
	}
	ev.Sequence = seq
	*pending = append(*pending, ev)
	return nil
}

// === JSON column helpers ===

func marshalStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func unmarshalStrings(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var out []string
	err := json.Unmarshal([]byte(s), &out)
	return out, err
}

func marshalMap(v map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func unmarshalMap(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var out map[string]any
	err := json.Unmarshal([]byte(s.String), &out)
	return out, err
}

func nullToPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

// Timestamps are stored as Unix milliseconds so range comparisons in SQL are
// exact regardless of the driver's text encoding of time values.

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func ptrFromMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMillis(ms.Int64)
	return &t
}
