package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

var sqliteSchema = []string{`
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	state TEXT NOT NULL,
	attempt INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	scheduled_at INTEGER NOT NULL,
	leased_until INTEGER NOT NULL DEFAULT 0,
	lease_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	finalized_at INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(state, scheduled_at)`,
}

const jobColumns = `id, kind, payload, state, attempt, max_attempts, last_error,
	scheduled_at, leased_until, lease_id, created_at, finalized_at`

// SQLiteStore persists jobs in an embedded SQLite database. It is suitable for a
// single process that needs jobs to survive restarts without running PostgreSQL.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path. Use ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serializes lease transactions and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create jobs schema: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, job *Job) error {
	job.ID = uuid.NewString()
	job.State = StateAvailable
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = job.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, payload, state, attempt, max_attempts, scheduled_at, created_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)
	`, job.ID, job.Kind, string(job.Payload), string(job.State), job.MaxAttempts,
		job.ScheduledAt.UnixNano(), job.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Lease(ctx context.Context, now time.Time, visibility time.Duration) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin lease: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	nowNanos := now.UnixNano()
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, last_error = ?, finalized_at = ?, lease_id = ''
		WHERE state = ? AND leased_until <= ? AND attempt >= max_attempts
	`, string(StateDiscarded), expiredLeaseError(visibility), nowNanos, string(StateRunning), nowNanos); err != nil {
		return nil, fmt.Errorf("discard expired leases: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE (state IN (?, ?) AND scheduled_at <= ?)
		   OR (state = ? AND leased_until <= ?)
		ORDER BY scheduled_at, rowid
		LIMIT 1
	`, string(StateAvailable), string(StateRetryable), nowNanos, string(StateRunning), nowNanos)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit lease: %w", err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select due job: %w", err)
	}

	job.State = StateRunning
	job.Attempt++
	job.LeasedUntil = now.Add(visibility)
	job.LeaseID = uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET state = ?, attempt = ?, leased_until = ?, lease_id = ? WHERE id = ?
	`, string(job.State), job.Attempt, job.LeasedUntil.UnixNano(), job.LeaseID, job.ID); err != nil {
		return nil, fmt.Errorf("lease job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) Complete(ctx context.Context, id, leaseID string) error {
	return s.finish(ctx, id, leaseID, `
		UPDATE jobs SET state = ?, finalized_at = ?, lease_id = ''
		WHERE id = ? AND state = ? AND lease_id = ?
	`, string(StateCompleted), time.Now().UnixNano(), id, string(StateRunning), leaseID)
}

func (s *SQLiteStore) Retry(ctx context.Context, id, leaseID, lastErr string, at time.Time) error {
	return s.finish(ctx, id, leaseID, `
		UPDATE jobs SET state = ?, last_error = ?, scheduled_at = ?, lease_id = ''
		WHERE id = ? AND state = ? AND lease_id = ?
	`, string(StateRetryable), lastErr, at.UnixNano(), id, string(StateRunning), leaseID)
}

func (s *SQLiteStore) Discard(ctx context.Context, id, leaseID, lastErr string) error {
	return s.finish(ctx, id, leaseID, `
		UPDATE jobs SET state = ?, last_error = ?, finalized_at = ?, lease_id = ''
		WHERE id = ? AND state = ? AND lease_id = ?
	`, string(StateDiscarded), lastErr, time.Now().UnixNano(), id, string(StateRunning), leaseID)
}

func (s *SQLiteStore) finish(ctx context.Context, id, leaseID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("acknowledge job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("acknowledge job %s: %w", id, err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, id).Scan(&exists); err != nil {
		return fmt.Errorf("acknowledge job %s: %w", id, err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrLeaseLost
}

func (s *SQLiteStore) DeadLetters(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE state = ?
		ORDER BY finalized_at DESC
	`, string(StateDiscarded))
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var dead []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dead = append(dead, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return dead, nil
}

// Get returns the job with the given ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return *job, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                                              Job
		payload, state                                   string
		scheduledAt, leasedUntil, createdAt, finalizedAt int64
	)
	if err := row.Scan(&job.ID, &job.Kind, &payload, &state, &job.Attempt, &job.MaxAttempts,
		&job.LastError, &scheduledAt, &leasedUntil, &job.LeaseID, &createdAt, &finalizedAt); err != nil {
		return nil, err
	}
	job.Payload = []byte(payload)
	job.State = State(state)
	job.ScheduledAt = time.Unix(0, scheduledAt)
	job.CreatedAt = time.Unix(0, createdAt)
	if leasedUntil > 0 {
		job.LeasedUntil = time.Unix(0, leasedUntil)
	}
	if finalizedAt > 0 {
		job.FinalizedAt = time.Unix(0, finalizedAt)
	}
	return &job, nil
}
