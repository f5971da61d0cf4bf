// Package postgres holds the PostgreSQL schema of the server and the repositories that
// are not owned by another package.
package postgres

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/oxide-admin/server/internal/metrics"
	"github.com/oxide-admin/server/internal/scheduler"
)

// SchedRecord is one persisted scheduled run.
type SchedRecord struct {
	ID         string
	Key        string
	Name       string
	Schedule   string
	Succeeded  bool
	Result     string
	RunAt      time.Time
	DurationMS int64
	CreatedAt  time.Time
}

// SchedRecordRepository stores the history of scheduled runs. It is the scheduler's
// completion receiver in deployments with a database.
type SchedRecordRepository struct {
	pool *pgxpool.Pool
}

func NewSchedRecordRepository(pool *pgxpool.Pool) (*SchedRecordRepository, error) {
	if pool == nil {
		return nil, fmt.Errorf("sched record repository: pool is nil")
	}
	return &SchedRecordRepository{pool: pool}, nil
}

// Receive persists report under a new ULID.
func (r *SchedRecordRepository) Receive(ctx context.Context, report scheduler.Report) error {
	id, err := newULID(report.RunAt)
	if err != nil {
		return fmt.Errorf("generate sched record id: %w", err)
	}
	return r.Save(ctx, SchedRecord{
		ID:         id,
		Key:        report.Key,
		Name:       report.Name,
		Schedule:   report.Schedule,
		Succeeded:  report.Succeeded,
		Result:     report.Result,
		RunAt:      report.RunAt,
		DurationMS: report.Duration.Milliseconds(),
	})
}

// Save inserts or replaces a record.
func (r *SchedRecordRepository) Save(ctx context.Context, rec SchedRecord) (err error) {
	defer func(start time.Time) { metrics.RecordQuery("sched_record_save", start, err) }(time.Now())

	const query = `
		INSERT INTO sched_records (id, key, name, schedule, succeeded, result, run_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			key = EXCLUDED.key,
			name = EXCLUDED.name,
			schedule = EXCLUDED.schedule,
			succeeded = EXCLUDED.succeeded,
			result = EXCLUDED.result,
			run_at = EXCLUDED.run_at,
			duration_ms = EXCLUDED.duration_ms
	`
	if _, err = r.pool.Exec(ctx, query,
		rec.ID, rec.Key, rec.Name, rec.Schedule, rec.Succeeded, rec.Result, rec.RunAt, rec.DurationMS,
	); err != nil {
		return fmt.Errorf("save sched record: %w", err)
	}
	return nil
}

// Recent lists the latest records of key, newest first. An empty key lists every job.
func (r *SchedRecordRepository) Recent(ctx context.Context, key string, limit int) (records []SchedRecord, err error) {
	defer func(start time.Time) { metrics.RecordQuery("sched_record_recent", start, err) }(time.Now())

	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT id, key, name, schedule, succeeded, result, run_at, duration_ms, created_at
		FROM sched_records
		WHERE $1 = '' OR key = $1
		ORDER BY run_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, key, limit)
	if err != nil {
		return nil, fmt.Errorf("list sched records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec SchedRecord
		if err := rows.Scan(&rec.ID, &rec.Key, &rec.Name, &rec.Schedule, &rec.Succeeded,
			&rec.Result, &rec.RunAt, &rec.DurationMS, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sched record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sched records: %w", err)
	}
	return records, nil
}

// DeleteBefore removes records of runs older than cutoff.
func (r *SchedRecordRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (n int64, err error) {
	defer func(start time.Time) { metrics.RecordQuery("sched_record_prune", start, err) }(time.Now())

	tag, err := r.pool.Exec(ctx, `DELETE FROM sched_records WHERE run_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune sched records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func newULID(at time.Time) (string, error) {
	if at.IsZero() {
		at = time.Now()
	}
	id, err := ulid.New(ulid.Timestamp(at), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
