package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oxide-admin/server/internal/metrics"
)

// PostgresStore keeps entries in the kv_entries table created by the storage migrations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps pool. The pool is owned by the caller and is not closed by Close.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("kv: postgres store requires a database pool")
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (value []byte, err error) {
	defer func(start time.Time) { metrics.RecordQuery("kv_get", start, ignoreNotFound(err)) }(time.Now())

	const query = `
		SELECT value
		FROM kv_entries
		WHERE key = $1
		  AND (expires_at IS NULL OR expires_at > NOW())
	`
	err = s.pool.QueryRow(ctx, query, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv: get %s: %w", key, err)
	}
	return value, nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (err error) {
	defer func(start time.Time) { metrics.RecordQuery("kv_set", start, err) }(time.Now())

	const query = `
		INSERT INTO kv_entries (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (key)
		DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
	`
	var expiresAt *time.Time
	if ttl > 0 {
		at := time.Now().Add(ttl)
		expiresAt = &at
	}
	if _, err = s.pool.Exec(ctx, query, key, value, expiresAt); err != nil {
		return fmt.Errorf("kv: set %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) (err error) {
	defer func(start time.Time) { metrics.RecordQuery("kv_delete", start, err) }(time.Now())

	if _, err = s.pool.Exec(ctx, `DELETE FROM kv_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("kv: delete %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) DeletePrefix(ctx context.Context, prefix string) (n int64, err error) {
	defer func(start time.Time) { metrics.RecordQuery("kv_delete_prefix", start, err) }(time.Now())

	tag, err := s.pool.Exec(ctx, `DELETE FROM kv_entries WHERE starts_with(key, $1)`, prefix)
	if err != nil {
		return 0, fmt.Errorf("kv: delete prefix %s: %w", prefix, err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context) (n int64, err error) {
	defer func(start time.Time) { metrics.RecordQuery("kv_delete_expired", start, err) }(time.Now())

	tag, err := s.pool.Exec(ctx, `DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("kv: delete expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Close() error { return nil }

func ignoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
