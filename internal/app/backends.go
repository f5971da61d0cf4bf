package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/oxide-admin/server/internal/config"
	"github.com/oxide-admin/server/internal/jobs"
	"github.com/oxide-admin/server/internal/kv"
)

const connectTimeout = 10 * time.Second

// OpenPool connects to PostgreSQL and verifies the connection.
func OpenPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConnections)
	poolCfg.MinConns = int32(min(cfg.MaxIdle, cfg.MaxConnections))

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return pool, nil
}

// OpenKV builds the configured KV backend. The postgres backend needs pool.
func OpenKV(ctx context.Context, cfg config.Config, pool *pgxpool.Pool) (kv.Store, error) {
	switch cfg.KV.Backend {
	case config.KVBackendPostgres:
		store, err := kv.NewPostgresStore(pool)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.KVBackendRedis:
		ctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		store, err := kv.NewRedisStore(ctx, cfg.Redis.URL, cfg.Redis.Namespace)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.KVBackendMemory, "":
		return kv.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown KV_BACKEND %q", cfg.KV.Backend)
	}
}

// OpenJobs builds the configured job backend. The returned close func releases the
// backend's store and is never nil.
func OpenJobs(cfg config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (jobs.Backend, func() error, error) {
	noop := func() error { return nil }
	managerCfg := jobs.ManagerConfig{
		Workers:           cfg.Jobs.Workers,
		VisibilityTimeout: cfg.Jobs.VisibilityTimeout,
		PollInterval:      cfg.Jobs.PollInterval,
	}

	switch cfg.Jobs.Backend {
	case config.JobsBackendRiver:
		backend, err := jobs.NewRiverBackend(pool, jobs.RiverConfig{
			Workers:           cfg.Jobs.Workers,
			VisibilityTimeout: cfg.Jobs.VisibilityTimeout,
		}, logger, config.NewSlogLogger(logger))
		if err != nil {
			return nil, noop, err
		}
		return backend, noop, nil
	case config.JobsBackendSQLite:
		store, err := jobs.NewSQLiteStore(cfg.Jobs.SQLitePath)
		if err != nil {
			return nil, noop, fmt.Errorf("open sqlite job store: %w", err)
		}
		return jobs.NewManager("sqlite", store, managerCfg, logger), store.Close, nil
	case config.JobsBackendMemory:
		store := jobs.NewMemoryStore()
		return jobs.NewManager("memory", store, managerCfg, logger), store.Close, nil
	case config.JobsBackendDummy, "":
		return jobs.NewDummy(logger), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown JOBS_BACKEND %q", cfg.Jobs.Backend)
	}
}
