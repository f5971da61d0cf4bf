//go:build integration

package kv

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const kvEntriesDDL = `
CREATE TABLE IF NOT EXISTS kv_entries (
	key TEXT PRIMARY KEY,
	value BYTEA NOT NULL,
	expires_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

func setupPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// Disable ryuk (resource reaper) to prevent premature container cleanup
	_ = os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("oxide"),
		postgres.WithUsername("oxide"),
		postgres.WithPassword("oxide_dev"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	dbURL, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := pgxpool.New(ctx, dbURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, kvEntriesDDL)
	require.NoError(t, err)

	store, err := NewPostgresStore(pool)
	require.NoError(t, err)
	return store
}

func setupRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	store, err := NewRedisStore(ctx, fmt.Sprintf("redis://%s/0", endpoint), "oxide-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoresIntegration(t *testing.T) {
	for name, setup := range map[string]func(*testing.T) Store{
		"postgres": func(t *testing.T) Store { return setupPostgresStore(t) },
		"redis":    func(t *testing.T) Store { return setupRedisStore(t) },
	} {
		t.Run(name, func(t *testing.T) {
			s := setup(t)
			ctx := context.Background()

			_, err := s.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Set(ctx, "perm:u1", []byte("a"), 0))
			require.NoError(t, s.Set(ctx, "perm:u2", []byte("b"), time.Hour))
			require.NoError(t, s.Set(ctx, "menu:u1", []byte("c"), 0))
			require.NoError(t, s.Set(ctx, "perm:u1", []byte("a2"), 0))

			got, err := s.Get(ctx, "perm:u1")
			require.NoError(t, err)
			assert.Equal(t, []byte("a2"), got)

			n, err := s.DeletePrefix(ctx, "perm:")
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			_, err = s.Get(ctx, "perm:u2")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Set(ctx, "short", []byte("x"), time.Second))
			time.Sleep(1500 * time.Millisecond)
			_, err = s.Get(ctx, "short")
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = s.DeleteExpired(ctx)
			require.NoError(t, err)

			require.NoError(t, s.Delete(ctx, "menu:u1"))
			_, err = s.Get(ctx, "menu:u1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}
