package jobs

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory struct {
	name string
	new  func(t *testing.T) Store
}

func storeFactories() []storeFactory {
	return []storeFactory{
		{"memory", func(t *testing.T) Store { return NewMemoryStore() }},
		{"sqlite", func(t *testing.T) Store {
			store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			return store
		}},
	}
}

func insertJob(t *testing.T, store Store, kind string, maxAttempts int, createdAt time.Time) *Job {
	t.Helper()
	job := &Job{
		Kind:        kind,
		Payload:     json.RawMessage(`{"user_id":"u1"}`),
		MaxAttempts: maxAttempts,
		CreatedAt:   createdAt,
	}
	require.NoError(t, store.Insert(context.Background(), job))
	require.NotEmpty(t, job.ID)
	return job
}

func TestStores(t *testing.T) {
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			t.Run("lease order and completion", func(t *testing.T) {
				testLeaseOrderAndCompletion(t, f.new(t))
			})
			t.Run("nothing due", func(t *testing.T) {
				testNothingDue(t, f.new(t))
			})
			t.Run("visibility timeout", func(t *testing.T) {
				testVisibilityTimeout(t, f.new(t))
			})
			t.Run("expired final attempt", func(t *testing.T) {
				testExpiredFinalAttempt(t, f.new(t))
			})
			t.Run("retry and discard", func(t *testing.T) {
				testRetryAndDiscard(t, f.new(t))
			})
		})
	}
}

func testLeaseOrderAndCompletion(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)
	first := insertJob(t, store, "a", 3, base)
	second := insertJob(t, store, "b", 3, base.Add(time.Second))

	now := time.Now()
	leased, err := store.Lease(ctx, now, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, first.ID, leased.ID)
	assert.Equal(t, "a", leased.Kind)
	assert.JSONEq(t, `{"user_id":"u1"}`, string(leased.Payload))
	assert.Equal(t, StateRunning, leased.State)
	assert.Equal(t, 1, leased.Attempt)
	assert.Equal(t, 3, leased.MaxAttempts)
	assert.NotEmpty(t, leased.LeaseID)

	next, err := store.Lease(ctx, now, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, second.ID, next.ID)

	none, err := store.Lease(ctx, now, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, store.Complete(ctx, leased.ID, leased.LeaseID))
	assert.ErrorIs(t, store.Complete(ctx, leased.ID, leased.LeaseID), ErrLeaseLost)
	assert.ErrorIs(t, store.Complete(ctx, "missing", "lease"), ErrNotFound)

	dead, err := store.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func testNothingDue(t *testing.T, store Store) {
	ctx := context.Background()
	now := time.Now()

	none, err := store.Lease(ctx, now, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	insertJob(t, store, "later", 3, now.Add(time.Hour))
	none, err = store.Lease(ctx, now, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	due, err := store.Lease(ctx, now.Add(2*time.Hour), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, due)
	assert.Equal(t, "later", due.Kind)
}

func testVisibilityTimeout(t *testing.T, store Store) {
	ctx := context.Background()
	now := time.Now()
	job := insertJob(t, store, "slow", 3, now.Add(-time.Second))

	first, err := store.Lease(ctx, now, 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, job.ID, first.ID)

	// Still leased.
	none, err := store.Lease(ctx, now.Add(10*time.Second), 30*time.Second)
	require.NoError(t, err)
	assert.Nil(t, none)

	// Lease expired without acknowledgement: the job is handed out again.
	second, err := store.Lease(ctx, now.Add(31*time.Second), 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, job.ID, second.ID)
	assert.Equal(t, 2, second.Attempt)
	assert.NotEqual(t, first.LeaseID, second.LeaseID)

	// The first worker lost its lease and cannot acknowledge any more.
	assert.ErrorIs(t, store.Complete(ctx, first.ID, first.LeaseID), ErrLeaseLost)
	require.NoError(t, store.Complete(ctx, second.ID, second.LeaseID))
}

func testExpiredFinalAttempt(t *testing.T, store Store) {
	ctx := context.Background()
	now := time.Now()
	job := insertJob(t, store, "crashy", 1, now.Add(-time.Second))

	leased, err := store.Lease(ctx, now, 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, leased)

	none, err := store.Lease(ctx, now.Add(time.Minute), 10*time.Second)
	require.NoError(t, err)
	assert.Nil(t, none)

	dead, err := store.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, job.ID, dead[0].ID)
	assert.Equal(t, StateDiscarded, dead[0].State)
	assert.Contains(t, dead[0].LastError, "lease expired")
}

func testRetryAndDiscard(t *testing.T, store Store) {
	ctx := context.Background()
	now := time.Now()
	job := insertJob(t, store, "flaky", 2, now.Add(-time.Second))

	first, err := store.Lease(ctx, now, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.NoError(t, store.Retry(ctx, first.ID, first.LeaseID, "boom 1", now.Add(time.Minute)))

	none, err := store.Lease(ctx, now.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none, "retry must wait for its backoff")

	second, err := store.Lease(ctx, now.Add(time.Minute), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, job.ID, second.ID)
	assert.Equal(t, 2, second.Attempt)
	assert.Equal(t, "boom 1", second.LastError)

	require.NoError(t, store.Discard(ctx, second.ID, second.LeaseID, "boom 2"))

	none, err = store.Lease(ctx, now.Add(time.Hour), time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	dead, err := store.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "boom 2", dead[0].LastError)
	assert.Equal(t, 2, dead[0].Attempt)
	assert.False(t, dead[0].FinalizedAt.IsZero())
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	job := insertJob(t, store, KindDeleteExpiredKV, 3, time.Now())
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAvailable, got.State)
	assert.Equal(t, KindDeleteExpiredKV, got.Kind)

	_, err = reopened.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
