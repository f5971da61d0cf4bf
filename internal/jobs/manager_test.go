package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(kinds map[string]RetryConfig) *RetryPolicy {
	return &RetryPolicy{
		Default: RetryConfig{MaxAttempts: 1},
		ByKind:  kinds,
	}
}

func startManager(t *testing.T, store Store, policy *RetryPolicy) *Manager {
	t.Helper()
	m := NewManager("memory", store, ManagerConfig{
		Workers:           2,
		VisibilityTimeout: 5 * time.Second,
		PollInterval:      5 * time.Millisecond,
		Policy:            policy,
	}, zerolog.Nop())
	return m
}

func runManager(t *testing.T, m *Manager) {
	t.Helper()
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, m.Stop(ctx))
	})
}

func TestManager_RunsRegisteredJob(t *testing.T) {
	store := NewMemoryStore()
	m := startManager(t, store, fastPolicy(nil))

	got := make(chan WarmAccessArgs, 1)
	Register(m, KindWarmAccess, func(_ context.Context, args WarmAccessArgs) error {
		got <- args
		return nil
	})
	runManager(t, m)

	require.NoError(t, m.Enqueue(context.Background(), KindWarmAccess, WarmAccessArgs{UserID: "u-42"}))

	select {
	case args := <-got:
		assert.Equal(t, "u-42", args.UserID)
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run")
	}

	dead, err := m.DeadLetters(context.Background())
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestManager_FailingJobIsDeadLetteredAfterMaxAttempts(t *testing.T) {
	store := NewMemoryStore()
	m := startManager(t, store, fastPolicy(map[string]RetryConfig{
		"always_fail": {MaxAttempts: 3},
	}))

	var runs atomic.Int32
	m.Register("always_fail", RunnerFunc(func(context.Context, *Job) error {
		runs.Add(1)
		return errors.New("upstream unavailable")
	}))
	runManager(t, m)

	require.NoError(t, m.Enqueue(context.Background(), "always_fail", nil))

	require.Eventually(t, func() bool {
		dead, err := m.DeadLetters(context.Background())
		return err == nil && len(dead) == 1
	}, 5*time.Second, 5*time.Millisecond)

	// No further attempts once the job is dead.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), runs.Load())

	dead, err := m.DeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, StateDiscarded, dead[0].State)
	assert.Equal(t, 3, dead[0].Attempt)
	assert.Equal(t, "upstream unavailable", dead[0].LastError)
}

func TestManager_RetriesUntilSuccess(t *testing.T) {
	store := NewMemoryStore()
	m := startManager(t, store, fastPolicy(map[string]RetryConfig{
		"flaky": {MaxAttempts: 5},
	}))

	var runs atomic.Int32
	done := make(chan int, 1)
	m.Register("flaky", RunnerFunc(func(_ context.Context, job *Job) error {
		if runs.Add(1) < 3 {
			return errors.New("not yet")
		}
		done <- job.Attempt
		return nil
	}))
	runManager(t, m)

	require.NoError(t, m.Enqueue(context.Background(), "flaky", map[string]string{"a": "b"}))

	select {
	case attempt := <-done:
		assert.Equal(t, 3, attempt)
	case <-time.After(5 * time.Second):
		t.Fatal("job never succeeded")
	}

	dead, err := m.DeadLetters(context.Background())
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestManager_UnknownKindFails(t *testing.T) {
	store := NewMemoryStore()
	m := startManager(t, store, fastPolicy(nil))
	runManager(t, m)

	require.NoError(t, m.Enqueue(context.Background(), "nobody_listens", nil))

	require.Eventually(t, func() bool {
		dead, err := m.DeadLetters(context.Background())
		return err == nil && len(dead) == 1
	}, 5*time.Second, 5*time.Millisecond)

	dead, err := m.DeadLetters(context.Background())
	require.NoError(t, err)
	assert.Contains(t, dead[0].LastError, ErrNoRunner.Error())
}

func TestManager_RunnerPanicIsAFailure(t *testing.T) {
	store := NewMemoryStore()
	m := startManager(t, store, fastPolicy(nil))
	m.Register("panicky", RunnerFunc(func(context.Context, *Job) error {
		panic("kaboom")
	}))
	runManager(t, m)

	require.NoError(t, m.Enqueue(context.Background(), "panicky", nil))

	require.Eventually(t, func() bool {
		dead, err := m.DeadLetters(context.Background())
		return err == nil && len(dead) == 1
	}, 5*time.Second, 5*time.Millisecond)

	dead, err := m.DeadLetters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "runner panicked: kaboom", dead[0].LastError)
}

func TestManager_UndecodablePayloadFails(t *testing.T) {
	store := NewMemoryStore()
	m := startManager(t, store, fastPolicy(nil))
	Register(m, KindWarmAccess, func(context.Context, WarmAccessArgs) error { return nil })
	runManager(t, m)

	require.NoError(t, m.Enqueue(context.Background(), KindWarmAccess, []int{1, 2}))

	require.Eventually(t, func() bool {
		dead, err := m.DeadLetters(context.Background())
		return err == nil && len(dead) == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestManager_EnqueueValidation(t *testing.T) {
	m := startManager(t, NewMemoryStore(), nil)

	assert.Error(t, m.Enqueue(context.Background(), "", nil))
	assert.Error(t, m.Enqueue(context.Background(), "k", func() {}))
	assert.Error(t, m.Enqueue(context.Background(), "k", json.RawMessage(`{not json`)))
}

func TestManager_EnqueueUsesKindAttemptBudget(t *testing.T) {
	store := NewMemoryStore()
	m := startManager(t, store, NewRetryPolicy())

	require.NoError(t, m.Enqueue(context.Background(), KindDeleteExpiredKV, DeleteExpiredArgs{}))

	job, err := store.Lease(context.Background(), time.Now().Add(time.Second), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, DeleteExpiredMaxAttempts, job.MaxAttempts)
	assert.JSONEq(t, `{}`, string(job.Payload))
}

func TestManager_StartTwiceAndStop(t *testing.T) {
	m := startManager(t, NewMemoryStore(), nil)

	require.NoError(t, m.Stop(context.Background()), "stop before start is a no-op")
	require.NoError(t, m.Start(context.Background()))
	assert.Error(t, m.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx))
}

func TestManager_StopWaitsForInFlightJob(t *testing.T) {
	store := NewMemoryStore()
	m := startManager(t, store, fastPolicy(nil))

	started := make(chan struct{})
	release := make(chan struct{})
	m.Register("slow", RunnerFunc(func(context.Context, *Job) error {
		close(started)
		<-release
		return nil
	}))
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Enqueue(context.Background(), "slow", nil))
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- m.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("stop returned while a job was running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-stopped)
}
