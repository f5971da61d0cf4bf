package flight

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroup_ConcurrentCallsShareOneExecution(t *testing.T) {
	g := NewGroup[string, int]("test_shared")

	var executions atomic.Int32
	release := make(chan struct{})
	fn := func(context.Context) (int, error) {
		executions.Add(1)
		<-release
		return 42, nil
	}

	const callers = 20
	var wg sync.WaitGroup
	results := make([]int, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = g.Do(context.Background(), "user:1", fn)
		}(i)
	}

	require.Eventually(t, func() bool { return waiters(g, "user:1") == callers }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), executions.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 42, results[i])
	}
	assert.Equal(t, 0, g.InFlight())
}

func TestGroup_ErrorDeliveredToAllWaiters(t *testing.T) {
	g := NewGroup[string, string]("test_error")

	cause := errors.New("permission lookup failed")
	release := make(chan struct{})
	var executions atomic.Int32
	fn := func(context.Context) (string, error) {
		executions.Add(1)
		<-release
		return "", cause
	}

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = g.Do(context.Background(), "k", fn)
		}(i)
	}
	require.Eventually(t, func() bool { return waiters(g, "k") == callers }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), executions.Load())
	first := errs[0]
	for _, err := range errs {
		require.Error(t, err)
		assert.Equal(t, "permission lookup failed", err.Error())
		assert.ErrorIs(t, err, cause)
		assert.Same(t, first, err)
	}
}

func TestGroup_DifferentKeysRunIndependently(t *testing.T) {
	g := NewGroup[int, int]("test_keys")

	blockA := make(chan struct{})
	startedA := make(chan struct{})
	doneA := make(chan struct{})

	go func() {
		defer close(doneA)
		_, _ = g.Do(context.Background(), 1, func(context.Context) (int, error) {
			close(startedA)
			<-blockA
			return 1, nil
		})
	}()
	<-startedA

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := g.Do(ctx, 2, func(context.Context) (int, error) { return 2, nil })
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	close(blockA)
	<-doneA
}

func TestGroup_NoCachingAfterCompletion(t *testing.T) {
	g := NewGroup[string, int]("test_nocache")

	var executions atomic.Int32
	fn := func(context.Context) (int, error) {
		return int(executions.Add(1)), nil
	}

	v1, err := g.Do(context.Background(), "k", fn)
	require.NoError(t, err)
	v2, err := g.Do(context.Background(), "k", fn)
	require.NoError(t, err)

	assert.Equal(t, 1, v1)
	assert.Equal(t, 2, v2)
	assert.Equal(t, int32(2), executions.Load())
}

func TestGroup_PanicReportedToAllWaiters(t *testing.T) {
	g := NewGroup[string, int]("test_panic")

	release := make(chan struct{})
	fn := func(context.Context) (int, error) {
		<-release
		panic("boom")
	}

	const callers = 3
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = g.Do(context.Background(), "k", fn)
		}(i)
	}
	require.Eventually(t, func() bool { return waiters(g, "k") == callers }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		var pe *PanicError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "boom", pe.Value)
	}
	assert.Equal(t, 0, g.InFlight())
}

func TestGroup_GoexitReportedAsAborted(t *testing.T) {
	g := NewGroup[string, int]("test_goexit")

	_, err := g.Do(context.Background(), "k", func(context.Context) (int, error) {
		runtime.Goexit()
		return 0, nil
	})
	require.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, 0, g.InFlight())
}

func TestGroup_CancelledWaiterDoesNotCancelExecution(t *testing.T) {
	g := NewGroup[string, string]("test_cancel")

	release := make(chan struct{})
	var execCtxErr atomic.Value
	fn := func(ctx context.Context) (string, error) {
		<-release
		execCtxErr.Store(fmt.Sprint(ctx.Err()))
		return "snapshot", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		_, err := g.Do(ctx, "k", fn)
		cancelled <- err
	}()
	require.Eventually(t, func() bool { return g.InFlight() == 1 }, time.Second, time.Millisecond)

	patient := make(chan string, 1)
	go func() {
		v, _ := g.Do(context.Background(), "k", fn)
		patient <- v
	}()
	require.Eventually(t, func() bool { return waiters(g, "k") == 2 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-cancelled, context.Canceled)

	close(release)
	assert.Equal(t, "snapshot", <-patient)
	assert.Equal(t, "<nil>", execCtxErr.Load())
}

func TestShare(t *testing.T) {
	assert.Nil(t, Share(nil))

	cause := errors.New("disk full")
	shared := Share(cause)
	require.NotNil(t, shared)
	assert.Equal(t, "disk full", shared.Error())
	assert.Same(t, shared, shared.Clone())
	assert.Same(t, shared, Share(shared))
	assert.ErrorIs(t, shared, cause)
}

func waiters[K comparable, V any](g *Group[K, V], key K) int64 {
	b := g.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.calls[key]
	if !ok {
		return 0
	}
	return c.waiters.Load()
}
