package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxide-admin/server/internal/metrics"
)

type recordingReceiver struct {
	mu      sync.Mutex
	reports []Report
	err     error
}

func (r *recordingReceiver) Receive(_ context.Context, report Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	return r.err
}

func (r *recordingReceiver) all() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Report(nil), r.reports...)
}

func noop(context.Context) error { return nil }

func TestRegisterValidatesDescriptor(t *testing.T) {
	s := New(zerolog.Nop())

	err := s.Register(Descriptor{Key: "bad_expr", Name: "Bad", Schedule: "every 3 fortnights", Job: noop})
	assert.ErrorIs(t, err, ErrInvalidSchedule)
	assert.Contains(t, err.Error(), "bad_expr")

	assert.Error(t, s.Register(Descriptor{Key: "no_job", Name: "NoJob", Schedule: "every 3 seconds"}))
	assert.Error(t, s.Register(Descriptor{Name: "NoKey", Schedule: "every 3 seconds", Job: noop}))

	require.NoError(t, s.Register(Descriptor{Key: "ok", Name: "Ok", Schedule: "every 3 seconds", Job: noop}))
	assert.Error(t, s.Register(Descriptor{Key: "ok", Name: "Again", Schedule: "@daily", Job: noop}))
	assert.Len(t, s.Entries(), 1)
}

func TestEntriesReportNextTick(t *testing.T) {
	s := New(zerolog.Nop(), WithLocation(time.UTC))
	require.NoError(t, s.Register(Descriptor{Key: "b_cleanup", Name: "Cleanup", Schedule: "at 02:01", Job: noop}))
	require.NoError(t, s.Register(Descriptor{Key: "a_echo", Name: "Echo", Schedule: "every 3 seconds", Job: noop}))

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		for _, e := range s.Entries() {
			if e.Next.IsZero() {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)

	entries := s.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "a_echo", entries[0].Key)
	assert.Equal(t, "b_cleanup", entries[1].Key)
	assert.Equal(t, 2, entries[1].Next.Hour())
	assert.Equal(t, 1, entries[1].Next.Minute())
}

func TestOverlappingTriggerIsSkipped(t *testing.T) {
	s := New(zerolog.Nop())
	release := make(chan struct{})
	var runs atomic.Int32
	require.NoError(t, s.Register(Descriptor{
		Key: "overlap_skip", Name: "Slow", Schedule: "@daily",
		Job: func(context.Context) error {
			runs.Add(1)
			<-release
			return nil
		},
	}))

	done := make(chan struct{})
	go func() {
		_ = s.RunNow("overlap_skip")
		close(done)
	}()
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, s.RunNow("overlap_skip"))
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SchedulerSkips.WithLabelValues("overlap_skip")))

	close(release)
	<-done

	// Once the first run finished the job is eligible again.
	require.NoError(t, s.RunNow("overlap_skip"))
	assert.Equal(t, int32(2), runs.Load())
}

func TestAllowOverlapRunsConcurrently(t *testing.T) {
	s := New(zerolog.Nop())
	release := make(chan struct{})
	var running atomic.Int32
	require.NoError(t, s.Register(Descriptor{
		Key: "overlap_allowed", Name: "Parallel", Schedule: "@daily", AllowOverlap: true,
		Job: func(context.Context) error {
			running.Add(1)
			<-release
			return nil
		},
	}))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.RunNow("overlap_allowed")
		}()
	}
	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.SchedulerSkips.WithLabelValues("overlap_allowed")))
}

func TestFailuresAreReportedAndContained(t *testing.T) {
	receiver := &recordingReceiver{err: errors.New("records table missing")}
	s := New(zerolog.Nop(), WithReceiver(receiver))

	require.NoError(t, s.Register(Descriptor{
		Key: "fails", Name: "Fails", Schedule: "@daily",
		Job: func(context.Context) error { return errors.New("disk full") },
	}))
	require.NoError(t, s.Register(Descriptor{
		Key: "panics", Name: "Panics", Schedule: "@daily",
		Job: func(context.Context) error { panic("nil workspace") },
	}))
	require.NoError(t, s.Register(Descriptor{
		Key: "works", Name: "Works", Schedule: "every 3 seconds", Job: noop,
	}))

	require.NoError(t, s.RunNow("fails"))
	require.NoError(t, s.RunNow("panics"))
	require.NoError(t, s.RunNow("works"))
	assert.Error(t, s.RunNow("missing"))

	reports := receiver.all()
	require.Len(t, reports, 3)

	assert.Equal(t, "fails", reports[0].Key)
	assert.False(t, reports[0].Succeeded)
	assert.Equal(t, "disk full", reports[0].Result)

	assert.Equal(t, "panics", reports[1].Key)
	assert.False(t, reports[1].Succeeded)
	assert.Contains(t, reports[1].Result, "nil workspace")

	assert.Equal(t, "works", reports[2].Key)
	assert.Equal(t, "Works", reports[2].Name)
	assert.Equal(t, "every 3 seconds", reports[2].Schedule)
	assert.True(t, reports[2].Succeeded)
	assert.Equal(t, "ok", reports[2].Result)
	assert.False(t, reports[2].RunAt.IsZero())

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SchedulerRuns.WithLabelValues("fails", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SchedulerRuns.WithLabelValues("panics", "panic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SchedulerRuns.WithLabelValues("works", "success")))
}

func TestTimeoutBoundsRun(t *testing.T) {
	receiver := &recordingReceiver{}
	s := New(zerolog.Nop(), WithReceiver(receiver))
	require.NoError(t, s.Register(Descriptor{
		Key: "bounded", Name: "Bounded", Schedule: "@daily", Timeout: 10 * time.Millisecond,
		Job: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}))

	require.NoError(t, s.RunNow("bounded"))
	reports := receiver.all()
	require.Len(t, reports, 1)
	assert.False(t, reports[0].Succeeded)
	assert.Equal(t, context.DeadlineExceeded.Error(), reports[0].Result)
}

func TestStopWaitsForRunningJobsWithoutCancelling(t *testing.T) {
	s := New(zerolog.Nop())
	started := make(chan struct{})
	release := make(chan struct{})
	var jobErr atomic.Value
	var once sync.Once
	require.NoError(t, s.Register(Descriptor{
		Key: "stop_wait", Name: "StopWait", Schedule: "every 1 second",
		Job: func(ctx context.Context) error {
			once.Do(func() { close(started) })
			<-release
			jobErr.Store(fmt.Sprint(ctx.Err()))
			return nil
		},
	}))

	s.Start()
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never triggered")
	}

	stopped := s.Stop()
	select {
	case <-stopped.Done():
		t.Fatal("stop context finished while a job was running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped.Done():
	case <-time.After(time.Second):
		t.Fatal("stop context never finished")
	}
	assert.Equal(t, "<nil>", jobErr.Load())
}

// A job that takes longer than its interval loses exactly the triggers that fire while
// it is running.
func TestIntervalTriggersSkipWhileRunning(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}

	s := New(zerolog.Nop())
	var mu sync.Mutex
	var starts []time.Time
	require.NoError(t, s.Register(Descriptor{
		Key: "every_three", Name: "EveryThree", Schedule: "every 3 seconds",
		Job: func(context.Context) error {
			mu.Lock()
			starts = append(starts, time.Now())
			mu.Unlock()
			time.Sleep(5 * time.Second)
			return nil
		},
	}))

	s.Start()
	time.Sleep(31 * time.Second)
	<-s.Stop().Done()

	mu.Lock()
	defer mu.Unlock()
	// Triggers at 3, 6, ..., 30: the run started at 3 is still busy at 6, the one at 9
	// is busy at 12, and so on.
	require.Len(t, starts, 5)
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		assert.InDelta(t, (6 * time.Second).Seconds(), gap.Seconds(), 0.5)
	}
	assert.Equal(t, 5.0, testutil.ToFloat64(metrics.SchedulerSkips.WithLabelValues("every_three")))
}

func TestEnqueueJob(t *testing.T) {
	q := &fakeEnqueuer{}
	job := EnqueueJob(q, "delete_expired_kv", map[string]int{"batch": 100})

	require.NoError(t, job(context.Background()))
	assert.Equal(t, []string{"delete_expired_kv"}, q.kinds)

	q.err = errors.New("queue offline")
	err := job(context.Background())
	require.ErrorIs(t, err, q.err)
	assert.Contains(t, err.Error(), "delete_expired_kv")
}

type fakeEnqueuer struct {
	kinds []string
	err   error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, kind string, _ any) error {
	if f.err != nil {
		return f.err
	}
	f.kinds = append(f.kinds, kind)
	return nil
}

func TestLogReceiverAndFanOut(t *testing.T) {
	var buf bytes.Buffer
	logReceiver := LogReceiver{Logger: zerolog.New(&buf)}
	failing := ReceiverFunc(func(context.Context, Report) error { return errors.New("sink down") })

	err := Receivers(logReceiver, failing).Receive(context.Background(), Report{
		Key: "cleanup_kv", Name: "CleanupKV", Schedule: "every 10 minutes", Succeeded: true, Result: "ok",
	})
	require.EqualError(t, err, "sink down")
	assert.Contains(t, buf.String(), `"key":"cleanup_kv"`)
	assert.Contains(t, buf.String(), `"message":"scheduled job finished"`)
}
