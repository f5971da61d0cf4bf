package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

// Job queue metrics, shared by every backend
var (
	// JobsEnqueued tracks total number of jobs accepted by a backend
	JobsEnqueued = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "enqueued_total",
			Help:      "Total number of jobs enqueued",
		},
		[]string{"kind", "backend"},
	)

	// JobsInFlight tracks currently executing jobs
	JobsInFlight = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "in_flight",
			Help:      "Current number of jobs executing",
		},
		[]string{"kind", "backend"},
	)

	// JobDuration tracks job execution duration
	JobDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Job execution duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"kind", "backend"},
	)

	// JobsCompleted tracks finished attempts by result
	JobsCompleted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "completed_total",
			Help:      "Total number of job attempts finished",
		},
		[]string{"kind", "backend", "result"}, // result: success, retry, discarded
	)

	// JobsDropped counts jobs accepted by the dummy backend and never run
	JobsDropped = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "dropped_total",
			Help:      "Total number of jobs accepted by a backend that never runs them",
		},
		[]string{"kind"},
	)
)

// KindFunc derives the metrics label for a River job from its kind and encoded args.
type KindFunc func(kind string, encodedArgs []byte) string

// RiverMetricsHook implements River's Hook interface for Prometheus metrics
type RiverMetricsHook struct {
	river.HookDefaults

	kindOf    KindFunc
	mu        sync.Mutex
	startTime map[int64]time.Time // Track job start times for duration calculation
}

// NewRiverMetricsHook creates a new metrics hook for River. A nil kindOf labels jobs
// with their River kind.
func NewRiverMetricsHook(kindOf KindFunc) *RiverMetricsHook {
	if kindOf == nil {
		kindOf = func(kind string, _ []byte) string { return kind }
	}
	return &RiverMetricsHook{
		kindOf:    kindOf,
		startTime: make(map[int64]time.Time),
	}
}

// InsertBegin is called when a job is queued
func (h *RiverMetricsHook) InsertBegin(ctx context.Context, params *rivertype.JobInsertParams) error {
	JobsEnqueued.WithLabelValues(h.kindOf(params.Kind, params.EncodedArgs), "river").Inc()
	return nil
}

// WorkBegin is called when a job starts executing
func (h *RiverMetricsHook) WorkBegin(ctx context.Context, job *rivertype.JobRow) error {
	JobsInFlight.WithLabelValues(h.kindOf(job.Kind, job.EncodedArgs), "river").Inc()
	h.mu.Lock()
	h.startTime[job.ID] = time.Now()
	h.mu.Unlock()
	return nil
}

// WorkEnd is called when a job finishes executing
func (h *RiverMetricsHook) WorkEnd(ctx context.Context, job *rivertype.JobRow, err error) error {
	kind := h.kindOf(job.Kind, job.EncodedArgs)
	JobsInFlight.WithLabelValues(kind, "river").Dec()

	h.mu.Lock()
	startTime, ok := h.startTime[job.ID]
	delete(h.startTime, job.ID)
	h.mu.Unlock()
	if ok {
		JobDuration.WithLabelValues(kind, "river").Observe(time.Since(startTime).Seconds())
	}

	result := "success"
	if err != nil {
		result = "retry"
		if job.Attempt >= job.MaxAttempts {
			result = "discarded"
		}
	}
	JobsCompleted.WithLabelValues(kind, "river", result).Inc()

	return nil
}
