package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all oxide metrics
const namespace = "oxide"

// Registry is the global Prometheus registry for all metrics
var Registry = prometheus.NewRegistry()

// AppInfo is a gauge that exposes application version information as labels
var AppInfo = promauto.With(Registry).NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "app_info",
		Help:      "Application version information (always set to 1, version info in labels)",
	},
	[]string{"version", "commit", "build_date"},
)

// Single-flight metrics
var (
	// FlightExecutions counts executions started by a coalescing group
	FlightExecutions = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flight",
			Name:      "executions_total",
			Help:      "Total number of operations executed by a single-flight group",
		},
		[]string{"group"},
	)

	// FlightCoalesced counts callers that joined an execution already in flight
	FlightCoalesced = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flight",
			Name:      "coalesced_total",
			Help:      "Total number of callers that shared an in-flight execution",
		},
		[]string{"group"},
	)

	FlightPanics = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flight",
			Name:      "panics_total",
			Help:      "Total number of coalesced operations that panicked",
		},
		[]string{"group"},
	)
)

// Event bus metrics
var (
	EventsPublished = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "published_total",
			Help:      "Total number of events published on the bus",
		},
		[]string{"event"},
	)

	// EventsUndelivered counts events published while no subscriber was listening
	EventsUndelivered = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "undelivered_total",
			Help:      "Total number of events published with zero subscribers",
		},
	)

	// EventsLagged counts events a subscriber skipped because it fell behind the ring
	EventsLagged = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "lagged_events_total",
			Help:      "Total number of events skipped by lagging subscribers",
		},
		[]string{"subscriber"},
	)

	EventHandlerErrors = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "handler_errors_total",
			Help:      "Total number of subscriber handler failures",
		},
		[]string{"subscriber", "reason"}, // reason: error, panic
	)
)

// Scheduler metrics
var (
	// SchedulerRuns counts finished scheduled executions by result
	SchedulerRuns = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Total number of scheduled job executions",
		},
		[]string{"key", "result"}, // result: success, error, panic
	)

	// SchedulerSkips counts triggers dropped because the previous run was still going
	SchedulerSkips = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "skipped_total",
			Help:      "Total number of triggers skipped because the job was still running",
		},
		[]string{"key"},
	)

	SchedulerRunDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "run_duration_seconds",
			Help:      "Scheduled job execution duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"key"},
	)
)

// Init initializes the metrics registry and sets version information
func Init(version, commit, buildDate string) {
	// Register default Go metrics (memory, goroutines, GC, etc.)
	Registry.MustRegister(collectors.NewGoCollector())

	// Register process metrics (CPU, memory, file descriptors)
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	AppInfo.WithLabelValues(version, commit, buildDate).Set(1)
}
