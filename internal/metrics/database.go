package metrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection pool metrics, refreshed by DBCollector.
var (
	// DBPoolConnections reports the pool size by state: total, acquired, idle, max.
	DBPoolConnections = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_pool_connections",
			Help:      "Connections of the shared pgx pool by state",
		},
		[]string{"state"},
	)

	// DBPoolEmptyAcquires is the cumulative number of acquires that had to wait for a
	// connection.
	DBPoolEmptyAcquires = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_pool_empty_acquires",
			Help:      "Cumulative pool acquires that waited for a free connection",
		},
	)

	DBPoolAcquireSeconds = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_pool_acquire_seconds",
			Help:      "Cumulative time spent acquiring pool connections",
		},
	)
)

// Query metrics, recorded by the KV and sched record repositories.
var (
	DBQueryDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Duration of repository queries by operation",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)

	DBErrors = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_errors_total",
			Help:      "Failed repository queries by operation and error class",
		},
		[]string{"operation", "error_type"},
	)
)

// DBCollector copies pool statistics into the pool gauges on a fixed interval.
type DBCollector struct {
	pool *pgxpool.Pool
	done chan struct{}
	once sync.Once
}

func NewDBCollector(pool *pgxpool.Pool) *DBCollector {
	return &DBCollector{pool: pool, done: make(chan struct{})}
}

// Start collects once immediately and then every interval until ctx is cancelled or
// Stop is called.
func (c *DBCollector) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.collect()
	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop is safe to call more than once.
func (c *DBCollector) Stop() {
	c.once.Do(func() { close(c.done) })
}

func (c *DBCollector) collect() {
	if c.pool == nil {
		return
	}
	stat := c.pool.Stat()

	DBPoolConnections.WithLabelValues("total").Set(float64(stat.TotalConns()))
	DBPoolConnections.WithLabelValues("acquired").Set(float64(stat.AcquiredConns()))
	DBPoolConnections.WithLabelValues("idle").Set(float64(stat.IdleConns()))
	DBPoolConnections.WithLabelValues("max").Set(float64(stat.MaxConns()))
	DBPoolEmptyAcquires.Set(float64(stat.EmptyAcquireCount()))
	DBPoolAcquireSeconds.Set(stat.AcquireDuration().Seconds())
}

// RecordQuery observes one repository query. Call it deferred with a named error:
//
//	defer func(start time.Time) { metrics.RecordQuery("kv_get", start, err) }(time.Now())
func RecordQuery(operation string, start time.Time, err error) {
	DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		DBErrors.WithLabelValues(operation, errorClass(err)).Inc()
	}
}

// errorClass maps an error onto a small label set: context errors, missing rows and
// the SQLSTATE classes the repositories can hit.
func errorClass(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, pgx.ErrNoRows):
		return "not_found"
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "23":
			return "constraint"
		case "40":
			return "serialization"
		case "42":
			return "schema"
		case "53", "57":
			return "unavailable"
		}
	}
	return "query_error"
}
