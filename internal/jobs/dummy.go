package jobs

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/oxide-admin/server/internal/metrics"
)

// Dummy is the backend used when no job broker is configured. Enqueue accepts every
// job and drops it; registered runners never execute.
type Dummy struct {
	logger zerolog.Logger
	once   sync.Once
}

// NewDummy returns a dummy backend.
func NewDummy(logger zerolog.Logger) *Dummy {
	return &Dummy{logger: logger.With().Str("component", "jobs").Str("backend", "dummy").Logger()}
}

func (d *Dummy) Name() string { return "dummy" }

func (d *Dummy) Register(kind string, _ Runner) {
	d.logger.Debug().Str("kind", kind).Msg("runner registered on dummy backend, it will never run")
}

// Enqueue validates the payload, logs a warning and discards the job.
func (d *Dummy) Enqueue(_ context.Context, kind string, payload any) error {
	if _, err := encodePayload(kind, payload); err != nil {
		return err
	}
	metrics.JobsDropped.WithLabelValues(kind).Inc()
	d.logger.Warn().Str("kind", kind).Msg("job dropped: dummy job backend never runs jobs")
	return nil
}

// Start logs the degraded-mode warning once.
func (d *Dummy) Start(context.Context) error {
	d.once.Do(func() {
		d.logger.Warn().Msg("job queue is in dummy mode: enqueued jobs are dropped and never executed; set JOBS_BACKEND to river, sqlite or memory")
	})
	return nil
}

func (d *Dummy) Stop(context.Context) error { return nil }

func (d *Dummy) DeadLetters(context.Context) ([]Job, error) { return nil, nil }
