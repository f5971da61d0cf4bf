package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/oxide-admin/server/internal/metrics"
	"github.com/oxide-admin/server/internal/telemetry"
)

// ManagerConfig tunes the worker pool of a store-driven backend.
type ManagerConfig struct {
	Workers           int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	Policy            *RetryPolicy
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Policy == nil {
		c.Policy = NewRetryPolicy()
	}
	return c
}

// Manager runs a pool of workers over a Store. It backs the memory and sqlite backends.
type Manager struct {
	name    string
	store   Store
	cfg     ManagerConfig
	logger  zerolog.Logger
	limiter *rate.Limiter
	wake    chan struct{}
	now     func() time.Time

	mu      sync.RWMutex
	runners map[string]Runner
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewManager builds a backend named name on top of store.
func NewManager(name string, store Store, cfg ManagerConfig, logger zerolog.Logger) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		name:   name,
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "jobs").Str("backend", name).Logger(),
		// Idle workers share one polling budget: Workers polls per PollInterval.
		limiter: rate.NewLimiter(rate.Every(cfg.PollInterval/time.Duration(cfg.Workers)), cfg.Workers),
		wake:    make(chan struct{}, 1),
		now:     time.Now,
		runners: make(map[string]Runner),
	}
}

func (m *Manager) Name() string { return m.name }

// Register binds runner to kind, replacing an earlier runner for the same kind.
func (m *Manager) Register(kind string, runner Runner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runners[kind] = runner
}

func (m *Manager) runner(kind string) Runner {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runners[kind]
}

// Enqueue stores a new job and wakes an idle worker.
func (m *Manager) Enqueue(ctx context.Context, kind string, payload any) error {
	if kind == "" {
		return errors.New("jobs: kind is required")
	}
	data, err := encodePayload(kind, payload)
	if err != nil {
		return err
	}

	job := &Job{
		Kind:        kind,
		Payload:     data,
		MaxAttempts: m.cfg.Policy.MaxAttempts(kind),
		CreatedAt:   m.now(),
	}
	if err := m.store.Insert(ctx, job); err != nil {
		return fmt.Errorf("jobs: enqueue %s: %w", kind, err)
	}
	metrics.JobsEnqueued.WithLabelValues(kind, m.name).Inc()
	m.logger.Debug().Str("job_id", job.ID).Str("kind", kind).Msg("job enqueued")

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

// Start launches the workers. They stop when ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return fmt.Errorf("jobs: %s backend already started", m.name)
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < m.cfg.Workers; i++ {
		logger := m.logger.With().Int("worker", i).Logger()
		g.Go(func() error {
			m.work(gctx, logger)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	m.cancel = cancel
	m.done = done

	m.logger.Info().
		Int("workers", m.cfg.Workers).
		Dur("visibility_timeout", m.cfg.VisibilityTimeout).
		Msg("job workers started")
	return nil
}

// Stop cancels the workers and waits for in-flight jobs to be acknowledged, or for ctx
// to expire. Jobs still running when ctx expires are picked up again after their
// visibility timeout.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		m.logger.Info().Msg("job workers stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("jobs: stop %s backend: %w", m.name, ctx.Err())
	}
}

// DeadLetters lists jobs that exhausted their attempts.
func (m *Manager) DeadLetters(ctx context.Context) ([]Job, error) {
	return m.store.DeadLetters(ctx)
}

func (m *Manager) work(ctx context.Context, logger zerolog.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := m.store.Lease(ctx, m.now(), m.cfg.VisibilityTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("failed to lease job")
			m.idle(ctx)
			continue
		}
		if job == nil {
			m.idle(ctx)
			continue
		}

		m.process(ctx, logger, job)
	}
}

func (m *Manager) idle(ctx context.Context) {
	timer := time.NewTimer(m.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-m.wake:
	case <-timer.C:
	}
	_ = m.limiter.Wait(ctx)
}

func (m *Manager) process(ctx context.Context, logger zerolog.Logger, job *Job) {
	logger = logger.With().
		Str("job_id", job.ID).
		Str("kind", job.Kind).
		Int("attempt", job.Attempt).
		Int("max_attempts", job.MaxAttempts).
		Logger()

	// The attempt outlives worker shutdown so it can be acknowledged, but never its lease.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.VisibilityTimeout)
	defer cancel()
	runCtx = logger.WithContext(runCtx)

	runCtx, span := telemetry.GetTracer("github.com/oxide-admin/server/internal/jobs").Start(runCtx, "jobs.run")
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.kind", job.Kind),
		attribute.Int("job.attempt", job.Attempt),
	)
	defer span.End()

	metrics.JobsInFlight.WithLabelValues(job.Kind, m.name).Inc()
	start := time.Now()
	err := m.run(runCtx, job)
	metrics.JobsInFlight.WithLabelValues(job.Kind, m.name).Dec()
	metrics.JobDuration.WithLabelValues(job.Kind, m.name).Observe(time.Since(start).Seconds())

	ackCtx := context.WithoutCancel(runCtx)
	var ackErr error
	switch {
	case err == nil:
		ackErr = m.store.Complete(ackCtx, job.ID, job.LeaseID)
		metrics.JobsCompleted.WithLabelValues(job.Kind, m.name, "success").Inc()
		logger.Debug().Dur("duration", time.Since(start)).Msg("job completed")
	case job.Attempt >= job.MaxAttempts:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		ackErr = m.store.Discard(ackCtx, job.ID, job.LeaseID, err.Error())
		metrics.JobsCompleted.WithLabelValues(job.Kind, m.name, "discarded").Inc()
		logger.Error().Err(err).Msg("job failed on final attempt, moved to dead letters")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		delay := m.cfg.Policy.Backoff(job.Kind, job.Attempt)
		ackErr = m.store.Retry(ackCtx, job.ID, job.LeaseID, err.Error(), m.now().Add(delay))
		metrics.JobsCompleted.WithLabelValues(job.Kind, m.name, "retry").Inc()
		logger.Warn().Err(err).Dur("retry_in", delay).Msg("job failed, scheduling retry")
	}

	if ackErr != nil {
		if errors.Is(ackErr, ErrLeaseLost) {
			logger.Warn().Msg("job lease expired before acknowledgement, another worker owns it")
			return
		}
		logger.Error().Err(ackErr).Msg("failed to acknowledge job")
	}
}

func (m *Manager) run(ctx context.Context, job *Job) (err error) {
	runner := m.runner(job.Kind)
	if runner == nil {
		return fmt.Errorf("%w: %s", ErrNoRunner, job.Kind)
	}

	defer func() {
		if r := recover(); r != nil {
			zerolog.Ctx(ctx).Error().Bytes("stack", debug.Stack()).Msg("job runner panicked")
			err = fmt.Errorf("runner panicked: %v", r)
		}
	}()
	return runner.Run(ctx, job)
}
