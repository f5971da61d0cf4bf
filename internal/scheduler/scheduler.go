// Package scheduler runs maintenance work on recurring time triggers.
//
// Descriptors are registered at startup and their schedule expressions are parsed at
// registration, so a bad expression fails the process before anything runs. By default
// a trigger that fires while the previous run of the same job is still going is skipped.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/oxide-admin/server/internal/metrics"
	"github.com/oxide-admin/server/internal/telemetry"
)

// Job is the work behind a scheduled descriptor.
type Job func(ctx context.Context) error

// Descriptor registers one recurring job.
type Descriptor struct {
	Key      string `validate:"required"`
	Name     string `validate:"required"`
	Schedule string `validate:"required"`
	Job      Job    `validate:"required"`

	// AllowOverlap lets a trigger start while an earlier run is still executing.
	AllowOverlap bool
	// Timeout bounds a single run. Zero means no deadline.
	Timeout time.Duration `validate:"gte=0"`
}

// EntryInfo describes a registered job for diagnostics.
type EntryInfo struct {
	Key      string
	Name     string
	Schedule string
	Next     time.Time
	Prev     time.Time
}

type entry struct {
	desc    Descriptor
	id      cron.EntryID
	running atomic.Bool
}

// Scheduler owns the registered descriptors for the life of the process.
type Scheduler struct {
	cron     *cron.Cron
	logger   zerolog.Logger
	receiver Receiver
	location *time.Location
	validate *validator.Validate

	mu      sync.Mutex
	entries map[string]*entry

	// runs are not cancelled by Stop
	baseCtx context.Context
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithReceiver sets the sink for completion reports.
func WithReceiver(r Receiver) Option {
	return func(s *Scheduler) { s.receiver = r }
}

// WithLocation evaluates schedules in loc instead of time.Local.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

// New creates a stopped scheduler.
func New(logger zerolog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:   logger.With().Str("component", "scheduler").Logger(),
		location: time.Local,
		validate: validator.New(),
		entries:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.baseCtx = s.logger.WithContext(context.Background())
	s.cron = cron.New(
		cron.WithLocation(s.location),
		cron.WithLogger(cronLogger{logger: s.logger}),
	)
	return s
}

// Register parses the descriptor's schedule and adds it. Keys must be unique.
func (s *Scheduler) Register(d Descriptor) error {
	if err := s.validate.Struct(d); err != nil {
		return fmt.Errorf("scheduler: descriptor %q: %w", d.Key, err)
	}
	schedule, err := ParseSchedule(d.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: descriptor %q: %w", d.Key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[d.Key]; exists {
		return fmt.Errorf("scheduler: duplicate key %q", d.Key)
	}

	e := &entry{desc: d}
	e.id = s.cron.Schedule(schedule, cron.FuncJob(func() { s.trigger(e) }))
	s.entries[d.Key] = e

	s.logger.Info().
		Str("key", d.Key).
		Str("schedule", d.Schedule).
		Time("next_tick", schedule.Next(time.Now().In(s.location))).
		Msg("scheduled job registered")
	return nil
}

// Start begins evaluating schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.Entries())).Str("timezone", s.location.String()).Msg("scheduler started")
}

// Stop halts future triggers. The returned context is done once running jobs finish;
// running jobs are not cancelled.
func (s *Scheduler) Stop() context.Context {
	ctx := s.cron.Stop()
	s.logger.Info().Msg("scheduler stopped")
	return ctx
}

// Entries lists registered jobs sorted by key.
func (s *Scheduler) Entries() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]EntryInfo, 0, len(s.entries))
	for _, e := range s.entries {
		ce := s.cron.Entry(e.id)
		infos = append(infos, EntryInfo{
			Key:      e.desc.Key,
			Name:     e.desc.Name,
			Schedule: e.desc.Schedule,
			Next:     ce.Next,
			Prev:     ce.Prev,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos
}

// RunNow executes the job registered under key on the calling goroutine, applying the
// same overlap policy and reporting as a timed trigger.
func (s *Scheduler) RunNow(key string) error {
	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown key %q", key)
	}
	s.trigger(e)
	return nil
}

func (s *Scheduler) trigger(e *entry) {
	d := e.desc
	if !d.AllowOverlap {
		if !e.running.CompareAndSwap(false, true) {
			metrics.SchedulerSkips.WithLabelValues(d.Key).Inc()
			s.logger.Warn().Str("key", d.Key).Msg("previous run still in progress, skipping trigger")
			return
		}
		defer e.running.Store(false)
	}

	ctx := s.baseCtx
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	ctx, span := telemetry.GetTracer("github.com/oxide-admin/server/internal/scheduler").Start(ctx, "scheduler.run")
	span.SetAttributes(
		attribute.String("scheduler.key", d.Key),
		attribute.String("scheduler.schedule", d.Schedule),
	)
	defer span.End()

	runAt := time.Now().In(s.location)
	panicked, err := s.execute(ctx, d)
	duration := time.Since(runAt)

	result := "success"
	switch {
	case panicked:
		result = "panic"
	case err != nil:
		result = "error"
	}
	metrics.SchedulerRuns.WithLabelValues(d.Key, result).Inc()
	metrics.SchedulerRunDuration.WithLabelValues(d.Key).Observe(duration.Seconds())

	report := Report{
		Key:       d.Key,
		Name:      d.Name,
		Schedule:  d.Schedule,
		Succeeded: err == nil,
		Result:    "ok",
		RunAt:     runAt,
		Duration:  duration,
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		report.Result = err.Error()
		s.logger.Error().Err(err).Str("key", d.Key).Dur("duration", duration).Msg("scheduled job failed")
	} else {
		s.logger.Debug().Str("key", d.Key).Dur("duration", duration).Msg("scheduled job completed")
	}

	s.deliver(ctx, report)
}

func (s *Scheduler) execute(ctx context.Context, d Descriptor) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("scheduled job panicked: %v", r)
			s.logger.Error().Str("key", d.Key).Bytes("stack", debug.Stack()).Msg("scheduled job panicked")
		}
	}()
	return false, d.Job(ctx)
}

func (s *Scheduler) deliver(ctx context.Context, report Report) {
	if s.receiver == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("key", report.Key).Interface("panic", r).Msg("schedule receiver panicked")
		}
	}()
	if err := s.receiver.Receive(context.WithoutCancel(ctx), report); err != nil {
		s.logger.Error().Err(err).Str("key", report.Key).Msg("failed to deliver schedule report")
	}
}

// Enqueuer is the part of the job queue a scheduled trigger needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any) error
}

// EnqueueJob returns a Job that hands the work to the job queue instead of running it
// inline, so scheduled and event-triggered work share one execution path.
func EnqueueJob(q Enqueuer, kind string, payload any) Job {
	return func(ctx context.Context) error {
		if err := q.Enqueue(ctx, kind, payload); err != nil {
			return fmt.Errorf("enqueue %s: %w", kind, err)
		}
		return nil
	}
}
