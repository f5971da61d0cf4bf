package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"
	"github.com/rs/zerolog"

	"github.com/oxide-admin/server/internal/metrics"
)

// envelopeJobKind is the River kind every queued job travels under. The queue kind is
// carried inside the args so runners can be registered after the client is built.
const envelopeJobKind = "oxide_job"

type envelopeArgs struct {
	JobKind string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func (envelopeArgs) Kind() string { return envelopeJobKind }

// envelopeKind returns the queue kind of a River job, looking inside envelopes.
func envelopeKind(kind string, encodedArgs []byte) string {
	if kind != envelopeJobKind {
		return kind
	}
	var args struct {
		JobKind string `json:"kind"`
	}
	if err := json.Unmarshal(encodedArgs, &args); err != nil || args.JobKind == "" {
		return kind
	}
	return args.JobKind
}

type dispatchWorker struct {
	river.WorkerDefaults[envelopeArgs]
	backend *RiverBackend
}

func (w *dispatchWorker) Work(ctx context.Context, job *river.Job[envelopeArgs]) error {
	ctx = w.backend.logger.With().
		Int64("job_id", job.ID).
		Str("kind", job.Args.JobKind).
		Int("attempt", job.Attempt).
		Logger().WithContext(ctx)

	runner := w.backend.runner(job.Args.JobKind)
	if runner == nil {
		return fmt.Errorf("%w: %s", ErrNoRunner, job.Args.JobKind)
	}
	return runner.Run(ctx, &Job{
		ID:          strconv.FormatInt(job.ID, 10),
		Kind:        job.Args.JobKind,
		Payload:     job.Args.Payload,
		State:       StateRunning,
		Attempt:     job.Attempt,
		MaxAttempts: job.MaxAttempts,
		ScheduledAt: job.ScheduledAt,
		CreatedAt:   job.CreatedAt,
	})
}

// RiverConfig tunes the River backend.
type RiverConfig struct {
	Workers           int
	VisibilityTimeout time.Duration
	Policy            *RetryPolicy
}

// RiverBackend is the durable PostgreSQL backend. River owns leasing: running jobs
// whose worker disappeared are rescued after the visibility timeout, and jobs that
// exhaust their attempts end in River's discarded state.
type RiverBackend struct {
	client *river.Client[pgx.Tx]
	policy *RetryPolicy
	logger zerolog.Logger

	mu      sync.RWMutex
	runners map[string]Runner
}

// NewClientConfig builds a River client configuration with retry policy.
func NewClientConfig(workers *river.Workers, cfg RiverConfig, logger *slog.Logger, hooks []rivertype.Hook) *river.Config {
	config := &river.Config{
		Workers:     workers,
		RetryPolicy: cfg.Policy,
		MaxAttempts: cfg.Policy.Default.MaxAttempts,
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.Workers},
		},
		RescueStuckJobsAfter: cfg.VisibilityTimeout,
		Hooks:                hooks,
	}
	if logger != nil {
		config.Logger = logger
		config.ErrorHandler = NewAlertingErrorHandler(logger, nil)
	}
	return config
}

// NewRiverBackend creates a River client using pgx v5.
func NewRiverBackend(pool *pgxpool.Pool, cfg RiverConfig, logger zerolog.Logger, slogger *slog.Logger) (*RiverBackend, error) {
	if pool == nil {
		return nil, errors.New("jobs: river backend requires a database pool")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.Policy == nil {
		cfg.Policy = NewRetryPolicy()
	}

	b := &RiverBackend{
		policy:  cfg.Policy,
		logger:  logger.With().Str("component", "jobs").Str("backend", "river").Logger(),
		runners: make(map[string]Runner),
	}

	workers := river.NewWorkers()
	river.AddWorker[envelopeArgs](workers, &dispatchWorker{backend: b})

	hooks := []rivertype.Hook{metrics.NewRiverMetricsHook(envelopeKind)}
	client, err := river.NewClient(riverpgxv5.New(pool), NewClientConfig(workers, cfg, slogger, hooks))
	if err != nil {
		return nil, fmt.Errorf("jobs: create river client: %w", err)
	}
	b.client = client
	return b, nil
}

func (b *RiverBackend) Name() string { return "river" }

func (b *RiverBackend) Register(kind string, runner Runner) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runners[kind] = runner
}

func (b *RiverBackend) runner(kind string) Runner {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.runners[kind]
}

// Enqueue inserts the job into river_job. It returns after the insert committed.
func (b *RiverBackend) Enqueue(ctx context.Context, kind string, payload any) error {
	if kind == "" {
		return errors.New("jobs: kind is required")
	}
	data, err := encodePayload(kind, payload)
	if err != nil {
		return err
	}
	res, err := b.client.Insert(ctx, envelopeArgs{JobKind: kind, Payload: data}, b.policy.InsertOptsForKind(kind))
	if err != nil {
		return fmt.Errorf("jobs: enqueue %s: %w", kind, err)
	}
	b.logger.Debug().Int64("job_id", res.Job.ID).Str("kind", kind).Msg("job enqueued")
	return nil
}

func (b *RiverBackend) Start(ctx context.Context) error {
	if err := b.client.Start(ctx); err != nil {
		return fmt.Errorf("jobs: start river client: %w", err)
	}
	b.logger.Info().Msg("river background job workers started")
	return nil
}

func (b *RiverBackend) Stop(ctx context.Context) error {
	if err := b.client.Stop(ctx); err != nil {
		return fmt.Errorf("jobs: stop river client: %w", err)
	}
	b.logger.Info().Msg("river workers stopped")
	return nil
}

// DeadLetters lists up to 100 discarded jobs.
func (b *RiverBackend) DeadLetters(ctx context.Context) ([]Job, error) {
	res, err := b.client.JobList(ctx, river.NewJobListParams().
		States(rivertype.JobStateDiscarded).
		First(100))
	if err != nil {
		return nil, fmt.Errorf("jobs: list discarded jobs: %w", err)
	}

	dead := make([]Job, 0, len(res.Jobs))
	for _, row := range res.Jobs {
		dead = append(dead, jobFromRow(row))
	}
	return dead, nil
}

func jobFromRow(row *rivertype.JobRow) Job {
	job := Job{
		ID:          strconv.FormatInt(row.ID, 10),
		Kind:        row.Kind,
		Payload:     row.EncodedArgs,
		State:       State(row.State),
		Attempt:     row.Attempt,
		MaxAttempts: row.MaxAttempts,
		ScheduledAt: row.ScheduledAt,
		CreatedAt:   row.CreatedAt,
	}
	var args envelopeArgs
	if row.Kind == envelopeJobKind && json.Unmarshal(row.EncodedArgs, &args) == nil {
		job.Kind = args.JobKind
		job.Payload = args.Payload
	}
	if n := len(row.Errors); n > 0 {
		job.LastError = row.Errors[n-1].Error
	}
	if row.FinalizedAt != nil {
		job.FinalizedAt = *row.FinalizedAt
	}
	return job
}
