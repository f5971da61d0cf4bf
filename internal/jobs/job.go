// Package jobs is the background job queue: producers enqueue (kind, payload) pairs and
// workers lease them, dispatch by kind to a registered runner and acknowledge the
// outcome. Delivery is at-least-once: a lease that is not acknowledged within the
// visibility timeout expires and the job can be leased again. Failed jobs are retried
// with exponential backoff until their attempt budget is spent, then moved to the
// discarded (dead-letter) state.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// State is a job's position in its lifecycle.
type State string

const (
	StateAvailable State = "available"
	StateRunning   State = "running"
	StateRetryable State = "retryable"
	StateCompleted State = "completed"
	// StateDiscarded is the dead-letter state.
	StateDiscarded State = "discarded"
)

var (
	// ErrNoRunner is the failure recorded for a job whose kind has no registered runner.
	ErrNoRunner = errors.New("jobs: no runner registered for kind")
	// ErrLeaseLost is returned when acknowledging a job whose lease expired and was taken
	// by another worker.
	ErrLeaseLost = errors.New("jobs: lease lost")
	// ErrNotFound is returned for unknown job IDs.
	ErrNotFound = errors.New("jobs: job not found")
)

// Job is one unit of queued work.
type Job struct {
	ID          string
	Kind        string
	Payload     json.RawMessage
	State       State
	Attempt     int
	MaxAttempts int
	LastError   string
	ScheduledAt time.Time
	LeasedUntil time.Time
	LeaseID     string
	CreatedAt   time.Time
	FinalizedAt time.Time
}

// Runner executes jobs of one kind. Runners must tolerate being run more than once for
// the same job.
type Runner interface {
	Run(ctx context.Context, job *Job) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, job *Job) error

func (f RunnerFunc) Run(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// Queuer accepts jobs. Enqueue returns once the backend has accepted the job; the
// caller never observes how the job eventually fares.
type Queuer interface {
	Enqueue(ctx context.Context, kind string, payload any) error
}

// Registrar binds runners to kinds.
type Registrar interface {
	Register(kind string, runner Runner)
}

// Backend is a complete queue implementation.
type Backend interface {
	Queuer
	Registrar
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	DeadLetters(ctx context.Context) ([]Job, error)
	Name() string
}

// Register binds a typed runner: the job payload is decoded into P before fn runs. A
// payload that does not decode fails the attempt like any other runner error.
func Register[P any](r Registrar, kind string, fn func(ctx context.Context, payload P) error) {
	r.Register(kind, RunnerFunc(func(ctx context.Context, job *Job) error {
		var payload P
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &payload); err != nil {
				return fmt.Errorf("decode %s payload: %w", kind, err)
			}
		}
		return fn(ctx, payload)
	}))
}

func encodePayload(kind string, payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("jobs: %s payload is not valid JSON", kind)
		}
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("jobs: encode %s payload: %w", kind, err)
	}
	return data, nil
}
