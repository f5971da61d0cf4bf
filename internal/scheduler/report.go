package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Report describes one finished scheduled execution.
type Report struct {
	Key       string
	Name      string
	Schedule  string
	Succeeded bool
	Result    string
	RunAt     time.Time
	Duration  time.Duration
}

// Receiver accepts completion reports. Failures are logged by the scheduler and never
// change the outcome of the run that produced the report.
type Receiver interface {
	Receive(ctx context.Context, report Report) error
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx context.Context, report Report) error

func (f ReceiverFunc) Receive(ctx context.Context, report Report) error {
	return f(ctx, report)
}

// LogReceiver writes every report to a logger.
type LogReceiver struct {
	Logger zerolog.Logger
}

func (r LogReceiver) Receive(_ context.Context, report Report) error {
	evt := r.Logger.Info()
	if !report.Succeeded {
		evt = r.Logger.Warn()
	}
	evt.Str("key", report.Key).
		Str("name", report.Name).
		Str("schedule", report.Schedule).
		Bool("succeeded", report.Succeeded).
		Str("result", report.Result).
		Time("run_at", report.RunAt).
		Dur("duration", report.Duration).
		Msg("scheduled job finished")
	return nil
}

// Receivers fans a report out to every receiver and joins their errors.
func Receivers(rs ...Receiver) Receiver {
	return ReceiverFunc(func(ctx context.Context, report Report) error {
		var errs []error
		for _, r := range rs {
			if err := r.Receive(ctx, report); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
