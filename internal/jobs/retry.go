package jobs

import (
	"math"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

const (
	KindDeleteExpiredKV   = "delete_expired_kv"
	KindWarmAccess        = "warm_access"
	KindPruneSchedRecords = "prune_sched_records"
)

const (
	DefaultMaxAttempts           = 5
	DeleteExpiredMaxAttempts     = 3
	WarmAccessMaxAttempts        = 3
	PruneSchedRecordsMaxAttempts = 3
)

// RetryConfig controls per-kind retry behavior.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// RetryPolicy holds per-kind exponential backoff. It also implements River's
// ClientRetryPolicy.
type RetryPolicy struct {
	Default RetryConfig
	ByKind  map[string]RetryConfig
}

// NewRetryPolicy returns the default retry policy configuration.
func NewRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		Default: RetryConfig{
			MaxAttempts: DefaultMaxAttempts,
			BaseDelay:   30 * time.Second,
			MaxDelay:    30 * time.Minute,
		},
		ByKind: map[string]RetryConfig{
			KindDeleteExpiredKV: {
				MaxAttempts: DeleteExpiredMaxAttempts,
				BaseDelay:   1 * time.Minute,
				MaxDelay:    15 * time.Minute,
			},
			KindWarmAccess: {
				MaxAttempts: WarmAccessMaxAttempts,
				BaseDelay:   5 * time.Second,
				MaxDelay:    1 * time.Minute,
			},
			KindPruneSchedRecords: {
				MaxAttempts: PruneSchedRecordsMaxAttempts,
				BaseDelay:   5 * time.Minute,
				MaxDelay:    1 * time.Hour,
			},
		},
	}
}

// Backoff returns the delay before the attempt following a failed attempt.
func (p *RetryPolicy) Backoff(kind string, attempt int) time.Duration {
	config := p.ConfigFor(kind)
	if config.BaseDelay == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(config.BaseDelay) * math.Pow(2, float64(attempt-1))
	if config.MaxDelay > 0 && delay > float64(config.MaxDelay) {
		return config.MaxDelay
	}
	if delay >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// MaxAttempts returns the attempt budget for kind.
func (p *RetryPolicy) MaxAttempts(kind string) int {
	if n := p.ConfigFor(kind).MaxAttempts; n > 0 {
		return n
	}
	return DefaultMaxAttempts
}

// NextRetry determines the next retry time for a failed River job. Jobs travel through
// River inside an envelope, so the kind is read from the encoded args.
func (p *RetryPolicy) NextRetry(job *rivertype.JobRow) time.Time {
	delay := p.Backoff(envelopeKind(job.Kind, job.EncodedArgs), job.Attempt)
	if delay == 0 {
		return time.Now()
	}
	if job.AttemptedAt != nil {
		return job.AttemptedAt.Add(delay)
	}
	return time.Now().Add(delay)
}

// InsertOptsForKind returns River insert options for a job kind.
func (p *RetryPolicy) InsertOptsForKind(kind string) *river.InsertOpts {
	return &river.InsertOpts{MaxAttempts: p.MaxAttempts(kind)}
}

// ConfigFor returns the retry configuration for kind.
func (p *RetryPolicy) ConfigFor(kind string) RetryConfig {
	if p == nil {
		return RetryConfig{MaxAttempts: DefaultMaxAttempts, BaseDelay: 1 * time.Minute, MaxDelay: 1 * time.Hour}
	}
	if config, ok := p.ByKind[kind]; ok {
		return config
	}
	return p.Default
}
