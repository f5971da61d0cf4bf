package jobs

import (
	"context"
	"time"
)

// Store persists jobs for the store-driven Manager. Implementations own all
// concurrency control: Lease must hand a given job to at most one caller per lease.
type Store interface {
	// Insert saves a new available job and fills in its ID.
	Insert(ctx context.Context, job *Job) error
	// Lease claims the next due job for visibility, or returns nil when nothing is due.
	// Due means available or retryable with ScheduledAt <= now, or running with an
	// expired lease. Expired leases of jobs that have no attempts left are discarded
	// instead of being handed out again.
	Lease(ctx context.Context, now time.Time, visibility time.Duration) (*Job, error)
	// Complete acknowledges a successful attempt.
	Complete(ctx context.Context, id, leaseID string) error
	// Retry records a failed attempt and makes the job due again at the given time.
	Retry(ctx context.Context, id, leaseID, lastErr string, at time.Time) error
	// Discard records a failed final attempt and moves the job to the dead-letter state.
	Discard(ctx context.Context, id, leaseID, lastErr string) error
	// DeadLetters lists discarded jobs, most recent first.
	DeadLetters(ctx context.Context) ([]Job, error)
	Close() error
}

func expiredLeaseError(visibility time.Duration) string {
	return "lease expired after " + visibility.String() + " without acknowledgement"
}
