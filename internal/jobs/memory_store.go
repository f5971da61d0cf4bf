package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps jobs in process memory. Jobs are lost on restart; the lease, retry
// and dead-letter behavior matches the durable stores.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	seq  map[string]uint64
	next uint64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*Job),
		seq:  make(map[string]uint64),
	}
}

func (s *MemoryStore) Insert(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job.ID = uuid.NewString()
	job.State = StateAvailable
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = job.CreatedAt
	}
	stored := *job
	s.jobs[job.ID] = &stored
	s.next++
	s.seq[job.ID] = s.next
	return nil
}

func (s *MemoryStore) Lease(_ context.Context, now time.Time, visibility time.Duration) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*Job
	for _, job := range s.jobs {
		switch job.State {
		case StateAvailable, StateRetryable:
			if !job.ScheduledAt.After(now) {
				candidates = append(candidates, job)
			}
		case StateRunning:
			if job.LeasedUntil.After(now) {
				continue
			}
			if job.Attempt >= job.MaxAttempts {
				job.State = StateDiscarded
				job.LastError = expiredLeaseError(visibility)
				job.FinalizedAt = now
				job.LeaseID = ""
				continue
			}
			candidates = append(candidates, job)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		return s.seq[a.ID] < s.seq[b.ID]
	})

	job := candidates[0]
	job.State = StateRunning
	job.Attempt++
	job.LeasedUntil = now.Add(visibility)
	job.LeaseID = uuid.NewString()
	leased := *job
	return &leased, nil
}

func (s *MemoryStore) held(id, leaseID string) (*Job, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if job.State != StateRunning || job.LeaseID != leaseID {
		return nil, ErrLeaseLost
	}
	return job, nil
}

func (s *MemoryStore) Complete(_ context.Context, id, leaseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.held(id, leaseID)
	if err != nil {
		return err
	}
	job.State = StateCompleted
	job.FinalizedAt = time.Now()
	job.LeaseID = ""
	return nil
}

func (s *MemoryStore) Retry(_ context.Context, id, leaseID, lastErr string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.held(id, leaseID)
	if err != nil {
		return err
	}
	job.State = StateRetryable
	job.LastError = lastErr
	job.ScheduledAt = at
	job.LeaseID = ""
	return nil
}

func (s *MemoryStore) Discard(_ context.Context, id, leaseID, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.held(id, leaseID)
	if err != nil {
		return err
	}
	job.State = StateDiscarded
	job.LastError = lastErr
	job.FinalizedAt = time.Now()
	job.LeaseID = ""
	return nil
}

func (s *MemoryStore) DeadLetters(_ context.Context) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dead []Job
	for _, job := range s.jobs {
		if job.State == StateDiscarded {
			dead = append(dead, *job)
		}
	}
	sort.Slice(dead, func(i, j int) bool { return dead[i].FinalizedAt.After(dead[j].FinalizedAt) })
	return dead, nil
}

// Get returns a copy of the job with the given ID.
func (s *MemoryStore) Get(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return *job, nil
}

func (s *MemoryStore) Close() error { return nil }
