package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/stockwatch/internal/restock"
)

// JobStore is the concurrency-safe job status table.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]restock.Job
	clock restock.Clock
}

// NewJobStore constructs a JobStore. A nil clock uses wall time.
func NewJobStore(clock restock.Clock) *JobStore {
	return &JobStore{
		jobs:  make(map[string]restock.Job),
		clock: clock,
	}
}

func (s *JobStore) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job restock.Job) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	if job.State == "" {
		job.State = restock.JobStateQueued
	}
	s.jobs[job.ID] = job
	return nil
}

// UpdateJobStatus moves a job to state and records counters. Jobs that already
// reached a terminal state reject further updates.
func (s *JobStore) UpdateJobStatus(
	_ context.Context,
	jobID string,
	state restock.JobState,
	reason string,
	counters restock.JobCounters,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return restock.ErrJobNotFound
	}
	if job.State.Terminal() {
		return fmt.Errorf("update job %s to %s: %w", jobID, state, restock.ErrTerminalJob)
	}
	job.State = state
	job.Reason = reason
	job.Counters = counters
	now := s.now()
	if state == restock.JobStateInProgress && job.StartedAt == nil {
		job.StartedAt = pointerTime(now)
	}
	if state.Terminal() {
		if job.StartedAt == nil {
			job.StartedAt = pointerTime(now)
		}
		job.FinishedAt = pointerTime(now)
	}
	s.jobs[jobID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (restock.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return restock.Job{}, restock.ErrJobNotFound
	}
	return copyJob(job), nil
}

// Prune drops terminal jobs that finished before cutoff and returns how many
// were removed. Queued and running jobs are never pruned.
func (s *JobStore) Prune(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if !job.State.Terminal() || job.FinishedAt == nil {
			continue
		}
		if job.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

// Len reports how many jobs are tracked.
func (s *JobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

func copyJob(job restock.Job) restock.Job {
	if job.StartedAt != nil {
		job.StartedAt = pointerTime(*job.StartedAt)
	}
	if job.FinishedAt != nil {
		job.FinishedAt = pointerTime(*job.FinishedAt)
	}
	return job
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
