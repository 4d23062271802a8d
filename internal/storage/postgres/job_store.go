package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/stockwatch/internal/restock"
)

var terminalStates = []string{string(restock.JobStateCompleted), string(restock.JobStateFailed)}

// JobStore keeps job status rows so status survives a restart.
type JobStore struct {
	pool  pool
	table string
	clock restock.Clock
}

// JobStore returns the durable job status table.
func (db *DB) JobStore(clock restock.Clock) *JobStore {
	return &JobStore{pool: db.pool, table: db.tables.Jobs, clock: clock}
}

func (s *JobStore) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job restock.Job) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}
	if job.State == "" {
		job.State = restock.JobStateQueued
	}
	counters, err := json.Marshal(job.Counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, region, state, reason, counters, enqueued_at)
VALUES ($1, $2, $3, $4, $5, $6)`, s.table)
	if _, err := s.pool.Exec(ctx, query, job.ID, job.Region, string(job.State), job.Reason, counters, job.EnqueuedAt); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJobStatus moves a non-terminal job to state.
func (s *JobStore) UpdateJobStatus(
	ctx context.Context,
	jobID string,
	state restock.JobState,
	reason string,
	counters restock.JobCounters,
) error {
	payload, err := json.Marshal(counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	started := state != restock.JobStateQueued
	query := fmt.Sprintf(`
UPDATE %s
SET state = $2,
    reason = $3,
    counters = $4,
    started_at = CASE WHEN $6 AND started_at IS NULL THEN $5 ELSE started_at END,
    finished_at = CASE WHEN $7 THEN $5 ELSE finished_at END
WHERE id = $1 AND NOT (state = ANY($8))`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		jobID,
		string(state),
		reason,
		payload,
		s.now(),
		started,
		state.Terminal(),
		terminalStates,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return err
	}
	return fmt.Errorf("update job %s to %s: %w", jobID, state, restock.ErrTerminalJob)
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (restock.Job, error) {
	query := fmt.Sprintf(`
SELECT id, region, state, reason, counters, enqueued_at, started_at, finished_at
FROM %s WHERE id = $1`, s.table)
	var (
		job      restock.Job
		state    string
		counters []byte
	)
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&job.ID,
		&job.Region,
		&state,
		&job.Reason,
		&counters,
		&job.EnqueuedAt,
		&job.StartedAt,
		&job.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return restock.Job{}, restock.ErrJobNotFound
		}
		return restock.Job{}, fmt.Errorf("select job: %w", err)
	}
	job.State = restock.JobState(state)
	if len(counters) > 0 {
		if err := json.Unmarshal(counters, &job.Counters); err != nil {
			return restock.Job{}, fmt.Errorf("unmarshal counters: %w", err)
		}
	}
	return job, nil
}

// Prune deletes terminal jobs that finished before cutoff.
func (s *JobStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE finished_at IS NOT NULL AND finished_at < $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
