// Package dispatcher accepts scrape requests, tracks their status, and manages
// worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stockwatch/internal/metrics"
	"github.com/JakeFAU/stockwatch/internal/restock"
)

// Runner is a long-lived worker.
type Runner interface {
	ID() int
	Run(ctx context.Context) error
}

// Config controls enqueue and shutdown bounds.
type Config struct {
	EnqueueTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue    restock.Queue
	jobStore restock.JobStore
	ids      restock.IDGenerator
	clock    restock.Clock
	workers  []Runner
	cfg      Config
	logger   *zap.Logger

	mu      sync.Mutex
	started bool
	done    []chan struct{}
}

// New creates a Dispatcher.
func New(
	queue restock.Queue,
	jobStore restock.JobStore,
	ids restock.IDGenerator,
	clock restock.Clock,
	workers []Runner,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &Dispatcher{
		queue:    queue,
		jobStore: jobStore,
		ids:      ids,
		clock:    clock,
		workers:  workers,
		cfg:      cfg,
		logger:   logger,
	}
}

// Start launches every worker in its own goroutine. It is a no-op when called
// more than once.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	d.done = make([]chan struct{}, len(d.workers))

	var deadMu sync.Mutex
	dead := 0
	for i, w := range d.workers {
		done := make(chan struct{})
		d.done[i] = done
		go func(wk Runner) {
			defer close(done)
			if err := wk.Run(ctx); err != nil {
				d.logger.Error("worker exited", zap.Int("worker_id", wk.ID()), zap.Error(err))
				deadMu.Lock()
				dead++
				allDead := dead == len(d.workers)
				deadMu.Unlock()
				if allDead {
					d.logger.Error("no workers are running; queued jobs will not be processed")
				}
			}
		}(w)
	}
}

// Run starts all workers, blocks until the context finishes, then shuts the
// pool down.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.Start(ctx)
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.ShutdownTimeout*time.Duration(len(d.workers)+1))
	defer cancel()
	return d.Shutdown(shutdownCtx)
}

// Enqueue registers a queued job for region and hands it to the pool.
func (d *Dispatcher) Enqueue(ctx context.Context, region string) (string, error) {
	id, err := d.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	job := restock.Job{
		ID:         id,
		Region:     region,
		State:      restock.JobStateQueued,
		EnqueuedAt: d.clock.Now(),
	}
	if err := d.jobStore.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	enqCtx, cancel := context.WithTimeout(ctx, d.cfg.EnqueueTimeout)
	defer cancel()
	if err := d.queue.Enqueue(enqCtx, restock.QueueItem{JobID: id, Region: region}); err != nil {
		reason := fmt.Sprintf("enqueue error: %v", err)
		if updErr := d.jobStore.UpdateJobStatus(context.WithoutCancel(ctx), id, restock.JobStateFailed, reason, restock.JobCounters{}); updErr != nil {
			d.logger.Error("fail job status update", zap.String("job_id", id), zap.Error(updErr))
		}
		return "", fmt.Errorf("queue enqueue: %w", err)
	}
	d.observeDepth()
	d.logger.Debug("job enqueued", zap.String("job_id", id), zap.String("region", region))
	return id, nil
}

// StatusOf returns the job's current status.
func (d *Dispatcher) StatusOf(ctx context.Context, jobID string) (restock.Job, error) {
	job, err := d.jobStore.GetJob(ctx, jobID)
	if err != nil {
		return restock.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// Shutdown sends one stop item per running worker so each drains the work
// queued ahead of it and exits, then waits up to ShutdownTimeout per worker.
// Workers that do not stop in time are reported; their sessions may leak.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()

	running := 0
	for _, ch := range done {
		select {
		case <-ch:
		default:
			running++
		}
	}
	for i := 0; i < running; i++ {
		if err := d.queue.Enqueue(ctx, restock.QueueItem{Stop: true}); err != nil {
			d.logger.Warn("could not enqueue stop signal", zap.Error(err))
			break
		}
	}

	var errs []error
	for i, ch := range done {
		id := d.workers[i].ID()
		timer := time.NewTimer(d.cfg.ShutdownTimeout)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			err := fmt.Errorf("worker %d did not stop within %s; its session may leak", id, d.cfg.ShutdownTimeout)
			d.logger.Error("worker shutdown timed out", zap.Int("worker_id", id), zap.Error(err))
			errs = append(errs, err)
		case <-ctx.Done():
			timer.Stop()
			err := fmt.Errorf("worker %d shutdown abandoned: %w", id, ctx.Err())
			d.logger.Error("worker shutdown abandoned", zap.Int("worker_id", id), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) observeDepth() {
	if l, ok := d.queue.(interface{ Len() int }); ok {
		metrics.SetQueueDepth(l.Len())
	}
}
