// Package worker implements the scrape cycle execution loop: fetch a region's
// snapshot, diff it against stored state, notify subscribers, persist.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stockwatch/internal/diff"
	"github.com/JakeFAU/stockwatch/internal/metrics"
	"github.com/JakeFAU/stockwatch/internal/notify"
	"github.com/JakeFAU/stockwatch/internal/restock"
	"github.com/JakeFAU/stockwatch/internal/retry"
)

// Batcher delivers restock events to subscribers. Stash keeps the
// notifications Notify could not deliver.
type Batcher interface {
	Notify(ctx context.Context, region string, events []restock.RestockEvent) notify.Report
	Stash(ctx context.Context, undelivered []notify.Undelivered) int
}

// RegionChecker reports whether a region is still watched.
type RegionChecker interface {
	Exists(ctx context.Context, region string) (bool, error)
}

// Throttle hands out permission to fetch.
type Throttle interface {
	Wait(ctx context.Context) error
}

var errRegionRetired = errors.New("region is no longer watched")

// Config controls Worker behavior. A zero Retry means retry.DefaultPolicy.
type Config struct {
	ID             int
	FetchTimeout   time.Duration
	ReleaseTimeout time.Duration
	Retry          retry.Policy
}

// Worker owns one session and processes one job at a time.
type Worker struct {
	queue    restock.Queue
	jobStore restock.JobStore
	sessions restock.SessionFactory
	state    restock.StateStore
	batcher  Batcher
	locks    *RegionLocks
	regions  RegionChecker
	throttle Throttle
	clock    restock.Clock
	cfg      Config
	logger   *zap.Logger
}

// Option customises a Worker.
type Option func(*Worker)

// WithRegionCheck makes the worker skip jobs whose region was retired after
// they were queued. The check runs under the region lock.
func WithRegionCheck(regions RegionChecker) Option {
	return func(w *Worker) { w.regions = regions }
}

// WithThrottle makes every fetch wait on t. The wait happens before the
// fetch timeout starts.
func WithThrottle(t Throttle) Option {
	return func(w *Worker) { w.throttle = t }
}

// New constructs a Worker. Workers that share a StateStore must share locks.
func New(
	queue restock.Queue,
	jobStore restock.JobStore,
	sessions restock.SessionFactory,
	state restock.StateStore,
	batcher Batcher,
	locks *RegionLocks,
	clock restock.Clock,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locks == nil {
		locks = NewRegionLocks()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 90 * time.Second
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = 10 * time.Second
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	w := &Worker{
		queue:    queue,
		jobStore: jobStore,
		sessions: sessions,
		state:    state,
		batcher:  batcher,
		locks:    locks,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.With(zap.Int("worker_id", cfg.ID)),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ID returns the worker's identifier.
func (w *Worker) ID() int {
	return w.cfg.ID
}

// Run acquires a session and consumes queue items until a stop item arrives,
// the queue closes, or ctx finishes. The session is released on every exit
// path. Only a failure to acquire the session is returned.
func (w *Worker) Run(ctx context.Context) error {
	session, err := w.sessions.Acquire(ctx)
	if err != nil {
		acqErr := &restock.SessionAcquisitionError{WorkerID: w.cfg.ID, Err: err}
		w.logger.Error("worker could not acquire a session", zap.Error(acqErr))
		return acqErr
	}
	metrics.IncLiveWorkers()
	defer metrics.DecLiveWorkers()
	defer w.release(session)

	w.logger.Info("worker started")
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("worker stopping: context done")
				return nil
			}
			if errors.Is(err, restock.ErrQueueClosed) {
				w.logger.Info("worker stopping: queue closed")
				return nil
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		if item.Stop {
			w.logger.Info("worker stopping: stop signal received")
			return nil
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID), zap.String("region", item.Region))
		// A started cycle runs to completion even if ctx is canceled meanwhile.
		w.processJob(context.WithoutCancel(ctx), session, item)
	}
}

func (w *Worker) release(session restock.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.ReleaseTimeout)
	defer cancel()
	if err := session.Close(ctx); err != nil {
		w.logger.Error("session release failed", zap.Error(err))
		return
	}
	w.logger.Info("session released")
}

func (w *Worker) processJob(ctx context.Context, session restock.PageFetcher, item restock.QueueItem) {
	start := w.clock.Now()
	logger := w.logger.With(zap.String("job_id", item.JobID), zap.String("region", item.Region))
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	if err := w.jobStore.UpdateJobStatus(ctx, item.JobID, restock.JobStateInProgress, "", restock.JobCounters{}); err != nil {
		logger.Error("job status update failed", zap.Error(err))
		if errors.Is(err, restock.ErrTerminalJob) || errors.Is(err, restock.ErrJobNotFound) {
			return
		}
	}

	unlock := w.locks.Lock(item.Region)
	counters, cycleErr := w.runCycle(ctx, session, item.Region, logger)
	unlock()

	state, reason := deriveFinalState(counters, cycleErr)
	switch {
	case errors.Is(cycleErr, errRegionRetired):
		logger.Info("scrape cycle skipped: region retired")
	case cycleErr != nil:
		logger.Warn("scrape cycle failed", zap.Error(cycleErr))
	default:
		logger.Info("scrape cycle completed",
			zap.Int("products", counters.Products),
			zap.Int("restocked", counters.Restocked),
			zap.Int("notified", counters.Notified))
	}
	if err := w.jobStore.UpdateJobStatus(ctx, item.JobID, state, reason, counters); err != nil {
		logger.Error("final job status update failed", zap.Error(err))
	}
	metrics.ObserveJob(string(state), w.clock.Now().Sub(start))
}

func (w *Worker) runCycle(
	ctx context.Context,
	session restock.PageFetcher,
	region string,
	logger *zap.Logger,
) (counters restock.JobCounters, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("scrape cycle panicked", zap.Any("panic", r))
			err = fmt.Errorf("internal error: %v", r)
		}
	}()

	if w.regions != nil {
		var watched bool
		err = retry.Do(ctx, logger, w.cfg.Retry, "check region", func(ctx context.Context) error {
			ok, existsErr := w.regions.Exists(ctx, region)
			watched = ok
			return existsErr
		})
		if err != nil {
			return counters, &restock.PersistenceError{Op: "check region", Err: err}
		}
		if !watched {
			return counters, errRegionRetired
		}
	}

	if w.throttle != nil {
		if err = w.throttle.Wait(ctx); err != nil {
			return counters, &restock.FetchError{Region: region, Err: err}
		}
	}
	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	snapshot, err := session.Fetch(fetchCtx, region)
	cancel()
	if err != nil {
		return counters, &restock.FetchError{Region: region, Err: err}
	}
	counters.Products = len(snapshot)

	var prior restock.StockState
	err = retry.Do(ctx, logger, w.cfg.Retry, "load stock state", func(ctx context.Context) error {
		got, getErr := w.state.Get(ctx, region)
		if getErr != nil {
			return getErr
		}
		prior = got
		return nil
	})
	if err != nil {
		return counters, &restock.PersistenceError{Op: "load state", Err: err}
	}

	next, events := diff.Compute(region, prior, snapshot)
	counters.Restocked = len(events)
	metrics.AddRestockEvents(len(events))

	var report notify.Report
	if len(events) > 0 && w.batcher != nil {
		report = w.batcher.Notify(ctx, region, events)
		counters.Notified = report.Delivered
		counters.LookupFailures = len(report.LookupErrors)
		counters.DeliveryFailures = len(report.DeliveryErrors)
	}

	err = retry.Do(ctx, logger, w.cfg.Retry, "save stock state", func(ctx context.Context) error {
		return w.state.PutAll(ctx, region, next)
	})
	if err != nil {
		return counters, &restock.PersistenceError{Op: "save state", Err: err}
	}

	if len(report.Undelivered) > 0 {
		stored := w.batcher.Stash(ctx, report.Undelivered)
		logger.Info("undelivered notifications stashed",
			zap.Int("undelivered", len(report.Undelivered)),
			zap.Int("stored", stored))
	}
	return counters, nil
}

func deriveFinalState(counters restock.JobCounters, err error) (restock.JobState, string) {
	if errors.Is(err, errRegionRetired) {
		return restock.JobStateCompleted, "skipped: " + err.Error()
	}
	if err != nil {
		return restock.JobStateFailed, err.Error()
	}
	if counters.LookupFailures == 0 && counters.DeliveryFailures == 0 {
		return restock.JobStateCompleted, ""
	}
	return restock.JobStateCompleted, fmt.Sprintf(
		"completed with %d lookup failure(s) and %d delivery failure(s)",
		counters.LookupFailures, counters.DeliveryFailures)
}
