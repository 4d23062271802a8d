// Package lifecycle decides, on each orchestration tick, which regions get a
// scrape job and which are retired for inactivity.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stockwatch/internal/metrics"
	"github.com/JakeFAU/stockwatch/internal/restock"
	"github.com/JakeFAU/stockwatch/internal/retry"
)

// DefaultRetireAfter is how long a region may go without interaction before
// it is retired.
const DefaultRetireAfter = 7 * 24 * time.Hour

// Enqueuer accepts scrape requests.
type Enqueuer interface {
	Enqueue(ctx context.Context, region string) (string, error)
}

// Locker serializes work on one region. Lock blocks until the region is free
// and returns the matching unlock.
type Locker interface {
	Lock(region string) func()
}

type noLocks struct{}

func (noLocks) Lock(string) func() { return func() {} }

// Config tunes the manager.
type Config struct {
	RetireAfter time.Duration
	Interval    time.Duration
	RunOnStart  bool
	Retry       retry.Policy
}

// EnqueuedJob pairs a region with the job created for it.
type EnqueuedJob struct {
	Region string `json:"region"`
	JobID  string `json:"job_id"`
}

// TickReport describes the outcome of one tick.
type TickReport struct {
	Jobs    []EnqueuedJob `json:"jobs"`
	Retired []string      `json:"retired"`
	Errors  []error       `json:"-"`
}

// Manager drives scrape scheduling and region retirement.
type Manager struct {
	regions  restock.RegionDirectory
	state    restock.StateStore
	enqueuer Enqueuer
	locks    Locker
	clock    restock.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Manager. locks must be the ones the workers hold while a
// scrape cycle runs, so a retirement never interleaves with a cycle.
func New(
	regions restock.RegionDirectory,
	state restock.StateStore,
	enqueuer Enqueuer,
	locks Locker,
	clock restock.Clock,
	cfg Config,
	logger *zap.Logger,
) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locks == nil {
		locks = noLocks{}
	}
	if cfg.RetireAfter <= 0 {
		cfg.RetireAfter = DefaultRetireAfter
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	return &Manager{
		regions:  regions,
		state:    state,
		enqueuer: enqueuer,
		locks:    locks,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Tick enqueues a job for every region touched within RetireAfter and retires
// the rest. A failure on one region is recorded and the tick moves on; only a
// failure to list regions aborts it.
func (m *Manager) Tick(ctx context.Context) (TickReport, error) {
	report := TickReport{Jobs: []EnqueuedJob{}, Retired: []string{}}

	var regions []restock.Region
	err := retry.Do(ctx, m.logger, m.cfg.Retry, "list regions", func(ctx context.Context) error {
		listed, err := m.regions.ListActive(ctx)
		if err != nil {
			return err
		}
		regions = listed
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("list regions: %w", err)
	}

	now := m.clock.Now()
	for _, r := range regions {
		if now.Sub(r.LastInteractedAt) > m.cfg.RetireAfter {
			if err := m.retire(ctx, r.Code); err != nil {
				report.Errors = append(report.Errors, err)
				m.logger.Error("region retirement failed", zap.String("region", r.Code), zap.Error(err))
				continue
			}
			report.Retired = append(report.Retired, r.Code)
			metrics.ObserveRegionRetired()
			m.logger.Info("region retired",
				zap.String("region", r.Code),
				zap.Time("last_interacted_at", r.LastInteractedAt))
			continue
		}

		jobID, err := m.enqueuer.Enqueue(ctx, r.Code)
		if err != nil {
			err = fmt.Errorf("enqueue region %s: %w", r.Code, err)
			report.Errors = append(report.Errors, err)
			m.logger.Error("region enqueue failed", zap.String("region", r.Code), zap.Error(err))
			continue
		}
		report.Jobs = append(report.Jobs, EnqueuedJob{Region: r.Code, JobID: jobID})
	}

	m.logger.Info("lifecycle tick finished",
		zap.Int("regions", len(regions)),
		zap.Int("enqueued", len(report.Jobs)),
		zap.Int("retired", len(report.Retired)),
		zap.Int("errors", len(report.Errors)))
	return report, nil
}

// Retire removes region from the directory and drops its stock state.
func (m *Manager) Retire(ctx context.Context, region string) error {
	return m.retire(ctx, region)
}

func (m *Manager) retire(ctx context.Context, region string) error {
	unlock := m.locks.Lock(region)
	defer unlock()

	err := retry.Do(ctx, m.logger, m.cfg.Retry, "delete region", func(ctx context.Context) error {
		if err := m.regions.Delete(ctx, region); err != nil {
			if errors.Is(err, restock.ErrRegionNotFound) {
				return retry.Permanent(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete region %s: %w", region, err)
	}
	err = retry.Do(ctx, m.logger, m.cfg.Retry, "delete stock state", func(ctx context.Context) error {
		return m.state.DeleteRegion(ctx, region)
	})
	if err != nil {
		return &restock.PersistenceError{Op: "delete state for region " + region, Err: err}
	}
	return nil
}

// Run ticks every Interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	if m.cfg.RunOnStart {
		m.runTick(ctx)
	}
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("lifecycle manager stopped")
			return
		case <-ticker.C:
			m.runTick(ctx)
		}
	}
}

func (m *Manager) runTick(ctx context.Context) {
	if _, err := m.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error("lifecycle tick failed", zap.Error(err))
	}
}
