// Package outbox redelivers notifications whose first delivery failed, on a
// schedule independent of the scrape cycle.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stockwatch/internal/metrics"
	"github.com/JakeFAU/stockwatch/internal/restock"
)

// Config tunes redelivery.
type Config struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
}

// Dispatcher drains the outbox through a Notifier.
type Dispatcher struct {
	outbox   restock.Outbox
	notifier restock.Notifier
	clock    restock.Clock
	cfg      Config
	logger   *zap.Logger
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(
	outbox restock.Outbox,
	notifier restock.Notifier,
	clock restock.Clock,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Dispatcher{
		outbox:   outbox,
		notifier: notifier,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// DispatchOnce attempts one batch and returns how many were delivered.
// Bookkeeping failures are joined into the returned error; delivery failures
// are recorded on the entry instead.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	batch, err := d.outbox.Pending(ctx, d.cfg.BatchSize, d.cfg.MaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("load pending notifications: %w", err)
	}
	metrics.SetOutboxPending(len(batch))
	if len(batch) == 0 {
		return 0, nil
	}

	var errs []error
	delivered := 0
	for _, p := range batch {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if sendErr := d.notifier.Send(ctx, p.Notification); sendErr != nil {
			metrics.ObserveNotification("redelivery_failed")
			attempts := p.Attempts + 1
			fields := []zap.Field{
				zap.String("pending_id", p.ID),
				zap.String("subscriber", p.Notification.Address),
				zap.Int("attempts", attempts),
				zap.Error(sendErr),
			}
			if attempts >= d.cfg.MaxAttempts {
				d.logger.Error("giving up on pending notification", fields...)
			} else {
				d.logger.Warn("pending notification redelivery failed", fields...)
			}
			if err := d.outbox.MarkFailed(ctx, p.ID, sendErr.Error()); err != nil {
				errs = append(errs, fmt.Errorf("mark %s failed: %w", p.ID, err))
			}
			continue
		}
		if err := d.outbox.MarkDelivered(ctx, p.ID, d.clock.Now()); err != nil {
			errs = append(errs, fmt.Errorf("mark %s delivered: %w", p.ID, err))
			continue
		}
		metrics.ObserveNotification("redelivered")
		delivered++
	}
	return delivered, errors.Join(errs...)
}

// Run calls DispatchOnce every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("outbox dispatcher stopped")
			return
		case <-ticker.C:
			n, err := d.DispatchOnce(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error("outbox dispatch failed", zap.Error(err))
			} else if n > 0 {
				d.logger.Info("outbox redelivered notifications", zap.Int("delivered", n))
			}
		}
	}
}
