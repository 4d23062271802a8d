// Package notify consolidates restock events into one message per subscriber
// and hands them to a Notifier.
package notify

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/stockwatch/internal/metrics"
	"github.com/JakeFAU/stockwatch/internal/restock"
	"github.com/JakeFAU/stockwatch/internal/retry"
)

// Config tunes the batcher. A zero Retry means retry.DefaultPolicy.
type Config struct {
	Retry retry.Policy
}

// Undelivered is a notification that exhausted its delivery attempts.
type Undelivered struct {
	Notification restock.Notification
	Err          error
}

// Report summarises one Notify call.
type Report struct {
	Subscribers    int
	Delivered      int
	LookupErrors   []error
	DeliveryErrors []error
	Undelivered    []Undelivered
}

// Batcher builds the subscriber index for a batch of events and delivers one
// notification per subscriber.
type Batcher struct {
	directory restock.SubscriberDirectory
	notifier  restock.Notifier
	outbox    restock.Outbox
	idGen     restock.IDGenerator
	clock     restock.Clock
	cfg       Config
	logger    *zap.Logger
}

// Option customises a Batcher.
type Option func(*Batcher)

// WithOutbox stores failed deliveries for later redelivery.
func WithOutbox(outbox restock.Outbox, idGen restock.IDGenerator, clock restock.Clock) Option {
	return func(b *Batcher) {
		b.outbox = outbox
		b.idGen = idGen
		b.clock = clock
	}
}

// NewBatcher constructs a Batcher.
func NewBatcher(
	directory restock.SubscriberDirectory,
	notifier restock.Notifier,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Batcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	b := &Batcher{
		directory: directory,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Notify resolves subscribers for every distinct product in events and sends
// each subscriber a single message listing all of their restocked products.
// A failed lookup only skips that product; a failed delivery only affects
// that subscriber. Failed notifications are listed in Report.Undelivered and
// are not stored anywhere until Stash is called.
func (b *Batcher) Notify(ctx context.Context, region string, events []restock.RestockEvent) Report {
	var report Report
	if len(events) == 0 {
		return report
	}

	index := make(map[string][]restock.RestockedProduct)
	queried := make(map[string]struct{}, len(events))
	for _, ev := range events {
		if _, done := queried[ev.ProductID]; done {
			continue
		}
		queried[ev.ProductID] = struct{}{}

		subscribers, err := b.lookup(ctx, ev.ProductID)
		if err != nil {
			lookupErr := &restock.LookupError{ProductID: ev.ProductID, Err: err}
			report.LookupErrors = append(report.LookupErrors, lookupErr)
			metrics.ObserveLookupFailure()
			b.logger.Warn("subscriber lookup failed; skipping product",
				zap.String("region", region),
				zap.String("product_id", ev.ProductID),
				zap.Error(err))
			continue
		}
		product := restock.RestockedProduct{ProductID: ev.ProductID, Name: ev.Name}
		for _, addr := range subscribers {
			if addr == "" {
				continue
			}
			index[addr] = append(index[addr], product)
		}
	}

	addresses := make([]string, 0, len(index))
	for addr := range index {
		addresses = append(addresses, addr)
	}
	sort.Strings(addresses)
	report.Subscribers = len(addresses)

	for _, addr := range addresses {
		n := restock.Notification{Address: addr, Region: region, Products: index[addr]}
		if err := b.deliver(ctx, n); err != nil {
			deliveryErr := &restock.DeliveryError{Address: addr, Err: err}
			report.DeliveryErrors = append(report.DeliveryErrors, deliveryErr)
			metrics.ObserveNotification("failed")
			b.logger.Warn("notification delivery failed",
				zap.String("region", region),
				zap.String("subscriber", addr),
				zap.Int("products", len(n.Products)),
				zap.Error(err))
			report.Undelivered = append(report.Undelivered, Undelivered{Notification: n, Err: err})
			continue
		}
		report.Delivered++
		metrics.ObserveNotification("delivered")
	}

	b.logger.Info("restock notifications dispatched",
		zap.String("region", region),
		zap.Int("events", len(events)),
		zap.Int("subscribers", report.Subscribers),
		zap.Int("delivered", report.Delivered),
		zap.Int("lookup_failures", len(report.LookupErrors)),
		zap.Int("delivery_failures", len(report.DeliveryErrors)))
	return report
}

func (b *Batcher) lookup(ctx context.Context, productID string) ([]string, error) {
	var subscribers []string
	err := retry.Do(ctx, b.logger, b.cfg.Retry, "subscriber lookup", func(ctx context.Context) error {
		subs, err := b.directory.SubscribersOf(ctx, productID)
		if err != nil {
			return err
		}
		subscribers = subs
		return nil
	})
	return subscribers, err
}

func (b *Batcher) deliver(ctx context.Context, n restock.Notification) error {
	return retry.Do(ctx, b.logger, b.cfg.Retry, "notification delivery", func(ctx context.Context) error {
		return b.notifier.Send(ctx, n)
	})
}

// Stash writes undelivered notifications to the outbox for later redelivery
// and returns how many were stored. Workers call it only after the cycle's
// stock state is saved, so a cycle that is retried never leaves a queued
// copy of its notifications behind. Without an outbox it stores nothing.
func (b *Batcher) Stash(ctx context.Context, undelivered []Undelivered) int {
	if b.outbox == nil || b.idGen == nil || b.clock == nil {
		return 0
	}
	stored := 0
	for _, u := range undelivered {
		if b.stash(ctx, u.Notification, u.Err) {
			stored++
		}
	}
	return stored
}

func (b *Batcher) stash(ctx context.Context, n restock.Notification, cause error) bool {
	id, err := b.idGen.NewID()
	if err != nil {
		b.logger.Error("failed to allocate outbox id", zap.Error(err))
		return false
	}
	pending := restock.PendingNotification{
		ID:           id,
		Notification: n,
		LastError:    cause.Error(),
		CreatedAt:    b.clock.Now(),
	}
	if err := b.outbox.Add(ctx, pending); err != nil {
		b.logger.Error("failed to store pending notification",
			zap.String("subscriber", n.Address),
			zap.Error(fmt.Errorf("outbox add: %w", err)))
		return false
	}
	return true
}
