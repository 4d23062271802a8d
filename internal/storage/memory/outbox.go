package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/stockwatch/internal/restock"
)

// ErrPendingNotFound is returned for unknown outbox IDs.
var ErrPendingNotFound = errors.New("pending notification not found")

// Outbox holds undelivered notifications in memory.
type Outbox struct {
	mu      sync.Mutex
	entries map[string]restock.PendingNotification
}

// NewOutbox creates an empty Outbox.
func NewOutbox() *Outbox {
	return &Outbox{entries: make(map[string]restock.PendingNotification)}
}

// Add stores pending. Re-adding an existing ID overwrites it.
func (o *Outbox) Add(_ context.Context, pending restock.PendingNotification) error {
	if pending.ID == "" {
		return errors.New("pending notification id is required")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries[pending.ID] = clonePending(pending)
	return nil
}

// Pending returns up to limit undelivered entries with fewer than maxAttempts
// attempts, oldest first.
func (o *Outbox) Pending(_ context.Context, limit int, maxAttempts int) ([]restock.PendingNotification, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]restock.PendingNotification, 0, len(o.entries))
	for _, p := range o.entries {
		if p.DeliveredAt != nil {
			continue
		}
		if maxAttempts > 0 && p.Attempts >= maxAttempts {
			continue
		}
		out = append(out, clonePending(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkDelivered records a successful delivery.
func (o *Outbox) MarkDelivered(_ context.Context, id string, at time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.entries[id]
	if !ok {
		return ErrPendingNotFound
	}
	p.Attempts++
	p.LastError = ""
	p.DeliveredAt = pointerTime(at)
	o.entries[id] = p
	return nil
}

// MarkFailed records one more failed attempt.
func (o *Outbox) MarkFailed(_ context.Context, id string, errText string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.entries[id]
	if !ok {
		return ErrPendingNotFound
	}
	p.Attempts++
	p.LastError = errText
	o.entries[id] = p
	return nil
}

// Get returns the entry for id.
func (o *Outbox) Get(id string) (restock.PendingNotification, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.entries[id]
	return clonePending(p), ok
}

func clonePending(p restock.PendingNotification) restock.PendingNotification {
	p.Notification.Products = append([]restock.RestockedProduct(nil), p.Notification.Products...)
	if p.DeliveredAt != nil {
		p.DeliveredAt = pointerTime(*p.DeliveredAt)
	}
	return p
}
