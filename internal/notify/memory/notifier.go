// Package memory contains a Notifier that records messages in memory and
// logs them, for tests and local runs.
package memory

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/stockwatch/internal/notify"
	"github.com/JakeFAU/stockwatch/internal/restock"
)

// Notifier stores sent notifications for inspection.
type Notifier struct {
	mu     sync.RWMutex
	sent   []restock.Notification
	logger *zap.Logger
}

// New returns a memory Notifier. A nil logger disables logging.
func New(logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{logger: logger}
}

// Send records n.
func (p *Notifier) Send(_ context.Context, n restock.Notification) error {
	n.Products = append([]restock.RestockedProduct(nil), n.Products...)
	p.mu.Lock()
	p.sent = append(p.sent, n)
	p.mu.Unlock()

	p.logger.Info("notification",
		zap.String("subscriber", n.Address),
		zap.String("region", n.Region),
		zap.String("body", notify.FormatText(n)))
	return nil
}

// Sent returns the recorded notifications.
func (p *Notifier) Sent() []restock.Notification {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]restock.Notification, len(p.sent))
	copy(out, p.sent)
	return out
}
