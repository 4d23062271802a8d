package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/stockwatch/internal/restock"
	"github.com/JakeFAU/stockwatch/internal/retry"
	"github.com/JakeFAU/stockwatch/internal/storage/memory"
)

func TestBatcher_Notify_ConsolidatesPerSubscriber(t *testing.T) {
	t.Parallel()

	dir := newFakeDirectory(map[string][]string{
		"x": {"s@example.com", "t@example.com"},
		"y": {"s@example.com"},
	})
	notifier := newFakeNotifier()
	b := NewBatcher(dir, notifier, Config{}, zap.NewNop())

	report := b.Notify(context.Background(), "110001", []restock.RestockEvent{
		{Region: "110001", ProductID: "x", Name: "Whey"},
		{Region: "110001", ProductID: "y", Name: "Lassi"},
	})

	require.Equal(t, 2, report.Subscribers)
	require.Equal(t, 2, report.Delivered)
	require.Empty(t, report.LookupErrors)
	require.Empty(t, report.DeliveryErrors)

	sent := notifier.sentTo("s@example.com")
	require.Len(t, sent, 1, "exactly one message per subscriber")
	require.Equal(t, "110001", sent[0].Region)
	require.Equal(t, []restock.RestockedProduct{
		{ProductID: "x", Name: "Whey"},
		{ProductID: "y", Name: "Lassi"},
	}, sent[0].Products)
	require.Len(t, notifier.sentTo("t@example.com"), 1)
}

func TestBatcher_Notify_QueriesDirectoryOncePerProduct(t *testing.T) {
	t.Parallel()

	dir := newFakeDirectory(map[string][]string{"x": {"a", "b", "c"}})
	b := NewBatcher(dir, newFakeNotifier(), Config{}, zap.NewNop())

	b.Notify(context.Background(), "r", []restock.RestockEvent{
		{ProductID: "x", Name: "Whey"},
		{ProductID: "x", Name: "Whey"},
	})
	require.Equal(t, 1, dir.callsFor("x"))
}

func TestBatcher_Notify_LookupFailureIsolated(t *testing.T) {
	t.Parallel()

	dir := newFakeDirectory(map[string][]string{
		"x": {"s@example.com"},
		"y": {"u@example.com"},
	})
	dir.fail["x"] = errors.New("directory unavailable")
	notifier := newFakeNotifier()
	b := NewBatcher(dir, notifier, Config{Retry: retry.Policy{Attempts: 2}}, zap.NewNop())

	report := b.Notify(context.Background(), "r", []restock.RestockEvent{
		{ProductID: "x", Name: "Whey"},
		{ProductID: "y", Name: "Lassi"},
	})

	require.Len(t, report.LookupErrors, 1)
	require.ErrorIs(t, report.LookupErrors[0], restock.ErrLookup)
	require.Equal(t, 2, dir.callsFor("x"), "lookup is retried before giving up")
	require.Empty(t, notifier.sentTo("s@example.com"))
	require.Len(t, notifier.sentTo("u@example.com"), 1)
	require.Equal(t, 1, report.Delivered)
}

func TestBatcher_Notify_DeliveryFailureIsolatedAndDeferred(t *testing.T) {
	t.Parallel()

	dir := newFakeDirectory(map[string][]string{"x": {"bad@example.com", "good@example.com"}})
	notifier := newFakeNotifier()
	notifier.fail["bad@example.com"] = errors.New("mailbox full")
	box := memory.NewOutbox()
	b := NewBatcher(dir, notifier, Config{Retry: retry.Policy{Attempts: 3}}, zap.NewNop(),
		WithOutbox(box, &fakeIDGen{}, fakeClock{now: time.Unix(100, 0)}))

	report := b.Notify(context.Background(), "r", []restock.RestockEvent{{ProductID: "x", Name: "Whey"}})

	require.Equal(t, 1, report.Delivered)
	require.Len(t, report.DeliveryErrors, 1)
	require.ErrorIs(t, report.DeliveryErrors[0], restock.ErrDelivery)
	require.Len(t, report.Undelivered, 1)
	require.Equal(t, 3, notifier.attemptsFor("bad@example.com"))
	require.Len(t, notifier.sentTo("good@example.com"), 1)

	pending, err := box.Pending(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Empty(t, pending, "nothing is stored before Stash")

	require.Equal(t, 1, b.Stash(context.Background(), report.Undelivered))
	pending, err = box.Pending(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "bad@example.com", pending[0].Notification.Address)
	require.Contains(t, pending[0].LastError, "mailbox full")
}

func TestBatcher_Stash_WithoutOutboxStoresNothing(t *testing.T) {
	t.Parallel()

	b := NewBatcher(newFakeDirectory(nil), newFakeNotifier(), Config{}, nil)
	stored := b.Stash(context.Background(), []Undelivered{{
		Notification: restock.Notification{Address: "a@example.com"},
		Err:          errors.New("mailbox full"),
	}})
	require.Zero(t, stored)
}

func TestNewBatcher_ZeroRetryUsesDefaultPolicy(t *testing.T) {
	t.Parallel()

	b := NewBatcher(newFakeDirectory(nil), newFakeNotifier(), Config{}, nil)
	require.Equal(t, retry.DefaultPolicy(), b.cfg.Retry)

	custom := retry.Policy{Attempts: 5, Delay: time.Millisecond}
	b = NewBatcher(newFakeDirectory(nil), newFakeNotifier(), Config{Retry: custom}, nil)
	require.Equal(t, custom, b.cfg.Retry)
}

func TestBatcher_Notify_NoEventsNoCalls(t *testing.T) {
	t.Parallel()

	dir := newFakeDirectory(nil)
	notifier := newFakeNotifier()
	report := NewBatcher(dir, notifier, Config{}, nil).Notify(context.Background(), "r", nil)
	require.Zero(t, report.Subscribers)
	require.Zero(t, dir.total())
}

type fakeDirectory struct {
	mu    sync.Mutex
	subs  map[string][]string
	fail  map[string]error
	calls map[string]int
}

func newFakeDirectory(subs map[string][]string) *fakeDirectory {
	return &fakeDirectory{subs: subs, fail: map[string]error{}, calls: map[string]int{}}
}

func (d *fakeDirectory) SubscribersOf(_ context.Context, productID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[productID]++
	if err := d.fail[productID]; err != nil {
		return nil, err
	}
	return append([]string(nil), d.subs[productID]...), nil
}

func (d *fakeDirectory) callsFor(productID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[productID]
}

func (d *fakeDirectory) total() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		n += c
	}
	return n
}

type fakeNotifier struct {
	mu       sync.Mutex
	sent     []restock.Notification
	fail     map[string]error
	attempts map[string]int
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{fail: map[string]error{}, attempts: map[string]int{}}
}

func (n *fakeNotifier) Send(_ context.Context, msg restock.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.attempts[msg.Address]++
	if err := n.fail[msg.Address]; err != nil {
		return err
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *fakeNotifier) sentTo(addr string) []restock.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []restock.Notification
	for _, msg := range n.sent {
		if msg.Address == addr {
			out = append(out, msg)
		}
	}
	return out
}

func (n *fakeNotifier) attemptsFor(addr string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.attempts[addr]
}

type fakeIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *fakeIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return "pending-" + string(rune('0'+g.n)), nil
}

type fakeClock struct {
	now time.Time
}

func (c fakeClock) Now() time.Time {
	return c.now
}
