package restock

import (
	"context"
	"time"
)

// PageFetcher returns the current availability snapshot for a region.
type PageFetcher interface {
	Fetch(ctx context.Context, region string) ([]ProductEntry, error)
}

// Session is a PageFetcher backed by an expensive resource (a browser tab,
// a connection) that must be released exactly once.
type Session interface {
	PageFetcher
	// Close releases the session. Implementations give up on a graceful
	// release when ctx is done and tear the resource down forcibly.
	Close(ctx context.Context) error
}

// SessionFactory acquires a fresh Session for a worker.
type SessionFactory interface {
	Acquire(ctx context.Context) (Session, error)
}

// SubscriberDirectory resolves who wants to hear about a product.
type SubscriberDirectory interface {
	SubscribersOf(ctx context.Context, productID string) ([]string, error)
}

// SubscriptionWriter manages subscriptions for directories that accept writes.
type SubscriptionWriter interface {
	Subscribe(ctx context.Context, productID, address string) error
	Unsubscribe(ctx context.Context, productID, address string) error
}

// Notifier delivers one consolidated message.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// RegionDirectory lists regions to scrape and accepts retirement of stale ones.
type RegionDirectory interface {
	ListActive(ctx context.Context) ([]Region, error)
	Delete(ctx context.Context, region string) error
}

// RegionWriter records interest in a region.
type RegionWriter interface {
	Touch(ctx context.Context, region string, at time.Time) error
}

// StateStore persists per-region stock state.
type StateStore interface {
	// Get returns the region's state, or an empty map for an unknown region.
	Get(ctx context.Context, region string) (StockState, error)
	// PutAll replaces the region's state with state.
	PutAll(ctx context.Context, region string, state StockState) error
	DeleteRegion(ctx context.Context, region string) error
}

// JobStore is the job status table.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJobStatus(ctx context.Context, jobID string, state JobState, reason string, counters JobCounters) error
	GetJob(ctx context.Context, jobID string) (Job, error)
}

// Outbox holds notifications whose delivery failed.
type Outbox interface {
	Add(ctx context.Context, pending PendingNotification) error
	Pending(ctx context.Context, limit int, maxAttempts int) ([]PendingNotification, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, errText string) error
}

// Queue provides enqueue/dequeue semantics for scrape jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
