package restock

import "time"

// JobState represents the lifecycle state of a scrape job.
type JobState string

// Job states recorded in the job store.
const (
	JobStateQueued     JobState = "queued"
	JobStateInProgress JobState = "in_progress"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// ProductEntry is one availability observation produced by a PageFetcher.
type ProductEntry struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	SoldOut   bool   `json:"sold_out"`
}

// StockState maps product IDs to their last known sold-out flag for one region.
type StockState map[string]bool

// Clone returns an independent copy of the state. A nil state clones to an
// empty, non-nil map.
func (s StockState) Clone() StockState {
	out := make(StockState, len(s))
	for id, soldOut := range s {
		out[id] = soldOut
	}
	return out
}

// StockRecord is the persisted form of a single (region, product) observation.
type StockRecord struct {
	Region    string    `json:"region"`
	ProductID string    `json:"product_id"`
	SoldOut   bool      `json:"sold_out"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RestockEvent signals that a product went from sold out to available.
type RestockEvent struct {
	Region    string `json:"region"`
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
}

// RestockedProduct is the per-product payload carried in a notification.
type RestockedProduct struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
}

// Notification is one consolidated message for a single subscriber.
type Notification struct {
	Address  string             `json:"address"`
	Region   string             `json:"region"`
	Products []RestockedProduct `json:"products"`
}

// PendingNotification is an outbox record for a delivery that has not
// succeeded yet.
type PendingNotification struct {
	ID           string       `json:"id"`
	Notification Notification `json:"notification"`
	Attempts     int          `json:"attempts"`
	LastError    string       `json:"last_error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	DeliveredAt  *time.Time   `json:"delivered_at,omitempty"`
}

// Region is a scrape target together with the last time anyone showed
// interest in it.
type Region struct {
	Code             string    `json:"region"`
	LastInteractedAt time.Time `json:"last_interacted_at"`
}

// Job is the status-table entry for one scrape cycle.
type Job struct {
	ID         string      `json:"job_id"`
	Region     string      `json:"region"`
	State      JobState    `json:"status"`
	Reason     string      `json:"reason,omitempty"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Counters   JobCounters `json:"counters"`
}

// JobCounters summarises what a cycle observed and delivered.
type JobCounters struct {
	Products         int `json:"products"`
	Restocked        int `json:"restocked"`
	Notified         int `json:"notified"`
	LookupFailures   int `json:"lookup_failures"`
	DeliveryFailures int `json:"delivery_failures"`
}

// QueueItem is a unit of work handed to a worker. A Stop item tells the
// receiving worker to exit once it is dequeued.
type QueueItem struct {
	JobID  string
	Region string
	Stop   bool
}
