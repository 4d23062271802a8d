package restock

import (
	"errors"
	"fmt"
)

// Sentinels matched by the typed errors below through errors.Is.
var (
	ErrFetch              = errors.New("fetch error")
	ErrLookup             = errors.New("lookup error")
	ErrDelivery           = errors.New("delivery error")
	ErrPersistence        = errors.New("persistence error")
	ErrSessionAcquisition = errors.New("session acquisition error")

	// ErrJobNotFound is returned by job stores for unknown IDs.
	ErrJobNotFound = errors.New("job not found")
	// ErrTerminalJob is returned when a finished job is updated again.
	ErrTerminalJob = errors.New("job already terminal")
	// ErrQueueClosed is returned by queues that no longer hand out work.
	ErrQueueClosed = errors.New("queue closed")
	// ErrRegionNotFound is returned when deleting an unknown region.
	ErrRegionNotFound = errors.New("region not found")
)

// FetchError reports a failed snapshot fetch for a region.
type FetchError struct {
	Region string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch error: region %s: %v", e.Region, e.Err)
}

// Unwrap exposes the cause.
func (e *FetchError) Unwrap() error { return e.Err }

// Is matches ErrFetch.
func (e *FetchError) Is(target error) bool { return target == ErrFetch }

// LookupError reports a failed subscriber lookup for one product.
type LookupError struct {
	ProductID string
	Err       error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("lookup error: product %s: %v", e.ProductID, e.Err)
}

// Unwrap exposes the cause.
func (e *LookupError) Unwrap() error { return e.Err }

// Is matches ErrLookup.
func (e *LookupError) Is(target error) bool { return target == ErrLookup }

// DeliveryError reports a failed delivery to one subscriber.
type DeliveryError struct {
	Address string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery error: subscriber %s: %v", e.Address, e.Err)
}

// Unwrap exposes the cause.
func (e *DeliveryError) Unwrap() error { return e.Err }

// Is matches ErrDelivery.
func (e *DeliveryError) Is(target error) bool { return target == ErrDelivery }

// PersistenceError reports a failed state read or write.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error: %s: %v", e.Op, e.Err)
}

// Unwrap exposes the cause.
func (e *PersistenceError) Unwrap() error { return e.Err }

// Is matches ErrPersistence.
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// SessionAcquisitionError reports that a worker could not obtain a session.
type SessionAcquisitionError struct {
	WorkerID int
	Err      error
}

func (e *SessionAcquisitionError) Error() string {
	return fmt.Sprintf("session acquisition error: worker %d: %v", e.WorkerID, e.Err)
}

// Unwrap exposes the cause.
func (e *SessionAcquisitionError) Unwrap() error { return e.Err }

// Is matches ErrSessionAcquisition.
func (e *SessionAcquisitionError) Is(target error) bool { return target == ErrSessionAcquisition }
