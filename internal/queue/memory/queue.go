// Package memory provides the in-process job queue shared by the dispatcher
// and its workers.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/stockwatch/internal/restock"
)

// ErrClosed is returned once the queue has been closed and drained.
var ErrClosed = restock.ErrQueueClosed

// Queue is a bounded in-memory queue with context-aware operations. Each item
// is received by exactly one Dequeue caller.
type Queue struct {
	ch        chan restock.QueueItem
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch:   make(chan restock.QueueItem, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes an item into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, item restock.QueueItem) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next item, respecting context cancellation. Items already
// buffered are still handed out after Close.
func (q *Queue) Dequeue(ctx context.Context) (restock.QueueItem, error) {
	select {
	case item := <-q.ch:
		return item, nil
	default:
	}
	select {
	case <-ctx.Done():
		return restock.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item := <-q.ch:
		return item, nil
	case <-q.done:
		select {
		case item := <-q.ch:
			return item, nil
		default:
			return restock.QueueItem{}, ErrClosed
		}
	}
}

// Len reports how many items are buffered.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops further enqueues and wakes blocked consumers.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}
