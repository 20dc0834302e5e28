package queue

import (
	"context"
	"fmt"

	"github.com/samshad/bestbuy-product-price-tracker/internal/tracker"
)

// MemoryQueue is a bounded in-process queue for single-binary deployments.
// Delivery is at-most-once: there is no claims tracking, so a crash between
// dequeue and ack loses the message. Nack requeues explicitly.
type MemoryQueue struct {
	items chan tracker.QueueItem
}

// NewMemoryQueue builds a queue holding at most depth pending items.
func NewMemoryQueue(depth int) *MemoryQueue {
	if depth <= 0 {
		depth = 64
	}
	return &MemoryQueue{items: make(chan tracker.QueueItem, depth)}
}

// Enqueue adds the item without blocking; a full queue is reported as
// unavailable so the caller can fail the job instead of hanging the request.
func (q *MemoryQueue) Enqueue(ctx context.Context, item tracker.QueueItem) error {
	select {
	case q.items <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("%w: queue full (depth %d)", tracker.ErrQueueUnavailable, cap(q.items))
	}
}

// Dequeue blocks until an item arrives or ctx is done.
func (q *MemoryQueue) Dequeue(ctx context.Context) (tracker.Delivery, error) {
	select {
	case item := <-q.items:
		return tracker.Delivery{
			Item: item,
			Ack:  func(context.Context) error { return nil },
			Nack: func(ctx context.Context) error {
				item.Attempt++
				return q.Enqueue(ctx, item)
			},
		}, nil
	case <-ctx.Done():
		return tracker.Delivery{}, ctx.Err()
	}
}

// Len reports the current number of pending items.
func (q *MemoryQueue) Len() int {
	return len(q.items)
}
