// Package workqueue implements a FIFO of pending work items with a
// coalescing wakeup, so that a single consumer goroutine can drain bursts of
// pushes in one pass.
package workqueue

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Queue holds pending items of type T. The zero value is not usable; create
// queues with New.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T

	// kick has a buffer of one: any number of pushes between two drains
	// produce a single wakeup.
	kick chan struct{}
}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{kick: make(chan struct{}, 1)}
}

// Push appends item and wakes the consumer.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Pop removes and returns the oldest item.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return item, true
}

// Len returns the number of pending items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Run calls process each time the queue is kicked, until ctx is done. When
// limiter is non-nil, every call waits for a token first; pushes arriving in
// the meantime are folded into the same pass.
func (q *Queue[T]) Run(ctx context.Context, limiter *rate.Limiter, process func(context.Context)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.kick:
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}
		process(ctx)
	}
}
