package workers

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Queue is a bounded FIFO shared by the workers of a Pool. Once marked
// draining it accepts no further items, and workers exit when it is empty.
type Queue[T any] struct {
	items    chan T
	draining atomic.Bool
}

// NewQueue creates a queue holding at most capacity items.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{items: make(chan T, capacity)}
}

// Put enqueues item without blocking.
func (q *Queue[T]) Put(item T) error {
	if q.draining.Load() {
		return fmt.Errorf("queue is draining")
	}
	select {
	case q.items <- item:
		return nil
	default:
		return fmt.Errorf("queue is full")
	}
}

// Get waits up to timeout for the next item.
func (q *Queue[T]) Get(timeout time.Duration) (T, bool) {
	select {
	case item := <-q.items:
		return item, true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case item := <-q.items:
		return item, true
	case <-timer.C:
		var zero T
		return zero, false
	}
}

// MarkDraining records that no more items will be added.
func (q *Queue[T]) MarkDraining() {
	q.draining.Store(true)
}

// Draining reports whether MarkDraining was called.
func (q *Queue[T]) Draining() bool {
	return q.draining.Load()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Drain removes and returns every queued item.
func (q *Queue[T]) Drain() []T {
	var out []T
	for {
		select {
		case item := <-q.items:
			out = append(out, item)
		default:
			return out
		}
	}
}
