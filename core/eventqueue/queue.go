// Package eventqueue provides the ordered, awaitable queue every concurrent
// loop in the runtime is built on: multiple producers, one consumer, urgent
// prepend, graceful close.
package eventqueue

import (
	"errors"
	"sync"
)

var ErrClosed = errors.New("queue is closed")

// Queue is a multi-producer, single-consumer FIFO with two segments: urgent
// items run ahead of normal items while preserving relative order among
// themselves (urgency reorders only at enqueue time, never mid-flight).
type Queue[T any] struct {
	mu sync.Mutex

	urgent []T
	items  []T

	closed bool

	updateSignal chan struct{}
}

func New[T any]() *Queue[T] {
	return &Queue[T]{
		updateSignal: make(chan struct{}, 1),
	}
}

func (q *Queue[T]) Push(item T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.signalUpdate()
	return nil
}

// PushUrgent appends to the back of the urgent segment, ahead of every
// normal item.
func (q *Queue[T]) PushUrgent(item T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.urgent = append(q.urgent, item)
	q.mu.Unlock()
	q.signalUpdate()
	return nil
}

// Len reports how many items are waiting to be consumed.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.urgent) + len(q.items)
}

// Close stops accepting new items. The consumer still drains whatever was
// queued before the close.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.signalUpdate()
}

func (q *Queue[T]) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Items iterates queued items in order, blocking while the queue is open and
// empty. The iteration ends once the queue is closed and drained, or when the
// consumer breaks out.
func (q *Queue[T]) Items(yield func(T) bool) {
	for {
		q.mu.Lock()
		if len(q.urgent) > 0 {
			item := q.urgent[0]
			q.urgent = q.urgent[1:]
			q.mu.Unlock()
			if !yield(item) {
				return
			}
			continue
		}
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			if !yield(item) {
				return
			}
			continue
		}

		if q.closed {
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		<-q.updateSignal
	}
}

func (q *Queue[T]) signalUpdate() {
	select {
	case q.updateSignal <- struct{}{}:
	default:
	}
}
