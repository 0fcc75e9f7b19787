// Package queue provides the bounded FIFO queue shared by producers and the
// background consumers of the delivery pipeline.
//
// The queue never grows past its capacity. When it is full, room is made by
// evicting the oldest item that has never been attempted; items re-queued
// with PutFront after a failed attempt are never evicted.
package queue

import (
	"context"
	"sync"
	"time"

	pkgerrors "github.com/jdziat/tracestream/pkg/errors"
)

// Config configures a Queue.
type Config[T any] struct {
	// MaxSize is the capacity. Zero or negative means unbounded.
	MaxSize int

	// OnEvict is called, without the queue lock held, for every item removed
	// to make room, and for every new item rejected because only attempted
	// items remain.
	OnEvict func(item T)

	// Monitor, if set, is updated with the queue length after every change.
	Monitor *Monitor
}

type entry[T any] struct {
	item      T
	attempted bool
}

// Queue is a thread-safe FIFO with a capacity ceiling.
type Queue[T any] struct {
	maxSize int
	onEvict func(T)
	monitor *Monitor

	mu       sync.Mutex
	items    []entry[T]
	inFlight int
	closed   bool

	notify chan struct{}
	done   chan struct{}
}

// New creates a queue.
func New[T any](cfg Config[T]) *Queue[T] {
	maxSize := cfg.MaxSize
	if maxSize < 0 {
		maxSize = 0
	}
	return &Queue[T]{
		maxSize: maxSize,
		onEvict: cfg.OnEvict,
		monitor: cfg.Monitor,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Put appends item at the tail. If the queue is full the oldest
// never-attempted item is evicted first. If every queued item has already
// been attempted, item itself is rejected with ErrQueueFull.
// Put returns ErrClosed after Close.
func (q *Queue[T]) Put(item T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return pkgerrors.ErrClosed
	}

	var (
		evicted    T
		hasEvicted bool
	)
	if q.full() {
		evicted, hasEvicted = q.evictOldestNew()
		if !hasEvicted {
			size := len(q.items)
			q.mu.Unlock()
			q.report(item, size)
			return pkgerrors.ErrQueueFull
		}
	}

	q.items = append(q.items, entry[T]{item: item})
	size := len(q.items)
	q.mu.Unlock()

	q.signal()
	if hasEvicted {
		q.report(evicted, size)
	} else {
		q.update(size)
	}
	return nil
}

// PutFront re-queues an attempted item at the head so it is retried before
// anything queued after it. The item is marked attempted and is never
// evicted. PutFront is accepted after Close so retries are not lost while
// the queue drains.
//
// If the queue is full the oldest never-attempted item is evicted. If none
// exists PutFront returns ErrQueueFull; with pop-before-requeue usage this
// cannot happen because the caller's own Get freed a slot.
func (q *Queue[T]) PutFront(item T) error {
	q.mu.Lock()

	var (
		evicted    T
		hasEvicted bool
	)
	if q.full() {
		evicted, hasEvicted = q.evictOldestNew()
		if !hasEvicted {
			q.mu.Unlock()
			return pkgerrors.ErrQueueFull
		}
	}

	q.items = append(q.items, entry[T]{})
	copy(q.items[1:], q.items)
	q.items[0] = entry[T]{item: item, attempted: true}
	size := len(q.items)
	q.mu.Unlock()

	q.signal()
	if hasEvicted {
		q.report(evicted, size)
	} else {
		q.update(size)
	}
	return nil
}

// Get removes and returns the head item. It waits up to timeout for an item
// to arrive and returns false if none did, if ctx is done, or if the queue
// is closed and empty. Every successful Get must be followed by Done.
func (q *Queue[T]) Get(ctx context.Context, timeout time.Duration) (T, bool) {
	var (
		zero  T
		timer *time.Timer
	)
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			e := q.items[0]
			q.items[0] = entry[T]{}
			q.items = q.items[1:]
			if len(q.items) == 0 {
				q.items = nil
			}
			q.inFlight++
			size := len(q.items)
			q.mu.Unlock()

			if size > 0 {
				q.signal()
			}
			q.update(size)
			return e.item, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed || timeout <= 0 {
			return zero, false
		}
		if timer == nil {
			timer = time.NewTimer(timeout)
			defer timer.Stop()
		}

		select {
		case <-q.notify:
		case <-q.done:
		case <-timer.C:
			return zero, false
		case <-ctx.Done():
			return zero, false
		}
	}
}

// Done marks an item returned by Get as finished.
func (q *Queue[T]) Done() {
	q.mu.Lock()
	if q.inFlight > 0 {
		q.inFlight--
	}
	q.mu.Unlock()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Unfinished returns queued items plus items taken by Get and not yet Done.
func (q *Queue[T]) Unfinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + q.inFlight
}

// Cap returns the capacity, or zero for an unbounded queue.
func (q *Queue[T]) Cap() int {
	return q.maxSize
}

// Close stops accepting new items. Queued items remain available to Get.
// Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Drain removes and returns every queued item.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	items := make([]T, len(q.items))
	for i, e := range q.items {
		items[i] = e.item
	}
	q.items = nil
	q.mu.Unlock()

	q.update(0)
	return items
}

func (q *Queue[T]) full() bool {
	return q.maxSize > 0 && len(q.items) >= q.maxSize
}

// evictOldestNew removes the oldest never-attempted item. Caller holds mu.
func (q *Queue[T]) evictOldestNew() (T, bool) {
	for i, e := range q.items {
		if e.attempted {
			continue
		}
		copy(q.items[i:], q.items[i+1:])
		q.items[len(q.items)-1] = entry[T]{}
		q.items = q.items[:len(q.items)-1]
		return e.item, true
	}
	var zero T
	return zero, false
}

func (q *Queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) report(item T, size int) {
	if q.monitor != nil {
		q.monitor.RecordDrop()
	}
	q.update(size)
	if q.onEvict != nil {
		q.onEvict(item)
	}
}

func (q *Queue[T]) update(size int) {
	if q.monitor != nil {
		q.monitor.Update(size)
	}
}
