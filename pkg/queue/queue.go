// Package queue implements the outbound message queue used while a
// connection is unavailable.
//
// Items leave the queue only after the sender confirms them. A failed send
// leaves the item at the head, so order is preserved across retries.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrFull is returned by Enqueue when the queue is at capacity and the
// overflow policy is Reject.
var ErrFull = errors.New("queue: full")

// OverflowPolicy defines how a bounded queue behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest evicts the head to make room for the new item.
	DropOldest OverflowPolicy = iota
	// Reject refuses the new item with ErrFull.
	Reject
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy accepts the names produced by OverflowPolicy.String.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "drop_oldest", "":
		return DropOldest, nil
	case "reject":
		return Reject, nil
	default:
		return 0, fmt.Errorf("queue: unknown overflow policy %q", s)
	}
}

// DropCallback receives items evicted by DropOldest.
type DropCallback[T any] func(item T)

// Statistics are cumulative counters since the queue was created.
type Statistics struct {
	Enqueued int64
	Sent     int64
	Dropped  int64
	Rejected int64
}

type entry[T any] struct {
	seq  uint64
	item T
}

// Queue is a FIFO safe for concurrent use.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []entry[T]
	nextSeq  uint64
	capacity int
	policy   OverflowPolicy
	onDrop   DropCallback[T]
	stats    Statistics

	// flushMu admits one flusher at a time, so an item is never handed to
	// two senders concurrently.
	flushMu sync.Mutex
}

type Option[T any] func(*Queue[T])

// WithCapacity bounds the queue. Zero or negative means unbounded.
func WithCapacity[T any](n int) Option[T] {
	return func(q *Queue[T]) {
		q.capacity = n
	}
}

func WithOverflowPolicy[T any](p OverflowPolicy) Option[T] {
	return func(q *Queue[T]) {
		q.policy = p
	}
}

func WithDropCallback[T any](fn DropCallback[T]) Option[T] {
	return func(q *Queue[T]) {
		q.onDrop = fn
	}
}

// New returns an empty queue. Without options it is unbounded.
func New[T any](opts ...Option[T]) *Queue[T] {
	q := &Queue[T]{}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends item to the tail.
func (q *Queue[T]) Enqueue(item T) error {
	var (
		dropped    T
		hasDropped bool
	)

	q.mu.Lock()
	if q.capacity > 0 && len(q.items) >= q.capacity {
		if q.policy == Reject {
			q.stats.Rejected++
			q.mu.Unlock()
			return ErrFull
		}
		dropped, hasDropped = q.items[0].item, true
		q.items[0] = entry[T]{}
		q.items = q.items[1:]
		q.stats.Dropped++
	}
	q.items = append(q.items, entry[T]{seq: q.nextSeq, item: item})
	q.nextSeq++
	q.stats.Enqueued++
	onDrop := q.onDrop
	q.mu.Unlock()

	if hasDropped && onDrop != nil {
		onDrop(dropped)
	}
	return nil
}

// Flush hands items to send in FIFO order until the queue is empty,
// ctx is done, or send fails.
//
// The head is removed only after send returns nil. On failure the item stays
// at the head and Flush returns the wrapped send error. Items enqueued while
// a flush is running are flushed by the same call.
//
// It returns the number of items successfully sent.
func (q *Queue[T]) Flush(ctx context.Context, send func(context.Context, T) error) (int, error) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	sent := 0
	for {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		head, ok := q.peek()
		if !ok {
			return sent, nil
		}

		if err := send(ctx, head.item); err != nil {
			return sent, fmt.Errorf("queue: flush stopped with %d pending: %w", q.Len(), err)
		}

		q.removeHead(head.seq)
		sent++
	}
}

func (q *Queue[T]) peek() (entry[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return entry[T]{}, false
	}
	return q.items[0], true
}

// removeHead pops the head if it is still the entry that was sent.
// DropOldest may have evicted it while the send was in flight.
func (q *Queue[T]) removeHead(seq uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.stats.Sent++
	if len(q.items) > 0 && q.items[0].seq == seq {
		q.items[0] = entry[T]{}
		q.items = q.items[1:]
	}
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Capacity returns the bound, or 0 when unbounded.
func (q *Queue[T]) Capacity() int {
	return q.capacity
}

// Pending returns a copy of the queued items, head first.
func (q *Queue[T]) Pending() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, len(q.items))
	for i, e := range q.items {
		out[i] = e.item
	}
	return out
}

// Drain removes and returns every queued item, head first.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, len(q.items))
	for i, e := range q.items {
		out[i] = e.item
	}
	q.items = nil
	return out
}

func (q *Queue[T]) Stats() Statistics {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}
