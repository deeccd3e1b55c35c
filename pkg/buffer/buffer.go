// Package buffer provides a generic, thread-safe bounded buffer with
// configurable overflow policies. It is used as the dispatch queue between
// transport read loops and subscriber handlers so that a slow handler never
// blocks the I/O loop.
//
// Statistics are always collected for observability; Prometheus exposure is
// left to the owning component.
package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/nndrao/components-sub001/errors"
)

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest

	// Block causes Write operations to block until space is available.
	Block
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Block:
		return "Block"
	default:
		return "unknown"
	}
}

// Statistics tracks buffer activity using atomic counters.
type Statistics struct {
	Writes    atomic.Int64
	Reads     atomic.Int64
	Drops     atomic.Int64
	Overflows atomic.Int64
	Size      atomic.Int64
}

// Ring is a fixed-capacity circular buffer of T.
type Ring[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	policy   OverflowPolicy
	stats    Statistics

	notFull *sync.Cond
	closed  bool
}

// NewRing creates a ring buffer with the given capacity and overflow policy.
func NewRing[T any](capacity int, policy OverflowPolicy) (*Ring[T], error) {
	if capacity <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Ring", "NewRing", "capacity must be positive")
	}
	r := &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		policy:   policy,
	}
	r.notFull = sync.NewCond(&r.mu)
	return r, nil
}

// Write adds an item according to the overflow policy. With DropNewest the
// item may be silently discarded; the drop is visible in Stats.
func (r *Ring[T]) Write(item T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Ring", "Write", "buffer closed")
	}

	if r.size == r.capacity {
		switch r.policy {
		case DropOldest:
			var zero T
			r.items[r.tail] = zero
			r.tail = (r.tail + 1) % r.capacity
			r.size--
			r.stats.Overflows.Add(1)
			r.stats.Drops.Add(1)

		case DropNewest:
			r.stats.Overflows.Add(1)
			r.stats.Drops.Add(1)
			return nil

		case Block:
			for r.size == r.capacity && !r.closed {
				r.notFull.Wait()
			}
			if r.closed {
				return errors.WrapInvalid(errors.ErrShuttingDown, "Ring", "Write", "buffer closed during wait")
			}
		}
	}

	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	r.size++
	r.stats.Writes.Add(1)
	r.stats.Size.Store(int64(r.size))
	return nil
}

// Read removes and returns the oldest item. The second return value is false
// when the buffer is empty.
func (r *Ring[T]) Read() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}

	item := r.items[r.tail]
	r.items[r.tail] = zero
	r.tail = (r.tail + 1) % r.capacity
	r.size--
	r.stats.Reads.Add(1)
	r.stats.Size.Store(int64(r.size))
	r.notFull.Signal()
	return item, true
}

// ReadBatch removes and returns up to max items in FIFO order.
func (r *Ring[T]) ReadBatch(max int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if max > r.size {
		max = r.size
	}
	if max <= 0 {
		return nil
	}

	out := make([]T, 0, max)
	var zero T
	for i := 0; i < max; i++ {
		out = append(out, r.items[r.tail])
		r.items[r.tail] = zero
		r.tail = (r.tail + 1) % r.capacity
		r.size--
	}
	r.stats.Reads.Add(int64(len(out)))
	r.stats.Size.Store(int64(r.size))
	r.notFull.Broadcast()
	return out
}

// Size returns the current number of buffered items.
func (r *Ring[T]) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Capacity returns the maximum number of items the buffer can hold.
func (r *Ring[T]) Capacity() int {
	return r.capacity
}

// Stats returns the buffer's statistics counters.
func (r *Ring[T]) Stats() *Statistics {
	return &r.stats
}

// Close shuts down the buffer. Blocked writers are released with an error;
// remaining items stay readable so callers can drain on shutdown.
func (r *Ring[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.notFull.Broadcast()
}
