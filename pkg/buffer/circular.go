package buffer

import (
	"context"
	"sync"
	"sync/atomic"
)

// Buffer is a thread-safe ring buffer. Readers wait on Ready, which is
// signalled whenever an item is written.
type Buffer[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	size   int
	closed bool

	policy OverflowPolicy
	onDrop DropCallback[T]
	ready  chan struct{}
	done   chan struct{}

	writes  atomic.Int64
	reads   atomic.Int64
	drops   atomic.Int64
	maxSize atomic.Int64
}

// New creates a buffer holding at most capacity items
func New[T any](capacity int, opts ...Option[T]) *Buffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	b := &Buffer[T]{
		items: make([]T, capacity),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Write appends item, applying the overflow policy when full
func (b *Buffer[T]) Write(item T) error {
	var dropped T
	var haveDropped bool

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}

	capacity := len(b.items)
	if b.size == capacity {
		switch b.policy {
		case Reject:
			b.mu.Unlock()
			return ErrFull
		case DropNewest:
			b.mu.Unlock()
			b.drops.Add(1)
			if b.onDrop != nil {
				b.onDrop(item)
			}
			return nil
		default:
			var zero T
			dropped, haveDropped = b.items[b.head], true
			b.items[b.head] = zero
			b.head = (b.head + 1) % capacity
			b.size--
		}
	}

	b.items[(b.head+b.size)%capacity] = item
	b.size++
	if int64(b.size) > b.maxSize.Load() {
		b.maxSize.Store(int64(b.size))
	}
	b.mu.Unlock()

	b.writes.Add(1)
	if haveDropped {
		b.drops.Add(1)
		if b.onDrop != nil {
			b.onDrop(dropped)
		}
	}

	select {
	case b.ready <- struct{}{}:
	default:
	}
	return nil
}

// Read removes the oldest item
func (b *Buffer[T]) Read() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	if b.size == 0 {
		return zero, false
	}
	item := b.items[b.head]
	b.items[b.head] = zero
	b.head = (b.head + 1) % len(b.items)
	b.size--
	b.reads.Add(1)
	return item, true
}

// ReadBatch removes up to max items in order
func (b *Buffer[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	n := min(max, b.size)
	if n == 0 {
		return nil
	}
	out := make([]T, n)
	var zero T
	for i := 0; i < n; i++ {
		out[i] = b.items[b.head]
		b.items[b.head] = zero
		b.head = (b.head + 1) % len(b.items)
	}
	b.size -= n
	b.reads.Add(int64(n))
	return out
}

// ReadContext blocks until an item is available, the buffer closes, or ctx ends
func (b *Buffer[T]) ReadContext(ctx context.Context) (T, error) {
	for {
		if item, ok := b.Read(); ok {
			return item, nil
		}
		select {
		case <-b.ready:
		case <-b.done:
			if item, ok := b.Read(); ok {
				return item, nil
			}
			var zero T
			return zero, ErrClosed
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Ready is signalled after writes; a receive does not guarantee an item
func (b *Buffer[T]) Ready() <-chan struct{} {
	return b.ready
}

// Done is closed by Close
func (b *Buffer[T]) Done() <-chan struct{} {
	return b.done
}

// Size returns the number of queued items
func (b *Buffer[T]) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Capacity returns the maximum number of items
func (b *Buffer[T]) Capacity() int {
	return len(b.items)
}

// Policy returns the overflow policy
func (b *Buffer[T]) Policy() OverflowPolicy {
	return b.policy
}

// Close rejects further writes; queued items can still be read
func (b *Buffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}

// Stats is a snapshot of buffer counters
type Stats struct {
	Writes  int64 `json:"writes"`
	Reads   int64 `json:"reads"`
	Drops   int64 `json:"drops"`
	MaxSize int64 `json:"max_size"`
}

// Stats returns the buffer counters
func (b *Buffer[T]) Stats() Stats {
	return Stats{
		Writes:  b.writes.Load(),
		Reads:   b.reads.Load(),
		Drops:   b.drops.Load(),
		MaxSize: b.maxSize.Load(),
	}
}
