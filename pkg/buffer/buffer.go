// Package buffer provides the bounded FIFO queue behind every event
// subscription. A full queue applies its overflow policy instead of blocking
// the writer.
package buffer

import "errors"

// ErrFull is returned by Write under the Reject policy when the queue is full
var ErrFull = errors.New("buffer full")

// ErrClosed is returned by Write after Close
var ErrClosed = errors.New("buffer closed")

// OverflowPolicy defines how the buffer behaves when it reaches capacity
type OverflowPolicy int

const (
	// DropOldest evicts the oldest item to make room
	DropOldest OverflowPolicy = iota
	// DropNewest discards the incoming item
	DropNewest
	// Reject refuses the incoming item with ErrFull
	Reject
)

// String returns the policy name used on the wire
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case DropNewest:
		return "drop-newest"
	case Reject:
		return "disconnect"
	default:
		return "unknown"
	}
}

// ParsePolicy parses a wire policy name
func ParsePolicy(s string) (OverflowPolicy, bool) {
	switch s {
	case "drop-oldest", "":
		return DropOldest, true
	case "drop-newest":
		return DropNewest, true
	case "disconnect":
		return Reject, true
	default:
		return DropOldest, false
	}
}

// DropCallback is called, outside the buffer lock, with each dropped item
type DropCallback[T any] func(item T)

// Option configures a Buffer
type Option[T any] func(*Buffer[T])

// WithOverflowPolicy sets the overflow behavior; the default is DropOldest
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(b *Buffer[T]) { b.policy = policy }
}

// WithDropCallback observes dropped items
func WithDropCallback[T any](cb DropCallback[T]) Option[T] {
	return func(b *Buffer[T]) { b.onDrop = cb }
}
