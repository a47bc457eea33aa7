// Package buffer provides a generic, thread-safe bounded buffer for event delivery.
//
// The buffer is a fixed-size ring with configurable overflow policies
// (DropOldest, DropNewest). Statistics are always collected for observability;
// Prometheus metrics are optional via the WithMetrics functional option.
package buffer

// Buffer is a generic bounded buffer parameterized by item type T.
type Buffer[T any] interface {
	// Write adds an item to the buffer. Behavior when the buffer is full
	// depends on the overflow policy.
	Write(item T) error

	// Read retrieves and removes one item from the buffer.
	// Returns the zero value and false if the buffer is empty.
	Read() (T, bool)

	// ReadBatch retrieves and removes up to max items from the buffer.
	// The returned slice may be shorter than max.
	ReadBatch(max int) []T

	// Peek retrieves one item without removing it.
	Peek() (T, bool)

	// Size returns the current number of items in the buffer.
	Size() int

	// Capacity returns the maximum number of items the buffer can hold.
	Capacity() int

	// IsFull returns true if the buffer is at capacity.
	IsFull() bool

	// IsEmpty returns true if the buffer contains no items.
	IsEmpty() bool

	// Clear removes all items from the buffer.
	Clear()

	// Stats returns buffer statistics (always available).
	Stats() *Statistics

	// Close shuts down the buffer. Further writes fail; reads drain
	// remaining items.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback is called with each item dropped due to the overflow policy.
type DropCallback[T any] func(item T)

// NewRing creates a new ring buffer with the specified capacity and options.
// Statistics are always collected; metrics are optional via WithMetrics().
// Returns an error if metrics registration fails when metrics are requested.
func NewRing[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newRing(capacity, opts)
}
