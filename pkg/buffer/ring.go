package buffer

import (
	"sync"

	"github.com/c360/flagrelay/errors"
)

// ring is a thread-safe fixed-size ring buffer with configurable overflow
// policies. It backs the delivery queue, so reads must keep working after
// Close to let shutdown drain pending items.
type ring[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	stats    *Statistics
	metrics  *bufferMetrics
	opts     *bufferOptions[T]
	closed   bool
}

func newRing[T any](capacity int, opts *bufferOptions[T]) (*ring[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	var metrics *bufferMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newBufferMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "newRing", "metrics registration")
		}
	}

	return &ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		metrics:  metrics,
		opts:     opts,
	}, nil
}

// Write adds an item to the buffer according to the overflow policy. The
// drop callback runs after the mutex is released so it may reenter the
// buffer.
func (r *ring[T]) Write(item T) error {
	var dropped *T

	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write", "buffer closed")
	}

	if r.size == r.capacity {
		r.stats.Overflow()
		r.stats.Drop()
		if r.metrics != nil {
			r.metrics.recordOverflow()
			r.metrics.recordDrop()
		}

		switch r.opts.overflowPolicy {
		case DropOldest:
			old := r.items[r.tail]
			r.tail = (r.tail + 1) % r.capacity
			r.size--
			dropped = &old

		case DropNewest:
			r.mu.Unlock()
			if r.opts.dropCallback != nil {
				r.opts.dropCallback(item)
			}
			return nil
		}
	}

	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	r.size++

	r.stats.Write()
	r.stats.UpdateSize(int64(r.size))
	if r.metrics != nil {
		r.metrics.recordWrite(r.size, r.capacity)
	}

	r.mu.Unlock()
	if dropped != nil && r.opts.dropCallback != nil {
		r.opts.dropCallback(*dropped)
	}

	return nil
}

// Read retrieves and removes one item from the buffer.
func (r *ring[T]) Read() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}

	item := r.items[r.tail]
	r.items[r.tail] = zero // clear for GC
	r.tail = (r.tail + 1) % r.capacity
	r.size--

	r.stats.Read()
	r.stats.UpdateSize(int64(r.size))
	if r.metrics != nil {
		r.metrics.recordRead(r.size, r.capacity)
	}

	return item, true
}

// ReadBatch retrieves and removes up to max items from the buffer.
func (r *ring[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return nil
	}

	readCount := max
	if readCount > r.size {
		readCount = r.size
	}

	result := make([]T, readCount)
	var zero T
	for i := 0; i < readCount; i++ {
		result[i] = r.items[r.tail]
		r.items[r.tail] = zero // clear for GC
		r.tail = (r.tail + 1) % r.capacity
		r.size--
		r.stats.Read()
	}

	r.stats.UpdateSize(int64(r.size))
	if r.metrics != nil {
		r.metrics.updateSize(r.size, r.capacity)
	}

	return result
}

// Peek retrieves one item without removing it from the buffer.
func (r *ring[T]) Peek() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.items[r.tail], true
}

// Size returns the current number of items in the buffer.
func (r *ring[T]) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Capacity returns the maximum number of items the buffer can hold.
func (r *ring[T]) Capacity() int {
	return r.capacity // immutable, no lock needed
}

// IsFull returns true if the buffer is at maximum capacity.
func (r *ring[T]) IsFull() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size == r.capacity
}

// IsEmpty returns true if the buffer contains no items.
func (r *ring[T]) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size == 0
}

// Clear removes all items from the buffer. Drop callbacks run after the
// mutex is released.
func (r *ring[T]) Clear() {
	r.mu.Lock()

	var zero T
	var cleared []T

	if r.opts.dropCallback != nil {
		cleared = make([]T, r.size)
		for i := 0; i < r.size; i++ {
			idx := (r.tail + i) % r.capacity
			cleared[i] = r.items[idx]
		}
	}

	for i := 0; i < r.capacity; i++ {
		r.items[i] = zero
	}
	r.head = 0
	r.tail = 0
	r.size = 0

	r.stats.UpdateSize(0)
	if r.metrics != nil {
		r.metrics.updateSize(0, r.capacity)
	}
	r.mu.Unlock()

	for _, item := range cleared {
		r.opts.dropCallback(item)
	}
}

// Stats returns buffer statistics.
func (r *ring[T]) Stats() *Statistics {
	return r.stats
}

// Close shuts down the buffer. Pending items remain readable.
func (r *ring[T]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
