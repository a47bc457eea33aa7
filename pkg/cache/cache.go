// Package cache provides a generic, thread-safe cache combining LRU and TTL
// eviction. Entries are evicted when the cache reaches its size bound (least
// recently used first) or when they expire, whichever comes first.
//
// Statistics are always collected for observability; Prometheus metrics are
// optional via the WithMetrics functional option.
package cache

import (
	"github.com/c360/flagrelay/errors"
)

// Cache is a generic cache interface parameterized by value type V.
type Cache[V any] interface {
	// Get retrieves a value by key. Returns the zero value and false if
	// the key is absent or expired.
	Get(key string) (V, bool)

	// Set stores a value with the given key. Returns true if a new entry
	// was created, false if an existing entry was updated.
	Set(key string, value V) (bool, error)

	// GetOrSet returns the existing value for key, or stores value if the
	// key is absent or expired. The lookup and insert are one critical
	// section, so concurrent callers racing on the same key cannot both
	// observe a miss. loaded reports whether an existing entry was found;
	// a hit refreshes LRU order (and TTL under sliding expiry) like Get.
	GetOrSet(key string, value V) (actual V, loaded bool, err error)

	// Delete removes an entry by key. Returns true if the key existed.
	Delete(key string) (bool, error)

	// Clear removes all entries from the cache.
	Clear() error

	// Size returns the current number of entries in the cache.
	Size() int

	// Keys returns all non-expired keys, most recently used first.
	Keys() []string

	// Stats returns cache statistics (always available).
	Stats() *Statistics

	// Close stops the background cleanup goroutine.
	Close() error
}

// EvictCallback is called with the key and value of each evicted entry.
type EvictCallback[V any] func(key string, value V)

// validateKey rejects keys the cache cannot index.
func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
