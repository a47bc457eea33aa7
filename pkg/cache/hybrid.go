package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360/flagrelay/errors"
)

// hybridEntry represents an entry in the hybrid cache.
type hybridEntry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

func (e *hybridEntry[V]) isExpired() bool {
	return time.Now().After(e.expiresAt)
}

// hybridCache combines LRU and TTL eviction policies. Items are evicted
// either when the cache reaches maximum size (LRU) or when they expire.
type hybridCache[V any] struct {
	mu      sync.RWMutex
	maxSize int
	ttl     time.Duration
	items   map[string]*list.Element // key -> list element
	order   *list.List               // doubly-linked list for LRU ordering
	stats   *Statistics
	metrics *cacheMetrics
	evictFn EvictCallback[V]
	sliding bool

	cleanupInterval time.Duration

	// Background cleanup coordination
	shutdown chan struct{}
	done     chan struct{}
}

// NewHybrid creates a cache with combined LRU and TTL eviction.
// The background cleanup goroutine runs until Close is called or ctx is
// cancelled. Returns an error if metrics registration fails when requested.
func NewHybrid[V any](
	ctx context.Context, maxSize int, ttl, cleanupInterval time.Duration, options ...Option[V],
) (Cache[V], error) {
	if maxSize <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewHybrid", "maxSize must be positive")
	}
	if ttl <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewHybrid", "ttl must be positive")
	}
	if cleanupInterval <= 0 {
		cleanupInterval = ttl / 2
		if cleanupInterval < time.Second {
			cleanupInterval = time.Second
		}
	}

	opts := applyOptions(options...)

	var metrics *cacheMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewHybrid", "metrics registration")
		}
	}

	c := &hybridCache[V]{
		maxSize:         maxSize,
		ttl:             ttl,
		cleanupInterval: cleanupInterval,
		items:           make(map[string]*list.Element),
		order:           list.New(),
		stats:           NewStatistics(),
		metrics:         metrics,
		evictFn:         opts.evictCallback,
		sliding:         opts.slidingExpiry,
		shutdown:        make(chan struct{}),
		done:            make(chan struct{}),
	}

	go c.cleanup(ctx)

	return c, nil
}

// Get retrieves a value by key, checking for expiration and updating LRU
// order. With sliding expiry enabled, a hit also extends the entry's TTL.
func (c *hybridCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()

	element, exists := c.items[key]
	if !exists {
		c.stats.Miss()
		if c.metrics != nil {
			c.metrics.recordMiss()
		}
		c.mu.Unlock()

		var zero V
		return zero, false
	}

	entry := element.Value.(*hybridEntry[V])

	if entry.isExpired() {
		c.removeElement(element)
		c.stats.Eviction()
		c.stats.Miss()
		c.stats.UpdateSize(int64(len(c.items)))
		if c.metrics != nil {
			c.metrics.recordEviction()
			c.metrics.recordMiss()
			c.metrics.updateSize(len(c.items))
		}
		c.mu.Unlock()
		c.notifyEvicted(entry)

		var zero V
		return zero, false
	}

	if c.sliding {
		entry.expiresAt = time.Now().Add(c.ttl)
	}
	c.order.MoveToFront(element)

	c.stats.Hit()
	if c.metrics != nil {
		c.metrics.recordHit()
	}
	value := entry.value
	c.mu.Unlock()

	return value, true
}

// Set stores a value with the given key, setting TTL and updating LRU order.
func (c *hybridCache[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	expiresAt := time.Now().Add(c.ttl)

	c.mu.Lock()

	if element, exists := c.items[key]; exists {
		entry := element.Value.(*hybridEntry[V])
		entry.value = value
		entry.expiresAt = expiresAt
		c.order.MoveToFront(element)

		c.stats.Set()
		if c.metrics != nil {
			c.metrics.recordSet()
		}
		c.mu.Unlock()
		return false, nil // existing entry was updated
	}

	evicted := c.insert(key, value, expiresAt)

	c.stats.Set()
	c.stats.UpdateSize(int64(len(c.items)))
	if c.metrics != nil {
		c.metrics.recordSet()
		c.metrics.updateSize(len(c.items))
	}
	c.mu.Unlock()
	c.notifyEvicted(evicted)

	return true, nil // new entry was created
}

// GetOrSet returns the existing value for key, refreshing its LRU position
// and, under sliding expiry, its TTL. When the key is absent or expired it
// stores value instead. Lookup and insert happen under one hold of the
// mutex so two callers cannot both see a miss for the same key.
func (c *hybridCache[V]) GetOrSet(key string, value V) (V, bool, error) {
	if err := validateKey(key); err != nil {
		var zero V
		return zero, false, err
	}

	c.mu.Lock()

	if element, exists := c.items[key]; exists {
		entry := element.Value.(*hybridEntry[V])
		if !entry.isExpired() {
			if c.sliding {
				entry.expiresAt = time.Now().Add(c.ttl)
			}
			c.order.MoveToFront(element)

			c.stats.Hit()
			if c.metrics != nil {
				c.metrics.recordHit()
			}
			existing := entry.value
			c.mu.Unlock()
			return existing, true, nil
		}

		c.removeElement(element)
		c.stats.Eviction()
		if c.metrics != nil {
			c.metrics.recordEviction()
		}
		defer c.notifyEvicted(entry)
	}

	evicted := c.insert(key, value, time.Now().Add(c.ttl))

	c.stats.Miss()
	c.stats.Set()
	c.stats.UpdateSize(int64(len(c.items)))
	if c.metrics != nil {
		c.metrics.recordMiss()
		c.metrics.recordSet()
		c.metrics.updateSize(len(c.items))
	}
	c.mu.Unlock()
	c.notifyEvicted(evicted)

	return value, false, nil
}

// insert adds a fresh entry and enforces the size bound, returning the
// entry evicted by LRU pressure, if any. Must be called with the mutex
// held; the caller runs the eviction callback after unlocking.
func (c *hybridCache[V]) insert(key string, value V, expiresAt time.Time) *hybridEntry[V] {
	entry := &hybridEntry[V]{
		key:       key,
		value:     value,
		expiresAt: expiresAt,
	}
	element := c.order.PushFront(entry)
	c.items[key] = element

	if len(c.items) > c.maxSize {
		return c.evictLRU()
	}
	return nil
}

// Delete removes an entry by key.
func (c *hybridCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()

	element, exists := c.items[key]
	if !exists {
		c.mu.Unlock()
		return false, nil
	}

	entry := c.removeElement(element)

	c.stats.Delete()
	c.stats.UpdateSize(int64(len(c.items)))
	if c.metrics != nil {
		c.metrics.recordDelete()
		c.metrics.updateSize(len(c.items))
	}
	c.mu.Unlock()
	c.notifyEvicted(entry)

	return true, nil
}

// Clear removes all entries from the cache.
func (c *hybridCache[V]) Clear() error {
	c.mu.Lock()

	var cleared []*hybridEntry[V]
	if c.evictFn != nil {
		cleared = make([]*hybridEntry[V], 0, len(c.items))
		for element := c.order.Back(); element != nil; element = element.Prev() {
			cleared = append(cleared, element.Value.(*hybridEntry[V]))
		}
	}

	c.items = make(map[string]*list.Element)
	c.order.Init()

	c.stats.UpdateSize(0)
	if c.metrics != nil {
		c.metrics.updateSize(0)
	}
	c.mu.Unlock()
	c.notifyEvicted(cleared...)

	return nil
}

// Size returns the current number of entries in the cache.
func (c *hybridCache[V]) Size() int {
	c.mu.RLock()
	size := len(c.items)
	c.mu.RUnlock()
	return size
}

// Keys returns all non-expired keys, most recently used first.
// Expired but not yet cleaned entries are skipped.
func (c *hybridCache[V]) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.items))
	now := time.Now()

	for element := c.order.Front(); element != nil; element = element.Next() {
		entry := element.Value.(*hybridEntry[V])
		if now.Before(entry.expiresAt) {
			keys = append(keys, entry.key)
		}
	}
	return keys
}

// Stats returns cache statistics.
func (c *hybridCache[V]) Stats() *Statistics {
	return c.stats
}

// Close stops the background cleanup goroutine.
func (c *hybridCache[V]) Close() error {
	select {
	case <-c.shutdown:
		// already shutting down
	default:
		close(c.shutdown)
	}

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for cleanup goroutine to finish")
	}
}

// evictLRU removes the least recently used item and returns it. Must be
// called with the mutex held.
func (c *hybridCache[V]) evictLRU() *hybridEntry[V] {
	element := c.order.Back()
	if element == nil {
		return nil
	}
	entry := c.removeElement(element)
	c.stats.Eviction()
	if c.metrics != nil {
		c.metrics.recordEviction()
	}
	return entry
}

// removeElement removes an element from both the list and map and returns
// its entry. Must be called with the mutex held.
func (c *hybridCache[V]) removeElement(element *list.Element) *hybridEntry[V] {
	entry := element.Value.(*hybridEntry[V])
	delete(c.items, entry.key)
	c.order.Remove(element)
	return entry
}

// notifyEvicted runs the eviction callback for each entry. Callers must
// not hold the mutex, so callbacks may reenter the cache. Nil entries are
// skipped.
func (c *hybridCache[V]) notifyEvicted(entries ...*hybridEntry[V]) {
	if c.evictFn == nil {
		return
	}
	for _, entry := range entries {
		if entry != nil {
			c.evictFn(entry.key, entry.value)
		}
	}
}

// cleanup periodically removes expired entries until shutdown.
func (c *hybridCache[V]) cleanup(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

// removeExpired removes all expired entries from the cache.
func (c *hybridCache[V]) removeExpired() {
	now := time.Now()
	var expired []*hybridEntry[V]

	c.mu.Lock()
	for element := c.order.Front(); element != nil; {
		next := element.Next()
		entry := element.Value.(*hybridEntry[V])

		if now.After(entry.expiresAt) {
			expired = append(expired, entry)
			delete(c.items, entry.key)
			c.order.Remove(element)
		}

		element = next
	}
	size := len(c.items)
	c.mu.Unlock()

	if len(expired) == 0 {
		return
	}

	c.notifyEvicted(expired...)

	for range expired {
		c.stats.Eviction()
	}
	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		for range expired {
			c.metrics.recordEviction()
		}
		c.metrics.updateSize(size)
	}
}
