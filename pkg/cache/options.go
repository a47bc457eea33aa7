package cache

import (
	"github.com/c360/flagrelay/metric"
)

// Option configures cache behavior using the functional options pattern.
type Option[V any] func(*cacheOptions[V])

// cacheOptions holds internal configuration for cache instances.
// Stats are always collected; metrics are opt-in.
type cacheOptions[V any] struct {
	metricsReg    *metric.MetricsRegistry
	metricsPrefix string
	evictCallback EvictCallback[V]

	// slidingExpiry makes Get refresh an entry's TTL, so frequently
	// observed keys stay cached.
	slidingExpiry bool
}

// WithMetrics enables Prometheus metrics export for cache statistics.
// Ignored if registry is nil or prefix is empty.
func WithMetrics[V any](registry *metric.MetricsRegistry, prefix string) Option[V] {
	return func(opts *cacheOptions[V]) {
		if registry != nil && prefix != "" {
			opts.metricsReg = registry
			opts.metricsPrefix = prefix
		}
	}
}

// WithEvictionCallback sets a callback invoked with each evicted entry.
func WithEvictionCallback[V any](callback EvictCallback[V]) Option[V] {
	return func(opts *cacheOptions[V]) {
		opts.evictCallback = callback
	}
}

// WithSlidingExpiry makes reads refresh an entry's TTL instead of keeping
// the expiry fixed from the last write.
func WithSlidingExpiry[V any]() Option[V] {
	return func(opts *cacheOptions[V]) {
		opts.slidingExpiry = true
	}
}

func applyOptions[V any](options ...Option[V]) *cacheOptions[V] {
	opts := &cacheOptions[V]{}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}
