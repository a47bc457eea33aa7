// Package dedup suppresses duplicate notification events.
//
// Upstream reconnects replay recent events, and parallel connection slots
// can each receive the same event. The Deduper remembers event ids for a
// retention window so each logical event is forwarded at most once.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/c360/flagrelay/errors"
	"github.com/c360/flagrelay/metric"
	"github.com/c360/flagrelay/pkg/cache"
)

// Config controls the retention window of the identity cache.
type Config struct {
	// MaxEntries bounds the cache; least recently seen ids are evicted
	// under pressure.
	MaxEntries int `json:"max_entries"`

	// TTL is the retention window. Seeing an id again refreshes it.
	TTL time.Duration `json:"ttl"`

	// CleanupInterval is how often expired ids are purged in the
	// background. Defaults to half the TTL.
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

// DefaultConfig returns the stock retention settings.
func DefaultConfig() Config {
	return Config{
		MaxEntries: 10000,
		TTL:        5 * time.Minute,
	}
}

// Deduper tracks recently seen event ids with sliding expiration.
type Deduper struct {
	cache   cache.Cache[time.Time]
	logger  *slog.Logger
	metrics *metric.Metrics
}

// New creates a Deduper. The background expiry goroutine stops when Close
// is called or ctx is cancelled. Registry may be nil to disable metrics.
func New(ctx context.Context, cfg Config, registry *metric.MetricsRegistry, logger *slog.Logger) (*Deduper, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	options := []cache.Option[time.Time]{cache.WithSlidingExpiry[time.Time]()}
	var coreMetrics *metric.Metrics
	if registry != nil {
		options = append(options, cache.WithMetrics[time.Time](registry, "dedup"))
		coreMetrics = registry.CoreMetrics()
	}

	c, err := cache.NewHybrid(ctx, cfg.MaxEntries, cfg.TTL, cfg.CleanupInterval, options...)
	if err != nil {
		return nil, errors.Wrap(err, "dedup", "New", "create identity cache")
	}

	return &Deduper{
		cache:   c,
		logger:  logger.With("component", "dedup"),
		metrics: coreMetrics,
	}, nil
}

// ProbeAndRecord reports whether eventID is new within the retention
// window. The first sighting records the id and returns true; sightings
// before TTL expiry return false and refresh the id's last-seen time.
func (d *Deduper) ProbeAndRecord(eventID string) bool {
	if eventID == "" {
		return true
	}

	// Lookup and record are one critical section in the cache, so two
	// connection slots racing on the same id cannot both see it as new.
	// A hit refreshes the sliding TTL.
	_, seen, err := d.cache.GetOrSet(eventID, time.Now())
	if err != nil {
		// An unrecordable id cannot be deduplicated; pass it through
		d.logger.Warn("failed to record event id", "event_id", eventID, "error", err)
		return true
	}
	if seen {
		d.logger.Debug("duplicate event suppressed", "event_id", eventID)
		if d.metrics != nil {
			d.metrics.RecordDuplicate()
		}
		return false
	}
	return true
}

// Size returns the number of ids currently tracked.
func (d *Deduper) Size() int {
	return d.cache.Size()
}

// Stats returns the underlying cache statistics.
func (d *Deduper) Stats() *cache.Statistics {
	return d.cache.Stats()
}

// Close stops the background expiry goroutine.
func (d *Deduper) Close() error {
	return d.cache.Close()
}

// SyntheticID derives a deterministic id from payload content, used when a
// frame arrives without an id field. Identical payloads map to the same id
// so replayed frames still deduplicate.
func SyntheticID(payload []byte) string {
	sum := sha256.Sum256(payload)
	return "sha256:" + hex.EncodeToString(sum[:16])
}
