// Package dispatch implements the delivery queue between classification and
// the analytics sinks.
//
// Accepted events sit in a bounded primary buffer. A worker loop drains them
// in small batches and hands each to the registered delivery callback.
// Failed items are parked in a retry set with exponential backoff and
// re-admitted to the primary buffer once due; items that exhaust their
// retries are dropped permanently with an error log.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/flagrelay/component"
	"github.com/c360/flagrelay/errors"
	"github.com/c360/flagrelay/metric"
	"github.com/c360/flagrelay/notification"
	"github.com/c360/flagrelay/pkg/buffer"
	"github.com/c360/flagrelay/pkg/retry"
)

// DeliverFunc is the delivery callback invoked once per item per attempt.
type DeliverFunc func(ctx context.Context, ev *notification.Event) error

// Config controls queue sizing and retry policy.
type Config struct {
	// Capacity bounds the primary buffer; oldest items are evicted when
	// full.
	Capacity int `json:"capacity"`

	// BatchSize is the maximum number of items drained per worker pass.
	BatchSize int `json:"batch_size"`

	// MaxRetries bounds retries per item; total attempts = MaxRetries+1.
	MaxRetries int `json:"max_retries"`

	// RetryDelayBase is the delay before the first retry.
	RetryDelayBase time.Duration `json:"retry_delay_base"`

	// RetryDelayMax caps the computed retry delay.
	RetryDelayMax time.Duration `json:"retry_delay_max"`

	// YieldInterval is the pause between worker passes. Keeps retry-timer
	// checks progressing under sustained enqueue load.
	YieldInterval time.Duration `json:"yield_interval"`
}

// DefaultConfig returns the stock queue settings.
func DefaultConfig() Config {
	return Config{
		Capacity:       1000,
		BatchSize:      10,
		MaxRetries:     3,
		RetryDelayBase: time.Second,
		RetryDelayMax:  60 * time.Second,
		YieldInterval:  100 * time.Millisecond,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = def.Capacity
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryDelayBase <= 0 {
		c.RetryDelayBase = def.RetryDelayBase
	}
	if c.RetryDelayMax <= 0 {
		c.RetryDelayMax = def.RetryDelayMax
	}
	if c.RetryDelayMax < c.RetryDelayBase {
		c.RetryDelayMax = c.RetryDelayBase
	}
	if c.YieldInterval <= 0 {
		c.YieldInterval = def.YieldInterval
	}
}

// Item is one buffered delivery. It is mutated only by the queue.
type Item struct {
	Event       *notification.Event
	EnqueuedAt  time.Time
	RetryCount  int
	NextRetryAt time.Time
	LastError   string
}

// Queue is the delivery buffer. It implements component.Component.
type Queue struct {
	cfg     Config
	logger  *slog.Logger
	backoff retry.Backoff

	primary buffer.Buffer[*Item]

	retryMu  sync.Mutex
	retrySet []*Item

	deliverMu sync.RWMutex
	deliver   DeliverFunc

	mu        sync.Mutex
	state     component.State
	startTime time.Time
	stopCh    chan struct{}
	doneCh    chan struct{}

	metrics *queueMetrics
}

// New creates a Queue. Registry may be nil to disable metrics.
func New(cfg Config, registry *metric.MetricsRegistry, logger *slog.Logger) (*Queue, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	q := &Queue{
		cfg:    cfg,
		logger: logger.With("component", "dispatch"),
		backoff: retry.Backoff{
			Base: cfg.RetryDelayBase,
			Max:  cfg.RetryDelayMax,
		},
		state: component.StateCreated,
	}

	bufferOptions := []buffer.Option[*Item]{
		buffer.WithOverflowPolicy[*Item](buffer.DropOldest),
		buffer.WithDropCallback[*Item](q.onOverflowDrop),
	}
	if registry != nil {
		var err error
		q.metrics, err = newQueueMetrics(registry)
		if err != nil {
			return nil, errors.Wrap(err, "dispatch", "New", "register metrics")
		}
		bufferOptions = append(bufferOptions, buffer.WithMetrics[*Item](registry, "dispatch"))
	}

	primary, err := buffer.NewRing(cfg.Capacity, bufferOptions...)
	if err != nil {
		return nil, errors.Wrap(err, "dispatch", "New", "create primary buffer")
	}
	q.primary = primary

	return q, nil
}

// Meta describes the component.
func (q *Queue) Meta() component.Metadata {
	return component.Metadata{
		Name:        "dispatch",
		Type:        "processor",
		Description: "Buffered at-least-once delivery queue with retry backoff",
		Version:     "1.0.0",
	}
}

// SetDeliver registers the delivery callback. Must be called before Start.
func (q *Queue) SetDeliver(fn DeliverFunc) {
	q.deliverMu.Lock()
	q.deliver = fn
	q.deliverMu.Unlock()
}

// Initialize validates configuration.
func (q *Queue) Initialize() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != component.StateCreated && q.state != component.StateStopped {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "dispatch", "Initialize", "initialize")
	}
	q.state = component.StateInitialized
	return nil
}

// Start launches the worker loop. The registered delivery callback must be
// set first.
func (q *Queue) Start(ctx context.Context) error {
	q.deliverMu.RLock()
	hasDeliver := q.deliver != nil
	q.deliverMu.RUnlock()
	if !hasDeliver {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "dispatch", "Start",
			"no delivery callback registered")
	}

	q.mu.Lock()
	if q.state == component.StateStarted {
		q.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "dispatch", "Start", "start")
	}
	q.state = component.StateStarted
	q.startTime = time.Now()
	q.stopCh = make(chan struct{})
	q.doneCh = make(chan struct{})
	stopCh, doneCh := q.stopCh, q.doneCh
	q.mu.Unlock()

	q.logger.Info("delivery queue started",
		"capacity", q.cfg.Capacity,
		"batch_size", q.cfg.BatchSize,
		"max_retries", q.cfg.MaxRetries)

	go q.run(ctx, stopCh, doneCh)
	return nil
}

// Stop halts the worker loop. Items already enqueued are kept and remain
// drainable if the queue is started again within the process.
func (q *Queue) Stop(timeout time.Duration) error {
	q.mu.Lock()
	if q.state != component.StateStarted {
		q.mu.Unlock()
		return nil
	}
	q.state = component.StateStopped
	close(q.stopCh)
	doneCh := q.doneCh
	q.mu.Unlock()

	select {
	case <-doneCh:
		q.logger.Info("delivery queue stopped",
			"pending", q.Depth(), "retrying", q.RetrySetSize())
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "dispatch", "Stop",
			"wait for worker shutdown")
	}
}

// Health reports queue health.
func (q *Queue) Health() component.HealthStatus {
	q.mu.Lock()
	state := q.state
	startTime := q.startTime
	q.mu.Unlock()

	healthy := state == component.StateStarted
	status := component.HealthStatus{
		Healthy:   healthy,
		LastCheck: time.Now(),
	}
	if healthy {
		status.Uptime = time.Since(startTime)
	} else {
		status.LastError = fmt.Sprintf("queue %s", state)
	}
	return status
}

// Enqueue admits an event for delivery. Returns false only for nil input.
func (q *Queue) Enqueue(ev *notification.Event) bool {
	if ev == nil {
		return false
	}

	item := &Item{
		Event:      ev,
		EnqueuedAt: time.Now(),
	}
	if err := q.primary.Write(item); err != nil {
		q.logger.Error("enqueue failed", "event_id", ev.ID, "error", err)
		return false
	}
	if q.metrics != nil {
		q.metrics.setDepth(q.primary.Size())
	}
	return true
}

// Depth returns the primary queue depth.
func (q *Queue) Depth() int {
	return q.primary.Size()
}

// RetrySetSize returns the number of items awaiting retry.
func (q *Queue) RetrySetSize() int {
	q.retryMu.Lock()
	defer q.retryMu.Unlock()
	return len(q.retrySet)
}

// Stats returns the primary buffer statistics.
func (q *Queue) Stats() *buffer.Statistics {
	return q.primary.Stats()
}

// run is the worker loop. Each pass re-admits due retries, drains one
// bounded batch, then yields so timers and shutdown are always checked.
func (q *Queue) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(q.cfg.YieldInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
		}

		q.promoteDueRetries()

		batch := q.primary.ReadBatch(q.cfg.BatchSize)
		for _, item := range batch {
			q.attempt(ctx, item)
		}
		if q.metrics != nil {
			q.metrics.setDepth(q.primary.Size())
			q.metrics.setRetrySetSize(q.RetrySetSize())
		}
	}
}

// attempt delivers one item, scheduling a retry or dropping permanently on
// failure.
func (q *Queue) attempt(ctx context.Context, item *Item) {
	q.deliverMu.RLock()
	deliver := q.deliver
	q.deliverMu.RUnlock()

	err := deliver(ctx, item.Event)
	if err == nil {
		if q.metrics != nil {
			q.metrics.recordDelivery("success")
		}
		q.logger.Debug("event delivered",
			"event_id", item.Event.ID, "attempts", item.RetryCount+1)
		return
	}

	item.RetryCount++
	item.LastError = err.Error()

	if item.RetryCount > q.cfg.MaxRetries {
		if q.metrics != nil {
			q.metrics.recordDelivery("dropped")
		}
		q.logger.Error("event permanently dropped after exhausting retries",
			"event_id", item.Event.ID,
			"attempts", item.RetryCount,
			"last_error", item.LastError)
		return
	}

	delay := q.backoff.Delay(item.RetryCount)
	item.NextRetryAt = time.Now().Add(delay)

	q.retryMu.Lock()
	q.retrySet = append(q.retrySet, item)
	q.retryMu.Unlock()

	if q.metrics != nil {
		q.metrics.recordRetryScheduled()
	}
	q.logger.Warn("delivery failed, retry scheduled",
		"event_id", item.Event.ID,
		"retry_count", item.RetryCount,
		"delay", delay,
		"error", err)
}

// promoteDueRetries moves items whose NextRetryAt has elapsed back into the
// primary buffer.
func (q *Queue) promoteDueRetries() {
	now := time.Now()

	q.retryMu.Lock()
	var due []*Item
	remaining := q.retrySet[:0]
	for _, item := range q.retrySet {
		if !item.NextRetryAt.After(now) {
			due = append(due, item)
		} else {
			remaining = append(remaining, item)
		}
	}
	q.retrySet = remaining
	q.retryMu.Unlock()

	for _, item := range due {
		if err := q.primary.Write(item); err != nil {
			q.logger.Error("failed to re-admit retry item",
				"event_id", item.Event.ID, "error", err)
		}
	}
}

// onOverflowDrop logs items evicted by the primary buffer's DropOldest
// policy.
func (q *Queue) onOverflowDrop(item *Item) {
	if q.metrics != nil {
		q.metrics.recordDelivery("evicted")
	}
	q.logger.Warn("queue at capacity, oldest item evicted",
		"event_id", item.Event.ID, "retry_count", item.RetryCount)
}
