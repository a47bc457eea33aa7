// Package fanout delivers each decoded event to every configured analytics
// sink.
//
// Sink calls are isolated: an error or panic in one sink is logged and
// counted against that sink without aborting the others. The processor is
// registered as the dispatch queue's delivery callback, so it can run more
// than once for the same event on retry; idempotent delivery is each sink's
// own responsibility.
package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/flagrelay/errors"
	"github.com/c360/flagrelay/metric"
	"github.com/c360/flagrelay/notification"
)

// Sink is an external delivery target for decoded events.
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string

	// Deliver sends one event. An error counts as this sink's failure
	// for the attempt.
	Deliver(ctx context.Context, ev *notification.Event) error
}

// Processor fans one event out to all configured sinks.
type Processor struct {
	sinks   []Sink
	logger  *slog.Logger
	metrics *metric.Metrics
}

// New creates a Processor over the given sinks. Registry may be nil to
// disable metrics. A Processor with zero sinks is valid: it receives events
// and reports trivial success.
func New(sinks []Sink, registry *metric.MetricsRegistry, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	var coreMetrics *metric.Metrics
	if registry != nil {
		coreMetrics = registry.CoreMetrics()
	}
	return &Processor{
		sinks:   sinks,
		logger:  logger.With("component", "fanout"),
		metrics: coreMetrics,
	}
}

// SinkNames returns the names of the configured sinks.
func (p *Processor) SinkNames() []string {
	names := make([]string, len(p.sinks))
	for i, sink := range p.sinks {
		names[i] = sink.Name()
	}
	return names
}

// Process delivers ev to every sink sequentially. It succeeds when at least
// one sink succeeded, or trivially when no sinks are configured. On overall
// failure it returns a transient error so the dispatch queue retries.
func (p *Processor) Process(ctx context.Context, ev *notification.Event) error {
	if ev == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "fanout", "Process", "nil event")
	}

	if len(p.sinks) == 0 {
		p.logger.Debug("no sinks configured, event accepted without forwarding",
			"event_id", ev.ID, "kind", ev.Kind.String())
		return nil
	}

	succeeded := 0
	for _, sink := range p.sinks {
		if err := p.deliverOne(ctx, sink, ev); err != nil {
			p.logger.Warn("sink delivery failed",
				"sink", sink.Name(),
				"event_id", ev.ID,
				"kind", ev.Kind.String(),
				"error", err)
			if p.metrics != nil {
				p.metrics.RecordEventDelivered(sink.Name(), "failure")
			}
			continue
		}
		succeeded++
		if p.metrics != nil {
			p.metrics.RecordEventDelivered(sink.Name(), "success")
		}
	}

	if succeeded == 0 {
		return errors.WrapTransient(errors.ErrSinkFailed, "fanout", "Process",
			fmt.Sprintf("all %d sinks failed for event %s", len(p.sinks), ev.ID))
	}
	return nil
}

// deliverOne calls a single sink with panic isolation and duration
// recording.
func (p *Processor) deliverOne(ctx context.Context, sink Sink, ev *notification.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrap(fmt.Errorf("panic: %v", r), "fanout", "deliverOne",
				fmt.Sprintf("sink %s", sink.Name()))
		}
	}()

	start := time.Now()
	err = sink.Deliver(ctx, ev)
	if p.metrics != nil {
		p.metrics.RecordDeliveryDuration(sink.Name(), time.Since(start))
	}
	return err
}
