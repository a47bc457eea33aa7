// Package service wires the pipeline together: the streaming input feeds
// the dedup gate and classifier, survivors enter the dispatch queue, and
// the queue's delivery callback fans events out to the configured sinks.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/flagrelay/config"
	"github.com/c360/flagrelay/dedup"
	"github.com/c360/flagrelay/dispatch"
	"github.com/c360/flagrelay/errors"
	"github.com/c360/flagrelay/health"
	"github.com/c360/flagrelay/input/agentstream"
	"github.com/c360/flagrelay/metric"
	"github.com/c360/flagrelay/notification"
	"github.com/c360/flagrelay/output/amplitude"
	"github.com/c360/flagrelay/output/ga4"
	"github.com/c360/flagrelay/output/natsrelay"
	"github.com/c360/flagrelay/processor/fanout"
)

// Orchestrator owns every pipeline component and drives their lifecycle.
// Components are held explicitly; nothing lives in package globals.
type Orchestrator struct {
	logger  *slog.Logger
	monitor *health.Monitor

	deduper   *dedup.Deduper
	queue     *dispatch.Queue
	processor *fanout.Processor
	input     *agentstream.Input
	natsSink  *natsrelay.Sink

	mu      sync.Mutex
	started bool
}

// New builds the pipeline from configuration. Sinks with missing or
// placeholder credentials are skipped with a warning; a pipeline with zero
// sinks still runs.
func New(
	ctx context.Context,
	cfg *config.Config,
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "service")

	deduper, err := dedup.New(ctx, cfg.Dedup, registry, logger)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		logger:  log,
		monitor: health.NewMonitor(),
		deduper: deduper,
	}

	sinks, err := o.buildSinks(cfg, logger)
	if err != nil {
		_ = deduper.Close()
		return nil, err
	}
	o.processor = fanout.New(sinks, registry, logger)
	if len(sinks) == 0 {
		log.Warn("no sinks configured, events will be received and dropped")
	} else {
		log.Info("sinks configured", "sinks", o.processor.SinkNames())
	}

	queue, err := dispatch.New(cfg.Dispatch, registry, logger)
	if err != nil {
		_ = deduper.Close()
		return nil, err
	}
	queue.SetDeliver(o.processor.Process)
	o.queue = queue

	input, err := agentstream.New(cfg.Agent, deduper, o.enqueue, registry, logger)
	if err != nil {
		_ = deduper.Close()
		return nil, err
	}
	o.input = input

	return o, nil
}

func (o *Orchestrator) buildSinks(cfg *config.Config, logger *slog.Logger) ([]fanout.Sink, error) {
	var sinks []fanout.Sink

	if cfg.AmplitudeEnabled() {
		sink, err := amplitude.New(cfg.Amplitude, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	} else {
		o.logger.Warn("amplitude sink disabled, api key missing or placeholder")
	}

	if cfg.GA4Enabled() {
		sink, err := ga4.New(cfg.GA4, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	} else {
		o.logger.Warn("ga4 sink disabled, credentials missing or placeholder")
	}

	if cfg.NATSEnabled() {
		sink, err := natsrelay.New(cfg.NATS, logger)
		if err != nil {
			return nil, err
		}
		o.natsSink = sink
		sinks = append(sinks, sink)
	}

	return sinks, nil
}

// enqueue is the input handler: every surviving event enters the dispatch
// queue. A full queue drops the oldest item, so enqueue itself only fails
// when the pipeline is torn down.
func (o *Orchestrator) enqueue(_ context.Context, event *notification.Event) {
	if !o.queue.Enqueue(event) {
		o.logger.Warn("event rejected by dispatch queue", "event_id", event.ID)
	}
}

// Initialize validates upstream credentials before anything starts.
func (o *Orchestrator) Initialize() error {
	return o.input.Initialize()
}

// Start brings the pipeline up: the queue first so deliveries can flow,
// then the input.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "service", "Start",
			"check started state")
	}

	if err := o.queue.Start(ctx); err != nil {
		return err
	}
	if err := o.input.Start(ctx); err != nil {
		_ = o.queue.Stop(5 * time.Second)
		return err
	}

	o.started = true
	o.logger.Info("pipeline started")
	return nil
}

// Stop tears the pipeline down in reverse: the input first so no new
// events arrive, then the queue, then the dedup cache and sinks.
func (o *Orchestrator) Stop(timeout time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.started {
		return nil
	}

	deadline := time.Now().Add(timeout)
	var firstErr error

	if err := o.input.Stop(timeout); err != nil {
		firstErr = err
	}
	if err := o.queue.Stop(time.Until(deadline)); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := o.deduper.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if o.natsSink != nil {
		if err := o.natsSink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	o.started = false
	o.logger.Info("pipeline stopped")
	return firstErr
}

// Health aggregates component health into a single status.
func (o *Orchestrator) Health() health.Status {
	o.monitor.Update("agentstream", health.FromComponentHealth("agentstream", o.input.Health()))
	o.monitor.Update("dispatch", health.FromComponentHealth("dispatch", o.queue.Health()))

	depth := o.queue.Depth()
	retries := o.queue.RetrySetSize()
	o.monitor.UpdateHealthy("pipeline",
		fmt.Sprintf("queue depth %d, retry set %d, dedup entries %d",
			depth, retries, o.deduper.Size()))

	return o.monitor.AggregateHealth("flagrelay")
}

// SinkNames reports the active sinks, in delivery order.
func (o *Orchestrator) SinkNames() []string {
	return o.processor.SinkNames()
}
