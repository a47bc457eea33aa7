// Package agentstream maintains streaming connections to an Optimizely
// Agent's notification endpoint.
//
// The input runs a fixed pool of slots against the same upstream. Each slot
// probes upstream health, subscribes to the event stream, and feeds frames
// through the dedup gate and classifier before handing normalized events to
// the handler. Slots fail and reconnect independently; one slot exhausting
// its retries does not affect the others.
package agentstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/flagrelay/component"
	"github.com/c360/flagrelay/dedup"
	"github.com/c360/flagrelay/errors"
	"github.com/c360/flagrelay/metric"
	"github.com/c360/flagrelay/notification"
	"github.com/c360/flagrelay/pkg/eventstream"
	"github.com/c360/flagrelay/pkg/retry"
)

// Handler receives each normalized event that survives dedup and
// classification. It is called from slot goroutines and must be safe for
// concurrent use.
type Handler func(ctx context.Context, event *notification.Event)

// Config holds configuration for the connection manager.
type Config struct {
	BaseURL           string        `json:"base_url"`
	SDKKey            string        `json:"sdk_key"`
	Filter            string        `json:"filter"`
	PoolSize          int           `json:"pool_size"`
	MaxRetries        int           `json:"max_retries"`
	BackoffBase       time.Duration `json:"backoff_base"`
	BackoffMax        time.Duration `json:"backoff_max"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	ProbeTimeout      time.Duration `json:"probe_timeout"`
}

// DefaultConfig returns defaults matching a single-agent deployment.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "http://localhost:8080",
		PoolSize:          1,
		MaxRetries:        10,
		BackoffBase:       time.Second,
		BackoffMax:        60 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		ProbeTimeout:      3 * time.Second,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "agentstream", "Validate",
			"base_url is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return errors.WrapInvalid(err, "agentstream", "Validate", "invalid base_url")
	}
	if c.SDKKey == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "agentstream", "Validate",
			"sdk_key is required")
	}
	if c.PoolSize < 1 || c.PoolSize > 64 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "agentstream", "Validate",
			"pool_size must be between 1 and 64")
	}
	if c.MaxRetries < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "agentstream", "Validate",
			"max_retries must be non-negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.PoolSize == 0 {
		c.PoolSize = def.PoolSize
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = def.BackoffMax
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
}

// slotState tracks where a slot is in its connection lifecycle.
type slotState int32

const (
	slotIdle slotState = iota
	slotHealthChecking
	slotConnecting
	slotStreaming
	slotBackoff
	slotStopped
)

func (s slotState) String() string {
	switch s {
	case slotIdle:
		return "idle"
	case slotHealthChecking:
		return "health_checking"
	case slotConnecting:
		return "connecting"
	case slotStreaming:
		return "streaming"
	case slotBackoff:
		return "backoff"
	case slotStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// slot is one independent streaming connection. Its id is stamped on every
// event it emits and is never shared with another live slot.
type slot struct {
	id    string
	num   int
	state atomic.Int32
}

func (s *slot) setState(st slotState) { s.state.Store(int32(st)) }
func (s *slot) getState() slotState   { return slotState(s.state.Load()) }

// Input is the connection manager. It implements component.Component.
type Input struct {
	config  Config
	dialer  Dialer
	deduper *dedup.Deduper
	handler Handler
	logger  *slog.Logger
	metrics *inputMetrics

	lifecycleMu  sync.Mutex
	started      atomic.Bool
	cancel       context.CancelFunc
	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
	startTime    time.Time

	slots []*slot

	errorCount atomic.Int64
	errMu      sync.Mutex
	lastError  string
}

// New creates a connection manager. The handler receives every event that
// survives the dedup gate and classification.
func New(
	config Config,
	deduper *dedup.Deduper,
	handler Handler,
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
) (*Input, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if deduper == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "agentstream", "New",
			"deduper is required")
	}
	if handler == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "agentstream", "New",
			"handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	slots := make([]*slot, config.PoolSize)
	for n := range slots {
		slots[n] = &slot{id: uuid.New().String(), num: n}
	}

	return &Input{
		config:   config,
		dialer:   newHTTPDialer(config),
		deduper:  deduper,
		handler:  handler,
		logger:   logger.With("component", "agentstream"),
		metrics:  newInputMetrics(registry),
		shutdown: make(chan struct{}),
		slots:    slots,
	}, nil
}

// Meta returns component metadata.
func (in *Input) Meta() component.Metadata {
	return component.Metadata{
		Name:        "agentstream",
		Type:        "input",
		Description: "Streaming connection manager for Optimizely Agent notifications",
		Version:     "0.1.0",
	}
}

// Initialize validates the SDK key against upstream. An invalid credential
// is a fatal startup error.
func (in *Input) Initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := in.dialer.ValidateKey(ctx); err != nil {
		return err
	}
	in.logger.Info("credential validated", "base_url", in.config.BaseURL)
	return nil
}

// Start launches the slot pool.
func (in *Input) Start(ctx context.Context) error {
	in.lifecycleMu.Lock()
	defer in.lifecycleMu.Unlock()

	if in.started.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "agentstream", "Start",
			"check started state")
	}

	slotCtx, cancel := context.WithCancel(ctx)
	in.cancel = cancel

	for _, s := range in.slots {
		in.wg.Add(1)
		go in.runSlot(slotCtx, s)
	}

	in.startTime = time.Now()
	in.started.Store(true)
	in.logger.Info("started", "pool_size", len(in.slots), "base_url", in.config.BaseURL)
	return nil
}

// Stop halts all slots, waiting up to timeout for them to exit.
func (in *Input) Stop(timeout time.Duration) error {
	in.lifecycleMu.Lock()
	defer in.lifecycleMu.Unlock()

	if !in.started.Load() {
		return nil
	}

	in.shutdownOnce.Do(func() { close(in.shutdown) })
	in.cancel()

	doneCh := make(chan struct{})
	go func() {
		in.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("shutdown timeout after %v", timeout),
			"agentstream", "Stop", "wait for slots")
	}

	in.started.Store(false)
	in.logger.Info("stopped")
	return nil
}

// Health aggregates slot states: healthy while at least one slot is
// streaming, unhealthy once every slot has stopped.
func (in *Input) Health() component.HealthStatus {
	streaming := 0
	stopped := 0
	for _, s := range in.slots {
		switch s.getState() {
		case slotStreaming:
			streaming++
		case slotStopped:
			stopped++
		}
	}

	in.errMu.Lock()
	lastError := in.lastError
	in.errMu.Unlock()

	var uptime time.Duration
	if in.started.Load() {
		uptime = time.Since(in.startTime)
	}

	return component.HealthStatus{
		Healthy:    streaming > 0 || (!in.started.Load() && stopped == 0),
		LastCheck:  time.Now(),
		ErrorCount: int(in.errorCount.Load()),
		LastError:  lastError,
		Uptime:     uptime,
	}
}

// SlotStates returns the current state name of each slot, by slot number.
func (in *Input) SlotStates() []string {
	states := make([]string, len(in.slots))
	for n, s := range in.slots {
		states[n] = s.getState().String()
	}
	return states
}

// runSlot drives one slot's connection lifecycle until shutdown or retry
// exhaustion.
func (in *Input) runSlot(ctx context.Context, s *slot) {
	defer in.wg.Done()
	defer s.setState(slotStopped)

	logger := in.logger.With("slot", s.num, "connection_id", s.id)
	backoff := retry.Backoff{
		Base:   in.config.BackoffBase,
		Max:    in.config.BackoffMax,
		Jitter: true,
	}

	retries := 0
	connected := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-in.shutdown:
			return
		default:
		}

		if connected && in.metrics != nil {
			in.metrics.reconnects.Inc()
		}

		s.setState(slotHealthChecking)
		if err := in.probe(ctx); err != nil {
			if in.metrics != nil {
				in.metrics.probeFailures.Inc()
			}
			if !in.retryOrStop(ctx, s, logger, backoff, &retries, err) {
				return
			}
			continue
		}

		s.setState(slotConnecting)
		stream, err := in.dialer.Dial(ctx)
		if err != nil {
			if !in.retryOrStop(ctx, s, logger, backoff, &retries, err) {
				return
			}
			continue
		}

		// Successful connect resets the retry counter.
		retries = 0
		connected = true
		s.setState(slotStreaming)
		if in.metrics != nil {
			in.metrics.slotsConnected.Inc()
		}
		logger.Info("streaming")

		err = in.streamLoop(ctx, s, stream)
		_ = stream.Close()
		if in.metrics != nil {
			in.metrics.slotsConnected.Dec()
		}
		if err != nil {
			// A stream failure counts against the retry budget and backs
			// off like a failed connect, so an upstream that accepts the
			// subscription but drops it at once cannot induce a reconnect
			// storm.
			logger.Warn("stream ended", "error", err)
			if !in.retryOrStop(ctx, s, logger, backoff, &retries, err) {
				return
			}
		}
	}
}

// retryOrStop schedules the next attempt after a failure. It returns false
// when the retry budget is exhausted and the slot must stop permanently.
func (in *Input) retryOrStop(
	ctx context.Context,
	s *slot,
	logger *slog.Logger,
	backoff retry.Backoff,
	retries *int,
	cause error,
) bool {
	*retries++
	in.recordError(cause)

	if *retries > in.config.MaxRetries {
		logger.Error("retries exhausted, slot stopping permanently",
			"retries", *retries-1,
			"error", cause)
		in.recordError(errors.WrapFatal(errors.ErrMaxRetriesExceeded,
			"agentstream", "runSlot", fmt.Sprintf("slot %d stopped", s.num)))
		return false
	}

	delay := backoff.Delay(*retries)
	logger.Warn("connect failed, backing off",
		"attempt", *retries,
		"delay", delay,
		"error", cause)

	s.setState(slotBackoff)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-in.shutdown:
		return false
	case <-timer.C:
		return true
	}
}

// streamLoop consumes frames until the stream fails, goes stale, or
// shutdown begins. A nil return means a clean shutdown.
func (in *Input) streamLoop(ctx context.Context, s *slot, stream Stream) error {
	frames := make(chan eventstream.Frame)
	readErr := make(chan error, 1)
	// done releases the reader when this loop returns for any reason,
	// including a forced reconnect while the reader holds a frame.
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			frame, err := stream.Next()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- frame:
			case <-done:
				return
			}
		}
	}()

	tick := in.config.HeartbeatInterval / 4
	if tick < 5*time.Millisecond {
		tick = 5 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var probeOK time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-in.shutdown:
			return nil
		case err := <-readErr:
			return errors.WrapTransient(err, "agentstream", "streamLoop", "stream read failed")
		case frame := <-frames:
			in.emit(ctx, s, frame)
		case <-ticker.C:
			last := stream.LastActivity()
			if probeOK.After(last) {
				last = probeOK
			}
			if time.Since(last) < in.config.HeartbeatInterval {
				continue
			}
			// Nothing arrived for a full heartbeat interval. Check
			// upstream out of band before declaring the stream dead.
			if err := in.probe(ctx); err != nil {
				if in.metrics != nil {
					in.metrics.probeFailures.Inc()
				}
				return errors.WrapTransient(err, "agentstream", "streamLoop",
					"stale stream, upstream probe failed")
			}
			probeOK = time.Now()
		}
	}
}

func (in *Input) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, in.config.ProbeTimeout)
	defer cancel()
	return in.dialer.Probe(probeCtx)
}

// emit runs one frame through the dedup gate and classifier, then hands the
// normalized event to the handler. Duplicates and malformed payloads are
// dropped without affecting the stream.
func (in *Input) emit(ctx context.Context, s *slot, frame eventstream.Frame) {
	if in.metrics != nil {
		in.metrics.framesTotal.Inc()
	}
	if len(frame.Data) == 0 {
		in.countOutcome("empty")
		return
	}

	id := frame.ID
	if id == "" {
		id = dedup.SyntheticID(frame.Data)
	}
	if !in.deduper.ProbeAndRecord(id) {
		in.countOutcome("duplicate")
		in.logger.Debug("duplicate event dropped", "event_id", id, "slot", s.num)
		return
	}

	event, err := notification.Classify(frame.Data)
	if err != nil {
		in.countOutcome("malformed")
		in.recordError(err)
		in.logger.Warn("malformed payload dropped", "event_id", id, "error", err)
		return
	}

	event.ID = id
	event.ConnectionID = s.id
	event.ReceivedAt = time.Now()

	in.countOutcome("emitted")
	in.handler(ctx, event)
}

func (in *Input) countOutcome(outcome string) {
	if in.metrics != nil {
		in.metrics.eventsTotal.WithLabelValues(outcome).Inc()
	}
}

func (in *Input) recordError(err error) {
	in.errorCount.Add(1)
	in.errMu.Lock()
	in.lastError = err.Error()
	in.errMu.Unlock()
}
