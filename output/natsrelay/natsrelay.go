// Package natsrelay republishes normalized notification events onto a NATS
// subject for internal consumers.
package natsrelay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/flagrelay/errors"
	"github.com/c360/flagrelay/notification"
)

// SubjectPrefix is the subject root events are published under. The kind
// name is appended, e.g. flagrelay.events.decision.
const SubjectPrefix = "flagrelay.events"

// Config holds configuration for the NATS relay sink.
type Config struct {
	URL            string        `json:"url"`
	ClientName     string        `json:"client_name"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
	DrainTimeout   time.Duration `json:"drain_timeout"`
	MaxReconnects  int           `json:"max_reconnects"`
	ReconnectWait  time.Duration `json:"reconnect_wait"`
}

// DefaultConfig returns the default sink configuration without a URL.
func DefaultConfig() Config {
	return Config{
		ClientName:     "flagrelay",
		ConnectTimeout: 5 * time.Second,
		DrainTimeout:   10 * time.Second,
		MaxReconnects:  -1,
		ReconnectWait:  2 * time.Second,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "natsrelay", "Validate",
			"url is required")
	}
	if c.ConnectTimeout < 0 || c.DrainTimeout < 0 || c.ReconnectWait < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "natsrelay", "Validate",
			"timeouts must be non-negative")
	}
	return nil
}

// connectFunc is swapped in tests to avoid a live server.
type connectFunc func(url string, options ...nats.Option) (publisher, error)

// publisher is the subset of *nats.Conn the sink uses.
type publisher interface {
	Publish(subject string, data []byte) error
	Drain() error
	Close()
}

func natsConnect(url string, options ...nats.Option) (publisher, error) {
	return nats.Connect(url, options...)
}

// Sink publishes events to NATS. The connection is established on the first
// delivery and reused afterwards.
type Sink struct {
	config  Config
	logger  *slog.Logger
	connect connectFunc

	mu   sync.Mutex
	conn publisher
}

// New creates a NATS relay sink from validated configuration.
func New(config Config, logger *slog.Logger) (*Sink, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		config:  config,
		logger:  logger.With("component", "natsrelay"),
		connect: natsConnect,
	}, nil
}

// Name returns the sink identifier used in logs and metrics.
func (s *Sink) Name() string { return "natsrelay" }

// Deliver publishes the event JSON to flagrelay.events.<kind>.
func (s *Sink) Deliver(ctx context.Context, event *notification.Event) error {
	if event == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "natsrelay", "Deliver", "nil event")
	}
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, "natsrelay", "Deliver", "context cancelled")
	}

	conn, err := s.connection()
	if err != nil {
		return errors.WrapTransient(err, "natsrelay", "Deliver", "connect failed")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return errors.WrapInvalid(err, "natsrelay", "Deliver", "marshal event")
	}

	subject := SubjectPrefix + "." + event.Kind.String()
	if err := conn.Publish(subject, payload); err != nil {
		return errors.WrapTransient(err, "natsrelay", "Deliver", "publish failed")
	}

	s.logger.Debug("event published", "subject", subject, "event_id", event.ID)
	return nil
}

// connection returns the shared connection, dialing on first use.
func (s *Sink) connection() (publisher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}

	conn, err := s.connect(s.config.URL,
		nats.Name(s.config.ClientName),
		nats.Timeout(s.config.ConnectTimeout),
		nats.MaxReconnects(s.config.MaxReconnects),
		nats.ReconnectWait(s.config.ReconnectWait),
		nats.DrainTimeout(s.config.DrainTimeout),
	)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	s.logger.Info("connected", "url", s.config.URL)
	return conn, nil
}

// Close drains the connection so buffered publishes flush before teardown.
func (s *Sink) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}

	drainDone := make(chan error, 1)
	go func() { drainDone <- conn.Drain() }()
	select {
	case err := <-drainDone:
		if err != nil {
			conn.Close()
			return errors.Wrap(err, "natsrelay", "Close", "drain failed")
		}
	case <-time.After(s.config.DrainTimeout):
		conn.Close()
		return errors.Wrap(errors.ErrConnectionTimeout, "natsrelay", "Close", "drain timed out")
	}
	return nil
}
