// Package amplitude sends normalized notification events to the Amplitude
// HTTP API v2.
package amplitude

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/c360/flagrelay/errors"
	"github.com/c360/flagrelay/notification"
)

// DefaultEndpoint is the Amplitude HTTP API v2 upload URL.
const DefaultEndpoint = "https://api2.amplitude.com/2/httpapi"

// Config holds configuration for the Amplitude sink.
type Config struct {
	APIKey       string        `json:"api_key"`
	Endpoint     string        `json:"endpoint"`
	Timeout      time.Duration `json:"timeout"`
	MaxAttempts  int           `json:"max_attempts"`
	RetryBackoff time.Duration `json:"retry_backoff"`
}

// DefaultConfig returns the default sink configuration without credentials.
func DefaultConfig() Config {
	return Config{
		Endpoint:     DefaultEndpoint,
		Timeout:      10 * time.Second,
		MaxAttempts:  3,
		RetryBackoff: time.Second,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "amplitude", "Validate",
			"api_key is required")
	}
	if c.Endpoint != "" {
		if _, err := url.Parse(c.Endpoint); err != nil {
			return errors.WrapInvalid(err, "amplitude", "Validate", "invalid endpoint URL")
		}
	}
	if c.Timeout < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "amplitude", "Validate",
			"timeout must be non-negative")
	}
	if c.MaxAttempts < 0 || c.MaxAttempts > 10 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "amplitude", "Validate",
			"max_attempts must be between 0 and 10")
	}
	return nil
}

// Sink delivers events to Amplitude. It is safe for concurrent use.
type Sink struct {
	endpoint     string
	apiKey       string
	maxAttempts  int
	retryBackoff time.Duration
	client       *http.Client
	logger       *slog.Logger
	now          func() time.Time
}

// New creates an Amplitude sink from validated configuration.
func New(config Config, logger *slog.Logger) (*Sink, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	endpoint := config.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxAttempts := config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	retryBackoff := config.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = time.Second
	}

	return &Sink{
		endpoint:     endpoint,
		apiKey:       config.APIKey,
		maxAttempts:  maxAttempts,
		retryBackoff: retryBackoff,
		client:       &http.Client{Timeout: timeout},
		logger:       logger.With("component", "amplitude"),
		now:          time.Now,
	}, nil
}

// Name returns the sink identifier used in logs and metrics.
func (s *Sink) Name() string { return "amplitude" }

// apiEvent is the Amplitude HTTP API v2 event shape.
type apiEvent struct {
	EventType       string         `json:"event_type"`
	UserID          string         `json:"user_id"`
	Time            int64          `json:"time"`
	InsertID        string         `json:"insert_id"`
	UserProperties  map[string]any `json:"user_properties,omitempty"`
	EventProperties map[string]any `json:"event_properties,omitempty"`
	Revenue         *float64       `json:"revenue,omitempty"`
}

type apiRequest struct {
	APIKey string     `json:"api_key"`
	Events []apiEvent `json:"events"`
}

// Deliver transforms the event and uploads it. Rate-limit responses are
// retried in place with exponential backoff; other non-2xx responses fail
// immediately.
func (s *Sink) Deliver(ctx context.Context, event *notification.Event) error {
	if event == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "amplitude", "Deliver", "nil event")
	}

	payload, err := json.Marshal(apiRequest{
		APIKey: s.apiKey,
		Events: []apiEvent{s.transform(event)},
	})
	if err != nil {
		return errors.WrapInvalid(err, "amplitude", "Deliver", "marshal payload")
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if attempt > 1 {
			// 1s, 2s, 4s between rate-limited attempts.
			backoff := s.retryBackoff << (attempt - 2)
			s.logger.Warn("rate limited, backing off",
				"attempt", attempt,
				"backoff", backoff)
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.WrapTransient(ctx.Err(), "amplitude", "Deliver", "context cancelled")
			case <-timer.C:
			}
		}

		status, err := s.post(ctx, payload)
		if err != nil {
			return errors.WrapTransient(err, "amplitude", "Deliver", "request failed")
		}
		switch {
		case status >= 200 && status < 300:
			s.logger.Debug("event delivered", "event_id", event.ID, "kind", event.Kind.String())
			return nil
		case status == http.StatusTooManyRequests:
			continue
		default:
			return errors.WrapTransient(
				fmt.Errorf("%w: HTTP %d", errors.ErrSinkFailed, status),
				"amplitude", "Deliver", "upload rejected")
		}
	}

	return errors.WrapTransient(
		fmt.Errorf("%w: %d attempts", errors.ErrRateLimited, s.maxAttempts),
		"amplitude", "Deliver", "rate limit retries exhausted")
}

func (s *Sink) post(ctx context.Context, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	// Drain the body to reuse the connection.
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

// transform maps a normalized event onto the Amplitude event shape.
func (s *Sink) transform(event *notification.Event) apiEvent {
	props := map[string]any{
		"notification_type": event.Kind.String(),
	}
	switch event.Kind {
	case notification.KindDecision:
		if event.FlagKey != "" {
			props["flag_key"] = event.FlagKey
		}
		if event.RuleKey != "" {
			props["rule_key"] = event.RuleKey
		}
		if event.VariationKey != "" {
			props["variation_key"] = event.VariationKey
		}
		props["enabled"] = event.Enabled
		for key, value := range event.Variables {
			props["var_"+key] = value
		}
	case notification.KindTrack:
		if event.EventKey != "" {
			props["event_key"] = event.EventKey
		}
		if len(event.ExperimentIDs) > 0 {
			props["experiment_ids"] = strings.Join(event.ExperimentIDs, ",")
		}
		for key, value := range event.EventTags {
			if key == "revenue" {
				continue
			}
			props["tag_"+key] = value
		}
	}

	return apiEvent{
		EventType:       "optimizely_" + event.Kind.String(),
		UserID:          event.UserID,
		Time:            s.now().UnixMilli(),
		InsertID:        insertID(event),
		UserProperties:  event.Attributes,
		EventProperties: props,
		Revenue:         event.Revenue,
	}
}

// insertID derives a stable id from the fields that identify the event, so
// redelivery of the same event deduplicates on the vendor side.
func insertID(event *notification.Event) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s", event.Kind.String(), event.UserID, event.ID)
	switch event.Kind {
	case notification.KindDecision:
		fmt.Fprintf(h, "\x00%s\x00%s\x00%s", event.FlagKey, event.RuleKey, event.VariationKey)
	case notification.KindTrack:
		fmt.Fprintf(h, "\x00%s", event.EventKey)
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}
