// Package ga4 sends normalized notification events to Google Analytics 4
// via the Measurement Protocol.
package ga4

import (
	"bytes"
	"context"
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

// DefaultEndpoint is the GA4 Measurement Protocol collection URL.
const DefaultEndpoint = "https://www.google-analytics.com/mp/collect"

// Config holds configuration for the GA4 sink.
type Config struct {
	MeasurementID string        `json:"measurement_id"`
	APISecret     string        `json:"api_secret"`
	Endpoint      string        `json:"endpoint"`
	Timeout       time.Duration `json:"timeout"`
	MaxAttempts   int           `json:"max_attempts"`
	RetryBackoff  time.Duration `json:"retry_backoff"`
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
	if c.MeasurementID == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "ga4", "Validate",
			"measurement_id is required")
	}
	if c.APISecret == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "ga4", "Validate",
			"api_secret is required")
	}
	if c.Endpoint != "" {
		if _, err := url.Parse(c.Endpoint); err != nil {
			return errors.WrapInvalid(err, "ga4", "Validate", "invalid endpoint URL")
		}
	}
	if c.Timeout < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ga4", "Validate",
			"timeout must be non-negative")
	}
	if c.MaxAttempts < 0 || c.MaxAttempts > 10 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ga4", "Validate",
			"max_attempts must be between 0 and 10")
	}
	return nil
}

// Sink delivers events to GA4. It is safe for concurrent use.
type Sink struct {
	collectURL   string
	maxAttempts  int
	retryBackoff time.Duration
	client       *http.Client
	logger       *slog.Logger
	now          func() time.Time
}

// New creates a GA4 sink from validated configuration.
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

	query := url.Values{}
	query.Set("measurement_id", config.MeasurementID)
	query.Set("api_secret", config.APISecret)

	return &Sink{
		collectURL:   endpoint + "?" + query.Encode(),
		maxAttempts:  maxAttempts,
		retryBackoff: retryBackoff,
		client:       &http.Client{Timeout: timeout},
		logger:       logger.With("component", "ga4"),
		now:          time.Now,
	}, nil
}

// Name returns the sink identifier used in logs and metrics.
func (s *Sink) Name() string { return "ga4" }

type mpEvent struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

type mpRequest struct {
	ClientID string    `json:"client_id"`
	UserID   string    `json:"user_id,omitempty"`
	Events   []mpEvent `json:"events"`
}

// Deliver transforms the event into a Measurement Protocol payload and
// uploads it. 200 and 204 count as success. Rate-limit responses are
// retried with exponential backoff.
func (s *Sink) Deliver(ctx context.Context, event *notification.Event) error {
	if event == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "ga4", "Deliver", "nil event")
	}

	payload, err := json.Marshal(mpRequest{
		ClientID: event.UserID,
		UserID:   event.UserID,
		Events:   []mpEvent{s.transform(event)},
	})
	if err != nil {
		return errors.WrapInvalid(err, "ga4", "Deliver", "marshal payload")
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := s.retryBackoff << (attempt - 2)
			s.logger.Warn("rate limited, backing off",
				"attempt", attempt,
				"backoff", backoff)
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.WrapTransient(ctx.Err(), "ga4", "Deliver", "context cancelled")
			case <-timer.C:
			}
		}

		status, err := s.post(ctx, payload)
		if err != nil {
			return errors.WrapTransient(err, "ga4", "Deliver", "request failed")
		}
		switch {
		case status == http.StatusOK || status == http.StatusNoContent:
			s.logger.Debug("event delivered", "event_id", event.ID, "kind", event.Kind.String())
			return nil
		case status == http.StatusTooManyRequests:
			continue
		default:
			return errors.WrapTransient(
				fmt.Errorf("%w: HTTP %d", errors.ErrSinkFailed, status),
				"ga4", "Deliver", "upload rejected")
		}
	}

	return errors.WrapTransient(
		fmt.Errorf("%w: %d attempts", errors.ErrRateLimited, s.maxAttempts),
		"ga4", "Deliver", "rate limit retries exhausted")
}

func (s *Sink) post(ctx context.Context, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.collectURL, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

// transform maps a normalized event onto a single GA4 event. Measurement
// Protocol params must be flat scalars, so maps are flattened with key
// prefixes and other non-scalar values are stringified.
func (s *Sink) transform(event *notification.Event) mpEvent {
	params := map[string]any{
		"notification_type": event.Kind.String(),
		// Required for realtime reporting.
		"session_id":           fmt.Sprintf("%d", s.now().UnixMilli()),
		"engagement_time_msec": 100,
	}
	for key, value := range event.Attributes {
		params["attr_"+key] = scalarize(value)
	}

	switch event.Kind {
	case notification.KindDecision:
		if event.FlagKey != "" {
			params["flag_key"] = event.FlagKey
		}
		if event.RuleKey != "" {
			params["rule_key"] = event.RuleKey
		}
		if event.VariationKey != "" {
			params["variation_key"] = event.VariationKey
		}
		params["enabled"] = event.Enabled
		for key, value := range event.Variables {
			params["var_"+key] = scalarize(value)
		}
	case notification.KindTrack:
		if event.EventKey != "" {
			params["event_key"] = event.EventKey
		}
		if len(event.ExperimentIDs) > 0 {
			params["experiment_ids"] = strings.Join(event.ExperimentIDs, ",")
		}
		if event.Revenue != nil {
			// GA4 expects revenue in the standard value param.
			params["value"] = *event.Revenue
		}
		for key, value := range event.EventTags {
			if key == "revenue" {
				continue
			}
			params["tag_"+key] = scalarize(value)
		}
	}

	return mpEvent{
		Name:   "optimizely_" + event.Kind.String(),
		Params: params,
	}
}

func scalarize(value any) any {
	switch value.(type) {
	case string, bool,
		int, int32, int64,
		float32, float64,
		json.Number:
		return value
	default:
		return fmt.Sprint(value)
	}
}
