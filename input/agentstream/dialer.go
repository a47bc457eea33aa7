package agentstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/c360/flagrelay/errors"
	"github.com/c360/flagrelay/pkg/eventstream"
)

// Stream is one open notification stream.
type Stream interface {
	// Next blocks until the next complete frame or stream closure.
	Next() (eventstream.Frame, error)
	// LastActivity reports when the last line, including heartbeat
	// comments, arrived.
	LastActivity() time.Time
	Close() error
}

// Dialer abstracts how streaming connections are opened, so tests can
// substitute the transport.
type Dialer interface {
	// Probe checks upstream liveness. It must succeed before a connect
	// attempt and is also used for out-of-band staleness checks.
	Probe(ctx context.Context) error
	// ValidateKey verifies the configured credential against upstream.
	ValidateKey(ctx context.Context) error
	// Dial opens one streaming connection.
	Dial(ctx context.Context) (Stream, error)
}

// httpDialer is the default Dialer speaking HTTP text/event-stream against
// an Optimizely Agent.
type httpDialer struct {
	baseURL      string
	sdkKey       string
	filter       string
	probeClient  *http.Client
	streamClient *http.Client
}

func newHTTPDialer(cfg Config) *httpDialer {
	return &httpDialer{
		baseURL:     cfg.BaseURL,
		sdkKey:      cfg.SDKKey,
		filter:      cfg.Filter,
		probeClient: &http.Client{Timeout: cfg.ProbeTimeout},
		// No overall timeout: the stream stays open indefinitely.
		streamClient: &http.Client{},
	}
}

func (d *httpDialer) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/health", nil)
	if err != nil {
		return errors.Wrap(err, "agentstream", "Probe", "build request")
	}
	resp, err := d.probeClient.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "agentstream", "Probe", "health check failed")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return errors.WrapTransient(
			fmt.Errorf("%w: HTTP %d", errors.ErrAgentUnhealthy, resp.StatusCode),
			"agentstream", "Probe", "health check failed")
	}
	return nil
}

func (d *httpDialer) ValidateKey(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/v1/config", nil)
	if err != nil {
		return errors.Wrap(err, "agentstream", "ValidateKey", "build request")
	}
	req.Header.Set("X-Optimizely-Sdk-Key", d.sdkKey)

	resp, err := d.probeClient.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "agentstream", "ValidateKey", "config request failed")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return errors.WrapFatal(
			fmt.Errorf("%w: HTTP %d", errors.ErrInvalidConfig, resp.StatusCode),
			"agentstream", "ValidateKey", "credential rejected")
	}
	return nil
}

func (d *httpDialer) Dial(ctx context.Context) (Stream, error) {
	streamURL := d.baseURL + "/v1/notifications/event-stream"
	if d.filter != "" {
		streamURL += "?filter=" + url.QueryEscape(d.filter)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "agentstream", "Dial", "build request")
	}
	req.Header.Set("X-Optimizely-Sdk-Key", d.sdkKey)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := d.streamClient.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(err, "agentstream", "Dial", "subscribe failed")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: HTTP %d", errors.ErrConnectionLost, resp.StatusCode),
			"agentstream", "Dial", "subscribe rejected")
	}

	return &httpStream{
		scanner: eventstream.NewScanner(resp.Body),
		body:    resp.Body,
	}, nil
}

type httpStream struct {
	scanner *eventstream.Scanner
	body    io.ReadCloser
}

func (s *httpStream) Next() (eventstream.Frame, error) { return s.scanner.Next() }
func (s *httpStream) LastActivity() time.Time          { return s.scanner.LastActivity() }
func (s *httpStream) Close() error                     { return s.body.Close() }
