package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/flagrelay/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// agentServer serves health, config, and a scripted event stream.
func agentServer(t *testing.T, frames string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/config", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Optimizely-Sdk-Key") != "sdk-key" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/notifications/event-stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, frames)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

// sinkServer records Amplitude-shaped uploads.
type sinkServer struct {
	mu       sync.Mutex
	payloads []map[string]any
}

func (ss *sinkServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		ss.mu.Lock()
		ss.payloads = append(ss.payloads, body)
		ss.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
}

func (ss *sinkServer) count() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.payloads)
}

func fastTestConfig(agentURL string) *config.Config {
	cfg := config.Default()
	cfg.Agent.BaseURL = agentURL
	cfg.Agent.SDKKey = "sdk-key"
	cfg.Agent.BackoffBase = 5 * time.Millisecond
	cfg.Agent.BackoffMax = 50 * time.Millisecond
	cfg.Dispatch.RetryDelayBase = 10 * time.Millisecond
	cfg.Dispatch.RetryDelayMax = 50 * time.Millisecond
	cfg.Dispatch.YieldInterval = 5 * time.Millisecond
	return cfg
}

func TestPipelineEndToEnd(t *testing.T) {
	frames := "id: e1\ndata: {\"Type\":\"decision\",\"UserId\":\"u1\",\"DecisionInfo\":{\"flagKey\":\"f1\",\"variationKey\":\"v1\"}}\n\n" +
		"id: e1\ndata: {\"Type\":\"decision\",\"UserId\":\"u1\",\"DecisionInfo\":{\"flagKey\":\"f1\",\"variationKey\":\"v1\"}}\n\n" +
		"id: e2\ndata: {\"userId\":\"u2\",\"eventKey\":\"purchase\",\"eventTags\":{\"revenue\":\"19.99\"}}\n\n"
	agent := agentServer(t, frames)

	sink := &sinkServer{}
	sinkSrv := httptest.NewServer(sink.handler())
	defer sinkSrv.Close()

	cfg := fastTestConfig(agent.URL)
	cfg.Amplitude.APIKey = "amp-key"
	cfg.Amplitude.Endpoint = sinkSrv.URL

	o, err := New(context.Background(), cfg, nil, testLogger())
	require.NoError(t, err)
	require.NoError(t, o.Initialize())
	require.NoError(t, o.Start(context.Background()))
	defer func() { _ = o.Stop(2 * time.Second) }()

	// The duplicate e1 frame is suppressed: two uploads, not three.
	require.Eventually(t, func() bool { return sink.count() == 2 },
		3*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, sink.count())

	assert.Equal(t, []string{"amplitude"}, o.SinkNames())
	assert.True(t, o.Health().IsHealthy())
}

func TestPlaceholderCredentialsSkipSinks(t *testing.T) {
	agent := agentServer(t, "")

	cfg := fastTestConfig(agent.URL)
	cfg.Amplitude.APIKey = "your_amplitude_key_here"
	cfg.GA4.MeasurementID = "G-REAL"
	cfg.GA4.APISecret = "example_secret"

	o, err := New(context.Background(), cfg, nil, testLogger())
	require.NoError(t, err)
	defer func() { _ = o.Stop(time.Second) }()

	assert.Empty(t, o.SinkNames())
}

func TestZeroSinksStillRuns(t *testing.T) {
	frames := "id: e1\ndata: {\"userId\":\"u1\",\"eventKey\":\"click\"}\n\n"
	agent := agentServer(t, frames)

	cfg := fastTestConfig(agent.URL)

	o, err := New(context.Background(), cfg, nil, testLogger())
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))
	defer func() { _ = o.Stop(2 * time.Second) }()

	// The event is consumed and dropped without a sink; the queue drains.
	require.Eventually(t, func() bool { return o.queue.Depth() == 0 },
		2*time.Second, 10*time.Millisecond)
	assert.True(t, o.Health().IsHealthy())
}

func TestSinkFailureRetriesThenSucceeds(t *testing.T) {
	frames := "id: e1\ndata: {\"userId\":\"u1\",\"eventKey\":\"click\"}\n\n"
	agent := agentServer(t, frames)

	var mu sync.Mutex
	failures := 2
	deliveries := 0
	sinkSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		deliveries++
		w.WriteHeader(http.StatusOK)
	}))
	defer sinkSrv.Close()

	cfg := fastTestConfig(agent.URL)
	cfg.Amplitude.APIKey = "amp-key"
	cfg.Amplitude.Endpoint = sinkSrv.URL

	o, err := New(context.Background(), cfg, nil, testLogger())
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))
	defer func() { _ = o.Stop(2 * time.Second) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return deliveries == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	agent := agentServer(t, "")

	cfg := fastTestConfig(agent.URL)
	o, err := New(context.Background(), cfg, nil, testLogger())
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))

	require.NoError(t, o.Stop(2*time.Second))
	require.NoError(t, o.Stop(time.Second))
}

func TestInitializeRejectsBadCredential(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/config", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	cfg := fastTestConfig(server.URL)
	o, err := New(context.Background(), cfg, nil, testLogger())
	require.NoError(t, err)
	defer func() { _ = o.Stop(time.Second) }()

	require.Error(t, o.Initialize())
}
