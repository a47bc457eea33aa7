package amplitude

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/c360/flagrelay/errors"
	"github.com/c360/flagrelay/notification"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(endpoint string) Config {
	cfg := DefaultConfig()
	cfg.APIKey = "test-key"
	cfg.Endpoint = endpoint
	cfg.RetryBackoff = time.Millisecond
	return cfg
}

func decisionEvent() *notification.Event {
	return &notification.Event{
		ID:           "evt-1",
		Kind:         notification.KindDecision,
		UserID:       "user-1",
		Attributes:   map[string]any{"plan": "pro"},
		FlagKey:      "checkout_flow",
		RuleKey:      "rule-1",
		VariationKey: "treatment",
		Enabled:      true,
		Variables:    map[string]any{"color": "blue"},
		ReceivedAt:   time.Now(),
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, cerrors.IsInvalid(err))

	cfg.APIKey = "k"
	require.NoError(t, cfg.Validate())

	cfg.MaxAttempts = 11
	require.Error(t, cfg.Validate())
}

func TestDeliverDecisionPayload(t *testing.T) {
	var got apiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink, err := New(testConfig(server.URL), testLogger())
	require.NoError(t, err)

	require.NoError(t, sink.Deliver(context.Background(), decisionEvent()))

	assert.Equal(t, "test-key", got.APIKey)
	require.Len(t, got.Events, 1)
	ev := got.Events[0]
	assert.Equal(t, "optimizely_decision", ev.EventType)
	assert.Equal(t, "user-1", ev.UserID)
	assert.NotEmpty(t, ev.InsertID)
	assert.Equal(t, "pro", ev.UserProperties["plan"])
	assert.Equal(t, "checkout_flow", ev.EventProperties["flag_key"])
	assert.Equal(t, "treatment", ev.EventProperties["variation_key"])
	assert.Equal(t, true, ev.EventProperties["enabled"])
	assert.Equal(t, "blue", ev.EventProperties["var_color"])
}

func TestDeliverTrackPromotesRevenue(t *testing.T) {
	var got apiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink, err := New(testConfig(server.URL), testLogger())
	require.NoError(t, err)

	revenue := 19.99
	event := &notification.Event{
		ID:            "evt-2",
		Kind:          notification.KindTrack,
		UserID:        "user-2",
		EventKey:      "purchase",
		ExperimentIDs: []string{"111", "222"},
		EventTags:     map[string]any{"revenue": 19.99, "sku": "A-1"},
		Revenue:       &revenue,
	}
	require.NoError(t, sink.Deliver(context.Background(), event))

	require.Len(t, got.Events, 1)
	ev := got.Events[0]
	assert.Equal(t, "optimizely_track", ev.EventType)
	require.NotNil(t, ev.Revenue)
	assert.InDelta(t, 19.99, *ev.Revenue, 0.001)
	assert.Equal(t, "purchase", ev.EventProperties["event_key"])
	assert.Equal(t, "111,222", ev.EventProperties["experiment_ids"])
	assert.Equal(t, "A-1", ev.EventProperties["tag_sku"])
	// Revenue stays out of the tag properties once promoted.
	assert.NotContains(t, ev.EventProperties, "tag_revenue")
}

func TestDeliverRetriesRateLimit(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink, err := New(testConfig(server.URL), testLogger())
	require.NoError(t, err)

	require.NoError(t, sink.Deliver(context.Background(), decisionEvent()))
	assert.Equal(t, int64(3), calls.Load())
}

func TestDeliverRateLimitExhausted(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	sink, err := New(testConfig(server.URL), testLogger())
	require.NoError(t, err)

	err = sink.Deliver(context.Background(), decisionEvent())
	require.Error(t, err)
	assert.ErrorIs(t, err, cerrors.ErrRateLimited)
	assert.True(t, cerrors.IsTransient(err))
	assert.Equal(t, int64(3), calls.Load())
}

func TestDeliverServerErrorFailsImmediately(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sink, err := New(testConfig(server.URL), testLogger())
	require.NoError(t, err)

	err = sink.Deliver(context.Background(), decisionEvent())
	require.Error(t, err)
	assert.ErrorIs(t, err, cerrors.ErrSinkFailed)
	assert.Equal(t, int64(1), calls.Load())
}

func TestDeliverConnectionRefused(t *testing.T) {
	sink, err := New(testConfig("http://127.0.0.1:1"), testLogger())
	require.NoError(t, err)

	err = sink.Deliver(context.Background(), decisionEvent())
	require.Error(t, err)
	assert.True(t, cerrors.IsTransient(err))
}

func TestDeliverNilEvent(t *testing.T) {
	sink, err := New(testConfig("http://localhost"), testLogger())
	require.NoError(t, err)

	err = sink.Deliver(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, cerrors.IsInvalid(err))
}

func TestInsertIDDeterministic(t *testing.T) {
	a := insertID(decisionEvent())
	b := insertID(decisionEvent())
	assert.Equal(t, a, b)

	other := decisionEvent()
	other.VariationKey = "control"
	assert.NotEqual(t, a, insertID(other))
}

func TestSinkName(t *testing.T) {
	sink, err := New(testConfig("http://localhost"), testLogger())
	require.NoError(t, err)
	assert.Equal(t, "amplitude", sink.Name())
}
