package ga4

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
	cfg.MeasurementID = "G-TEST"
	cfg.APISecret = "secret"
	cfg.Endpoint = endpoint
	cfg.RetryBackoff = time.Millisecond
	return cfg
}

func trackEvent() *notification.Event {
	revenue := 42.5
	return &notification.Event{
		ID:            "evt-1",
		Kind:          notification.KindTrack,
		UserID:        "user-1",
		Attributes:    map[string]any{"tier": "gold", "nested": map[string]any{"a": 1}},
		EventKey:      "purchase",
		ExperimentIDs: []string{"10", "20"},
		EventTags:     map[string]any{"revenue": 42.5, "sku": "B-2"},
		Revenue:       &revenue,
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, cerrors.IsInvalid(err))

	cfg.MeasurementID = "G-1"
	require.Error(t, cfg.Validate())

	cfg.APISecret = "s"
	require.NoError(t, cfg.Validate())
}

func TestDeliverTrackPayload(t *testing.T) {
	var got mpRequest
	var query map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sink, err := New(testConfig(server.URL), testLogger())
	require.NoError(t, err)

	require.NoError(t, sink.Deliver(context.Background(), trackEvent()))

	assert.Equal(t, []string{"G-TEST"}, query["measurement_id"])
	assert.Equal(t, []string{"secret"}, query["api_secret"])
	assert.Equal(t, "user-1", got.ClientID)
	assert.Equal(t, "user-1", got.UserID)
	require.Len(t, got.Events, 1)
	ev := got.Events[0]
	assert.Equal(t, "optimizely_track", ev.Name)
	assert.Equal(t, "purchase", ev.Params["event_key"])
	assert.Equal(t, "10,20", ev.Params["experiment_ids"])
	assert.InDelta(t, 42.5, ev.Params["value"].(float64), 0.001)
	assert.Equal(t, "B-2", ev.Params["tag_sku"])
	assert.NotContains(t, ev.Params, "tag_revenue")
	assert.Equal(t, "gold", ev.Params["attr_tier"])
	// Non-scalar attributes arrive stringified.
	assert.IsType(t, "", ev.Params["attr_nested"])
	assert.NotEmpty(t, ev.Params["session_id"])
	assert.EqualValues(t, 100, ev.Params["engagement_time_msec"])
}

func TestDeliverDecisionPayload(t *testing.T) {
	var got mpRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink, err := New(testConfig(server.URL), testLogger())
	require.NoError(t, err)

	event := &notification.Event{
		ID:           "evt-2",
		Kind:         notification.KindDecision,
		UserID:       "user-2",
		FlagKey:      "new_nav",
		RuleKey:      "rollout",
		VariationKey: "on",
		Enabled:      true,
		Variables:    map[string]any{"limit": 5},
	}
	require.NoError(t, sink.Deliver(context.Background(), event))

	require.Len(t, got.Events, 1)
	ev := got.Events[0]
	assert.Equal(t, "optimizely_decision", ev.Name)
	assert.Equal(t, "new_nav", ev.Params["flag_key"])
	assert.Equal(t, "rollout", ev.Params["rule_key"])
	assert.Equal(t, "on", ev.Params["variation_key"])
	assert.Equal(t, true, ev.Params["enabled"])
	assert.EqualValues(t, 5, ev.Params["var_limit"])
}

func TestDeliverRetriesRateLimit(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sink, err := New(testConfig(server.URL), testLogger())
	require.NoError(t, err)

	require.NoError(t, sink.Deliver(context.Background(), trackEvent()))
	assert.Equal(t, int64(2), calls.Load())
}

func TestDeliverRateLimitExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	sink, err := New(testConfig(server.URL), testLogger())
	require.NoError(t, err)

	err = sink.Deliver(context.Background(), trackEvent())
	require.Error(t, err)
	assert.ErrorIs(t, err, cerrors.ErrRateLimited)
}

func TestDeliverClientErrorFailsImmediately(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	sink, err := New(testConfig(server.URL), testLogger())
	require.NoError(t, err)

	err = sink.Deliver(context.Background(), trackEvent())
	require.Error(t, err)
	assert.ErrorIs(t, err, cerrors.ErrSinkFailed)
	assert.Equal(t, int64(1), calls.Load())
}

func TestDeliverNilEvent(t *testing.T) {
	sink, err := New(testConfig("http://localhost"), testLogger())
	require.NoError(t, err)

	err = sink.Deliver(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, cerrors.IsInvalid(err))
}

func TestSinkName(t *testing.T) {
	sink, err := New(testConfig("http://localhost"), testLogger())
	require.NoError(t, err)
	assert.Equal(t, "ga4", sink.Name())
}
