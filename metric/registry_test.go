package metric

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/c360/flagrelay/errors"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()
	require.NotNil(t, registry)
	require.NotNil(t, registry.PrometheusRegistry())
	require.NotNil(t, registry.CoreMetrics())
}

func TestRegisterCounter(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter_total",
		Help: "test counter",
	})
	require.NoError(t, registry.RegisterCounter("dispatch", "test_counter", counter))

	// Same key again is rejected
	err := registry.RegisterCounter("dispatch", "test_counter", counter)
	require.Error(t, err)
	assert.True(t, cerrors.IsInvalid(err))
}

func TestRegisterDifferentComponentsSameName(t *testing.T) {
	registry := NewMetricsRegistry()

	c1 := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shared_total", Help: "x",
		ConstLabels: prometheus.Labels{"component": "a"},
	})
	c2 := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shared_total", Help: "x",
		ConstLabels: prometheus.Labels{"component": "b"},
	})

	require.NoError(t, registry.RegisterCounter("a", "shared", c1))
	require.NoError(t, registry.RegisterCounter("b", "shared", c2))
}

func TestRegisterGaugeAndHistogram(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "g"})
	require.NoError(t, registry.RegisterGauge("agentstream", "test_gauge", gauge))

	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_hist", Help: "h"})
	require.NoError(t, registry.RegisterHistogram("agentstream", "test_hist", histogram))
}

func TestUnregister(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "gone_total", Help: "c"})
	require.NoError(t, registry.RegisterCounter("fanout", "gone", counter))

	assert.True(t, registry.Unregister("fanout", "gone"))
	assert.False(t, registry.Unregister("fanout", "gone"))

	// Key is free again after unregister
	require.NoError(t, registry.RegisterCounter("fanout", "gone", counter))
}

func TestCoreMetricsRecorders(t *testing.T) {
	registry := NewMetricsRegistry()
	core := registry.CoreMetrics()

	// Recorders must not panic and must show up in a gather
	core.RecordComponentStatus("agentstream", 2)
	core.RecordEventReceived("agentstream", "decision")
	core.RecordEventProcessed("fanout", "decision", "success")
	core.RecordEventDelivered("amplitude", "success")
	core.RecordDeliveryDuration("amplitude", 42*time.Millisecond)
	core.RecordError("dispatch", "transient")
	core.RecordHealthStatus("agentstream", true)
	core.RecordStreamConnections(2)
	core.RecordStreamReconnect()
	core.RecordDuplicate()

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["flagrelay_events_received_total"])
	assert.True(t, names["flagrelay_events_delivered_total"])
	assert.True(t, names["flagrelay_stream_reconnects_total"])
	assert.True(t, names["flagrelay_stream_duplicates_total"])
}
