package agentstream

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/flagrelay/metric"
)

type inputMetrics struct {
	slotsConnected prometheus.Gauge
	framesTotal    prometheus.Counter
	eventsTotal    *prometheus.CounterVec
	reconnects     prometheus.Counter
	probeFailures  prometheus.Counter
}

func newInputMetrics(registry *metric.MetricsRegistry) *inputMetrics {
	if registry == nil {
		return nil
	}

	m := &inputMetrics{
		slotsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flagrelay",
			Subsystem: "agentstream",
			Name:      "slots_connected",
			Help:      "Number of slots currently streaming",
		}),
		framesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flagrelay",
			Subsystem: "agentstream",
			Name:      "frames_total",
			Help:      "Total stream frames received across all slots",
		}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flagrelay",
			Subsystem: "agentstream",
			Name:      "events_total",
			Help:      "Frames by processing outcome",
		}, []string{"outcome"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flagrelay",
			Subsystem: "agentstream",
			Name:      "reconnects_total",
			Help:      "Total reconnection attempts across all slots",
		}),
		probeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flagrelay",
			Subsystem: "agentstream",
			Name:      "probe_failures_total",
			Help:      "Total failed upstream health probes",
		}),
	}

	_ = registry.RegisterGauge("agentstream", "slots_connected", m.slotsConnected)
	_ = registry.RegisterCounter("agentstream", "frames_total", m.framesTotal)
	_ = registry.RegisterCounterVec("agentstream", "events_total", m.eventsTotal)
	_ = registry.RegisterCounter("agentstream", "reconnects_total", m.reconnects)
	_ = registry.RegisterCounter("agentstream", "probe_failures_total", m.probeFailures)

	return m
}
