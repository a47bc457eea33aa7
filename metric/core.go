package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all pipeline-level metrics (not component-specific)
type Metrics struct {
	// Component metrics
	ComponentStatus   *prometheus.GaugeVec
	EventsReceived    *prometheus.CounterVec
	EventsProcessed   *prometheus.CounterVec
	EventsDelivered   *prometheus.CounterVec
	DeliveryDuration  *prometheus.HistogramVec
	ErrorsTotal       *prometheus.CounterVec
	HealthCheckStatus *prometheus.GaugeVec

	// Upstream stream metrics
	StreamConnections prometheus.Gauge
	StreamReconnects  prometheus.Counter
	DuplicatesTotal   prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all pipeline metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ComponentStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "flagrelay",
				Subsystem: "component",
				Name:      "status",
				Help:      "Component status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"component"},
		),

		EventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "flagrelay",
				Subsystem: "events",
				Name:      "received_total",
				Help:      "Total number of notification events received",
			},
			[]string{"component", "kind"},
		),

		EventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "flagrelay",
				Subsystem: "events",
				Name:      "processed_total",
				Help:      "Total number of notification events processed",
			},
			[]string{"component", "kind", "status"},
		),

		EventsDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "flagrelay",
				Subsystem: "events",
				Name:      "delivered_total",
				Help:      "Total number of events delivered to analytics sinks",
			},
			[]string{"sink", "status"},
		),

		DeliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "flagrelay",
				Subsystem: "delivery",
				Name:      "duration_seconds",
				Help:      "Sink delivery duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"sink"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "flagrelay",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"component", "type"},
		),

		HealthCheckStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "flagrelay",
				Subsystem: "health",
				Name:      "status",
				Help:      "Health check status (0=unhealthy, 1=healthy)",
			},
			[]string{"component"},
		),

		StreamConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "flagrelay",
				Subsystem: "stream",
				Name:      "connections",
				Help:      "Number of active event stream connections",
			},
		),

		StreamReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "flagrelay",
				Subsystem: "stream",
				Name:      "reconnects_total",
				Help:      "Total number of event stream reconnections",
			},
		),

		DuplicatesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "flagrelay",
				Subsystem: "stream",
				Name:      "duplicates_total",
				Help:      "Total number of duplicate events suppressed",
			},
		),
	}
}

// RecordComponentStatus updates component status metric
func (c *Metrics) RecordComponentStatus(component string, status int) {
	c.ComponentStatus.WithLabelValues(component).Set(float64(status))
}

// RecordEventReceived increments received event counter
func (c *Metrics) RecordEventReceived(component, kind string) {
	c.EventsReceived.WithLabelValues(component, kind).Inc()
}

// RecordEventProcessed increments processed event counter
func (c *Metrics) RecordEventProcessed(component, kind, status string) {
	c.EventsProcessed.WithLabelValues(component, kind, status).Inc()
}

// RecordEventDelivered increments sink delivery counter
func (c *Metrics) RecordEventDelivered(sink, status string) {
	c.EventsDelivered.WithLabelValues(sink, status).Inc()
}

// RecordDeliveryDuration records sink delivery time
func (c *Metrics) RecordDeliveryDuration(sink string, duration time.Duration) {
	c.DeliveryDuration.WithLabelValues(sink).Observe(duration.Seconds())
}

// RecordError increments error counter
func (c *Metrics) RecordError(component, errorType string) {
	c.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordHealthStatus updates health check status
func (c *Metrics) RecordHealthStatus(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	c.HealthCheckStatus.WithLabelValues(component).Set(value)
}

// RecordStreamConnections updates the active connection gauge
func (c *Metrics) RecordStreamConnections(count int) {
	c.StreamConnections.Set(float64(count))
}

// RecordStreamReconnect increments reconnection counter
func (c *Metrics) RecordStreamReconnect() {
	c.StreamReconnects.Inc()
}

// RecordDuplicate increments the suppressed duplicate counter
func (c *Metrics) RecordDuplicate() {
	c.DuplicatesTotal.Inc()
}
