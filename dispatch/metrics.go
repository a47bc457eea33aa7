package dispatch

import (
	"github.com/c360/flagrelay/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// queueMetrics holds Prometheus metrics for the delivery queue.
type queueMetrics struct {
	deliveries    *prometheus.CounterVec
	retriesTotal  prometheus.Counter
	depthGauge    prometheus.Gauge
	retrySetGauge prometheus.Gauge
}

func newQueueMetrics(registry *metric.MetricsRegistry) (*queueMetrics, error) {
	m := &queueMetrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flagrelay",
			Subsystem: "dispatch",
			Name:      "deliveries_total",
			Help:      "Delivery attempts resolved, by outcome",
		}, []string{"status"}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flagrelay",
			Subsystem: "dispatch",
			Name:      "retries_scheduled_total",
			Help:      "Total number of retries scheduled",
		}),
		depthGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flagrelay",
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Current primary queue depth",
		}),
		retrySetGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flagrelay",
			Subsystem: "dispatch",
			Name:      "retry_set_size",
			Help:      "Items currently awaiting retry",
		}),
	}

	if err := registry.RegisterCounterVec("dispatch", "deliveries", m.deliveries); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("dispatch", "retries_scheduled", m.retriesTotal); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("dispatch", "queue_depth", m.depthGauge); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("dispatch", "retry_set_size", m.retrySetGauge); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *queueMetrics) recordDelivery(status string) {
	m.deliveries.WithLabelValues(status).Inc()
}

func (m *queueMetrics) recordRetryScheduled() {
	m.retriesTotal.Inc()
}

func (m *queueMetrics) setDepth(depth int) {
	m.depthGauge.Set(float64(depth))
}

func (m *queueMetrics) setRetrySetSize(size int) {
	m.retrySetGauge.Set(float64(size))
}
