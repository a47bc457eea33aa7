// Package metric provides Prometheus metrics infrastructure for the relay.
//
// A MetricsRegistry wraps a private Prometheus registry so tests and
// multiple pipeline instances never collide on the global default registry.
// The registry carries a set of core pipeline metrics (component status,
// event counters, delivery durations, stream connection state) and lets
// components register their own collectors under a namespaced key.
//
// Server exposes the registry over HTTP at /metrics in OpenMetrics format.
package metric
