package health

import (
	"sync"
	"time"
)

// Monitor collects per-component statuses and rolls them into a single
// aggregate for the pipeline. Components are tracked in the order they
// first report, which keeps sub-status order stable across snapshots.
type Monitor struct {
	mu       sync.RWMutex
	order    []string
	statuses map[string]Status
}

func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
	}
}

// Update records the status for a named component, registering the
// component on first sight.
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	if _, known := m.statuses[name]; !known {
		m.order = append(m.order, name)
	}
	m.statuses[name] = status
}

// UpdateHealthy marks a component healthy.
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateUnhealthy marks a component unhealthy.
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// Snapshot returns the recorded statuses in registration order.
func (m *Monitor) Snapshot() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := make([]Status, 0, len(m.order))
	for _, name := range m.order {
		snapshot = append(snapshot, m.statuses[name])
	}
	return snapshot
}

// AggregateHealth rolls every recorded status into one status for
// systemName. The worst sub-status wins.
func (m *Monitor) AggregateHealth(systemName string) Status {
	return Aggregate(systemName, m.Snapshot())
}
