package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/c360/depkit/depgraph"
)

// Monitor keeps the latest status per name. It is safe for concurrent use.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMonitor creates an empty monitor
func NewMonitor() *Monitor {
	return &Monitor{statuses: make(map[string]Status)}
}

// Update stores status under name, stamping it if needed
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.mu.Lock()
	m.statuses[name] = status
	m.mu.Unlock()
}

// UpdateHealthy marks name healthy
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateUnhealthy marks name unhealthy
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// UpdateDegraded marks name degraded
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// Get returns the status of name
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.statuses[name]
	return status, ok
}

// GetAll returns a copy of every status
func (m *Monitor) GetAll() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.statuses))
	for name, status := range m.statuses {
		out[name] = status
	}
	return out
}

// Remove stops monitoring name
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	delete(m.statuses, name)
	m.mu.Unlock()
}

// AggregateHealth aggregates every status under systemName
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	subs := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		subs = append(subs, status)
	}
	m.mu.RUnlock()
	return Aggregate(systemName, subs)
}

// ListComponents returns the monitored names in order
func (m *Monitor) ListComponents() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.statuses))
	for name := range m.statuses {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Count returns the number of monitored names
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.statuses)
}

// Watch seeds the monitor from the graph snapshot and follows every state
// change until the returned function is called. Removed components are
// dropped.
func (m *Monitor) Watch(g *depgraph.Graph) (func(), error) {
	sub, err := g.Subscribe("health", func(_ context.Context, ev depgraph.StateChange) {
		if ev.To == depgraph.StateInactive {
			m.Remove(ev.Component)
			return
		}
		if view, ok := g.Component(ev.Component); ok {
			m.Update(ev.Component, FromComponent(view))
		}
	})
	if err != nil {
		return nil, err
	}
	for _, view := range g.Snapshot().Components {
		m.Update(view.Name, FromComponent(view))
	}
	return sub.Close, nil
}
