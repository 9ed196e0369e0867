package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Monitor holds the latest status of each named subsystem
type Monitor struct {
	mu       sync.RWMutex
	name     string
	statuses map[string]Status
}

// NewMonitor creates a monitor whose aggregate is reported under name
func NewMonitor(name string) *Monitor {
	return &Monitor{name: name, statuses: make(map[string]Status)}
}

// Update records status for component
func (m *Monitor) Update(component string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = component
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[component] = status
}

// UpdateHealthy marks component healthy
func (m *Monitor) UpdateHealthy(component, message string) {
	m.Update(component, NewHealthy(component, message))
}

// UpdateDegraded marks component degraded
func (m *Monitor) UpdateDegraded(component, message string) {
	m.Update(component, NewDegraded(component, message))
}

// UpdateUnhealthy marks component unhealthy
func (m *Monitor) UpdateUnhealthy(component, message string) {
	m.Update(component, NewUnhealthy(component, message))
}

// Get returns the status of component
func (m *Monitor) Get(component string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[component]
	return s, ok
}

// Remove forgets component
func (m *Monitor) Remove(component string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, component)
}

// List returns all statuses sorted by component
func (m *Monitor) List() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.statuses))
	for _, s := range m.statuses {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

// Aggregate returns the folded status of every component
func (m *Monitor) Aggregate() Status {
	return Aggregate(m.name, m.List())
}

// ServeHTTP writes the aggregate as JSON; unhealthy aggregates answer 503
func (m *Monitor) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	status := m.Aggregate()
	w.Header().Set("Content-Type", "application/json")
	if status.IsUnhealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(status)
}
