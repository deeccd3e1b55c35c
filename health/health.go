// Package health aggregates the health of registered data sources and
// serves it over HTTP for liveness probes and status dashboards.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/nndrao/components-sub001/component"
	"github.com/nndrao/components-sub001/connection"
)

// Status is the reported health of one source.
type Status struct {
	Source    string    `json:"source"`
	Healthy   bool      `json:"healthy"`
	State     string    `json:"state"`
	Message   string    `json:"message,omitempty"`
	Rows      int       `json:"rows"`
	Errors    int       `json:"errors"`
	Uptime    string    `json:"uptime,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Source is the slice of a data source the monitor inspects. The
// datasource provider satisfies it.
type Source interface {
	component.Discoverable
	ConnectionState() connection.State
	RowCount() int
}

// Monitor polls registered sources on demand.
type Monitor struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{sources: make(map[string]Source)}
}

// Register adds a source under its metadata name. Re-registering a name
// replaces the previous source.
func (m *Monitor) Register(src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[src.Meta().Name] = src
}

// Unregister removes a source.
func (m *Monitor) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sources, name)
}

// Check returns the current status of every registered source.
func (m *Monitor) Check() []Status {
	m.mu.RLock()
	sources := make([]Source, 0, len(m.sources))
	for _, src := range m.sources {
		sources = append(sources, src)
	}
	m.mu.RUnlock()

	now := time.Now()
	statuses := make([]Status, 0, len(sources))
	for _, src := range sources {
		h := src.Health()
		s := Status{
			Source:    src.Meta().Name,
			Healthy:   h.Healthy,
			State:     src.ConnectionState().String(),
			Message:   h.LastError,
			Rows:      src.RowCount(),
			Errors:    h.ErrorCount,
			CheckedAt: now,
		}
		if h.Uptime > 0 {
			s.Uptime = h.Uptime.Round(time.Second).String()
		}
		statuses = append(statuses, s)
	}
	return statuses
}

// Healthy reports whether every registered source is healthy. An empty
// monitor is healthy.
func (m *Monitor) Healthy() bool {
	for _, s := range m.Check() {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// Handler serves the status report as JSON. Any unhealthy source turns
// the response into 503 so load balancers can act on it.
func (m *Monitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		statuses := m.Check()
		code := http.StatusOK
		for _, s := range statuses {
			if !s.Healthy {
				code = http.StatusServiceUnavailable
				break
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"healthy": code == http.StatusOK,
			"sources": statuses,
		})
	})
}
