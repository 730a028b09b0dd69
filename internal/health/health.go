// Package health aggregates readiness probes for the subsystems a running
// instance depends on.
package health

import (
	"context"
	"sort"
	"sync"
)

// Probe reports whether one subsystem can serve. A nil error means ready.
type Probe func(ctx context.Context) error

// Status is the outcome of one probe.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Registry runs named probes on demand.
type Registry struct {
	mu     sync.RWMutex
	probes map[string]Probe
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{probes: make(map[string]Probe)}
}

// Register adds a probe under name, replacing any previous one.
func (r *Registry) Register(name string, p Probe) {
	r.mu.Lock()
	r.probes[name] = p
	r.mu.Unlock()
}

// CheckAll runs every probe and reports the aggregate along with the
// per-subsystem results, sorted by name.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	probes := make(map[string]Probe, len(r.probes))
	for name, p := range r.probes {
		probes[name] = p
	}
	r.mu.RUnlock()

	names := make([]string, 0, len(probes))
	for name := range probes {
		names = append(names, name)
	}
	sort.Strings(names)

	ready := true
	statuses := make([]Status, 0, len(names))
	for _, name := range names {
		st := Status{Name: name, Healthy: true}
		if err := probes[name](ctx); err != nil {
			st.Healthy = false
			st.Detail = err.Error()
			ready = false
		}
		statuses = append(statuses, st)
	}
	return ready, statuses
}
