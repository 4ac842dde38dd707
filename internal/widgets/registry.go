// Package widgets tracks consumer registration order and queues
// callbacks for consumers that asked for data while a fetch was
// already in progress.
package widgets

import (
	"sync"
	"time"

	"github.com/meterboard/telemetry/internal/telemetry"
)

// Registration records one consumer widget. Priority is the 1-based
// registration order; first registered per domain wins ties.
type Registration struct {
	WidgetID     string
	Domain       telemetry.Domain
	RegisteredAt time.Time
	Priority     int
}

// Listener is a queued callback awaiting the hydration result for one
// cache key. Exactly one of items or err is meaningful.
type Listener func(items []telemetry.DeviceTotal, err error)

// Registry holds widget registrations and per-cache-key
// pending-listener queues. Queues are keyed by cache key, not domain:
// two hydrations for different periods of the same domain must each
// resolve only their own listeners.
type Registry struct {
	mu      sync.Mutex
	ordered []Registration
	byID    map[string]int // widget id -> index into ordered
	pending map[string][]Listener
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:    make(map[string]int),
		pending: make(map[string][]Listener),
	}
}

// Register appends the widget if not already present and returns its
// registration. Re-registering returns the existing record unchanged.
func (r *Registry) Register(widgetID string, domain telemetry.Domain) Registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if idx, ok := r.byID[widgetID]; ok {
		return r.ordered[idx]
	}

	reg := Registration{
		WidgetID:     widgetID,
		Domain:       domain,
		RegisteredAt: time.Now(),
		Priority:     len(r.ordered) + 1,
	}
	r.byID[widgetID] = len(r.ordered)
	r.ordered = append(r.ordered, reg)
	return reg
}

// Lookup returns the registration for a widget id.
func (r *Registry) Lookup(widgetID string) (Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.byID[widgetID]
	if !ok {
		return Registration{}, false
	}
	return r.ordered[idx], true
}

// ForDomain returns the registrations for a domain in priority order.
func (r *Registry) ForDomain(domain telemetry.Domain) []Registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Registration
	for _, reg := range r.ordered {
		if reg.Domain == domain {
			out = append(out, reg)
		}
	}
	return out
}

// Len returns the registration count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ordered)
}

// Enqueue queues a listener for the hydration result of a cache key.
func (r *Registry) Enqueue(key string, fn Listener) {
	r.mu.Lock()
	r.pending[key] = append(r.pending[key], fn)
	r.mu.Unlock()
}

// PendingCount returns how many listeners await a cache key's result.
func (r *Registry) PendingCount(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending[key])
}

// Drain invokes every queued listener for the key exactly once with
// the final result and clears the queue. Listeners run outside the
// lock.
func (r *Registry) Drain(key string, items []telemetry.DeviceTotal, err error) {
	r.mu.Lock()
	listeners := r.pending[key]
	delete(r.pending, key)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(items, err)
	}
}
