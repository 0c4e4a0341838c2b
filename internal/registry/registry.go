package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned when an endpoint id is not registered.
var ErrNotFound = errors.New("endpoint not found")

// Endpoint is a remote inference target with a declared profile. The
// definition is immutable after registration; health state lives in the
// health tracker, keyed by ID.
type Endpoint struct {
	ID           string
	Region       string
	Tier         string
	CostPerUnit  float64
	Capabilities []string

	// Transport settings for the HTTP dispatcher.
	BaseURL       string
	Timeout       time.Duration
	MaxConcurrent int
}

// HasCapability reports whether the endpoint declares the named capability.
func (e *Endpoint) HasCapability(name string) bool {
	for _, c := range e.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// Filter narrows List results. Zero-value fields match everything.
type Filter struct {
	Tier       string
	Region     string
	Capability string
}

// Registry is the catalog of known endpoints. Reads are concurrent; writes
// are serialized.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

func New() *Registry {
	return &Registry{
		endpoints: make(map[string]*Endpoint),
	}
}

// Register adds or replaces an endpoint definition.
func (r *Registry) Register(ep *Endpoint) error {
	if ep == nil || ep.ID == "" {
		return fmt.Errorf("endpoint id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[ep.ID] = ep
	return nil
}

// Deregister removes an endpoint. Removing an unknown id is a no-op.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, id)
}

// Get returns the endpoint for id, or ErrNotFound.
func (r *Registry) Get(id string) (*Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ep, nil
}

// List returns all endpoints matching the filter.
func (r *Registry) List(f Filter) []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Endpoint
	for _, ep := range r.endpoints {
		if f.Tier != "" && ep.Tier != f.Tier {
			continue
		}
		if f.Region != "" && ep.Region != f.Region {
			continue
		}
		if f.Capability != "" && !ep.HasCapability(f.Capability) {
			continue
		}
		out = append(out, ep)
	}
	return out
}

// ReplaceAll swaps the whole catalog, used on config reload. Health state for
// surviving ids is untouched since it lives in the tracker.
func (r *Registry) ReplaceAll(eps []*Endpoint) {
	next := make(map[string]*Endpoint, len(eps))
	for _, ep := range eps {
		if ep != nil && ep.ID != "" {
			next[ep.ID] = ep
		}
	}
	r.mu.Lock()
	r.endpoints = next
	r.mu.Unlock()
}

// IDs returns the registered endpoint ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.endpoints))
	for id := range r.endpoints {
		ids = append(ids, id)
	}
	return ids
}
