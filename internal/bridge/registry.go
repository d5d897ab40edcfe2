package bridge

import (
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/auditd/internal/config"
)

// Registry holds the immutable set of enabled bridge endpoints resolved at
// config load time.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]config.EndpointConfig
	order     []string
}

// NewRegistry builds a registry from endpoint configs. Disabled endpoints
// are skipped; the config loader has already dropped malformed entries.
func NewRegistry(endpoints []config.EndpointConfig) *Registry {
	r := &Registry{
		endpoints: make(map[string]config.EndpointConfig, len(endpoints)),
	}
	for _, ep := range endpoints {
		if !ep.IsEnabled() {
			continue
		}
		r.endpoints[ep.Name] = ep
		r.order = append(r.order, ep.Name)
	}
	return r
}

// Get returns the endpoint by name.
func (r *Registry) Get(name string) (config.EndpointConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ep, ok := r.endpoints[name]
	if !ok {
		return config.EndpointConfig{}, fmt.Errorf("%w: %s", ErrUnknownBridge, name)
	}
	return ep, nil
}

// List returns endpoints in configuration order.
func (r *Registry) List() []config.EndpointConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]config.EndpointConfig, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.endpoints[name])
	}
	return out
}

// Len returns the number of registered endpoints.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}
