package worker

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ignite/comm-dispatch/internal/service/dispatch"
	"github.com/ignite/comm-dispatch/internal/service/sending"
)

// Registry maps transport names to plugins. It implements
// sending.TransportResolver; an empty name selects the default.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]sending.Transport
	fallback   string
}

// NewRegistry creates a registry whose default transport is named fallback.
func NewRegistry(fallback string) *Registry {
	return &Registry{transports: make(map[string]sending.Transport), fallback: fallback}
}

// Register adds or replaces t under t.Name().
func (r *Registry) Register(t sending.Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[t.Name()] = t
}

// Transport implements sending.TransportResolver.
func (r *Registry) Transport(name string) (sending.Transport, error) {
	if name == "" {
		name = r.fallback
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", dispatch.ErrUnknownTransport, name)
	}
	return t, nil
}

// Names lists the registered transports in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transports))
	for n := range r.transports {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
