package dataprovider

import (
	"fmt"
	"slices"
	"sync"
)

// Registry stores providers by id. It is safe for concurrent use after
// startup registration.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a registry holding the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds a provider under its ID. It panics on an empty or duplicate
// id since either is a wiring mistake.
func (r *Registry) Register(p Provider) {
	id := p.ID()
	if id == "" {
		panic("dataprovider: provider id is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[id]; exists {
		panic(fmt.Sprintf("dataprovider: provider %q already registered", id))
	}
	r.providers[id] = p
}

// Get returns the provider registered under id.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// IDs returns all registered provider ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
