package graph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aretw0/stepgraph/pkg/domain"
)

// Registry maps graph IDs to definitions.
// It is constructed once at process start and passed to whoever needs it.
type Registry struct {
	mu     sync.RWMutex
	graphs map[string]*Graph
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		graphs: make(map[string]*Graph),
	}
}

// Register validates g and adds it under g.ID().
// If a graph with the same ID exists, it is overwritten.
func (r *Registry) Register(g *Graph) error {
	if g == nil {
		return fmt.Errorf("cannot register nil graph")
	}
	if g.ID() == "" {
		return fmt.Errorf("cannot register graph without an id")
	}
	if err := g.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.graphs[g.ID()] = g
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(g *Graph) {
	if err := r.Register(g); err != nil {
		panic(err)
	}
}

// Get looks up a graph by ID.
// Returns domain.ErrGraphNotFound if it is not registered.
func (r *Registry) Get(id string) (*Graph, error) {
	r.mu.RLock()
	g, ok := r.graphs[id]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrGraphNotFound, id)
	}
	return g, nil
}

// IDs returns the registered graph IDs, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.graphs))
	for id := range r.graphs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
