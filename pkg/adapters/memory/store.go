package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/aretw0/stepgraph/pkg/domain"
	"github.com/aretw0/stepgraph/pkg/ports"
)

// Store implements ports.RunStore in memory.
// Safe for concurrent use.
type Store struct {
	data map[string]*domain.Run
	mu   sync.RWMutex
}

var (
	_ ports.RunStore    = (*Store)(nil)
	_ ports.StoreOpener = (*Store)(nil)
)

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		data: make(map[string]*domain.Run),
	}
}

// Open returns a handle onto the store.
func (s *Store) Open(ctx context.Context) (ports.RunHandle, error) {
	return ports.NewHandle(s), nil
}

// Create persists a copy of run.
func (s *Store) Create(ctx context.Context, run *domain.Run) error {
	// Deep copy to ensure isolation, similar to serialization
	copied := run.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[run.ID] = copied
	return nil
}

// Load retrieves a copy of the run.
func (s *Store) Load(ctx context.Context, runID string) (*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.data[runID]
	if !ok {
		return nil, domain.ErrRunNotFound
	}

	// Copy on read so callers can't mutate store state by pointer
	return run.Clone(), nil
}

// Save applies patch to the stored run, creating it if missing.
func (s *Store) Save(ctx context.Context, runID string, patch domain.RunPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.data[runID]
	if !ok {
		run = domain.NewRun(runID, "", nil)
		s.data[runID] = run
	}
	run.Apply(patch)
	return nil
}

// Delete removes the run.
func (s *Store) Delete(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, runID)
	return nil
}

// List returns stored run IDs, sorted.
func (s *Store) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]string, 0, len(s.data))
	for id := range s.data {
		runs = append(runs, id)
	}
	sort.Strings(runs)
	return runs, nil
}
