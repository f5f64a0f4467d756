package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/stepgraph/pkg/ports"
)

// lockEntry holds the mutex and the reference count.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// guard serializes work per run ID. Entries are reference counted so the
// map only holds IDs that someone is currently using.
type guard struct {
	mu    sync.Mutex
	locks map[string]*lockEntry

	locker ports.DistributedLocker // optional
	ttl    time.Duration
	logger *slog.Logger
}

func newGuard(logger *slog.Logger) *guard {
	return &guard{
		locks:  make(map[string]*lockEntry),
		logger: logger,
	}
}

// acquire gets or creates a lock entry and increments its reference count.
// The caller must lock entry.mu, then call release(runID) after unlocking.
func (g *guard) acquire(runID string) *lockEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, exists := g.locks[runID]
	if !exists {
		entry = &lockEntry{}
		g.locks[runID] = entry
	}
	entry.refs++
	return entry
}

// release decrements the reference count and deletes the entry if it reaches zero.
func (g *guard) release(runID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, exists := g.locks[runID]
	if !exists {
		return
	}

	entry.refs--
	if entry.refs <= 0 {
		delete(g.locks, runID)
	}
}

// active returns the number of run IDs currently guarded.
func (g *guard) active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.locks)
}

// WithLock runs fn while holding the lock for runID.
func (g *guard) WithLock(ctx context.Context, runID string, fn func(context.Context) error) error {
	entry := g.acquire(runID)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		g.release(runID)
	}()

	if g.locker != nil {
		unlock, err := g.locker.Lock(ctx, runID, g.ttl)
		if err != nil {
			return fmt.Errorf("failed to acquire distributed lock: %w", err)
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				g.logger.Warn("failed to release distributed lock (will expire via TTL)",
					"run_id", runID,
					"err", err,
				)
			}
		}()
	}

	return fn(ctx)
}
