package ports

import (
	"context"
	"sync/atomic"

	"github.com/aretw0/stepgraph/pkg/domain"
)

// NewHandle wraps a shared RunStore into a handle that can be closed
// independently. Closing it leaves the underlying store untouched;
// every later call returns domain.ErrHandleClosed.
func NewHandle(store RunStore) RunHandle {
	return &handle{store: store}
}

type handle struct {
	store  RunStore
	closed atomic.Bool
}

func (h *handle) Create(ctx context.Context, run *domain.Run) error {
	if h.closed.Load() {
		return domain.ErrHandleClosed
	}
	return h.store.Create(ctx, run)
}

func (h *handle) Load(ctx context.Context, runID string) (*domain.Run, error) {
	if h.closed.Load() {
		return nil, domain.ErrHandleClosed
	}
	return h.store.Load(ctx, runID)
}

func (h *handle) Save(ctx context.Context, runID string, patch domain.RunPatch) error {
	if h.closed.Load() {
		return domain.ErrHandleClosed
	}
	return h.store.Save(ctx, runID, patch)
}

func (h *handle) List(ctx context.Context) ([]string, error) {
	if h.closed.Load() {
		return nil, domain.ErrHandleClosed
	}
	return h.store.List(ctx)
}

func (h *handle) Delete(ctx context.Context, runID string) error {
	if h.closed.Load() {
		return domain.ErrHandleClosed
	}
	return h.store.Delete(ctx, runID)
}

func (h *handle) Close() error {
	h.closed.Store(true)
	return nil
}
