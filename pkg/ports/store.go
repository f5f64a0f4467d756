package ports

import (
	"context"
	"io"

	"github.com/aretw0/stepgraph/pkg/domain"
)

// RunStore defines the interface for persisting run records.
type RunStore interface {
	// Create persists a new run record, replacing any record with the same ID.
	Create(ctx context.Context, run *domain.Run) error

	// Load retrieves the run record for a given run ID.
	// Returns domain.ErrRunNotFound if the run does not exist.
	Load(ctx context.Context, runID string) (*domain.Run, error)

	// Save upserts the non-nil fields of patch. It must be durable when it returns
	// and idempotent: saving the same patch twice leaves the same record.
	Save(ctx context.Context, runID string, patch domain.RunPatch) error

	// List returns the IDs of all stored runs.
	List(ctx context.Context) ([]string, error)

	// Delete removes the run record.
	Delete(ctx context.Context, runID string) error
}

// RunHandle is a RunStore owned by a single user (typically one run).
// Using a handle after Close returns domain.ErrHandleClosed.
type RunHandle interface {
	RunStore
	io.Closer
}

// StoreOpener hands out isolated handles onto a shared store.
// The engine never shares a handle between concurrently executing runs.
type StoreOpener interface {
	Open(ctx context.Context) (RunHandle, error)
}
