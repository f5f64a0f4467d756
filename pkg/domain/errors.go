package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrGraphNotFound is returned when a submission names an unregistered graph.
	ErrGraphNotFound = errors.New("graph not found")

	// ErrRunNotFound is returned when a run ID cannot be found in the store.
	ErrRunNotFound = errors.New("run not found")

	// ErrNodeNotFound is returned when the engine reaches a node name that is not registered.
	ErrNodeNotFound = errors.New("node not found")

	// ErrInvalidTarget is returned when an edge or router resolves to an unknown node.
	ErrInvalidTarget = errors.New("invalid transition target")

	// ErrStepLimitExceeded is returned when a run exceeds the configured maximum step count.
	ErrStepLimitExceeded = errors.New("maximum execution steps exceeded")

	// ErrNodePanic is returned when a node or router panics.
	ErrNodePanic = errors.New("node panicked")

	// ErrHandleClosed is returned when a store handle is used after Close.
	ErrHandleClosed = errors.New("store handle closed")
)

// ExecutionError describes why a run failed.
// Everything that fails a run (missing node, node failure, router failure,
// invalid target, persistence failure) is reported through this type.
type ExecutionError struct {
	RunID string
	Step  int
	Node  string
	Err   error
}

func (e *ExecutionError) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("run %s failed at step %d: %v", e.RunID, e.Step, e.Err)
	}
	return fmt.Sprintf("run %s failed at step %d (node %q): %v", e.RunID, e.Step, e.Node, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
