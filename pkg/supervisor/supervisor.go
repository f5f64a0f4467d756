package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/stepgraph/internal/logging"
	"github.com/aretw0/stepgraph/internal/runtime"
	"github.com/aretw0/stepgraph/pkg/domain"
	"github.com/aretw0/stepgraph/pkg/graph"
	"github.com/aretw0/stepgraph/pkg/ports"
	"github.com/google/uuid"
)

// DefaultLockTTL bounds how long a crashed replica can hold a run. Live
// holders renew the lock, so it does not limit run duration.
const DefaultLockTTL = 10 * time.Minute

// Supervisor creates run records and executes them in the background.
type Supervisor struct {
	registry *graph.Registry
	opener   ports.StoreOpener
	sink     ports.EventSink

	guard      *guard
	engineOpts []runtime.EngineOption
	newID      func() string
	logger     *slog.Logger

	wg sync.WaitGroup
}

// Option configures the Supervisor.
type Option func(*Supervisor)

// WithLogger configures a logger for the Supervisor and its engines.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEngineOptions passes options to every engine the Supervisor creates.
func WithEngineOptions(opts ...runtime.EngineOption) Option {
	return func(s *Supervisor) {
		s.engineOpts = append(s.engineOpts, opts...)
	}
}

// WithLocker enables distributed locking of runs. A zero ttl uses DefaultLockTTL.
func WithLocker(locker ports.DistributedLocker, ttl time.Duration) Option {
	return func(s *Supervisor) {
		s.guard.locker = locker
		if ttl > 0 {
			s.guard.ttl = ttl
		}
	}
}

// WithIDGenerator overrides run ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Supervisor) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// New creates a Supervisor over the given graphs, store and event sink.
func New(registry *graph.Registry, opener ports.StoreOpener, sink ports.EventSink, opts ...Option) *Supervisor {
	s := &Supervisor{
		registry: registry,
		opener:   opener,
		sink:     sink,
		newID:    uuid.NewString,
		logger:   logging.NewNop(),
	}
	s.guard = newGuard(s.logger)
	s.guard.ttl = DefaultLockTTL
	for _, opt := range opts {
		opt(s)
	}
	s.guard.logger = s.logger
	return s
}

// Submit records a pending run of graphID and starts it in the background.
// It returns as soon as the record exists; the run outlives ctx.
// An unknown graph yields domain.ErrGraphNotFound and no record.
func (s *Supervisor) Submit(ctx context.Context, graphID string, initial domain.State) (string, error) {
	g, err := s.registry.Get(graphID)
	if err != nil {
		return "", err
	}

	runID := s.newID()
	initial = initial.Clone()

	h, err := s.opener.Open(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to open store: %w", err)
	}
	err = h.Create(ctx, domain.NewRun(runID, graphID, initial))
	_ = h.Close()
	if err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}

	s.logger.InfoContext(ctx, "run submitted", "run_id", runID, "graph", graphID)

	s.wg.Add(1)
	go s.execute(g, runID, initial)
	return runID, nil
}

// execute drives one run on its own goroutine with its own store handle.
func (s *Supervisor) execute(g *graph.Graph, runID string, initial domain.State) {
	defer s.wg.Done()
	ctx := context.Background()
	logger := s.logger.With("run_id", runID)

	h, err := s.opener.Open(ctx)
	if err != nil {
		s.failRun(ctx, logger, runID, fmt.Errorf("failed to open store: %w", err))
		return
	}
	defer func() {
		if err := h.Close(); err != nil {
			logger.Warn("failed to close store handle", "err", err)
		}
	}()

	opts := append([]runtime.EngineOption{runtime.WithLogger(s.logger)}, s.engineOpts...)
	engine := runtime.NewEngine(g, opts...)

	started := false
	err = s.guard.WithLock(ctx, runID, func(ctx context.Context) error {
		started = true
		return engine.Run(ctx, runID, initial, h, s.sink)
	})
	switch {
	case err == nil:
	case started:
		// The engine already persisted and published the failure.
		logger.Debug("run ended with error", "err", err)
	default:
		s.failRun(ctx, logger, runID, err)
	}
}

// failOpenAttempts bounds how often failRun retries opening the store.
const failOpenAttempts = 3

// failRun marks a run that never reached the engine as failed and publishes
// the terminal event so waiters are released.
func (s *Supervisor) failRun(ctx context.Context, logger *slog.Logger, runID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	execErr := &domain.ExecutionError{RunID: runID, Err: cause}
	logger.ErrorContext(ctx, "run could not start", "err", cause)

	var (
		h   ports.RunHandle
		err error
	)
	for attempt := 0; attempt < failOpenAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}
		if h, err = s.opener.Open(ctx); err == nil {
			break
		}
	}
	if err != nil {
		logger.ErrorContext(ctx, "failed to persist run failure", "err", err)
	} else {
		if err := h.Save(ctx, runID, domain.FailurePatch(execErr.Error())); err != nil {
			logger.ErrorContext(ctx, "failed to persist run failure", "err", err)
		}
		if err := h.Close(); err != nil {
			logger.Warn("failed to close store handle", "err", err)
		}
	}

	if s.sink == nil {
		return
	}
	if err := s.sink.Publish(ctx, runID, domain.NewFailedEvent(runID, execErr)); err != nil {
		logger.WarnContext(ctx, "failed to publish run failure", "err", err)
	}
}

// Status returns the current run record.
func (s *Supervisor) Status(ctx context.Context, runID string) (*domain.Run, error) {
	h, err := s.opener.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer h.Close()

	run, err := h.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	return run, nil
}

// List returns the IDs of all stored runs.
func (s *Supervisor) List(ctx context.Context) ([]string, error) {
	h, err := s.opener.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer h.Close()
	return h.List(ctx)
}

// Registry returns the graphs this Supervisor can run.
func (s *Supervisor) Registry() *graph.Registry {
	return s.registry
}

// Wait blocks until every in-flight run has finished or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
