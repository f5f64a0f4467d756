package stepgraph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/stepgraph/internal/logging"
	"github.com/aretw0/stepgraph/internal/runtime"
	"github.com/aretw0/stepgraph/pkg/domain"
	"github.com/aretw0/stepgraph/pkg/graph"
	"github.com/aretw0/stepgraph/pkg/ports"
	"github.com/aretw0/stepgraph/pkg/supervisor"
)

// Version is the release version, overridden at build time with -ldflags.
var Version = "dev"

// Service is the entry point shared by every transport: it runs graphs from
// a registry, answers status queries and exposes the live event feed.
type Service struct {
	registry   *graph.Registry
	supervisor *supervisor.Supervisor
	sink       ports.EventSink
	logger     *slog.Logger

	hooks      domain.LifecycleHooks
	engineOpts []runtime.EngineOption
	supOpts    []supervisor.Option
}

// Option configures the Service.
type Option func(*Service)

// WithLogger sets a custom structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLifecycleHooks registers observability hooks. Repeated calls chain.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(s *Service) {
		s.hooks = s.hooks.Combine(hooks)
	}
}

// WithPacing sets the delay between steps of a run.
func WithPacing(d time.Duration) Option {
	return func(s *Service) {
		s.engineOpts = append(s.engineOpts, runtime.WithPacing(d))
	}
}

// WithMaxSteps fails runs that take more than n steps. Zero means unbounded.
func WithMaxSteps(n int) Option {
	return func(s *Service) {
		s.engineOpts = append(s.engineOpts, runtime.WithMaxSteps(n))
	}
}

// WithLocker guards every run with a distributed lock.
func WithLocker(locker ports.DistributedLocker, ttl time.Duration) Option {
	return func(s *Service) {
		s.supOpts = append(s.supOpts, supervisor.WithLocker(locker, ttl))
	}
}

// WithIDGenerator overrides run ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		s.supOpts = append(s.supOpts, supervisor.WithIDGenerator(fn))
	}
}

// New creates a Service.
func New(registry *graph.Registry, opener ports.StoreOpener, sink ports.EventSink, opts ...Option) *Service {
	s := &Service{
		registry: registry,
		sink:     sink,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	engineOpts := append([]runtime.EngineOption{runtime.WithLifecycleHooks(s.hooks)}, s.engineOpts...)
	supOpts := append([]supervisor.Option{
		supervisor.WithLogger(s.logger),
		supervisor.WithEngineOptions(engineOpts...),
	}, s.supOpts...)

	s.supervisor = supervisor.New(registry, opener, sink, supOpts...)
	return s
}

// Submit starts a run of graphID and returns its ID without waiting for it.
func (s *Service) Submit(ctx context.Context, graphID string, initial domain.State) (string, error) {
	return s.supervisor.Submit(ctx, graphID, initial)
}

// Status returns the current record of a run.
func (s *Service) Status(ctx context.Context, runID string) (*domain.Run, error) {
	return s.supervisor.Status(ctx, runID)
}

// Runs lists the IDs of every stored run.
func (s *Service) Runs(ctx context.Context) ([]string, error) {
	return s.supervisor.List(ctx)
}

// Graphs lists the registered graph IDs.
func (s *Service) Graphs() []string {
	return s.registry.IDs()
}

// Graph returns a registered graph definition.
func (s *Service) Graph(id string) (*graph.Graph, error) {
	return s.registry.Get(id)
}

// Subscribe attaches to the live events of a run. Events published before
// the call are not replayed.
func (s *Service) Subscribe(ctx context.Context, runID string) (<-chan domain.Event, func(), error) {
	return s.sink.Subscribe(ctx, runID)
}

// Await blocks until runID reaches a terminal status and returns its record.
func (s *Service) Await(ctx context.Context, runID string) (*domain.Run, error) {
	events, cancel, err := s.sink.Subscribe(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	defer cancel()

	// Checked after subscribing so a terminal event cannot slip in between.
	run, err := s.Status(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return run, nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case _, ok := <-events:
			if !ok {
				return s.Status(ctx, runID)
			}
		}
	}
}

// Wait blocks until every in-flight run has finished or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	return s.supervisor.Wait(ctx)
}

// Logger returns the service logger.
func (s *Service) Logger() *slog.Logger {
	return s.logger
}
