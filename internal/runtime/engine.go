package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/stepgraph/internal/logging"
	"github.com/aretw0/stepgraph/pkg/domain"
	"github.com/aretw0/stepgraph/pkg/graph"
	"github.com/aretw0/stepgraph/pkg/ports"
)

// DefaultPacing is the pause between two steps of a run.
const DefaultPacing = 500 * time.Millisecond

// Engine drives runs of a single graph. It holds no per-run state, so one
// Engine can execute many runs concurrently as long as each run gets its
// own store handle.
type Engine struct {
	graph    *graph.Graph
	hooks    domain.LifecycleHooks
	logger   *slog.Logger
	pacing   time.Duration
	maxSteps int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLifecycleHooks registers observability hooks.
func WithLifecycleHooks(hooks domain.LifecycleHooks) EngineOption {
	return func(e *Engine) {
		e.hooks = hooks
	}
}

// WithLogger sets a custom structured logger for the engine.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithPacing sets the delay between steps. Zero disables it.
func WithPacing(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d >= 0 {
			e.pacing = d
		}
	}
}

// WithMaxSteps fails runs that execute more than n steps. Zero means unbounded.
func WithMaxSteps(n int) EngineOption {
	return func(e *Engine) {
		if n >= 0 {
			e.maxSteps = n
		}
	}
}

// NewEngine creates an engine for g.
func NewEngine(g *graph.Graph, opts ...EngineOption) *Engine {
	e := &Engine{
		graph:  g,
		logger: logging.NewNop(),
		pacing: DefaultPacing,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("graph", g.ID())
	return e
}

// Graph returns the definition this engine executes.
func (e *Engine) Graph() *graph.Graph {
	return e.graph
}

// Run executes runID from the entry point until End or the first error.
//
// The run record must already exist in store. Every step is saved before
// the next transition is taken, so a reader of the store never sees a step
// that did not happen. On failure only the status and error message are
// written; state and history keep their last saved values.
//
// The returned error mirrors the terminal status: nil when the run
// completed, an *domain.ExecutionError when it failed.
func (e *Engine) Run(ctx context.Context, runID string, initial domain.State, store ports.RunStore, sink ports.EventSink) error {
	started := time.Now()
	logger := e.logger.With("run_id", runID)

	if _, err := store.Load(ctx, runID); err != nil {
		execErr := &domain.ExecutionError{RunID: runID, Err: err}
		logger.ErrorContext(ctx, "run record unavailable", "err", err)
		return execErr
	}

	r := &execution{
		engine:  e,
		runID:   runID,
		store:   store,
		sink:    sink,
		logger:  logger,
		started: started,
	}

	if err := store.Save(ctx, runID, domain.StatusPatch(domain.StatusRunning)); err != nil {
		return r.fail(ctx, 0, "", err)
	}
	e.emitRunStart(ctx, runID)
	logger.InfoContext(ctx, "run started")

	return r.loop(ctx, initial)
}

// execution is the mutable bookkeeping of one Run call.
type execution struct {
	engine  *Engine
	runID   string
	store   ports.RunStore
	sink    ports.EventSink
	logger  *slog.Logger
	started time.Time
	steps   int
}

func (r *execution) loop(ctx context.Context, initial domain.State) error {
	e := r.engine
	state := initial.Clone()
	history := make([]domain.StepRecord, 0)
	current := e.graph.EntryPoint()

	for current != domain.End {
		step := r.steps + 1

		if e.maxSteps > 0 && step > e.maxSteps {
			return r.fail(ctx, step, current, fmt.Errorf("%w: limit %d", domain.ErrStepLimitExceeded, e.maxSteps))
		}

		node, ok := e.graph.Node(current)
		if !ok {
			return r.fail(ctx, step, current, domain.ErrNodeNotFound)
		}

		stepStart := time.Now()
		update, err := invoke(ctx, node, state.Clone())
		if err != nil {
			return r.fail(ctx, step, current, err)
		}

		changed := state.Delta(update)
		state.Merge(update)
		rec := domain.StepRecord{Step: step, Node: current, State: state.Clone()}
		history = append(history, rec)
		r.steps = step

		// Subscribers get their own copy; history entries are frozen.
		live := domain.StepRecord{Step: step, Node: current, State: rec.State.Clone()}
		r.publish(ctx, domain.NewStepEvent(r.runID, live, changed))

		patch := domain.RunPatch{State: state, History: history}
		if err := r.store.Save(ctx, r.runID, patch); err != nil {
			return r.fail(ctx, step, current, fmt.Errorf("persist step: %w", err))
		}

		e.emitStepComplete(ctx, r.runID, rec, changed, time.Since(stepStart))
		r.logger.DebugContext(ctx, "step completed", "step", step, "node", current, "changed", changed)

		next, err := e.resolveNext(ctx, current, state)
		if err != nil {
			return r.fail(ctx, step, current, err)
		}

		if next != domain.End && e.pacing > 0 {
			if err := sleep(ctx, e.pacing); err != nil {
				return r.fail(ctx, step, current, err)
			}
		}
		current = next
	}

	return r.complete(ctx, state)
}

// resolveNext picks the successor of from: a conditional edge wins over a
// static one, and a node with neither leads to End.
func (e *Engine) resolveNext(ctx context.Context, from string, state domain.State) (string, error) {
	if router, ok := e.graph.Router(from); ok {
		target, err := route(ctx, router, state.Clone())
		if err != nil {
			return "", fmt.Errorf("router: %w", err)
		}
		if !e.graph.IsTarget(target) {
			return "", fmt.Errorf("%w: router of %q returned %q", domain.ErrInvalidTarget, from, target)
		}
		return target, nil
	}
	if to, ok := e.graph.Edge(from); ok {
		if !e.graph.IsTarget(to) {
			return "", fmt.Errorf("%w: edge %q -> %q", domain.ErrInvalidTarget, from, to)
		}
		return to, nil
	}
	return domain.End, nil
}

func (r *execution) complete(ctx context.Context, final domain.State) error {
	if err := r.store.Save(ctx, r.runID, domain.StatusPatch(domain.StatusCompleted)); err != nil {
		return r.fail(ctx, r.steps, "", fmt.Errorf("persist completion: %w", err))
	}
	r.publish(ctx, domain.NewCompletedEvent(r.runID, final.Clone()))
	r.engine.emitRunFinish(ctx, r.runID, domain.StatusCompleted, r.steps, time.Since(r.started), nil)
	r.logger.InfoContext(ctx, "run completed", "steps", r.steps)
	return nil
}

// fail records the failure and closes the live feed. No step record is
// written for the failing step.
func (r *execution) fail(ctx context.Context, step int, node string, cause error) error {
	execErr := &domain.ExecutionError{RunID: r.runID, Step: step, Node: node, Err: cause}

	// The run's own context may be what failed it; the failure must still land.
	persistCtx := context.WithoutCancel(ctx)
	if err := r.store.Save(persistCtx, r.runID, domain.FailurePatch(execErr.Error())); err != nil {
		r.logger.ErrorContext(ctx, "failed to persist run failure", "err", err)
	}
	r.publish(persistCtx, domain.NewFailedEvent(r.runID, execErr))
	r.engine.emitRunFinish(ctx, r.runID, domain.StatusFailed, r.steps, time.Since(r.started), execErr)
	r.logger.ErrorContext(ctx, "run failed", "step", step, "node", node, "err", cause)
	return execErr
}

// publish never aborts a run: delivery problems are logged and dropped.
func (r *execution) publish(ctx context.Context, ev domain.Event) {
	if r.sink == nil {
		return
	}
	if err := r.sink.Publish(ctx, r.runID, ev); err != nil {
		r.logger.WarnContext(ctx, "event delivery failed", "kind", ev.Kind, "err", err)
	}
}

// invoke runs a step, turning panics into errors.
func invoke(ctx context.Context, step graph.Step, state domain.State) (update domain.State, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", domain.ErrNodePanic, p)
		}
	}()
	return step.Run(ctx, state)
}

func route(ctx context.Context, router graph.Router, state domain.State) (target string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", domain.ErrNodePanic, p)
		}
	}()
	return router(ctx, state)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
