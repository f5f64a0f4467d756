package supervisor_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/stepgraph/internal/runtime"
	"github.com/aretw0/stepgraph/pkg/adapters/memory"
	"github.com/aretw0/stepgraph/pkg/domain"
	"github.com/aretw0/stepgraph/pkg/graph"
	"github.com/aretw0/stepgraph/pkg/ports"
	"github.com/aretw0/stepgraph/pkg/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSupervisor(t *testing.T, graphs ...*graph.Graph) (*supervisor.Supervisor, *memory.Store, *memory.Hub) {
	t.Helper()
	reg := graph.NewRegistry()
	for _, g := range graphs {
		require.NoError(t, reg.Register(g))
	}
	store := memory.NewStore()
	hub := memory.NewHub()
	sup := supervisor.New(reg, store, hub,
		supervisor.WithEngineOptions(runtime.WithPacing(0)),
	)
	return sup, store, hub
}

func waitAll(t *testing.T, sup *supervisor.Supervisor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sup.Wait(ctx))
}

func counterGraph() *graph.Graph {
	return graph.New("counter").
		AddNodeFunc("inc", func(ctx context.Context, s domain.State) (domain.State, error) {
			n, _ := s["n"].(int)
			return domain.State{"n": n + 1}, nil
		}).
		SetEntryPoint("inc").
		AddConditionalEdge("inc", func(ctx context.Context, s domain.State) (string, error) {
			if s["n"].(int) < 3 {
				return "inc", nil
			}
			return domain.End, nil
		})
}

func TestSubmit_UnknownGraph(t *testing.T) {
	sup, store, _ := newSupervisor(t, counterGraph())
	ctx := context.Background()

	id, err := sup.Submit(ctx, "missing", domain.State{})
	assert.ErrorIs(t, err, domain.ErrGraphNotFound)
	assert.Empty(t, id)

	runs, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, runs, "no run record for an unknown graph")
}

func TestSubmit_RunCompletesInBackground(t *testing.T) {
	sup, _, _ := newSupervisor(t, counterGraph())
	ctx := context.Background()

	id, err := sup.Submit(ctx, "counter", domain.State{"n": 0})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	waitAll(t, sup)

	run, err := sup.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, run.Status)
	assert.Equal(t, "counter", run.GraphID)
	assert.Equal(t, 3, run.State["n"])
	assert.Len(t, run.History, 3)
}

func TestSubmit_ReturnsBeforeRunFinishes(t *testing.T) {
	release := make(chan struct{})
	blocking := graph.New("blocking").
		AddNodeFunc("wait", func(ctx context.Context, s domain.State) (domain.State, error) {
			<-release
			return domain.State{"released": true}, nil
		}).
		SetEntryPoint("wait")

	sup, _, _ := newSupervisor(t, blocking)
	ctx, cancel := context.WithCancel(context.Background())

	id, err := sup.Submit(ctx, "blocking", nil)
	require.NoError(t, err)
	// The run is detached from the submitter.
	cancel()

	run, err := sup.Status(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, run.Status.IsTerminal())

	close(release)
	waitAll(t, sup)

	run, err = sup.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, run.Status)
	assert.Equal(t, true, run.State["released"])
}

func TestSubmit_FailureIsContainedToItsRun(t *testing.T) {
	failing := graph.New("failing").
		AddNodeFunc("explode", func(ctx context.Context, s domain.State) (domain.State, error) {
			return nil, fmt.Errorf("exploded")
		}).
		SetEntryPoint("explode")

	sup, _, _ := newSupervisor(t, failing, counterGraph())
	ctx := context.Background()

	bad, err := sup.Submit(ctx, "failing", nil)
	require.NoError(t, err)
	good, err := sup.Submit(ctx, "counter", domain.State{"n": 0})
	require.NoError(t, err)

	waitAll(t, sup)

	run, err := sup.Status(ctx, bad)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, run.Status)
	assert.Contains(t, run.Error, "exploded")

	run, err = sup.Status(ctx, good)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, run.Status)
}

func TestSubmit_InitialStateIsCopied(t *testing.T) {
	sup, _, _ := newSupervisor(t, counterGraph())
	ctx := context.Background()

	initial := domain.State{"n": 0, "meta": map[string]any{"who": "alice"}}
	id, err := sup.Submit(ctx, "counter", initial)
	require.NoError(t, err)
	initial["meta"].(map[string]any)["who"] = "mallory"

	waitAll(t, sup)
	run, err := sup.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alice", run.State["meta"].(map[string]any)["who"])
}

func TestStatus_UnknownRun(t *testing.T) {
	sup, _, _ := newSupervisor(t)
	_, err := sup.Status(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
}

func TestList_ReturnsSubmittedRuns(t *testing.T) {
	var seq atomic.Int32
	reg := graph.NewRegistry()
	require.NoError(t, reg.Register(counterGraph()))
	sup := supervisor.New(reg, memory.NewStore(), memory.NewHub(),
		supervisor.WithEngineOptions(runtime.WithPacing(0)),
		supervisor.WithIDGenerator(func() string { return fmt.Sprintf("run-%d", seq.Add(1)) }),
	)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := sup.Submit(ctx, "counter", domain.State{"n": 0})
		require.NoError(t, err)
	}
	waitAll(t, sup)

	ids, err := sup.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1", "run-2", "run-3"}, ids)
}

func TestSubmit_EventsReachSubscribers(t *testing.T) {
	release := make(chan struct{})
	g := graph.New("gated").
		AddNodeFunc("gate", func(ctx context.Context, s domain.State) (domain.State, error) {
			<-release
			return domain.State{"ok": true}, nil
		}).
		SetEntryPoint("gate")

	sup, _, hub := newSupervisor(t, g)
	ctx := context.Background()

	id, err := sup.Submit(ctx, "gated", nil)
	require.NoError(t, err)

	events, cancel, err := hub.Subscribe(ctx, id)
	require.NoError(t, err)
	defer cancel()
	close(release)

	var kinds []domain.EventKind
	for ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []domain.EventKind{domain.EventStep, domain.EventTerminal}, kinds)
	waitAll(t, sup)
}

func TestWait_HonorsContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	g := graph.New("stuck").
		AddNodeFunc("wait", func(ctx context.Context, s domain.State) (domain.State, error) {
			<-release
			return nil, nil
		}).
		SetEntryPoint("wait")

	sup, _, _ := newSupervisor(t, g)
	_, err := sup.Submit(context.Background(), "stuck", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sup.Wait(ctx), context.DeadlineExceeded)
}

type downLocker struct{}

func (downLocker) Lock(ctx context.Context, key string, ttl time.Duration) (ports.UnlockFunc, error) {
	return nil, errors.New("redis: connection refused")
}

// flakyOpener fails the Open calls listed in failOn (1-based).
type flakyOpener struct {
	store  *memory.Store
	calls  atomic.Int32
	failOn map[int32]bool
}

func (o *flakyOpener) Open(ctx context.Context) (ports.RunHandle, error) {
	if o.failOn[o.calls.Add(1)] {
		return nil, errors.New("dial tcp: i/o timeout")
	}
	return o.store.Open(ctx)
}

// collectTerminal subscribes to runID and returns a channel yielding the
// last event seen before the subscription closed.
func collectTerminal(t *testing.T, hub *memory.Hub, runID string) <-chan domain.Event {
	t.Helper()
	events, cancel, err := hub.Subscribe(context.Background(), runID)
	require.NoError(t, err)
	t.Cleanup(cancel)

	out := make(chan domain.Event, 1)
	go func() {
		var last domain.Event
		for ev := range events {
			last = ev
		}
		out <- last
	}()
	return out
}

func requireTerminal(t *testing.T, ch <-chan domain.Event) domain.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no terminal event")
		return domain.Event{}
	}
}

func TestSubmit_LockFailureFailsRun(t *testing.T) {
	reg := graph.NewRegistry()
	require.NoError(t, reg.Register(counterGraph()))
	store := memory.NewStore()
	hub := memory.NewHub()
	sup := supervisor.New(reg, store, hub,
		supervisor.WithEngineOptions(runtime.WithPacing(0)),
		supervisor.WithLocker(downLocker{}, time.Second),
		supervisor.WithIDGenerator(func() string { return "run-locked" }),
	)
	terminal := collectTerminal(t, hub, "run-locked")
	ctx := context.Background()

	id, err := sup.Submit(ctx, "counter", domain.State{"n": 0})
	require.NoError(t, err)
	waitAll(t, sup)

	run, err := sup.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, run.Status)
	assert.Contains(t, run.Error, "connection refused")
	assert.Empty(t, run.History, "the run never started")

	ev := requireTerminal(t, terminal)
	assert.True(t, ev.IsTerminal())
	assert.Equal(t, domain.StatusFailed, ev.Status)
	assert.Contains(t, ev.Error, "connection refused")
}

func TestSubmit_StoreOpenFailureFailsRun(t *testing.T) {
	reg := graph.NewRegistry()
	require.NoError(t, reg.Register(counterGraph()))
	store := memory.NewStore()
	hub := memory.NewHub()
	// Open #1 is Submit, #2 is the run itself, #3 records the failure.
	opener := &flakyOpener{store: store, failOn: map[int32]bool{2: true}}
	sup := supervisor.New(reg, opener, hub,
		supervisor.WithEngineOptions(runtime.WithPacing(0)),
		supervisor.WithIDGenerator(func() string { return "run-unopened" }),
	)
	terminal := collectTerminal(t, hub, "run-unopened")
	ctx := context.Background()

	id, err := sup.Submit(ctx, "counter", domain.State{"n": 0})
	require.NoError(t, err)
	waitAll(t, sup)

	run, err := store.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, run.Status)
	assert.Contains(t, run.Error, "i/o timeout")

	ev := requireTerminal(t, terminal)
	assert.Equal(t, domain.StatusFailed, ev.Status)
}

func TestSubmit_FailureRecordRetriesStoreOpen(t *testing.T) {
	reg := graph.NewRegistry()
	require.NoError(t, reg.Register(counterGraph()))
	store := memory.NewStore()
	hub := memory.NewHub()
	opener := &flakyOpener{store: store, failOn: map[int32]bool{2: true, 3: true}}
	sup := supervisor.New(reg, opener, hub,
		supervisor.WithIDGenerator(func() string { return "run-retried" }),
	)
	terminal := collectTerminal(t, hub, "run-retried")
	ctx := context.Background()

	id, err := sup.Submit(ctx, "counter", domain.State{"n": 0})
	require.NoError(t, err)
	waitAll(t, sup)

	run, err := store.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, run.Status)
	assert.Equal(t, domain.StatusFailed, requireTerminal(t, terminal).Status)
}
