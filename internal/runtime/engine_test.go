package runtime_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/stepgraph/internal/runtime"
	"github.com/aretw0/stepgraph/pkg/adapters/memory"
	"github.com/aretw0/stepgraph/pkg/domain"
	"github.com/aretw0/stepgraph/pkg/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toEnd(context.Context, domain.State) (string, error) { return domain.End, nil }

func setup(t *testing.T, initial domain.State) (*memory.Store, *memory.Hub) {
	t.Helper()
	store := memory.NewStore()
	require.NoError(t, store.Create(context.Background(), domain.NewRun("run-1", "g", initial)))
	return store, memory.NewHub()
}

func TestEngine_LinearThenConditionalEnd(t *testing.T) {
	g := graph.New("g").
		AddNodeFunc("A", func(ctx context.Context, s domain.State) (domain.State, error) {
			return domain.State{"x": 1}, nil
		}).
		AddNodeFunc("B", func(ctx context.Context, s domain.State) (domain.State, error) {
			return domain.State{}, nil
		}).
		SetEntryPoint("A").
		AddEdge("A", "B").
		AddConditionalEdge("B", toEnd)

	store, hub := setup(t, domain.State{})
	ctx := context.Background()
	events, cancel, err := hub.Subscribe(ctx, "run-1")
	require.NoError(t, err)
	defer cancel()

	engine := runtime.NewEngine(g, runtime.WithPacing(0))
	require.NoError(t, engine.Run(ctx, "run-1", domain.State{}, store, hub))

	run, err := store.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, run.Status)
	assert.Equal(t, domain.State{"x": 1}, run.State)
	assert.Equal(t, []domain.StepRecord{
		{Step: 1, Node: "A", State: domain.State{"x": 1}},
		{Step: 2, Node: "B", State: domain.State{"x": 1}},
	}, run.History)

	var got []domain.Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 3)
	assert.Equal(t, "A", got[0].Step.Node)
	assert.Equal(t, []string{"x"}, got[0].Changed)
	assert.Equal(t, "B", got[1].Step.Node)
	assert.Empty(t, got[1].Changed)
	assert.True(t, got[2].IsTerminal())
	assert.Equal(t, domain.StatusCompleted, got[2].Status)
	assert.Equal(t, domain.State{"x": 1}, got[2].FinalState)
}

func TestEngine_LoopUntilCounter(t *testing.T) {
	g := graph.New("loop").
		AddNodeFunc("C", func(ctx context.Context, s domain.State) (domain.State, error) {
			n, _ := s["counter"].(int)
			return domain.State{"counter": n + 1}, nil
		}).
		SetEntryPoint("C").
		AddConditionalEdge("C", func(ctx context.Context, s domain.State) (string, error) {
			if s["counter"].(int) < 3 {
				return "C", nil
			}
			return domain.End, nil
		})

	store, hub := setup(t, nil)
	ctx := context.Background()
	require.NoError(t, runtime.NewEngine(g, runtime.WithPacing(0)).Run(ctx, "run-1", domain.State{"counter": 0}, store, hub))

	run, err := store.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, run.Status)
	assert.Equal(t, 3, run.State["counter"])
	require.Len(t, run.History, 3)
	for i, rec := range run.History {
		assert.Equal(t, i+1, rec.Step)
		assert.Equal(t, i+1, rec.State["counter"], "history entry %d frozen at append time", i)
	}
}

func TestEngine_MergeKeepsUntouchedKeys(t *testing.T) {
	g := graph.New("g").
		AddNodeFunc("only", func(ctx context.Context, s domain.State) (domain.State, error) {
			return domain.State{"b": 3}, nil
		}).
		SetEntryPoint("only")

	store, hub := setup(t, nil)
	ctx := context.Background()
	require.NoError(t, runtime.NewEngine(g, runtime.WithPacing(0)).Run(ctx, "run-1", domain.State{"a": 1, "b": 2}, store, hub))

	run, err := store.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.State{"a": 1, "b": 3}, run.State)
	assert.Equal(t, domain.StatusCompleted, run.Status, "a node without edges ends the run")
	assert.Len(t, run.History, 1)
}

func TestEngine_NilResultIsIgnored(t *testing.T) {
	g := graph.New("g").
		AddNodeFunc("noop", func(ctx context.Context, s domain.State) (domain.State, error) {
			return nil, nil
		}).
		SetEntryPoint("noop")

	store, hub := setup(t, nil)
	ctx := context.Background()
	require.NoError(t, runtime.NewEngine(g, runtime.WithPacing(0)).Run(ctx, "run-1", domain.State{"k": "v"}, store, hub))

	run, err := store.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.State{"k": "v"}, run.State)
}

func TestEngine_NodeCannotMutateRunningState(t *testing.T) {
	g := graph.New("g").
		AddNodeFunc("A", func(ctx context.Context, s domain.State) (domain.State, error) {
			s["sneaky"] = true
			s["list"].([]any)[0] = "changed"
			return nil, nil
		}).
		SetEntryPoint("A")

	store, hub := setup(t, nil)
	ctx := context.Background()
	require.NoError(t, runtime.NewEngine(g, runtime.WithPacing(0)).Run(ctx, "run-1", domain.State{"list": []any{"orig"}}, store, hub))

	run, err := store.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.NotContains(t, run.State, "sneaky")
	assert.Equal(t, []any{"orig"}, run.State["list"])
}

func TestEngine_StepsRunSequentially(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string) graph.StepFunc {
		return func(ctx context.Context, s domain.State) (domain.State, error) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil, nil
		}
	}
	g := graph.New("g").
		AddNodeFunc("A", record("A")).
		AddNodeFunc("B", record("B")).
		AddNodeFunc("C", record("C")).
		SetEntryPoint("A").
		AddEdge("A", "B").
		AddEdge("B", "C")

	store, hub := setup(t, nil)
	require.NoError(t, runtime.NewEngine(g, runtime.WithPacing(0)).Run(context.Background(), "run-1", nil, store, hub))
	assert.Equal(t, []string{"A", "B", "C"}, order)
}

func TestEngine_ConcurrentRunsAreIndependent(t *testing.T) {
	slow := graph.New("slow").
		AddNodeFunc("wait", func(ctx context.Context, s domain.State) (domain.State, error) {
			time.Sleep(200 * time.Millisecond)
			return domain.State{"done": "slow"}, nil
		}).
		SetEntryPoint("wait")
	fast := graph.New("fast").
		AddNodeFunc("go", func(ctx context.Context, s domain.State) (domain.State, error) {
			return domain.State{"done": "fast"}, nil
		}).
		SetEntryPoint("go")

	ctx := context.Background()
	store := memory.NewStore()
	hub := memory.NewHub()
	require.NoError(t, store.Create(ctx, domain.NewRun("slow-run", "slow", nil)))
	require.NoError(t, store.Create(ctx, domain.NewRun("fast-run", "fast", nil)))

	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		h, _ := store.Open(ctx)
		defer h.Close()
		assert.NoError(t, runtime.NewEngine(slow, runtime.WithPacing(0)).Run(ctx, "slow-run", nil, h, hub))
	}()

	h, err := store.Open(ctx)
	require.NoError(t, err)
	defer h.Close()
	require.NoError(t, runtime.NewEngine(fast, runtime.WithPacing(0)).Run(ctx, "fast-run", nil, h, hub))

	select {
	case <-slowDone:
		t.Fatal("fast run should finish while the slow node is still suspended")
	default:
	}

	<-slowDone
	run, err := store.Load(ctx, "slow-run")
	require.NoError(t, err)
	assert.Equal(t, "slow", run.State["done"])
}
