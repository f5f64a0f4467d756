package graph_test

import (
	"context"
	"testing"

	"github.com/aretw0/stepgraph/pkg/domain"
	"github.com/aretw0/stepgraph/pkg/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(ctx context.Context, state domain.State) (domain.State, error) {
	return nil, nil
}

func TestGraph_Build(t *testing.T) {
	g := graph.New("g1").
		AddNodeFunc("A", noop).
		AddNodeFunc("B", noop).
		SetEntryPoint("A").
		AddEdge("A", "B").
		AddConditionalEdge("B", func(ctx context.Context, s domain.State) (string, error) {
			return domain.End, nil
		})

	assert.Equal(t, "g1", g.ID())
	assert.Equal(t, "A", g.EntryPoint())
	assert.Equal(t, []string{"A", "B"}, g.Nodes())
	assert.True(t, g.HasConditional("B"))
	assert.False(t, g.HasConditional("A"))

	to, ok := g.Edge("A")
	require.True(t, ok)
	assert.Equal(t, "B", to)

	assert.True(t, g.IsTarget(domain.End))
	assert.False(t, g.IsTarget("C"))
	assert.NoError(t, g.Validate())
}

func TestGraph_AddNodeReplacesSilently(t *testing.T) {
	first := graph.StepFunc(func(ctx context.Context, s domain.State) (domain.State, error) {
		return domain.State{"v": "first"}, nil
	})
	second := graph.StepFunc(func(ctx context.Context, s domain.State) (domain.State, error) {
		return domain.State{"v": "second"}, nil
	})

	g := graph.New("g").AddNode("A", first).AddNode("A", second)
	assert.Len(t, g.Nodes(), 1)

	step, ok := g.Node("A")
	require.True(t, ok)
	out, err := step.Run(context.Background(), domain.State{})
	require.NoError(t, err)
	assert.Equal(t, "second", out["v"])
}

func TestGraph_EdgesReturnsCopy(t *testing.T) {
	g := graph.New("g").AddNodeFunc("A", noop).AddEdge("A", domain.End)
	edges := g.Edges()
	edges["A"] = "mutated"

	to, _ := g.Edge("A")
	assert.Equal(t, domain.End, to)
}
