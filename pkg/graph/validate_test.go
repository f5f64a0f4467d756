package graph_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aretw0/stepgraph/pkg/domain"
	"github.com/aretw0/stepgraph/pkg/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	end := func(ctx context.Context, s domain.State) (string, error) { return domain.End, nil }

	tests := []struct {
		name    string
		build   func() *graph.Graph
		wantErr string
	}{
		{
			name:    "missing entry point",
			build:   func() *graph.Graph { return graph.New("g").AddNodeFunc("A", noop) },
			wantErr: "entry point not set",
		},
		{
			name:    "unknown entry point",
			build:   func() *graph.Graph { return graph.New("g").AddNodeFunc("A", noop).SetEntryPoint("Z") },
			wantErr: `entry point "Z" is not a registered node`,
		},
		{
			name: "edge to unknown node",
			build: func() *graph.Graph {
				return graph.New("g").AddNodeFunc("A", noop).SetEntryPoint("A").AddEdge("A", "ghost")
			},
			wantErr: `edge "A" -> "ghost" targets an unknown node`,
		},
		{
			name: "edge from unknown node",
			build: func() *graph.Graph {
				return graph.New("g").AddNodeFunc("A", noop).SetEntryPoint("A").AddEdge("ghost", "A")
			},
			wantErr: `edge source "ghost" is not a registered node`,
		},
		{
			name: "conditional from unknown node",
			build: func() *graph.Graph {
				return graph.New("g").AddNodeFunc("A", noop).SetEntryPoint("A").AddConditionalEdge("ghost", end)
			},
			wantErr: `conditional edge source "ghost"`,
		},
		{
			name: "reserved node name",
			build: func() *graph.Graph {
				return graph.New("g").AddNodeFunc("A", noop).AddNodeFunc(domain.End, noop).SetEntryPoint("A")
			},
			wantErr: "reserved",
		},
		{
			name: "edge to End is valid",
			build: func() *graph.Graph {
				return graph.New("g").AddNodeFunc("A", noop).SetEntryPoint("A").AddEdge("A", domain.End)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.build().Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, graph.ErrInvalidGraph)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	g := graph.New("g").AddEdge("x", "y")
	err := g.Validate()

	var verr *graph.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Problems, 3)
}

func TestUnreachable(t *testing.T) {
	g := graph.New("g").
		AddNodeFunc("A", noop).
		AddNodeFunc("B", noop).
		AddNodeFunc("orphan", noop).
		SetEntryPoint("A").
		AddEdge("A", "B")

	assert.Equal(t, []string{"orphan"}, g.Unreachable())

	g.AddConditionalEdge("B", func(ctx context.Context, s domain.State) (string, error) { return "orphan", nil })
	assert.Nil(t, g.Unreachable(), "routers make reachability dynamic")
}
