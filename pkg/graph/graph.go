package graph

import (
	"context"
	"sort"

	"github.com/aretw0/stepgraph/pkg/domain"
)

// Step is the executable unit behind a node.
// It receives a snapshot of the run state and returns a partial update to merge.
// A nil update leaves the state unchanged. Steps may block (I/O, timers);
// every run executes on its own goroutine, so blocking never stalls other runs.
type Step interface {
	Run(ctx context.Context, state domain.State) (domain.State, error)
}

// StepFunc adapts a plain function to the Step interface.
type StepFunc func(ctx context.Context, state domain.State) (domain.State, error)

// Run calls f(ctx, state).
func (f StepFunc) Run(ctx context.Context, state domain.State) (domain.State, error) {
	return f(ctx, state)
}

// Router decides the next node from the state after a step.
// It returns a registered node name or domain.End.
type Router func(ctx context.Context, state domain.State) (string, error)

// Graph is a workflow definition.
// Build it once, then treat it as read-only; it is not safe to mutate while runs execute.
type Graph struct {
	id          string
	entryPoint  string
	nodes       map[string]Step
	edges       map[string]string
	conditional map[string]Router
}

// New creates an empty graph definition.
func New(id string) *Graph {
	return &Graph{
		id:          id,
		nodes:       make(map[string]Step),
		edges:       make(map[string]string),
		conditional: make(map[string]Router),
	}
}

// AddNode registers a step under name.
// Registering an existing name silently replaces the previous step.
func (g *Graph) AddNode(name string, step Step) *Graph {
	g.nodes[name] = step
	return g
}

// AddNodeFunc registers a function as a step.
func (g *Graph) AddNodeFunc(name string, fn StepFunc) *Graph {
	return g.AddNode(name, fn)
}

// SetEntryPoint sets the first node of every run.
func (g *Graph) SetEntryPoint(name string) *Graph {
	g.entryPoint = name
	return g
}

// AddEdge registers an unconditional transition. A later call for the same source replaces it.
func (g *Graph) AddEdge(from, to string) *Graph {
	g.edges[from] = to
	return g
}

// AddConditionalEdge registers a router for from. It is evaluated before any plain edge.
func (g *Graph) AddConditionalEdge(from string, router Router) *Graph {
	g.conditional[from] = router
	return g
}

// ID returns the graph identifier.
func (g *Graph) ID() string { return g.id }

// EntryPoint returns the entry node name.
func (g *Graph) EntryPoint() string { return g.entryPoint }

// Node returns the step registered under name.
func (g *Graph) Node(name string) (Step, bool) {
	step, ok := g.nodes[name]
	return step, ok
}

// HasNode reports whether name is a registered node.
func (g *Graph) HasNode(name string) bool {
	_, ok := g.nodes[name]
	return ok
}

// Nodes returns the registered node names, sorted.
func (g *Graph) Nodes() []string {
	names := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Edge returns the unconditional target of from.
func (g *Graph) Edge(from string) (string, bool) {
	to, ok := g.edges[from]
	return to, ok
}

// Edges returns a copy of the unconditional edges.
func (g *Graph) Edges() map[string]string {
	out := make(map[string]string, len(g.edges))
	for k, v := range g.edges {
		out[k] = v
	}
	return out
}

// HasConditional reports whether from has a router.
func (g *Graph) HasConditional(from string) bool {
	_, ok := g.conditional[from]
	return ok
}

// Conditionals returns the node names that carry a router, sorted.
func (g *Graph) Conditionals() []string {
	names := make([]string, 0, len(g.conditional))
	for name := range g.conditional {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Router returns the router registered for from.
func (g *Graph) Router(from string) (Router, bool) {
	r, ok := g.conditional[from]
	return r, ok
}

// IsTarget reports whether name may be transitioned to.
func (g *Graph) IsTarget(name string) bool {
	return name == domain.End || g.HasNode(name)
}
