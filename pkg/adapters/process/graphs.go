package process

import (
	"context"
	"errors"
	"fmt"

	"github.com/aretw0/stepgraph/pkg/domain"
	"github.com/aretw0/stepgraph/pkg/graph"
)

// ErrNoRoute is returned by a configured route when the state value has no
// case and no default.
var ErrNoRoute = errors.New("no route for value")

// Graphs builds every graph declared in the file. Steps resolve against the
// file's processes plus whatever opts add.
func (c *ConfigFile) Graphs(opts ...RunnerOption) ([]*graph.Graph, error) {
	runner := NewRunner(append([]RunnerOption{WithRegistry(c.Tools())}, opts...)...)

	graphs := make([]*graph.Graph, 0, len(c.Graphs))
	var errs []error
	for _, gc := range c.Graphs {
		g, err := gc.Build(runner)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		graphs = append(graphs, g)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return graphs, nil
}

// Build turns the declaration into a graph and validates it.
func (gc GraphConfig) Build(runner *Runner) (*graph.Graph, error) {
	if gc.ID == "" {
		return nil, errors.New("process graph without an id")
	}

	g := graph.New(gc.ID).SetEntryPoint(gc.EntryPoint)
	for node, procName := range gc.Nodes {
		step, err := runner.Step(procName)
		if err != nil {
			return nil, fmt.Errorf("graph %s node %s: %w", gc.ID, node, err)
		}
		g.AddNode(node, step)
	}
	for from, to := range gc.Edges {
		g.AddEdge(from, to)
	}
	for from, rc := range gc.Routes {
		if rc.Key == "" {
			return nil, fmt.Errorf("graph %s route on %s: key is required", gc.ID, from)
		}
		g.AddConditionalEdge(from, rc.router())
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func (rc RouteConfig) router() graph.Router {
	return func(ctx context.Context, state domain.State) (string, error) {
		value := ""
		if v, ok := state[rc.Key]; ok && v != nil {
			value = fmt.Sprint(v)
		}
		if to, ok := rc.Cases[value]; ok {
			return to, nil
		}
		if rc.Default != "" {
			return rc.Default, nil
		}
		return "", fmt.Errorf("%w %q of %s", ErrNoRoute, value, rc.Key)
	}
}
