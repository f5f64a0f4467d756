package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aretw0/stepgraph/pkg/domain"
)

// ValidationError lists every structural problem found in a definition.
type ValidationError struct {
	GraphID  string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("graph %q is invalid: %s", e.GraphID, strings.Join(e.Problems, "; "))
}

// ErrInvalidGraph is matched by every ValidationError.
var ErrInvalidGraph = errors.New("invalid graph")

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidGraph
}

// Validate checks the static structure: the entry point and every edge target
// must name a registered node (or End, for targets). Router results are dynamic
// and are checked by the engine at run time.
func (g *Graph) Validate() error {
	var problems []string

	if _, ok := g.nodes[domain.End]; ok {
		problems = append(problems, fmt.Sprintf("%q is reserved and cannot be a node", domain.End))
	}

	switch {
	case g.entryPoint == "":
		problems = append(problems, "entry point not set")
	case !g.HasNode(g.entryPoint):
		problems = append(problems, fmt.Sprintf("entry point %q is not a registered node", g.entryPoint))
	}

	for _, from := range sortedKeys(g.edges) {
		to := g.edges[from]
		if !g.HasNode(from) {
			problems = append(problems, fmt.Sprintf("edge source %q is not a registered node", from))
		}
		if !g.IsTarget(to) {
			problems = append(problems, fmt.Sprintf("edge %q -> %q targets an unknown node", from, to))
		}
	}

	for _, from := range g.Conditionals() {
		if !g.HasNode(from) {
			problems = append(problems, fmt.Sprintf("conditional edge source %q is not a registered node", from))
		}
		if g.conditional[from] == nil {
			problems = append(problems, fmt.Sprintf("conditional edge on %q has a nil router", from))
		}
	}

	for _, name := range g.Nodes() {
		if g.nodes[name] == nil {
			problems = append(problems, fmt.Sprintf("node %q has a nil step", name))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{GraphID: g.id, Problems: problems}
	}
	return nil
}

// Unreachable returns the nodes that cannot be reached from the entry point.
// Nodes with a router may reach any node, so the result is only meaningful for
// graphs whose routers are absent; when a router is reachable the walk stops
// reporting and nil is returned.
func (g *Graph) Unreachable() []string {
	if g.entryPoint == "" {
		return nil
	}
	visited := make(map[string]bool)
	queue := []string{g.entryPoint}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if visited[current] || current == domain.End {
			continue
		}
		visited[current] = true
		if g.HasConditional(current) {
			return nil
		}
		if to, ok := g.edges[current]; ok {
			queue = append(queue, to)
		}
	}

	var missing []string
	for _, name := range g.Nodes() {
		if !visited[name] {
			missing = append(missing, name)
		}
	}
	return missing
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
