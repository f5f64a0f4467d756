/*
Package graph defines workflow graph definitions.

A Graph maps node names to Steps and holds the transitions between them:
unconditional edges and conditional edges driven by a Router. Conditional
edges take precedence; a node with neither terminates the run.

Definitions are built once and then shared read-only by every run:

	g := graph.New("review").
		AddNodeFunc("extract", extract).
		AddNodeFunc("check", check).
		SetEntryPoint("extract").
		AddEdge("extract", "check").
		AddConditionalEdge("check", gate)

	if err := g.Validate(); err != nil {
		// ...
	}
*/
package graph
