/*
Package stepgraph executes named, directed workflow graphs over a shared
key-value state, one node at a time.

Every step is written to a durable run record before the next transition is
taken, and progress is streamed to live subscribers. A failing node only
fails its own run.

# Concept

A graph is built in Go from nodes (any graph.Step) joined by static edges and
conditional edges (a graph.Router). A node receives a snapshot of the state
and returns a partial update that is merged key-wise. Execution starts at the
entry point and stops at domain.End; a node with no outgoing edge ends the
run after it executes.

# Usage

	reg := graph.NewRegistry()
	reg.MustRegister(graph.New("greet").
		AddNodeFunc("hello", func(ctx context.Context, s domain.State) (domain.State, error) {
			return domain.State{"greeting": "hello " + s["name"].(string)}, nil
		}).
		SetEntryPoint("hello"))

	svc := stepgraph.New(reg, memory.NewStore(), memory.NewHub())

	runID, err := svc.Submit(ctx, "greet", domain.State{"name": "world"})
	if err != nil {
		log.Fatal(err)
	}
	run, err := svc.Await(ctx, runID)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(run.Status, run.State["greeting"])

Stores live in pkg/adapters (memory, redis, sqlstore); transports for HTTP
and MCP are in pkg/adapters/http and pkg/adapters/mcp. Graphs whose nodes run
allow-listed local commands can be declared in a file; see pkg/adapters/process.
*/
package stepgraph
