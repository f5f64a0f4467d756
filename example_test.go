package stepgraph_test

import (
	"context"
	"fmt"
	"log"

	"github.com/aretw0/stepgraph"
	"github.com/aretw0/stepgraph/pkg/adapters/memory"
	"github.com/aretw0/stepgraph/pkg/domain"
	"github.com/aretw0/stepgraph/pkg/graph"
)

// ExampleNew builds a small loop: "inc" runs until the counter reaches 3,
// then the router hands over to "report".
func ExampleNew() {
	g := graph.New("counter").
		AddNodeFunc("inc", func(ctx context.Context, s domain.State) (domain.State, error) {
			n, _ := s["n"].(int)
			return domain.State{"n": n + 1}, nil
		}).
		AddNodeFunc("report", func(ctx context.Context, s domain.State) (domain.State, error) {
			return domain.State{"msg": fmt.Sprintf("counted to %d", s["n"])}, nil
		}).
		SetEntryPoint("inc").
		AddConditionalEdge("inc", func(ctx context.Context, s domain.State) (string, error) {
			if s["n"].(int) < 3 {
				return "inc", nil
			}
			return "report", nil
		})

	reg := graph.NewRegistry()
	reg.MustRegister(g)

	svc := stepgraph.New(reg, memory.NewStore(), memory.NewHub(), stepgraph.WithPacing(0))

	ctx := context.Background()
	runID, err := svc.Submit(ctx, "counter", domain.State{"n": 0})
	if err != nil {
		log.Fatal(err)
	}
	run, err := svc.Await(ctx, runID)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(run.Status)
	fmt.Println(run.State["msg"])
	for _, rec := range run.History {
		fmt.Println(rec.Step, rec.Node)
	}
	// Output:
	// completed
	// counted to 3
	// 1 inc
	// 2 inc
	// 3 inc
	// 4 report
}
