package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aretw0/stepgraph/internal/presentation/tui"
	"github.com/aretw0/stepgraph/pkg/domain"
)

// RunOptions contains the configuration of the run command.
type RunOptions struct {
	GraphID string
	State   string // Raw JSON object
	JSON    bool
	Render  func(string) (string, error)
}

// ParseState decodes a JSON object given on the command line.
func ParseState(raw string) (domain.State, error) {
	if raw == "" {
		return domain.State{}, nil
	}
	var state domain.State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("error parsing --state JSON: %w", err)
	}
	if state == nil {
		state = domain.State{}
	}
	return state, nil
}

// StepPrinter returns hooks that print one line per completed step.
func StepPrinter(w io.Writer) domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnStepComplete: func(ctx context.Context, e *domain.StepEvent) {
			ev := domain.Event{
				Kind:    domain.EventStep,
				RunID:   e.RunID,
				Step:    domain.StepRecord{Step: e.Step, Node: e.Node},
				Changed: e.Changed,
			}
			fmt.Fprintln(w, tui.StepLine(ev))
		},
	}
}

// Execute submits one run, waits for it and writes the outcome to out.
// A failed run is reported and returned as an error.
func Execute(ctx context.Context, app *App, opts RunOptions, out io.Writer) error {
	initial, err := ParseState(opts.State)
	if err != nil {
		return err
	}

	runID, err := app.Service.Submit(ctx, opts.GraphID, initial)
	if err != nil {
		return err
	}
	app.Logger.Debug("run submitted", "run_id", runID, "graph_id", opts.GraphID)

	run, err := app.Service.Await(ctx, runID)
	if err != nil {
		return fmt.Errorf("waiting for run %s: %w", runID, err)
	}

	if opts.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(run); err != nil {
			return err
		}
	} else {
		report := tui.RunReport(run)
		if opts.Render != nil {
			if rendered, err := opts.Render(report); err == nil {
				report = rendered
			}
		}
		fmt.Fprint(out, report)
	}

	if run.Status == domain.StatusFailed {
		return fmt.Errorf("run %s failed: %s", run.ID, run.Error)
	}
	return nil
}
