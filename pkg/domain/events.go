package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EventKind defines the category of a live feed event.
type EventKind string

const (
	EventStep     EventKind = "step"
	EventTerminal EventKind = "terminal"
)

// Event is one entry of a run's live feed.
//
// On the wire a step event is {step, node, state} and the terminal event is
// either {status:"completed", final_state} or {status:"failed", error}.
type Event struct {
	Kind  EventKind
	RunID string

	// Step is set when Kind == EventStep.
	Step StepRecord
	// Changed lists the keys the step modified. Not serialized.
	Changed []string

	// Terminal fields, set when Kind == EventTerminal.
	Status     RunStatus
	FinalState State
	Error      string
}

// NewStepEvent builds a step event from a record.
func NewStepEvent(runID string, rec StepRecord, changed []string) Event {
	return Event{Kind: EventStep, RunID: runID, Step: rec, Changed: changed}
}

// NewCompletedEvent builds the terminal event of a completed run.
func NewCompletedEvent(runID string, final State) Event {
	return Event{Kind: EventTerminal, RunID: runID, Status: StatusCompleted, FinalState: final}
}

// NewFailedEvent builds the terminal event of a failed run.
func NewFailedEvent(runID string, err error) Event {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Event{Kind: EventTerminal, RunID: runID, Status: StatusFailed, Error: msg}
}

// Clone returns a copy that shares no maps or slices with e.
func (e Event) Clone() Event {
	out := e
	if e.Step.State != nil {
		out.Step.State = e.Step.State.Clone()
	}
	if e.FinalState != nil {
		out.FinalState = e.FinalState.Clone()
	}
	if e.Changed != nil {
		out.Changed = append([]string(nil), e.Changed...)
	}
	return out
}

// IsTerminal reports whether this is the last event of the run.
func (e Event) IsTerminal() bool {
	return e.Kind == EventTerminal
}

type completedWire struct {
	Status     RunStatus `json:"status"`
	FinalState State     `json:"final_state"`
}

type failedWire struct {
	Status RunStatus `json:"status"`
	Error  string    `json:"error"`
}

// MarshalJSON encodes the event in its wire shape.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case EventStep:
		return json.Marshal(e.Step)
	case EventTerminal:
		if e.Status == StatusCompleted {
			final := e.FinalState
			if final == nil {
				final = State{}
			}
			return json.Marshal(completedWire{Status: e.Status, FinalState: final})
		}
		return json.Marshal(failedWire{Status: e.Status, Error: e.Error})
	}
	return nil, fmt.Errorf("unknown event kind %q", e.Kind)
}

// UnmarshalJSON decodes either wire shape. Events carrying a status field are terminal.
func (e *Event) UnmarshalJSON(data []byte) error {
	var probe struct {
		Status     RunStatus `json:"status"`
		FinalState State     `json:"final_state"`
		Error      string    `json:"error"`
		Step       int       `json:"step"`
		Node       string    `json:"node"`
		State      State     `json:"state"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Status != "" {
		*e = Event{Kind: EventTerminal, Status: probe.Status, FinalState: probe.FinalState, Error: probe.Error}
		return nil
	}
	*e = Event{Kind: EventStep, Step: StepRecord{Step: probe.Step, Node: probe.Node, State: probe.State}}
	return nil
}

// EventBase contains common fields for lifecycle hook payloads.
type EventBase struct {
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`
	GraphID   string    `json:"graph_id"`
}

// RunEvent reports the start or the end of a run.
type RunEvent struct {
	EventBase
	Status   RunStatus     `json:"status"`
	Steps    int           `json:"steps"`
	Duration time.Duration `json:"duration,omitempty"`
	Err      error         `json:"-"`
}

// StepEvent reports one completed step.
type StepEvent struct {
	EventBase
	Step     int           `json:"step"`
	Node     string        `json:"node"`
	Duration time.Duration `json:"duration"`
	Changed  []string      `json:"changed,omitempty"`
}

// LifecycleHooks defines callbacks for engine observability.
// Any hook may be nil.
type LifecycleHooks struct {
	OnRunStart     func(context.Context, *RunEvent)
	OnStepComplete func(context.Context, *StepEvent)
	OnRunFinish    func(context.Context, *RunEvent)
}

// Combine returns hooks that call h first, then other.
func (h LifecycleHooks) Combine(other LifecycleHooks) LifecycleHooks {
	return LifecycleHooks{
		OnRunStart:     chainRun(h.OnRunStart, other.OnRunStart),
		OnStepComplete: chainStep(h.OnStepComplete, other.OnStepComplete),
		OnRunFinish:    chainRun(h.OnRunFinish, other.OnRunFinish),
	}
}

func chainRun(a, b func(context.Context, *RunEvent)) func(context.Context, *RunEvent) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx context.Context, e *RunEvent) {
		a(ctx, e)
		b(ctx, e)
	}
}

func chainStep(a, b func(context.Context, *StepEvent)) func(context.Context, *StepEvent) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx context.Context, e *StepEvent) {
		a(ctx, e)
		b(ctx, e)
	}
}
