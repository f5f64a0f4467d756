package domain

import "time"

// RunStatus is the lifecycle status of a run.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"   // Created, not yet picked up by an engine
	StatusRunning   RunStatus = "running"   // An engine is executing steps
	StatusCompleted RunStatus = "completed" // End reached
	StatusFailed    RunStatus = "failed"    // Unrecovered error
)

// IsTerminal reports whether no further steps or status changes may follow.
func (s RunStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the four known statuses.
func (s RunStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// StepRecord is the log entry of one executed step.
// State is a deep copy taken right after the step; it is never mutated afterwards.
type StepRecord struct {
	Step  int    `json:"step"`
	Node  string `json:"node"`
	State State  `json:"state"`
}

// Run is one execution instance of a graph.
type Run struct {
	ID        string       `json:"run_id"`
	GraphID   string       `json:"graph_id"`
	Status    RunStatus    `json:"status"`
	State     State        `json:"state"`
	History   []StepRecord `json:"history"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// NewRun creates a pending run record for the given graph.
func NewRun(id, graphID string, initial State) *Run {
	now := time.Now().UTC()
	return &Run{
		ID:        id,
		GraphID:   graphID,
		Status:    StatusPending,
		State:     initial.Clone(),
		History:   []StepRecord{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// RunPatch is a partial update of a run record.
// Nil fields are left untouched, so saving the same patch twice is idempotent.
type RunPatch struct {
	Status  *RunStatus
	State   State
	History []StepRecord
	Error   *string
}

// StatusPatch builds a patch that only changes the status.
func StatusPatch(status RunStatus) RunPatch {
	return RunPatch{Status: &status}
}

// FailurePatch builds a patch that marks the run failed with a message.
// State and history are left as they were last saved.
func FailurePatch(msg string) RunPatch {
	status := StatusFailed
	return RunPatch{Status: &status, Error: &msg}
}

// Apply merges the patch into the run and bumps UpdatedAt.
// State and history are deep-copied.
func (r *Run) Apply(p RunPatch) {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.State != nil {
		r.State = p.State.Clone()
	}
	if p.History != nil {
		r.History = CloneHistory(p.History)
	}
	if p.Error != nil {
		r.Error = *p.Error
	}
	r.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	cp := *r
	cp.State = r.State.Clone()
	cp.History = CloneHistory(r.History)
	return &cp
}

// CloneHistory deep-copies a step history. The result is never nil.
func CloneHistory(h []StepRecord) []StepRecord {
	out := make([]StepRecord, len(h))
	for i, rec := range h {
		out[i] = StepRecord{Step: rec.Step, Node: rec.Node, State: rec.State.Clone()}
	}
	return out
}
