package runtime

import (
	"context"
	"time"

	"github.com/aretw0/stepgraph/pkg/domain"
)

func (e *Engine) base(runID string) domain.EventBase {
	return domain.EventBase{
		Timestamp: time.Now(),
		RunID:     runID,
		GraphID:   e.graph.ID(),
	}
}

func (e *Engine) emitRunStart(ctx context.Context, runID string) {
	if e.hooks.OnRunStart == nil {
		return
	}
	e.hooks.OnRunStart(ctx, &domain.RunEvent{
		EventBase: e.base(runID),
		Status:    domain.StatusRunning,
	})
}

func (e *Engine) emitStepComplete(ctx context.Context, runID string, rec domain.StepRecord, changed []string, d time.Duration) {
	if e.hooks.OnStepComplete == nil {
		return
	}
	e.hooks.OnStepComplete(ctx, &domain.StepEvent{
		EventBase: e.base(runID),
		Step:      rec.Step,
		Node:      rec.Node,
		Duration:  d,
		Changed:   changed,
	})
}

func (e *Engine) emitRunFinish(ctx context.Context, runID string, status domain.RunStatus, steps int, d time.Duration, err error) {
	if e.hooks.OnRunFinish == nil {
		return
	}
	e.hooks.OnRunFinish(ctx, &domain.RunEvent{
		EventBase: e.base(runID),
		Status:    status,
		Steps:     steps,
		Duration:  d,
		Err:       err,
	})
}
