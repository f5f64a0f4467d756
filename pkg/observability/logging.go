package observability

import (
	"context"
	"log/slog"

	"github.com/aretw0/stepgraph/pkg/domain"
)

// LogHooks returns lifecycle hooks that log run and step events.
// Steps are logged at Debug, run boundaries at Info.
func LogHooks(logger *slog.Logger) domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnRunStart: func(ctx context.Context, e *domain.RunEvent) {
			logger.InfoContext(ctx, "run_start",
				"run_id", e.RunID,
				"graph", e.GraphID,
			)
		},
		OnStepComplete: func(ctx context.Context, e *domain.StepEvent) {
			logger.DebugContext(ctx, "step_complete",
				"run_id", e.RunID,
				"step", e.Step,
				"node", e.Node,
				"duration", e.Duration,
				"changed", e.Changed,
			)
		},
		OnRunFinish: func(ctx context.Context, e *domain.RunEvent) {
			attrs := []any{
				"run_id", e.RunID,
				"graph", e.GraphID,
				"status", e.Status,
				"steps", e.Steps,
				"duration", e.Duration,
			}
			if e.Err != nil {
				attrs = append(attrs, "err", e.Err)
			}
			logger.InfoContext(ctx, "run_finish", attrs...)
		},
	}
}
