package tui

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aretw0/stepgraph/pkg/domain"
)

// RunReport formats a run record as markdown: a header, the step table and
// the final state.
func RunReport(run *domain.Run) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Run `%s`\n\n", run.ID)
	fmt.Fprintf(&sb, "- **Graph:** %s\n", run.GraphID)
	fmt.Fprintf(&sb, "- **Status:** %s\n", run.Status)
	fmt.Fprintf(&sb, "- **Steps:** %d\n", len(run.History))
	if run.Error != "" {
		fmt.Fprintf(&sb, "- **Error:** %s\n", run.Error)
	}

	if len(run.History) > 0 {
		sb.WriteString("\n## History\n\n| Step | Node | Keys |\n|---:|---|---|\n")
		for _, rec := range run.History {
			fmt.Fprintf(&sb, "| %d | %s | %s |\n", rec.Step, rec.Node, strings.Join(rec.State.Keys(), ", "))
		}
	}

	sb.WriteString("\n## State\n\n```json\n")
	data, err := json.MarshalIndent(run.State, "", "  ")
	if err != nil {
		data = []byte(fmt.Sprintf("%q", err.Error()))
	}
	sb.Write(data)
	sb.WriteString("\n```\n")
	return sb.String()
}

// StepLine is the one-line summary of a live event.
func StepLine(ev domain.Event) string {
	if ev.IsTerminal() {
		if ev.Status == domain.StatusFailed {
			return fmt.Sprintf("✗ failed: %s", ev.Error)
		}
		return "✓ completed"
	}
	line := fmt.Sprintf("%3d  %s", ev.Step.Step, ev.Step.Node)
	if len(ev.Changed) > 0 {
		line += "  (" + strings.Join(ev.Changed, ", ") + ")"
	}
	return line
}
