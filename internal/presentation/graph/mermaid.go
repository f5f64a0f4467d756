package graph

import (
	"fmt"
	"strings"

	"github.com/aretw0/stepgraph/pkg/domain"
	sg "github.com/aretw0/stepgraph/pkg/graph"
)

// endID is the Mermaid identifier of the terminal pseudo-node.
const endID = "END"

// GraphOverlay contains dynamic state data to visualize on the graph.
type GraphOverlay struct {
	VisitedNodes []string
	CurrentNode  string
}

// OverlayFromRun marks every node in the run history as visited. While the
// run is still executing, its latest node is highlighted as current.
func OverlayFromRun(run *domain.Run) *GraphOverlay {
	if run == nil {
		return nil
	}
	overlay := &GraphOverlay{}
	for _, rec := range run.History {
		overlay.VisitedNodes = append(overlay.VisitedNodes, rec.Node)
	}
	if !run.Status.IsTerminal() && len(run.History) > 0 {
		overlay.CurrentNode = run.History[len(run.History)-1].Node
	}
	return overlay
}

// GenerateMermaid produces a Mermaid flowchart for g.
// It applies semantic styling:
// - Entry point: ((Circle))
// - Node with a router: {{Hexagon}}
// - Default: [Rectangle]
// Router targets are only known at run time, so a routed node gets a dotted
// "route" edge to a decision marker instead of concrete arrows.
// Overlay styles (Visited/Current) are applied if provided.
func GenerateMermaid(g *sg.Graph, overlay *GraphOverlay) string {
	var sb strings.Builder
	sb.WriteString("graph TD\n")

	usesEnd := false
	for _, name := range g.Nodes() {
		safeID := sanitizeMermaidID(name)

		opener, closer := "[", "]"
		switch {
		case name == g.EntryPoint():
			opener, closer = "((", "))"
		case g.HasConditional(name):
			opener, closer = "{{", "}}"
		}
		fmt.Fprintf(&sb, "    %s%s\"%s\"%s\n", safeID, opener, escapeLabel(name), closer)

		to, hasEdge := g.Edge(name)
		switch {
		case g.HasConditional(name):
			fmt.Fprintf(&sb, "    %s -. \"route\" .-> %s_route{?}\n", safeID, safeID)
			if hasEdge {
				// Static edge kept for documentation; the router always wins.
				fmt.Fprintf(&sb, "    %s -. \"shadowed\" .-> %s\n", safeID, targetID(to))
				usesEnd = usesEnd || to == domain.End
			}
		case hasEdge:
			fmt.Fprintf(&sb, "    %s --> %s\n", safeID, targetID(to))
			usesEnd = usesEnd || to == domain.End
		default:
			fmt.Fprintf(&sb, "    %s --> %s\n", safeID, endID)
			usesEnd = true
		}
	}
	if usesEnd {
		fmt.Fprintf(&sb, "    %s([\"END\"])\n", endID)
	}

	if overlay != nil {
		sb.WriteString("\n    %% Overlay Styles\n")
		// Force black text (color:#000) for high-contrast on light backgrounds, regardless of theme (Light/Dark)
		sb.WriteString("    classDef visited fill:#e1f5fe,stroke:#01579b,stroke-width:2px,color:#000;\n")
		sb.WriteString("    classDef current fill:#ffeb3b,stroke:#fbc02d,stroke-width:4px,color:#000;\n")

		visitedSet := make(map[string]bool)
		for _, id := range overlay.VisitedNodes {
			// History may name nodes the definition no longer has.
			if !g.HasNode(id) {
				continue
			}
			safeID := sanitizeMermaidID(id)
			if !visitedSet[safeID] {
				visitedSet[safeID] = true
				fmt.Fprintf(&sb, "    class %s visited;\n", safeID)
			}
		}

		if overlay.CurrentNode != "" && g.HasNode(overlay.CurrentNode) {
			fmt.Fprintf(&sb, "    class %s current;\n", sanitizeMermaidID(overlay.CurrentNode))
		}
	}

	return sb.String()
}

func targetID(name string) string {
	if name == domain.End {
		return endID
	}
	return sanitizeMermaidID(name)
}

func escapeLabel(s string) string {
	return strings.ReplaceAll(s, "\"", "'")
}

func sanitizeMermaidID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", "/", "_", "\\", "_", " ", "_")
	s := r.Replace(id)
	// Keep node IDs clear of the reserved END marker.
	if s == endID {
		s = "node_" + s
	}
	return s
}
