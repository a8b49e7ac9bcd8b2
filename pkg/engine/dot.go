package engine

import (
	"fmt"
	"strings"
)

// ToDOT generates a DOT format representation of the plan for visualization.
// Phases are rendered as subgraphs and edges follow task dependencies.
// The output can be rendered with Graphviz tools.
func (p *Plan) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Plan {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, phase := range p.Phases {
		label := fmt.Sprintf("Phase %d", phase.Index)
		if phase.Cleanup {
			label += " (cleanup)"
		}
		sb.WriteString(fmt.Sprintf("  subgraph cluster_phase_%d {\n", phase.Index))
		sb.WriteString(fmt.Sprintf("    label=%q;\n", label))
		sb.WriteString("    style=dashed;\n")

		for _, t := range phase.Tasks {
			desc := t.Description
			if desc == "" {
				desc = t.ID.CallID
			}
			sb.WriteString(fmt.Sprintf("    %q [label=%q, fillcolor=%q, style=\"filled,rounded\"];\n",
				t.ID.String(), t.ID.Node+"\n"+desc, stateColor(t.State)))
		}

		sb.WriteString("  }\n\n")
	}

	for _, t := range p.Tasks() {
		for _, dep := range t.Requires {
			sb.WriteString(fmt.Sprintf("  %q -> %q [%s];\n", dep.String(), t.ID.String(), edgeStyle(t.Kind)))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// stateColor returns a fill color for a task state.
func stateColor(state TaskState) string {
	switch state {
	case TaskSuccess:
		return "lightgreen"
	case TaskRunning:
		return "lightblue"
	case TaskFailed:
		return "lightcoral"
	case TaskStopped:
		return "khaki"
	default:
		return "white"
	}
}

// edgeStyle returns a DOT style string for edges into a task of the given kind.
func edgeStyle(kind TaskKind) string {
	switch kind {
	case KindLock, KindUnlock:
		return "style=dotted, color=gray"
	case KindCallback:
		return "style=dashed, color=blue"
	default:
		return "style=solid, color=black"
	}
}
