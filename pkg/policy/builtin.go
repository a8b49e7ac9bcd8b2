package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		frozenNodesPolicy(),
		phaseWidthPolicy(),
		cleanupLastPolicy(),
	}
}

// frozenNodesPolicy denies plans that do work on a frozen node.
func frozenNodesPolicy() Policy {
	return Policy{
		Name:        "frozen-nodes",
		Description: "Denies plans that touch a node listed in data.froyo.frozen_nodes",
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"safety"},
		Rego: `package froyoplan.frozen_nodes

import rego.v1

deny contains violation if {
	some node in input.nodes
	some frozen in data.froyo.frozen_nodes
	node == frozen
	violation := {
		"message": sprintf("plan touches frozen node %s", [node]),
		"node": node,
	}
}
`,
	}
}

// phaseWidthPolicy warns when a phase touches more nodes than configured.
func phaseWidthPolicy() Policy {
	return Policy{
		Name:        "phase-width",
		Description: "Warns on phases touching more nodes than data.froyo.max_phase_width",
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"blast-radius"},
		Rego: `package froyoplan.phase_width

import rego.v1

warn contains msg if {
	limit := data.froyo.max_phase_width
	limit > 0
	some phase in input.phases
	width := count(phase.nodes)
	width > limit
	msg := sprintf("phase %d touches %d nodes (limit %d)", [phase.index, width, limit])
}
`,
	}
}

// cleanupLastPolicy denies plans whose cleanup phase is not the final one.
// The compiler never produces such a plan; the rule guards hand-edited or
// replayed plans.
func cleanupLastPolicy() Policy {
	return Policy{
		Name:        "cleanup-last",
		Description: "Denies plans with a cleanup phase before the final phase",
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"structure"},
		Rego: `package froyoplan.cleanup_last

import rego.v1

deny contains msg if {
	some i, phase in input.phases
	phase.cleanup
	i < count(input.phases) - 1
	msg := sprintf("cleanup phase %d is not the final phase", [phase.index])
}
`,
	}
}
