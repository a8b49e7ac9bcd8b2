// Package policy is the plan admission gate: Rego policies evaluated with
// Open Policy Agent against every compiled plan before it is stored.
//
// Policies see the plan through PlanInput (phases, tasks and the nodes with
// work) and service settings as data.froyo. A policy package may define two
// rules:
//
//	package site.maintenance
//
//	import rego.v1
//
//	deny contains msg if {
//		some node in input.nodes
//		startswith(node, "prod-")
//		msg := sprintf("%s is in a change freeze", [node])
//	}
//
//	warn contains msg if {
//		count(input.phases) > 20
//		msg := "plan has more than 20 phases"
//	}
//
// Any deny result rejects the plan; warn results are only logged. Rule
// values are either message strings or objects with "message" and
// optional "node" keys.
//
// Built-in policies deny plans touching data.froyo.frozen_nodes, warn on
// phases wider than data.froyo.max_phase_width and deny a cleanup phase
// that is not last.
//
// User policies are .rego files (named after the file) or .json
// definitions loaded from a policy directory. Engine.Watch reloads them
// with fsnotify when files change.
package policy
