package policy

import (
	"sort"
	"time"

	"github.com/openfroyo/froyoplan/pkg/engine"
)

// Severity represents the severity level of a policy finding.
type Severity string

const (
	// SeverityWarning is reported but does not block the plan.
	SeverityWarning Severity = "warning"

	// SeverityError denies the plan.
	SeverityError Severity = "error"
)

// Policy is a Rego module evaluated against compiled plans. Its deny rule
// blocks a plan; its warn rule only reports.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the service.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	Tags []string `json:"tags,omitempty"`
}

// Violation is a single deny or warn finding.
type Violation struct {
	// Policy is the name of the policy that produced the finding.
	Policy string `json:"policy"`

	Message  string   `json:"message"`
	Severity Severity `json:"severity"`

	// Node is set when the policy names the offending node.
	Node string `json:"node,omitempty"`
}

// Result is the outcome of evaluating all enabled policies.
type Result struct {
	// Allowed is false when any deny rule fired.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`
	Warnings   []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Messages returns the deny messages.
func (r *Result) Messages() []string {
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		out = append(out, v.Message)
	}
	return out
}

// Data is exposed to policies as data.froyo.
type Data struct {
	// FrozenNodes may not be touched by any plan.
	FrozenNodes []string `json:"frozen_nodes"`

	// MaxPhaseWidth is the widest phase, in nodes, allowed without a
	// warning. Zero disables the check.
	MaxPhaseWidth int `json:"max_phase_width"`
}

// PlanInput is the input document policies see.
type PlanInput struct {
	PlanID string `json:"plan_id"`
	Digest string `json:"digest"`

	// Nodes lists nodes with config, callback, removal or cleanup work.
	// Nodes touched only by lock and unlock tasks are not included.
	Nodes []string `json:"nodes"`

	Phases []PhaseInput `json:"phases"`
}

// PhaseInput describes one phase of the plan.
type PhaseInput struct {
	Index   int         `json:"index"`
	Cleanup bool        `json:"cleanup"`
	Nodes   []string    `json:"nodes"`
	Tasks   []TaskInput `json:"tasks"`
}

// TaskInput describes one compiled task.
type TaskInput struct {
	ID       string `json:"id"`
	Node     string `json:"node"`
	CallType string `json:"call_type"`
	CallID   string `json:"call_id"`
	Kind     string `json:"kind"`
	Cluster  string `json:"cluster,omitempty"`
	Item     string `json:"item,omitempty"`
	Group    string `json:"group,omitempty"`
}

// NewPlanInput projects a compiled plan into the policy input document.
func NewPlanInput(plan *engine.Plan) *PlanInput {
	in := &PlanInput{
		PlanID: plan.ID,
		Digest: plan.Digest,
		Nodes:  []string{},
		Phases: make([]PhaseInput, 0, len(plan.Phases)),
	}

	worked := make(map[string]bool)
	for _, ph := range plan.Phases {
		pi := PhaseInput{
			Index:   ph.Index,
			Cleanup: ph.Cleanup,
			Nodes:   []string{},
			Tasks:   make([]TaskInput, 0, len(ph.Tasks)),
		}
		seen := make(map[string]bool)
		for _, t := range ph.Tasks {
			pi.Tasks = append(pi.Tasks, TaskInput{
				ID:       t.ID.String(),
				Node:     t.ID.Node,
				CallType: t.ID.CallType,
				CallID:   t.ID.CallID,
				Kind:     string(t.Kind),
				Cluster:  t.Cluster,
				Item:     t.Item,
				Group:    t.Group,
			})
			if !seen[t.ID.Node] {
				seen[t.ID.Node] = true
				pi.Nodes = append(pi.Nodes, t.ID.Node)
			}
			if t.Kind != engine.KindLock && t.Kind != engine.KindUnlock {
				worked[t.ID.Node] = true
			}
		}
		sort.Strings(pi.Nodes)
		in.Phases = append(in.Phases, pi)
	}

	for node := range worked {
		in.Nodes = append(in.Nodes, node)
	}
	sort.Strings(in.Nodes)
	return in
}
