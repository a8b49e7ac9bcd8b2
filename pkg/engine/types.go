package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Call types of the synthetic tasks inserted by the compiler.
const (
	CallTypeLockUnlock = "lock_unlock"
	CallTypeCleanup    = "cleanup"

	callIDLock        = "lock"
	callIDUnlock      = "unlock"
	callIDForceUnlock = "force_unlock"
)

// TaskID is the identity of a task: the (node, call-type, call-id) tuple.
type TaskID struct {
	Node     string `json:"node"`
	CallType string `json:"call_type"`
	CallID   string `json:"call_id"`
}

// String renders the identity as node/call_type/call_id.
func (id TaskID) String() string {
	return id.Node + "/" + id.CallType + "/" + id.CallID
}

// Less orders identities lexically by node, call type and call id.
func (id TaskID) Less(other TaskID) bool {
	if id.Node != other.Node {
		return id.Node < other.Node
	}
	if id.CallType != other.CallType {
		return id.CallType < other.CallType
	}
	return id.CallID < other.CallID
}

// RefKind discriminates the variants of DependencyRef.
type RefKind string

const (
	// RefTask references a task by (call-type, call-id).
	RefTask RefKind = "task"

	// RefGroup references an ordered group; it resolves to the group's last member.
	RefGroup RefKind = "group"

	// RefItem references a model item; it resolves to every task configuring it.
	RefItem RefKind = "item"
)

// DependencyRef is a dependency declared by a change producer. Exactly the
// fields of its Kind are set.
type DependencyRef struct {
	Kind     RefKind `json:"kind"`
	CallType string  `json:"call_type,omitempty"`
	CallID   string  `json:"call_id,omitempty"`
	Group    string  `json:"group,omitempty"`
	Item     string  `json:"item,omitempty"`
}

// TaskRef builds a task reference.
func TaskRef(callType, callID string) DependencyRef {
	return DependencyRef{Kind: RefTask, CallType: callType, CallID: callID}
}

// GroupRef builds an ordered group reference.
func GroupRef(group string) DependencyRef {
	return DependencyRef{Kind: RefGroup, Group: group}
}

// ItemRef builds a query item reference.
func ItemRef(item string) DependencyRef {
	return DependencyRef{Kind: RefItem, Item: item}
}

func (r DependencyRef) String() string {
	switch r.Kind {
	case RefTask:
		return fmt.Sprintf("task(%s, %s)", r.CallType, r.CallID)
	case RefGroup:
		return fmt.Sprintf("group(%s)", r.Group)
	case RefItem:
		return fmt.Sprintf("item(%s)", r.Item)
	default:
		return fmt.Sprintf("unknown(%s)", r.Kind)
	}
}

// Validate checks that the fields required by the reference kind are set.
func (r DependencyRef) Validate() error {
	switch r.Kind {
	case RefTask:
		if r.CallType == "" || r.CallID == "" {
			return fmt.Errorf("task reference requires call_type and call_id")
		}
	case RefGroup:
		if r.Group == "" {
			return fmt.Errorf("group reference requires a group id")
		}
	case RefItem:
		if r.Item == "" {
			return fmt.Errorf("item reference requires an item path")
		}
	default:
		return fmt.Errorf("invalid dependency reference kind: %q", r.Kind)
	}
	return nil
}

// TaskDescriptor is a unit of work emitted by a change producer.
type TaskDescriptor struct {
	// Node is the node the task runs on.
	Node string `json:"node" validate:"required"`

	// CallType and CallID identify the task within its node.
	CallType string `json:"call_type" validate:"required"`
	CallID   string `json:"call_id" validate:"required"`

	// Description is the human-readable text shown by show_plan.
	Description string `json:"description"`

	// Kind classifies the work. Empty means config.
	Kind TaskKind `json:"kind,omitempty"`

	// Item is the model item this task configures, if any.
	Item string `json:"item,omitempty"`

	// Command is handed to the node runner.
	Command string `json:"command,omitempty"`

	// Payload is optional content the runner delivers before the command.
	Payload string `json:"payload,omitempty"`

	// Requires lists explicit dependencies.
	Requires []DependencyRef `json:"requires,omitempty"`
}

// ID returns the task identity.
func (d TaskDescriptor) ID() TaskID {
	return TaskID{Node: d.Node, CallType: d.CallType, CallID: d.CallID}
}

// Digest fingerprints the work a descriptor performs. A task whose digest
// changed is new work even when its identity is unchanged.
func (d TaskDescriptor) Digest() string {
	h := sha256.New()
	for _, part := range []string{d.Node, d.CallType, d.CallID, string(d.kind()), d.Item, d.Description, d.Command, d.Payload} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (d TaskDescriptor) kind() TaskKind {
	if d.Kind == "" {
		return KindConfig
	}
	return d.Kind
}

// OrderedGroup is a sequence of same-node tasks executed in declared order.
type OrderedGroup struct {
	// ID names the group for group references.
	ID string `json:"id" validate:"required"`

	// Requires are dependencies of the group's first member.
	Requires []DependencyRef `json:"requires,omitempty"`

	// Tasks are the members in execution order.
	Tasks []TaskDescriptor `json:"tasks" validate:"min=1,dive"`
}

// Cluster groups nodes and declares precedence over other clusters.
type Cluster struct {
	ID    string   `json:"id" validate:"required"`
	Nodes []string `json:"nodes"`

	// DependsOn lists clusters that must be fully deployed first
	// (the dependency_list property).
	DependsOn []string `json:"dependency_list,omitempty"`
}

// Item records model item ownership and removal marking.
type Item struct {
	Path       string `json:"path" validate:"required"`
	Node       string `json:"node"`
	ForRemoval bool   `json:"for_removal,omitempty"`
}

// ChangeSet is the input to create_plan: everything the producers emitted
// for the current model.
type ChangeSet struct {
	Tasks    []TaskDescriptor `json:"tasks,omitempty"`
	Groups   []OrderedGroup   `json:"groups,omitempty"`
	Clusters []Cluster        `json:"clusters,omitempty"`
	Items    []Item           `json:"items,omitempty"`
}

// Digest fingerprints the change set. Plans record the digest they were
// compiled from so a changed model invalidates them.
func (c ChangeSet) Digest() string {
	var parts []string
	for _, t := range c.Tasks {
		parts = append(parts, "t:"+t.Digest()+":"+refsKey(t.Requires))
	}
	for _, g := range c.Groups {
		p := "g:" + g.ID + ":" + refsKey(g.Requires)
		for _, t := range g.Tasks {
			p += ":" + t.Digest() + ":" + refsKey(t.Requires)
		}
		parts = append(parts, p)
	}
	for _, cl := range c.Clusters {
		nodes := append([]string(nil), cl.Nodes...)
		deps := append([]string(nil), cl.DependsOn...)
		sort.Strings(nodes)
		sort.Strings(deps)
		parts = append(parts, "c:"+cl.ID+":"+strings.Join(nodes, ",")+":"+strings.Join(deps, ","))
	}
	for _, it := range c.Items {
		parts = append(parts, fmt.Sprintf("i:%s:%s:%t", it.Path, it.Node, it.ForRemoval))
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}

func refsKey(refs []DependencyRef) string {
	keys := make([]string, len(refs))
	for i, r := range refs {
		keys[i] = r.String()
	}
	return strings.Join(keys, ",")
}

// Task is a compiled task of a plan.
type Task struct {
	ID          TaskID    `json:"id"`
	Kind        TaskKind  `json:"kind"`
	Description string    `json:"description"`
	Item        string    `json:"item,omitempty"`
	Cluster     string    `json:"cluster,omitempty"`
	Command     string    `json:"command,omitempty"`
	Payload     string    `json:"payload,omitempty"`
	Digest      string    `json:"digest,omitempty"`
	Group       string    `json:"group,omitempty"`
	State       TaskState `json:"state"`

	// Phase is the 1-based phase index.
	Phase int `json:"phase"`

	// Seq is the task's position in compilation order.
	Seq int `json:"seq"`

	// Requires lists the tasks of this plan that must succeed first.
	Requires []TaskID `json:"requires,omitempty"`

	// Message holds the runner's diagnostic text for the last outcome.
	Message    string     `json:"message,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Phase is one topological level of a plan.
type Phase struct {
	Index   int     `json:"index"`
	Cleanup bool    `json:"cleanup,omitempty"`
	Tasks   []*Task `json:"tasks"`
}

// Plan is a compiled, ordered sequence of phases.
type Plan struct {
	ID        string    `json:"id"`
	State     PlanState `json:"state"`
	Digest    string    `json:"digest"`
	Phases    []*Phase  `json:"phases"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tasks returns every task of the plan in phase order.
func (p *Plan) Tasks() []*Task {
	var out []*Task
	for _, ph := range p.Phases {
		out = append(out, ph.Tasks...)
	}
	return out
}

// Task looks up a task by identity.
func (p *Plan) Task(id TaskID) (*Task, bool) {
	for _, ph := range p.Phases {
		for _, t := range ph.Tasks {
			if t.ID == id {
				return t, true
			}
		}
	}
	return nil, false
}

// Clone returns a deep copy safe to hand to readers.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	out := *p
	out.Phases = make([]*Phase, len(p.Phases))
	for i, ph := range p.Phases {
		cp := *ph
		cp.Tasks = make([]*Task, len(ph.Tasks))
		for j, t := range ph.Tasks {
			tc := *t
			tc.Requires = append([]TaskID(nil), t.Requires...)
			cp.Tasks[j] = &tc
		}
		out.Phases[i] = &cp
	}
	return &out
}

// NodeLock is the persisted lock record of a node.
type NodeLock struct {
	Node       string    `json:"node"`
	State      LockState `json:"state"`
	LockTask   string    `json:"lock_task,omitempty"`
	UnlockTask string    `json:"unlock_task,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IsLocked reports the derived is_locked flag.
func (l NodeLock) IsLocked() bool {
	return l.State == LockLocked || l.State == UnlockPending
}

// TaskOutcome is a ledger entry of the incremental re-planner.
type TaskOutcome struct {
	ID        TaskID    `json:"id"`
	State     TaskState `json:"state"`
	Digest    string    `json:"digest"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskResult is the terminal report of a node runner.
type TaskResult struct {
	Success bool
	Message string
}

// Event is an entry on the typed plan event stream.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	PlanID    string    `json:"plan_id"`
	Phase     int       `json:"phase,omitempty"`
	Task      *TaskID   `json:"task,omitempty"`
	Node      string    `json:"node,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
