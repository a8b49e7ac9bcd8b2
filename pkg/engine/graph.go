package engine

import (
	"fmt"
	"sort"
)

// GraphNode is a task in the dependency graph.
type GraphNode struct {
	Descriptor TaskDescriptor

	// Seq is the declaration order of the task within the change set.
	Seq int

	// Group is the ordered group the task belongs to, if any.
	Group string

	// Requires are the tasks that must succeed before this one.
	Requires []TaskID

	// Dependents are the tasks that require this one.
	Dependents []TaskID
}

// Graph is a validated, acyclic dependency graph of producer tasks.
type Graph struct {
	nodes    map[TaskID]*GraphNode
	order    []TaskID
	clusters []Cluster
	items    []Item

	// removals are items with a producer-supplied removal task in the full
	// change set, whether or not that task is still pending.
	removals map[string]bool
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int { return len(g.order) }

// Nodes returns the graph nodes in declaration order.
func (g *Graph) Nodes() []*GraphNode {
	out := make([]*GraphNode, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Node looks up a graph node by task identity.
func (g *Graph) Node(id TaskID) (*GraphNode, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Clusters returns the cluster declarations carried by the graph.
func (g *Graph) Clusters() []Cluster { return g.clusters }

// PendingDeletions returns items marked for removal that no producer
// removal task covers.
func (g *Graph) PendingDeletions() []Item {
	var out []Item
	for _, it := range g.items {
		if it.ForRemoval && !g.removals[it.Path] {
			out = append(out, it)
		}
	}
	return out
}

// Without returns a copy of the graph minus the skipped tasks. Ordering that
// ran through a skipped task is preserved by linking its pending
// predecessors to its pending successors.
func (g *Graph) Without(skip func(*GraphNode) bool) *Graph {
	removed := make(map[TaskID]bool)
	for _, id := range g.order {
		if skip(g.nodes[id]) {
			removed[id] = true
		}
	}

	out := &Graph{
		nodes:    make(map[TaskID]*GraphNode),
		clusters: g.clusters,
		items:    g.items,
		removals: g.removals,
	}
	for _, id := range g.order {
		if removed[id] {
			continue
		}
		src := g.nodes[id]
		n := &GraphNode{Descriptor: src.Descriptor, Seq: src.Seq, Group: src.Group}
		n.Requires = g.pendingAncestors(id, removed)
		out.nodes[id] = n
		out.order = append(out.order, id)
	}
	for _, id := range out.order {
		for _, dep := range out.nodes[id].Requires {
			out.nodes[dep].Dependents = append(out.nodes[dep].Dependents, id)
		}
	}
	return out
}

// pendingAncestors walks through removed tasks to the nearest kept ones.
func (g *Graph) pendingAncestors(id TaskID, removed map[TaskID]bool) []TaskID {
	seen := make(map[TaskID]bool)
	var out []TaskID
	var walk func(TaskID)
	walk = func(cur TaskID) {
		for _, dep := range g.nodes[cur].Requires {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if removed[dep] {
				walk(dep)
				continue
			}
			out = append(out, dep)
		}
	}
	walk(id)
	g.sortBySeq(out)
	return out
}

func (g *Graph) sortBySeq(ids []TaskID) {
	sort.Slice(ids, func(i, j int) bool {
		return g.nodes[ids[i]].Seq < g.nodes[ids[j]].Seq
	})
}

// GraphBuilder builds a validated Graph from a change set. It is a pure
// transformation and may be reused.
type GraphBuilder struct {
	nodes    map[TaskID]*GraphNode
	order    []TaskID
	byCall   map[[2]string][]TaskID
	groups   map[string][]TaskID
	items    map[string][]TaskID
	owners   map[string]string
	chain    map[[2]TaskID]string
	edgeSeen map[[2]TaskID]bool
}

// NewGraphBuilder creates a new graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{}
}

func (b *GraphBuilder) reset() {
	b.nodes = make(map[TaskID]*GraphNode)
	b.order = nil
	b.byCall = make(map[[2]string][]TaskID)
	b.groups = make(map[string][]TaskID)
	b.items = make(map[string][]TaskID)
	b.owners = make(map[string]string)
	b.chain = make(map[[2]TaskID]string)
	b.edgeSeen = make(map[[2]TaskID]bool)
}

// Build validates the change set and constructs its dependency graph. It
// fails with InvalidDependencyReferenceError, CrossNodeDependencyError,
// CyclicDependencyError or OrderedGroupCycleError.
func (b *GraphBuilder) Build(cs ChangeSet) (*Graph, error) {
	b.reset()

	if err := b.index(cs); err != nil {
		return nil, err
	}
	if err := b.link(cs); err != nil {
		return nil, err
	}
	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	g := &Graph{
		nodes:    b.nodes,
		order:    b.order,
		clusters: cs.Clusters,
		items:    cs.Items,
		removals: make(map[string]bool),
	}
	for _, id := range b.order {
		n := b.nodes[id]
		g.sortBySeq(n.Requires)
		g.sortBySeq(n.Dependents)
		if n.Descriptor.kind() == KindRemoval && n.Descriptor.Item != "" {
			g.removals[n.Descriptor.Item] = true
		}
	}
	return g, nil
}

// index registers every task and builds the reference lookup tables.
func (b *GraphBuilder) index(cs ChangeSet) error {
	for _, it := range cs.Items {
		if it.Node != "" {
			b.owners[it.Path] = it.Node
		}
	}

	for _, d := range cs.Tasks {
		if err := b.add(d, ""); err != nil {
			return err
		}
	}

	for _, grp := range cs.Groups {
		if grp.ID == "" {
			return NewPermanentError("ordered group has empty id", nil).WithCode(ErrCodeValidation)
		}
		if _, dup := b.groups[grp.ID]; dup {
			return NewPermanentError(fmt.Sprintf("duplicate ordered group: %s", grp.ID), nil).
				WithCode(ErrCodeValidation)
		}
		if len(grp.Tasks) == 0 {
			return NewPermanentError(fmt.Sprintf("ordered group %s has no tasks", grp.ID), nil).
				WithCode(ErrCodeValidation)
		}
		node := grp.Tasks[0].Node
		members := make([]TaskID, 0, len(grp.Tasks))
		for _, d := range grp.Tasks {
			if d.Node != node {
				return &CrossNodeDependencyError{Group: grp.ID, Node: node, TargetNode: d.Node}
			}
			if err := b.add(d, grp.ID); err != nil {
				return err
			}
			members = append(members, d.ID())
		}
		b.groups[grp.ID] = members
	}
	return nil
}

func (b *GraphBuilder) add(d TaskDescriptor, group string) error {
	id := d.ID()
	if id.Node == "" || id.CallType == "" || id.CallID == "" {
		return NewPermanentError(fmt.Sprintf("task %q has an incomplete identity", id.String()), nil).
			WithCode(ErrCodeValidation)
	}
	if id.CallType == CallTypeLockUnlock || id.CallType == CallTypeCleanup {
		return NewPermanentError(fmt.Sprintf("task %s uses reserved call type %q", id, id.CallType), nil).
			WithCode(ErrCodeValidation).WithNode(id.Node)
	}
	if err := d.kind().Validate(); err != nil {
		return NewPermanentError("invalid task descriptor", err).
			WithCode(ErrCodeValidation).WithNode(id.Node)
	}
	if _, dup := b.nodes[id]; dup {
		return NewPermanentError(fmt.Sprintf("duplicate task: %s", id), nil).
			WithCode(ErrCodeValidation).WithNode(id.Node)
	}
	for _, ref := range d.Requires {
		if err := ref.Validate(); err != nil {
			return NewPermanentError(fmt.Sprintf("task %s has a malformed dependency", id), err).
				WithCode(ErrCodeValidation)
		}
	}

	if d.Kind == "" {
		d.Kind = KindConfig
	}
	b.nodes[id] = &GraphNode{Descriptor: d, Seq: len(b.order), Group: group}
	b.order = append(b.order, id)

	key := [2]string{id.CallType, id.CallID}
	b.byCall[key] = append(b.byCall[key], id)
	if d.Item != "" {
		if owner, ok := b.owners[d.Item]; ok && owner != id.Node {
			return &CrossNodeDependencyError{Task: id, Node: id.Node, TargetNode: owner, Reference: ItemRef(d.Item).String()}
		}
		b.items[d.Item] = append(b.items[d.Item], id)
		b.owners[d.Item] = id.Node
	}
	return nil
}

// link resolves every dependency reference into edges.
func (b *GraphBuilder) link(cs ChangeSet) error {
	for _, id := range b.order {
		for _, ref := range b.nodes[id].Descriptor.Requires {
			if err := b.resolve(id, ref); err != nil {
				return err
			}
		}
	}

	for _, grp := range cs.Groups {
		members := b.groups[grp.ID]
		for _, ref := range grp.Requires {
			if err := ref.Validate(); err != nil {
				return NewPermanentError(fmt.Sprintf("ordered group %s has a malformed dependency", grp.ID), err).
					WithCode(ErrCodeValidation)
			}
			if err := b.resolve(members[0], ref); err != nil {
				return err
			}
		}
		for i := 1; i < len(members); i++ {
			b.chain[[2]TaskID{members[i-1], members[i]}] = grp.ID
			b.addEdge(members[i-1], members[i])
		}
	}
	return nil
}

// resolve turns one reference of task id into zero or more edges.
func (b *GraphBuilder) resolve(id TaskID, ref DependencyRef) error {
	switch ref.Kind {
	case RefTask:
		matches := b.byCall[[2]string{ref.CallType, ref.CallID}]
		if len(matches) != 1 {
			return &InvalidDependencyReferenceError{Task: id, Reference: ref, Matches: len(matches)}
		}
		target := matches[0]
		if target.Node != id.Node {
			return &CrossNodeDependencyError{Task: id, Node: id.Node, TargetNode: target.Node, Reference: ref.String()}
		}
		b.addEdge(target, id)

	case RefGroup:
		members, ok := b.groups[ref.Group]
		if !ok {
			return &InvalidDependencyReferenceError{Task: id, Reference: ref}
		}
		last := members[len(members)-1]
		if last.Node != id.Node {
			return &CrossNodeDependencyError{Task: id, Node: id.Node, TargetNode: last.Node, Reference: ref.String()}
		}
		b.addEdge(last, id)

	case RefItem:
		owner, ok := b.owners[ref.Item]
		if !ok {
			return &InvalidDependencyReferenceError{Task: id, Reference: ref}
		}
		if owner != id.Node {
			return &CrossNodeDependencyError{Task: id, Node: id.Node, TargetNode: owner, Reference: ref.String()}
		}
		// A task may depend on its own query item; that resolves to the
		// item's other tasks, never to itself.
		for _, target := range b.items[ref.Item] {
			if target == id {
				continue
			}
			if target.Node != id.Node {
				return &CrossNodeDependencyError{Task: id, Node: id.Node, TargetNode: target.Node, Reference: ref.String()}
			}
			b.addEdge(target, id)
		}
	}
	return nil
}

// addEdge records that from must succeed before to.
func (b *GraphBuilder) addEdge(from, to TaskID) {
	key := [2]TaskID{from, to}
	if b.edgeSeen[key] {
		return
	}
	b.edgeSeen[key] = true
	b.nodes[to].Requires = append(b.nodes[to].Requires, from)
	b.nodes[from].Dependents = append(b.nodes[from].Dependents, to)
}

// detectCycles uses depth-first search with a recursion stack to find the
// first back-edge in declaration order.
func (b *GraphBuilder) detectCycles() error {
	visited := make(map[TaskID]bool)
	recStack := make(map[TaskID]bool)

	for _, id := range b.order {
		if visited[id] {
			continue
		}
		if cycle := b.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
			return b.cycleError(cycle)
		}
	}
	return nil
}

func (b *GraphBuilder) detectCyclesUtil(id TaskID, visited, recStack map[TaskID]bool, path []TaskID) []TaskID {
	visited[id] = true
	recStack[id] = true
	path = append(path, id)

	for _, dependent := range b.nodes[id].Dependents {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, p := range path {
				if p == dependent {
					cycle := append([]TaskID(nil), path[i:]...)
					return append(cycle, dependent)
				}
			}
		}
	}

	recStack[id] = false
	return nil
}

// cycleError reports group cycles when the cycle runs through an ordered
// group's chain.
func (b *GraphBuilder) cycleError(cycle []TaskID) error {
	path := make([]string, len(cycle))
	for i, id := range cycle {
		path[i] = id.String()
	}
	base := CyclicDependencyError{Path: path}
	for i := 1; i < len(cycle); i++ {
		if group, ok := b.chain[[2]TaskID{cycle[i-1], cycle[i]}]; ok {
			return &OrderedGroupCycleError{Group: group, Cycle: base}
		}
	}
	return &base
}
