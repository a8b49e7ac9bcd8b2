package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// LockView exposes the committed lock state of nodes to the compiler.
type LockView interface {
	IsLocked(node string) bool
	LockedNodes() []string
}

// CompileRequest is the input of the phase compiler.
type CompileRequest struct {
	// Graph is the validated dependency graph, already pruned of completed work.
	Graph *Graph

	// Locks is the last committed lock state.
	Locks LockView

	// Completed reports cleanup tasks that already succeeded. Optional.
	Completed func(id TaskID, digest string) bool

	// Digest is the change-set digest recorded on the plan.
	Digest string
}

// CompilerOptions configures the phase compiler.
type CompilerOptions struct {
	// ManagementNode runs cleanup tasks for items with no owning node.
	ManagementNode string
}

// PhaseCompiler turns a dependency graph into a phased plan.
type PhaseCompiler struct {
	opts CompilerOptions
}

// NewPhaseCompiler creates a new phase compiler.
func NewPhaseCompiler(opts CompilerOptions) *PhaseCompiler {
	if opts.ManagementNode == "" {
		opts.ManagementNode = "ms"
	}
	return &PhaseCompiler{opts: opts}
}

// compilation is the mutable state of a single Compile call.
type compilation struct {
	tasks map[TaskID]*Task
	order []TaskID
	deps  map[TaskID]map[TaskID]bool
}

func (c *compilation) add(t *Task) {
	t.Seq = len(c.order)
	t.State = TaskInitial
	c.tasks[t.ID] = t
	c.order = append(c.order, t.ID)
	c.deps[t.ID] = make(map[TaskID]bool)
}

func (c *compilation) require(task, dep TaskID) {
	if task != dep {
		c.deps[task][dep] = true
	}
}

// Compile builds the plan: minimal-depth topological levels with lock/unlock
// bracketing, recovery unlocks, cross-cluster precedence and a trailing
// cleanup phase.
func (pc *PhaseCompiler) Compile(req CompileRequest) (*Plan, error) {
	if req.Graph == nil {
		return nil, NewPermanentError("compile request has no graph", nil).WithCode(ErrCodeValidation)
	}

	nodeCluster, err := clusterIndex(req.Graph.Clusters())
	if err != nil {
		return nil, err
	}

	c := &compilation{
		tasks: make(map[TaskID]*Task),
		deps:  make(map[TaskID]map[TaskID]bool),
	}

	graphNodes := req.Graph.Nodes()
	nodes, configNodes := nodeOrder(graphNodes, req.Locks)

	forced := make(map[string]TaskID)
	for _, node := range nodes {
		if req.Locks != nil && req.Locks.IsLocked(node) {
			t := &Task{ID: forceUnlockID(node), Kind: KindUnlock, Description: "Unlock node " + node}
			c.add(t)
			forced[node] = t.ID
		}
	}

	locks := make(map[string]TaskID)
	for _, node := range nodes {
		if !configNodes[node] {
			continue
		}
		t := &Task{ID: lockID(node), Kind: KindLock, Description: "Lock node " + node}
		c.add(t)
		locks[node] = t.ID
		if f, ok := forced[node]; ok {
			c.require(t.ID, f)
		}
	}

	for _, gn := range graphNodes {
		d := gn.Descriptor
		t := &Task{
			ID:          d.ID(),
			Kind:        d.kind(),
			Description: d.Description,
			Item:        d.Item,
			Command:     d.Command,
			Payload:     d.Payload,
			Digest:      d.Digest(),
			Group:       gn.Group,
		}
		c.add(t)
		for _, dep := range gn.Requires {
			c.require(t.ID, dep)
		}
		if f, ok := forced[d.Node]; ok {
			c.require(t.ID, f)
		}
		if t.Kind == KindConfig {
			c.require(t.ID, locks[d.Node])
		}
	}

	for _, node := range nodes {
		if !configNodes[node] {
			continue
		}
		t := &Task{ID: unlockID(node), Kind: KindUnlock, Description: "Unlock node " + node}
		c.add(t)
		c.require(t.ID, locks[node])
		for _, gn := range graphNodes {
			if gn.Descriptor.Node == node && gn.Descriptor.kind() == KindConfig {
				c.require(t.ID, gn.Descriptor.ID())
			}
		}
	}

	for _, id := range c.order {
		c.tasks[id].Cluster = nodeCluster[id.Node]
	}

	if err := pc.linkClusters(c, req.Graph.Clusters()); err != nil {
		return nil, err
	}

	levels, err := c.levels()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	plan := &Plan{
		ID:        uuid.New().String(),
		State:     PlanInitial,
		Digest:    req.Digest,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, ids := range levels {
		phase := &Phase{Index: i + 1}
		for _, id := range ids {
			t := c.tasks[id]
			t.Phase = phase.Index
			t.Requires = c.sortedDeps(id)
			phase.Tasks = append(phase.Tasks, t)
		}
		plan.Phases = append(plan.Phases, phase)
	}

	if cleanup := pc.cleanupPhase(req, len(plan.Phases)+1, len(c.order), nodeCluster); cleanup != nil {
		plan.Phases = append(plan.Phases, cleanup)
	}
	return plan, nil
}

// cleanupPhase builds the trailing phase removing items marked for deletion.
func (pc *PhaseCompiler) cleanupPhase(req CompileRequest, index, seq int, nodeCluster map[string]string) *Phase {
	phase := &Phase{Index: index, Cleanup: true}
	for _, it := range req.Graph.PendingDeletions() {
		node := it.Node
		if node == "" {
			node = pc.opts.ManagementNode
		}
		t := &Task{
			ID:          TaskID{Node: node, CallType: CallTypeCleanup, CallID: it.Path},
			Kind:        KindCleanup,
			Description: "Remove item " + it.Path,
			Item:        it.Path,
			Cluster:     nodeCluster[node],
			State:       TaskInitial,
			Phase:       index,
			Seq:         seq,
		}
		t.Digest = TaskDescriptor{Node: node, CallType: CallTypeCleanup, CallID: it.Path, Kind: KindRemoval, Item: it.Path}.Digest()
		if req.Completed != nil && req.Completed(t.ID, t.Digest) {
			continue
		}
		phase.Tasks = append(phase.Tasks, t)
		seq++
	}
	if len(phase.Tasks) == 0 {
		return nil
	}
	return phase
}

// linkClusters makes every root task of a cluster depend on every sink task
// of each cluster it transitively depends on. Recovery unlocks take no part:
// they stay in phase 1 and the cluster's roots are the tasks behind them.
func (pc *PhaseCompiler) linkClusters(c *compilation, clusters []Cluster) error {
	if len(clusters) == 0 {
		return nil
	}
	if err := detectClusterCycles(clusters); err != nil {
		return err
	}

	members := make(map[string][]TaskID)
	for _, id := range c.order {
		if id == forceUnlockID(id.Node) {
			continue
		}
		if cl := c.tasks[id].Cluster; cl != "" {
			members[cl] = append(members[cl], id)
		}
	}

	roots := make(map[string][]TaskID)
	sinks := make(map[string][]TaskID)
	for cl, ids := range members {
		inCluster := make(map[TaskID]bool, len(ids))
		for _, id := range ids {
			inCluster[id] = true
		}
		hasDependent := make(map[TaskID]bool)
		for _, id := range ids {
			internal := false
			for dep := range c.deps[id] {
				if inCluster[dep] {
					internal = true
					hasDependent[dep] = true
				}
			}
			if !internal {
				roots[cl] = append(roots[cl], id)
			}
		}
		for _, id := range ids {
			if !hasDependent[id] {
				sinks[cl] = append(sinks[cl], id)
			}
		}
	}

	byID := make(map[string]Cluster, len(clusters))
	for _, cl := range clusters {
		byID[cl.ID] = cl
	}
	for _, cl := range clusters {
		for _, pred := range clusterAncestors(cl.ID, byID) {
			for _, root := range roots[cl.ID] {
				for _, sink := range sinks[pred] {
					c.require(root, sink)
				}
			}
		}
	}
	return nil
}

// levels assigns every task the earliest phase after all of its
// dependencies, using Kahn's algorithm over compilation order.
func (c *compilation) levels() ([][]TaskID, error) {
	inDegree := make(map[TaskID]int, len(c.order))
	dependents := make(map[TaskID][]TaskID)
	for _, id := range c.order {
		inDegree[id] = len(c.deps[id])
		for dep := range c.deps[id] {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var current []TaskID
	for _, id := range c.order {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	var levels [][]TaskID
	processed := 0
	for len(current) > 0 {
		c.sortBySeq(current)
		levels = append(levels, current)
		processed += len(current)

		var next []TaskID
		for _, id := range current {
			for _, dependent := range dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	if processed != len(c.order) {
		return nil, c.findCycle(inDegree)
	}
	return levels, nil
}

// findCycle extracts a cycle among the tasks Kahn's algorithm could not place.
func (c *compilation) findCycle(inDegree map[TaskID]int) error {
	var start TaskID
	for _, id := range c.order {
		if inDegree[id] > 0 {
			start = id
			break
		}
	}
	seen := make(map[TaskID]int)
	var path []TaskID
	cur := start
	for {
		if at, ok := seen[cur]; ok {
			cycle := path[at:]
			out := make([]string, 0, len(cycle)+1)
			for i := len(cycle) - 1; i >= 0; i-- {
				out = append(out, cycle[i].String())
			}
			out = append(out, cycle[len(cycle)-1].String())
			return &CyclicDependencyError{Path: out}
		}
		seen[cur] = len(path)
		path = append(path, cur)
		next := cur
		for _, dep := range c.sortedDeps(cur) {
			if inDegree[dep] > 0 {
				next = dep
				break
			}
		}
		if next == cur {
			return &CyclicDependencyError{Path: []string{cur.String(), cur.String()}}
		}
		cur = next
	}
}

func (c *compilation) sortBySeq(ids []TaskID) {
	sort.Slice(ids, func(i, j int) bool {
		return c.tasks[ids[i]].Seq < c.tasks[ids[j]].Seq
	})
}

func (c *compilation) sortedDeps(id TaskID) []TaskID {
	out := make([]TaskID, 0, len(c.deps[id]))
	for dep := range c.deps[id] {
		out = append(out, dep)
	}
	c.sortBySeq(out)
	return out
}

// nodeOrder returns nodes by first appearance in the graph followed by
// locked nodes without work, and the set of nodes with configuration work.
func nodeOrder(graphNodes []*GraphNode, locks LockView) ([]string, map[string]bool) {
	seen := make(map[string]bool)
	config := make(map[string]bool)
	var nodes []string
	for _, gn := range graphNodes {
		node := gn.Descriptor.Node
		if !seen[node] {
			seen[node] = true
			nodes = append(nodes, node)
		}
		if gn.Descriptor.kind() == KindConfig {
			config[node] = true
		}
	}
	if locks != nil {
		locked := append([]string(nil), locks.LockedNodes()...)
		sort.Strings(locked)
		for _, node := range locked {
			if !seen[node] {
				seen[node] = true
				nodes = append(nodes, node)
			}
		}
	}
	return nodes, config
}

// clusterIndex maps nodes to clusters and validates cluster declarations.
func clusterIndex(clusters []Cluster) (map[string]string, error) {
	index := make(map[string]string)
	ids := make(map[string]bool)
	for _, cl := range clusters {
		if ids[cl.ID] {
			return nil, NewPermanentError(fmt.Sprintf("duplicate cluster: %s", cl.ID), nil).WithCode(ErrCodeValidation)
		}
		ids[cl.ID] = true
		for _, node := range cl.Nodes {
			if other, ok := index[node]; ok {
				return nil, NewPermanentError(
					fmt.Sprintf("node %s belongs to clusters %s and %s", node, other, cl.ID), nil,
				).WithCode(ErrCodeValidation).WithNode(node)
			}
			index[node] = cl.ID
		}
	}
	for _, cl := range clusters {
		for _, dep := range cl.DependsOn {
			if !ids[dep] {
				return nil, NewPermanentError(
					fmt.Sprintf("cluster %s has dependency_list entry %s which does not exist", cl.ID, dep), nil,
				).WithCode(ErrCodeValidation)
			}
		}
	}
	return index, nil
}

// detectClusterCycles rejects dependency_list loops.
func detectClusterCycles(clusters []Cluster) error {
	byID := make(map[string]Cluster, len(clusters))
	for _, cl := range clusters {
		byID[cl.ID] = cl
	}
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var visit func(id string, path []string) []string
	visit = func(id string, path []string) []string {
		visited[id] = true
		recStack[id] = true
		path = append(path, id)
		for _, dep := range byID[id].DependsOn {
			if !visited[dep] {
				if cycle := visit(dep, path); cycle != nil {
					return cycle
				}
			} else if recStack[dep] {
				for i, p := range path {
					if p == dep {
						return append(append([]string(nil), path[i:]...), dep)
					}
				}
			}
		}
		recStack[id] = false
		return nil
	}

	for _, cl := range clusters {
		if visited[cl.ID] {
			continue
		}
		if cycle := visit(cl.ID, nil); cycle != nil {
			return &CyclicDependencyError{Path: cycle}
		}
	}
	return nil
}

// clusterAncestors returns every cluster id transitively listed in the
// dependency_list of id.
func clusterAncestors(id string, byID map[string]Cluster) []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(string)
	walk = func(cur string) {
		for _, dep := range byID[cur].DependsOn {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			out = append(out, dep)
			walk(dep)
		}
	}
	walk(id)
	return out
}

func lockID(node string) TaskID {
	return TaskID{Node: node, CallType: CallTypeLockUnlock, CallID: callIDLock}
}

func unlockID(node string) TaskID {
	return TaskID{Node: node, CallType: CallTypeLockUnlock, CallID: callIDUnlock}
}

func forceUnlockID(node string) TaskID {
	return TaskID{Node: node, CallType: CallTypeLockUnlock, CallID: callIDForceUnlock}
}
