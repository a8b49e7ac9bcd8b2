// Package engine provides the plan engine of froyoplan: it turns a change set
// of per-node task descriptors into a phased plan and executes it.
//
// # Overview
//
// A plan goes through four stages:
//
//  1. Graph - Validate task descriptors and resolve dependency references (GraphBuilder)
//  2. Compile - Bracket node work with lock/unlock tasks and level the graph into phases (PhaseCompiler)
//  3. Execute - Run phases in order with one task in flight per node (PlanExecutor)
//  4. Re-plan - Drop work that already succeeded and compile the rest (Replanner)
//
// Service ties the stages together behind create/run/stop/show operations
// and persists everything through a StateStore.
//
// # Dependency References
//
// A task names what it depends on through a DependencyRef:
//
//   - TaskRef: a task with the given call type and call id on the same node
//   - GroupRef: the last member of an ordered group
//   - ItemRef: every task that declares the item, excluding the referrer
//
// References never cross nodes. Cross-node ordering is expressed by clusters
// and their dependency_list.
//
// # Node Locks
//
// Configuration work on a node runs between a Lock and an Unlock task. An
// Unlock that fails leaves the node Locked, and the next compiled plan starts
// with a recovery Unlock for it before anything else targeting the node.
//
// # Phases
//
// Tasks land in the earliest phase after all of their dependencies. Items
// marked for removal without a producer removal task get a trailing cleanup
// phase. A phase always settles before the plan reacts:
//
//	plan, err := svc.CreatePlan(ctx, changeSet)
//	if err != nil {
//	    var nothing *DoNothingPlanError
//	    if errors.As(err, &nothing) {
//	        return nil // model unchanged
//	    }
//	    return err
//	}
//	if err := svc.RunPlan(ctx, plan.Digest); err != nil {
//	    return err
//	}
//	state, err := svc.WaitPlan(ctx)
//
// # Error Classification
//
// Graph errors (CyclicDependencyError, OrderedGroupCycleError,
// CrossNodeDependencyError, InvalidDependencyReferenceError) are returned
// synchronously by create. Task failures surface through task and plan state.
// ErrorCode maps any engine error to a stable code.
//
// # Thread Safety
//
// Service, PlanExecutor and LockManager are safe for concurrent use.
// GraphBuilder and PhaseCompiler are not shared across goroutines.
package engine
