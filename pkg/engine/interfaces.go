package engine

import (
	"context"
	"time"
)

// TaskRunner dispatches a task to its node and reports the terminal result.
// The executor never has more than one call outstanding per node. A non-nil
// error means the runner could not obtain a result; it fails the task.
type TaskRunner interface {
	Run(ctx context.Context, task *Task) (TaskResult, error)
}

// TaskRunnerFunc adapts a function to TaskRunner.
type TaskRunnerFunc func(ctx context.Context, task *Task) (TaskResult, error)

// Run calls f.
func (f TaskRunnerFunc) Run(ctx context.Context, task *Task) (TaskResult, error) {
	return f(ctx, task)
}

// EventPublisher publishes plan events to subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// PlanStore persists the current plan and its task states.
type PlanStore interface {
	// SavePlan replaces the current plan.
	SavePlan(ctx context.Context, plan *Plan) error

	// LoadPlan returns the current plan or ErrNotFound.
	LoadPlan(ctx context.Context) (*Plan, error)

	// UpdatePlanState records a plan state transition.
	UpdatePlanState(ctx context.Context, planID string, state PlanState) error

	// UpdateTask records a task's state, diagnostics and timestamps.
	UpdateTask(ctx context.Context, planID string, task *Task) error

	// DeletePlan removes the current plan.
	DeletePlan(ctx context.Context, planID string) error

	// RequestStop flags the plan for a cooperative stop. It lets a process
	// other than the one running the plan ask for a stop.
	RequestStop(ctx context.Context, planID string) error

	// StopRequested reports whether a stop was flagged for the plan.
	StopRequested(ctx context.Context, planID string) (bool, error)
}

// OutcomeStore persists the re-planner's ledger.
type OutcomeStore interface {
	RecordOutcome(ctx context.Context, outcome TaskOutcome) error
	LoadOutcomes(ctx context.Context) (map[TaskID]TaskOutcome, error)
}

// LockStore persists node lock records.
type LockStore interface {
	SaveNodeLock(ctx context.Context, lock NodeLock) error
	LoadNodeLocks(ctx context.Context) (map[string]NodeLock, error)
}

// StateStore is everything the plan service persists.
type StateStore interface {
	PlanStore
	OutcomeStore
	LockStore
}

// PolicyGate admits or denies a compiled plan. It returns the deny messages.
type PolicyGate interface {
	EvaluatePlan(ctx context.Context, plan *Plan) ([]string, error)
}

// Instrumentation receives metrics and tracing callbacks from the engine.
type Instrumentation interface {
	// PlanCreated is called after each create_plan attempt.
	PlanCreated(plan *Plan, err error)

	// PlanFinished is called when a run reaches a terminal state.
	PlanFinished(plan *Plan, d time.Duration)

	// StartPhase is called when a phase starts. The returned function is
	// called once the phase settles.
	StartPhase(ctx context.Context, planID string, phase *Phase) (context.Context, func(failed int))

	// StartTask is called when a task is dispatched. The returned function
	// is called with the terminal state.
	StartTask(ctx context.Context, task *Task) (context.Context, func(state TaskState, err error))

	// NodeLockChanged is called on each committed lock transition.
	NodeLockChanged(node string, state LockState)
}

type nopInstrumentation struct{}

func (nopInstrumentation) PlanCreated(*Plan, error)              {}
func (nopInstrumentation) PlanFinished(*Plan, time.Duration)     {}
func (nopInstrumentation) NodeLockChanged(string, LockState)     {}
func (nopInstrumentation) StartPhase(ctx context.Context, _ string, _ *Phase) (context.Context, func(int)) {
	return ctx, func(int) {}
}
func (nopInstrumentation) StartTask(ctx context.Context, _ *Task) (context.Context, func(TaskState, error)) {
	return ctx, func(TaskState, error) {}
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }
