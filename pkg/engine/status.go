package engine

import (
	"encoding/json"
	"fmt"
)

// PlanState represents the lifecycle state of a plan.
type PlanState string

const (
	// PlanInitial indicates the plan was created and has not been run.
	PlanInitial PlanState = "Initial"

	// PlanRunning indicates phases are being executed.
	PlanRunning PlanState = "Running"

	// PlanStopping indicates a stop was requested and the current phase is settling.
	PlanStopping PlanState = "Stopping"

	// PlanStopped indicates the plan stopped at a phase boundary.
	PlanStopped PlanState = "Stopped"

	// PlanFailed indicates a phase settled with at least one failed task.
	PlanFailed PlanState = "Failed"

	// PlanComplete indicates every phase settled successfully.
	PlanComplete PlanState = "Complete"
)

// IsTerminal returns true if the plan will not execute further.
func (s PlanState) IsTerminal() bool {
	return s == PlanStopped || s == PlanFailed || s == PlanComplete
}

// IsActive returns true while the executor owns the plan.
func (s PlanState) IsActive() bool {
	return s == PlanRunning || s == PlanStopping
}

// Validate checks if the plan state is valid.
func (s PlanState) Validate() error {
	switch s {
	case PlanInitial, PlanRunning, PlanStopping, PlanStopped, PlanFailed, PlanComplete:
		return nil
	default:
		return fmt.Errorf("invalid plan state: %s", s)
	}
}

// CanTransition reports whether the plan may move from s to next.
func (s PlanState) CanTransition(next PlanState) bool {
	switch s {
	case PlanInitial:
		return next == PlanRunning
	case PlanRunning:
		return next == PlanStopping || next == PlanStopped || next == PlanFailed || next == PlanComplete
	case PlanStopping:
		return next == PlanStopped || next == PlanFailed || next == PlanComplete
	default:
		return false
	}
}

// TaskState represents the execution state of a task.
type TaskState string

const (
	// TaskInitial indicates the task has not been dispatched.
	TaskInitial TaskState = "Initial"

	// TaskRunning indicates the task is in flight on its node.
	TaskRunning TaskState = "Running"

	// TaskSuccess indicates the runner reported success.
	TaskSuccess TaskState = "Success"

	// TaskFailed indicates the runner reported failure.
	TaskFailed TaskState = "Failed"

	// TaskStopped indicates the task was in flight when the service went
	// away, so its outcome was never observed.
	TaskStopped TaskState = "Stopped"
)

// IsTerminal returns true if the task has a final outcome.
func (s TaskState) IsTerminal() bool {
	return s == TaskSuccess || s == TaskFailed || s == TaskStopped
}

// Validate checks if the task state is valid.
func (s TaskState) Validate() error {
	switch s {
	case TaskInitial, TaskRunning, TaskSuccess, TaskFailed, TaskStopped:
		return nil
	default:
		return fmt.Errorf("invalid task state: %s", s)
	}
}

// LockState represents the lock state of a node.
type LockState string

const (
	// LockUnlocked is the initial and terminal-success state.
	LockUnlocked LockState = "Unlocked"

	// LockLocked means a lock task completed and no unlock has since completed.
	LockLocked LockState = "Locked"

	// LockPending means a lock task is in flight.
	LockPending LockState = "LockPending"

	// UnlockPending means an unlock task is in flight.
	UnlockPending LockState = "UnlockPending"
)

// Validate checks if the lock state is valid.
func (s LockState) Validate() error {
	switch s {
	case LockUnlocked, LockLocked, LockPending, UnlockPending:
		return nil
	default:
		return fmt.Errorf("invalid lock state: %s", s)
	}
}

// IsPending returns true while a lock or unlock task is in flight.
func (s LockState) IsPending() bool {
	return s == LockPending || s == UnlockPending
}

// TaskKind classifies a task.
type TaskKind string

const (
	// KindConfig is configuration-class work; it is bracketed by lock/unlock.
	KindConfig TaskKind = "config"

	// KindCallback runs on its node without lock bracketing.
	KindCallback TaskKind = "callback"

	// KindRemoval is a producer-supplied removal of a model item.
	KindRemoval TaskKind = "removal"

	// KindLock is a synthetic task locking a node.
	KindLock TaskKind = "lock"

	// KindUnlock is a synthetic task unlocking a node.
	KindUnlock TaskKind = "unlock"

	// KindCleanup is a synthetic task removing an item marked for deletion.
	KindCleanup TaskKind = "cleanup"
)

// IsSynthetic returns true for tasks the compiler inserts.
func (k TaskKind) IsSynthetic() bool {
	return k == KindLock || k == KindUnlock || k == KindCleanup
}

// Validate checks if the kind is one a producer may emit.
func (k TaskKind) Validate() error {
	switch k {
	case KindConfig, KindCallback, KindRemoval:
		return nil
	case KindLock, KindUnlock, KindCleanup:
		return fmt.Errorf("task kind %s is reserved for compiled tasks", k)
	default:
		return fmt.Errorf("invalid task kind: %s", k)
	}
}

// EventType represents the type of event on the plan event stream.
type EventType string

const (
	EventPlanCreated      EventType = "plan_created"
	EventPlanStateChanged EventType = "plan_state_changed"
	EventPhaseStarted     EventType = "phase_started"
	EventPhaseCompleted   EventType = "phase_completed"
	EventTaskStateChanged EventType = "task_state_changed"
	EventNodeLockChanged  EventType = "node_lock_changed"
	EventPlanRejected     EventType = "plan_rejected"
)

// Severity returns the log severity of the event type.
func (e EventType) Severity() string {
	if e == EventPlanRejected {
		return "error"
	}
	return "info"
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s PlanState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *PlanState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = PlanState(str)
	return s.Validate()
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s TaskState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *TaskState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = TaskState(str)
	return s.Validate()
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s LockState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *LockState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = LockState(str)
	return s.Validate()
}
