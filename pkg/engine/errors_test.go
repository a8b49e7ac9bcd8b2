package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngineError_Format(t *testing.T) {
	err := NewTransientError("connection dropped", errors.New("EOF")).
		WithNode("n1").WithOperation("execute")
	assert.Equal(t, "[transient] connection dropped (node=n1, operation=execute): EOF", err.Error())

	err = NewPermanentError("bad key", nil).WithNode("n2")
	assert.Equal(t, "[permanent] bad key (node=n2)", err.Error())
}

func TestEngineError_Classification(t *testing.T) {
	wrapped := fmt.Errorf("run: %w", NewTransientError("dropped", nil))
	assert.True(t, IsTransient(wrapped))
	assert.False(t, IsPermanent(wrapped))
	assert.Equal(t, ErrorClassTransient, ClassOf(wrapped))

	assert.Equal(t, ErrorClassPermanent, ClassOf(errors.New("plain")))
	assert.False(t, IsPermanent(errors.New("plain")), "unclassified errors are not tagged permanent")

	assert.Equal(t, ErrorClassThrottled, ClassOf(NewThrottledError("busy", nil)))

	target := &EngineError{Class: ErrorClassConflict, Code: ErrCodeConflict}
	assert.ErrorIs(t, NewConflictError("x", nil).WithCode(ErrCodeConflict), target)
	assert.NotErrorIs(t, NewConflictError("x", nil), target)

	err := NewPermanentError("x", nil).WithDetail("attempt", 2)
	assert.Equal(t, 2, err.Details["attempt"])
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{&DoNothingPlanError{}, ErrCodeDoNothing},
		{&CyclicDependencyError{Path: []string{"a", "b", "a"}}, ErrCodeCycle},
		{&OrderedGroupCycleError{Group: "g"}, ErrCodeCycle},
		{&CrossNodeDependencyError{}, ErrCodeCrossNode},
		{&InvalidDependencyReferenceError{}, ErrCodeInvalidReference},
		{&InvalidRequestError{Message: "no"}, ErrCodeInvalidRequest},
		{&InvalidPlanError{PlanID: "p"}, ErrCodeInvalidPlan},
		{&PolicyViolationError{Violations: []string{"v"}}, ErrCodePolicyViolation},
		{fmt.Errorf("wrapped: %w", &DoNothingPlanError{}), ErrCodeDoNothing},
		{NewPermanentError("x", nil).WithCode(ErrCodeValidation), ErrCodeValidation},
		{errors.New("plain"), ""},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%T", tt.err), func(t *testing.T) {
			assert.Equal(t, tt.code, ErrorCode(tt.err))
		})
	}
}

func TestOrderedGroupCycleUnwrapsToCycle(t *testing.T) {
	err := fmt.Errorf("build: %w", &OrderedGroupCycleError{
		Group: "g1",
		Cycle: CyclicDependencyError{Path: []string{"x", "y", "x"}},
	})

	var cycle *CyclicDependencyError
	assert.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"x", "y", "x"}, cycle.Path)
	assert.Contains(t, err.Error(), `ordered group "g1"`)
	assert.True(t, IsGraphError(err))
}

func TestPlanStateTransitions(t *testing.T) {
	allowed := map[PlanState][]PlanState{
		PlanInitial:  {PlanRunning},
		PlanRunning:  {PlanStopping, PlanStopped, PlanFailed, PlanComplete},
		PlanStopping: {PlanStopped, PlanFailed, PlanComplete},
	}
	all := []PlanState{PlanInitial, PlanRunning, PlanStopping, PlanStopped, PlanFailed, PlanComplete}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, ok := range allowed[from] {
				if ok == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransition(to), "%s -> %s", from, to)
		}
	}

	for _, s := range []PlanState{PlanStopped, PlanFailed, PlanComplete} {
		assert.True(t, s.IsTerminal(), s)
	}
	assert.True(t, PlanStopping.IsActive())
	assert.Error(t, PlanState("Paused").Validate())
}

func TestKinds(t *testing.T) {
	for _, k := range []TaskKind{KindConfig, KindCallback, KindRemoval} {
		assert.NoError(t, k.Validate())
		assert.False(t, k.IsSynthetic())
	}
	for _, k := range []TaskKind{KindLock, KindUnlock, KindCleanup} {
		assert.Error(t, k.Validate(), "reserved for the compiler")
		assert.True(t, k.IsSynthetic())
	}
	assert.Error(t, TaskKind("deploy").Validate())
}
