package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type denyAll struct{ reasons []string }

func (d denyAll) EvaluatePlan(context.Context, *Plan) ([]string, error) { return d.reasons, nil }

func newTestService(t *testing.T, opts ServiceOptions) (*Service, *memStore, *scriptedRunner) {
	t.Helper()
	store := newMemStore()
	runner := newScriptedRunner()
	opts.Store = store
	opts.Logger = testLogger()
	svc, err := NewService(runner, opts)
	require.NoError(t, err)
	return svc, store, runner
}

func runToEnd(t *testing.T, svc *Service, digest string) PlanState {
	t.Helper()
	require.NoError(t, svc.RunPlan(context.Background(), digest))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := svc.WaitPlan(ctx)
	require.NoError(t, err)
	return state
}

func TestNewService_RequiresDependencies(t *testing.T) {
	_, err := NewService(nil, ServiceOptions{Store: newMemStore()})
	assert.Error(t, err)
	_, err = NewService(newScriptedRunner(), ServiceOptions{})
	assert.Error(t, err)
}

func TestService_CreateAndRun(t *testing.T) {
	pub := &capturePublisher{}
	svc, store, _ := newTestService(t, ServiceOptions{Publisher: pub})
	ctx := context.Background()
	cs := ChangeSet{Tasks: []TaskDescriptor{cfg("n1", "pkg", "install pkg")}}

	plan, err := svc.CreatePlan(ctx, cs)
	require.NoError(t, err)
	assert.Equal(t, cs.Digest(), plan.Digest)
	assert.Len(t, pub.ofType(EventPlanCreated), 1)

	shown, err := svc.ShowPlan(ctx)
	require.NoError(t, err)
	assert.Equal(t, plan.ID, shown.ID)
	assert.Equal(t, PlanInitial, shown.State)

	assert.Equal(t, PlanComplete, runToEnd(t, svc, plan.Digest))

	stored, err := store.LoadPlan(ctx)
	require.NoError(t, err)
	assert.Equal(t, PlanComplete, stored.State)

	var invalid *InvalidRequestError
	require.ErrorAs(t, svc.RunPlan(ctx, ""), &invalid, "a finished plan cannot be run again")
	require.ErrorAs(t, svc.StopPlan(ctx), &invalid)
	assert.Equal(t, "Plan not currently running", invalid.Message)
}

func TestService_DoNothingPlan(t *testing.T) {
	svc, store, _ := newTestService(t, ServiceOptions{})
	ctx := context.Background()
	cs := ChangeSet{Tasks: []TaskDescriptor{cfg("n1", "pkg", "install pkg")}}

	plan, err := svc.CreatePlan(ctx, cs)
	require.NoError(t, err)
	require.Equal(t, PlanComplete, runToEnd(t, svc, plan.Digest))

	saves := store.saves
	_, err = svc.CreatePlan(ctx, cs)
	var doNothing *DoNothingPlanError
	require.ErrorAs(t, err, &doNothing)
	assert.Equal(t, ErrCodeDoNothing, ErrorCode(err))
	assert.Equal(t, saves, store.saves)

	_, err = svc.CreatePlan(ctx, ChangeSet{})
	require.ErrorAs(t, err, &doNothing)
}

func TestService_CycleLeavesStateUnchanged(t *testing.T) {
	svc, store, _ := newTestService(t, ServiceOptions{})
	ctx := context.Background()

	first, err := svc.CreatePlan(ctx, ChangeSet{Tasks: []TaskDescriptor{cfg("n1", "pkg", "install pkg")}})
	require.NoError(t, err)
	saves := store.saves

	_, err = svc.CreatePlan(ctx, ChangeSet{Tasks: []TaskDescriptor{
		cfg("n1", "a", "a", TaskRef("package", "b")),
		cfg("n1", "b", "b", TaskRef("package", "a")),
	}})
	var cycle *CyclicDependencyError
	require.ErrorAs(t, err, &cycle)

	assert.Equal(t, saves, store.saves)
	stored, err := store.LoadPlan(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, stored.ID)
}

func TestService_ReplanAfterFailure(t *testing.T) {
	svc, _, runner := newTestService(t, ServiceOptions{})
	ctx := context.Background()
	b := TaskID{"n1", "package", "b"}
	runner.fail[b] = true

	cs := ChangeSet{Tasks: []TaskDescriptor{
		cfg("n1", "a", "a"),
		cfg("n1", "b", "b", TaskRef("package", "a")),
		cfg("n2", "c", "c"),
	}}
	plan, err := svc.CreatePlan(ctx, cs)
	require.NoError(t, err)
	require.Equal(t, PlanFailed, runToEnd(t, svc, plan.Digest))

	delete(runner.fail, b)
	next, err := svc.CreatePlan(ctx, cs)
	require.NoError(t, err)

	_, hasA := next.Task(TaskID{"n1", "package", "a"})
	assert.False(t, hasA, "successful tasks are not re-planned")
	_, hasC := next.Task(TaskID{"n2", "package", "c"})
	assert.False(t, hasC)
	_, hasLockN2 := next.Task(lockID("n2"))
	assert.False(t, hasLockN2)

	require.Len(t, next.Phases, 4)
	assert.Equal(t, []TaskID{forceUnlockID("n1")}, phaseIDs(next.Phases[0]))
	assert.Equal(t, []TaskID{lockID("n1")}, phaseIDs(next.Phases[1]))
	assert.Equal(t, []TaskID{b}, phaseIDs(next.Phases[2]))
	assert.Equal(t, []TaskID{unlockID("n1")}, phaseIDs(next.Phases[3]))

	assert.Equal(t, PlanComplete, runToEnd(t, svc, next.Digest))
	for _, lock := range svc.NodeLocks() {
		assert.Equal(t, LockUnlocked, lock.State, lock.Node)
	}
}

func TestService_ChangedTaskIsReplanned(t *testing.T) {
	svc, _, _ := newTestService(t, ServiceOptions{})
	ctx := context.Background()

	plan, err := svc.CreatePlan(ctx, ChangeSet{Tasks: []TaskDescriptor{cfg("n1", "pkg", "install pkg")}})
	require.NoError(t, err)
	require.Equal(t, PlanComplete, runToEnd(t, svc, plan.Digest))

	changed := cfg("n1", "pkg", "install pkg")
	changed.Command = "dnf install -y pkg-2.0"
	next, err := svc.CreatePlan(ctx, ChangeSet{Tasks: []TaskDescriptor{changed}})
	require.NoError(t, err)
	_, ok := next.Task(TaskID{"n1", "package", "pkg"})
	assert.True(t, ok, "a task whose work changed runs again")
}

func TestService_RunPlanDigestMismatch(t *testing.T) {
	svc, store, _ := newTestService(t, ServiceOptions{})
	ctx := context.Background()

	_, err := svc.CreatePlan(ctx, ChangeSet{Tasks: []TaskDescriptor{cfg("n1", "pkg", "install pkg")}})
	require.NoError(t, err)

	var invalidPlan *InvalidPlanError
	require.ErrorAs(t, svc.RunPlan(ctx, "0000000000000000"), &invalidPlan)

	_, err = store.LoadPlan(ctx)
	assert.True(t, errors.Is(err, ErrNotFound), "the stale plan is discarded")

	var invalid *InvalidRequestError
	require.ErrorAs(t, svc.RunPlan(ctx, ""), &invalid)
	assert.Equal(t, "Plan does not exist", invalid.Message)
}

func TestService_RejectsCreateWhileRunning(t *testing.T) {
	svc, _, runner := newTestService(t, ServiceOptions{})
	ctx := context.Background()
	pkg := TaskID{"n1", "package", "pkg"}
	started, release := runner.blockOn(pkg)
	defer release()

	cs := ChangeSet{Tasks: []TaskDescriptor{cfg("n1", "pkg", "install pkg")}}
	plan, err := svc.CreatePlan(ctx, cs)
	require.NoError(t, err)
	require.NoError(t, svc.RunPlan(ctx, plan.Digest))
	waitClosed(t, started)

	var invalid *InvalidRequestError
	_, err = svc.CreatePlan(ctx, cs)
	require.ErrorAs(t, err, &invalid)
	require.ErrorAs(t, svc.RemovePlan(ctx), &invalid)

	shown, err := svc.ShowPlan(ctx)
	require.NoError(t, err)
	task, _ := shown.Task(pkg)
	assert.Equal(t, TaskRunning, task.State)

	require.NoError(t, svc.StopPlan(ctx))
	release()
	state, err := svc.WaitPlan(ctx)
	require.NoError(t, err)
	assert.Equal(t, PlanStopped, state)

	require.NoError(t, svc.RemovePlan(ctx))
	_, err = svc.ShowPlan(ctx)
	require.ErrorAs(t, err, &invalid)
}

func TestService_PolicyDenial(t *testing.T) {
	svc, store, _ := newTestService(t, ServiceOptions{Policy: denyAll{reasons: []string{"node n1 is frozen"}}})

	_, err := svc.CreatePlan(context.Background(), ChangeSet{Tasks: []TaskDescriptor{cfg("n1", "pkg", "install pkg")}})
	var denied *PolicyViolationError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, []string{"node n1 is frozen"}, denied.Violations)
	assert.Zero(t, store.saves)
}

func TestService_RecoverAfterRestart(t *testing.T) {
	svc, store, _ := newTestService(t, ServiceOptions{})
	ctx := context.Background()

	plan := compile(t, ChangeSet{Tasks: []TaskDescriptor{cfg("n1", "pkg", "install pkg")}}, nil)
	plan.State = PlanRunning
	pkg := TaskID{"n1", "package", "pkg"}
	task, _ := plan.Task(pkg)
	task.State = TaskRunning
	lock, _ := plan.Task(lockID("n1"))
	lock.State = TaskSuccess
	require.NoError(t, store.SavePlan(ctx, plan))
	require.NoError(t, store.SaveNodeLock(ctx, NodeLock{Node: "n1", State: LockLocked}))

	require.NoError(t, svc.Recover(ctx))

	stored, err := store.LoadPlan(ctx)
	require.NoError(t, err)
	assert.Equal(t, PlanStopped, stored.State)
	recovered, _ := stored.Task(pkg)
	assert.Equal(t, TaskStopped, recovered.State)
	assert.NotEmpty(t, recovered.Message)

	outcomes, err := store.LoadOutcomes(ctx)
	require.NoError(t, err)
	assert.Equal(t, TaskStopped, outcomes[pkg].State)

	// The interrupted node is still locked and the config task runs again.
	next, err := svc.CreatePlan(ctx, ChangeSet{Tasks: []TaskDescriptor{cfg("n1", "pkg", "install pkg")}})
	require.NoError(t, err)
	assert.Equal(t, []TaskID{forceUnlockID("n1")}, phaseIDs(next.Phases[0]))
	_, ok := next.Task(pkg)
	assert.True(t, ok)
}

func TestService_StopPlanFromAnotherProcess(t *testing.T) {
	svc, store, _ := newTestService(t, ServiceOptions{})
	ctx := context.Background()

	plan := compile(t, ChangeSet{Tasks: []TaskDescriptor{cfg("n1", "pkg", "install pkg")}}, nil)
	plan.State = PlanRunning
	require.NoError(t, store.SavePlan(ctx, plan))

	require.NoError(t, svc.StopPlan(ctx))
	requested, err := store.StopRequested(ctx, plan.ID)
	require.NoError(t, err)
	assert.True(t, requested)
}
