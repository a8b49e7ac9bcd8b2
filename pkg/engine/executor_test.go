package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type executorFixture struct {
	store     *memStore
	runner    *scriptedRunner
	locks     *LockManager
	publisher *capturePublisher
	executor  *PlanExecutor
}

func newExecutorFixture(t *testing.T, opts ExecutorOptions) *executorFixture {
	t.Helper()
	f := &executorFixture{
		store:     newMemStore(),
		runner:    newScriptedRunner(),
		publisher: &capturePublisher{},
	}
	f.locks = NewLockManager(f.store, testLogger())
	opts.Store = f.store
	opts.Publisher = f.publisher
	opts.Logger = testLogger()
	f.executor = NewPlanExecutor(f.runner, f.locks, opts)
	return f
}

func (f *executorFixture) run(t *testing.T, plan *Plan) PlanState {
	t.Helper()
	f.start(t, plan)
	return f.wait(t)
}

func (f *executorFixture) start(t *testing.T, plan *Plan) {
	t.Helper()
	require.NoError(t, f.store.SavePlan(context.Background(), plan))
	require.NoError(t, f.executor.Start(context.Background(), plan))
}

func (f *executorFixture) wait(t *testing.T) PlanState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := f.executor.Wait(ctx)
	require.NoError(t, err)
	return state
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task dispatch")
	}
}

func TestExecutor_RunsPlanToCompletion(t *testing.T) {
	f := newExecutorFixture(t, ExecutorOptions{})
	plan := compile(t, ChangeSet{Tasks: []TaskDescriptor{cfg("n1", "pkg", "install pkg")}}, nil)

	assert.Equal(t, PlanComplete, f.run(t, plan))

	snap := f.executor.Snapshot()
	for _, task := range snap.Tasks() {
		assert.Equal(t, TaskSuccess, task.State, task.ID.String())
		assert.NotNil(t, task.FinishedAt)
	}
	assert.Equal(t, LockUnlocked, f.locks.State("n1"))

	stored, err := f.store.LoadPlan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PlanComplete, stored.State)

	outcomes, err := f.store.LoadOutcomes(context.Background())
	require.NoError(t, err)
	assert.Len(t, outcomes, 1, "lock and unlock tasks are not part of the ledger")
	assert.Equal(t, TaskSuccess, outcomes[TaskID{"n1", "package", "pkg"}].State)

	transitions := f.publisher.ofType(EventPlanStateChanged)
	require.Len(t, transitions, 2)
	assert.Equal(t, string(PlanRunning), transitions[0].To)
	assert.Equal(t, string(PlanComplete), transitions[1].To)
	assert.Len(t, f.publisher.ofType(EventPhaseStarted), 3)
}

func TestExecutor_ConfigFailureLeavesNodeLocked(t *testing.T) {
	f := newExecutorFixture(t, ExecutorOptions{})
	pkg := TaskID{"n1", "package", "pkg"}
	f.runner.fail[pkg] = true
	plan := compile(t, ChangeSet{Tasks: []TaskDescriptor{cfg("n1", "pkg", "install pkg")}}, nil)

	assert.Equal(t, PlanFailed, f.run(t, plan))

	assert.True(t, f.runner.wasDispatched(lockID("n1")))
	assert.False(t, f.runner.wasDispatched(unlockID("n1")), "phase 3 never dispatches")
	assert.Equal(t, LockLocked, f.locks.State("n1"))

	snap := f.executor.Snapshot()
	failed, _ := snap.Task(pkg)
	assert.Equal(t, TaskFailed, failed.State)
	assert.Equal(t, "scripted failure", failed.Message)
	unlock, _ := snap.Task(unlockID("n1"))
	assert.Equal(t, TaskInitial, unlock.State)

	persisted, err := f.store.LoadNodeLocks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, LockLocked, persisted["n1"].State)
}

func TestExecutor_PhaseSettlesBeforeFailing(t *testing.T) {
	f := newExecutorFixture(t, ExecutorOptions{})
	a := TaskID{"n1", "package", "a"}
	b := TaskID{"n2", "package", "b"}
	f.runner.fail[a] = true
	started, release := f.runner.blockOn(b)

	plan := compile(t, ChangeSet{Tasks: []TaskDescriptor{cfg("n1", "a", "a"), cfg("n2", "b", "b")}}, nil)
	f.start(t, plan)
	waitClosed(t, started)

	// a has failed while b is still in flight; the plan keeps running.
	require.Eventually(t, func() bool {
		task, _ := f.executor.Snapshot().Task(a)
		return task.State == TaskFailed
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, PlanRunning, f.executor.State())

	release()
	assert.Equal(t, PlanFailed, f.wait(t))
	task, _ := f.executor.Snapshot().Task(b)
	assert.Equal(t, TaskSuccess, task.State)
}

func TestExecutor_StopTakesEffectAtPhaseBoundary(t *testing.T) {
	f := newExecutorFixture(t, ExecutorOptions{})
	pkg := TaskID{"n1", "package", "pkg"}
	started, release := f.runner.blockOn(pkg)
	plan := compile(t, ChangeSet{Tasks: []TaskDescriptor{cfg("n1", "pkg", "install pkg")}}, nil)

	f.start(t, plan)
	waitClosed(t, started)

	require.NoError(t, f.executor.Stop(context.Background()))
	assert.Equal(t, PlanStopping, f.executor.State())
	require.NoError(t, f.executor.Stop(context.Background()), "stop is idempotent while stopping")

	release()
	assert.Equal(t, PlanStopped, f.wait(t))

	snap := f.executor.Snapshot()
	task, _ := snap.Task(pkg)
	assert.Equal(t, TaskSuccess, task.State, "in-flight tasks run to completion")
	assert.False(t, f.runner.wasDispatched(unlockID("n1")))
}

func TestExecutor_StopRightAfterStart(t *testing.T) {
	f := newExecutorFixture(t, ExecutorOptions{})
	_, release := f.runner.blockOn(lockID("n1"))
	defer release()
	plan := compile(t, ChangeSet{Tasks: []TaskDescriptor{cfg("n1", "pkg", "install pkg")}}, nil)

	f.start(t, plan)
	assert.Equal(t, PlanRunning, f.executor.State(), "running once Start returns")
	require.NoError(t, f.executor.Stop(context.Background()))
	assert.Equal(t, PlanStopping, f.executor.State())

	release()
	assert.Equal(t, PlanStopped, f.wait(t))

	var seen []string
	for _, ev := range f.publisher.ofType(EventPlanStateChanged) {
		seen = append(seen, ev.To)
	}
	assert.Equal(t, []string{string(PlanRunning), string(PlanStopping), string(PlanStopped)}, seen)
}

func TestExecutor_StopDuringFinalPhaseCompletes(t *testing.T) {
	f := newExecutorFixture(t, ExecutorOptions{})
	started, release := f.runner.blockOn(unlockID("n1"))
	plan := compile(t, ChangeSet{Tasks: []TaskDescriptor{cfg("n1", "pkg", "install pkg")}}, nil)

	f.start(t, plan)
	waitClosed(t, started)
	require.NoError(t, f.executor.Stop(context.Background()))
	release()

	assert.Equal(t, PlanComplete, f.wait(t))
}

func TestExecutor_CallerCancellationRequestsStop(t *testing.T) {
	f := newExecutorFixture(t, ExecutorOptions{})
	pkg := TaskID{"n1", "package", "pkg"}
	started, release := f.runner.blockOn(pkg)
	plan := compile(t, ChangeSet{Tasks: []TaskDescriptor{cfg("n1", "pkg", "install pkg")}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.executor.Start(ctx, plan))
	waitClosed(t, started)
	cancel()

	require.Eventually(t, func() bool { return f.executor.State() == PlanStopping },
		5*time.Second, 5*time.Millisecond)
	release()
	assert.Equal(t, PlanStopped, f.wait(t))
}

func TestExecutor_PolledStopRequest(t *testing.T) {
	f := newExecutorFixture(t, ExecutorOptions{StopPollInterval: 5 * time.Millisecond})
	pkg := TaskID{"n1", "package", "pkg"}
	started, release := f.runner.blockOn(pkg)
	plan := compile(t, ChangeSet{Tasks: []TaskDescriptor{cfg("n1", "pkg", "install pkg")}}, nil)

	f.start(t, plan)
	waitClosed(t, started)
	require.NoError(t, f.store.RequestStop(context.Background(), plan.ID))

	require.Eventually(t, func() bool { return f.executor.State() == PlanStopping },
		5*time.Second, 5*time.Millisecond)
	release()
	assert.Equal(t, PlanStopped, f.wait(t))
}

func TestExecutor_OneTaskPerNodeInFlight(t *testing.T) {
	f := newExecutorFixture(t, ExecutorOptions{})
	f.runner.delay = 2 * time.Millisecond

	var tasks []TaskDescriptor
	for _, node := range []string{"n1", "n2", "n3"} {
		for _, id := range []string{"a", "b", "c", "d"} {
			tasks = append(tasks, cfg(node, id, id))
		}
		tasks = append(tasks, TaskDescriptor{Node: node, CallType: "hook", CallID: "notify", Kind: KindCallback})
	}
	plan := compile(t, ChangeSet{Tasks: tasks}, nil)

	assert.Equal(t, PlanComplete, f.run(t, plan))
	assert.Equal(t, 1, f.runner.maxPerNode)
}

func TestExecutor_UnlockFailureForcesRecoveryUnlock(t *testing.T) {
	f := newExecutorFixture(t, ExecutorOptions{})
	f.runner.fail[unlockID("n1")] = true
	cs := ChangeSet{Tasks: []TaskDescriptor{cfg("n1", "pkg", "install pkg"), cfg("n2", "pkg2", "install pkg2")}}

	assert.Equal(t, PlanFailed, f.run(t, compile(t, cs, nil)))
	assert.Equal(t, LockLocked, f.locks.State("n1"))
	assert.Equal(t, LockUnlocked, f.locks.State("n2"))

	outcomes, err := f.store.LoadOutcomes(context.Background())
	require.NoError(t, err)
	next, err := NewReplanner(NewPhaseCompiler(CompilerOptions{}), testLogger()).Plan(cs, Ledger(outcomes), f.locks)
	require.NoError(t, err)

	require.Len(t, next.Phases, 1)
	assert.Equal(t, []TaskID{forceUnlockID("n1")}, phaseIDs(next.Phases[0]))
}

func TestExecutor_LockFailureNeedsNoRecovery(t *testing.T) {
	f := newExecutorFixture(t, ExecutorOptions{})
	f.runner.fail[lockID("n1")] = true
	cs := ChangeSet{Tasks: []TaskDescriptor{cfg("n1", "pkg", "install pkg")}}

	assert.Equal(t, PlanFailed, f.run(t, compile(t, cs, nil)))
	assert.Equal(t, LockUnlocked, f.locks.State("n1"))
	assert.False(t, f.runner.wasDispatched(TaskID{"n1", "package", "pkg"}))

	outcomes, err := f.store.LoadOutcomes(context.Background())
	require.NoError(t, err)
	next, err := NewReplanner(NewPhaseCompiler(CompilerOptions{}), testLogger()).Plan(cs, Ledger(outcomes), f.locks)
	require.NoError(t, err)
	assert.Equal(t, []TaskID{lockID("n1")}, phaseIDs(next.Phases[0]), "no unlock in phase 1")
}

func TestExecutor_RejectsInvalidRequests(t *testing.T) {
	f := newExecutorFixture(t, ExecutorOptions{})

	var invalid *InvalidRequestError
	require.ErrorAs(t, f.executor.Stop(context.Background()), &invalid)

	plan := compile(t, ChangeSet{Tasks: []TaskDescriptor{cfg("n1", "pkg", "install pkg")}}, nil)
	plan.State = PlanFailed
	require.ErrorAs(t, f.executor.Start(context.Background(), plan), &invalid)

	_, err := f.executor.Wait(context.Background())
	require.ErrorAs(t, err, &invalid)
}
