package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ExecutorOptions configures a PlanExecutor.
type ExecutorOptions struct {
	// MaxParallel bounds the number of nodes running a task at once.
	MaxParallel int

	// StopPollInterval controls how often persisted stop requests are
	// checked. Zero disables polling.
	StopPollInterval time.Duration

	Store           StateStore
	Publisher       EventPublisher
	Instrumentation Instrumentation
	Logger          zerolog.Logger
}

// PlanExecutor runs compiled plans phase by phase. Within a phase tasks of
// different nodes run concurrently while each node runs at most one task at
// a time. A phase always settles completely before the plan reacts to a
// failure or a stop request.
type PlanExecutor struct {
	runner TaskRunner
	locks  *LockManager
	opts   ExecutorOptions
	logger zerolog.Logger

	// stateMu orders plan state changes with their persistence and events.
	stateMu sync.Mutex

	// mu protects plan, stopRequested and done.
	mu            sync.Mutex
	plan          *Plan
	stopRequested bool
	done          chan struct{}
	startedAt     time.Time

	gatesMu sync.Mutex
	gates   map[string]*sync.Mutex
}

// NewPlanExecutor creates a new plan executor.
func NewPlanExecutor(runner TaskRunner, locks *LockManager, opts ExecutorOptions) *PlanExecutor {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 10
	}
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}
	if opts.Instrumentation == nil {
		opts.Instrumentation = nopInstrumentation{}
	}
	return &PlanExecutor{
		runner: runner,
		locks:  locks,
		opts:   opts,
		logger: opts.Logger.With().Str("component", "executor").Logger(),
		gates:  make(map[string]*sync.Mutex),
	}
}

// Start begins executing an Initial plan in the background. The executor
// takes ownership of the plan's state.
func (e *PlanExecutor) Start(ctx context.Context, plan *Plan) error {
	if plan == nil {
		return NewPermanentError("plan is nil", nil).WithCode(ErrCodeValidation)
	}

	e.stateMu.Lock()
	e.mu.Lock()
	if e.plan != nil && e.plan.State.IsActive() {
		e.mu.Unlock()
		e.stateMu.Unlock()
		return &InvalidRequestError{Message: "Plan is already running"}
	}
	if plan.State != PlanInitial {
		e.mu.Unlock()
		e.stateMu.Unlock()
		return &InvalidRequestError{Message: fmt.Sprintf("Plan is in state %s; only an Initial plan can be run", plan.State)}
	}
	// The plan is Running as soon as it is visible, so a concurrent Stop
	// always finds it stoppable.
	plan.State = PlanRunning
	plan.UpdatedAt = time.Now()
	e.plan = plan
	e.stopRequested = false
	e.done = make(chan struct{})
	e.startedAt = plan.UpdatedAt
	e.mu.Unlock()

	// Tasks are never cancelled mid-flight, so the run outlives ctx. A
	// cancelled ctx is turned into a stop request instead.
	runCtx := context.WithoutCancel(ctx)
	e.announce(runCtx, plan.ID, PlanInitial, PlanRunning)
	e.stateMu.Unlock()

	watchCtx, cancelWatch := context.WithCancel(runCtx)
	go e.watchStop(ctx, watchCtx)

	go func() {
		defer cancelWatch()
		e.execute(runCtx)
	}()
	return nil
}

// Stop requests a cooperative stop. The current phase runs to completion
// and no further phase starts.
func (e *PlanExecutor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.plan == nil {
		e.mu.Unlock()
		return &InvalidRequestError{Message: "Plan not currently running"}
	}
	state := e.plan.State
	if state == PlanStopping {
		e.mu.Unlock()
		return nil
	}
	if state != PlanRunning {
		e.mu.Unlock()
		return &InvalidRequestError{Message: "Plan not currently running"}
	}
	e.stopRequested = true
	e.mu.Unlock()

	e.transition(ctx, PlanStopping)
	return nil
}

// Wait blocks until the current run finishes or ctx is done.
func (e *PlanExecutor) Wait(ctx context.Context) (PlanState, error) {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done == nil {
		return "", &InvalidRequestError{Message: "Plan has not been run"}
	}

	select {
	case <-done:
		return e.State(), nil
	case <-ctx.Done():
		return e.State(), ctx.Err()
	}
}

// State returns the state of the plan owned by the executor.
func (e *PlanExecutor) State() PlanState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.plan == nil {
		return ""
	}
	return e.plan.State
}

// Snapshot returns a copy of the plan with current task states.
func (e *PlanExecutor) Snapshot() *Plan {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.plan.Clone()
}

// isRunning reports whether this executor currently owns the plan.
func (e *PlanExecutor) isRunning(planID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.plan != nil && e.plan.ID == planID && e.plan.State.IsActive()
}

// watchStop turns caller cancellation and persisted stop requests into
// stop requests.
func (e *PlanExecutor) watchStop(callerCtx, watchCtx context.Context) {
	var tick <-chan time.Time
	if e.opts.StopPollInterval > 0 && e.opts.Store != nil {
		ticker := time.NewTicker(e.opts.StopPollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-watchCtx.Done():
			return
		case <-callerCtx.Done():
			e.logger.Info().Msg("Run context cancelled, stopping plan after current phase")
			_ = e.Stop(watchCtx)
			return
		case <-tick:
			e.mu.Lock()
			planID := e.plan.ID
			e.mu.Unlock()
			requested, err := e.opts.Store.StopRequested(watchCtx, planID)
			if err != nil {
				e.logger.Error().Err(err).Msg("Failed to poll stop request")
				continue
			}
			if requested {
				_ = e.Stop(watchCtx)
			}
		}
	}
}

// execute runs the phases in order and settles the plan state.
func (e *PlanExecutor) execute(ctx context.Context) {
	defer func() {
		e.mu.Lock()
		close(e.done)
		e.mu.Unlock()
	}()

	phases := e.plan.Phases
	for i, phase := range phases {
		failed := e.executePhase(ctx, phase)

		e.mu.Lock()
		stop := e.stopRequested
		e.mu.Unlock()

		switch {
		case failed > 0:
			e.finish(ctx, PlanFailed)
			return
		case i == len(phases)-1:
			e.finish(ctx, PlanComplete)
			return
		case stop:
			e.finish(ctx, PlanStopped)
			return
		}
	}
	e.finish(ctx, PlanComplete)
}

// executePhase dispatches every task of the phase and waits for all of them
// to reach a terminal state. It returns the number of failed tasks.
func (e *PlanExecutor) executePhase(ctx context.Context, phase *Phase) int {
	planID := e.plan.ID
	e.logger.Info().Str("plan_id", planID).Int("phase", phase.Index).
		Int("tasks", len(phase.Tasks)).Msgf("Phase %d started", phase.Index)
	e.publish(ctx, Event{Type: EventPhaseStarted, PlanID: planID, Phase: phase.Index})

	phaseCtx, endPhase := e.opts.Instrumentation.StartPhase(ctx, planID, phase)

	// Tasks of one node run sequentially in phase order.
	var nodes []string
	byNode := make(map[string][]*Task)
	for _, t := range phase.Tasks {
		if _, ok := byNode[t.ID.Node]; !ok {
			nodes = append(nodes, t.ID.Node)
		}
		byNode[t.ID.Node] = append(byNode[t.ID.Node], t)
	}

	var (
		failedMu sync.Mutex
		failed   int
	)
	var g errgroup.Group
	g.SetLimit(e.opts.MaxParallel)
	for _, node := range nodes {
		tasks := byNode[node]
		g.Go(func() error {
			for _, t := range tasks {
				if e.executeTask(phaseCtx, t) != TaskSuccess {
					failedMu.Lock()
					failed++
					failedMu.Unlock()
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	endPhase(failed)
	e.logger.Info().Str("plan_id", planID).Int("phase", phase.Index).
		Int("failed", failed).Msgf("Phase %d completed", phase.Index)
	e.publish(ctx, Event{Type: EventPhaseCompleted, PlanID: planID, Phase: phase.Index,
		Message: fmt.Sprintf("%d failed", failed)})
	return failed
}

// executeTask runs one task while holding its node's gate.
func (e *PlanExecutor) executeTask(ctx context.Context, task *Task) TaskState {
	gate := e.nodeGate(task.ID.Node)
	gate.Lock()
	defer gate.Unlock()

	if tr, err := e.locks.Begin(task); err != nil {
		e.settleTask(ctx, task, false, fmt.Sprintf("lock manager refused task: %v", err))
		return TaskFailed
	} else if tr != nil {
		e.publishLock(ctx, tr)
	}

	now := time.Now()
	e.mu.Lock()
	task.State = TaskRunning
	task.StartedAt = &now
	task.FinishedAt = nil
	task.Message = ""
	dispatched := *task
	e.mu.Unlock()
	e.persistTask(ctx, task)
	e.publishTask(ctx, task, TaskInitial, TaskRunning)

	taskCtx, endTask := e.opts.Instrumentation.StartTask(ctx, &dispatched)
	result, err := e.runner.Run(taskCtx, &dispatched)

	success := err == nil && result.Success
	message := result.Message
	if err != nil {
		message = fmt.Sprintf("%s: %v", ClassOf(err), err)
	}

	if tr, lockErr := e.locks.Complete(ctx, task, success); lockErr != nil {
		e.logger.Error().Err(lockErr).Str("node", task.ID.Node).Msg("Failed to record lock state")
	} else if tr != nil {
		e.opts.Instrumentation.NodeLockChanged(tr.Node, tr.To)
		e.publishLock(ctx, tr)
	}

	state := e.settleTask(ctx, task, success, message)
	endTask(state, err)
	return state
}

// settleTask records a task's terminal state.
func (e *PlanExecutor) settleTask(ctx context.Context, task *Task, success bool, message string) TaskState {
	state := TaskFailed
	if success {
		state = TaskSuccess
	}

	now := time.Now()
	e.mu.Lock()
	from := task.State
	task.State = state
	task.Message = message
	task.FinishedAt = &now
	planID := e.plan.ID
	e.mu.Unlock()

	e.persistTask(ctx, task)
	if e.opts.Store != nil && task.Kind != KindLock && task.Kind != KindUnlock {
		outcome := TaskOutcome{ID: task.ID, State: state, Digest: task.Digest, UpdatedAt: now}
		if err := e.opts.Store.RecordOutcome(ctx, outcome); err != nil {
			e.logger.Error().Err(err).Str("task", task.ID.String()).Msg("Failed to record task outcome")
		}
	}

	if success {
		e.logger.Info().Str("plan_id", planID).Str("task", task.ID.String()).
			Str("node", task.ID.Node).Str("description", task.Description).Msg("Task succeeded")
	} else {
		e.logger.Error().Str("plan_id", planID).Str("task", task.ID.String()).
			Str("node", task.ID.Node).Str("description", task.Description).
			Str("reason", message).Msg("Task failed")
	}
	e.publishTask(ctx, task, from, state)
	return state
}

// transition moves the plan to a new state when the move is allowed.
func (e *PlanExecutor) transition(ctx context.Context, to PlanState) bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	e.mu.Lock()
	from := e.plan.State
	if !from.CanTransition(to) {
		e.mu.Unlock()
		return false
	}
	e.plan.State = to
	e.plan.UpdatedAt = time.Now()
	planID := e.plan.ID
	e.mu.Unlock()

	e.announce(ctx, planID, from, to)
	return true
}

// announce persists, logs and publishes a plan state change. Callers hold
// stateMu.
func (e *PlanExecutor) announce(ctx context.Context, planID string, from, to PlanState) {
	if e.opts.Store != nil {
		if err := e.opts.Store.UpdatePlanState(ctx, planID, to); err != nil {
			e.logger.Error().Err(err).Str("plan_id", planID).Msg("Failed to persist plan state")
		}
	}

	ev := e.logger.Info()
	if to == PlanFailed {
		ev = e.logger.Error()
	}
	ev.Str("plan_id", planID).Str("from", string(from)).Str("to", string(to)).Msg("Plan state changed")
	e.publish(ctx, Event{Type: EventPlanStateChanged, PlanID: planID, From: string(from), To: string(to)})
}

func (e *PlanExecutor) finish(ctx context.Context, state PlanState) {
	if !e.transition(ctx, state) {
		return
	}
	e.mu.Lock()
	snapshot := e.plan.Clone()
	started := e.startedAt
	e.mu.Unlock()
	e.opts.Instrumentation.PlanFinished(snapshot, time.Since(started))
}

func (e *PlanExecutor) nodeGate(node string) *sync.Mutex {
	e.gatesMu.Lock()
	defer e.gatesMu.Unlock()
	gate, ok := e.gates[node]
	if !ok {
		gate = &sync.Mutex{}
		e.gates[node] = gate
	}
	return gate
}

func (e *PlanExecutor) persistTask(ctx context.Context, task *Task) {
	if e.opts.Store == nil {
		return
	}
	e.mu.Lock()
	snapshot := *task
	planID := e.plan.ID
	e.mu.Unlock()
	if err := e.opts.Store.UpdateTask(ctx, planID, &snapshot); err != nil {
		e.logger.Error().Err(err).Str("task", task.ID.String()).Msg("Failed to persist task state")
	}
}

func (e *PlanExecutor) publishTask(ctx context.Context, task *Task, from, to TaskState) {
	e.mu.Lock()
	planID := e.plan.ID
	id := task.ID
	phase := task.Phase
	message := task.Message
	e.mu.Unlock()
	e.publish(ctx, Event{
		Type: EventTaskStateChanged, PlanID: planID, Phase: phase, Task: &id,
		Node: id.Node, From: string(from), To: string(to), Message: message,
	})
}

func (e *PlanExecutor) publishLock(ctx context.Context, tr *LockTransition) {
	e.mu.Lock()
	planID := e.plan.ID
	e.mu.Unlock()
	e.publish(ctx, Event{
		Type: EventNodeLockChanged, PlanID: planID, Node: tr.Node,
		From: string(tr.From), To: string(tr.To),
	})
}

func (e *PlanExecutor) publish(ctx context.Context, ev Event) {
	ev.ID = uuid.New().String()
	ev.Timestamp = time.Now()
	if err := e.opts.Publisher.Publish(ctx, ev); err != nil {
		e.logger.Warn().Err(err).Str("event_type", string(ev.Type)).Msg("Failed to publish event")
	}
}
