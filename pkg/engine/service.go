package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ServiceOptions configures the plan service.
type ServiceOptions struct {
	Compiler CompilerOptions

	// MaxParallel bounds the number of nodes running a task at once.
	MaxParallel int

	// StopPollInterval controls how often persisted stop requests from
	// other processes are checked while a plan runs.
	StopPollInterval time.Duration

	Store           StateStore
	Policy          PolicyGate
	Publisher       EventPublisher
	Instrumentation Instrumentation
	Logger          zerolog.Logger
}

// Service is the single-writer facade over plan creation and execution:
// create_plan, run_plan, stop_plan and show_plan.
type Service struct {
	mu        sync.Mutex
	store     StateStore
	policy    PolicyGate
	publisher EventPublisher
	instr     Instrumentation
	locks     *LockManager
	replanner *Replanner
	executor  *PlanExecutor
	logger    zerolog.Logger
}

// NewService creates a plan service backed by store.
func NewService(runner TaskRunner, opts ServiceOptions) (*Service, error) {
	if runner == nil {
		return nil, errors.New("task runner is required")
	}
	if opts.Store == nil {
		return nil, errors.New("state store is required")
	}
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}
	if opts.Instrumentation == nil {
		opts.Instrumentation = nopInstrumentation{}
	}

	locks := NewLockManager(opts.Store, opts.Logger)
	return &Service{
		store:     opts.Store,
		policy:    opts.Policy,
		publisher: opts.Publisher,
		instr:     opts.Instrumentation,
		locks:     locks,
		replanner: NewReplanner(NewPhaseCompiler(opts.Compiler), opts.Logger),
		executor: NewPlanExecutor(runner, locks, ExecutorOptions{
			MaxParallel:      opts.MaxParallel,
			StopPollInterval: opts.StopPollInterval,
			Store:            opts.Store,
			Publisher:        opts.Publisher,
			Instrumentation:  opts.Instrumentation,
			Logger:           opts.Logger,
		}),
		logger: opts.Logger.With().Str("component", "plan_service").Logger(),
	}, nil
}

// Recover reloads persisted state after a service start. A plan left
// Running or Stopping by a previous process becomes Stopped and its
// in-flight tasks become Stopped, since their outcome was never observed.
func (s *Service) Recover(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.locks.Load(ctx); err != nil {
		return err
	}

	plan, err := s.store.LoadPlan(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load plan: %w", err)
	}
	if !plan.State.IsActive() || s.executor.isRunning(plan.ID) {
		return nil
	}

	now := time.Now()
	for _, t := range plan.Tasks() {
		if t.State != TaskRunning {
			continue
		}
		t.State = TaskStopped
		t.Message = "outcome lost: service restarted while the task was running"
		t.FinishedAt = &now
		if err := s.store.UpdateTask(ctx, plan.ID, t); err != nil {
			return fmt.Errorf("failed to recover task %s: %w", t.ID, err)
		}
		if !t.Kind.IsSynthetic() || t.Kind == KindCleanup {
			if err := s.store.RecordOutcome(ctx, TaskOutcome{ID: t.ID, State: TaskStopped, Digest: t.Digest, UpdatedAt: now}); err != nil {
				return fmt.Errorf("failed to record outcome of %s: %w", t.ID, err)
			}
		}
	}
	if err := s.store.UpdatePlanState(ctx, plan.ID, PlanStopped); err != nil {
		return fmt.Errorf("failed to recover plan state: %w", err)
	}

	s.logger.Info().Str("plan_id", plan.ID).Str("from", string(plan.State)).
		Str("to", string(PlanStopped)).Msg("Plan state changed")
	s.publish(ctx, Event{Type: EventPlanStateChanged, PlanID: plan.ID,
		From: string(plan.State), To: string(PlanStopped), Message: "recovered after restart"})
	return nil
}

// CreatePlan builds a new plan from the change set, replacing any previous
// plan. Graph validation errors, DoNothingPlanError and policy denials leave
// the stored state untouched.
func (s *Service) CreatePlan(ctx context.Context, cs ChangeSet) (*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureIdle(ctx); err != nil {
		return nil, err
	}
	if err := s.locks.Load(ctx); err != nil {
		return nil, err
	}

	outcomes, err := s.store.LoadOutcomes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load task outcomes: %w", err)
	}

	plan, err := s.replanner.Plan(cs, Ledger(outcomes), s.locks)
	if err == nil && s.policy != nil {
		err = s.admit(ctx, plan)
	}
	if err != nil {
		s.reject(ctx, err)
		s.instr.PlanCreated(nil, err)
		return nil, err
	}

	if err := s.store.SavePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("failed to save plan: %w", err)
	}
	s.instr.PlanCreated(plan, nil)

	s.logger.Info().Str("plan_id", plan.ID).Int("phases", len(plan.Phases)).
		Int("tasks", len(plan.Tasks())).Msg("Create plan succeeded")
	s.publish(ctx, Event{Type: EventPlanCreated, PlanID: plan.ID, To: string(PlanInitial),
		Message: fmt.Sprintf("%d phases", len(plan.Phases))})
	return plan.Clone(), nil
}

// RunPlan starts the current plan. When digest is non-empty it must match
// the digest the plan was compiled from; otherwise the plan is discarded
// and InvalidPlanError returned.
func (s *Service) RunPlan(ctx context.Context, digest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plan, err := s.store.LoadPlan(ctx)
	if errors.Is(err, ErrNotFound) {
		return &InvalidRequestError{Message: "Plan does not exist"}
	}
	if err != nil {
		return fmt.Errorf("failed to load plan: %w", err)
	}
	if plan.State != PlanInitial {
		return &InvalidRequestError{Message: fmt.Sprintf("Plan is in state %s; create a new plan first", plan.State)}
	}
	if digest != "" && digest != plan.Digest {
		if err := s.store.DeletePlan(ctx, plan.ID); err != nil {
			return fmt.Errorf("failed to discard invalid plan: %w", err)
		}
		s.logger.Error().Str("plan_id", plan.ID).Msg("Plan invalidated: model changed since it was created")
		return &InvalidPlanError{PlanID: plan.ID}
	}
	if err := s.locks.Load(ctx); err != nil {
		return err
	}
	return s.executor.Start(ctx, plan)
}

// StopPlan requests a cooperative stop of the running plan. A plan run by
// another process is flagged in the store and stops at its next phase
// boundary.
func (s *Service) StopPlan(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plan, err := s.store.LoadPlan(ctx)
	if errors.Is(err, ErrNotFound) {
		return &InvalidRequestError{Message: "Plan does not exist"}
	}
	if err != nil {
		return fmt.Errorf("failed to load plan: %w", err)
	}

	if s.executor.isRunning(plan.ID) {
		return s.executor.Stop(ctx)
	}
	if !plan.State.IsActive() {
		return &InvalidRequestError{Message: "Plan not currently running"}
	}
	if err := s.store.RequestStop(ctx, plan.ID); err != nil {
		return fmt.Errorf("failed to request stop: %w", err)
	}
	s.logger.Info().Str("plan_id", plan.ID).Msg("Stop requested for plan running in another process")
	return nil
}

// ShowPlan returns the current plan with task states.
func (s *Service) ShowPlan(ctx context.Context) (*Plan, error) {
	if snap := s.executor.Snapshot(); snap != nil && snap.State.IsActive() {
		return snap, nil
	}
	plan, err := s.store.LoadPlan(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil, &InvalidRequestError{Message: "Plan does not exist"}
	}
	return plan, err
}

// WaitPlan blocks until the running plan settles.
func (s *Service) WaitPlan(ctx context.Context) (PlanState, error) {
	return s.executor.Wait(ctx)
}

// RemovePlan discards the current plan unless it is running.
func (s *Service) RemovePlan(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plan, err := s.store.LoadPlan(ctx)
	if errors.Is(err, ErrNotFound) {
		return &InvalidRequestError{Message: "Plan does not exist"}
	}
	if err != nil {
		return fmt.Errorf("failed to load plan: %w", err)
	}
	if plan.State.IsActive() {
		return &InvalidRequestError{Message: "Removing a running/stopping plan is not allowed"}
	}
	return s.store.DeletePlan(ctx, plan.ID)
}

// NodeLocks returns the known node lock records.
func (s *Service) NodeLocks() []NodeLock {
	return s.locks.Snapshot()
}

func (s *Service) ensureIdle(ctx context.Context) error {
	if snap := s.executor.Snapshot(); snap != nil && snap.State.IsActive() {
		return &InvalidRequestError{Message: "Plan is currently running"}
	}
	plan, err := s.store.LoadPlan(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load plan: %w", err)
	}
	if plan.State.IsActive() {
		return &InvalidRequestError{Message: "Plan is currently running"}
	}
	return nil
}

func (s *Service) admit(ctx context.Context, plan *Plan) error {
	violations, err := s.policy.EvaluatePlan(ctx, plan)
	if err != nil {
		return fmt.Errorf("failed to evaluate plan policy: %w", err)
	}
	if len(violations) > 0 {
		return &PolicyViolationError{Violations: violations}
	}
	return nil
}

// reject logs a failed create_plan. Refusing an empty plan is not a failure
// of the system and is logged at INFO.
func (s *Service) reject(ctx context.Context, err error) {
	var doNothing *DoNothingPlanError
	if errors.As(err, &doNothing) {
		s.logger.Info().Msg(err.Error())
	} else {
		s.logger.Error().Err(err).Str("code", ErrorCode(err)).Msg("Create plan failed")
	}
	s.publish(ctx, Event{Type: EventPlanRejected, Message: err.Error()})
}

func (s *Service) publish(ctx context.Context, ev Event) {
	ev.ID = uuid.New().String()
	ev.Timestamp = time.Now()
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("event_type", string(ev.Type)).Msg("Failed to publish event")
	}
}
