package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// memStore is an in-memory StateStore.
type memStore struct {
	mu       sync.Mutex
	plan     *Plan
	stop     bool
	outcomes map[TaskID]TaskOutcome
	locks    map[string]NodeLock
	saves    int
}

func newMemStore() *memStore {
	return &memStore{
		outcomes: make(map[TaskID]TaskOutcome),
		locks:    make(map[string]NodeLock),
	}
}

func (m *memStore) SavePlan(_ context.Context, plan *Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plan = plan.Clone()
	m.stop = false
	m.saves++
	return nil
}

func (m *memStore) LoadPlan(context.Context) (*Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.plan == nil {
		return nil, ErrNotFound
	}
	return m.plan.Clone(), nil
}

func (m *memStore) UpdatePlanState(_ context.Context, planID string, state PlanState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.plan != nil && m.plan.ID == planID {
		m.plan.State = state
	}
	return nil
}

func (m *memStore) UpdateTask(_ context.Context, planID string, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.plan == nil || m.plan.ID != planID {
		return nil
	}
	if t, ok := m.plan.Task(task.ID); ok {
		t.State = task.State
		t.Message = task.Message
		t.StartedAt = task.StartedAt
		t.FinishedAt = task.FinishedAt
	}
	return nil
}

func (m *memStore) DeletePlan(_ context.Context, planID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.plan != nil && m.plan.ID == planID {
		m.plan = nil
	}
	return nil
}

func (m *memStore) RequestStop(context.Context, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stop = true
	return nil
}

func (m *memStore) StopRequested(context.Context, string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stop, nil
}

func (m *memStore) RecordOutcome(_ context.Context, o TaskOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[o.ID] = o
	return nil
}

func (m *memStore) LoadOutcomes(context.Context) (map[TaskID]TaskOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[TaskID]TaskOutcome, len(m.outcomes))
	for k, v := range m.outcomes {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) SaveNodeLock(_ context.Context, l NodeLock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks[l.Node] = l
	return nil
}

func (m *memStore) LoadNodeLocks(context.Context) (map[string]NodeLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]NodeLock, len(m.locks))
	for k, v := range m.locks {
		out[k] = v
	}
	return out, nil
}

// scriptedRunner fails tasks listed in fail, blocks tasks listed in block
// until released, and tracks per-node concurrency.
type scriptedRunner struct {
	mu         sync.Mutex
	fail       map[TaskID]bool
	block      map[TaskID]chan struct{}
	started    map[TaskID]chan struct{}
	inFlight   map[string]int
	maxPerNode int
	dispatched []TaskID
	delay      time.Duration
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{
		fail:     make(map[TaskID]bool),
		block:    make(map[TaskID]chan struct{}),
		started:  make(map[TaskID]chan struct{}),
		inFlight: make(map[string]int),
	}
}

// blockOn makes the task wait until the returned release function is called.
// The started channel is closed once the task is dispatched.
func (r *scriptedRunner) blockOn(id TaskID) (started <-chan struct{}, release func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	gate := make(chan struct{})
	st := make(chan struct{})
	r.block[id] = gate
	r.started[id] = st
	var once sync.Once
	return st, func() { once.Do(func() { close(gate) }) }
}

func (r *scriptedRunner) Run(_ context.Context, task *Task) (TaskResult, error) {
	r.mu.Lock()
	r.dispatched = append(r.dispatched, task.ID)
	r.inFlight[task.ID.Node]++
	if r.inFlight[task.ID.Node] > r.maxPerNode {
		r.maxPerNode = r.inFlight[task.ID.Node]
	}
	gate := r.block[task.ID]
	st := r.started[task.ID]
	fail := r.fail[task.ID]
	delay := r.delay
	r.mu.Unlock()

	if st != nil {
		close(st)
	}
	if gate != nil {
		<-gate
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	r.mu.Lock()
	r.inFlight[task.ID.Node]--
	r.mu.Unlock()

	if fail {
		return TaskResult{Success: false, Message: "scripted failure"}, nil
	}
	return TaskResult{Success: true}, nil
}

func (r *scriptedRunner) wasDispatched(id TaskID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.dispatched {
		if d == id {
			return true
		}
	}
	return false
}

// capturePublisher records published events.
type capturePublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *capturePublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) ofType(t EventType) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// lockSet is a static LockView.
type lockSet map[string]bool

func (l lockSet) IsLocked(node string) bool { return l[node] }

func (l lockSet) LockedNodes() []string {
	var out []string
	for n, locked := range l {
		if locked {
			out = append(out, n)
		}
	}
	return out
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func cfg(node, id, desc string, refs ...DependencyRef) TaskDescriptor {
	return TaskDescriptor{Node: node, CallType: "package", CallID: id, Description: desc, Requires: refs}
}

func phaseIDs(p *Phase) []TaskID {
	out := make([]TaskID, len(p.Tasks))
	for i, t := range p.Tasks {
		out[i] = t.ID
	}
	return out
}

func phaseOf(t interface{ Helper() }, plan *Plan, id TaskID) int {
	t.Helper()
	if task, ok := plan.Task(id); ok {
		return task.Phase
	}
	return -1
}
