package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LockTransition describes a lock state change observed by the manager.
type LockTransition struct {
	Node string
	From LockState
	To   LockState
}

// LockManager tracks the lock state of every node. Only committed states
// (Locked, Unlocked) are persisted; pending states live in memory and fall
// back to the last committed state after a restart.
type LockManager struct {
	mu      sync.RWMutex
	records map[string]NodeLock
	store   LockStore
	logger  zerolog.Logger
	now     func() time.Time
}

// NewLockManager creates a lock manager. store may be nil for an in-memory
// manager.
func NewLockManager(store LockStore, logger zerolog.Logger) *LockManager {
	return &LockManager{
		records: make(map[string]NodeLock),
		store:   store,
		logger:  logger.With().Str("component", "locks").Logger(),
		now:     time.Now,
	}
}

// Load replaces the in-memory view with the persisted lock records.
func (m *LockManager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	records, err := m.store.LoadNodeLocks(ctx)
	if err != nil {
		return fmt.Errorf("failed to load node locks: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]NodeLock, len(records))
	for node, rec := range records {
		m.records[node] = rec
	}
	return nil
}

// State returns the current lock state of a node, pending states included.
func (m *LockManager) State(node string) LockState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.records[node]; ok {
		return rec.State
	}
	return LockUnlocked
}

// IsLocked reports the committed is_locked flag of a node.
func (m *LockManager) IsLocked(node string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[node].IsLocked()
}

// LockedNodes returns the nodes whose committed state is Locked, sorted.
func (m *LockManager) LockedNodes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for node, rec := range m.records {
		if rec.IsLocked() {
			out = append(out, node)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot returns every known lock record sorted by node.
func (m *LockManager) Snapshot() []NodeLock {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]NodeLock, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out
}

// Begin is consulted before a lock or unlock task is dispatched and moves
// the node to the matching pending state. Other task kinds pass through.
func (m *LockManager) Begin(task *Task) (*LockTransition, error) {
	if task.Kind != KindLock && task.Kind != KindUnlock {
		return nil, nil
	}
	node := task.ID.Node

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[node]
	if !ok {
		rec = NodeLock{Node: node, State: LockUnlocked}
	}
	if rec.State.IsPending() {
		return nil, NewConflictError("lock transition already in flight", nil).
			WithNode(node).WithCode(ErrCodeConflict)
	}

	from := rec.State
	if task.Kind == KindLock {
		if rec.State == LockLocked {
			return nil, NewConflictError("node is already locked", nil).
				WithNode(node).WithCode(ErrCodeConflict)
		}
		rec.State = LockPending
		rec.LockTask = task.ID.String()
	} else {
		// Unlocking an unlocked node is allowed: an operator may have
		// unlocked it by hand.
		rec.State = UnlockPending
		rec.UnlockTask = task.ID.String()
	}
	rec.UpdatedAt = m.now()
	m.records[node] = rec
	return &LockTransition{Node: node, From: from, To: rec.State}, nil
}

// Complete records the terminal result of a lock or unlock task and
// persists the committed state.
//
// Lock success locks the node and lock failure leaves it unlocked. Unlock
// success unlocks the node and unlock failure leaves it locked, which makes
// the next compiled plan start with a recovery unlock.
func (m *LockManager) Complete(ctx context.Context, task *Task, success bool) (*LockTransition, error) {
	if task.Kind != KindLock && task.Kind != KindUnlock {
		return nil, nil
	}
	node := task.ID.Node

	m.mu.Lock()
	rec, ok := m.records[node]
	if !ok {
		rec = NodeLock{Node: node, State: LockUnlocked}
	}
	from := rec.State
	switch {
	case task.Kind == KindLock && success:
		rec.State = LockLocked
	case task.Kind == KindLock:
		rec.State = LockUnlocked
	case success:
		rec.State = LockUnlocked
	default:
		rec.State = LockLocked
	}
	rec.UpdatedAt = m.now()
	m.records[node] = rec
	m.mu.Unlock()

	log := m.logger.Info()
	if !success {
		log = m.logger.Error()
	}
	log.Str("node", node).
		Str("task", task.ID.String()).
		Str("lock_state", string(rec.State)).
		Msg("Node lock state changed")

	if m.store != nil {
		if err := m.store.SaveNodeLock(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to persist lock state of node %s: %w", node, err)
		}
	}
	return &LockTransition{Node: node, From: from, To: rec.State}, nil
}
