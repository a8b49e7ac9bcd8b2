package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/froyoplan/pkg/engine"
)

// RecordOutcome inserts or updates the ledger entry of a task
func (s *SQLiteStore) RecordOutcome(ctx context.Context, outcome engine.TaskOutcome) error {
	query := `
		INSERT INTO task_outcomes (node, call_type, call_id, state, digest, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(node, call_type, call_id) DO UPDATE SET
			state = excluded.state,
			digest = excluded.digest,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		outcome.ID.Node,
		outcome.ID.CallType,
		outcome.ID.CallID,
		outcome.State,
		outcome.Digest,
		outcome.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record outcome of %s: %w", outcome.ID, err)
	}

	return nil
}

// LoadOutcomes returns the whole task outcome ledger
func (s *SQLiteStore) LoadOutcomes(ctx context.Context) (map[engine.TaskID]engine.TaskOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node, call_type, call_id, state, digest, updated_at
		FROM task_outcomes
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list task outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := make(map[engine.TaskID]engine.TaskOutcome)
	for rows.Next() {
		var o engine.TaskOutcome
		err := rows.Scan(
			&o.ID.Node,
			&o.ID.CallType,
			&o.ID.CallID,
			&o.State,
			&o.Digest,
			&o.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task outcome: %w", err)
		}
		outcomes[o.ID] = o
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task outcomes: %w", err)
	}

	return outcomes, nil
}

// SaveNodeLock inserts or updates the committed lock record of a node
func (s *SQLiteStore) SaveNodeLock(ctx context.Context, lock engine.NodeLock) error {
	if lock.State.IsPending() {
		return fmt.Errorf("refusing to persist pending lock state %s of node %s", lock.State, lock.Node)
	}

	query := `
		INSERT INTO node_locks (node, state, lock_task, unlock_task, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(node) DO UPDATE SET
			state = excluded.state,
			lock_task = excluded.lock_task,
			unlock_task = excluded.unlock_task,
			updated_at = excluded.updated_at
	`

	updated := lock.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		lock.Node,
		lock.State,
		lock.LockTask,
		lock.UnlockTask,
		updated.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save lock of node %s: %w", lock.Node, err)
	}

	return nil
}

// LoadNodeLocks returns every persisted node lock record keyed by node
func (s *SQLiteStore) LoadNodeLocks(ctx context.Context) (map[string]engine.NodeLock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node, state, lock_task, unlock_task, updated_at
		FROM node_locks
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list node locks: %w", err)
	}
	defer rows.Close()

	locks := make(map[string]engine.NodeLock)
	for rows.Next() {
		var l engine.NodeLock
		if err := rows.Scan(&l.Node, &l.State, &l.LockTask, &l.UnlockTask, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan node lock: %w", err)
		}
		locks[l.Node] = l
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node locks: %w", err)
	}

	return locks, nil
}

// AppendEvent appends an event to the audit trail
func (s *SQLiteStore) AppendEvent(ctx context.Context, event engine.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	created := event.Timestamp
	if created.IsZero() {
		created = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plan_events (event_id, plan_id, type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, event.ID, event.PlanID, event.Type, string(payload), created.UTC())
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// Publish makes the store an engine.EventPublisher sink.
func (s *SQLiteStore) Publish(ctx context.Context, event engine.Event) error {
	return s.AppendEvent(ctx, event)
}

// ListEvents lists the most recent events, oldest first. An empty planID
// lists events of every plan.
func (s *SQLiteStore) ListEvents(ctx context.Context, planID string, limit int) ([]*EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, plan_id, type, payload, created_at FROM (
			SELECT id, event_id, plan_id, type, payload, created_at
			FROM plan_events
			WHERE (? = '' OR plan_id = ?)
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC
	`, planID, planID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	records := []*EventRecord{}
	for rows.Next() {
		rec := &EventRecord{}
		var payload string
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.PlanID, &rec.Type, &payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &rec.Event); err != nil {
			return nil, fmt.Errorf("failed to decode event %d: %w", rec.ID, err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return records, nil
}
