package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/froyoplan/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens its own database.
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	if !isMemory(s.cfg.Path) {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// SavePlan replaces the current plan with plan, its tasks and their
// dependencies.
func (s *SQLiteStore) SavePlan(ctx context.Context, plan *engine.Plan) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"plan_task_deps", "plan_tasks", "plans"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO plans (id, state, digest, stop_requested, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)
	`, plan.ID, plan.State, plan.Digest, plan.CreatedAt.UTC(), plan.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create plan: %w", err)
	}

	taskStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO plan_tasks (
			plan_id, node, call_type, call_id, kind, phase, seq, description,
			item, cluster, group_id, state, digest, command, payload, message,
			started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare task insert: %w", err)
	}
	defer taskStmt.Close()

	depStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO plan_task_deps (
			plan_id, node, call_type, call_id, dep_node, dep_call_type, dep_call_id
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare dependency insert: %w", err)
	}
	defer depStmt.Close()

	for _, t := range plan.Tasks() {
		_, err := taskStmt.ExecContext(ctx,
			plan.ID, t.ID.Node, t.ID.CallType, t.ID.CallID, t.Kind, t.Phase, t.Seq, t.Description,
			t.Item, t.Cluster, t.Group, t.State, t.Digest, t.Command, t.Payload, t.Message,
			utcPtr(t.StartedAt), utcPtr(t.FinishedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to create task %s: %w", t.ID, err)
		}
		for _, dep := range t.Requires {
			_, err := depStmt.ExecContext(ctx,
				plan.ID, t.ID.Node, t.ID.CallType, t.ID.CallID, dep.Node, dep.CallType, dep.CallID,
			)
			if err != nil {
				return fmt.Errorf("failed to create dependency %s -> %s: %w", t.ID, dep, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit plan: %w", err)
	}
	return nil
}

// LoadPlan retrieves the current plan with task states and dependencies.
func (s *SQLiteStore) LoadPlan(ctx context.Context) (*engine.Plan, error) {
	plan := &engine.Plan{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, state, digest, created_at, updated_at
		FROM plans
		ORDER BY created_at DESC
		LIMIT 1
	`).Scan(&plan.ID, &plan.State, &plan.Digest, &plan.CreatedAt, &plan.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("plan not found: %w", engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	deps, err := s.loadDeps(ctx, plan.ID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT node, call_type, call_id, kind, phase, seq, description, item, cluster,
			   group_id, state, digest, command, payload, message, started_at, finished_at
		FROM plan_tasks
		WHERE plan_id = ?
		ORDER BY phase ASC, seq ASC
	`, plan.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list plan tasks: %w", err)
	}
	defer rows.Close()

	var current *engine.Phase
	for rows.Next() {
		t := &engine.Task{}
		err := rows.Scan(
			&t.ID.Node,
			&t.ID.CallType,
			&t.ID.CallID,
			&t.Kind,
			&t.Phase,
			&t.Seq,
			&t.Description,
			&t.Item,
			&t.Cluster,
			&t.Group,
			&t.State,
			&t.Digest,
			&t.Command,
			&t.Payload,
			&t.Message,
			&t.StartedAt,
			&t.FinishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan task: %w", err)
		}
		t.Requires = deps[t.ID]

		if current == nil || current.Index != t.Phase {
			current = &engine.Phase{Index: t.Phase, Cleanup: t.Kind == engine.KindCleanup}
			plan.Phases = append(plan.Phases, current)
		}
		current.Tasks = append(current.Tasks, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plan tasks: %w", err)
	}

	return plan, nil
}

func (s *SQLiteStore) loadDeps(ctx context.Context, planID string) (map[engine.TaskID][]engine.TaskID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.node, d.call_type, d.call_id, d.dep_node, d.dep_call_type, d.dep_call_id
		FROM plan_task_deps d
		JOIN plan_tasks t
		  ON t.plan_id = d.plan_id AND t.node = d.dep_node
		 AND t.call_type = d.dep_call_type AND t.call_id = d.dep_call_id
		WHERE d.plan_id = ?
		ORDER BY t.seq ASC
	`, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task dependencies: %w", err)
	}
	defer rows.Close()

	deps := make(map[engine.TaskID][]engine.TaskID)
	for rows.Next() {
		var id, dep engine.TaskID
		if err := rows.Scan(&id.Node, &id.CallType, &id.CallID, &dep.Node, &dep.CallType, &dep.CallID); err != nil {
			return nil, fmt.Errorf("failed to scan task dependency: %w", err)
		}
		deps[id] = append(deps[id], dep)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task dependencies: %w", err)
	}

	return deps, nil
}

// UpdatePlanState updates the state of a plan
func (s *SQLiteStore) UpdatePlanState(ctx context.Context, planID string, state engine.PlanState) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE plans SET state = ?, updated_at = ? WHERE id = ?
	`, state, time.Now().UTC(), planID)
	if err != nil {
		return fmt.Errorf("failed to update plan state: %w", err)
	}
	return expectRow(result, "plan", planID)
}

// UpdateTask updates the execution state of a plan task
func (s *SQLiteStore) UpdateTask(ctx context.Context, planID string, task *engine.Task) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE plan_tasks
		SET state = ?, message = ?, started_at = ?, finished_at = ?
		WHERE plan_id = ? AND node = ? AND call_type = ? AND call_id = ?
	`, task.State, task.Message, utcPtr(task.StartedAt), utcPtr(task.FinishedAt),
		planID, task.ID.Node, task.ID.CallType, task.ID.CallID)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", task.ID, err)
	}
	return expectRow(result, "task", task.ID.String())
}

// DeletePlan deletes a plan with its tasks
func (s *SQLiteStore) DeletePlan(ctx context.Context, planID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"plan_task_deps", "plan_tasks"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE plan_id = ?", planID); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM plans WHERE id = ?`, planID)
	if err != nil {
		return fmt.Errorf("failed to delete plan: %w", err)
	}
	if err := expectRow(result, "plan", planID); err != nil {
		return err
	}

	return tx.Commit()
}

// RequestStop flags the plan so the process running it stops after the
// current phase.
func (s *SQLiteStore) RequestStop(ctx context.Context, planID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE plans SET stop_requested = 1, updated_at = ? WHERE id = ?
	`, time.Now().UTC(), planID)
	if err != nil {
		return fmt.Errorf("failed to request stop: %w", err)
	}
	return expectRow(result, "plan", planID)
}

// StopRequested reports whether a stop was requested for the plan.
func (s *SQLiteStore) StopRequested(ctx context.Context, planID string) (bool, error) {
	var requested bool
	err := s.db.QueryRowContext(ctx, `SELECT stop_requested FROM plans WHERE id = ?`, planID).Scan(&requested)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("plan not found: %s: %w", planID, engine.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("failed to get stop request: %w", err)
	}
	return requested, nil
}

func expectRow(result sql.Result, what, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s not found: %s: %w", what, id, engine.ErrNotFound)
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
