package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openfroyo/froyoplan/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { store.Close() })
	return store
}

// testPlan builds a two-phase plan with a dependency.
func testPlan(id string) *engine.Plan {
	now := time.Now().Truncate(time.Second)
	lock := engine.TaskID{Node: "n1", CallType: engine.CallTypeLockUnlock, CallID: "lock"}
	pkg := engine.TaskID{Node: "n1", CallType: "package", CallID: "httpd"}
	return &engine.Plan{
		ID:        id,
		State:     engine.PlanInitial,
		Digest:    "abc123",
		CreatedAt: now,
		UpdatedAt: now,
		Phases: []*engine.Phase{
			{Index: 1, Tasks: []*engine.Task{
				{ID: lock, Kind: engine.KindLock, Description: "Lock node n1", State: engine.TaskInitial, Phase: 1, Seq: 0},
			}},
			{Index: 2, Tasks: []*engine.Task{
				{ID: pkg, Kind: engine.KindConfig, Description: "install httpd", State: engine.TaskInitial,
					Phase: 2, Seq: 1, Digest: "d1", Command: "dnf install -y httpd", Requires: []engine.TaskID{lock}},
			}},
			{Index: 3, Cleanup: true, Tasks: []*engine.Task{
				{ID: engine.TaskID{Node: "ms", CallType: engine.CallTypeCleanup, CallID: "/old"},
					Kind: engine.KindCleanup, Item: "/old", State: engine.TaskInitial, Phase: 3, Seq: 2},
			}},
		},
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"plans", "plan_tasks", "plan_task_deps", "task_outcomes", "node_locks", "plan_events"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Migrating twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
}

func TestPlanRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.LoadPlan(ctx); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty store, got %v", err)
	}

	plan := testPlan("plan-001")
	if err := store.SavePlan(ctx, plan); err != nil {
		t.Fatalf("failed to save plan: %v", err)
	}

	loaded, err := store.LoadPlan(ctx)
	if err != nil {
		t.Fatalf("failed to load plan: %v", err)
	}

	if loaded.ID != plan.ID || loaded.Digest != plan.Digest || loaded.State != engine.PlanInitial {
		t.Errorf("plan header mismatch: %+v", loaded)
	}
	if len(loaded.Phases) != 3 {
		t.Fatalf("expected 3 phases, got %d", len(loaded.Phases))
	}
	if !loaded.Phases[2].Cleanup {
		t.Error("expected last phase to be the cleanup phase")
	}

	pkg, ok := loaded.Task(engine.TaskID{Node: "n1", CallType: "package", CallID: "httpd"})
	if !ok {
		t.Fatal("config task missing from loaded plan")
	}
	if pkg.Command != "dnf install -y httpd" || pkg.Digest != "d1" || pkg.Phase != 2 {
		t.Errorf("task fields not preserved: %+v", pkg)
	}
	if len(pkg.Requires) != 1 || pkg.Requires[0].CallID != "lock" {
		t.Errorf("expected dependency on lock task, got %v", pkg.Requires)
	}
	if pkg.StartedAt != nil {
		t.Errorf("expected nil started_at, got %v", pkg.StartedAt)
	}
}

func TestSavePlanReplacesPrevious(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.SavePlan(ctx, testPlan("plan-001")); err != nil {
		t.Fatalf("failed to save plan: %v", err)
	}
	if err := store.RequestStop(ctx, "plan-001"); err != nil {
		t.Fatalf("failed to request stop: %v", err)
	}
	if err := store.SavePlan(ctx, testPlan("plan-002")); err != nil {
		t.Fatalf("failed to save second plan: %v", err)
	}

	loaded, err := store.LoadPlan(ctx)
	if err != nil {
		t.Fatalf("failed to load plan: %v", err)
	}
	if loaded.ID != "plan-002" {
		t.Errorf("expected plan-002, got %s", loaded.ID)
	}

	var count int
	if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM plan_tasks").Scan(&count); err != nil {
		t.Fatalf("failed to count tasks: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 tasks after replace, got %d", count)
	}

	requested, err := store.StopRequested(ctx, "plan-002")
	if err != nil {
		t.Fatalf("failed to read stop request: %v", err)
	}
	if requested {
		t.Error("a new plan starts without a stop request")
	}
}

func TestUpdatePlanAndTaskState(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	plan := testPlan("plan-001")
	if err := store.SavePlan(ctx, plan); err != nil {
		t.Fatalf("failed to save plan: %v", err)
	}

	if err := store.UpdatePlanState(ctx, plan.ID, engine.PlanRunning); err != nil {
		t.Fatalf("failed to update plan state: %v", err)
	}

	started := time.Now()
	finished := started.Add(time.Second)
	task := *plan.Phases[1].Tasks[0]
	task.State = engine.TaskFailed
	task.Message = "exit status 1"
	task.StartedAt = &started
	task.FinishedAt = &finished
	if err := store.UpdateTask(ctx, plan.ID, &task); err != nil {
		t.Fatalf("failed to update task: %v", err)
	}

	loaded, err := store.LoadPlan(ctx)
	if err != nil {
		t.Fatalf("failed to load plan: %v", err)
	}
	if loaded.State != engine.PlanRunning {
		t.Errorf("expected Running, got %s", loaded.State)
	}
	got, _ := loaded.Task(task.ID)
	if got.State != engine.TaskFailed || got.Message != "exit status 1" {
		t.Errorf("task state not updated: %+v", got)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
		t.Errorf("expected finished_at %v, got %v", finished, got.FinishedAt)
	}

	if err := store.UpdatePlanState(ctx, "missing", engine.PlanRunning); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStopRequestAndDelete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.SavePlan(ctx, testPlan("plan-001")); err != nil {
		t.Fatalf("failed to save plan: %v", err)
	}
	if err := store.RequestStop(ctx, "plan-001"); err != nil {
		t.Fatalf("failed to request stop: %v", err)
	}
	requested, err := store.StopRequested(ctx, "plan-001")
	if err != nil {
		t.Fatalf("failed to read stop request: %v", err)
	}
	if !requested {
		t.Error("expected stop to be requested")
	}

	if err := store.DeletePlan(ctx, "plan-001"); err != nil {
		t.Fatalf("failed to delete plan: %v", err)
	}
	if _, err := store.LoadPlan(ctx); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.DeletePlan(ctx, "plan-001"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestOutcomeLedger(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id := engine.TaskID{Node: "n1", CallType: "package", CallID: "httpd"}
	if err := store.RecordOutcome(ctx, engine.TaskOutcome{ID: id, State: engine.TaskFailed, Digest: "d1", UpdatedAt: time.Now()}); err != nil {
		t.Fatalf("failed to record outcome: %v", err)
	}
	if err := store.RecordOutcome(ctx, engine.TaskOutcome{ID: id, State: engine.TaskSuccess, Digest: "d2", UpdatedAt: time.Now()}); err != nil {
		t.Fatalf("failed to overwrite outcome: %v", err)
	}

	outcomes, err := store.LoadOutcomes(ctx)
	if err != nil {
		t.Fatalf("failed to load outcomes: %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("expected 1 outcome, got %d", len(outcomes))
	}
	if o := outcomes[id]; o.State != engine.TaskSuccess || o.Digest != "d2" {
		t.Errorf("expected latest outcome, got %+v", o)
	}
}

func TestNodeLocks(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.SaveNodeLock(ctx, engine.NodeLock{Node: "n1", State: engine.LockLocked, LockTask: "n1/lock_unlock/lock"}); err != nil {
		t.Fatalf("failed to save lock: %v", err)
	}
	if err := store.SaveNodeLock(ctx, engine.NodeLock{Node: "n2", State: engine.LockUnlocked}); err != nil {
		t.Fatalf("failed to save lock: %v", err)
	}
	if err := store.SaveNodeLock(ctx, engine.NodeLock{Node: "n3", State: engine.LockPending}); err == nil {
		t.Error("expected pending lock states to be rejected")
	}

	locks, err := store.LoadNodeLocks(ctx)
	if err != nil {
		t.Fatalf("failed to load locks: %v", err)
	}
	if len(locks) != 2 {
		t.Fatalf("expected 2 locks, got %d", len(locks))
	}
	if !locks["n1"].IsLocked() || locks["n2"].IsLocked() {
		t.Errorf("unexpected lock states: %+v", locks)
	}
	if locks["n1"].LockTask != "n1/lock_unlock/lock" {
		t.Errorf("lock task not preserved: %q", locks["n1"].LockTask)
	}
}

func TestEventAuditTrail(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	task := engine.TaskID{Node: "n1", CallType: "package", CallID: "httpd"}
	events := []engine.Event{
		{ID: "e1", Type: engine.EventPlanCreated, PlanID: "p1", Timestamp: time.Now()},
		{ID: "e2", Type: engine.EventTaskStateChanged, PlanID: "p1", Task: &task, From: "Initial", To: "Running"},
		{ID: "e3", Type: engine.EventPlanCreated, PlanID: "p2"},
	}
	for _, ev := range events {
		if err := store.Publish(ctx, ev); err != nil {
			t.Fatalf("failed to publish event: %v", err)
		}
	}

	records, err := store.ListEvents(ctx, "p1", 10)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 events for p1, got %d", len(records))
	}
	if records[0].EventID != "e1" || records[1].EventID != "e2" {
		t.Errorf("events out of order: %s, %s", records[0].EventID, records[1].EventID)
	}
	if records[1].Event.Task == nil || *records[1].Event.Task != task {
		t.Errorf("task identity not preserved: %+v", records[1].Event)
	}

	all, err := store.ListEvents(ctx, "", 2)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(all) != 2 || all[1].EventID != "e3" {
		t.Errorf("expected the 2 most recent events, got %d", len(all))
	}
}
