package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/openfroyo/froyoplan/pkg/engine"
)

func testTask() *engine.Task {
	return &engine.Task{
		ID:    engine.TaskID{Node: "n1", CallType: "Config", CallID: "a"},
		Kind:  engine.KindConfig,
		Phase: 2,
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"production", func(c *Config) { *c = *ProductionConfig() }, false},
		{"development", func(c *Config) { *c = *DevelopmentConfig() }, false},
		{"missing name", func(c *Config) { c.ServiceName = "" }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, true},
		{"otlp without endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
			c.Tracing.Endpoint = ""
		}, true},
		{"sampling out of range", func(c *Config) { c.Tracing.SamplingRate = 1.5 }, true},
		{"metrics without address", func(c *Config) { c.Metrics.ListenAddress = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, LoggingConfig{Level: "info", Format: "json"})

	logger.NewComponentLogger("executor").
		WithPlanID("plan-1").
		WithTask(testTask().ID).
		Info("Task succeeded")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to decode log line %q: %v", buf.String(), err)
	}

	want := map[string]string{
		"component": "executor",
		"plan_id":   "plan-1",
		"task":      "n1/Config/a",
		"node":      "n1",
		"message":   "Task succeeded",
		"level":     "info",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("field %s = %v, want %s", k, entry[k], v)
		}
	}
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, LoggingConfig{Level: "warn", Format: "json"})

	logger.Info("hidden")
	zl := logger.Zerolog()
	zl.Debug().Msg("hidden too")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("expected info and debug to be filtered, got %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("expected warn line, got %q", out)
	}
}

func TestLoggerContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, LoggingConfig{Level: "info", Format: "json"})

	ctx := logger.WithContext(context.Background())
	if FromContext(ctx) != logger {
		t.Error("expected logger from context")
	}
	if FromContext(context.Background()) == nil {
		t.Error("expected default logger")
	}
}

type recordingSink struct {
	events []engine.Event
	err    error
}

func (s *recordingSink) Publish(_ context.Context, ev engine.Event) error {
	s.events = append(s.events, ev)
	return s.err
}

func TestEventBusSync(t *testing.T) {
	bus := NewEventBus(EventsConfig{Enabled: true}, nil)
	defer bus.Shutdown(context.Background())

	sink := &recordingSink{}
	bus.AddSink(sink)

	var all, lockOnly []engine.Event
	bus.Subscribe(func(ev engine.Event) { all = append(all, ev) }, nil)
	bus.Subscribe(func(ev engine.Event) { lockOnly = append(lockOnly, ev) },
		FilterByType(engine.EventNodeLockChanged))

	ctx := context.Background()
	if err := bus.Publish(ctx, engine.Event{Type: engine.EventPlanCreated, PlanID: "p1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(ctx, engine.Event{Type: engine.EventNodeLockChanged, PlanID: "p1", Node: "n1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(sink.events) != 2 || len(all) != 2 {
		t.Fatalf("expected 2 events delivered, got sink=%d subscriber=%d", len(sink.events), len(all))
	}
	if len(lockOnly) != 1 || lockOnly[0].Node != "n1" {
		t.Errorf("filtered subscriber got %+v", lockOnly)
	}
	for _, ev := range sink.events {
		if ev.ID == "" || ev.Timestamp.IsZero() {
			t.Errorf("expected id and timestamp to be set: %+v", ev)
		}
	}
}

func TestEventBusSinkError(t *testing.T) {
	bus := NewEventBus(EventsConfig{Enabled: true}, nil)
	bus.AddSink(&recordingSink{err: errors.New("disk full")})

	delivered := 0
	bus.Subscribe(func(engine.Event) { delivered++ }, nil)

	err := bus.Publish(context.Background(), engine.Event{Type: engine.EventPlanCreated})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected sink error, got %v", err)
	}
	if delivered != 1 {
		t.Errorf("subscribers must still receive the event, got %d", delivered)
	}
}

func TestEventBusGlobalFilterAndDisabled(t *testing.T) {
	bus := NewEventBus(EventsConfig{Enabled: true}, nil)
	bus.AddFilter(FilterByPlanID("keep"))
	sink := &recordingSink{}
	bus.AddSink(sink)

	ctx := context.Background()
	_ = bus.Publish(ctx, engine.Event{Type: engine.EventPlanCreated, PlanID: "drop"})
	_ = bus.Publish(ctx, engine.Event{Type: engine.EventPlanCreated, PlanID: "keep"})
	if len(sink.events) != 1 || sink.events[0].PlanID != "keep" {
		t.Errorf("unexpected events %+v", sink.events)
	}

	off := NewEventBus(EventsConfig{Enabled: false}, nil)
	offSink := &recordingSink{}
	off.AddSink(offSink)
	_ = off.Publish(ctx, engine.Event{Type: engine.EventPlanCreated})
	if len(offSink.events) != 0 {
		t.Error("disabled bus must not deliver")
	}
}

func TestEventBusAsyncDrainsOnShutdown(t *testing.T) {
	bus := NewEventBus(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 16}, nil)
	sink := &recordingSink{}
	bus.AddSink(sink)

	for i := 0; i < 5; i++ {
		if err := bus.Publish(context.Background(), engine.Event{Type: engine.EventTaskStateChanged}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bus.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if len(sink.events) != 5 {
		t.Errorf("expected 5 drained events, got %d", len(sink.events))
	}
}

func TestFilters(t *testing.T) {
	task := testTask().ID
	taskEvent := engine.Event{Type: engine.EventTaskStateChanged, Task: &task}
	rejected := engine.Event{Type: engine.EventPlanRejected}

	if !FilterByNode("n1")(taskEvent) {
		t.Error("node filter should match the task's node")
	}
	if FilterByNode("n2")(taskEvent) {
		t.Error("node filter should not match other nodes")
	}
	if FilterBySeverity("error")(taskEvent) {
		t.Error("task events are info")
	}
	if !FilterBySeverity("error")(rejected) {
		t.Error("rejections are errors")
	}
}

func TestInstrumentationMetrics(t *testing.T) {
	metrics, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	tel := &Telemetry{Metrics: metrics, Tracer: &Tracer{tracer: sdktrace.NewTracerProvider().Tracer("test")}}

	plan := &engine.Plan{ID: "p1", State: engine.PlanComplete, Phases: make([]*engine.Phase, 3)}
	tel.PlanCreated(plan, nil)
	tel.PlanCreated(nil, &engine.DoNothingPlanError{})
	tel.PlanCreated(nil, errors.New("cycle"))
	tel.PlanFinished(plan, time.Second)

	if got := testutil.ToFloat64(metrics.plansCreated.WithLabelValues("created")); got != 1 {
		t.Errorf("created = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.plansCreated.WithLabelValues("do_nothing")); got != 1 {
		t.Errorf("do_nothing = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.plansCreated.WithLabelValues("rejected")); got != 1 {
		t.Errorf("rejected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.planPhases); got != 3 {
		t.Errorf("plan_phases = %v, want 3", got)
	}
	if got := testutil.ToFloat64(metrics.plansFinished.WithLabelValues("Complete")); got != 1 {
		t.Errorf("finished = %v, want 1", got)
	}

	_, end := tel.StartTask(context.Background(), testTask())
	if got := testutil.ToFloat64(metrics.tasksInFlight); got != 1 {
		t.Errorf("in flight = %v, want 1", got)
	}
	end(engine.TaskFailed, nil)
	if got := testutil.ToFloat64(metrics.tasksInFlight); got != 0 {
		t.Errorf("in flight = %v, want 0", got)
	}
	if got := testutil.ToFloat64(metrics.tasksExecuted.WithLabelValues("config", "Failed")); got != 1 {
		t.Errorf("tasks failed = %v, want 1", got)
	}

	tel.NodeLockChanged("n1", engine.LockLocked)
	if got := testutil.ToFloat64(metrics.lockedNodes.WithLabelValues("n1")); got != 1 {
		t.Errorf("n1 locked = %v, want 1", got)
	}
	tel.NodeLockChanged("n1", engine.LockUnlocked)
	if got := testutil.ToFloat64(metrics.lockedNodes.WithLabelValues("n1")); got != 0 {
		t.Errorf("n1 locked = %v, want 0", got)
	}
}

func TestInstrumentationSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	metrics, _ := NewMetrics(MetricsConfig{Enabled: false})
	tel := &Telemetry{Metrics: metrics, Tracer: NewTracerWithProvider(provider, "test")}

	phase := &engine.Phase{Index: 2, Tasks: []*engine.Task{testTask()}}
	ctx, endPhase := tel.StartPhase(context.Background(), "p1", phase)
	_, endTask := tel.StartTask(ctx, phase.Tasks[0])
	endTask(engine.TaskSuccess, nil)
	endPhase(1)

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}

	taskSpan, phaseSpan := spans[0], spans[1]
	if taskSpan.Name != "task.config" {
		t.Errorf("task span name = %s", taskSpan.Name)
	}
	if taskSpan.Parent.SpanID() != phaseSpan.SpanContext.SpanID() {
		t.Error("task span should be a child of the phase span")
	}
	if taskSpan.Status.Code != codes.Ok {
		t.Errorf("task span status = %v", taskSpan.Status.Code)
	}
	if phaseSpan.Status.Code != codes.Error {
		t.Errorf("phase with failures should be an error span, got %v", phaseSpan.Status.Code)
	}
}

func TestMetricsDisabled(t *testing.T) {
	metrics, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	// No-ops must not panic.
	metrics.RecordPlanCreated("created", 1)
	metrics.TaskStarted()
	metrics.RecordTask("config", "Success", time.Second)
	metrics.RecordLockTransition("n1", "Locked", true)

	if metrics.Registry() != nil {
		t.Error("disabled metrics should have no registry")
	}
	if err := metrics.StartMetricsServer(NewLoggerWithWriter(&bytes.Buffer{}, LoggingConfig{}).Zerolog()); err != nil {
		t.Errorf("StartMetricsServer: %v", err)
	}
}
