package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/openfroyo/froyoplan/pkg/engine"
)

// Telemetry bundles logging, tracing, metrics and the event bus. It
// implements engine.Instrumentation.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventBus
	Config  *Config
}

var _ engine.Instrumentation = (*Telemetry)(nil)

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  NewEventBus(cfg.Events, logger.NewComponentLogger("events")),
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context,
// or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown stops the event bus, the tracer and the metrics server.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		return err
	}
	return t.Metrics.StopMetricsServer(ctx)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer(t.Logger.NewComponentLogger("metrics").Zerolog())
}

// PlanCreated implements engine.Instrumentation.
func (t *Telemetry) PlanCreated(plan *engine.Plan, err error) {
	var doNothing *engine.DoNothingPlanError
	switch {
	case err == nil && plan != nil:
		t.Metrics.RecordPlanCreated("created", len(plan.Phases))
	case errors.As(err, &doNothing):
		t.Metrics.RecordPlanCreated("do_nothing", 0)
	default:
		t.Metrics.RecordPlanCreated("rejected", 0)
	}
}

// PlanFinished implements engine.Instrumentation.
func (t *Telemetry) PlanFinished(plan *engine.Plan, d time.Duration) {
	t.Metrics.RecordPlanFinished(string(plan.State), d)
}

// StartPhase implements engine.Instrumentation.
func (t *Telemetry) StartPhase(ctx context.Context, planID string, phase *engine.Phase) (context.Context, func(failed int)) {
	ctx, span := t.Tracer.StartPhaseSpan(ctx, planID, phase)
	timer := NewTimer()

	return ctx, func(failed int) {
		span.SetAttributes(AttrPhaseFailed.Int(failed))
		if failed > 0 {
			span.SetStatus(codes.Error, "phase failed")
		} else {
			RecordSuccess(span)
		}
		span.End()
		t.Metrics.RecordPhase(failed > 0, timer.Duration())
	}
}

// StartTask implements engine.Instrumentation.
func (t *Telemetry) StartTask(ctx context.Context, task *engine.Task) (context.Context, func(state engine.TaskState, err error)) {
	ctx, span := t.Tracer.StartTaskSpan(ctx, task)
	timer := NewTimer()
	t.Metrics.TaskStarted()

	return ctx, func(state engine.TaskState, err error) {
		span.SetAttributes(AttrTaskState.String(string(state)))
		switch {
		case err != nil:
			RecordError(span, err)
		case state != engine.TaskSuccess:
			span.SetStatus(codes.Error, string(state))
		default:
			RecordSuccess(span)
		}
		span.End()
		t.Metrics.RecordTask(string(task.Kind), string(state), timer.Duration())
	}
}

// NodeLockChanged implements engine.Instrumentation.
func (t *Telemetry) NodeLockChanged(node string, state engine.LockState) {
	locked := state == engine.LockLocked || state == engine.UnlockPending
	t.Metrics.RecordLockTransition(node, string(state), locked)
}
