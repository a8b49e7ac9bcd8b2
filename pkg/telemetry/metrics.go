package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for plan execution.
type Metrics struct {
	config MetricsConfig

	// Plan metrics
	plansCreated  *prometheus.CounterVec
	plansFinished *prometheus.CounterVec
	planDuration  *prometheus.HistogramVec
	planPhases    prometheus.Gauge

	// Phase metrics
	phasesExecuted *prometheus.CounterVec
	phaseDuration  prometheus.Histogram

	// Task metrics
	tasksExecuted *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	tasksInFlight prometheus.Gauge

	// Lock metrics
	lockTransitions *prometheus.CounterVec
	lockedNodes     *prometheus.GaugeVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		plansCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_created_total",
				Help:      "Total number of create_plan attempts by result",
			},
			[]string{"result"},
		),
		plansFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_finished_total",
				Help:      "Total number of plan runs by terminal state",
			},
			[]string{"state"},
		),
		planDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plan_duration_seconds",
				Help:      "Duration of plan runs in seconds",
				Buckets:   buckets,
			},
			[]string{"state"},
		),
		planPhases: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "plan_phases",
				Help:      "Number of phases of the most recently created plan",
			},
		),

		phasesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phases_executed_total",
				Help:      "Total number of phases settled by result",
			},
			[]string{"result"},
		),
		phaseDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of phases in seconds",
				Buckets:   buckets,
			},
		),

		tasksExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_executed_total",
				Help:      "Total number of tasks executed by kind and terminal state",
			},
			[]string{"kind", "state"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of task execution in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		tasksInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_in_flight",
				Help:      "Current number of dispatched tasks",
			},
		),

		lockTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_lock_transitions_total",
				Help:      "Total number of committed node lock transitions",
			},
			[]string{"state"},
		),
		lockedNodes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "node_locked",
				Help:      "Whether a node is locked (1=locked, 0=unlocked)",
			},
			[]string{"node"},
		),
	}

	registry.MustRegister(
		m.plansCreated,
		m.plansFinished,
		m.planDuration,
		m.planPhases,
		m.phasesExecuted,
		m.phaseDuration,
		m.tasksExecuted,
		m.taskDuration,
		m.tasksInFlight,
		m.lockTransitions,
		m.lockedNodes,
	)

	return m, nil
}

// Plan Metrics

// RecordPlanCreated counts a create_plan attempt. result is one of
// "created", "do_nothing" or "rejected".
func (m *Metrics) RecordPlanCreated(result string, phases int) {
	if m.plansCreated == nil {
		return
	}
	m.plansCreated.WithLabelValues(result).Inc()
	if result == "created" {
		m.planPhases.Set(float64(phases))
	}
}

// RecordPlanFinished records a plan run reaching a terminal state.
func (m *Metrics) RecordPlanFinished(state string, duration time.Duration) {
	if m.plansFinished == nil {
		return
	}
	m.plansFinished.WithLabelValues(state).Inc()
	m.planDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// Phase Metrics

// RecordPhase records a settled phase.
func (m *Metrics) RecordPhase(failed bool, duration time.Duration) {
	if m.phasesExecuted == nil {
		return
	}
	result := "success"
	if failed {
		result = "failed"
	}
	m.phasesExecuted.WithLabelValues(result).Inc()
	m.phaseDuration.Observe(duration.Seconds())
}

// Task Metrics

// TaskStarted increments the in-flight gauge.
func (m *Metrics) TaskStarted() {
	if m.tasksInFlight == nil {
		return
	}
	m.tasksInFlight.Inc()
}

// RecordTask records a task reaching a terminal state.
func (m *Metrics) RecordTask(kind, state string, duration time.Duration) {
	if m.tasksExecuted == nil {
		return
	}
	m.tasksInFlight.Dec()
	m.tasksExecuted.WithLabelValues(kind, state).Inc()
	m.taskDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// Lock Metrics

// RecordLockTransition records a committed lock transition of a node.
func (m *Metrics) RecordLockTransition(node, state string, locked bool) {
	if m.lockTransitions == nil {
		return
	}
	m.lockTransitions.WithLabelValues(state).Inc()
	value := 0.0
	if locked {
		value = 1.0
	}
	m.lockedNodes.WithLabelValues(node).Set(value)
}

// Registry returns the metrics registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. Serve errors
// are logged, not returned.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	server := m.server
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", server.Addr).Msg("metrics server error")
		}
	}()

	return nil
}

// StopMetricsServer shuts the metrics server down if it was started.
func (m *Metrics) StopMetricsServer(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
