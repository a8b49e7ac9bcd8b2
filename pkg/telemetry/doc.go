// Package telemetry provides observability for the plan service.
//
// It bundles four concerns behind a single Telemetry value:
//
//  1. Structured logging with zerolog (Logger)
//  2. OpenTelemetry tracing of phases and task dispatches (Tracer)
//  3. Prometheus metrics for plans, phases, tasks and node locks (Metrics)
//  4. A fan-out bus for the engine's typed event stream (EventBus)
//
// Telemetry implements engine.Instrumentation and its EventBus implements
// engine.EventPublisher, so both plug straight into engine.ServiceOptions:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	tel.Events.AddSink(store) // persist the audit trail
//	svc, err := engine.NewService(runner, engine.ServiceOptions{
//	    Store:           store,
//	    Publisher:       tel.Events,
//	    Instrumentation: tel,
//	    Logger:          tel.Logger.NewComponentLogger("engine").Zerolog(),
//	})
//
// # Logging
//
// Child loggers carry plan and task identity as structured fields:
//
//	log := tel.Logger.NewComponentLogger("runner").WithPlanID(plan.ID).WithTask(task.ID)
//	log.Info("Task dispatched")
//
// # Metrics
//
// All metrics live in a private registry under the configured namespace
// (default "froyo"):
//
//   - plans_created_total{result}
//   - plans_finished_total{state}, plan_duration_seconds{state}
//   - phases_executed_total{result}, phase_duration_seconds
//   - tasks_executed_total{kind,state}, task_duration_seconds{kind}, tasks_in_flight
//   - node_lock_transitions_total{state}, node_locked{node}
//
// The HTTP endpoint is served only while run-plan is active.
//
// # Events
//
// Sinks see every event before subscribers. In synchronous mode (the
// default) a sink error is returned to the publisher, which the engine logs
// without failing the run.
package telemetry
