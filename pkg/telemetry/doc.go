// Package telemetry provides observability for assembly runs.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus) and an in-process event publisher:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	log := tel.Logger.NewComponentLogger("sequencer").Zerolog()
//
// Metrics and Tracer methods accept nil receivers so components can be built
// without telemetry in tests.
//
// # Metrics
//
// Counters are exposed under the configured namespace (default "assembler"):
// runs_started_total, runs_completed_total{phase}, dispatches_total{handler,outcome},
// step_retries_total, human_escalations_total, verifications_total{criteria,outcome},
// policy_loads_total{result} and errors_by_class_total{class}.
//
// # Events
//
// EventPublisher implements engine.EventPublisher. Subscribers such as the
// SQLite store receive events in publication order.
package telemetry
