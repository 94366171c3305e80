// Package telemetry provides logging, tracing, metrics and event publishing
// for labctl.
//
// # Logging
//
// Logger wraps zerolog. Engine components take a plain zerolog.Logger, which
// Logger.Zerolog returns:
//
//	logger, _ := telemetry.NewLogger(cfg.Logging)
//	handler := engine.NewHandler(engine.Options{Logger: logger.Zerolog()})
//
// # Metrics
//
// Metrics registers its collectors on a private prometheus.Registry. It
// implements engine.Recorder and the store operation observer, so the same
// instance is handed to the engine and to the SQLite store. Exposed series:
//
//   - labctl_events_processed_total{event,result}
//   - labctl_workflow_runs_total{workflow,status}
//   - labctl_workflow_duration_seconds{workflow}
//   - labctl_steps_total{step,status}
//   - labctl_action_invocations_total{action,code}
//   - labctl_action_duration_seconds{action}
//   - labctl_retry_attempts_total{action}
//   - labctl_store_operation_duration_seconds{operation}
//   - labctl_dispatch_total{result}
//   - labctl_expired_swept_total
//
// # Tracing
//
// Tracer uses the OpenTelemetry SDK with an OTLP gRPC or stdout exporter.
// Tracing is off unless enabled in configuration.
//
// # Events
//
// EventPublisher implements engine.EventPublisher. Events are buffered and
// delivered to subscribers in batches; Shutdown delivers whatever is still
// buffered.
package telemetry
