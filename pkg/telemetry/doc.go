// Package telemetry provides observability instrumentation for factsync.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an in-process event publisher
// behind a single Telemetry value:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig(), os.Stderr)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// # Logging
//
// Loggers carry component, process-instance and handle fields:
//
//	logger := tel.Logger.NewComponentLogger("lifecycle").WithInstance(42)
//	logger.WithError(err).Error("Insert failed")
//
// WithError adds the store error class (transient, conflict, permanent) when
// the error carries one.
//
// # Tracing
//
// Every lifecycle event runs in a "lifecycle.<event>" span and every store
// call in a "store.<op>" span; fallback scans run in "cache.scan". Tracing
// is off by default; the stdout and OTLP gRPC exporters are available.
//
// # Metrics
//
// Metrics live in a private registry exposed by Metrics.Handler:
//
//	factsync_cache_hits_total
//	factsync_cache_misses_total
//	factsync_cache_entries
//	factsync_store_scans_total{outcome}
//	factsync_scan_anomalies_total
//	factsync_store_operations_total{operation,status}
//	factsync_store_operation_duration_seconds{operation}
//	factsync_lifecycle_events_total{event,outcome}
//	factsync_policy_denials_total{policy}
//	factsync_errors_by_class_total{class}
//
// Every Record method is safe on a nil or disabled Metrics.
//
// # Events
//
// EventPublisher delivers fact.inserted, fact.updated, fact.retracted,
// cache.warmed, sync.anomaly and policy.denied events to subscribers in
// publish order, inline or from a buffered goroutine.
package telemetry
