// Package telemetry provides observability instrumentation for ladpipe.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), and Prometheus metrics into a unified system.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with context propagation:
//
//	logger := tel.Logger.NewComponentLogger("fetcher")
//	logger = logger.WithRunID("run-123").WithJob("api-prod")
//	logger.Info("Starting retrieval")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Tracing
//
// Spans cover runs, retrieval jobs, provisioning stages, and individual
// AWS API calls:
//
//	ctx, span := tel.Tracer.StartJobSpan(ctx, runID, job, logGroup)
//	defer span.End()
//
// Supported exporters: OTLP (production), stdout (development), none.
//
// # Metrics
//
// Key metrics exposed at /metrics (default :9090):
//
//   - ladpipe_remote_calls_total{service,operation,outcome}
//   - ladpipe_retries_total{operation}
//   - ladpipe_pages_fetched_total
//   - ladpipe_events_fetched_total
//   - ladpipe_jobs_total{status}
//   - ladpipe_job_duration_seconds{status}
//   - ladpipe_provision_stage_duration_seconds{stage}
//   - ladpipe_runs_started_total{kind}
//   - ladpipe_runs_completed_total{kind,status}
//
// # Configuration
//
// Pre-configured setups exist for common environments:
//
//	cfg := telemetry.DevelopmentConfig() // console logs, stdout traces
//	cfg := telemetry.ProductionConfig()  // JSON logs, OTLP traces, 10% sampling
package telemetry
