// Package telemetry provides logging, tracing and metrics for converge runs.
//
// Logging uses zerolog. Logger wraps a zerolog.Logger with field helpers for
// run IDs and resources; the CLI installs it as the global logger so library
// packages can log through github.com/rs/zerolog/log.
//
// Tracing uses OpenTelemetry. Each run gets a "converge.run" span and each
// resource a child span named after its kind. The "stdout" exporter writes
// spans to stderr; "otlp" sends them to a gRPC collector.
//
// Metrics use the Prometheus client. The registry is written to a
// node_exporter textfile with WriteTextfile after each run:
//
//	converge_runs_total{status}
//	converge_run_duration_seconds{status}
//	converge_resources_total{kind,outcome}
//	converge_resource_duration_seconds{kind}
//	converge_errors_total{class}
//	converge_last_run_timestamp_seconds
//	converge_last_run_success
//
// Telemetry.Observer adapts all three to engine.Observer:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	runner := engine.NewRunner(provider, tel.Observer(h.Name()))
//	run, err := runner.Run(ctx, manifestPath, descriptors)
//	_ = tel.Metrics.WriteTextfile(metricsPath)
package telemetry
