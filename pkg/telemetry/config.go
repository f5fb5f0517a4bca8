package telemetry

import (
	"fmt"
	"time"
)

// Config contains the telemetry configuration for converge. Fields tagged
// with env are read from CONVERGE_* variables by config.LoadSettings.
type Config struct {
	// ServiceName is the name of the service for telemetry identification.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// Environment names the deployment environment (dev, staging, prod).
	Environment string `env:"ENVIRONMENT"`

	// Logging contains logging configuration.
	Logging LoggingConfig `envPrefix:"LOG_"`

	// Tracing contains tracing configuration.
	Tracing TracingConfig `envPrefix:"TRACE_"`

	// Metrics contains metrics configuration.
	Metrics MetricsConfig `envPrefix:"METRICS_"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string `env:"LEVEL"`

	// Format specifies the log format (console, json).
	Format string `env:"FORMAT"`

	// Output specifies where logs are written (stdout, stderr, file path).
	Output string `env:"OUTPUT"`

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool `env:"CALLER"`

	// TimeFormat specifies the timestamp format (unix, rfc3339).
	TimeFormat string `env:"TIME_FORMAT"`
}

// TracingConfig configures tracing of runs and resources.
type TracingConfig struct {
	// Enabled controls whether tracing is active.
	Enabled bool `env:"ENABLED"`

	// Exporter specifies the trace exporter (otlp, stdout, none).
	Exporter string `env:"EXPORTER"`

	// Endpoint is the OTLP collector endpoint (e.g., "localhost:4317").
	Endpoint string `env:"ENDPOINT"`

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64 `env:"SAMPLING_RATE"`

	// ExportTimeout is the timeout for trace export.
	ExportTimeout time.Duration `env:"EXPORT_TIMEOUT"`

	// Headers are additional headers for the OTLP exporter.
	Headers map[string]string `env:"HEADERS"`

	// Insecure disables TLS for the exporter connection.
	Insecure bool `env:"INSECURE"`
}

// MetricsConfig configures run metrics.
type MetricsConfig struct {
	// Enabled controls whether metrics are collected and written.
	Enabled bool `env:"ENABLED"`

	// Namespace is the metrics namespace prefix.
	Namespace string `env:"NAMESPACE"`

	// TextfilePath is where metrics are written after each run, in the
	// node_exporter textfile format. Empty selects a file in the state
	// directory.
	TextfilePath string `env:"TEXTFILE"`

	// Buckets are the duration histogram buckets in seconds.
	Buckets []float64
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "converge",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Tracing: TracingConfig{
			Enabled:       false,
			Exporter:      "stdout",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
			Headers:       make(map[string]string),
			Insecure:      true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "converge",
			Buckets: []float64{
				0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300,
			},
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	validExporters := map[string]bool{
		"otlp": true, "stdout": true, "none": true,
	}
	if c.Tracing.Enabled && !validExporters[c.Tracing.Exporter] {
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return fmt.Errorf("trace endpoint is required for the otlp exporter")
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		return fmt.Errorf("metrics namespace is required when metrics are enabled")
	}

	return nil
}
