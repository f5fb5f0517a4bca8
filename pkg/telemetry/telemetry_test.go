package telemetry

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/openfroyo/converge/pkg/engine"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "default", modify: func(*Config) {}},
		{name: "empty service name", modify: func(c *Config) { c.ServiceName = "" }, wantErr: "service name"},
		{name: "bad level", modify: func(c *Config) { c.Logging.Level = "verbose" }, wantErr: "invalid log level"},
		{name: "bad format", modify: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "invalid log format"},
		{
			name: "bad exporter",
			modify: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "jaeger"
			},
			wantErr: "invalid trace exporter",
		},
		{
			name: "otlp without endpoint",
			modify: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp"
			},
			wantErr: "trace endpoint",
		},
		{name: "sampling rate", modify: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: "sampling rate"},
		{name: "metrics namespace", modify: func(c *Config) { c.Metrics.Namespace = "" }, wantErr: "namespace"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "warn", Format: "json"})

	logger.Info("hidden")
	logger.NewComponentLogger("runner").WithRunID("run-1").Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("expected info message to be filtered, got %s", out)
	}
	for _, want := range []string{`"component":"runner"`, `"run_id":"run-1"`, `"message":"shown"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in output, got %s", want, out)
		}
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "info", Format: "json"})

	ctx := logger.WithContext(context.Background())
	FromContext(ctx).Info("from context")
	if !strings.Contains(buf.String(), "from context") {
		t.Errorf("expected message from context logger, got %s", buf.String())
	}

	// A missing logger must be safe to use.
	FromContext(context.Background()).Info("dropped")
}

func TestMetrics(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	pkg := engine.MustDescriptor(engine.KindPackage, "nginx", "", nil)
	svc := engine.MustDescriptor(engine.KindService, "nginx", "", nil)

	m.RecordResource(&engine.ExecutionResult{Descriptor: pkg, Outcome: engine.OutcomeApplied, Duration: time.Second})
	m.RecordResource(&engine.ExecutionResult{
		Descriptor: svc,
		Outcome:    engine.OutcomeFailed,
		Error:      engine.NewOSFailure("start service", errors.New("exit status 1")),
	})

	completed := time.Unix(1700000000, 0)
	m.RecordRun(&engine.Run{
		Status:      engine.RunStatusFailed,
		StartedAt:   completed.Add(-2 * time.Second),
		CompletedAt: &completed,
	})

	if got := testutil.ToFloat64(m.resourcesTotal.WithLabelValues("package", "applied")); got != 1 {
		t.Errorf("expected 1 applied package, got %v", got)
	}
	if got := testutil.ToFloat64(m.errorsByClass.WithLabelValues("os_failure")); got != 1 {
		t.Errorf("expected 1 os_failure, got %v", got)
	}
	if got := testutil.ToFloat64(m.runsTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("expected 1 failed run, got %v", got)
	}
	if got := testutil.ToFloat64(m.lastRunSuccess); got != 0 {
		t.Errorf("expected last_run_success 0, got %v", got)
	}
	if got := testutil.ToFloat64(m.lastRunTimestamp); got != 1700000000 {
		t.Errorf("expected last run timestamp 1700000000, got %v", got)
	}

	path := filepath.Join(t.TempDir(), "metrics", "converge.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read textfile: %v", err)
	}
	for _, want := range []string{
		`converge_resources_total{kind="package",outcome="applied"} 1`,
		`converge_runs_total{status="failed"} 1`,
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("expected %s in textfile, got:\n%s", want, data)
		}
	}
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	if m.Enabled() {
		t.Error("expected metrics to be disabled")
	}

	m.RecordResource(&engine.ExecutionResult{})
	m.RecordRun(&engine.Run{})

	path := filepath.Join(t.TempDir(), "converge.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected no textfile when metrics are disabled")
	}
}

// provider converges packages and fails on services.
type provider struct{}

func (provider) Probe(_ context.Context, d engine.ResourceDescriptor) (bool, error) {
	return d.Kind() == engine.KindGroup, nil
}

func (provider) Apply(_ context.Context, d engine.ResourceDescriptor) error {
	if d.Kind() == engine.KindService {
		return engine.NewOSFailure("start service", errors.New("unit not found"))
	}
	return nil
}

func TestObserver(t *testing.T) {
	var logs, spans bytes.Buffer

	cfg := DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"

	tracer, err := newTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment, &spans)
	if err != nil {
		t.Fatalf("newTracer failed: %v", err)
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	tel := &Telemetry{
		Logger:  NewLoggerTo(&logs, LoggingConfig{Level: "debug", Format: "json"}),
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}

	descriptors := []engine.ResourceDescriptor{
		engine.MustDescriptor(engine.KindGroup, "web", "", nil),
		engine.MustDescriptor(engine.KindPackage, "nginx", "", nil),
		engine.MustDescriptor(engine.KindService, "nginx", "", nil),
		engine.MustDescriptor(engine.KindCommand, "never", "", nil),
	}

	runner := engine.NewRunner(provider{}, tel.Observer("local"))
	run, err := runner.Run(context.Background(), "web.yaml", descriptors)
	if err == nil {
		t.Fatal("expected run to fail")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if run.Status != engine.RunStatusFailed {
		t.Errorf("expected status failed, got %s", run.Status)
	}

	out := logs.String()
	for _, want := range []string{
		`"message":"run started"`,
		`"outcome":"already_converged"`,
		`"outcome":"applied"`,
		`"error_kind":"os_failure"`,
		`"not_reached":1`,
		`"host":"local"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in logs, got:\n%s", want, out)
		}
	}

	if got := testutil.ToFloat64(metrics.resourcesTotal.WithLabelValues("group", "already_converged")); got != 1 {
		t.Errorf("expected 1 converged group, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.resourcesTotal.WithLabelValues("command", "applied")); got != 0 {
		t.Errorf("expected unreached command not to be counted, got %v", got)
	}

	exported := spans.String()
	for _, want := range []string{"converge.run", "converge.package", "converge.service"} {
		if !strings.Contains(exported, want) {
			t.Errorf("expected span %s to be exported", want)
		}
	}
	if strings.Contains(exported, "converge.command") {
		t.Error("expected no span for the unreached command")
	}
}
