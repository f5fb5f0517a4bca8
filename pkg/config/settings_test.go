package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadSettings(t *testing.T) {
	dir := t.TempDir()

	s, err := LoadSettings(map[string]string{
		"CONVERGE_STATE_DIR":           dir,
		"CONVERGE_POLICY_DIR":          "/etc/converge/policies",
		"CONVERGE_STARLARK_TIMEOUT":    "5s",
		"CONVERGE_LOG_LEVEL":           "debug",
		"CONVERGE_LOG_FORMAT":          "json",
		"CONVERGE_TRACE_ENABLED":       "true",
		"CONVERGE_TRACE_EXPORTER":      "otlp",
		"CONVERGE_TRACE_ENDPOINT":      "collector:4317",
		"CONVERGE_TRACE_SAMPLING_RATE": "0.5",
		"CONVERGE_METRICS_TEXTFILE":    "/var/lib/node_exporter/converge.prom",
		"UNRELATED":                    "ignored",
	})
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}

	if s.StateDir != dir {
		t.Errorf("expected state dir %s, got %s", dir, s.StateDir)
	}
	if s.PolicyDir != "/etc/converge/policies" {
		t.Errorf("expected policy dir, got %s", s.PolicyDir)
	}
	if s.StarlarkTimeout != 5*time.Second {
		t.Errorf("expected starlark timeout 5s, got %v", s.StarlarkTimeout)
	}
	if s.Telemetry.Logging.Level != "debug" || s.Telemetry.Logging.Format != "json" {
		t.Errorf("unexpected logging config: %+v", s.Telemetry.Logging)
	}
	if !s.Telemetry.Tracing.Enabled || s.Telemetry.Tracing.Endpoint != "collector:4317" {
		t.Errorf("unexpected tracing config: %+v", s.Telemetry.Tracing)
	}
	if s.Telemetry.Tracing.SamplingRate != 0.5 {
		t.Errorf("expected sampling rate 0.5, got %v", s.Telemetry.Tracing.SamplingRate)
	}
	if s.MetricsPath() != "/var/lib/node_exporter/converge.prom" {
		t.Errorf("expected textfile path from env, got %s", s.MetricsPath())
	}
	if s.DatabasePath() != filepath.Join(dir, "history.db") {
		t.Errorf("unexpected database path %s", s.DatabasePath())
	}
	if s.LockPath() != filepath.Join(dir, "converge.lock") {
		t.Errorf("unexpected lock path %s", s.LockPath())
	}

	// Defaults survive for unset variables.
	if s.Telemetry.ServiceName != "converge" {
		t.Errorf("expected default service name, got %s", s.Telemetry.ServiceName)
	}
	if !s.Telemetry.Metrics.Enabled {
		t.Error("expected metrics to stay enabled")
	}
}

func TestLoadSettingsDefaults(t *testing.T) {
	s, err := LoadSettings(map[string]string{})
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	if s.StateDir == "" {
		t.Error("expected a default state dir")
	}
	if s.MetricsPath() != filepath.Join(s.StateDir, "converge.prom") {
		t.Errorf("expected metrics in state dir, got %s", s.MetricsPath())
	}
}

func TestLoadSettingsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		environ map[string]string
		wantErr string
	}{
		{name: "log level", environ: map[string]string{"CONVERGE_LOG_LEVEL": "loud"}, wantErr: "invalid log level"},
		{name: "duration", environ: map[string]string{"CONVERGE_STARLARK_TIMEOUT": "soon"}, wantErr: "environment"},
		{name: "zero timeout", environ: map[string]string{"CONVERGE_STARLARK_TIMEOUT": "0s"}, wantErr: "starlark timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadSettings(tt.environ)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
