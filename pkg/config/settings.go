package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v9"

	"github.com/openfroyo/converge/pkg/telemetry"
)

// EnvPrefix prefixes every environment variable read by LoadSettings.
const EnvPrefix = "CONVERGE_"

// Settings are the runtime settings of the converge command. They are not
// part of a manifest.
type Settings struct {
	// StateDir holds the run history database, lock file and metrics.
	StateDir string `env:"STATE_DIR"`

	// PolicyDir holds additional .rego policies loaded next to the builtins.
	PolicyDir string `env:"POLICY_DIR"`

	// StarlarkTimeout bounds the evaluation of Starlark manifests.
	StarlarkTimeout time.Duration `env:"STARLARK_TIMEOUT"`

	// Telemetry configures logging, metrics and tracing.
	Telemetry telemetry.Config
}

// DefaultSettings returns settings with defaults applied.
func DefaultSettings() *Settings {
	return &Settings{
		StateDir:        defaultStateDir(),
		StarlarkTimeout: 30 * time.Second,
		Telemetry:       *telemetry.DefaultConfig(),
	}
}

// LoadSettings overlays CONVERGE_* variables from environ onto the
// defaults. A nil environ reads the process environment.
func LoadSettings(environ map[string]string) (*Settings, error) {
	s := DefaultSettings()
	if err := env.ParseWithOptions(s, env.Options{
		Prefix:      EnvPrefix,
		Environment: environ,
	}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the settings.
func (s *Settings) Validate() error {
	if s.StateDir == "" {
		return fmt.Errorf("state directory is required")
	}
	if s.StarlarkTimeout <= 0 {
		return fmt.Errorf("starlark timeout must be positive")
	}
	return s.Telemetry.Validate()
}

// DatabasePath is the run history database inside the state directory.
func (s *Settings) DatabasePath() string {
	return filepath.Join(s.StateDir, "history.db")
}

// LockPath is the advisory lock taken by apply.
func (s *Settings) LockPath() string {
	return filepath.Join(s.StateDir, "converge.lock")
}

// MetricsPath is where run metrics are written when no textfile path is set.
func (s *Settings) MetricsPath() string {
	if s.Telemetry.Metrics.TextfilePath != "" {
		return s.Telemetry.Metrics.TextfilePath
	}
	return filepath.Join(s.StateDir, "converge.prom")
}

func defaultStateDir() string {
	if os.Geteuid() == 0 {
		return "/var/lib/converge"
	}
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "converge")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", "converge")
	}
	return ".converge"
}
