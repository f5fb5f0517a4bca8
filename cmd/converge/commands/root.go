package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitFailed  = 1
	ExitInvalid = 2
)

// exitError attaches an exit code to an error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// invalid marks err as a manifest, validation or policy problem.
func invalid(err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: ExitInvalid, err: err}
}

// exitCode maps an error returned by a command to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitFailed
}

// globalOptions are the persistent flags shared by all commands.
type globalOptions struct {
	stateDir   string
	policyDir  string
	logLevel   string
	logFormat  string
	jsonOutput bool
}

// app carries the settings and telemetry of one invocation.
type app struct {
	version  string
	opts     globalOptions
	settings *config.Settings
	tel      *telemetry.Telemetry
	out      io.Writer
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context, version, commit, buildDate string) int {
	a := &app{version: version, out: os.Stdout}
	rootCmd := newRootCommand(a, commit, buildDate)

	err := rootCmd.ExecuteContext(ctx)
	a.shutdown()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return exitCode(err)
}

func newRootCommand(a *app, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "converge",
		Short: "Converge a machine to a declared state",
		Long: `converge applies an ordered list of resources (packages, groups, users,
remote files, directories, commands, templates and services) to a machine.

Each resource is probed first and only changed when it is not already in the
desired state, so running the same manifest twice changes nothing the second
time. Resources are applied strictly in declaration order and the run stops at
the first failure.

Manifests may be written in YAML, JSON, CUE or Starlark.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", a.version, commit, buildDate),
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.opts.stateDir, "state-dir", "", "directory for run history, lock and metrics (env CONVERGE_STATE_DIR)")
	flags.StringVar(&a.opts.policyDir, "policy-dir", "", "directory of additional .rego policies (env CONVERGE_POLICY_DIR)")
	flags.StringVar(&a.opts.logLevel, "log-level", "", "log level: trace, debug, info, warn, error (env CONVERGE_LOG_LEVEL)")
	flags.StringVar(&a.opts.logFormat, "log-format", "", "log format: console or json (env CONVERGE_LOG_FORMAT)")
	flags.BoolVar(&a.opts.jsonOutput, "json", false, "print results as JSON")

	rootCmd.AddCommand(newApplyCommand(a))
	rootCmd.AddCommand(newPlanCommand(a))
	rootCmd.AddCommand(newValidateCommand(a))
	rootCmd.AddCommand(newHistoryCommand(a))
	rootCmd.AddCommand(newInitCommand(a))

	return rootCmd
}

// setup loads settings from the environment, applies flag overrides and
// installs the telemetry logger as the global logger.
func (a *app) setup(cmd *cobra.Command) error {
	settings, err := config.LoadSettings(nil)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("state-dir") {
		settings.StateDir = a.opts.stateDir
	}
	if flags.Changed("policy-dir") {
		settings.PolicyDir = a.opts.policyDir
	}
	if flags.Changed("log-level") {
		settings.Telemetry.Logging.Level = a.opts.logLevel
	}
	if flags.Changed("log-format") {
		settings.Telemetry.Logging.Format = a.opts.logFormat
	}
	settings.Telemetry.ServiceVersion = a.version
	if err := settings.Validate(); err != nil {
		return err
	}

	tel, err := telemetry.NewTelemetry(&settings.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	zerolog.SetGlobalLevel(telemetry.ParseLevel(settings.Telemetry.Logging.Level))
	log.Logger = tel.Logger.Zerolog()

	a.settings = settings
	a.tel = tel
	return nil
}

func (a *app) shutdown() {
	if a.tel == nil {
		return
	}
	if err := a.tel.Shutdown(context.Background()); err != nil {
		log.Warn().Err(err).Msg("telemetry shutdown failed")
	}
}
