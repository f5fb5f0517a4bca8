package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/host"
	"github.com/openfroyo/converge/pkg/policy"
	"github.com/openfroyo/converge/pkg/stores"
)

// watchDelay is how long apply --watch waits for edits to settle.
const watchDelay = 500 * time.Millisecond

type applyOptions struct {
	host        hostOptions
	templateDir string
	skipPolicy  []string
	watch       bool
	noHistory   bool
}

func newApplyCommand(a *app) *cobra.Command {
	var opts applyOptions

	cmd := &cobra.Command{
		Use:   "apply <manifest>",
		Short: "Converge the machine to a manifest",
		Long: `Converge the machine to the state declared in a manifest.

This command:
  - Loads and validates the manifest
  - Lints it with the built-in and custom policies
  - Probes each resource in order and applies only what is missing
  - Stops at the first failure without rolling back
  - Records the run in the history database and writes metrics`,
		Example: `  # Converge this machine
  converge apply tomcat.yaml

  # Converge a remote machine over SSH
  converge apply tomcat.yaml --host root@web1.example.com

  # Re-converge whenever the manifest or its templates change
  converge apply tomcat.yaml --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runApply(cmd.Context(), args[0], &opts)
		},
	}

	opts.host.addFlags(cmd)
	cmd.Flags().StringVar(&opts.templateDir, "templates", "", "template directory (default: templates/ next to the manifest)")
	cmd.Flags().StringSliceVar(&opts.skipPolicy, "skip-policy", nil, "policies to skip")
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "re-converge when the manifest or templates change")
	cmd.Flags().BoolVar(&opts.noHistory, "no-history", false, "do not record the run in the history database")

	return cmd
}

func (a *app) runApply(ctx context.Context, path string, opts *applyOptions) error {
	eng, err := a.newPolicyEngine(ctx, opts.skipPolicy)
	if err != nil {
		return err
	}

	h, err := opts.host.open(ctx)
	if err != nil {
		return err
	}
	defer h.Close()

	release, err := acquireLock(a.lockPath(h.Name()))
	if err != nil {
		return err
	}
	defer release()

	var store *stores.SQLiteStore
	if !opts.noHistory {
		store, err = stores.Open(ctx, a.settings.DatabasePath())
		if err != nil {
			return fmt.Errorf("failed to open run history: %w", err)
		}
		defer store.Close()
	}

	apply := func() error {
		return a.applyOnce(ctx, path, h, eng, store, opts)
	}
	if !opts.watch {
		return apply()
	}
	return a.watch(ctx, path, opts.templateDir, eng, apply)
}

// applyOnce loads, lints and converges the manifest once.
func (a *app) applyOnce(ctx context.Context, path string, h host.Host, eng *policy.Engine, store *stores.SQLiteStore, opts *applyOptions) error {
	m, descriptors, err := a.loadManifest(ctx, path)
	if err != nil {
		return err
	}
	if _, err := a.lint(ctx, eng, m, descriptors); err != nil {
		return err
	}

	observers := []engine.Observer{a.tel.Observer(h.Name())}
	if store != nil {
		observers = append(observers, stores.NewRecorder(store, m.Name, h.Name()))
	}

	runner := engine.NewRunner(newProvider(h, m, opts.templateDir), observers...)
	run, runErr := runner.Run(ctx, path, descriptors)

	if a.tel.Metrics.Enabled() {
		if err := a.tel.Metrics.WriteTextfile(a.settings.MetricsPath()); err != nil {
			log.Warn().Err(err).Str("path", a.settings.MetricsPath()).Msg("failed to write metrics")
		}
	}

	if err := printRun(a.out, a.opts.jsonOutput, run); err != nil {
		return err
	}
	return runErr
}

// watch applies once, then again whenever the manifest or a template
// changes, until ctx is done. Failed runs are logged and watching goes on.
func (a *app) watch(ctx context.Context, path, templateDir string, eng *policy.Engine, apply func() error) error {
	logFailure := func(err error) {
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("apply failed")
		}
	}
	logFailure(apply())

	if dir := a.settings.PolicyDir; dir != "" {
		if _, err := os.Stat(dir); err == nil {
			if err := eng.Watch(ctx, dir); err != nil {
				log.Warn().Err(err).Msg("policy directory is not watched")
			}
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	manifest, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if templateDir == "" {
		templateDir = filepath.Join(filepath.Dir(manifest), "templates")
	}
	templateDir, err = filepath.Abs(templateDir)
	if err != nil {
		return err
	}

	// Directories are watched so that editors replacing files by rename
	// are still seen.
	if err := watcher.Add(filepath.Dir(manifest)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(manifest), err)
	}
	if info, err := os.Stat(templateDir); err == nil && info.IsDir() {
		if err := watcher.Add(templateDir); err != nil {
			log.Warn().Err(err).Str("dir", templateDir).Msg("template directory is not watched")
		}
	}

	log.Info().Str("manifest", manifest).Msg("watching for changes")

	timer := time.NewTimer(watchDelay)
	timer.Stop()
	defer timer.Stop()

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&relevant == 0 {
				continue
			}
			if event.Name != manifest && filepath.Dir(event.Name) != templateDir {
				continue
			}
			log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("change detected")
			timer.Reset(watchDelay)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("watcher error")

		case <-timer.C:
			logFailure(apply())
		}
	}
}
