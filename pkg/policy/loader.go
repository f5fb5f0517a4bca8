package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay is how long Watch waits for changes to settle.
const DefaultReloadDelay = 500 * time.Millisecond

// Loader reads policy files from a directory.
type Loader struct {
	logger      zerolog.Logger
	reloadDelay time.Duration
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:      logger.With().Str("component", "policy-loader").Logger(),
		reloadDelay: DefaultReloadDelay,
	}
}

// LoadDir loads every .rego and .json file under dir, recursively. A
// missing directory yields no policies.
func (l *Loader) LoadDir(ctx context.Context, dir string) ([]Policy, error) {
	var policies []Policy

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(path) {
			return nil
		}

		p, err := l.loadFile(path)
		if err != nil {
			return err
		}
		policies = append(policies, *p)
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		l.logger.Debug().Str("dir", dir).Msg("policy directory does not exist")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	l.logger.Debug().
		Str("dir", dir).
		Int("count", len(policies)).
		Msg("policies loaded from directory")
	return policies, nil
}

func isPolicyFile(path string) bool {
	return strings.HasSuffix(path, ".rego") || strings.HasSuffix(path, ".json")
}

// loadFile loads a policy from a single file.
func (l *Loader) loadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var p *Policy
	if strings.HasSuffix(path, ".rego") {
		p = parseRegoFile(path, data)
	} else {
		p, err = parseJSONFile(path, data)
		if err != nil {
			return nil, err
		}
	}

	l.logger.Debug().
		Str("path", path).
		Str("policy", p.Name).
		Msg("policy loaded from file")
	return p, nil
}

// parseRegoFile parses a .rego file into a Policy named after the file.
// A leading "# severity: <level>" comment sets the default severity.
func parseRegoFile(path string, data []byte) *Policy {
	description, severity := parseHeader(string(data))
	if severity == "" {
		severity = SeverityWarning
	}
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: description,
		Rego:        string(data),
		Severity:    severity,
		Enabled:     true,
		Source:      path,
	}
}

// parseJSONFile parses a JSON policy definition. Enabled defaults to true.
func parseJSONFile(path string, data []byte) (*Policy, error) {
	p := Policy{Enabled: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy %s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	p.Source = path
	return &p, nil
}

// parseHeader extracts the description and severity from the leading
// comment block of a Rego file.
func parseHeader(content string) (string, Severity) {
	var (
		description strings.Builder
		severity    Severity
	)
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if trimmed != "" {
				break
			}
			continue
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if level, ok := strings.CutPrefix(comment, "severity:"); ok {
			severity = Severity(strings.TrimSpace(level))
			continue
		}
		if comment != "" {
			if description.Len() > 0 {
				description.WriteString(" ")
			}
			description.WriteString(comment)
		}
	}
	return description.String(), severity
}

// Watch calls reload with the freshly loaded policies whenever a policy
// file under dir is written, created, removed or renamed. Events are
// debounced. Watching stops when ctx is done.
func (l *Loader) Watch(ctx context.Context, dir string, reload func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go l.processEvents(ctx, watcher, dir, reload)

	l.logger.Info().Str("dir", dir).Msg("watching policy directory")
	return nil
}

// processEvents debounces file system events and triggers reloads.
func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, dir string, reload func([]Policy) error) {
	defer watcher.Close()

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&relevant == 0 || !isPolicyFile(event.Name) {
				continue
			}
			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("policy file changed")

			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(l.reloadDelay, func() {
				if err := l.triggerReload(ctx, dir, reload); err != nil {
					l.logger.Error().Err(err).Msg("failed to reload policies")
				}
			})
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

// triggerReload reloads all policies from dir.
func (l *Loader) triggerReload(ctx context.Context, dir string, reload func([]Policy) error) error {
	if ctx.Err() != nil {
		return nil
	}
	policies, err := l.LoadDir(ctx, dir)
	if err != nil {
		return err
	}
	if err := reload(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}
	l.logger.Info().Int("count", len(policies)).Msg("policies reloaded")
	return nil
}
