package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
)

// lockPath returns the lock file for a target host. The local host uses
// the settings lock path; remote hosts get one lock each.
func (a *app) lockPath(hostName string) string {
	path := a.settings.LockPath()
	if hostName == "local" {
		return path
	}
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, hostName)
	return strings.TrimSuffix(path, ".lock") + "-" + safe + ".lock"
}

// acquireLock creates path exclusively and records the current pid in it.
// A lock left behind by a process that no longer exists is taken over.
func acquireLock(path string) (release func(), err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("failed to write lock file: %w", werr)
			}
			return func() {
				if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
					log.Warn().Err(err).Str("lock", path).Msg("failed to remove lock file")
				}
			}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		pid, alive := lockOwner(path)
		if alive {
			return nil, fmt.Errorf("another converge run (pid %d) holds %s", pid, path)
		}
		log.Warn().Int("pid", pid).Str("lock", path).Msg("removing stale lock file")
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale lock file: %w", err)
		}
	}
	return nil, fmt.Errorf("failed to acquire lock %s", path)
}

// lockOwner reads the pid recorded in a lock file and reports whether that
// process is still running. Unreadable locks count as held.
func lockOwner(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, !errors.Is(err, fs.ErrNotExist)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, true
	}
	err = syscall.Kill(pid, 0)
	return pid, err == nil || errors.Is(err, syscall.EPERM)
}
