// Package host abstracts the machine being converged.
//
// Resource providers never touch the OS directly; they run commands and
// inspect or write files through a Host. The local implementation operates
// on the machine converge runs on, and pkg/transports/ssh provides one for a
// remote machine reached over SSH and SFTP.
package host

import (
	"context"
	"io"
	"os"
	"strings"
	"time"
)

// Host is the set of OS primitives the resource providers need.
//
// File errors wrap the fs sentinel errors (fs.ErrNotExist, fs.ErrPermission)
// so callers can classify them with errors.Is regardless of implementation.
type Host interface {
	// Name identifies the host in logs, e.g. "local" or "deploy@web1:22".
	Name() string

	// Run executes a shell command line. A nonzero exit status is reported in
	// the Result, not as an error; the error is reserved for commands that
	// could not be started at all.
	Run(ctx context.Context, cmd Command) (*Result, error)

	// Stat returns metadata for path, following a final symlink so that a
	// link to a directory reports the directory.
	Stat(ctx context.Context, path string) (*FileInfo, error)

	// Open opens path for reading.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// WriteFile replaces path with the content of r. The parent directory
	// must already exist. The write is atomic on the same filesystem.
	WriteFile(ctx context.Context, path string, r io.Reader, perm os.FileMode) error

	// MkdirAll creates path and any missing parents.
	MkdirAll(ctx context.Context, path string, perm os.FileMode) error

	// Chmod sets the permission bits of path.
	Chmod(ctx context.Context, path string, mode os.FileMode) error

	// Chown sets the owner and/or group of path by name. Empty values are
	// left unchanged. A final symlink is followed. With recursive set the
	// whole tree below path changes; links inside the tree are not followed.
	Chown(ctx context.Context, path, owner, group string, recursive bool) error

	// Close releases any connection held by the host.
	Close() error
}

// Command is a shell command line to run on a host.
type Command struct {
	// Cmd is passed to /bin/sh -c.
	Cmd string

	// Dir is the working directory. Empty means the host default.
	Dir string

	// Env adds variables to the command environment.
	Env map[string]string

	// Stdin is fed to the command when set.
	Stdin io.Reader
}

// Result is the outcome of a command that was started.
type Result struct {
	// Stdout is the standard output from the command.
	Stdout string

	// Stderr is the standard error output from the command.
	Stderr string

	// ExitCode is the command's exit code.
	ExitCode int

	// Duration is the total execution time.
	Duration time.Duration
}

// Success reports whether the command exited zero.
func (r *Result) Success() bool {
	return r.ExitCode == 0
}

// FileInfo is the subset of file metadata the probes compare.
type FileInfo struct {
	// Path is the path that was inspected.
	Path string

	// Mode holds the permission bits and the directory flag.
	Mode os.FileMode

	// Size is the file size in bytes.
	Size int64

	// UID and GID are the numeric owner and group.
	UID int
	GID int

	// Owner and Group are the resolved names, or the numeric ID as a string
	// when the account database has no entry.
	Owner string
	Group string
}

// IsDir reports whether the path is a directory.
func (fi *FileInfo) IsDir() bool {
	return fi.Mode.IsDir()
}

// Perm returns the permission bits.
func (fi *FileInfo) Perm() os.FileMode {
	return fi.Mode.Perm()
}

// Quote returns s as a single-quoted shell word.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./:=+,@%", r)
}
