package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultShell runs command lines on every host.
const DefaultShell = "/bin/sh"

// Local operates on the machine converge runs on.
type Local struct {
	shell string
}

// NewLocal creates a Host for the local machine.
func NewLocal() *Local {
	return &Local{shell: DefaultShell}
}

// Name implements Host.
func (l *Local) Name() string {
	return "local"
}

// Run implements Host.
func (l *Local) Run(ctx context.Context, c Command) (*Result, error) {
	if c.Cmd == "" {
		return nil, fmt.Errorf("command is required")
	}

	cmd := exec.CommandContext(ctx, l.shell, "-c", c.Cmd)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		env := os.Environ()
		for k, v := range c.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	if c.Stdin != nil {
		cmd.Stdin = c.Stdin
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug().
		Str("command", c.Cmd).
		Str("dir", c.Dir).
		Msg("executing command")

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	log.Debug().
		Str("command", c.Cmd).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("command completed")

	return result, nil
}

// Stat implements Host.
func (l *Local) Stat(_ context.Context, path string) (*FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	fi := &FileInfo{
		Path: path,
		Mode: info.Mode(),
		Size: info.Size(),
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		fi.UID = int(st.Uid)
		fi.GID = int(st.Gid)
	}
	fi.Owner = lookupUserName(fi.UID)
	fi.Group = lookupGroupName(fi.GID)
	return fi, nil
}

// Open implements Host.
func (l *Local) Open(_ context.Context, path string) (io.ReadCloser, error) {
	return os.Open(path)
}

// WriteFile implements Host.
func (l *Local) WriteFile(_ context.Context, path string, r io.Reader, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".converge-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}

// MkdirAll implements Host.
func (l *Local) MkdirAll(_ context.Context, path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// Chmod implements Host.
func (l *Local) Chmod(_ context.Context, path string, mode os.FileMode) error {
	return os.Chmod(path, mode)
}

// Chown implements Host.
func (l *Local) Chown(ctx context.Context, path, owner, group string, recursive bool) error {
	uid, gid := -1, -1
	if owner != "" {
		id, err := lookupUID(owner)
		if err != nil {
			return err
		}
		uid = id
	}
	if group != "" {
		id, err := lookupGID(group)
		if err != nil {
			return err
		}
		gid = id
	}

	if !recursive {
		return os.Chown(path, uid, gid)
	}
	root, err := filepath.EvalSymlinks(path)
	if err != nil {
		return err
	}
	return filepath.WalkDir(root, func(p string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return os.Lchown(p, uid, gid)
	})
}

// Close implements Host.
func (l *Local) Close() error {
	return nil
}

func lookupUID(name string) (int, error) {
	if id, err := strconv.Atoi(name); err == nil {
		return id, nil
	}
	u, err := user.Lookup(name)
	if err != nil {
		return 0, fmt.Errorf("user %s: %w", name, fs.ErrNotExist)
	}
	return strconv.Atoi(u.Uid)
}

func lookupGID(name string) (int, error) {
	if id, err := strconv.Atoi(name); err == nil {
		return id, nil
	}
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, fmt.Errorf("group %s: %w", name, fs.ErrNotExist)
	}
	return strconv.Atoi(g.Gid)
}

func lookupUserName(uid int) string {
	if u, err := user.LookupId(strconv.Itoa(uid)); err == nil {
		return u.Username
	}
	return strconv.Itoa(uid)
}

func lookupGroupName(gid int) string {
	if g, err := user.LookupGroupId(strconv.Itoa(gid)); err == nil {
		return g.Name
	}
	return strconv.Itoa(gid)
}
