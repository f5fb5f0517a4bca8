package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/converge/pkg/host"
)

// Run implements host.Host.
func (c *Client) Run(ctx context.Context, cmd host.Command) (*host.Result, error) {
	if cmd.Cmd == "" {
		return nil, fmt.Errorf("command is required")
	}

	sshClient, sftpClient, err := c.conn()
	if err != nil {
		return nil, err
	}

	// Match local exec semantics: a missing working directory fails to start.
	if cmd.Dir != "" {
		fi, err := sftpClient.Stat(cmd.Dir)
		if err != nil {
			return nil, &fs.PathError{Op: "chdir", Path: cmd.Dir, Err: fs.ErrNotExist}
		}
		if !fi.IsDir() {
			return nil, &fs.PathError{Op: "chdir", Path: cmd.Dir, Err: fmt.Errorf("not a directory")}
		}
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if cmd.Stdin != nil {
		session.Stdin = cmd.Stdin
	}

	line := commandLine(c.config.Shell, cmd)
	log.Debug().
		Str("host", c.config.Host).
		Str("command", cmd.Cmd).
		Str("dir", cmd.Dir).
		Msg("executing command")

	start := time.Now()
	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(line)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	case execErr = <-doneChan:
	}

	result := &host.Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if execErr != nil {
		var exitErr *ssh.ExitError
		if !errors.As(execErr, &exitErr) {
			return nil, &TransportError{Op: "execute", Err: execErr, IsTemporary: true}
		}
		result.ExitCode = exitErr.ExitStatus()
	}

	log.Debug().
		Str("host", c.config.Host).
		Str("command", cmd.Cmd).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("command completed")

	return result, nil
}

// commandLine wraps cmd so it runs under shell regardless of the remote
// user's login shell, with its working directory and environment applied.
func commandLine(shell string, cmd host.Command) string {
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(cmd.Env)) {
		fmt.Fprintf(&b, "export %s=%s; ", k, host.Quote(cmd.Env[k]))
	}
	if cmd.Dir != "" {
		fmt.Fprintf(&b, "cd %s && ", host.Quote(cmd.Dir))
	}
	b.WriteString(cmd.Cmd)
	return shell + " -c " + host.Quote(b.String())
}
