package resources

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os/exec"
	"strings"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/host"
)

const (
	exitCannotExecute = 126
	exitNotFound      = 127
)

// classify maps an OS error onto the error taxonomy.
func classify(message string, err error) *engine.ExecError {
	if err == nil {
		return nil
	}

	var execErr *engine.ExecError
	if errors.As(err, &execErr) {
		return execErr
	}

	var netErr net.Error
	var urlErr *url.Error
	switch {
	case errors.Is(err, fs.ErrPermission):
		return engine.NewPermissionDenied(message, err)
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, exec.ErrNotFound):
		return engine.NewNotFound(message, err)
	case errors.As(err, &urlErr), errors.As(err, &netErr):
		return engine.NewNetworkFailure(message, err)
	default:
		return engine.NewOSFailure(message, err)
	}
}

// exitFailure classifies a command that ran but exited nonzero.
func exitFailure(message string, res *host.Result) *engine.ExecError {
	cause := fmt.Errorf("exit status %d", res.ExitCode)
	detail := strings.TrimSpace(res.Stderr)
	if detail == "" {
		detail = strings.TrimSpace(res.Stdout)
	}

	var e *engine.ExecError
	switch {
	case res.ExitCode == exitCannotExecute, strings.Contains(strings.ToLower(detail), "permission denied"):
		e = engine.NewPermissionDenied(message, cause)
	case res.ExitCode == exitNotFound:
		e = engine.NewNotFound(message, cause)
	default:
		e = engine.NewOSFailure(message, cause)
	}
	return e.WithDetail(detail)
}

// run executes a command line on h and classifies both start and exit failures.
func run(ctx context.Context, h host.Host, message string, cmd host.Command) (*host.Result, error) {
	res, err := h.Run(ctx, cmd)
	if err != nil {
		return nil, classify(message, err)
	}
	if !res.Success() {
		return res, exitFailure(message, res)
	}
	return res, nil
}
