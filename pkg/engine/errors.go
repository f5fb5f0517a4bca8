package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why applying or probing a resource failed.
type ErrorKind string

const (
	// ErrorKindOSFailure indicates a command, package or service call returned nonzero.
	ErrorKindOSFailure ErrorKind = "os_failure"

	// ErrorKindPermissionDenied indicates the OS refused the operation.
	ErrorKindPermissionDenied ErrorKind = "permission_denied"

	// ErrorKindNetworkFailure indicates a remote fetch could not complete.
	ErrorKindNetworkFailure ErrorKind = "network_failure"

	// ErrorKindNotFound indicates a missing source path, template, tool or parent directory.
	ErrorKindNotFound ErrorKind = "not_found"
)

// ExecError is a classified failure with the resource context needed to
// report it to an operator.
type ExecError struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message describes the attempted operation, e.g. "install package".
	Message string `json:"message"`

	// Resource is the kind-qualified resource name, e.g. "service[tomcat]".
	Resource string `json:"resource,omitempty"`

	// Action is the desired action that was being reached.
	Action DesiredAction `json:"action,omitempty"`

	// Detail carries the underlying OS error text (stderr, HTTP status).
	Detail string `json:"detail,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *ExecError) Error() string {
	msg := e.Message
	if e.Resource != "" && e.Action != "" {
		msg = fmt.Sprintf("%s (resource=%s, action=%s)", msg, e.Resource, e.Action)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if cause := e.cause(); cause != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Kind, msg, cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

// cause joins the wrapped error and detail text.
func (e *ExecError) cause() string {
	switch {
	case e.Err != nil && e.Detail != "":
		return e.Err.Error() + ": " + e.Detail
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Detail
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ExecError) Unwrap() error {
	return e.Err
}

// Is matches another *ExecError with the same kind, so that
// errors.Is(err, &ExecError{Kind: ErrorKindNotFound}) works.
func (e *ExecError) Is(target error) bool {
	t, ok := target.(*ExecError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newExecError(kind ErrorKind, message string, err error) *ExecError {
	return &ExecError{Kind: kind, Message: message, Err: err}
}

// NewOSFailure creates an os_failure error.
func NewOSFailure(message string, err error) *ExecError {
	return newExecError(ErrorKindOSFailure, message, err)
}

// NewPermissionDenied creates a permission_denied error.
func NewPermissionDenied(message string, err error) *ExecError {
	return newExecError(ErrorKindPermissionDenied, message, err)
}

// NewNetworkFailure creates a network_failure error.
func NewNetworkFailure(message string, err error) *ExecError {
	return newExecError(ErrorKindNetworkFailure, message, err)
}

// NewNotFound creates a not_found error.
func NewNotFound(message string, err error) *ExecError {
	return newExecError(ErrorKindNotFound, message, err)
}

// WithResource adds resource context to an error.
func (e *ExecError) WithResource(d ResourceDescriptor) *ExecError {
	e.Resource = d.ID()
	e.Action = d.Action()
	return e
}

// WithDetail attaches the OS error text (typically trimmed stderr).
func (e *ExecError) WithDetail(detail string) *ExecError {
	e.Detail = detail
	return e
}

// AsExecError converts any error into an *ExecError. Errors that are not
// already classified become os_failure with the given message. A classified
// error is returned as is, not copied.
func AsExecError(err error, message string) *ExecError {
	if err == nil {
		return nil
	}
	var e *ExecError
	if errors.As(err, &e) {
		return e
	}
	return NewOSFailure(message, err)
}

// resourceError classifies err and attaches the context of d to a copy, so
// an *ExecError a provider returns more than once is never changed.
func resourceError(err error, message string, d ResourceDescriptor) *ExecError {
	e := *AsExecError(err, message)
	return e.WithResource(d)
}

func kindOf(err error) (ErrorKind, bool) {
	var e *ExecError
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsOSFailure returns true if the error is classified as os_failure.
func IsOSFailure(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrorKindOSFailure
}

// IsPermissionDenied returns true if the error is classified as permission_denied.
func IsPermissionDenied(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrorKindPermissionDenied
}

// IsNetworkFailure returns true if the error is classified as network_failure.
func IsNetworkFailure(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrorKindNetworkFailure
}

// IsNotFound returns true if the error is classified as not_found.
func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrorKindNotFound
}

// RunError is returned by Runner.Run when the run halts on a failed resource.
type RunError struct {
	// RunID is the ID of the halted run.
	RunID string

	// Descriptor is the resource that failed.
	Descriptor ResourceDescriptor

	// Err is the classified failure.
	Err *ExecError
}

// Error implements the error interface.
func (e *RunError) Error() string {
	return fmt.Sprintf("convergence halted at %s: %v", e.Descriptor.ID(), e.Err)
}

// Unwrap returns the classified failure.
func (e *RunError) Unwrap() error {
	return e.Err
}
