package engine

import (
	"fmt"
)

// RunStatus represents the overall status of a convergence run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every resource reached a converged state.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the run halted on a failed resource.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the context was cancelled between resources.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// Validate checks if the outcome is valid.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeAlreadyConverged, OutcomeApplied, OutcomeFailed:
		return nil
	default:
		return fmt.Errorf("invalid outcome: %s", o)
	}
}

// Succeeded reports whether the outcome lets the runner advance.
func (o Outcome) Succeeded() bool {
	return o == OutcomeAlreadyConverged || o == OutcomeApplied
}

// Validate checks if the error kind is valid.
func (k ErrorKind) Validate() error {
	switch k {
	case ErrorKindOSFailure, ErrorKindPermissionDenied, ErrorKindNetworkFailure, ErrorKindNotFound:
		return nil
	default:
		return fmt.Errorf("invalid error kind: %s", k)
	}
}
