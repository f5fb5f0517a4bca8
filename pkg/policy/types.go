package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrDenied is matched by the error returned from Result.Err when a
// manifest violates a blocking policy.
var ErrDenied = errors.New("policy denied")

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for findings that block a run.
	SeverityError Severity = "error"
)

// Blocking reports whether a violation of this severity stops a run.
func (s Severity) Blocking() bool {
	return s == SeverityError
}

// Policy represents a lint rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego module. Its deny set yields violations.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from; empty for builtins.
	Source string `json:"source,omitempty"`
}

// Violation is a single finding.
type Violation struct {
	// Policy is the name of the policy that produced the finding.
	Policy string `json:"policy"`

	// Resource is the offending resource ID, e.g. "user[tomcat]".
	Resource string `json:"resource,omitempty"`

	// Index is the resource's position in the manifest, or -1.
	Index int `json:"index"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

func (v Violation) String() string {
	if v.Resource == "" {
		return fmt.Sprintf("%s: %s (%s)", v.Severity, v.Message, v.Policy)
	}
	return fmt.Sprintf("%s: %s: %s (%s)", v.Severity, v.Resource, v.Message, v.Policy)
}

// Result is the outcome of linting one manifest.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists all findings in manifest order.
	Violations []Violation `json:"violations,omitempty"`

	// Evaluated lists the names of the policies that ran.
	Evaluated []string `json:"evaluated"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Blocking returns the violations that stop a run.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity.Blocking() {
			out = append(out, v)
		}
	}
	return out
}

// Err returns an error wrapping ErrDenied that lists every blocking
// violation, or nil when the manifest is allowed.
func (r *Result) Err() error {
	blocking := r.Blocking()
	if len(blocking) == 0 {
		return nil
	}
	lines := make([]string, len(blocking))
	for i, v := range blocking {
		lines[i] = "  " + v.String()
	}
	return fmt.Errorf("%w: %d violation(s)\n%s", ErrDenied, len(blocking), strings.Join(lines, "\n"))
}

// Input is the document policies evaluate, available as `input` in Rego.
type Input struct {
	// Manifest is the manifest name.
	Manifest string `json:"manifest"`

	// Resources are the expanded resources in declaration order.
	Resources []InputResource `json:"resources"`
}

// InputResource is one resource as seen by policies.
type InputResource struct {
	Index      int               `json:"index"`
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	Name       string            `json:"name"`
	Action     string            `json:"action"`
	Attributes map[string]string `json:"attributes"`
}
