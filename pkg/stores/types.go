package stores

import (
	"errors"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// RunRecord is a persisted convergence run.
type RunRecord struct {
	ID               string           `json:"id"`
	Manifest         string           `json:"manifest"`
	Source           string           `json:"source"`
	Host             string           `json:"host"`
	Status           engine.RunStatus `json:"status"`
	StartedAt        time.Time        `json:"started_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	Total            int              `json:"total"`
	Applied          int              `json:"applied"`
	AlreadyConverged int              `json:"already_converged"`
	Failed           int              `json:"failed"`
	Error            *string          `json:"error,omitempty"`
}

// Duration returns the wall time of a completed run, or zero.
func (r *RunRecord) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// NotReached is the number of declared resources that never ran.
func (r *RunRecord) NotReached() int {
	return r.Total - r.Applied - r.AlreadyConverged - r.Failed
}

// ResultRecord is the persisted outcome of one resource within a run.
type ResultRecord struct {
	RunID      string            `json:"run_id"`
	Position   int               `json:"position"`
	Kind       string            `json:"kind"`
	Name       string            `json:"name"`
	Action     string            `json:"action"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Outcome    engine.Outcome    `json:"outcome"`
	ErrorKind  *string           `json:"error_kind,omitempty"`
	Error      *string           `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	Duration   time.Duration     `json:"duration"`
}

// ID returns the kind-qualified resource name, e.g. "user[tomcat]".
func (r *ResultRecord) ID() string {
	return r.Kind + "[" + r.Name + "]"
}

// NewResultRecord converts an engine result at the given position.
func NewResultRecord(runID string, position int, result *engine.ExecutionResult) *ResultRecord {
	d := result.Descriptor
	rec := &ResultRecord{
		RunID:      runID,
		Position:   position,
		Kind:       string(d.Kind()),
		Name:       d.Name(),
		Action:     string(d.Action()),
		Attributes: d.Attributes(),
		Outcome:    result.Outcome,
		StartedAt:  result.StartedAt,
		Duration:   result.Duration,
	}
	if result.Error != nil {
		kind := string(result.Error.Kind)
		msg := result.Error.Error()
		rec.ErrorKind = &kind
		rec.Error = &msg
	}
	return rec
}
