package engine

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

// ResourceKind identifies which OS primitive a descriptor manages.
type ResourceKind string

const (
	// KindPackage is an OS package installed through the package manager.
	KindPackage ResourceKind = "package"

	// KindGroup is a local group account.
	KindGroup ResourceKind = "group"

	// KindUser is a local user account.
	KindUser ResourceKind = "user"

	// KindRemoteFile is a file downloaded from a URL to a local path.
	KindRemoteFile ResourceKind = "remote_file"

	// KindDirectory is a directory tree on the local filesystem.
	KindDirectory ResourceKind = "directory"

	// KindCommand is an arbitrary shell command.
	KindCommand ResourceKind = "command"

	// KindTemplate is a file rendered from a template.
	KindTemplate ResourceKind = "template"

	// KindService is a system service managed by the init system.
	KindService ResourceKind = "service"
)

// AllKinds lists every supported resource kind in documentation order.
var AllKinds = []ResourceKind{
	KindPackage, KindGroup, KindUser, KindRemoteFile,
	KindDirectory, KindCommand, KindTemplate, KindService,
}

// Validate checks if the resource kind is valid.
func (k ResourceKind) Validate() error {
	if slices.Contains(AllKinds, k) {
		return nil
	}
	return fmt.Errorf("invalid resource kind: %s", k)
}

// DesiredAction is the action a descriptor asks the executor to reach.
type DesiredAction string

const (
	// ActionCreate makes the resource exist.
	ActionCreate DesiredAction = "create"

	// ActionInstall installs a package.
	ActionInstall DesiredAction = "install"

	// ActionStart starts a service.
	ActionStart DesiredAction = "start"

	// ActionStop stops a service.
	ActionStop DesiredAction = "stop"

	// ActionRun runs a command.
	ActionRun DesiredAction = "run"
)

// kindActions maps every kind to its allowed actions. The first entry is the default.
var kindActions = map[ResourceKind][]DesiredAction{
	KindPackage:    {ActionInstall},
	KindGroup:      {ActionCreate},
	KindUser:       {ActionCreate},
	KindRemoteFile: {ActionCreate},
	KindDirectory:  {ActionCreate},
	KindCommand:    {ActionRun},
	KindTemplate:   {ActionCreate},
	KindService:    {ActionStart, ActionStop},
}

// DefaultAction returns the action used when a declaration omits one.
func (k ResourceKind) DefaultAction() DesiredAction {
	actions := kindActions[k]
	if len(actions) == 0 {
		return ""
	}
	return actions[0]
}

// Supports reports whether the action is meaningful for the kind.
func (k ResourceKind) Supports(action DesiredAction) bool {
	return slices.Contains(kindActions[k], action)
}

// ResourceDescriptor is a declarative specification of one unit of desired state.
// Descriptors are immutable once declared; use NewDescriptor to build one.
type ResourceDescriptor struct {
	kind       ResourceKind
	name       string
	attributes map[string]string
	action     DesiredAction
}

// NewDescriptor builds a validated descriptor. An empty action selects the
// kind's default. The attribute map is copied.
func NewDescriptor(kind ResourceKind, name string, action DesiredAction, attributes map[string]string) (ResourceDescriptor, error) {
	if err := kind.Validate(); err != nil {
		return ResourceDescriptor{}, err
	}
	if name == "" {
		return ResourceDescriptor{}, fmt.Errorf("%s resource requires a name", kind)
	}
	if action == "" {
		action = kind.DefaultAction()
	}
	if !kind.Supports(action) {
		return ResourceDescriptor{}, fmt.Errorf("action %q is not valid for %s resources", action, kind)
	}

	attrs := make(map[string]string, len(attributes))
	maps.Copy(attrs, attributes)

	return ResourceDescriptor{
		kind:       kind,
		name:       name,
		attributes: attrs,
		action:     action,
	}, nil
}

// MustDescriptor is like NewDescriptor but panics on error. Intended for
// statically declared resource lists and tests.
func MustDescriptor(kind ResourceKind, name string, action DesiredAction, attributes map[string]string) ResourceDescriptor {
	d, err := NewDescriptor(kind, name, action, attributes)
	if err != nil {
		panic(err)
	}
	return d
}

// Kind returns the resource kind.
func (d ResourceDescriptor) Kind() ResourceKind { return d.kind }

// Name returns the resource name.
func (d ResourceDescriptor) Name() string { return d.name }

// Action returns the desired action.
func (d ResourceDescriptor) Action() DesiredAction { return d.action }

// Attr returns a single attribute value, or "" when unset.
func (d ResourceDescriptor) Attr(key string) string { return d.attributes[key] }

// HasAttr reports whether the attribute is set to a non-empty value.
func (d ResourceDescriptor) HasAttr(key string) bool { return d.attributes[key] != "" }

// Attributes returns a copy of the attribute map.
func (d ResourceDescriptor) Attributes() map[string]string {
	return maps.Clone(d.attributes)
}

// ID returns the kind-qualified name, e.g. "command[extract_tomcat]".
func (d ResourceDescriptor) ID() string {
	return fmt.Sprintf("%s[%s]", d.kind, d.name)
}

// String implements fmt.Stringer.
func (d ResourceDescriptor) String() string {
	return d.ID()
}

// MarshalJSON renders the descriptor for reports and run history.
func (d ResourceDescriptor) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind       ResourceKind      `json:"kind"`
		Name       string            `json:"name"`
		Action     DesiredAction     `json:"action"`
		Attributes map[string]string `json:"attributes,omitempty"`
	}{d.kind, d.name, d.action, d.attributes})
}

// Outcome is the terminal result of converging a single descriptor.
type Outcome string

const (
	// OutcomeAlreadyConverged means the probe found desired state already in place.
	OutcomeAlreadyConverged Outcome = "already_converged"

	// OutcomeApplied means the executor changed the system successfully.
	OutcomeApplied Outcome = "applied"

	// OutcomeFailed means probing or applying failed; the run halted here.
	OutcomeFailed Outcome = "failed"
)

// ExecutionResult records what happened to one descriptor during a run.
type ExecutionResult struct {
	// Descriptor is the resource this result belongs to.
	Descriptor ResourceDescriptor `json:"descriptor"`

	// Outcome is the terminal outcome.
	Outcome Outcome `json:"outcome"`

	// Error is set when Outcome is OutcomeFailed.
	Error *ExecError `json:"error,omitempty"`

	// StartedAt is when probing began.
	StartedAt time.Time `json:"started_at"`

	// Duration covers probe and apply.
	Duration time.Duration `json:"duration"`
}

// Run is one pass of the convergence runner over a descriptor list.
type Run struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`

	// Source names where the descriptors came from (manifest path).
	Source string `json:"source,omitempty"`

	// Status is the current status of the run.
	Status RunStatus `json:"status"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Total is the number of declared descriptors.
	Total int `json:"total"`

	// Results holds one entry per descriptor that reached a terminal outcome,
	// in declaration order.
	Results []ExecutionResult `json:"results"`
}

// Summary counts results by outcome.
func (r *Run) Summary() RunSummary {
	s := RunSummary{Total: r.Total}
	for i := range r.Results {
		switch r.Results[i].Outcome {
		case OutcomeAlreadyConverged:
			s.AlreadyConverged++
		case OutcomeApplied:
			s.Applied++
		case OutcomeFailed:
			s.Failed++
		}
	}
	s.NotReached = s.Total - len(r.Results)
	return s
}

// Outcomes returns the outcome of every recorded result in order.
func (r *Run) Outcomes() []Outcome {
	out := make([]Outcome, len(r.Results))
	for i := range r.Results {
		out[i] = r.Results[i].Outcome
	}
	return out
}

// Duration returns the wall time of a completed run, or zero.
func (r *Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// RunSummary provides statistics about a run.
type RunSummary struct {
	Total            int `json:"total"`
	AlreadyConverged int `json:"already_converged"`
	Applied          int `json:"applied"`
	Failed           int `json:"failed"`
	NotReached       int `json:"not_reached"`
}

// PlanItem is the probe-only view of one descriptor.
type PlanItem struct {
	// Descriptor is the probed resource.
	Descriptor ResourceDescriptor `json:"descriptor"`

	// Converged is true when no action would be taken.
	Converged bool `json:"converged"`

	// Error is set when the probe could not determine state.
	Error *ExecError `json:"error,omitempty"`
}

// PlanReport is the result of a probe-only pass.
type PlanReport struct {
	Items []PlanItem `json:"items"`
}

// Pending returns the descriptors that would be applied.
func (p *PlanReport) Pending() []ResourceDescriptor {
	var out []ResourceDescriptor
	for _, item := range p.Items {
		if !item.Converged {
			out = append(out, item.Descriptor)
		}
	}
	return out
}
