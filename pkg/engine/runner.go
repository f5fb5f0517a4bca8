package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Runner converges an ordered list of descriptors one at a time.
//
// For each descriptor in declaration order the runner probes; if the desired
// state already holds it records OutcomeAlreadyConverged and advances,
// otherwise it applies and records OutcomeApplied. The first failure is
// recorded as OutcomeFailed and halts the run: later descriptors are neither
// probed nor applied and nothing is rolled back.
type Runner struct {
	provider  Provider
	observers []Observer
	newID     func() string
	now       func() time.Time
}

// NewRunner creates a runner that probes and applies through provider.
func NewRunner(provider Provider, observers ...Observer) *Runner {
	return &Runner{
		provider:  provider,
		observers: observers,
		newID:     func() string { return uuid.New().String() },
		now:       time.Now,
	}
}

// Run converges descriptors in order. The returned Run is always non-nil. The
// error is a *RunError when a resource failed, or a context error when the
// run was cancelled between resources.
func (r *Runner) Run(ctx context.Context, source string, descriptors []ResourceDescriptor) (*Run, error) {
	run := &Run{
		ID:        r.newID(),
		Source:    source,
		Status:    RunStatusRunning,
		StartedAt: r.now(),
		Total:     len(descriptors),
		Results:   make([]ExecutionResult, 0, len(descriptors)),
	}

	for _, o := range r.observers {
		ctx = o.RunStarted(ctx, run)
	}

	var runErr error
	for _, d := range descriptors {
		if err := ctx.Err(); err != nil {
			run.Status = RunStatusCancelled
			runErr = fmt.Errorf("run %s cancelled before %s: %w", run.ID, d.ID(), err)
			break
		}

		run.Results = append(run.Results, r.converge(ctx, run, d))
		result := &run.Results[len(run.Results)-1]
		for _, o := range r.observers {
			o.ResourceFinished(ctx, run, result)
		}

		if result.Outcome == OutcomeFailed {
			run.Status = RunStatusFailed
			runErr = &RunError{RunID: run.ID, Descriptor: d, Err: result.Error}
			break
		}
	}

	if run.Status == RunStatusRunning {
		run.Status = RunStatusSucceeded
	}
	completed := r.now()
	run.CompletedAt = &completed

	for _, o := range r.observers {
		o.RunFinished(ctx, run)
	}
	return run, runErr
}

// converge probes one descriptor and applies it when needed.
func (r *Runner) converge(ctx context.Context, run *Run, d ResourceDescriptor) ExecutionResult {
	for _, o := range r.observers {
		ctx = o.ResourceStarted(ctx, run, d)
	}

	result := ExecutionResult{Descriptor: d, StartedAt: r.now()}
	finish := func(outcome Outcome, err *ExecError) ExecutionResult {
		result.Outcome = outcome
		result.Error = err
		result.Duration = r.now().Sub(result.StartedAt)
		return result
	}

	converged, err := r.provider.Probe(ctx, d)
	if err != nil {
		return finish(OutcomeFailed, resourceError(err, "probe "+string(d.Kind()), d))
	}
	if converged {
		return finish(OutcomeAlreadyConverged, nil)
	}

	if err := r.provider.Apply(ctx, d); err != nil {
		return finish(OutcomeFailed, resourceError(err, string(d.Action())+" "+string(d.Kind()), d))
	}
	return finish(OutcomeApplied, nil)
}

// Plan probes every descriptor without applying anything and reports which
// would change. Because later resources often depend on earlier side effects,
// a plan is an estimate: a resource reported converged may still be applied
// after an earlier one changes the system.
func (r *Runner) Plan(ctx context.Context, descriptors []ResourceDescriptor) (*PlanReport, error) {
	report := &PlanReport{Items: make([]PlanItem, 0, len(descriptors))}
	for _, d := range descriptors {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		item := PlanItem{Descriptor: d}
		converged, err := r.provider.Probe(ctx, d)
		if err != nil {
			item.Error = resourceError(err, "probe "+string(d.Kind()), d)
		}
		item.Converged = converged && err == nil
		report.Items = append(report.Items, item)
	}
	return report, nil
}
