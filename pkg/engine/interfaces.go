package engine

import (
	"context"
)

// Prober determines whether a descriptor's desired state already holds.
// Implementations must never mutate system state.
type Prober interface {
	// Probe returns true when no action is required.
	Probe(ctx context.Context, d ResourceDescriptor) (bool, error)
}

// Executor applies the minimal OS operation needed to reach desired state.
type Executor interface {
	// Apply mutates the system. Errors should be *ExecError; anything else is
	// classified as os_failure by the runner.
	Apply(ctx context.Context, d ResourceDescriptor) error
}

// Provider is the combined probe and apply surface consumed by the Runner.
type Provider interface {
	Prober
	Executor
}

// Observer receives lifecycle callbacks from the Runner. Observers must not
// fail the run; they log their own errors.
type Observer interface {
	// RunStarted is called before the first descriptor is probed. The returned
	// context is used for the rest of the run.
	RunStarted(ctx context.Context, run *Run) context.Context

	// ResourceStarted is called before a descriptor is probed. The returned
	// context is passed to Probe and Apply.
	ResourceStarted(ctx context.Context, run *Run, d ResourceDescriptor) context.Context

	// ResourceFinished is called once the descriptor reached a terminal outcome.
	ResourceFinished(ctx context.Context, run *Run, result *ExecutionResult)

	// RunFinished is called once the run reached a terminal status.
	RunFinished(ctx context.Context, run *Run)
}

// NopObserver implements Observer with no-ops. Embed it to implement only
// the callbacks you need.
type NopObserver struct{}

// RunStarted implements Observer.
func (NopObserver) RunStarted(ctx context.Context, _ *Run) context.Context { return ctx }

// ResourceStarted implements Observer.
func (NopObserver) ResourceStarted(ctx context.Context, _ *Run, _ ResourceDescriptor) context.Context {
	return ctx
}

// ResourceFinished implements Observer.
func (NopObserver) ResourceFinished(context.Context, *Run, *ExecutionResult) {}

// RunFinished implements Observer.
func (NopObserver) RunFinished(context.Context, *Run) {}
