// Package engine provides the core types and the convergence runner for converge.
//
// # Overview
//
// converge takes an ordered list of resource descriptors and drives the host
// toward the state they describe. Every descriptor goes through the same
// two-step cycle:
//
//  1. Probe - check whether the desired state already holds (read-only)
//  2. Apply - perform the minimal OS operation to reach it
//
// A descriptor whose probe succeeds is reported as already converged and its
// executor is never invoked. Running the same manifest twice against an
// unchanged host therefore performs no mutations the second time.
//
// # Core Domain Types
//
//   - ResourceDescriptor: immutable kind, name, attributes and desired action
//   - ExecutionResult: the outcome of converging one descriptor
//   - Run: one pass over a descriptor list with status tracking
//   - PlanReport: the probe-only view produced by Runner.Plan
//
// # Ordering and Failure
//
// Descriptors are processed strictly in declaration order, one at a time.
// The first failure halts the run. Resources that already changed stay
// changed; there is no rollback. Runner.Run returns a *RunError naming the
// failed resource and its classified cause.
//
// # Error Classification
//
// Failures are classified so operators can tell them apart:
//
//   - os_failure: a command, package or service call returned nonzero
//   - permission_denied: the OS refused the operation
//   - network_failure: a remote fetch could not complete
//   - not_found: a source, template, tool or parent directory is missing
//
//	if engine.IsNetworkFailure(err) {
//	    // check proxy settings
//	}
//
// # Example Usage
//
//	runner := engine.NewRunner(provider, observer)
//	run, err := runner.Run(ctx, "tomcat.yaml", descriptors)
//	if err != nil {
//	    var runErr *engine.RunError
//	    if errors.As(err, &runErr) {
//	        log.Error().Str("resource", runErr.Descriptor.ID()).Msg("halted")
//	    }
//	}
//	fmt.Println(run.Summary())
package engine
