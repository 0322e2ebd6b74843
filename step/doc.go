// Package step executes the side-effecting units of work inside a run.
//
// An [Executor] memoizes every step in the run journal. Before running a
// step it folds the journal entries recorded for the step key into an
// [Invocation]; a succeeded invocation returns its stored result without
// calling the step function again, which is what lets a restarted run skip
// completed work.
//
// Failures are classified by [durable.IsFatal]: a *durable.FatalError or
// *durable.ValidationError stops immediately, anything else is retried with
// backoff up to MaxRetries. Exhausting the retries settles the step as
// failed and surfaces a *durable.FatalError wrapping
// durable.ErrMaxRetriesExceeded to the workflow.
//
// # At-least-once execution
//
// The workflow observes a step's outcome exactly once, but the step
// function itself may run more than once: a crash after its side effect
// and before the step_result entry is written leaves an unsettled attempt
// that the next activation retries. Step functions must tolerate this
// (idempotency keys, upserts, conditional writes).
package step
