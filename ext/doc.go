// Package ext defines the extension system for durable.
//
// Extensions are notified of lifecycle events and can react to them:
// recording metrics, exporting traces, writing audit logs.
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnRunCompleted(ctx context.Context, r *workflow.Run, elapsed time.Duration) error {
//	    log.Printf("run %s completed in %s", r.ID, elapsed)
//	    return nil
//	}
//
// # Run Lifecycle Hooks
//
//   - [RunStarted]: a run was created
//   - [RunSuspended]: an activation parked the run on hooks or a sleep
//   - [RunResumed]: a suspended run was activated again
//   - [RunCompleted]: the body returned a value
//   - [RunFailed]: the body returned an error
//   - [RunCancelled]: the run was cancelled or timed out
//
// # Step Lifecycle Hooks
//
//   - [StepCompleted]: an attempt succeeded and its result was recorded
//   - [StepRetrying]: an attempt failed and another is scheduled
//   - [StepFailed]: the step failed fatally or exhausted its retries
//
// # Other Hooks
//
//   - [HookResumed]: a delivery to a hook was durably recorded
//   - [SweepFinished]: a periodic sweep ran
//   - [Shutdown]: the engine is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface. It implements the emitter
// interfaces of the workflow, step and waker packages, so the engine
// hands the same registry to each of them.
package ext
