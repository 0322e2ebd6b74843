package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionRunStarted    = "run.started"
	ActionRunSuspended  = "run.suspended"
	ActionRunResumed    = "run.resumed"
	ActionRunCompleted  = "run.completed"
	ActionRunFailed     = "run.failed"
	ActionRunCancelled  = "run.cancelled"
	ActionStepRetrying  = "step.retrying"
	ActionStepFailed    = "step.failed"
	ActionHookResumed   = "hook.resumed"
	ActionSweepFinished = "sweep.finished"
)

// Audit event categories group related actions.
const (
	CategoryRun   = "durable.run"
	CategoryStep  = "durable.step"
	CategoryHook  = "durable.hook"
	CategorySweep = "durable.sweep"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceRun   = "run"
	ResourceStep  = "step"
	ResourceHook  = "hook"
	ResourceSweep = "sweep"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionRunStarted,
		ActionRunSuspended,
		ActionRunResumed,
		ActionRunCompleted,
		ActionRunFailed,
		ActionRunCancelled,
		ActionStepRetrying,
		ActionStepFailed,
		ActionHookResumed,
		ActionSweepFinished,
	}
}
