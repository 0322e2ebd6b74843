// Package hook maps external tokens to the runs waiting on them.
//
// A workflow creates a [Hook] and awaits it; the run suspends until
// [Registry.Resume] delivers a payload for the hook's token. Tokens are
// either chosen by the workflow ("thread:42", "counter_actor:<runId>") or
// generated ("hook_01h..."). The durable hook record lives in the [Store];
// every delivery is appended to the run journal as a hook_resume entry in
// the same atomic store operation, so a restarted process sees exactly the
// deliveries that were accepted.
//
// One-shot hooks resolve exactly once: of two concurrent resumes on the
// same token, one wins and the other gets durable.ErrHookAlreadyResolved.
// Iterable hooks accept a sequence of deliveries, each consumed once and in
// order by the workflow; they stay addressable until their run finishes.
//
// Payloads are validated against the hook's [Schema] before delivery. A
// rejected payload is never recorded.
package hook
