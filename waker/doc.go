// Package waker runs the engine's periodic maintenance sweeps.
//
// A sweep is a named [Task] fired on a cron schedule: waking runs whose
// sleep deadline has passed, re-activating runs whose lease holder died,
// and purging streams past their retention. Schedules use the standard
// 5-field cron syntax or descriptors such as "@every 1s".
//
// Only the leader fires sweeps. Leadership is a lease on [LeaderKey]
// held through the same lease store that guards run activations, so at
// most one process in a cluster sweeps at a time. Every sweep is
// idempotent, which keeps a brief overlap during leader handover safe.
package waker
