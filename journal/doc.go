// Package journal defines the append-only event log that is the source of
// truth for every run.
//
// Each run owns an ordered sequence of [Entry] values. The store assigns
// Seq on append, strictly increasing per run. The workflow runtime replays
// a run by re-executing its body against a [History] built from the log:
// steps, hooks and sleeps that already have entries answer from the log
// instead of doing work again.
//
// # Entry kinds
//
//   - step_call    an attempt of a step started (Attempt is 1-based)
//   - step_result  a step settled, with Payload on success or Error on failure
//   - hook_wait    the run is waiting on a hook token
//   - hook_resume  a payload was delivered to a hook (Attempt is the delivery ordinal)
//   - hook_expire  a hook's TTL passed before the awaited delivery (Attempt is that ordinal)
//   - sleep        a durable sleep was scheduled (Payload holds the wake time)
//   - stream_write a workflow-level stream write (Attempt is the chunk index)
//   - checkpoint   a marker the runtime uses to settle sleeps and cancellation
package journal
