// Package audithook is a durable extension that bridges run lifecycle
// events to an audit trail backend.
//
// Every run, step failure and hook delivery emits a structured audit event
// through the [Recorder] interface. Severity follows the outcome: info for
// normal progress, warning for retries and cancellations, critical for
// failed runs. [SlogRecorder] writes the trail to a structured logger.
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionRunFailed,
//	        audithook.ActionHookResumed,
//	    ),
//	)
package audithook
