package journal

import (
	"time"

	"github.com/xraph/durable/id"
)

// Kind classifies a journal entry.
type Kind string

const (
	KindStepCall    Kind = "step_call"
	KindStepResult  Kind = "step_result"
	KindHookWait    Kind = "hook_wait"
	KindHookResume  Kind = "hook_resume"
	KindHookExpire  Kind = "hook_expire"
	KindSleep       Kind = "sleep"
	KindStreamWrite Kind = "stream_write"
	KindCheckpoint  Kind = "checkpoint"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindStepCall, KindStepResult, KindHookWait, KindHookResume, KindHookExpire,
		KindSleep, KindStreamWrite, KindCheckpoint:
		return true
	}
	return false
}

// Entry is one record in a run's journal.
type Entry struct {
	RunID     id.RunID  `json:"run_id"`
	Seq       int64     `json:"seq"`
	Kind      Kind      `json:"kind"`
	Key       string    `json:"key"`
	Attempt   int       `json:"attempt,omitempty"`
	Payload   []byte    `json:"payload,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Failed reports whether a step_result entry records a failure.
func (e *Entry) Failed() bool {
	return e.Kind == KindStepResult && e.Error != ""
}
