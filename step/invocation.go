package step

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xraph/durable"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/journal"
)

// Status is the settlement state of a step invocation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Invocation is the state of one step key within a run, derived from the
// journal.
type Invocation struct {
	RunID    id.RunID
	Key      string
	Attempts int
	Status   Status
	Result   []byte
	Error    string

	// Exhausted is set when the step failed by running out of retries.
	Exhausted bool

	// Seq is the journal sequence of the settling entry, 0 while pending.
	Seq int64
}

// failure is the step_result payload of a failed step.
type failure struct {
	Exhausted bool `json:"exhausted,omitempty"`
}

// Fold derives the invocation for key from h.
func Fold(runID id.RunID, key string, h *journal.History) *Invocation {
	inv := &Invocation{
		RunID:    runID,
		Key:      key,
		Attempts: h.Count(journal.KindStepCall, key),
		Status:   StatusPending,
	}

	res := h.Find(journal.KindStepResult, key)
	if res == nil {
		return inv
	}
	inv.Seq = res.Seq
	if res.Attempt > inv.Attempts {
		inv.Attempts = res.Attempt
	}
	if res.Error == "" {
		inv.Status = StatusSucceeded
		inv.Result = res.Payload
		return inv
	}

	inv.Status = StatusFailed
	inv.Error = res.Error
	var f failure
	if len(res.Payload) > 0 && json.Unmarshal(res.Payload, &f) == nil {
		inv.Exhausted = f.Exhausted
	}
	return inv
}

// Err rebuilds the error a failed invocation surfaced when it settled, so
// replays observe the same outcome. It returns nil unless the invocation
// failed.
func (inv *Invocation) Err() error {
	if inv.Status != StatusFailed {
		return nil
	}
	cause := errors.New(inv.Error)
	if inv.Exhausted {
		cause = fmt.Errorf("%w: %w", durable.ErrMaxRetriesExceeded, cause)
	}
	return &durable.FatalError{Step: inv.Key, Err: cause}
}
