package engine

import (
	"context"
	"encoding/json"

	"github.com/xraph/durable"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/stream"
	"github.com/xraph/durable/workflow"
)

// Handle refers to one run. It holds no state besides the run ID, so it
// can be rebuilt from an ID on any process with Engine.Handle.
type Handle struct {
	RunID id.RunID
	eng   *Engine
}

// Run returns the current run record.
func (h *Handle) Run(ctx context.Context) (*workflow.Run, error) {
	return h.eng.GetRun(ctx, h.RunID)
}

// Status returns the run's current status.
func (h *Handle) Status(ctx context.Context) (workflow.Status, error) {
	run, err := h.eng.GetRun(ctx, h.RunID)
	if err != nil {
		return "", err
	}
	return run.Status, nil
}

// Result waits for the run to finish. See Engine.Result.
func (h *Handle) Result(ctx context.Context) ([]byte, error) {
	return h.eng.Result(ctx, h.RunID)
}

// Readable attaches a reader to the run's stream at startIndex.
func (h *Handle) Readable(ctx context.Context, startIndex int64) (*stream.Reader, error) {
	return h.eng.Readable(ctx, h.RunID, startIndex)
}

// Cancel cancels the run.
func (h *Handle) Cancel(ctx context.Context) error {
	return h.eng.Cancel(ctx, h.RunID)
}

// encodeInput turns a start input into JSON. Raw JSON passes through
// untouched; byte slices must already be valid JSON.
func encodeInput(input any) ([]byte, error) {
	switch v := input.(type) {
	case nil:
		return []byte("null"), nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, durable.NewValidationError("input", "malformed JSON")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, durable.NewValidationError("input", "malformed JSON")
		}
		return v, nil
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, &durable.ValidationError{Field: "input", Err: err}
	}
	return raw, nil
}
