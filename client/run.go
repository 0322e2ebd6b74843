package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xraph/durable/dwp"
	"github.com/xraph/durable/workflow"
)

// RunResult identifies a started run and the channel its stream
// chunks arrive on.
type RunResult struct {
	RunID    string `json:"run_id"`
	Workflow string `json:"workflow"`
	Channel  string `json:"channel"`
}

// StartOption configures StartRun.
type StartOption func(*dwp.RunStartRequest)

// WithRunID makes the start idempotent: starting an existing run ID
// fails with durable.ErrRunAlreadyExists.
func WithRunID(runID string) StartOption {
	return func(r *dwp.RunStartRequest) { r.RunID = runID }
}

// StartRun starts a run of the named workflow on the remote server.
// input is encoded as JSON unless it already is a json.RawMessage.
func (c *Client) StartRun(ctx context.Context, name string, input any, opts ...StartOption) (*RunResult, error) {
	raw, err := encode(input)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}
	req := dwp.RunStartRequest{Workflow: name, Input: raw}
	for _, opt := range opts {
		opt(&req)
	}

	resp, err := c.request(ctx, dwp.MethodRunStart, req)
	if err != nil {
		return nil, err
	}
	var result RunResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &result, nil
}

// GetRun retrieves a run by ID.
func (c *Client) GetRun(ctx context.Context, runID string) (*workflow.Run, error) {
	resp, err := c.request(ctx, dwp.MethodRunGet, dwp.RunRequest{RunID: runID})
	if err != nil {
		return nil, err
	}
	var run workflow.Run
	if err := json.Unmarshal(resp.Data, &run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &run, nil
}

// CancelRun cancels a run. Cancelling a finished run fails with
// durable.ErrRunTerminal.
func (c *Client) CancelRun(ctx context.Context, runID string) error {
	_, err := c.request(ctx, dwp.MethodRunCancel, dwp.RunRequest{RunID: runID})
	return err
}

// Resume delivers payload to the hook addressed by token. A nil error
// means the delivery is durable on the server.
func (c *Client) Resume(ctx context.Context, token string, payload any) error {
	raw, err := encode(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = c.request(ctx, dwp.MethodHookResume, dwp.HookResumeRequest{Token: token, Payload: raw})
	return err
}

func encode(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	}
	return json.Marshal(v)
}
