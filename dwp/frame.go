// Package dwp implements the Durable Wire Protocol (DWP), a message-based
// protocol for driving runs and following their streams over a single
// connection. DWP is transported over WebSocket (primary), SSE (read-only
// run events) and HTTP (one-shot RPC).
package dwp

import (
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"
)

// FrameType identifies the frame category.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameEvent    FrameType = "event"
	FrameErr      FrameType = "error"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
)

// Frame is the DWP message envelope. Every message exchanged over
// the protocol is a Frame.
type Frame struct {
	// ID uniquely identifies this frame.
	ID string `json:"id" msgpack:"id"`

	// Type categorizes the frame.
	Type FrameType `json:"type" msgpack:"type"`

	// Method names the operation for request frames (e.g., "run.start")
	// and the payload kind for event frames (e.g., "stream.chunk").
	Method string `json:"method,omitempty" msgpack:"method,omitempty"`

	// CorrelID links a response to its originating request.
	CorrelID string `json:"correl_id,omitempty" msgpack:"correl_id,omitempty"`

	// Token carries auth credentials (typically only on the auth frame).
	Token string `json:"token,omitempty" msgpack:"token,omitempty"`

	// Data carries the method-specific payload.
	Data json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`

	// Error carries error details for error frames.
	Error *ErrorDetail `json:"error,omitempty" msgpack:"error,omitempty"`

	// Channel identifies the subscription an event frame belongs to, or
	// the subscription a credits frame replenishes.
	Channel string `json:"channel,omitempty" msgpack:"channel,omitempty"`

	// Credits replenishes flow-control credits (backpressure).
	Credits int `json:"credits,omitempty" msgpack:"credits,omitempty"`

	// Timestamp records when this frame was created.
	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

// ErrorDetail describes an error in a response or error frame. Code
// follows HTTP status semantics.
type ErrorDetail struct {
	Code    int    `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

// ── Well-known methods ──────────────────────────────

const (
	MethodAuth = "auth"

	// Run methods.
	MethodRunStart  = "run.start"
	MethodRunGet    = "run.get"
	MethodRunCancel = "run.cancel"

	// Hook methods.
	MethodHookResume = "hook.resume"

	// Stream methods. Chunks arrive as event frames with MethodStreamChunk.
	MethodStreamSubscribe   = "stream.subscribe"
	MethodStreamUnsubscribe = "stream.unsubscribe"
	MethodStreamChunk       = "stream.chunk"

	// Run lifecycle event subscriptions (broker topics).
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"

	MethodStats = "stats"
)

// ── Well-known error codes ──────────────────────────

const (
	ErrCodeBadRequest     = 400
	ErrCodeUnauthorized   = 401
	ErrCodeForbidden      = 403
	ErrCodeNotFound       = 404
	ErrCodeMethodNotFound = 405
	ErrCodeConflict       = 409
	ErrCodeInternal       = 500
)

// ── Request/Response payloads ───────────────────────

// AuthRequest is sent by clients to authenticate.
type AuthRequest struct {
	Token  string `json:"token"`
	Format string `json:"format,omitempty"` // "json" (default) or "msgpack"
}

// AuthResponse is returned after successful authentication.
type AuthResponse struct {
	Format    string `json:"format"`
	SessionID string `json:"session_id"`
}

// RunStartRequest starts a run.
type RunStartRequest struct {
	Workflow string          `json:"workflow"`
	Input    json.RawMessage `json:"input,omitempty"`
	// RunID makes the start idempotent when set.
	RunID string `json:"run_id,omitempty"`
}

// RunStartResponse confirms a run start.
type RunStartResponse struct {
	RunID    string `json:"run_id"`
	Workflow string `json:"workflow"`
	Channel  string `json:"channel"`
}

// RunRequest addresses a run.
type RunRequest struct {
	RunID string `json:"run_id"`
}

// HookResumeRequest delivers a payload to a hook.
type HookResumeRequest struct {
	Token   string          `json:"token"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HookResumeResponse confirms a durable delivery.
type HookResumeResponse struct {
	Token  string `json:"token"`
	Status string `json:"status"`
}

// StreamSubscribeRequest follows a run's stream from StartIndex.
type StreamSubscribeRequest struct {
	RunID      string `json:"run_id"`
	StartIndex int64  `json:"start_index,omitempty"`
	Credits    int    `json:"credits,omitempty"` // Initial credits (0 = server default)
}

// StreamSubscribeResponse names the channel chunk events arrive on.
type StreamSubscribeResponse struct {
	Channel    string `json:"channel"`
	StartIndex int64  `json:"start_index"`
}

// SubscribeRequest subscribes to a broker topic.
type SubscribeRequest struct {
	Channel string `json:"channel"`
}

// UnsubscribeRequest removes a subscription.
type UnsubscribeRequest struct {
	Channel string `json:"channel"`
}

// StreamChannel returns the channel a run's chunk events are sent on.
func StreamChannel(runID string) string { return "stream:" + runID }

// NewRequestFrame creates a new request frame.
func NewRequestFrame(id, method string, data any) (*Frame, error) {
	f := &Frame{
		ID:        id,
		Type:      FrameRequest,
		Method:    method,
		Timestamp: time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		f.Data = raw
	}
	return f, nil
}

// NewResponseFrame creates a response to a request.
func NewResponseFrame(correlID string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameResponse,
		CorrelID:  correlID,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewErrorFrame creates an error response to a request.
func NewErrorFrame(correlID string, code int, message string) *Frame {
	return &Frame{
		ID:       GenerateFrameID(),
		Type:     FrameErr,
		CorrelID: correlID,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewEventFrame creates an event frame of kind method on channel.
func NewEventFrame(channel, method string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameEvent,
		Method:    method,
		Channel:   channel,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

var frameSeq atomic.Uint64

// GenerateFrameID returns a new process-unique frame ID.
func GenerateFrameID() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatUint(frameSeq.Add(1), 36)
}
