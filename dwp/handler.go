package dwp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/xraph/durable"
	"github.com/xraph/durable/engine"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/stream"
)

// defaultStreamCredits is the initial credit grant of a stream
// subscription that does not ask for one.
const defaultStreamCredits = 256

// Handler dispatches DWP frames to engine operations.
type Handler struct {
	eng     *engine.Engine
	broker  *stream.Broker
	logger  *slog.Logger
	credits int64
	conns   func() int
}

// NewHandler creates a new DWP method handler.
func NewHandler(eng *engine.Engine, logger *slog.Logger) *Handler {
	return &Handler{
		eng:     eng,
		broker:  eng.Broker(),
		logger:  logger,
		credits: defaultStreamCredits,
	}
}

// Handle processes a single DWP request frame and returns a response.
// ctx bounds any stream subscription the frame starts, so it should live
// as long as the connection.
func (h *Handler) Handle(ctx context.Context, frame *Frame, conn *Connection) *Frame {
	switch frame.Method {
	case MethodRunStart:
		return h.handleRunStart(ctx, frame)
	case MethodRunGet:
		return h.handleRunGet(ctx, frame)
	case MethodRunCancel:
		return h.handleRunCancel(ctx, frame)
	case MethodHookResume:
		return h.handleHookResume(ctx, frame)
	case MethodStreamSubscribe:
		return h.handleStreamSubscribe(ctx, frame, conn)
	case MethodStreamUnsubscribe:
		return h.handleStreamUnsubscribe(frame, conn)
	case MethodSubscribe:
		return h.handleSubscribe(frame)
	case MethodUnsubscribe:
		return h.handleUnsubscribe(frame)
	case MethodStats:
		return h.handleStats(frame)
	default:
		return NewErrorFrame(frame.ID, ErrCodeMethodNotFound, "unknown method: "+frame.Method)
	}
}

// mustResponseFrame creates a response frame, returning an error frame on marshal failure.
func mustResponseFrame(frameID string, data any) *Frame {
	resp, err := NewResponseFrame(frameID, data)
	if err != nil {
		return NewErrorFrame(frameID, ErrCodeInternal, "marshal response: "+err.Error())
	}
	return resp
}

// engineErrorFrame maps an engine error onto its HTTP-style code.
func engineErrorFrame(frameID string, err error) *Frame {
	return NewErrorFrame(frameID, durable.HTTPStatus(err), err.Error())
}

func decode(frame *Frame, v any) *Frame {
	if err := json.Unmarshal(frame.Data, v); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}
	return nil
}

func parseRunID(frame *Frame, raw string) (id.RunID, *Frame) {
	runID, err := id.ParseRunID(raw)
	if err != nil {
		return runID, NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid run ID: "+err.Error())
	}
	return runID, nil
}

func (h *Handler) handleRunStart(ctx context.Context, frame *Frame) *Frame {
	var req RunStartRequest
	if errFrame := decode(frame, &req); errFrame != nil {
		return errFrame
	}

	var opts []engine.StartOption
	if req.RunID != "" {
		runID, errFrame := parseRunID(frame, req.RunID)
		if errFrame != nil {
			return errFrame
		}
		opts = append(opts, engine.WithRunID(runID))
	}
	var input any
	if len(req.Input) > 0 {
		input = req.Input
	}

	handle, err := h.eng.Start(ctx, req.Workflow, input, opts...)
	if err != nil {
		return engineErrorFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, RunStartResponse{
		RunID:    handle.RunID.String(),
		Workflow: req.Workflow,
		Channel:  StreamChannel(handle.RunID.String()),
	})
}

func (h *Handler) handleRunGet(ctx context.Context, frame *Frame) *Frame {
	var req RunRequest
	if errFrame := decode(frame, &req); errFrame != nil {
		return errFrame
	}
	runID, errFrame := parseRunID(frame, req.RunID)
	if errFrame != nil {
		return errFrame
	}
	run, err := h.eng.GetRun(ctx, runID)
	if err != nil {
		return engineErrorFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, run)
}

func (h *Handler) handleRunCancel(ctx context.Context, frame *Frame) *Frame {
	var req RunRequest
	if errFrame := decode(frame, &req); errFrame != nil {
		return errFrame
	}
	runID, errFrame := parseRunID(frame, req.RunID)
	if errFrame != nil {
		return errFrame
	}
	if err := h.eng.Cancel(ctx, runID); err != nil {
		return engineErrorFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, map[string]string{
		"run_id": req.RunID,
		"status": "cancelled",
	})
}

func (h *Handler) handleHookResume(ctx context.Context, frame *Frame) *Frame {
	var req HookResumeRequest
	if errFrame := decode(frame, &req); errFrame != nil {
		return errFrame
	}
	if req.Token == "" {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "token is required")
	}
	if err := h.eng.Resume(ctx, req.Token, req.Payload); err != nil {
		return engineErrorFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, HookResumeResponse{Token: req.Token, Status: "accepted"})
}

// handleStreamSubscribe attaches a reader at the requested index, sends
// the response itself so it precedes every chunk, and returns nil.
func (h *Handler) handleStreamSubscribe(ctx context.Context, frame *Frame, conn *Connection) *Frame {
	var req StreamSubscribeRequest
	if errFrame := decode(frame, &req); errFrame != nil {
		return errFrame
	}
	if !conn.CanPush() {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "stream subscriptions require a websocket connection")
	}
	if req.StartIndex < 0 {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "start_index must be non-negative")
	}
	runID, errFrame := parseRunID(frame, req.RunID)
	if errFrame != nil {
		return errFrame
	}

	subCtx, cancel := context.WithCancel(ctx)
	reader, err := h.eng.Readable(subCtx, runID, req.StartIndex)
	if err != nil {
		cancel()
		return engineErrorFrame(frame.ID, err)
	}

	credits := int64(req.Credits)
	if credits <= 0 {
		credits = h.credits
	}
	channel := StreamChannel(runID.String())
	sub := newStreamSubscription(channel, credits, cancel)
	conn.addStream(sub)

	resp := mustResponseFrame(frame.ID, StreamSubscribeResponse{Channel: channel, StartIndex: req.StartIndex})
	if err := conn.Send(resp); err != nil {
		conn.dropStream(sub)
		cancel()
		reader.Close()
		return nil
	}
	go h.pump(subCtx, conn, sub, reader)
	return nil
}

// pump forwards chunks to the connection until the finish chunk, the
// subscription is cancelled, or the connection fails.
func (h *Handler) pump(ctx context.Context, conn *Connection, sub *StreamSubscription, reader *stream.Reader) {
	defer func() {
		reader.Close()
		conn.dropStream(sub)
		sub.cancel()
	}()

	for {
		c, err := reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			fc, ok := reader.FinishChunk()
			if !ok {
				return
			}
			c = fc
		} else if err != nil {
			if ctx.Err() == nil {
				h.logger.Warn("DWP stream read failed",
					slog.String("conn_id", conn.ID),
					slog.String("channel", sub.Channel),
					slog.String("error", err.Error()),
				)
				errFrame := NewErrorFrame("", durable.HTTPStatus(err), err.Error())
				errFrame.Channel = sub.Channel
				_ = conn.Send(errFrame)
			}
			return
		}

		if err := sub.acquire(ctx); err != nil {
			return
		}
		evt, merr := NewEventFrame(sub.Channel, MethodStreamChunk, c)
		if merr != nil {
			return
		}
		if err := conn.Send(evt); err != nil {
			return
		}
		if c.IsFinish() {
			return
		}
	}
}

func (h *Handler) handleStreamUnsubscribe(frame *Frame, conn *Connection) *Frame {
	var req UnsubscribeRequest
	if errFrame := decode(frame, &req); errFrame != nil {
		return errFrame
	}
	if !conn.RemoveStream(req.Channel) {
		return NewErrorFrame(frame.ID, ErrCodeNotFound, "no stream subscription on "+req.Channel)
	}
	return mustResponseFrame(frame.ID, map[string]string{
		"channel": req.Channel,
		"status":  "unsubscribed",
	})
}

func (h *Handler) handleSubscribe(frame *Frame) *Frame {
	var req SubscribeRequest
	if errFrame := decode(frame, &req); errFrame != nil {
		return errFrame
	}

	if err := stream.ValidateTopic(req.Channel); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, err.Error())
	}

	// Actual subscription is done in the server loop after response is sent.
	return mustResponseFrame(frame.ID, map[string]string{
		"channel": req.Channel,
		"status":  "subscribed",
	})
}

func (h *Handler) handleUnsubscribe(frame *Frame) *Frame {
	var req UnsubscribeRequest
	if errFrame := decode(frame, &req); errFrame != nil {
		return errFrame
	}

	// Actual unsubscription is done in the server loop after response is sent.
	return mustResponseFrame(frame.ID, map[string]string{
		"channel": req.Channel,
		"status":  "unsubscribed",
	})
}

func (h *Handler) handleStats(frame *Frame) *Frame {
	connCount := 0
	if h.conns != nil {
		connCount = h.conns()
	}
	return mustResponseFrame(frame.ID, map[string]any{
		"broker":      h.broker.Stats(),
		"connections": connCount,
		"workflows":   h.eng.Registry().Names(),
	})
}
