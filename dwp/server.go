package dwp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/xraph/durable/stream"
)

// Server is the DWP server that handles WebSocket, SSE, and HTTP RPC
// connections. It integrates with the engine through the Handler and
// with the stream broker for run lifecycle events.
type Server struct {
	broker       *stream.Broker
	handler      *Handler
	auth         Authenticator
	defaultCodec Codec
	conns        *ConnectionManager
	logger       *slog.Logger
	basePath     string

	seq     atomic.Uint64
	mu      sync.Mutex
	sockets map[string]net.Conn
}

// NewServer creates a new DWP server.
func NewServer(handler *Handler, opts ...Option) *Server {
	s := &Server{
		broker:       handler.broker,
		handler:      handler,
		defaultCodec: &JSONCodec{},
		conns:        NewConnectionManager(),
		logger:       slog.Default(),
		basePath:     "/dwp",
		sockets:      make(map[string]net.Conn),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.auth == nil {
		s.auth = &NoopAuthenticator{}
	}
	handler.conns = s.conns.Count
	return s
}

// Broker returns the underlying stream broker.
func (s *Server) Broker() *stream.Broker { return s.broker }

// Connections returns the connection manager.
func (s *Server) Connections() *ConnectionManager { return s.conns }

// RegisterRoutes mounts DWP endpoints on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	// Primary: WebSocket
	mux.HandleFunc("GET "+s.basePath, s.handleWebSocket)
	// Fallback: SSE for read-only run events
	mux.HandleFunc("GET "+s.basePath+"/sse", s.handleSSE)
	// One-shot: HTTP RPC
	mux.HandleFunc("POST "+s.basePath+"/rpc", s.handleHTTPRPC)
}

// Close drops every open websocket. Stream subscriptions end with them.
func (s *Server) Close() error {
	s.mu.Lock()
	sockets := s.sockets
	s.sockets = make(map[string]net.Conn)
	s.mu.Unlock()
	for _, c := range sockets {
		_ = c.Close()
	}
	return nil
}

func (s *Server) track(connID string, c net.Conn) {
	s.mu.Lock()
	s.sockets[connID] = c
	s.mu.Unlock()
}

func (s *Server) untrack(connID string) {
	s.mu.Lock()
	delete(s.sockets, connID)
	s.mu.Unlock()
}

// writeJSONText writes frame as a JSON text message. Frames exchanged
// before codec negotiation always use JSON.
func writeJSONText(c net.Conn, frame *Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return wsutil.WriteServerMessage(c, ws.OpText, data)
}

// handleWebSocket is the main WebSocket connection handler.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("DWP upgrade failed", slog.String("error", err.Error()))
		return
	}
	connID := fmt.Sprintf("ws-%d", s.seq.Add(1))
	s.track(connID, netConn)
	defer func() {
		s.untrack(connID)
		_ = netConn.Close()
	}()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	if err := s.serveConn(ctx, connID, netConn); err != nil {
		s.logger.Info("DWP WebSocket closed",
			slog.String("conn_id", connID),
			slog.String("reason", err.Error()),
		)
	}
}

func (s *Server) serveConn(ctx context.Context, connID string, netConn net.Conn) error {
	s.logger.Info("DWP WebSocket connected", slog.String("conn_id", connID))

	// Wait for auth frame.
	authData, _, readErr := wsutil.ReadClientData(netConn)
	if readErr != nil {
		return fmt.Errorf("dwp: read auth frame: %w", readErr)
	}

	// Auth frames are always JSON (before codec negotiation).
	var authFrame Frame
	if err := json.Unmarshal(authData, &authFrame); err != nil {
		//nolint:errcheck // best-effort error response before disconnect
		writeJSONText(netConn, NewErrorFrame("", ErrCodeBadRequest, "invalid auth frame"))
		return fmt.Errorf("dwp: unmarshal auth frame: %w", err)
	}

	if authFrame.Method != MethodAuth {
		//nolint:errcheck // best-effort error response before disconnect
		writeJSONText(netConn, NewErrorFrame(authFrame.ID, ErrCodeBadRequest, "first frame must be auth"))
		return fmt.Errorf("dwp: expected auth frame, got %q", authFrame.Method)
	}

	var authReq AuthRequest
	if len(authFrame.Data) > 0 {
		if err := json.Unmarshal(authFrame.Data, &authReq); err != nil {
			//nolint:errcheck // best-effort error response before disconnect
			writeJSONText(netConn, NewErrorFrame(authFrame.ID, ErrCodeBadRequest, "invalid auth data"))
			return err
		}
	}

	token := authReq.Token
	if token == "" {
		token = authFrame.Token
	}
	identity, authErr := s.auth.Authenticate(ctx, token)
	if authErr != nil {
		//nolint:errcheck // best-effort error response before disconnect
		writeJSONText(netConn, NewErrorFrame(authFrame.ID, ErrCodeUnauthorized, "authentication failed"))
		return fmt.Errorf("dwp: auth failed: %w", authErr)
	}

	// Negotiate codec.
	codec := s.defaultCodec
	if authReq.Format != "" {
		codec = GetCodec(authReq.Format)
	}

	dwpConn := NewConnection(connID, identity, codec)
	s.conns.Add(dwpConn)
	defer func() {
		dwpConn.Close()
		s.broker.RemoveSubscriber(connID)
		s.conns.Remove(connID)
		s.logger.Info("DWP WebSocket disconnected", slog.String("conn_id", connID))
	}()

	resp, respErr := NewResponseFrame(authFrame.ID, AuthResponse{
		Format:    codec.Name(),
		SessionID: connID,
	})
	if respErr != nil {
		return fmt.Errorf("dwp: marshal auth response: %w", respErr)
	}
	if err := writeJSONText(netConn, resp); err != nil {
		return err
	}
	dwpConn.Bind(netConn)

	s.logger.Info("DWP authenticated",
		slog.String("conn_id", connID),
		slog.String("subject", identity.Subject),
		slog.String("codec", codec.Name()),
	)

	// Forward broker events for topics the client subscribes to.
	sub := s.broker.Subscribe(connID)
	go s.forwardEvents(dwpConn, sub)

	for {
		data, _, err := wsutil.ReadClientData(netConn)
		if err != nil {
			return nil // Connection closed.
		}
		dwpConn.Touch()

		frame, decErr := codec.Decode(data)
		if decErr != nil {
			s.reply(dwpConn, NewErrorFrame("", ErrCodeBadRequest, "invalid frame: "+decErr.Error()))
			continue
		}

		if frame.Type == FramePing {
			s.reply(dwpConn, &Frame{
				ID:        GenerateFrameID(),
				Type:      FramePong,
				CorrelID:  frame.ID,
				Timestamp: frame.Timestamp,
			})
			continue
		}

		// Credits replenish a stream subscription or the event subscriber.
		if frame.Credits > 0 {
			if ss, ok := dwpConn.Stream(frame.Channel); ok {
				ss.AddCredits(int64(frame.Credits))
			} else {
				sub.AddCredits(int64(frame.Credits))
			}
			continue
		}

		if reqScope := RequiredScope(frame.Method); reqScope != "" && !identity.HasScope(reqScope) {
			s.reply(dwpConn, NewErrorFrame(frame.ID, ErrCodeForbidden, "insufficient permissions"))
			continue
		}

		respFrame := s.handler.Handle(ctx, frame, dwpConn)
		if respFrame == nil {
			continue
		}
		if respFrame.Type == FrameResponse {
			s.applySubscription(connID, dwpConn, frame)
		}
		s.reply(dwpConn, respFrame)
	}
}

// applySubscription performs the broker side effects of subscribe and
// unsubscribe frames.
func (s *Server) applySubscription(connID string, conn *Connection, frame *Frame) {
	switch frame.Method {
	case MethodSubscribe:
		var req SubscribeRequest
		if json.Unmarshal(frame.Data, &req) == nil {
			s.broker.SubscribeTo(connID, req.Channel)
			conn.AddSubscription(req.Channel)
		}
	case MethodUnsubscribe:
		var req UnsubscribeRequest
		if json.Unmarshal(frame.Data, &req) == nil {
			s.broker.Unsubscribe(connID, req.Channel)
			conn.RemoveSubscription(req.Channel)
		}
	}
}

func (s *Server) reply(conn *Connection, frame *Frame) {
	if err := conn.Send(frame); err != nil {
		s.logger.Warn("failed to write frame",
			slog.String("conn_id", conn.ID),
			slog.String("type", string(frame.Type)),
			slog.String("error", err.Error()),
		)
	}
}

// forwardEvents reads from the subscriber channel and writes events
// to the WebSocket connection.
func (s *Server) forwardEvents(conn *Connection, sub *stream.Subscriber) {
	for evt := range sub.C() {
		evtFrame, err := NewEventFrame(evt.Topic, string(evt.Type), evt)
		if err != nil {
			continue
		}
		if writeErr := conn.Send(evtFrame); writeErr != nil {
			return // Connection gone.
		}
	}
}

// handleSSE serves read-only Server-Sent Events for clients that
// cannot establish WebSocket connections.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	identity, err := s.auth.Authenticate(ctx, token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !identity.HasScope(ScopeSubscribe) {
		http.Error(w, "insufficient permissions", http.StatusForbidden)
		return
	}

	channel := r.URL.Query().Get("channel")
	if err := stream.ValidateTopic(channel); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	connID := fmt.Sprintf("sse-%d", s.seq.Add(1))
	sub := s.broker.Subscribe(connID, channel)
	defer s.broker.RemoveSubscriber(connID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	_ = rc.Flush()

	for {
		select {
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			sub.AddCredits(1)
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// handleHTTPRPC handles one-shot HTTP RPC requests for simple operations.
func (s *Server) handleHTTPRPC(w http.ResponseWriter, r *http.Request) {
	writeFrame := func(code int, f *Frame) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(f)
	}

	var frame Frame
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&frame); err != nil {
		writeFrame(http.StatusBadRequest, NewErrorFrame("", ErrCodeBadRequest, "invalid request body"))
		return
	}

	token := frame.Token
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	identity, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		writeFrame(http.StatusUnauthorized, NewErrorFrame(frame.ID, ErrCodeUnauthorized, "unauthorized"))
		return
	}

	if reqScope := RequiredScope(frame.Method); reqScope != "" && !identity.HasScope(reqScope) {
		writeFrame(http.StatusForbidden, NewErrorFrame(frame.ID, ErrCodeForbidden, "forbidden"))
		return
	}

	// A transport-less connection: push-based methods are rejected.
	conn := NewConnection(fmt.Sprintf("rpc-%d", s.seq.Add(1)), identity, &JSONCodec{})

	resp := s.handler.Handle(r.Context(), &frame, conn)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	status := http.StatusOK
	if resp.Type == FrameErr && resp.Error != nil {
		status = resp.Error.Code
		if status < 100 || status > 599 {
			status = http.StatusInternalServerError
		}
	}
	writeFrame(status, resp)
}
