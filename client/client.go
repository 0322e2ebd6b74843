// Package client provides a Go client for driving a remote durable engine
// over the Durable Wire Protocol (DWP) on a WebSocket.
//
// Usage:
//
//	c, err := client.Dial("wss://api.example.com/dwp",
//	    client.WithToken("dk_..."),
//	    client.WithReconnect(5, time.Second),
//	)
//	defer c.Close()
//
//	// Start a run and follow its output stream.
//	run, err := c.StartRun(ctx, "order-pipeline", input)
//	r, err := c.Stream(ctx, run.RunID, 0)
//	for {
//	    chunk, err := r.Next(ctx)
//	    if errors.Is(err, io.EOF) {
//	        break
//	    }
//	    fmt.Printf("%d: %s\n", chunk.Index, chunk.Data)
//	}
//
//	// Deliver a hook payload.
//	err = c.Resume(ctx, "approval:order-42", map[string]any{"approved": true})
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/xraph/durable/backoff"
	"github.com/xraph/durable/dwp"
	"github.com/xraph/durable/stream"
)

var (
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("durable/client: client closed")

	// ErrDisconnected fails requests that were in flight when the
	// connection dropped.
	ErrDisconnected = errors.New("durable/client: connection lost")
)

// Client is a DWP client that communicates with a remote durable server.
type Client struct {
	url     string
	token   string
	format  string
	logger  *slog.Logger
	credits int

	// Reconnection.
	reconnect  bool
	maxRetries int
	baseDelay  time.Duration

	// Connection state. mu guards conn and codec and serializes writes.
	mu        sync.Mutex
	conn      net.Conn
	codec     dwp.Codec
	closed    atomic.Bool
	sessionID atomic.Value // string

	// Request-response correlation.
	pending sync.Map // frameID → chan *dwp.Frame

	// Broker topic subscriptions.
	subs sync.Map // channel → chan *stream.Event

	// Run stream followers.
	streams sync.Map // channel → *StreamReader
}

// Dial connects to a DWP server and authenticates.
func Dial(url string, opts ...Option) (*Client, error) {
	return DialContext(context.Background(), url, opts...)
}

// DialContext connects to a DWP server with a context.
func DialContext(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:        url,
		format:     dwp.CodecNameJSON,
		logger:     slog.Default(),
		credits:    defaultStreamCredits,
		maxRetries: 5,
		baseDelay:  time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("durable/client: dial: %w", err)
	}

	go c.readLoop(conn)
	return c, nil
}

// connect establishes the WebSocket connection and performs the auth
// handshake. Auth frames are JSON text regardless of the requested format.
func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	conn, _, _, err := ws.Dial(ctx, c.url)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	authFrame, err := dwp.NewRequestFrame(dwp.GenerateFrameID(), dwp.MethodAuth, dwp.AuthRequest{
		Token:  c.token,
		Format: c.format,
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("marshal auth request: %w", err)
	}
	authData, err := json.Marshal(authFrame)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("marshal auth frame: %w", err)
	}
	if err := wsutil.WriteClientText(conn, authData); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("write auth frame: %w", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read auth response: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	var resp dwp.Frame
	if err := json.Unmarshal(data, &resp); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("unmarshal auth response: %w", err)
	}
	if resp.Type == dwp.FrameErr {
		_ = conn.Close()
		return nil, fmt.Errorf("auth failed: %w", frameError(&resp))
	}

	var authResp dwp.AuthResponse
	if err := json.Unmarshal(resp.Data, &authResp); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("unmarshal auth response: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.codec = dwp.GetCodec(authResp.Format)
	c.mu.Unlock()
	c.sessionID.Store(authResp.SessionID)

	c.logger.Info("DWP client connected",
		slog.String("session_id", authResp.SessionID),
		slog.String("format", authResp.Format),
	)
	return conn, nil
}

// readLoop reads frames from conn and dispatches them until the
// connection fails.
func (c *Client) readLoop(conn net.Conn) {
	c.mu.Lock()
	codec := c.codec
	c.mu.Unlock()

	for {
		data, _, err := wsutil.ReadServerData(conn)
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.logger.Warn("DWP client read error", slog.String("error", err.Error()))
			c.failPending()
			if c.reconnect {
				go c.tryReconnect()
			} else {
				c.failStreams(ErrDisconnected)
			}
			return
		}

		frame, err := codec.Decode(data)
		if err != nil {
			c.logger.Warn("DWP client: invalid frame", slog.String("error", err.Error()))
			continue
		}
		c.route(frame)
	}
}

// route delivers one frame to its pending request, stream follower, or
// topic subscription.
func (c *Client) route(frame *dwp.Frame) {
	switch frame.Type {
	case dwp.FrameResponse, dwp.FrameErr:
		if frame.CorrelID == "" && frame.Channel != "" {
			if r, ok := c.stream(frame.Channel); ok {
				r.fail(frameError(frame))
			}
			return
		}
		if val, ok := c.pending.Load(frame.CorrelID); ok {
			ch := val.(chan *dwp.Frame) //nolint:errcheck // pending map always stores chan *dwp.Frame
			select {
			case ch <- frame:
			default:
			}
		}
	case dwp.FrameEvent:
		if frame.Method == dwp.MethodStreamChunk {
			r, ok := c.stream(frame.Channel)
			if !ok {
				return
			}
			var chunk stream.Chunk
			if err := json.Unmarshal(frame.Data, &chunk); err != nil {
				c.logger.Warn("DWP client: invalid chunk", slog.String("error", err.Error()))
				return
			}
			r.push(&chunk)
			return
		}
		if val, ok := c.subs.Load(frame.Channel); ok {
			ch := val.(chan *stream.Event) //nolint:errcheck // subs map always stores chan *stream.Event
			var evt stream.Event
			if json.Unmarshal(frame.Data, &evt) == nil {
				select {
				case ch <- &evt:
				default:
					// Drop if subscriber is slow.
				}
			}
		}
	case dwp.FramePong:
		// Ignore pong frames.
	}
}

func (c *Client) stream(channel string) (*StreamReader, bool) {
	val, ok := c.streams.Load(channel)
	if !ok {
		return nil, false
	}
	return val.(*StreamReader), true //nolint:errcheck // streams map always stores *StreamReader
}

// failPending wakes every in-flight request with ErrDisconnected.
func (c *Client) failPending() {
	c.pending.Range(func(key, val any) bool {
		ch := val.(chan *dwp.Frame) //nolint:errcheck // pending map always stores chan *dwp.Frame
		select {
		case ch <- nil:
		default:
		}
		return true
	})
}

func (c *Client) failStreams(err error) {
	c.streams.Range(func(_, val any) bool {
		val.(*StreamReader).fail(err) //nolint:errcheck // streams map always stores *StreamReader
		return true
	})
}

// tryReconnect redials with exponential backoff, then restores topic
// subscriptions and resubscribes every stream follower after the last
// chunk it received.
func (c *Client) tryReconnect() {
	delays := backoff.NewExponential(c.baseDelay, 30*time.Second)
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		delay := delays.Delay(attempt)
		c.logger.Info("DWP client reconnecting",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)
		time.Sleep(delay)
		if c.closed.Load() {
			return
		}

		conn, err := c.connect(context.Background())
		if err != nil {
			c.logger.Warn("DWP client reconnect failed", slog.String("error", err.Error()))
			continue
		}

		c.logger.Info("DWP client reconnected")
		go c.readLoop(conn)
		c.restore()
		return
	}
	c.logger.Error("DWP client: max reconnection attempts reached")
	c.failStreams(ErrDisconnected)
}

func (c *Client) restore() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c.subs.Range(func(key, _ any) bool {
		channel := key.(string) //nolint:errcheck // subs map always uses string keys
		if _, err := c.request(ctx, dwp.MethodSubscribe, dwp.SubscribeRequest{Channel: channel}); err != nil {
			c.logger.Warn("DWP client: resubscribe failed",
				slog.String("channel", channel),
				slog.String("error", err.Error()),
			)
		}
		return true
	})
	c.streams.Range(func(_, val any) bool {
		r := val.(*StreamReader) //nolint:errcheck // streams map always stores *StreamReader
		if err := r.subscribe(ctx); err != nil {
			r.fail(err)
		}
		return true
	})
}

// request sends a request frame and waits for the correlated response.
// Error frames are returned as *Error.
func (c *Client) request(ctx context.Context, method string, data any) (*dwp.Frame, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	frame, err := dwp.NewRequestFrame(dwp.GenerateFrameID(), method, data)
	if err != nil {
		return nil, fmt.Errorf("marshal request data: %w", err)
	}

	respCh := make(chan *dwp.Frame, 1)
	c.pending.Store(frame.ID, respCh)
	defer c.pending.Delete(frame.ID)

	if err := c.writeFrame(frame); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp == nil {
			return nil, ErrDisconnected
		}
		if resp.Type == dwp.FrameErr {
			return nil, frameError(resp)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// writeFrame encodes frame with the negotiated codec and sends it.
func (c *Client) writeFrame(frame *dwp.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := c.codec.Encode(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return wsutil.WriteClientMessage(c.conn, c.codec.OpCode(), data)
}

// SessionID returns the session ID assigned by the server on the
// current connection.
func (c *Client) SessionID() string {
	s, _ := c.sessionID.Load().(string)
	return s
}

// Close closes the client connection. Open stream readers fail with
// ErrClosed and topic channels are closed.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.subs.Range(func(key, val any) bool {
		ch := val.(chan *stream.Event) //nolint:errcheck // subs map always stores chan *stream.Event
		close(ch)
		c.subs.Delete(key)
		return true
	})
	c.failStreams(ErrClosed)
	c.failPending()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
