package dwp

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws/wsutil"
)

// ErrNoTransport is returned when a frame is pushed to a connection that
// has no live transport, such as a one-shot RPC call.
var ErrNoTransport = errors.New("dwp: connection cannot push frames")

// Connection represents an authenticated DWP connection.
type Connection struct {
	// ID uniquely identifies this connection.
	ID string

	// Identity is the authenticated identity for this connection.
	Identity *Identity

	// Codec is the negotiated wire format.
	Codec Codec

	// ConnectedAt records when the connection was established.
	ConnectedAt time.Time

	// LastActivity tracks the most recent frame received.
	LastActivity atomic.Value // time.Time

	wmu sync.Mutex
	w   io.Writer

	mu sync.RWMutex
	// subscriptions tracks broker topic subscriptions.
	subscriptions map[string]struct{}
	// streams tracks run stream subscriptions by channel.
	streams map[string]*StreamSubscription
}

// NewConnection creates a connection with the given ID and identity.
func NewConnection(id string, identity *Identity, codec Codec) *Connection {
	c := &Connection{
		ID:            id,
		Identity:      identity,
		Codec:         codec,
		ConnectedAt:   time.Now().UTC(),
		subscriptions: make(map[string]struct{}),
		streams:       make(map[string]*StreamSubscription),
	}
	c.LastActivity.Store(time.Now().UTC())
	return c
}

// Bind attaches the websocket the connection pushes frames to.
func (c *Connection) Bind(w io.Writer) {
	c.wmu.Lock()
	c.w = w
	c.wmu.Unlock()
}

// CanPush reports whether frames can be pushed to the peer.
func (c *Connection) CanPush() bool {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.w != nil
}

// Send encodes frame with the connection codec and writes it as one
// websocket message. It is safe for concurrent use.
func (c *Connection) Send(frame *Frame) error {
	data, err := c.Codec.Encode(frame)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.w == nil {
		return ErrNoTransport
	}
	return wsutil.WriteServerMessage(c.w, c.Codec.OpCode(), data)
}

// Touch updates the last activity timestamp.
func (c *Connection) Touch() {
	c.LastActivity.Store(time.Now().UTC())
}

// AddSubscription records a channel subscription.
func (c *Connection) AddSubscription(channel string) {
	c.mu.Lock()
	c.subscriptions[channel] = struct{}{}
	c.mu.Unlock()
}

// RemoveSubscription removes a channel subscription.
func (c *Connection) RemoveSubscription(channel string) {
	c.mu.Lock()
	delete(c.subscriptions, channel)
	c.mu.Unlock()
}

// Subscriptions returns a copy of active subscription channels.
func (c *Connection) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		out = append(out, ch)
	}
	return out
}

// addStream registers sub, replacing and cancelling any previous
// subscription on the same channel.
func (c *Connection) addStream(sub *StreamSubscription) {
	c.mu.Lock()
	prev := c.streams[sub.Channel]
	c.streams[sub.Channel] = sub
	c.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}
}

// Stream returns the stream subscription on channel.
func (c *Connection) Stream(channel string) (*StreamSubscription, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.streams[channel]
	return s, ok
}

// RemoveStream cancels and forgets the stream subscription on channel.
func (c *Connection) RemoveStream(channel string) bool {
	c.mu.Lock()
	sub, ok := c.streams[channel]
	delete(c.streams, channel)
	c.mu.Unlock()
	if ok {
		sub.cancel()
	}
	return ok
}

// dropStream forgets sub if it is still the one registered on its channel.
func (c *Connection) dropStream(sub *StreamSubscription) {
	c.mu.Lock()
	if c.streams[sub.Channel] == sub {
		delete(c.streams, sub.Channel)
	}
	c.mu.Unlock()
}

// Close cancels every stream subscription.
func (c *Connection) Close() {
	c.mu.Lock()
	streams := c.streams
	c.streams = make(map[string]*StreamSubscription)
	c.mu.Unlock()
	for _, s := range streams {
		s.cancel()
	}
	c.wmu.Lock()
	c.w = nil
	c.wmu.Unlock()
}

// StreamSubscription follows one run's stream on behalf of a connection.
// Every chunk sent consumes one credit; the client replenishes credits
// with a credits frame on the subscription's channel.
type StreamSubscription struct {
	Channel string

	credits atomic.Int64
	wake    chan struct{}
	cancel  context.CancelFunc
}

func newStreamSubscription(channel string, credits int64, cancel context.CancelFunc) *StreamSubscription {
	s := &StreamSubscription{
		Channel: channel,
		wake:    make(chan struct{}, 1),
		cancel:  cancel,
	}
	s.credits.Store(credits)
	return s
}

// AddCredits replenishes the subscription's credits.
func (s *StreamSubscription) AddCredits(n int64) {
	s.credits.Add(n)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Credits returns the remaining credits.
func (s *StreamSubscription) Credits() int64 { return s.credits.Load() }

// acquire takes one credit, waiting for a replenishment when none are left.
func (s *StreamSubscription) acquire(ctx context.Context) error {
	for {
		n := s.credits.Load()
		if n > 0 {
			if s.credits.CompareAndSwap(n, n-1) {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		}
	}
}

// ConnectionManager tracks active DWP connections.
type ConnectionManager struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewConnectionManager creates an empty connection manager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		conns: make(map[string]*Connection),
	}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.conns[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove unregisters a connection.
func (cm *ConnectionManager) Remove(connID string) {
	cm.mu.Lock()
	delete(cm.conns, connID)
	cm.mu.Unlock()
}

// Get returns a connection by ID.
func (cm *ConnectionManager) Get(connID string) (*Connection, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	c, ok := cm.conns[connID]
	return c, ok
}

// Count returns the number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.conns)
}

// All returns a snapshot of all connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]*Connection, 0, len(cm.conns))
	for _, c := range cm.conns {
		out = append(out, c)
	}
	return out
}
