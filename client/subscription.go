package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xraph/durable/dwp"
	"github.com/xraph/durable/stream"
)

// Subscribe subscribes to a broker topic and returns a channel of run
// lifecycle events. The channel is closed when the client is closed or
// Unsubscribe is called. Subscriptions are restored after a reconnect;
// events published while disconnected are not replayed.
//
// Topics:
//   - "run:<runID>" events for one run
//   - "runs"        every run lifecycle event
//   - "firehose"    everything
func (c *Client) Subscribe(ctx context.Context, channel string) (<-chan *stream.Event, error) {
	ch := make(chan *stream.Event, 64)
	if _, loaded := c.subs.LoadOrStore(channel, ch); loaded {
		return nil, fmt.Errorf("durable/client: already subscribed to %q", channel)
	}

	_, err := c.request(ctx, dwp.MethodSubscribe, dwp.SubscribeRequest{
		Channel: channel,
	})
	if err != nil {
		c.subs.CompareAndDelete(channel, ch)
		return nil, fmt.Errorf("subscribe to %q: %w", channel, err)
	}
	return ch, nil
}

// Unsubscribe removes a subscription.
func (c *Client) Unsubscribe(ctx context.Context, channel string) error {
	_, err := c.request(ctx, dwp.MethodUnsubscribe, dwp.UnsubscribeRequest{
		Channel: channel,
	})

	// Close and remove the local channel regardless.
	if val, ok := c.subs.LoadAndDelete(channel); ok {
		ch := val.(chan *stream.Event) //nolint:errcheck // subs map always stores chan *stream.Event
		close(ch)
	}
	return err
}

// Watch subscribes to the lifecycle events of one run.
func (c *Client) Watch(ctx context.Context, runID string) (<-chan *stream.Event, error) {
	return c.Subscribe(ctx, stream.RunTopic(runID))
}

// Stats retrieves broker and connection statistics from the server.
func (c *Client) Stats(ctx context.Context) (json.RawMessage, error) {
	resp, err := c.request(ctx, dwp.MethodStats, nil)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}
