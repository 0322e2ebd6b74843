package dwp

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

func TestConnection(t *testing.T) {
	t.Parallel()

	identity := &Identity{
		Subject: "test-user",
		Scopes:  []string{ScopeRunWrite},
	}
	conn := NewConnection("conn-1", identity, &JSONCodec{})

	if conn.ID != "conn-1" {
		t.Errorf("ID = %q, want %q", conn.ID, "conn-1")
	}
	if conn.Identity.Subject != "test-user" {
		t.Errorf("Identity.Subject = %q, want %q", conn.Identity.Subject, "test-user")
	}
	if conn.Codec.Name() != "json" {
		t.Errorf("Codec.Name = %q, want %q", conn.Codec.Name(), "json")
	}
	if conn.ConnectedAt.IsZero() {
		t.Error("ConnectedAt should not be zero")
	}
	if conn.CanPush() {
		t.Error("unbound connection should not push")
	}
}

func TestConnectionSubscriptions(t *testing.T) {
	t.Parallel()

	conn := NewConnection("conn-2", nil, &JSONCodec{})

	conn.AddSubscription("runs")
	conn.AddSubscription("run:run_01")

	if subs := conn.Subscriptions(); len(subs) != 2 {
		t.Fatalf("len(Subscriptions) = %d, want 2", len(subs))
	}

	conn.RemoveSubscription("runs")
	subs := conn.Subscriptions()
	if len(subs) != 1 || subs[0] != "run:run_01" {
		t.Fatalf("Subscriptions = %v, want [run:run_01]", subs)
	}
}

func TestConnectionTouch(t *testing.T) {
	t.Parallel()

	conn := NewConnection("conn-3", nil, &JSONCodec{})
	before := conn.LastActivity.Load().(time.Time)

	time.Sleep(time.Millisecond)
	conn.Touch()

	after := conn.LastActivity.Load().(time.Time)
	if !after.After(before) {
		t.Error("Touch should update LastActivity")
	}
}

func TestConnectionSend(t *testing.T) {
	t.Parallel()

	conn := NewConnection("conn-4", nil, &MsgpackCodec{})
	frame := NewErrorFrame("req-1", ErrCodeNotFound, "missing")

	if err := conn.Send(frame); !errors.Is(err, ErrNoTransport) {
		t.Fatalf("Send unbound = %v, want ErrNoTransport", err)
	}

	var buf bytes.Buffer
	conn.Bind(&buf)
	if !conn.CanPush() {
		t.Fatal("bound connection should push")
	}
	if err := conn.Send(frame); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// The message is a server-side binary websocket frame.
	data, op, err := wsutil.ReadServerData(&buf)
	if err != nil {
		t.Fatalf("ReadServerData: %v", err)
	}
	if op != ws.OpBinary {
		t.Errorf("op = %v, want binary", op)
	}
	got, err := conn.Codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Error == nil || got.Error.Code != ErrCodeNotFound {
		t.Errorf("decoded frame = %+v", got)
	}

	conn.Close()
	if conn.CanPush() {
		t.Error("closed connection should not push")
	}
}

func TestConnectionStreams(t *testing.T) {
	t.Parallel()

	conn := NewConnection("conn-5", nil, &JSONCodec{})

	ctx1, cancel1 := context.WithCancel(context.Background())
	first := newStreamSubscription("stream:a", 1, cancel1)
	conn.addStream(first)

	got, ok := conn.Stream("stream:a")
	if !ok || got != first {
		t.Fatal("Stream should return the registered subscription")
	}

	// A second subscription on the same channel replaces and cancels the first.
	ctx2, cancel2 := context.WithCancel(context.Background())
	second := newStreamSubscription("stream:a", 1, cancel2)
	conn.addStream(second)
	if ctx1.Err() == nil {
		t.Error("replaced subscription should be cancelled")
	}

	// Dropping a stale subscription leaves the current one in place.
	conn.dropStream(first)
	if got, _ := conn.Stream("stream:a"); got != second {
		t.Error("dropStream removed the current subscription")
	}

	if !conn.RemoveStream("stream:a") {
		t.Fatal("RemoveStream should report the subscription")
	}
	if ctx2.Err() == nil {
		t.Error("removed subscription should be cancelled")
	}
	if conn.RemoveStream("stream:a") {
		t.Error("second RemoveStream should report false")
	}

	ctx3, cancel3 := context.WithCancel(context.Background())
	conn.addStream(newStreamSubscription("stream:b", 1, cancel3))
	conn.Close()
	if ctx3.Err() == nil {
		t.Error("Close should cancel every stream subscription")
	}
}

func TestStreamSubscriptionCredits(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := newStreamSubscription("stream:a", 2, cancel)

	for range 2 {
		if err := sub.acquire(ctx); err != nil {
			t.Fatalf("acquire: %v", err)
		}
	}
	if sub.Credits() != 0 {
		t.Fatalf("Credits = %d, want 0", sub.Credits())
	}

	acquired := make(chan error, 1)
	go func() { acquired <- sub.acquire(ctx) }()

	select {
	case err := <-acquired:
		t.Fatalf("acquire returned %v without credits", err)
	case <-time.After(20 * time.Millisecond):
	}

	sub.AddCredits(3)
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("acquire after AddCredits: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("acquire did not wake after AddCredits")
	}
	if sub.Credits() != 2 {
		t.Errorf("Credits = %d, want 2", sub.Credits())
	}
}

func TestStreamSubscriptionAcquireCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	sub := newStreamSubscription("stream:a", 0, cancel)
	cancel()

	if err := sub.acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("acquire = %v, want context.Canceled", err)
	}
}

func TestConnectionManager(t *testing.T) {
	t.Parallel()

	cm := NewConnectionManager()

	c1 := NewConnection("c1", nil, &JSONCodec{})
	c2 := NewConnection("c2", nil, &JSONCodec{})

	cm.Add(c1)
	cm.Add(c2)

	if cm.Count() != 2 {
		t.Errorf("Count = %d, want 2", cm.Count())
	}

	got, ok := cm.Get("c1")
	if !ok || got.ID != "c1" {
		t.Error("Get(c1) should return the connection")
	}

	if _, ok := cm.Get("nonexistent"); ok {
		t.Error("Get(nonexistent) should return false")
	}

	cm.Remove("c1")
	if cm.Count() != 1 {
		t.Errorf("Count after Remove = %d, want 1", cm.Count())
	}
	if all := cm.All(); len(all) != 1 {
		t.Errorf("len(All) = %d, want 1", len(all))
	}
}
