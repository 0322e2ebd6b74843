package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/durable"
	"github.com/xraph/durable/hook"
	"github.com/xraph/durable/journal"
)

type hookOptions struct {
	token    string
	schema   string
	iterable bool
	ttl      time.Duration
}

// HookOption configures CreateHook.
type HookOption func(*hookOptions)

// WithToken addresses the hook with a caller-chosen token instead of a
// generated one.
func WithToken(token string) HookOption {
	return func(o *hookOptions) { o.token = token }
}

// WithSchema validates deliveries against a schema registered under name.
func WithSchema(name string) HookOption {
	return func(o *hookOptions) { o.schema = name }
}

// Iterable makes the hook accept many deliveries, consumed in order with
// NextHook.
func Iterable() HookOption {
	return func(o *hookOptions) { o.iterable = true }
}

// WithTTL stops the hook from accepting deliveries after d. A run waiting
// on the hook is woken when the TTL passes and AwaitHook, NextHook or the
// join returns durable.ErrHookExpired.
func WithTTL(d time.Duration) HookOption {
	return func(o *hookOptions) { o.ttl = d }
}

// Hook is a workflow's handle on a durable hook.
type Hook struct {
	w         *Workflow
	key       string
	token     string
	iterable  bool
	consumed  int
	expiresAt *time.Time
}

// Token returns the token external callers resume the hook with.
func (h *Hook) Token() string { return h.token }

// Key returns the hook's logical key.
func (h *Hook) Key() string { return h.key }

// CreateHook registers a hook the body can wait on. On replay it returns
// the hook created by the first execution, with the same token.
func (w *Workflow) CreateHook(name string, opts ...HookOption) (*Hook, error) {
	var o hookOptions
	for _, opt := range opts {
		opt(&o)
	}
	key := w.key(name)
	w.claim(key, journal.KindHookWait, journal.KindHookResume, journal.KindHookExpire)

	// The wait entry carries the hook's creation time, so replays derive
	// the same expiry.
	if e := w.history.Find(journal.KindHookWait, key); e != nil {
		token := string(e.Payload)
		if o.token != "" && o.token != token {
			return nil, fmt.Errorf("%w: hook %s token %q, journal has %q",
				durable.ErrNonDeterministic, key, o.token, token)
		}
		h := &Hook{w: w, key: key, token: token, iterable: o.iterable}
		if o.ttl > 0 {
			exp := e.CreatedAt.Add(o.ttl)
			h.expiresAt = &exp
		}
		return h, nil
	}

	rec, _, err := w.r.hooks.Create(w.ctx, hook.Spec{
		RunID:    w.run.ID,
		Key:      key,
		Token:    o.token,
		Schema:   o.schema,
		Iterable: o.iterable,
		TTL:      o.ttl,
	})
	if err != nil {
		if errors.Is(err, durable.ErrHookConflict) {
			return nil, err
		}
		w.abort(fmt.Errorf("create hook %s: %w", key, err))
	}
	w.append(&journal.Entry{Kind: journal.KindHookWait, Key: key, Payload: []byte(rec.Token), CreatedAt: rec.CreatedAt})
	h := &Hook{w: w, key: key, token: rec.Token, iterable: o.iterable}
	if o.ttl > 0 {
		exp := rec.CreatedAt.Add(o.ttl)
		h.expiresAt = &exp
	}
	return h, nil
}

// ordinal is the delivery the hook waits for next.
func (h *Hook) ordinal() int {
	if !h.iterable {
		return 1
	}
	return h.consumed + 1
}

// outcome returns the awaited delivery, or the expiry entry when the TTL
// was journaled as passing before it.
func (h *Hook) outcome() (delivery, expiry *journal.Entry) {
	n := h.ordinal()
	delivery = h.w.history.FindAttempt(journal.KindHookResume, h.key, n)
	expiry = h.w.history.FindAttempt(journal.KindHookExpire, h.key, n)
	if expiry != nil && (delivery == nil || expiry.Seq < delivery.Seq) {
		return nil, expiry
	}
	return delivery, nil
}

// expire journals that the awaited delivery did not arrive before the
// TTL. It reports false while the hook is still accepting.
func (h *Hook) expire() bool {
	if h.expiresAt == nil || h.w.r.now().Before(*h.expiresAt) {
		return false
	}
	h.w.append(&journal.Entry{Kind: journal.KindHookExpire, Key: h.key, Attempt: h.ordinal()})
	return true
}

func (h *Hook) settle(bool) (Result, int64, bool) {
	e, x := h.outcome()
	switch {
	case x != nil:
		return Result{Key: h.key, Err: durable.ErrHookExpired}, x.Seq, true
	case e != nil:
		return Result{Key: h.key, Payload: e.Payload}, e.Seq, true
	}
	return Result{}, 0, false
}

func (h *Hook) waitToken() string       { return h.token }
func (h *Hook) doneCh() <-chan struct{} { return nil }
func (h *Hook) expiry() *time.Time      { return h.expiresAt }

func (h *Hook) consume() {
	if h.iterable {
		h.consumed++
	}
}

// await returns the next delivery, suspending the run until it arrives or
// the hook expires.
func (h *Hook) await() ([]byte, error) {
	e, x := h.outcome()
	if e == nil && x == nil {
		h.w.refresh()
		e, x = h.outcome()
	}
	if e == nil && x == nil {
		if !h.expire() {
			h.w.suspend(suspension{tokens: []string{h.token}, wakeAt: h.expiresAt})
		}
		// A delivery journaled before the expiry still wins.
		h.w.refresh()
		e, x = h.outcome()
	}
	if x != nil {
		return nil, fmt.Errorf("hook %s: %w", h.key, durable.ErrHookExpired)
	}
	h.consume()
	return e.Payload, nil
}

// AwaitHook returns the payload delivered to a one-shot hook, suspending
// the run until it is resumed. On an iterable hook it behaves like
// NextHook.
func AwaitHook[T any](h *Hook) (T, error) {
	var v T
	payload, err := h.await()
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, &durable.ValidationError{Field: "payload", Err: err}
	}
	return v, nil
}

// NextHook returns the next delivery of an iterable hook, in delivery
// order, suspending the run until it arrives.
func NextHook[T any](h *Hook) (T, error) {
	if !h.iterable {
		var zero T
		return zero, fmt.Errorf("durable: hook %s is not iterable", h.key)
	}
	return AwaitHook[T](h)
}
