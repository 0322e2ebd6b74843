package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/durable"
)

// Handle is something a join can wait on: a *Hook or a *Future.
type Handle interface {
	Key() string

	// settle reports the handle's outcome and the journal sequence that
	// settled it. Futures block for it when block is set.
	settle(block bool) (Result, int64, bool)
	waitToken() string
	doneCh() <-chan struct{}
	consume()

	// expiry is when a hook stops waiting; expire journals that it did.
	expiry() *time.Time
	expire() bool
}

var (
	_ Handle = (*Hook)(nil)
	_ Handle = (*Future[struct{}])(nil)
)

// Result is the outcome of one joined handle.
type Result struct {
	Key     string
	Payload []byte
	Err     error
}

// Decode unmarshals the payload into v.
func (r Result) Decode(v any) error {
	if r.Err != nil {
		return r.Err
	}
	if len(r.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(r.Payload, v)
}

// All waits for every handle and returns their results in argument order.
// The run suspends until every hook has a delivery or has expired. The
// error is the first failed handle's, in argument order.
func All(w *Workflow, handles ...Handle) ([]Result, error) {
	results := make([]Result, len(handles))
	settled := make([]bool, len(handles))
	pending := settleAll(handles, results, settled)

	if pending > 0 {
		w.refresh()
		expired := false
		for i, h := range handles {
			if settled[i] {
				continue
			}
			if _, _, ok := h.settle(true); !ok && h.expire() {
				expired = true
			}
		}
		if expired {
			w.refresh()
		}
		if settleAll(handles, results, settled) > 0 {
			var (
				tokens []string
				wakeAt *time.Time
			)
			for i, h := range handles {
				if !settled[i] {
					tokens = append(tokens, h.waitToken())
					wakeAt = earliest(wakeAt, h.expiry())
				}
			}
			w.suspend(suspension{tokens: tokens, wakeAt: wakeAt})
		}
	}

	for i, h := range handles {
		if !errors.Is(results[i].Err, durable.ErrHookExpired) {
			h.consume()
		}
	}
	for _, r := range results {
		if r.Err != nil {
			return results, fmt.Errorf("join %s: %w", r.Key, r.Err)
		}
	}
	return results, nil
}

// settleAll fills in the results of handles that settled and returns how
// many are still pending.
func settleAll(handles []Handle, results []Result, settled []bool) int {
	pending := 0
	for i, h := range handles {
		if settled[i] {
			continue
		}
		res, _, ok := h.settle(true)
		if !ok {
			pending++
			continue
		}
		results[i], settled[i] = res, true
	}
	return pending
}

func earliest(a, b *time.Time) *time.Time {
	if b == nil {
		return a
	}
	if a == nil || b.Before(*a) {
		return b
	}
	return a
}

// Any returns the first handle to settle. "First" is decided by journal
// order: the handle whose settling entry has the lowest sequence wins, so
// a replay picks the same winner. The run suspends while only hooks
// remain and none has a delivery.
func Any(w *Workflow, handles ...Handle) (Result, error) {
	if len(handles) == 0 {
		return Result{}, fmt.Errorf("durable: Any needs at least one handle")
	}

	changed := make(chan struct{}, len(handles))
	running := 0
	for _, h := range handles {
		if ch := h.doneCh(); ch != nil {
			running++
			go func() {
				<-ch
				changed <- struct{}{}
			}()
		}
	}

	for {
		horizon := w.refresh()

		best := -1
		var bestSeq int64
		var bestRes Result
		for i, h := range handles {
			res, seq, ok := h.settle(false)
			if !ok || seq > horizon {
				continue
			}
			if best < 0 || seq < bestSeq {
				best, bestSeq, bestRes = i, seq, res
			}
		}
		if best >= 0 {
			if !errors.Is(bestRes.Err, durable.ErrHookExpired) {
				handles[best].consume()
			}
			return bestRes, bestRes.Err
		}

		if running == 0 {
			if expireFirst(handles) {
				continue
			}
			var (
				tokens []string
				wakeAt *time.Time
			)
			for _, h := range handles {
				if t := h.waitToken(); t != "" {
					tokens = append(tokens, t)
				}
				wakeAt = earliest(wakeAt, h.expiry())
			}
			w.suspend(suspension{tokens: tokens, wakeAt: wakeAt})
		}

		select {
		case <-changed:
			running--
		case <-w.ctx.Done():
			w.abort(w.ctx.Err())
		}
	}
}

// expireFirst journals the expiry of the first handle whose TTL passed.
// The next settle pass picks it up unless a delivery was journaled first.
func expireFirst(handles []Handle) bool {
	for _, h := range handles {
		if h.expire() {
			return true
		}
	}
	return false
}
