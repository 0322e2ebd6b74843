package workflow

import (
	"fmt"
	"time"

	"github.com/xraph/durable/journal"
)

// Sleep suspends the run for d. The wake time is recorded on the first
// execution; the run is woken by an in-process timer or the waker poller,
// whichever comes first, and later replays pass through immediately.
func (w *Workflow) Sleep(name string, d time.Duration) {
	key := w.key(name)
	w.claim(key, journal.KindSleep, journal.KindCheckpoint)
	if w.history.Find(journal.KindCheckpoint, key) != nil {
		return
	}

	var wake time.Time
	if e := w.history.Find(journal.KindSleep, key); e != nil {
		if err := wake.UnmarshalText(e.Payload); err != nil {
			w.abort(fmt.Errorf("decode wake time of %s: %w", key, err))
		}
	} else {
		wake = w.r.now().UTC().Add(d)
		payload, _ := wake.MarshalText() //nolint:errcheck // UTC times always marshal
		w.append(&journal.Entry{Kind: journal.KindSleep, Key: key, Payload: payload})
	}

	if w.r.now().Before(wake) {
		w.suspend(suspension{wakeAt: &wake})
	}
	w.append(&journal.Entry{Kind: journal.KindCheckpoint, Key: key})
}
