package journal

import "sync"

type slot struct {
	kind Kind
	key  string
}

// History indexes a run's entries by kind and key for replay lookups.
// It is safe for concurrent use; fan-out steps record into it from
// several goroutines.
type History struct {
	mu      sync.RWMutex
	byKey   map[slot][]*Entry
	kinds   map[string][]Kind
	seqs    map[int64]struct{}
	lastSeq int64
}

// NewHistory builds a History from entries in Seq order.
func NewHistory(entries []*Entry) *History {
	h := &History{
		byKey: make(map[slot][]*Entry),
		kinds: make(map[string][]Kind),
		seqs:  make(map[int64]struct{}),
	}
	for _, e := range entries {
		h.add(e)
	}
	return h
}

// Record adds a freshly appended entry.
func (h *History) Record(e *Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.add(e)
}

// Merge records the entries not seen yet and returns them.
func (h *History) Merge(entries []*Entry) []*Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	var added []*Entry
	for _, e := range entries {
		if _, ok := h.seqs[e.Seq]; ok {
			continue
		}
		h.add(e)
		added = append(added, e)
	}
	return added
}

func (h *History) add(e *Entry) {
	if e.Seq > 0 {
		h.seqs[e.Seq] = struct{}{}
	}
	s := slot{kind: e.Kind, key: e.Key}
	if len(h.byKey[s]) == 0 {
		h.kinds[e.Key] = append(h.kinds[e.Key], e.Kind)
	}
	h.byKey[s] = append(h.byKey[s], e)
	if e.Seq > h.lastSeq {
		h.lastSeq = e.Seq
	}
}

// Find returns the first entry of kind for key, or nil.
func (h *History) Find(kind Kind, key string) *Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if es := h.byKey[slot{kind, key}]; len(es) > 0 {
		return es[0]
	}
	return nil
}

// Kinds returns the distinct kinds recorded for key, in first-seen order.
func (h *History) Kinds(key string) []Kind {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Kind(nil), h.kinds[key]...)
}

// FindAttempt returns the entry of kind for key with the given Attempt,
// or nil. Iterable hook deliveries are addressed this way.
func (h *History) FindAttempt(kind Kind, key string, attempt int) *Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, e := range h.byKey[slot{kind, key}] {
		if e.Attempt == attempt {
			return e
		}
	}
	return nil
}

// All returns every entry of kind for key in Seq order.
func (h *History) All(kind Kind, key string) []*Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	es := h.byKey[slot{kind, key}]
	out := make([]*Entry, len(es))
	copy(out, es)
	return out
}

// Count returns how many entries of kind exist for key.
func (h *History) Count(kind Kind, key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byKey[slot{kind, key}])
}

// LastSeq returns the highest Seq seen.
func (h *History) LastSeq() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastSeq
}
