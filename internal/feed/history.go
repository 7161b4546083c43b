package feed

import (
	"iter"
	"sync"
)

// DefaultCapacity is the number of events retained when no capacity is configured.
const DefaultCapacity = 200

// History is a bounded, newest-first store of recent events.
// It is a ring buffer: Append overwrites the oldest slot once full.
type History struct {
	mu   sync.RWMutex
	buf  []Event
	head int // index of the newest event
	size int
}

// NewHistory creates an empty History holding at most capacity events.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &History{
		buf:  make([]Event, capacity),
		head: -1,
	}
}

// Append adds ev as the newest entry, evicting the oldest when full.
func (h *History) Append(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.head = (h.head + 1) % len(h.buf)
	h.buf[h.head] = ev
	if h.size < len(h.buf) {
		h.size++
	}
}

// Clear empties the history.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	clear(h.buf)
	h.head = -1
	h.size = 0
}

// Len returns the number of retained events.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Cap returns the maximum number of retained events.
func (h *History) Cap() int {
	return len(h.buf)
}

// Snapshot returns the most recent limit events, newest first.
// A limit <= 0 returns everything retained. The sequence is taken at call
// time; later appends or clears do not affect it.
func (h *History) Snapshot(limit int) iter.Seq[Event] {
	events := h.newestFirst(limit)
	return func(yield func(Event) bool) {
		for _, ev := range events {
			if !yield(ev) {
				return
			}
		}
	}
}

// Since returns the retained events with a sequence number greater than seq,
// newest first. covered reports whether every such event is still retained,
// which is false once eviction or Clear has dropped any of them.
func (h *History) Since(seq uint64) (events []Event, covered bool) {
	all := h.newestFirst(0)
	for _, ev := range all {
		if ev.Seq <= seq {
			return events, true
		}
		events = append(events, ev)
	}
	if len(all) == 0 {
		return nil, false
	}
	// The oldest retained event must directly follow seq.
	return events, all[len(all)-1].Seq == seq+1
}

func (h *History) newestFirst(limit int) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := h.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		idx := (h.head - i + len(h.buf)) % len(h.buf)
		out[i] = h.buf[idx]
	}
	return out
}
