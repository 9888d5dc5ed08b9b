package feed

import (
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/caption"
)

// Result describes what History.Append did with an event.
type Result int

const (
	Appended Result = iota
	NotFinal
	Duplicate
	Expired
)

func (r Result) String() string {
	switch r {
	case Appended:
		return "appended"
	case NotFinal:
		return "not_final"
	case Duplicate:
		return "duplicate"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// History is a time-windowed, timestamp-ordered store of final captions.
// Eviction is lazy and happens on Append, Snapshot and Within.
type History struct {
	mu     sync.Mutex
	window time.Duration
	clock  func() time.Time
	events []caption.Event
	keys   map[caption.Key]struct{}
}

func NewHistory(window time.Duration, clock func() time.Time) *History {
	if clock == nil {
		clock = time.Now
	}
	return &History{
		window: window,
		clock:  clock,
		keys:   make(map[caption.Key]struct{}),
	}
}

// Append stores a final event unless its key is already retained or it is
// already outside the window. Events are kept sorted by timestamp; an event
// older than the tail is inserted after any entries with an equal timestamp.
func (h *History) Append(evt caption.Event) Result {
	if !evt.IsFinal {
		return NotFinal
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := h.cutoff()
	h.evictLocked(cutoff)
	if evt.Timestamp.Before(cutoff) {
		return Expired
	}
	key := evt.Key()
	if _, ok := h.keys[key]; ok {
		return Duplicate
	}
	h.keys[key] = struct{}{}

	n := len(h.events)
	if n == 0 || !evt.Timestamp.Before(h.events[n-1].Timestamp) {
		h.events = append(h.events, evt)
		return Appended
	}
	idx := sort.Search(n, func(i int) bool {
		return h.events[i].Timestamp.After(evt.Timestamp)
	})
	h.events = append(h.events, caption.Event{})
	copy(h.events[idx+1:], h.events[idx:])
	h.events[idx] = evt
	return Appended
}

// Snapshot returns a copy of every retained event in order.
func (h *History) Snapshot() []caption.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evictLocked(h.cutoff())
	return append([]caption.Event(nil), h.events...)
}

// Within returns retained events no older than d. A d larger than the
// retention window yields the whole history.
func (h *History) Within(d time.Duration) []caption.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evictLocked(h.cutoff())
	since := h.clock().Add(-d)
	idx := sort.Search(len(h.events), func(i int) bool {
		return !h.events[i].Timestamp.Before(since)
	})
	return append([]caption.Event(nil), h.events[idx:]...)
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evictLocked(h.cutoff())
	return len(h.events)
}

func (h *History) Window() time.Duration {
	return h.window
}

func (h *History) cutoff() time.Time {
	return h.clock().Add(-h.window)
}

func (h *History) evictLocked(cutoff time.Time) {
	drop := 0
	for drop < len(h.events) && h.events[drop].Timestamp.Before(cutoff) {
		delete(h.keys, h.events[drop].Key())
		drop++
	}
	if drop == 0 {
		return
	}
	remaining := copy(h.events, h.events[drop:])
	for i := remaining; i < len(h.events); i++ {
		h.events[i] = caption.Event{}
	}
	h.events = h.events[:remaining]
}
