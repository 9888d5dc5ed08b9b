package feed

import (
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/caption"
)

// Info is the static, configuration-owned description of a feed.
type Info struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Channel   int    `json:"channel"`
	VMixInput string `json:"vmix_input,omitempty"`
	Enabled   bool   `json:"enabled"`
}

// Subscriber receives captions from a feed. Both methods are called with the
// feed's serialization lock held and must not block.
type Subscriber interface {
	// Replay is called once on attach with the history snapshot, before any
	// live event is delivered.
	Replay(feedID string, history []caption.Event)
	// Deliver is called for every accepted event after attach.
	Deliver(evt caption.Event)
}

// Feed owns one History and the set of attached subscribers. Its mutex is the
// per-feed serialization token: publish, attach and detach never interleave.
type Feed struct {
	info    Info
	history *History

	mu          sync.Mutex
	subscribers map[Subscriber]struct{}
	interim     string
	interimAt   time.Time
	lastFinal   string
	lastFinalAt time.Time
}

func newFeed(info Info, history *History) *Feed {
	return &Feed{
		info:        info,
		history:     history,
		subscribers: make(map[Subscriber]struct{}),
	}
}

func (f *Feed) ID() string { return f.info.ID }

func (f *Feed) Info() Info { return f.info }

func (f *Feed) Enabled() bool { return f.info.Enabled }

func (f *Feed) History() *History { return f.history }

// Publish appends finals to history and fans accepted events out to every
// attached subscriber. Finals rejected by history (duplicate or expired) are
// not fanned out; interims always are.
func (f *Feed) Publish(evt caption.Event) Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	result := f.history.Append(evt)
	if result != Appended && result != NotFinal {
		return result
	}
	if evt.IsFinal {
		f.lastFinal, f.lastFinalAt = evt.Text, evt.Timestamp
		f.interim = ""
	} else {
		f.interim, f.interimAt = evt.Text, evt.Timestamp
	}
	for sub := range f.subscribers {
		sub.Deliver(evt)
	}
	return result
}

// Attach replays the current snapshot to sub and then adds it to the live
// set, all under the serialization lock, so no event published after the
// snapshot can overtake it.
func (f *Feed) Attach(sub Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub.Replay(f.info.ID, f.history.Snapshot())
	f.subscribers[sub] = struct{}{}
}

// Detach removes sub. It reports whether sub was attached.
func (f *Feed) Detach(sub Subscriber) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subscribers[sub]; !ok {
		return false
	}
	delete(f.subscribers, sub)
	return true
}

func (f *Feed) SubscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribers)
}

// CurrentText is the interim in progress if any, else the last final. An
// interim stamped before the last final is stale and never shown.
func (f *Feed) CurrentText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.interim != "" && !f.interimAt.Before(f.lastFinalAt) {
		return f.interim
	}
	return f.lastFinal
}
