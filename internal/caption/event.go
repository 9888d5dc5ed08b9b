package caption

import "time"

// Event is one transcription result for a feed. Finals are immutable once
// emitted; interims may be superseded by the next interim or final.
type Event struct {
	ID         string
	FeedID     string
	Text       string
	IsFinal    bool
	Timestamp  time.Time
	Confidence float64
}

// Key identifies a logical caption regardless of the path it was delivered on.
type Key struct {
	UnixNano int64
	Text     string
}

func (e Event) Key() Key {
	return Key{UnixNano: e.Timestamp.UnixNano(), Text: e.Text}
}

// Deliverable reports whether the event carries text worth showing.
func (e Event) Deliverable() bool {
	return e.Text != ""
}
