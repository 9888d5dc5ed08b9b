package feed

import (
	"testing"
	"time"

	"github.com/loqalabs/loqa-captions/internal/caption"
)

var base = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func final(text string, offset time.Duration) caption.Event {
	return caption.Event{FeedID: "ref", Text: text, IsFinal: true, Timestamp: base.Add(offset)}
}

func texts(events []caption.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Text
	}
	return out
}

func equalTexts(t *testing.T, got []caption.Event, want ...string) {
	t.Helper()
	g := texts(got)
	if len(g) != len(want) {
		t.Fatalf("expected %v, got %v", want, g)
	}
	for i := range want {
		if g[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, g)
		}
	}
}

func TestAppendKeepsOrder(t *testing.T) {
	clock := &fakeClock{now: base.Add(time.Minute)}
	h := NewHistory(10*time.Minute, clock.Now)
	for i, text := range []string{"a", "b", "c", "d"} {
		if res := h.Append(final(text, time.Duration(i)*time.Second)); res != Appended {
			t.Fatalf("append %s: %s", text, res)
		}
	}
	equalTexts(t, h.Snapshot(), "a", "b", "c", "d")
}

func TestAppendDuplicateIsNoop(t *testing.T) {
	clock := &fakeClock{now: base.Add(time.Minute)}
	h := NewHistory(10*time.Minute, clock.Now)
	h.Append(final("Hello", 0))
	h.Append(final("World", 5*time.Second))

	dup := final("Hello", 0)
	dup.ID = "retry"
	if res := h.Append(dup); res != Duplicate {
		t.Fatalf("expected duplicate, got %s", res)
	}
	if h.Len() != 2 {
		t.Fatalf("expected 2 events, got %d", h.Len())
	}
	equalTexts(t, h.Snapshot(), "Hello", "World")
}

func TestAppendIgnoresInterim(t *testing.T) {
	h := NewHistory(time.Minute, nil)
	evt := caption.Event{Text: "partial", Timestamp: time.Now()}
	if res := h.Append(evt); res != NotFinal {
		t.Fatalf("expected not_final, got %s", res)
	}
	if h.Len() != 0 {
		t.Fatal("interim must not be stored")
	}
}

func TestRetentionWindow(t *testing.T) {
	clock := &fakeClock{now: base}
	h := NewHistory(10*time.Minute, clock.Now)
	h.Append(final("t0", 0))
	clock.Advance(4 * time.Minute)
	h.Append(final("t4", 4*time.Minute))
	clock.Advance(4 * time.Minute)
	h.Append(final("t8", 8*time.Minute))

	clock.now = base.Add(12 * time.Minute)
	// cutoff = base+2m
	equalTexts(t, h.Snapshot(), "t4", "t8")

	clock.now = base.Add(14 * time.Minute)
	// boundary is inclusive: timestamp >= now - window
	equalTexts(t, h.Snapshot(), "t4", "t8")

	clock.now = base.Add(14*time.Minute + time.Nanosecond)
	equalTexts(t, h.Snapshot(), "t8")
}

func TestAppendExpired(t *testing.T) {
	clock := &fakeClock{now: base.Add(20 * time.Minute)}
	h := NewHistory(10*time.Minute, clock.Now)
	if res := h.Append(final("old", 0)); res != Expired {
		t.Fatalf("expected expired, got %s", res)
	}
}

func TestEvictedKeyCanNotResurrect(t *testing.T) {
	clock := &fakeClock{now: base}
	h := NewHistory(time.Minute, clock.Now)
	h.Append(final("a", 0))
	clock.Advance(2 * time.Minute)
	if res := h.Append(final("a", 0)); res != Expired {
		t.Fatalf("expected expired, got %s", res)
	}
	if h.Len() != 0 {
		t.Fatalf("expected empty history")
	}
}

func TestOutOfOrderInsertKeepsTimestampOrder(t *testing.T) {
	clock := &fakeClock{now: base.Add(time.Minute)}
	h := NewHistory(10*time.Minute, clock.Now)
	h.Append(final("a", 1*time.Second))
	h.Append(final("c", 3*time.Second))
	h.Append(final("b", 2*time.Second))
	h.Append(final("c2", 3*time.Second))
	snap := h.Snapshot()
	equalTexts(t, snap, "a", "b", "c", "c2")
	for i := 1; i < len(snap); i++ {
		if snap[i].Timestamp.Before(snap[i-1].Timestamp) {
			t.Fatalf("history not timestamp ordered at %d", i)
		}
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	clock := &fakeClock{now: base.Add(time.Minute)}
	h := NewHistory(10*time.Minute, clock.Now)
	h.Append(final("a", 0))
	snap := h.Snapshot()
	snap[0].Text = "mutated"
	h.Append(final("b", time.Second))
	equalTexts(t, h.Snapshot(), "a", "b")
	if len(snap) != 1 {
		t.Fatalf("snapshot must not observe later appends")
	}
}

func TestWithin(t *testing.T) {
	clock := &fakeClock{now: base.Add(10 * time.Minute)}
	h := NewHistory(10*time.Minute, clock.Now)
	h.Append(final("t1", 1*time.Minute))
	h.Append(final("t6", 6*time.Minute))
	h.Append(final("t9", 9*time.Minute))
	equalTexts(t, h.Within(5*time.Minute), "t6", "t9")
	equalTexts(t, h.Within(time.Hour), "t1", "t6", "t9")
}
