package caption

import (
	"testing"
	"time"
)

func TestKeyIgnoresDeliveryFields(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	a := Event{ID: "a", FeedID: "ref", Text: "Hello", IsFinal: true, Timestamp: ts}
	b := Event{ID: "b", FeedID: "ref", Text: "Hello", IsFinal: false, Timestamp: ts.In(time.FixedZone("x", 3600)), Confidence: 0.4}
	if a.Key() != b.Key() {
		t.Fatalf("expected equal keys, got %v and %v", a.Key(), b.Key())
	}
	c := Event{Text: "Hello", Timestamp: ts.Add(time.Nanosecond)}
	if a.Key() == c.Key() {
		t.Fatalf("expected different keys for different timestamps")
	}
}

func TestDeliverable(t *testing.T) {
	if (Event{}).Deliverable() {
		t.Fatal("empty text must not be deliverable")
	}
	if !(Event{Text: "x"}).Deliverable() {
		t.Fatal("expected deliverable")
	}
}
