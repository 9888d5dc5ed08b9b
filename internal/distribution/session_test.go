package distribution

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestAcquireIssuesToken(t *testing.T) {
	s := NewSessions(time.Minute, nil)
	sess := s.Acquire("")
	if _, err := uuid.Parse(sess.Token()); err != nil {
		t.Fatalf("expected uuid token, got %q", sess.Token())
	}
	long := s.Acquire(strings.Repeat("x", maxTokenLength+1))
	if len(long.Token()) > maxTokenLength {
		t.Fatalf("oversized token accepted")
	}
	if got := s.Acquire("client-token"); got.Token() != "client-token" {
		t.Fatalf("expected client token kept, got %q", got.Token())
	}
	if s.Len() != 3 {
		t.Fatalf("expected 3 sessions, got %d", s.Len())
	}
}

func TestSessionExpiresOnlyWhenIdle(t *testing.T) {
	clock := &fakeClock{now: base}
	s := NewSessions(time.Minute, clock.Now)

	busy := s.Acquire("busy")
	idle := s.Acquire("idle")
	s.Release(idle)
	idle.markReplayed("ref")

	clock.Set(base.Add(2 * time.Minute))
	if n := s.Sweep(); n != 1 {
		t.Fatalf("expected 1 expired session, got %d", n)
	}
	if s.Acquire("busy") != busy {
		t.Fatal("busy session must survive")
	}
	fresh := s.Acquire("idle")
	if fresh == idle {
		t.Fatal("expired session must be replaced")
	}
	if fresh.Replayed("ref") {
		t.Fatal("replacement session must start without replay state")
	}
}

func TestAcquireReplacesExpiredBeforeSweep(t *testing.T) {
	clock := &fakeClock{now: base}
	s := NewSessions(time.Minute, clock.Now)
	old := s.Acquire("viewer")
	old.markReplayed("ref")
	s.Release(old)

	clock.Set(base.Add(61 * time.Second))
	if s.Acquire("viewer") == old {
		t.Fatal("expected expired record to be replaced")
	}
}

func TestAckedKeysCover(t *testing.T) {
	sess := &Session{feeds: make(map[string]*viewerState)}
	sess.advance("ref", finalAt("a", time.Second), time.Time{})
	sess.advance("ref", finalAt("b", time.Second), time.Time{})
	sess.advance("ref", finalAt("later", 2*time.Second), time.Time{})
	if _, ok := sess.resumePoint("ref"); ok {
		t.Fatal("no resume point before history_end is acknowledged")
	}
	sess.markReplayed("ref")

	acked, ok := sess.resumePoint("ref")
	if !ok {
		t.Fatal("expected resume point")
	}
	cases := []struct {
		evt  string
		at   time.Duration
		want bool
	}{
		{"a", time.Second, true},
		{"b", time.Second, true},
		{"later", 2 * time.Second, true},
		{"c", time.Second, false},
		{"late arrival", 500 * time.Millisecond, false},
		{"a", 3 * time.Second, false},
	}
	for _, tc := range cases {
		if got := acked.covers(finalAt(tc.evt, tc.at)); got != tc.want {
			t.Fatalf("covers(%s@%s) = %v, want %v", tc.evt, tc.at, got, tc.want)
		}
	}
}

func TestAckedKeysPruneOutsideRetention(t *testing.T) {
	sess := &Session{feeds: make(map[string]*viewerState)}
	cutoff := base.Add(time.Hour)
	for i := 0; i <= dedupPruneThreshold; i++ {
		sess.advance("ref", finalAt(fmt.Sprintf("old-%d", i), time.Duration(i)*time.Millisecond), cutoff)
	}
	sess.advance("ref", finalAt("fresh", 2*time.Hour), cutoff)
	sess.markReplayed("ref")

	acked, _ := sess.resumePoint("ref")
	if len(acked) != 1 || !acked.covers(finalAt("fresh", 2*time.Hour)) {
		t.Fatalf("expected only the fresh key to survive, got %d keys", len(acked))
	}
}

func TestNilSessionHasNoResumePoint(t *testing.T) {
	var sess *Session
	if sess.Replayed("ref") || sess.Token() != "" {
		t.Fatal("nil session must report nothing")
	}
}
