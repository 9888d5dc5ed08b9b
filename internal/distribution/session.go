package distribution

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-captions/internal/caption"
)

const maxTokenLength = 128

// Session is the logical viewer behind one or more successive transport
// connections. It outlives a single Subscription so a reconnecting viewer is
// not shown the same history twice.
type Session struct {
	token string

	mu       sync.Mutex
	feeds    map[string]*viewerState
	active   int
	lastSeen time.Time
}

type viewerState struct {
	replayed bool
	acked    ackedKeys
}

// ackedKeys holds every final the viewer confirmed receiving on a feed.
// Membership, not timestamp order, decides what a reconnect may skip: a
// final ingested late with an older timestamp is still owed to the viewer.
type ackedKeys map[caption.Key]struct{}

func (a ackedKeys) covers(evt caption.Event) bool {
	_, ok := a[evt.Key()]
	return ok
}

func (s *Session) Token() string {
	if s == nil {
		return ""
	}
	return s.token
}

// Replayed reports whether history for feedID was fully delivered in an
// earlier attachment of this session.
func (s *Session) Replayed(feedID string) bool {
	_, ok := s.resumePoint(feedID)
	return ok
}

func (s *Session) resumePoint(feedID string) (ackedKeys, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.feeds[feedID]
	if !ok || !st.replayed {
		return nil, false
	}
	keys := make(ackedKeys, len(st.acked))
	for k := range st.acked {
		keys[k] = struct{}{}
	}
	return keys, true
}

func (s *Session) markReplayed(feedID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateLocked(feedID).replayed = true
}

// advance records an acknowledged final. Once the set grows past the prune
// threshold, keys older than cutoff are dropped; history can no longer hold
// them, so they can never be offered again.
func (s *Session) advance(feedID string, evt caption.Event, cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(feedID)
	if st.acked == nil {
		st.acked = make(ackedKeys)
	}
	st.acked[evt.Key()] = struct{}{}
	if len(st.acked) <= dedupPruneThreshold || cutoff.IsZero() {
		return
	}
	limit := cutoff.UnixNano()
	for k := range st.acked {
		if k.UnixNano < limit {
			delete(st.acked, k)
		}
	}
}

func (s *Session) stateLocked(feedID string) *viewerState {
	st, ok := s.feeds[feedID]
	if !ok {
		st = &viewerState{}
		s.feeds[feedID] = st
	}
	return st
}

// Sessions stores session records keyed by token. A record with no live
// subscription expires ttl after its last release.
type Sessions struct {
	ttl   time.Duration
	clock func() time.Time

	mu      sync.Mutex
	byToken map[string]*Session
}

func NewSessions(ttl time.Duration, clock func() time.Time) *Sessions {
	if clock == nil {
		clock = time.Now
	}
	return &Sessions{
		ttl:     ttl,
		clock:   clock,
		byToken: make(map[string]*Session),
	}
}

// Acquire returns the live record for token, creating one when the token is
// empty, unknown or expired. Unusable tokens are replaced by a fresh uuid.
func (s *Sessions) Acquire(token string) *Session {
	if token == "" || len(token) > maxTokenLength {
		token = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	sess, ok := s.byToken[token]
	if !ok || s.expiredLocked(sess, now) {
		sess = &Session{token: token, feeds: make(map[string]*viewerState)}
		s.byToken[token] = sess
	}
	sess.mu.Lock()
	sess.active++
	sess.lastSeen = now
	sess.mu.Unlock()
	return sess
}

// Release marks one attachment of sess as gone.
func (s *Sessions) Release(sess *Session) {
	if sess == nil {
		return
	}
	now := s.clock()
	sess.mu.Lock()
	if sess.active > 0 {
		sess.active--
	}
	sess.lastSeen = now
	sess.mu.Unlock()
}

// Sweep drops expired records and returns how many were removed.
func (s *Sessions) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	removed := 0
	for token, sess := range s.byToken {
		if s.expiredLocked(sess, now) {
			delete(s.byToken, token)
			removed++
		}
	}
	return removed
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byToken)
}

func (s *Sessions) expiredLocked(sess *Session, now time.Time) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.active == 0 && s.ttl > 0 && now.Sub(sess.lastSeen) > s.ttl
}
