package distribution

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/caption"
)

// ErrClosed is returned once a subscription has reached StateClosed.
var ErrClosed = errors.New("subscription closed")

type State int

const (
	StateConnecting State = iota
	StateReplaying
	StateLive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReplaying:
		return "replaying"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type FrameKind int

const (
	FrameCaption FrameKind = iota
	FrameHistoryStart
	FrameHistoryEnd
)

// Frame is one item on a subscription's outbound queue.
type Frame struct {
	Kind     FrameKind
	FeedID   string
	Count    int
	Event    caption.Event
	Replayed bool
}

// dedupPruneThreshold bounds how many keys accumulate before keys older than
// the history window are discarded; such finals can never be fanned out again.
const dedupPruneThreshold = 2048

// Subscription is one consumer's attachment to a feed. The feed calls Replay
// and Deliver under its lock; the transport drains frames from its own
// goroutine.
type Subscription struct {
	id        string
	session   *Session
	limit     int
	retention time.Duration
	clock     func() time.Time
	onDrop    func(feedID string)

	// attachMu serializes engine-level switch and unsubscribe.
	attachMu sync.Mutex

	mu      sync.Mutex
	state   State
	feedID  string
	queue   []Frame
	seen    map[caption.Key]struct{}
	dropped int

	ready chan struct{}
	done  chan struct{}
}

func newSubscription(id string, session *Session, limit int, retention time.Duration, clock func() time.Time, onDrop func(string)) *Subscription {
	if limit <= 0 {
		limit = 1
	}
	if clock == nil {
		clock = time.Now
	}
	return &Subscription{
		id:        id,
		session:   session,
		limit:     limit,
		retention: retention,
		clock:     clock,
		onDrop:    onDrop,
		state:     StateConnecting,
		seen:      make(map[caption.Key]struct{}),
		ready:     make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

func (s *Subscription) ID() string { return s.id }

func (s *Subscription) Session() *Session { return s.session }

func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscription) FeedID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feedID
}

// Dropped counts live frames discarded because the queue was full.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Replay implements feed.Subscriber. A viewer whose session already saw this
// feed's history gets no markers, only the finals it has not acknowledged.
func (s *Subscription) Replay(feedID string, history []caption.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.feedID = feedID
	s.state = StateReplaying

	if acked, ok := s.session.resumePoint(feedID); ok {
		for _, evt := range history {
			if acked.covers(evt) {
				s.seen[evt.Key()] = struct{}{}
				continue
			}
			s.offerLocked(evt, false)
		}
	} else {
		s.pushLocked(Frame{Kind: FrameHistoryStart, FeedID: feedID, Count: len(history)})
		for _, evt := range history {
			s.offerLocked(evt, true)
		}
		s.pushLocked(Frame{Kind: FrameHistoryEnd, FeedID: feedID})
	}
	s.state = StateLive
	s.signal()
}

// Deliver implements feed.Subscriber.
func (s *Subscription) Deliver(evt caption.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateLive && s.state != StateReplaying {
		return
	}
	if s.offerLocked(evt, false) {
		s.signal()
	}
}

// offerLocked applies the dedup filter. Finals record their key; interims
// are only checked, so an interim identical to a delivered final is dropped
// but repeated interims are not.
func (s *Subscription) offerLocked(evt caption.Event, replayed bool) bool {
	key := evt.Key()
	if _, dup := s.seen[key]; dup {
		return false
	}
	frame := Frame{Kind: FrameCaption, FeedID: s.feedID, Event: evt, Replayed: replayed}
	if evt.IsFinal {
		s.seen[key] = struct{}{}
		if len(s.seen) > dedupPruneThreshold {
			s.pruneSeenLocked()
		}
	} else if n := len(s.queue); n > 0 {
		// consecutive interims collapse into the newest one
		if last := s.queue[n-1]; last.Kind == FrameCaption && !last.Event.IsFinal {
			s.queue[n-1] = frame
			return true
		}
	}
	s.pushLocked(frame)
	return true
}

// pushLocked enforces the queue limit on live frames only; a replay is
// always enqueued whole.
func (s *Subscription) pushLocked(frame Frame) {
	if frame.Kind == FrameCaption && s.state != StateReplaying && len(s.queue) >= s.limit {
		s.dropOldestLocked()
	}
	s.queue = append(s.queue, frame)
}

// dropOldestLocked discards the oldest caption frame. Markers are kept so
// the consumer can still delimit history.
func (s *Subscription) dropOldestLocked() {
	for i, f := range s.queue {
		if f.Kind != FrameCaption {
			continue
		}
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		s.dropped++
		if s.onDrop != nil {
			s.onDrop(s.feedID)
		}
		return
	}
}

func (s *Subscription) pruneSeenLocked() {
	if s.retention <= 0 {
		return
	}
	cutoff := s.clock().Add(-2 * s.retention).UnixNano()
	for k := range s.seen {
		if k.UnixNano < cutoff {
			delete(s.seen, k)
		}
	}
}

func (s *Subscription) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled whenever frames may be available.
func (s *Subscription) Ready() <-chan struct{} { return s.ready }

// Done is closed when the subscription reaches StateClosed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Drain removes and returns every queued frame.
func (s *Subscription) Drain() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	out := s.queue
	s.queue = nil
	return out
}

// Next blocks until a frame is available, the subscription closes or ctx is
// cancelled.
func (s *Subscription) Next(ctx context.Context) (Frame, error) {
	for {
		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			return Frame{}, ErrClosed
		}
		if len(s.queue) > 0 {
			f := s.queue[0]
			s.queue[0] = Frame{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return f, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-s.done:
		case <-s.ready:
		}
	}
}

// Ack records that a frame reached the consumer. It drives the session's
// replay flag and acknowledged set; frames from a previous feed are ignored.
func (s *Subscription) Ack(f Frame) {
	s.mu.Lock()
	current := s.feedID
	s.mu.Unlock()
	if f.FeedID != current || s.session == nil {
		return
	}
	switch f.Kind {
	case FrameHistoryEnd:
		s.session.markReplayed(f.FeedID)
	case FrameCaption:
		if f.Event.IsFinal {
			var cutoff time.Time
			if s.retention > 0 {
				cutoff = s.clock().Add(-2 * s.retention)
			}
			s.session.advance(f.FeedID, f.Event, cutoff)
		}
	}
}

// reset returns the subscription to StateConnecting ahead of a feed switch,
// discarding queued frames and the dedup set of the previous attachment.
func (s *Subscription) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateConnecting
	s.feedID = ""
	s.queue = nil
	s.seen = make(map[caption.Key]struct{})
}

// close moves to StateClosed. It reports false if already closed.
func (s *Subscription) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.state = StateClosed
	s.queue = nil
	s.seen = nil
	close(s.done)
	return true
}
