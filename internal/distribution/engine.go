package distribution

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-captions/internal/caption"
	"github.com/loqalabs/loqa-captions/internal/feed"
)

type Options struct {
	// QueueSize caps live frames buffered per subscription.
	QueueSize int
	// SessionTTL is how long an idle session record survives.
	SessionTTL time.Duration
	Clock      func() time.Time
}

// Engine routes ingested captions into feeds and manages subscriptions on
// top of the registry. Feeds serialize their own work; the engine holds no
// lock across feeds.
type Engine struct {
	registry *feed.Registry
	sessions *Sessions
	opts     Options
	log      *slog.Logger
	metrics  *metrics

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	relays []feed.Subscriber
	closed bool
}

func NewEngine(registry *feed.Registry, opts Options, logger *slog.Logger) *Engine {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry: registry,
		sessions: NewSessions(opts.SessionTTL, opts.Clock),
		opts:     opts,
		log:      logger.With(slog.String("component", "distribution")),
		metrics:  newMetrics(),
		subs:     make(map[*Subscription]struct{}),
	}
}

func (e *Engine) Registry() *feed.Registry { return e.registry }

func (e *Engine) Sessions() *Sessions { return e.sessions }

// Ingest hands evt to feedID. Failures are logged and counted, never
// returned; the bool reports whether the event reached a feed at all.
func (e *Engine) Ingest(feedID string, evt caption.Event) (feed.Result, bool) {
	f, err := e.registry.Get(feedID)
	if err != nil {
		e.metrics.unknownFeed.Add(context.Background(), 1)
		e.log.Warn("dropping caption for unknown feed", slog.String("feed_id", feedID))
		return 0, false
	}
	if !f.Enabled() {
		e.log.Debug("dropping caption for disabled feed", slog.String("feed_id", feedID))
		return 0, false
	}
	if !evt.Deliverable() {
		e.log.Debug("dropping empty caption", slog.String("feed_id", feedID))
		return 0, false
	}
	evt.FeedID = feedID
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = e.opts.Clock()
	}

	result := f.Publish(evt)
	attrs := metric.WithAttributes(attribute.String("feed", feedID))
	switch result {
	case feed.Appended, feed.NotFinal:
		e.metrics.ingested.Add(context.Background(), 1, attrs,
			metric.WithAttributes(attribute.Bool("final", evt.IsFinal)))
	default:
		e.metrics.rejected.Add(context.Background(), 1, attrs,
			metric.WithAttributes(attribute.String("reason", result.String())))
		e.log.Debug("final caption not accepted",
			slog.String("feed_id", feedID),
			slog.String("reason", result.String()))
	}
	return result, true
}

// Subscribe creates a subscription for the viewer identified by token and
// attaches it to feedID. An empty or unknown token starts a new session.
func (e *Engine) Subscribe(feedID, token string) (*Subscription, error) {
	f, err := e.registry.Get(feedID)
	if err != nil {
		e.log.Warn("subscribe to unknown feed", slog.String("feed_id", feedID))
		return nil, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	sess := e.sessions.Acquire(token)
	sub := newSubscription(uuid.NewString(), sess, e.opts.QueueSize, f.History().Window(), e.opts.Clock, e.onDrop)
	// Close may unsubscribe sub as soon as it is tracked; holding attachMu
	// makes that wait until the attach is complete.
	sub.attachMu.Lock()
	e.subs[sub] = struct{}{}
	e.mu.Unlock()

	f.Attach(sub)
	e.metrics.active.Add(context.Background(), 1)
	sub.attachMu.Unlock()
	e.log.Debug("subscription attached",
		slog.String("feed_id", feedID),
		slog.String("subscription_id", sub.ID()),
		slog.String("session", sess.Token()))
	return sub, nil
}

// Switch moves sub to feedID. The old attachment is detached and its queue
// and dedup state discarded before the new feed replays, so nothing from the
// old feed is delivered afterwards. An unknown target leaves sub untouched.
func (e *Engine) Switch(sub *Subscription, feedID string) error {
	target, err := e.registry.Get(feedID)
	if err != nil {
		return err
	}
	sub.attachMu.Lock()
	defer sub.attachMu.Unlock()

	if sub.State() == StateClosed {
		return ErrClosed
	}
	current := sub.FeedID()
	if current == feedID {
		return nil
	}
	if old, err := e.registry.Get(current); err == nil {
		old.Detach(sub)
	}
	sub.reset()
	target.Attach(sub)
	e.log.Debug("subscription switched feed",
		slog.String("subscription_id", sub.ID()),
		slog.String("from", current),
		slog.String("feed_id", feedID))
	return nil
}

// Unsubscribe detaches sub and moves it to StateClosed. It is idempotent.
func (e *Engine) Unsubscribe(sub *Subscription) {
	sub.attachMu.Lock()
	defer sub.attachMu.Unlock()

	feedID := sub.FeedID()
	if f, err := e.registry.Get(feedID); err == nil {
		f.Detach(sub)
	}
	if !sub.close() {
		return
	}
	e.sessions.Release(sub.Session())

	e.mu.Lock()
	delete(e.subs, sub)
	e.mu.Unlock()

	e.metrics.active.Add(context.Background(), -1)
	e.log.Debug("subscription closed",
		slog.String("feed_id", feedID),
		slog.String("subscription_id", sub.ID()),
		slog.Int("dropped", sub.Dropped()))
}

// AttachAll attaches an in-process consumer such as a sink relay to every
// feed. It receives each feed's replay like any other subscriber.
func (e *Engine) AttachAll(sub feed.Subscriber) {
	e.mu.Lock()
	e.relays = append(e.relays, sub)
	e.mu.Unlock()
	for _, f := range e.registry.Feeds() {
		f.Attach(sub)
	}
}

func (e *Engine) ActiveSubscriptions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Run sweeps expired sessions until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.opts.SessionTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if n := e.sessions.Sweep(); n > 0 {
				e.log.Debug("expired sessions removed", slog.Int("count", n))
			}
		}
	}
}

// Close unsubscribes every live subscription and detaches relays. Further
// Subscribe calls fail with ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	subs := make([]*Subscription, 0, len(e.subs))
	for sub := range e.subs {
		subs = append(subs, sub)
	}
	relays := e.relays
	e.relays = nil
	e.mu.Unlock()

	for _, sub := range subs {
		e.Unsubscribe(sub)
	}
	for _, f := range e.registry.Feeds() {
		for _, r := range relays {
			f.Detach(r)
		}
	}
	e.log.Info("distribution engine closed", slog.Int("subscriptions", len(subs)))
	return nil
}

func (e *Engine) onDrop(feedID string) {
	e.metrics.dropped.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("feed", feedID)))
}
