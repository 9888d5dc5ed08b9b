package sink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-captions/internal/caption"
)

// Sink consumes captions outside the viewer path. Handle runs on the
// relay's worker goroutine and may block on I/O.
type Sink interface {
	Name() string
	Handle(ctx context.Context, evt caption.Event) error
	Close(ctx context.Context) error
}

const handleTimeout = 10 * time.Second

// Relay attaches a Sink to feeds. Deliver never blocks: when the buffer is
// full the event is dropped for this sink only.
type Relay struct {
	sink     Sink
	log      *slog.Logger
	failures metric.Int64Counter

	mu     sync.Mutex
	ch     chan caption.Event
	closed bool
	wg     sync.WaitGroup
}

func NewRelay(s Sink, size int, logger *slog.Logger) *Relay {
	if size <= 0 {
		size = 128
	}
	failures, err := otel.Meter("github.com/loqalabs/loqa-captions/sink").Int64Counter("sink.failures",
		metric.WithDescription("Caption events a sink dropped or failed to deliver"))
	if err != nil {
		logger.Warn("sink failure counter unavailable", slogError(err))
	}
	return &Relay{
		sink:     s,
		log:      logger.With(slog.String("sink", s.Name())),
		failures: failures,
		ch:       make(chan caption.Event, size),
	}
}

func (r *Relay) Name() string { return r.sink.Name() }

// Replay implements feed.Subscriber. Sinks only see live captions.
func (r *Relay) Replay(string, []caption.Event) {}

// Deliver implements feed.Subscriber.
func (r *Relay) Deliver(evt caption.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- evt:
	default:
		r.fail(evt.FeedID, "queue_full")
		r.log.Warn("sink queue full, dropping caption", slog.String("feed_id", evt.FeedID))
	}
}

// Start runs the worker until Close.
func (r *Relay) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for evt := range r.ch {
			hctx, cancel := context.WithTimeout(ctx, handleTimeout)
			err := r.sink.Handle(hctx, evt)
			cancel()
			if err != nil {
				r.fail(evt.FeedID, "handle")
				r.log.Warn("sink delivery failed",
					slog.String("feed_id", evt.FeedID),
					slogError(err))
			}
		}
	}()
}

// Close stops accepting events, lets the worker finish the backlog and
// closes the sink.
func (r *Relay) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.log.Warn("sink backlog abandoned on shutdown")
	}
	return r.sink.Close(ctx)
}

func (r *Relay) fail(feedID, reason string) {
	if r.failures == nil {
		return
	}
	r.failures.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("sink", r.sink.Name()),
		attribute.String("feed", feedID),
		attribute.String("reason", reason),
	))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
