package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/distribution"
	"github.com/loqalabs/loqa-captions/internal/protocol"
)

// Ingester feeds transcripts published on the bus into the engine. When a
// stream name is configured the transcript subjects are captured in
// JetStream with the history window as max age, so a restarted relay
// rebuilds its history from the stream.
type Ingester struct {
	bus    *bus.Client
	engine *distribution.Engine
	stream string
	window time.Duration
	log    *slog.Logger
	tracer trace.Tracer

	sub   *nats.Subscription
	ready atomic.Bool

	// startSeq is the last stream sequence present at Start. Messages up to
	// it rebuild history; caughtUp runs once before anything newer is applied.
	startSeq   uint64
	caughtUp   func()
	caughtOnce sync.Once
}

func New(busClient *bus.Client, engine *distribution.Engine, stream string, window time.Duration, logger *slog.Logger) *Ingester {
	return &Ingester{
		bus:    busClient,
		engine: engine,
		stream: stream,
		window: window,
		log:    logger.With(slog.String("component", "ingest")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-captions/ingest"),
	}
}

// OnCaughtUp registers fn to run once the stream history present at Start
// has been applied, before the first newer transcript. Consumers that must
// not see restored history, such as sink relays, attach from fn. Call it
// before Start.
func (i *Ingester) OnCaughtUp(fn func()) {
	i.caughtUp = fn
}

func (i *Ingester) Start() error {
	subject := protocol.SubjectTranscriptPrefix + ".>"
	if i.stream != "" {
		sub, err := i.subscribeStream(subject)
		if err == nil {
			i.sub = sub
			i.ready.Store(true)
			i.log.Info("ingesting transcripts from stream",
				slog.String("stream", i.stream),
				slog.String("subject", subject))
			return nil
		}
		i.log.Warn("transcript stream unavailable, using core subscription", slogError(err))
	}
	i.startSeq = 0
	i.markCaughtUp()
	sub, err := i.bus.Conn().Subscribe(subject, i.handle)
	if err != nil {
		return fmt.Errorf("subscribe transcripts: %w", err)
	}
	i.sub = sub
	i.ready.Store(true)
	i.log.Info("ingesting transcripts", slog.String("subject", subject))
	return nil
}

func (i *Ingester) subscribeStream(subject string) (*nats.Subscription, error) {
	js := i.bus.JetStream()
	cfg := &nats.StreamConfig{
		Name:     i.stream,
		Subjects: []string{subject},
		MaxAge:   i.window,
		Storage:  nats.FileStorage,
	}
	info, err := js.StreamInfo(i.stream)
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		if info, err = js.AddStream(cfg); err != nil {
			return nil, fmt.Errorf("add stream: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("stream info: %w", err)
	default:
		if _, err := js.UpdateStream(cfg); err != nil {
			i.log.Warn("transcript stream not updated", slogError(err))
		}
	}
	i.startSeq = info.State.LastSeq
	if info.State.Msgs == 0 {
		i.markCaughtUp()
	}
	return js.Subscribe(subject, i.handle, nats.DeliverAll(), nats.AckNone())
}

func (i *Ingester) markCaughtUp() {
	i.caughtOnce.Do(func() {
		if i.caughtUp != nil {
			i.caughtUp()
		}
		i.log.Info("transcript history restored", slog.Uint64("last_seq", i.startSeq))
	})
}

// streamSeq is the stream sequence of msg, or zero for core messages.
func streamSeq(msg *nats.Msg) uint64 {
	meta, err := msg.Metadata()
	if err != nil {
		return 0
	}
	return meta.Sequence.Stream
}

func (i *Ingester) handle(msg *nats.Msg) {
	seq := streamSeq(msg)
	// history older than startSeq may have expired before delivery
	if seq > i.startSeq {
		i.markCaughtUp()
	}
	defer func() {
		if seq != 0 && seq == i.startSeq {
			i.markCaughtUp()
		}
	}()

	_, span := i.tracer.Start(context.Background(), "caption.ingest",
		trace.WithAttributes(attribute.String("subject", msg.Subject)))
	defer span.End()

	var t protocol.Transcript
	if err := json.Unmarshal(msg.Data, &t); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed transcript")
		i.log.Warn("ignoring malformed transcript",
			slog.String("subject", msg.Subject),
			slogError(err))
		return
	}
	if t.FeedID == "" {
		t.FeedID = protocol.FeedFromSubject(msg.Subject)
	}
	result, ok := i.engine.Ingest(t.FeedID, t.Event())
	span.SetAttributes(
		attribute.String("feed_id", t.FeedID),
		attribute.Bool("final", t.Final),
		attribute.Bool("accepted", ok),
	)
	if ok {
		span.SetAttributes(attribute.String("result", result.String()))
	}
}

func (i *Ingester) Healthy() bool {
	return i.ready.Load() && i.bus.Healthy()
}

func (i *Ingester) Close() {
	i.ready.Store(false)
	if i.sub != nil {
		_ = i.sub.Unsubscribe()
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
