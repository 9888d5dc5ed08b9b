package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/caption"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/distribution"
	"github.com/loqalabs/loqa-captions/internal/feed"
	"github.com/loqalabs/loqa-captions/internal/natsserver"
	"github.com/loqalabs/loqa-captions/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{
		Embedded: true,
		Host:     "127.0.0.1",
		Port:     -1,
		StoreDir: t.TempDir(),
	}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), "ingest-test", config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func newEngine(t *testing.T) *distribution.Engine {
	t.Helper()
	reg, err := feed.NewRegistry([]feed.Info{{ID: "ref", Enabled: true}, {ID: "pa", Enabled: true}}, 10*time.Minute)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	e := distribution.NewEngine(reg, distribution.Options{QueueSize: 16, SessionTTL: time.Minute}, newLogger())
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func publish(t *testing.T, client *bus.Client, subject string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := client.Conn().Publish(subject, data); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func nextCaption(t *testing.T, sub *distribution.Subscription) distribution.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		f, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("waiting for caption: %v", err)
		}
		if f.Kind == distribution.FrameCaption {
			return f
		}
	}
}

func TestTranscriptReachesSubscriber(t *testing.T) {
	client := startBus(t)
	engine := newEngine(t)
	ing := New(client, engine, "", 10*time.Minute, newLogger())
	if err := ing.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(ing.Close)
	if !ing.Healthy() {
		t.Fatal("expected healthy ingester")
	}

	sub, err := engine.Subscribe("ref", "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	publish(t, client, protocol.TranscriptSubject("nope"), protocol.Transcript{Text: "lost", Final: true, Timestamp: time.Now()})
	if err := client.Conn().Publish(protocol.TranscriptSubject("ref"), []byte("{not json")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ts := time.Now().UTC()
	publish(t, client, protocol.TranscriptSubject("ref"), protocol.Transcript{Text: "Kick off", Final: true, Timestamp: ts, Confidence: 0.9})

	f := nextCaption(t, sub)
	if f.Event.Text != "Kick off" || f.Event.FeedID != "ref" || !f.Event.Timestamp.Equal(ts) {
		t.Fatalf("unexpected frame %+v", f.Event)
	}
}

func TestStreamRebuildsHistoryOnRestart(t *testing.T) {
	client := startBus(t)

	first := New(client, newEngine(t), "CAPTIONS_TEST", 10*time.Minute, newLogger())
	if err := first.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	publish(t, client, protocol.TranscriptSubject("ref"), protocol.Transcript{Text: "Before restart", Final: true, Timestamp: time.Now().UTC()})
	publish(t, client, protocol.TranscriptSubject("ref"), protocol.Transcript{Text: "partial", Timestamp: time.Now().UTC()})
	first.Close()

	engine := newEngine(t)
	second := New(client, engine, "CAPTIONS_TEST", 10*time.Minute, newLogger())
	if err := second.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	t.Cleanup(second.Close)

	f, _ := engine.Registry().Get("ref")
	deadline := time.Now().Add(3 * time.Second)
	for f.History().Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("history was not rebuilt from stream")
		}
		time.Sleep(20 * time.Millisecond)
	}
	snap := f.History().Snapshot()
	if len(snap) != 1 || snap[0].Text != "Before restart" {
		t.Fatalf("unexpected history %+v", snap)
	}
}

type countingSink struct {
	mu    sync.Mutex
	texts []string
}

func (c *countingSink) Replay(string, []caption.Event) {}

func (c *countingSink) Deliver(evt caption.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, evt.Text)
}

func (c *countingSink) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

// startWithSink mirrors the daemon: the sink attaches once history is restored.
func startWithSink(t *testing.T, client *bus.Client, engine *distribution.Engine, out *countingSink) *Ingester {
	t.Helper()
	ing := New(client, engine, "CAPTIONS_SINK", 10*time.Minute, newLogger())
	attached := make(chan struct{})
	ing.OnCaughtUp(func() {
		engine.AttachAll(out)
		close(attached)
	})
	if err := ing.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-attached:
	case <-time.After(3 * time.Second):
		t.Fatal("ingester never caught up")
	}
	return ing
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRestartDoesNotResendHistoryToSinks(t *testing.T) {
	client := startBus(t)

	firstOut := &countingSink{}
	first := startWithSink(t, client, newEngine(t), firstOut)
	publish(t, client, protocol.TranscriptSubject("ref"), protocol.Transcript{Text: "Goal", Final: true, Timestamp: time.Now().UTC()})
	waitFor(t, "first delivery", func() bool { return len(firstOut.snapshot()) == 1 })
	first.Close()

	engine := newEngine(t)
	secondOut := &countingSink{}
	second := startWithSink(t, client, engine, secondOut)
	t.Cleanup(second.Close)

	f, _ := engine.Registry().Get("ref")
	if f.History().Len() != 1 {
		t.Fatalf("history not restored before sinks attached: %d captions", f.History().Len())
	}

	publish(t, client, protocol.TranscriptSubject("ref"), protocol.Transcript{Text: "Corner", Final: true, Timestamp: time.Now().UTC()})
	waitFor(t, "live delivery", func() bool { return len(secondOut.snapshot()) == 1 })
	time.Sleep(100 * time.Millisecond)
	if got := secondOut.snapshot(); len(got) != 1 || got[0] != "Corner" {
		t.Fatalf("sink after restart received %v, want [Corner]", got)
	}
}
