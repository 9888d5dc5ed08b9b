package web

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-captions/internal/caption"
	"github.com/loqalabs/loqa-captions/internal/distribution"
	"github.com/loqalabs/loqa-captions/internal/feed"
	"github.com/loqalabs/loqa-captions/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testEnv struct {
	engine *distribution.Engine
	srv    *httptest.Server
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	reg, err := feed.NewRegistry([]feed.Info{
		{ID: "ref", Name: "Referee", Enabled: true},
		{ID: "pa", Name: "Stadium PA", Enabled: true},
		{ID: "off", Name: "Spare", Enabled: false},
	}, 10*time.Minute)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	engine := distribution.NewEngine(reg, distribution.Options{QueueSize: 64, SessionTTL: time.Minute}, newLogger())
	server := New(engine, opts, newLogger())
	srv := httptest.NewServer(server.Router())
	t.Cleanup(func() {
		_ = engine.Close()
		srv.Close()
	})
	return &testEnv{engine: engine, srv: srv}
}

func (e *testEnv) ingest(t *testing.T, feedID, text string, at time.Time) {
	t.Helper()
	if _, ok := e.engine.Ingest(feedID, captionEvent(text, at)); !ok {
		t.Fatalf("caption %q not accepted", text)
	}
}

func captionEvent(text string, at time.Time) caption.Event {
	return caption.Event{Text: text, IsFinal: true, Timestamp: at}
}

func getJSON(t *testing.T, url string, want int, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s: expected %d, got %d: %s", url, want, resp.StatusCode, body)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func TestListAndGetFeeds(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.ingest(t, "ref", "Kick off", time.Now().Add(-time.Minute))

	var list struct {
		Feeds []feed.Info `json:"feeds"`
	}
	getJSON(t, env.srv.URL+"/api/feeds", http.StatusOK, &list)
	if len(list.Feeds) != 3 || list.Feeds[0].ID != "ref" {
		t.Fatalf("unexpected feeds %+v", list.Feeds)
	}

	var detail struct {
		ID           string `json:"id"`
		CaptionCount int    `json:"caption_count"`
		CurrentText  string `json:"current_text"`
	}
	getJSON(t, env.srv.URL+"/api/feeds/ref", http.StatusOK, &detail)
	if detail.ID != "ref" || detail.CaptionCount != 1 || detail.CurrentText != "Kick off" {
		t.Fatalf("unexpected detail %+v", detail)
	}

	getJSON(t, env.srv.URL+"/api/feeds/nope", http.StatusNotFound, nil)
}

func TestHistoryQuery(t *testing.T) {
	env := newTestEnv(t, Options{MaxQueryMinutes: 60})
	now := time.Now()
	env.ingest(t, "ref", "old", now.Add(-8*time.Minute))
	env.ingest(t, "ref", "recent", now.Add(-time.Minute))

	var body struct {
		Minutes  int                `json:"minutes"`
		Captions []protocol.Caption `json:"captions"`
	}
	getJSON(t, env.srv.URL+"/api/feeds/ref/history", http.StatusOK, &body)
	if body.Minutes != defaultHistoryMinutes || len(body.Captions) != 2 {
		t.Fatalf("unexpected default history %+v", body)
	}

	getJSON(t, env.srv.URL+"/api/feeds/ref/history?minutes=5", http.StatusOK, &body)
	if len(body.Captions) != 1 || body.Captions[0].Text != "recent" {
		t.Fatalf("unexpected windowed history %+v", body.Captions)
	}

	for _, q := range []string{"0", "61", "abc", "-3"} {
		getJSON(t, env.srv.URL+"/api/feeds/ref/history?minutes="+q, http.StatusBadRequest, nil)
	}
}

func TestPostCaption(t *testing.T) {
	env := newTestEnv(t, Options{})
	post := func(feedID, body string) int {
		resp, err := http.Post(env.srv.URL+"/api/feeds/"+feedID+"/captions", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := post("ref", `{"text":"Penalty","is_final":true}`); code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
	if code := post("ref", `{"text":"","is_final":true}`); code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for empty text, got %d", code)
	}
	if code := post("off", `{"text":"hello","is_final":true}`); code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for disabled feed, got %d", code)
	}
	if code := post("nope", `{"text":"hello"}`); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
	if code := post("ref", `{not json`); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}

	var current map[string]string
	getJSON(t, env.srv.URL+"/api/feeds/ref/current", http.StatusOK, &current)
	if current["text"] != "Penalty" {
		t.Fatalf("unexpected current %+v", current)
	}
}

func TestArchiveDisabled(t *testing.T) {
	env := newTestEnv(t, Options{})
	getJSON(t, env.srv.URL+"/api/feeds/ref/archive", http.StatusNotFound, nil)
}

func TestHealthAndReady(t *testing.T) {
	var ready atomic.Bool
	env := newTestEnv(t, Options{
		Ready:   ready.Load,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics")) }),
	})
	check := func(path string, want int) {
		resp, err := http.Get(env.srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("GET %s: expected %d, got %d", path, want, resp.StatusCode)
		}
	}
	check("/healthz", http.StatusOK)
	check("/readyz", http.StatusServiceUnavailable)
	ready.Store(true)
	check("/readyz", http.StatusOK)
	check("/metrics", http.StatusOK)
}

// wsClient reads JSON messages and answers server heartbeats like a viewer.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, env *testEnv, path string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) next() map[string]any {
	c.t.Helper()
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.t.Fatalf("read: %v", err)
		}
		if string(data) == protocol.Ping {
			_ = c.conn.WriteMessage(websocket.TextMessage, []byte(protocol.Pong))
			continue
		}
		if string(data) == protocol.Pong {
			continue
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			c.t.Fatalf("decode %q: %v", data, err)
		}
		return msg
	}
}

func (c *wsClient) expect(msgType string) map[string]any {
	c.t.Helper()
	msg := c.next()
	if msg["type"] != msgType {
		c.t.Fatalf("expected %s, got %+v", msgType, msg)
	}
	return msg
}

func (c *wsClient) send(text string) {
	c.t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func TestWebSocketReplayThenLive(t *testing.T) {
	env := newTestEnv(t, Options{})
	now := time.Now()
	env.ingest(t, "ref", "A", now.Add(-2*time.Minute))
	env.ingest(t, "ref", "B", now.Add(-time.Minute))

	c := dial(t, env, "/ws/ref")
	session := c.expect(protocol.TypeSession)
	token, _ := session["session"].(string)
	if token == "" || session["feed_id"] != "ref" {
		t.Fatalf("unexpected session message %+v", session)
	}
	if start := c.expect(protocol.TypeHistoryStart); start["count"] != float64(2) {
		t.Fatalf("unexpected history_start %+v", start)
	}
	for _, want := range []string{"A", "B"} {
		msg := c.expect(protocol.TypeCaption)
		if msg["text"] != want || msg["replayed"] != true {
			t.Fatalf("expected replayed %s, got %+v", want, msg)
		}
	}
	c.expect(protocol.TypeHistoryEnd)

	env.ingest(t, "ref", "C", now)
	if msg := c.expect(protocol.TypeCaption); msg["text"] != "C" || msg["replayed"] == true {
		t.Fatalf("unexpected live caption %+v", msg)
	}
}

func TestWebSocketReconnectResumesSession(t *testing.T) {
	env := newTestEnv(t, Options{})
	now := time.Now()
	env.ingest(t, "ref", "A", now.Add(-2*time.Minute))

	first := dial(t, env, "/ws/ref")
	token := first.expect(protocol.TypeSession)["session"].(string)
	first.expect(protocol.TypeHistoryStart)
	first.expect(protocol.TypeCaption)
	first.expect(protocol.TypeHistoryEnd)
	_ = first.conn.Close()

	waitFor(t, func() bool { return env.engine.ActiveSubscriptions() == 0 })
	env.ingest(t, "ref", "B", now.Add(-time.Minute))

	second := dial(t, env, "/ws/ref?session="+token)
	if got := second.expect(protocol.TypeSession)["session"]; got != token {
		t.Fatalf("expected session %s, got %v", token, got)
	}
	if msg := second.expect(protocol.TypeCaption); msg["text"] != "B" {
		t.Fatalf("expected only the missed caption, got %+v", msg)
	}
}

func TestWebSocketUnknownFeed(t *testing.T) {
	env := newTestEnv(t, Options{})
	c := dial(t, env, "/ws/nope")
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := c.conn.ReadMessage()
	if !websocket.IsCloseError(err, CloseFeedNotFound) {
		t.Fatalf("expected close %d, got %v", CloseFeedNotFound, err)
	}
}

func TestWebSocketSwitch(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.ingest(t, "pa", "Welcome", time.Now().Add(-time.Minute))

	c := dial(t, env, "/ws/ref")
	c.expect(protocol.TypeSession)
	c.expect(protocol.TypeHistoryStart)
	c.expect(protocol.TypeHistoryEnd)

	c.send(`{"type":"switch","feed_id":"nope"}`)
	if msg := c.expect(protocol.TypeError); msg["message"] != "Feed not found" {
		t.Fatalf("unexpected error %+v", msg)
	}

	c.send(`not json at all`)
	c.send(`{"type":"switch","feed_id":"pa"}`)
	if msg := c.expect(protocol.TypeSession); msg["feed_id"] != "pa" {
		t.Fatalf("unexpected session after switch %+v", msg)
	}
	if msg := c.expect(protocol.TypeHistoryStart); msg["feed_id"] != "pa" {
		t.Fatalf("unexpected history_start %+v", msg)
	}
	if msg := c.expect(protocol.TypeCaption); msg["text"] != "Welcome" {
		t.Fatalf("unexpected caption %+v", msg)
	}
	c.expect(protocol.TypeHistoryEnd)

	env.ingest(t, "ref", "ignored", time.Now())
	env.ingest(t, "pa", "Now live", time.Now())
	if msg := c.expect(protocol.TypeCaption); msg["text"] != "Now live" {
		t.Fatalf("old feed leaked after switch: %+v", msg)
	}
}

func TestWebSocketHeartbeat(t *testing.T) {
	env := newTestEnv(t, Options{HeartbeatInterval: 50 * time.Millisecond, HeartbeatTimeout: 300 * time.Millisecond})
	c := dial(t, env, "/ws/ref")

	c.send(protocol.Ping)
	sawPing, sawPong := false, false
	deadline := time.Now().Add(3 * time.Second)
	for !(sawPing && sawPong) && time.Now().Before(deadline) {
		_ = c.conn.SetReadDeadline(deadline)
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		switch string(data) {
		case protocol.Ping:
			sawPing = true
		case protocol.Pong:
			sawPong = true
		}
	}
	if !sawPing || !sawPong {
		t.Fatalf("expected ping and pong, got ping=%v pong=%v", sawPing, sawPong)
	}

	// stop answering; the server must give up on the viewer
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				t.Fatal("server did not close an unresponsive viewer")
			}
			break
		}
	}
	waitFor(t, func() bool { return env.engine.ActiveSubscriptions() == 0 })
}

func TestPostedCaptionReachesViewer(t *testing.T) {
	env := newTestEnv(t, Options{})
	c := dial(t, env, "/ws/ref")
	c.expect(protocol.TypeSession)
	c.expect(protocol.TypeHistoryStart)
	c.expect(protocol.TypeHistoryEnd)

	body, _ := json.Marshal(protocol.Caption{Text: "Offside", IsFinal: true, Confidence: 0.7})
	resp, err := http.Post(env.srv.URL+"/api/feeds/ref/captions", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()

	msg := c.expect(protocol.TypeCaption)
	if msg["text"] != "Offside" || msg["is_final"] != true || msg["feed_id"] != "ref" {
		t.Fatalf("unexpected caption %+v", msg)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
