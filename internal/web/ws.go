package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-captions/internal/distribution"
	"github.com/loqalabs/loqa-captions/internal/feed"
	"github.com/loqalabs/loqa-captions/internal/protocol"
)

const (
	// CloseFeedNotFound is sent when a viewer asks for an unknown feed.
	CloseFeedNotFound = 4004

	writeWait      = 10 * time.Second
	maxInboundSize = 4096
)

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	feedID := chi.URLParam(r, "feedID")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", slog.String("feed_id", feedID), slogError(err))
		return
	}

	sub, err := s.engine.Subscribe(feedID, r.URL.Query().Get("session"))
	if err != nil {
		code, reason := websocket.CloseInternalServerErr, "unavailable"
		if errors.Is(err, feed.ErrUnknownFeed) {
			code, reason = CloseFeedNotFound, "Feed not found"
		}
		s.log.Info("websocket rejected", slog.String("feed_id", feedID), slogError(err))
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	s.conns.Add(1)
	defer s.conns.Done()
	v := &viewer{
		server:   s,
		conn:     conn,
		sub:      sub,
		switches: make(chan string, 1),
		pongs:    make(chan struct{}, 1),
		log: s.log.With(
			slog.String("subscription", sub.ID()),
			slog.String("session", sub.Session().Token()),
		),
	}
	v.serve(r.Context())
}

// viewer owns one websocket connection. Only the writer loop in serve
// writes to conn; the reader hands work to it over channels.
type viewer struct {
	server   *Server
	conn     *websocket.Conn
	sub      *distribution.Subscription
	switches chan string
	pongs    chan struct{}
	log      *slog.Logger
}

func (v *viewer) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	readerDone := make(chan struct{})
	defer func() {
		cancel()
		v.server.engine.Unsubscribe(v.sub)
		_ = v.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = v.conn.Close()
		<-readerDone
		v.log.Info("viewer disconnected")
	}()

	go func() {
		defer close(readerDone)
		defer cancel()
		v.readLoop(ctx)
	}()

	v.log.Info("viewer connected", slog.String("feed_id", v.sub.FeedID()))
	if err := v.writeJSON(protocol.SessionInfo{
		Type:    protocol.TypeSession,
		Session: v.sub.Session().Token(),
		FeedID:  v.sub.FeedID(),
	}); err != nil {
		return
	}

	heartbeat := time.NewTicker(v.server.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-v.sub.Done():
			return
		case <-v.sub.Ready():
			for _, f := range v.sub.Drain() {
				if err := v.writeFrame(f); err != nil {
					v.log.Debug("write failed", slogError(err))
					return
				}
				v.sub.Ack(f)
			}
		case <-heartbeat.C:
			if err := v.writeText(protocol.Ping); err != nil {
				return
			}
		case <-v.pongs:
			if err := v.writeText(protocol.Pong); err != nil {
				return
			}
		case target := <-v.switches:
			if err := v.switchFeed(target); err != nil {
				return
			}
		}
	}
}

// switchFeed runs on the writer loop so no frame of the old feed can be
// written once the switch has happened.
func (v *viewer) switchFeed(target string) error {
	err := v.server.engine.Switch(v.sub, target)
	switch {
	case errors.Is(err, feed.ErrUnknownFeed):
		return v.writeJSON(protocol.ErrorMessage{Type: protocol.TypeError, Message: "Feed not found"})
	case err != nil:
		return err
	}
	v.log.Info("viewer switched feed", slog.String("feed_id", target))
	return v.writeJSON(protocol.SessionInfo{
		Type:    protocol.TypeSession,
		Session: v.sub.Session().Token(),
		FeedID:  target,
	})
}

func (v *viewer) readLoop(ctx context.Context) {
	v.conn.SetReadLimit(maxInboundSize)
	timeout := v.server.opts.HeartbeatTimeout
	_ = v.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		msgType, data, err := v.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				v.log.Debug("viewer read failed", slogError(err))
			}
			return
		}
		// any inbound traffic proves the viewer is alive
		_ = v.conn.SetReadDeadline(time.Now().Add(timeout))
		if msgType != websocket.TextMessage {
			continue
		}

		switch string(data) {
		case protocol.Pong:
			continue
		case protocol.Ping:
			select {
			case v.pongs <- struct{}{}:
			default:
			}
			continue
		}

		var msg protocol.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			v.log.Debug("ignoring malformed viewer message", slogError(err))
			continue
		}
		if msg.Type != protocol.TypeSwitch || msg.FeedID == "" {
			continue
		}
		select {
		case v.switches <- msg.FeedID:
		case <-ctx.Done():
			return
		}
	}
}

func (v *viewer) writeFrame(f distribution.Frame) error {
	switch f.Kind {
	case distribution.FrameHistoryStart:
		return v.writeJSON(protocol.HistoryStart{Type: protocol.TypeHistoryStart, FeedID: f.FeedID, Count: f.Count})
	case distribution.FrameHistoryEnd:
		return v.writeJSON(protocol.HistoryEnd{Type: protocol.TypeHistoryEnd, FeedID: f.FeedID})
	default:
		msg := protocol.CaptionFromEvent(f.Event)
		msg.Type = protocol.TypeCaption
		msg.Replayed = f.Replayed
		return v.writeJSON(msg)
	}
}

func (v *viewer) writeJSON(msg any) error {
	_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return v.conn.WriteJSON(msg)
}

func (v *viewer) writeText(text string) error {
	_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return v.conn.WriteMessage(websocket.TextMessage, []byte(text))
}
