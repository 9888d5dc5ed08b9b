package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-captions/internal/caption"
	"github.com/loqalabs/loqa-captions/internal/distribution"
	"github.com/loqalabs/loqa-captions/internal/eventstore"
	"github.com/loqalabs/loqa-captions/internal/feed"
	"github.com/loqalabs/loqa-captions/internal/protocol"
)

const (
	defaultHistoryMinutes = 10
	defaultArchiveHours   = 24
	archiveLimit          = 1000
)

type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MaxQueryMinutes   int
	// Archive serves /archive when enabled; nil disables the endpoint.
	Archive *eventstore.Store
	Metrics http.Handler
	Ready   func() bool
}

// Server exposes feeds over HTTP and streams captions to websocket viewers.
type Server struct {
	engine   *distribution.Engine
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader
	conns    sync.WaitGroup
}

func New(engine *distribution.Engine, opts Options, logger *slog.Logger) *Server {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.HeartbeatTimeout <= opts.HeartbeatInterval {
		opts.HeartbeatTimeout = 3 * opts.HeartbeatInterval
	}
	if opts.MaxQueryMinutes <= 0 {
		opts.MaxQueryMinutes = 60
	}
	return &Server{
		engine: engine,
		opts:   opts,
		log:    logger.With(slog.String("component", "web")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Viewers are overlay pages served from other origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics)
	}

	r.Route("/api/feeds", func(r chi.Router) {
		r.Get("/", s.handleListFeeds)
		r.Route("/{feedID}", func(r chi.Router) {
			r.Get("/", s.handleGetFeed)
			r.Get("/history", s.handleHistory)
			r.Get("/current", s.handleCurrent)
			r.Get("/archive", s.handleArchive)
			r.Post("/captions", s.handlePostCaption)
		})
	})
	r.Get("/ws/{feedID}", s.handleWebSocket)
	return r
}

// Wait blocks until every websocket connection has finished or ctx ends.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Ready == nil || s.opts.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type feedDetail struct {
	feed.Info
	CaptionCount int    `json:"caption_count"`
	Subscribers  int    `json:"subscribers"`
	CurrentText  string `json:"current_text"`
}

func (s *Server) handleListFeeds(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"feeds": s.engine.Registry().List()})
}

func (s *Server) handleGetFeed(w http.ResponseWriter, r *http.Request) {
	f, ok := s.lookupFeed(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, feedDetail{
		Info:         f.Info(),
		CaptionCount: f.History().Len(),
		Subscribers:  f.SubscriberCount(),
		CurrentText:  f.CurrentText(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	f, ok := s.lookupFeed(w, r)
	if !ok {
		return
	}
	minutes := defaultHistoryMinutes
	if raw := r.URL.Query().Get("minutes"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > s.opts.MaxQueryMinutes {
			writeError(w, http.StatusBadRequest, "minutes must be between 1 and "+strconv.Itoa(s.opts.MaxQueryMinutes))
			return
		}
		minutes = n
	}
	events := f.History().Within(time.Duration(minutes) * time.Minute)
	writeJSON(w, http.StatusOK, map[string]any{
		"feed_id":  f.ID(),
		"minutes":  minutes,
		"captions": toCaptions(events),
	})
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	f, ok := s.lookupFeed(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"feed_id": f.ID(), "text": f.CurrentText()})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	f, ok := s.lookupFeed(w, r)
	if !ok {
		return
	}
	if s.opts.Archive == nil || !s.opts.Archive.Enabled() {
		writeError(w, http.StatusNotFound, "archive disabled")
		return
	}
	hours := defaultArchiveHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = n
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	records, err := s.opts.Archive.List(r.Context(), f.ID(), since, archiveLimit)
	if err != nil {
		s.log.Error("archive query failed", slog.String("feed_id", f.ID()), slogError(err))
		writeError(w, http.StatusInternalServerError, "archive query failed")
		return
	}
	events := make([]caption.Event, 0, len(records))
	for _, rec := range records {
		events = append(events, rec.Event())
	}
	writeJSON(w, http.StatusOK, map[string]any{"feed_id": f.ID(), "hours": hours, "captions": toCaptions(events)})
}

func (s *Server) handlePostCaption(w http.ResponseWriter, r *http.Request) {
	f, ok := s.lookupFeed(w, r)
	if !ok {
		return
	}
	var in protocol.Caption
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	if err := dec.Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid caption payload")
		return
	}
	result, accepted := s.engine.Ingest(f.ID(), in.Event())
	if !accepted {
		writeError(w, http.StatusUnprocessableEntity, "caption not accepted")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"result": result.String()})
}

func (s *Server) lookupFeed(w http.ResponseWriter, r *http.Request) (*feed.Feed, bool) {
	f, err := s.engine.Registry().Get(chi.URLParam(r, "feedID"))
	if errors.Is(err, feed.ErrUnknownFeed) {
		writeError(w, http.StatusNotFound, "Feed not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return f, true
}

func toCaptions(events []caption.Event) []protocol.Caption {
	out := make([]protocol.Caption, 0, len(events))
	for _, evt := range events {
		out = append(out, protocol.CaptionFromEvent(evt))
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
