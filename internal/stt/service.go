package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/protocol"
)

// Service turns per-feed audio frames into transcripts on the caption bus.
// Every transcript of one utterance carries the time its first frame
// arrived, so a final supersedes its interims under the same timestamp.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	log        *slog.Logger
	clock      func() time.Time

	mu     sync.Mutex
	feeds  map[string]*utteranceState
	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription
	wg     sync.WaitGroup
	ready  bool
}

type utteranceState struct {
	buffer       []byte
	startedAt    time.Time
	lastPartial  time.Time
	inflight     bool
	pendingFinal bool
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		log:        logger.With(slog.String("component", "stt")),
		clock:      time.Now,
		feeds:      make(map[string]*utteranceState),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// NewRecognizer builds the backend selected by cfg.Mode.
func NewRecognizer(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	subject := protocol.SubjectAudioFramePrefix + ".>"
	sub, err := s.bus.Conn().Subscribe(subject, s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.mu.Lock()
	s.sub = sub
	s.ready = true
	s.mu.Unlock()
	s.log.Info("speech recognition listening", slog.String("subject", subject), slog.String("mode", s.cfg.Mode))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	sub := s.sub
	s.ready = false
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	if !s.cfg.Enabled {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slog.String("subject", msg.Subject), slogError(err))
		return
	}
	if frame.FeedID == "" {
		frame.FeedID = protocol.FeedFromSubject(msg.Subject)
	}

	s.mu.Lock()
	state := s.feeds[frame.FeedID]
	if state == nil {
		state = &utteranceState{startedAt: s.clock().UTC()}
		s.feeds[frame.FeedID] = state
	}
	state.buffer = append(state.buffer, frame.PCM...)
	s.mu.Unlock()

	if frame.Final {
		s.scheduleTranscription(frame.FeedID, true)
		return
	}
	if s.cfg.PublishInterim && s.shouldSchedulePartial(frame.FeedID) {
		s.scheduleTranscription(frame.FeedID, false)
	}
}

func (s *Service) shouldSchedulePartial(feedID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.feeds[feedID]
	if state == nil || state.inflight {
		return false
	}
	now := s.clock()
	if state.lastPartial.IsZero() {
		state.lastPartial = now
		return true
	}
	interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	if now.Sub(state.lastPartial) >= interval {
		state.lastPartial = now
		return true
	}
	return false
}

func (s *Service) scheduleTranscription(feedID string, final bool) {
	s.mu.Lock()
	state := s.feeds[feedID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	if state.inflight {
		if final {
			state.pendingFinal = true
		}
		s.mu.Unlock()
		return
	}
	u := Utterance{
		FeedID:     feedID,
		PCM:        append([]byte(nil), state.buffer...),
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
		Final:      final,
	}
	startedAt := state.startedAt
	state.inflight = true
	if final {
		// later frames start the next utterance
		delete(s.feeds, feedID)
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
		defer cancel()

		result, err := s.recognizer.Transcribe(ctx, u)
		if err != nil {
			s.log.Warn("stt transcription failed", slog.String("feed_id", feedID), slogError(err))
		} else {
			s.publishTranscript(feedID, startedAt, result, final)
		}

		s.mu.Lock()
		var pendingFinal bool
		if !final {
			if state := s.feeds[feedID]; state != nil {
				state.inflight = false
				state.lastPartial = s.clock()
				pendingFinal = state.pendingFinal
			}
		}
		s.mu.Unlock()

		if pendingFinal {
			s.scheduleTranscription(feedID, true)
		}
	}()
}

func (s *Service) publishTranscript(feedID string, startedAt time.Time, result Result, final bool) {
	if result.Text == "" {
		return
	}
	msg := protocol.Transcript{
		ID:         uuid.NewString(),
		FeedID:     feedID,
		Text:       result.Text,
		Final:      final,
		Timestamp:  startedAt,
		Confidence: result.Confidence,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Warn("failed to marshal transcript", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.TranscriptSubject(feedID), data); err != nil {
		s.log.Warn("failed to publish transcript", slog.String("feed_id", feedID), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
