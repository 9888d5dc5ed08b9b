package protocol

import (
	"strings"
	"time"

	"github.com/loqalabs/loqa-captions/internal/caption"
)

// AudioFrame carries PCM for one feed from a capture device.
type AudioFrame struct {
	FeedID     string `json:"feed_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript is a recognizer result published on the bus.
type Transcript struct {
	ID         string    `json:"id,omitempty"`
	FeedID     string    `json:"feed_id"`
	Text       string    `json:"text"`
	Final      bool      `json:"final"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

func (t Transcript) Event() caption.Event {
	return caption.Event{
		ID:         t.ID,
		FeedID:     t.FeedID,
		Text:       t.Text,
		IsFinal:    t.Final,
		Timestamp:  t.Timestamp,
		Confidence: t.Confidence,
	}
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectTranscriptPrefix = "caption.transcript"
)

func AudioFrameSubject(feedID string) string {
	return SubjectAudioFramePrefix + "." + feedID
}

func TranscriptSubject(feedID string) string {
	return SubjectTranscriptPrefix + "." + feedID
}

// FeedFromSubject returns the last token of a per-feed subject.
func FeedFromSubject(subject string) string {
	if i := strings.LastIndexByte(subject, '.'); i >= 0 {
		return subject[i+1:]
	}
	return subject
}

// Message types exchanged with websocket viewers.
const (
	TypeSession      = "session"
	TypeCaption      = "caption"
	TypeHistoryStart = "history_start"
	TypeHistoryEnd   = "history_end"
	TypeSwitch       = "switch"
	TypeError        = "error"
)

// Heartbeat tokens are sent as bare text frames, never JSON.
const (
	Ping = "ping"
	Pong = "pong"
)

// Caption is the JSON form of a caption event used by viewers, the HTTP
// API and the kafka sink.
type Caption struct {
	Type       string    `json:"type,omitempty"`
	ID         string    `json:"id,omitempty"`
	FeedID     string    `json:"feed_id"`
	Text       string    `json:"text"`
	IsFinal    bool      `json:"is_final"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
	Replayed   bool      `json:"replayed,omitempty"`
}

func CaptionFromEvent(evt caption.Event) Caption {
	return Caption{
		ID:         evt.ID,
		FeedID:     evt.FeedID,
		Text:       evt.Text,
		IsFinal:    evt.IsFinal,
		Timestamp:  evt.Timestamp,
		Confidence: evt.Confidence,
	}
}

func (c Caption) Event() caption.Event {
	return caption.Event{
		ID:         c.ID,
		FeedID:     c.FeedID,
		Text:       c.Text,
		IsFinal:    c.IsFinal,
		Timestamp:  c.Timestamp,
		Confidence: c.Confidence,
	}
}

type HistoryStart struct {
	Type   string `json:"type"`
	FeedID string `json:"feed_id"`
	Count  int    `json:"count"`
}

type HistoryEnd struct {
	Type   string `json:"type"`
	FeedID string `json:"feed_id"`
}

// SessionInfo is the first message on every websocket connection.
type SessionInfo struct {
	Type    string `json:"type"`
	Session string `json:"session"`
	FeedID  string `json:"feed_id"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is any JSON a viewer sends; only switch is acted on.
type ClientMessage struct {
	Type   string `json:"type"`
	FeedID string `json:"feed_id,omitempty"`
}
