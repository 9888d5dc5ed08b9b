package stt

import (
	"context"
)

// Utterance is the audio buffered for one feed since its last final.
type Utterance struct {
	FeedID     string
	PCM        []byte
	SampleRate int
	Channels   int
	Final      bool
}

// Result is what a recognizer made of an utterance.
type Result struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, u Utterance) (Result, error)
}
