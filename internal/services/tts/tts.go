package tts

import "context"

// Audio is an encoded clip held entirely in memory.
type Audio struct {
	Data []byte
}

// Synthesizer turns text into encoded audio. lang is an ISO 639-1 code.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, lang string) (Audio, error)
	// Model names the engine and voice reported to callers.
	Model() string
}
