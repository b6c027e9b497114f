// Package tts synthesizes text to PCM audio via cloud TTS providers.
package tts

import (
	"context"
	"fmt"
	"time"
)

// Client synthesizes text to 16-bit LE mono PCM. The caller resamples to the
// session rate if SourceSampleRate != the requested target.
type Client interface {
	Synthesize(ctx context.Context, text, voice string, targetSampleRate int) (Result, error)
}

// Result is the PCM produced by a TTS provider and the rate it was produced at.
type Result struct {
	PCM              []byte
	SourceSampleRate int
}

// ErrEmptyText is returned when synthesis is attempted on empty text.
var ErrEmptyText = fmt.Errorf("tts: empty text rejected")

// New selects a concrete Client by provider name, following the teacher's dual-
// provider (Deepgram / ElevenLabs) pattern from internal/tts/deepgram.go and
// internal/tts/elevenlabs.go.
func New(provider string, deepgramKey, deepgramModel, elevenLabsKey, elevenLabsVoiceID string) Client {
	switch provider {
	case "elevenlabs":
		return NewElevenLabsClient(elevenLabsKey, elevenLabsVoiceID)
	default:
		return NewDeepgramClient(deepgramKey, deepgramModel)
	}
}

func synthesizeTimeout() time.Duration { return 30 * time.Second }
