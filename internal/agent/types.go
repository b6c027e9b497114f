package agent

import (
	"context"

	"github.com/mansuri-sabit/voicebridge/internal/llm"
	"github.com/mansuri-sabit/voicebridge/internal/tts"
)

// Transcriber performs one-shot speech-to-text on a buffered PCM fragment.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string) (string, error)
}

// Streamer opens a streaming LLM completion, invoking onToken per delta.
type Streamer interface {
	StreamReply(ctx context.Context, systemPrompt, prompt string, onToken llm.OnToken) (string, error)
}

// Synthesizer turns text into PCM audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string, targetSampleRate int) (tts.Result, error)
}

// KnowledgeBase supplies persona text and retrieval-augmented context chunks.
type KnowledgeBase interface {
	LoadPersona(ctx context.Context, name string) (string, error)
	RelevantChunks(ctx context.Context, query string, k int) ([]string, error)
}

// OutboundSink delivers carrier protocol frames for one session's stream.
type OutboundSink interface {
	SendMediaFrame(ctx context.Context, streamSID string, sequenceNumber int64, payloadBase64 string) error
	SendMarkFrame(ctx context.Context, streamSID, name string) error
}
