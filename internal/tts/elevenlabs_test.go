package tts

import (
	"context"
	"testing"
)

func TestElevenLabs_Synthesize_NoKey(t *testing.T) {
	e := NewElevenLabsClient("", "")
	_, err := e.Synthesize(context.Background(), "hello", "", 16000)
	if err == nil {
		t.Fatalf("expected error when api key/voice id missing")
	}
}

func TestElevenLabs_Synthesize_EmptyTextRejected(t *testing.T) {
	e := NewElevenLabsClient("key", "voice")
	_, err := e.Synthesize(context.Background(), "", "", 16000)
	if err != ErrEmptyText {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
}

func TestNewSelectsProvider(t *testing.T) {
	d := New("deepgram", "dgkey", "", "", "")
	if _, ok := d.(*DeepgramClient); !ok {
		t.Fatalf("expected *DeepgramClient for provider=deepgram")
	}
	e := New("elevenlabs", "", "", "elkey", "voice")
	if _, ok := e.(*ElevenLabsClient); !ok {
		t.Fatalf("expected *ElevenLabsClient for provider=elevenlabs")
	}
}
