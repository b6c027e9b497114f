package tts

import (
	"context"
	"testing"
	"time"
)

func TestDeepgram_Synthesize_NoKey(t *testing.T) {
	d := NewDeepgramClient("", "")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := d.Synthesize(ctx, "hello", "", 16000)
	if err == nil {
		t.Fatalf("expected error when api key missing")
	}
}

func TestDeepgram_Synthesize_EmptyTextRejected(t *testing.T) {
	d := NewDeepgramClient("key", "")
	_, err := d.Synthesize(context.Background(), "", "", 16000)
	if err != ErrEmptyText {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
}
