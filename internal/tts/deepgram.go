package tts

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
)

// DeepgramClient synthesizes text to PCM over Deepgram's speak websocket,
// draining the full stream before returning (the turn pipeline wants a
// complete fragment to resample/chunk, not a live channel).
type DeepgramClient struct {
	apiKey string
	model  string
}

func NewDeepgramClient(apiKey, model string) *DeepgramClient {
	if model == "" {
		model = "aura-2-thalia-en"
	}
	return &DeepgramClient{apiKey: apiKey, model: model}
}

func (d *DeepgramClient) Synthesize(ctx context.Context, text, voice string, targetSampleRate int) (Result, error) {
	if text == "" {
		return Result{}, ErrEmptyText
	}
	if d.apiKey == "" {
		return Result{}, fmt.Errorf("deepgram: API key missing")
	}
	model := voice
	if model == "" {
		model = d.model
	}

	ctx, cancel := context.WithTimeout(ctx, synthesizeTimeout())
	defer cancel()

	options := &clientinterfaces.WSSpeakOptions{
		Model:      model,
		Encoding:   "linear16",
		SampleRate: targetSampleRate,
	}

	var pcm []byte
	var lastRecvUnix int64
	var seenAudio int32

	cb := &speakCallback{onBinary: func(data []byte) error {
		if len(data) == 0 {
			return nil
		}
		atomic.StoreInt64(&lastRecvUnix, time.Now().UnixNano())
		atomic.StoreInt32(&seenAudio, 1)
		pcm = append(pcm, data...)
		return nil
	}}

	dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
	if err != nil {
		return Result{}, fmt.Errorf("deepgram: create ws client: %w", err)
	}
	defer dg.Stop()

	if ok := dg.Connect(); !ok {
		return Result{}, fmt.Errorf("deepgram: connect failed")
	}
	if err := dg.SpeakWithText(text); err != nil {
		return Result{}, fmt.Errorf("deepgram: speak text: %w", err)
	}
	if err := dg.Flush(); err != nil {
		return Result{}, fmt.Errorf("deepgram: flush: %w", err)
	}

	idleWindow := 400 * time.Millisecond
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.Now().Add(synthesizeTimeout())
	for {
		select {
		case <-ctx.Done():
			return Result{PCM: pcm, SourceSampleRate: targetSampleRate}, ctx.Err()
		case <-ticker.C:
			if atomic.LoadInt32(&seenAudio) == 1 {
				last := time.Unix(0, atomic.LoadInt64(&lastRecvUnix))
				if !last.IsZero() && time.Since(last) > idleWindow {
					return Result{PCM: pcm, SourceSampleRate: targetSampleRate}, nil
				}
			}
			if time.Now().After(deadline) {
				return Result{PCM: pcm, SourceSampleRate: targetSampleRate}, nil
			}
		}
	}
}

type speakCallback struct{ onBinary func([]byte) error }

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) Error(*msginterfaces.ErrorResponse) error       { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }
func (s *speakCallback) Binary(byMsg []byte) error {
	if s.onBinary != nil {
		return s.onBinary(byMsg)
	}
	return nil
}
