package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// ElevenLabsClient synthesizes text to PCM via ElevenLabs' HTTP streaming
// endpoint, draining the response body fully before returning. ElevenLabs'
// pcm_48000 output format means SourceSampleRate is always 48000; the turn
// pipeline resamples down to the session rate.
type ElevenLabsClient struct {
	APIKey  string
	VoiceID string
}

func NewElevenLabsClient(apiKey, voiceID string) *ElevenLabsClient {
	return &ElevenLabsClient{APIKey: apiKey, VoiceID: voiceID}
}

const elevenLabsSourceSampleRate = 48000

func (e *ElevenLabsClient) Synthesize(ctx context.Context, text, voice string, targetSampleRate int) (Result, error) {
	if text == "" {
		return Result{}, ErrEmptyText
	}
	if e.APIKey == "" || e.VoiceID == "" {
		return Result{}, fmt.Errorf("elevenlabs: api key or voice id missing")
	}
	voiceID := e.VoiceID
	if voice != "" {
		voiceID = voice
	}

	ctx, cancel := context.WithTimeout(ctx, synthesizeTimeout())
	defer cancel()

	u := url.URL{
		Scheme: "https",
		Host:   "api.elevenlabs.io",
		Path:   "/v1/text-to-speech/" + voiceID + "/stream",
	}
	q := u.Query()
	q.Set("model_id", "eleven_flash_v2_5")
	q.Set("output_format", "pcm_48000")
	q.Set("optimize_streaming_latency", "2")
	u.RawQuery = q.Encode()

	body := map[string]any{
		"model_id": "eleven_flash_v2_5",
		"text":     text,
		"voice_settings": map[string]any{
			"stability":         0.4,
			"similarity_boost":  0.7,
			"style":             0.0,
			"use_speaker_boost": true,
		},
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{80, 120, 160, 200},
		},
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(buf))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("xi-api-key", e.APIKey)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("elevenlabs: http stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return Result{}, fmt.Errorf("elevenlabs: status=%d body=%s", resp.StatusCode, string(b))
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("elevenlabs: read body: %w", err)
	}
	return Result{PCM: pcm, SourceSampleRate: elevenLabsSourceSampleRate}, nil
}
