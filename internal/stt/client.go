// Package stt provides a one-shot speech-to-text client: a PCM buffer goes in,
// a transcript (or nil) comes out. Grounded on the teacher's HTTP client style
// (internal/llm/cerebras.go) and the prerecorded-audio upload pattern used by
// the reference voicebot's Whisper fallback.
package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mansuri-sabit/voicebridge/internal/audio"
)

// Client transcribes a PCM buffer via a cloud STT provider's prerecorded REST API.
type Client struct {
	HTTPClient *http.Client
	APIKey     string
	Endpoint   string
}

// New constructs a Client with the teacher's 30s-timeout HTTP client convention.
func New(apiKey, endpoint string) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		APIKey:     apiKey,
		Endpoint:   endpoint,
	}
}

type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe wraps pcm in a WAV container and posts it to the STT provider.
// It returns ("", nil) — not an error — on empty input, provider error, or an
// empty transcript; the turn pipeline decides whether to skip the turn.
func (c *Client) Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string) (string, error) {
	if len(pcm) == 0 {
		return "", nil
	}
	if language == "" {
		language = "en"
	}
	if c.APIKey == "" {
		return "", nil
	}

	wav := audio.PCMToWAV(pcm, sampleRate)

	url := fmt.Sprintf("%s?language=%s&punctuate=true&model=nova-2", c.Endpoint, language)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(wav)))
	if err != nil {
		return "", fmt.Errorf("stt: build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.APIKey)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		// TransientExternal: the caller aborts this turn cleanly.
		return "", nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		_ = b
		return "", nil
	}

	var parsed deepgramResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", nil
	}
	if len(parsed.Results.Channels) == 0 || len(parsed.Results.Channels[0].Alternatives) == 0 {
		return "", nil
	}
	text := strings.TrimSpace(parsed.Results.Channels[0].Alternatives[0].Transcript)
	return text, nil
}
