// Package llm provides a streaming Server-Sent-Events client against an
// OpenAI-compatible chat-completions endpoint (Cerebras' API surface).
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// CerebrasClient is an OpenAI-compatible chat-completions client supporting
// both a single blocking call and a streaming SSE call.
type CerebrasClient struct {
	HTTPClient *http.Client
	APIKey     string
	Model      string
	Endpoint   string
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionsRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	TopP        float64       `json:"top_p"`
	TopK        int           `json:"top_k,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	FinishReason string      `json:"finish_reason"`
	Message      chatMessage `json:"message"`
	Delta        chatMessage `json:"delta"`
}

type chatCompletionsResponse struct {
	ID      string       `json:"id"`
	Choices []chatChoice `json:"choices"`
}

const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 150
	defaultTopP        = 1.0
	defaultTopK        = 40
)

// NewCerebrasClient constructs a client with a 15s timeout, matching the
// teacher's client-construction convention.
func NewCerebrasClient(apiKey, model, endpoint string) *CerebrasClient {
	if endpoint == "" {
		endpoint = "https://api.cerebras.ai/v1/chat/completions"
	}
	return &CerebrasClient{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		APIKey:     apiKey,
		Model:      model,
		Endpoint:   endpoint,
	}
}

// Generate performs a single non-streaming completion. No caller in this
// repository uses it; the turn pipeline streams replies via StreamReply.
func (c *CerebrasClient) Generate(ctx context.Context, systemPrompt, prompt string) (string, error) {
	if c.APIKey == "" {
		return "", fmt.Errorf("cerebras: api key missing")
	}
	messages := []chatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: prompt},
	}
	reqBody, err := json.Marshal(chatCompletionsRequest{
		Model:       c.Model,
		Messages:    messages,
		Temperature: defaultTemperature,
		MaxTokens:   defaultMaxTokens,
		TopP:        defaultTopP,
		TopK:        defaultTopK,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("cerebras error: status=%d body=%s", resp.StatusCode, string(b))
	}
	var cr chatCompletionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", err
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("cerebras: empty choices")
	}
	return strings.TrimSpace(cr.Choices[0].Message.Content), nil
}

// OnToken is invoked for each SSE delta. is_complete is true exactly once, on
// the final call, after which delta is always empty.
type OnToken func(delta string, isComplete bool)

// StreamReply opens a streaming SSE connection and invokes onToken for each
// delta. It returns the full assembled reply text, or an error if the initial
// connection/response-header phase fails. The timeout on ctx only bounds the
// time to first response headers; once headers are received the stream itself
// is unbounded except by max_tokens / finish_reason.
func (c *CerebrasClient) StreamReply(ctx context.Context, systemPrompt, prompt string, onToken OnToken) (string, error) {
	if c.APIKey == "" {
		return "", fmt.Errorf("cerebras: api key missing")
	}
	messages := []chatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: prompt},
	}
	reqBody, err := json.Marshal(chatCompletionsRequest{
		Model:       c.Model,
		Messages:    messages,
		Stream:      true,
		Temperature: defaultTemperature,
		MaxTokens:   defaultMaxTokens,
		TopP:        defaultTopP,
		TopK:        defaultTopK,
	})
	if err != nil {
		return "", err
	}

	reqCtx, cancelReq := context.WithCancel(ctx)
	defer cancelReq()
	headerTimer := time.AfterFunc(10*time.Second, cancelReq)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.Endpoint, bytes.NewReader(reqBody))
	if err != nil {
		headerTimer.Stop()
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	// The client's Timeout would also bound the body read, so the stream
	// request runs without it; headerTimer bounds only the wait for headers.
	streamClient := *c.HTTPClient
	streamClient.Timeout = 0
	resp, err := streamClient.Do(req)
	headerTimer.Stop()
	if err != nil {
		return "", fmt.Errorf("cerebras: stream request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("cerebras error: status=%d body=%s", resp.StatusCode, string(b))
	}

	var full strings.Builder
	completed := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			break
		}
		var chunk chatCompletionsResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			// Malformed JSON lines are skipped silently; SSE streams may split frames.
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			full.WriteString(choice.Delta.Content)
			if onToken != nil {
				onToken(choice.Delta.Content, false)
			}
		}
		if choice.FinishReason != "" {
			completed = true
			break
		}
	}
	if err := scanner.Err(); err != nil && !completed {
		if onToken != nil {
			onToken("", true)
		}
		return full.String(), fmt.Errorf("cerebras: stream read: %w", err)
	}
	if onToken != nil {
		onToken("", true)
	}
	return full.String(), nil
}
