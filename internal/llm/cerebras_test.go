package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCerebras_NoKey(t *testing.T) {
	c := NewCerebrasClient("", "model", "")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Generate(ctx, "system", "hi"); err == nil {
		t.Fatalf("expected error with missing key")
	}
}

func TestCerebras_HTTPFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status_non_2xx", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500); _, _ = w.Write([]byte("oops")) }},
		{"bad_json", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("not-json")) }},
		{"empty_choices", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(200)
			_, _ = w.Write([]byte(`{"choices":[]}`))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			c := NewCerebrasClient("key", "model", srv.URL)
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if _, err := c.Generate(ctx, "system", "hi"); err == nil {
				t.Fatalf("expected error; got nil")
			}
		})
	}
}

func TestCerebras_StreamReply_AssemblesDeltasAndSkipsMalformedLines(t *testing.T) {
	sseBody := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"Hello"}}]}`,
		``,
		`data: not-json-at-all`,
		``,
		`data: {"choices":[{"delta":{"content":", how"}}]}`,
		``,
		`data: {"choices":[{"delta":{"content":" are you?"},"finish_reason":"stop"}]}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, sseBody)
	}))
	defer srv.Close()

	c := NewCerebrasClient("key", "model", srv.URL)

	var deltas []string
	completedCount := 0
	full, err := c.StreamReply(context.Background(), "system", "hi", func(delta string, isComplete bool) {
		if isComplete {
			completedCount++
			return
		}
		deltas = append(deltas, delta)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if full != "Hello, how are you?" {
		t.Fatalf("expected full reply 'Hello, how are you?', got %q", full)
	}
	if len(deltas) != 3 {
		t.Fatalf("expected 3 deltas, got %d: %v", len(deltas), deltas)
	}
	if completedCount != 1 {
		t.Fatalf("expected exactly one is_complete call, got %d", completedCount)
	}
}

func TestCerebras_StreamReply_NoKey(t *testing.T) {
	c := NewCerebrasClient("", "model", "")
	if _, err := c.StreamReply(context.Background(), "system", "hi", nil); err == nil {
		t.Fatalf("expected error with missing key")
	}
}
