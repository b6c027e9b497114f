package stt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTranscribeEmptyInputReturnsNull(t *testing.T) {
	c := New("key", "http://example.invalid")
	text, err := c.Transcribe(context.Background(), nil, 16000, "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "" {
		t.Fatalf("expected empty transcript, got %q", text)
	}
}

func TestTranscribeNoAPIKeyReturnsNull(t *testing.T) {
	c := New("", "http://example.invalid")
	text, err := c.Transcribe(context.Background(), []byte{1, 2, 3, 4}, 16000, "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "" {
		t.Fatalf("expected empty transcript without api key, got %q", text)
	}
}

func TestTranscribeHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := deepgramResponse{}
		resp.Results.Channels = []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		}{{Alternatives: []struct {
			Transcript string `json:"transcript"`
		}{{Transcript: "  hello there  "}}}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New("key", srv.URL)
	text, err := c.Transcribe(context.Background(), []byte{1, 2, 3, 4}, 16000, "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "hello there" {
		t.Fatalf("expected trimmed transcript, got %q", text)
	}
}

func TestTranscribeProviderErrorReturnsNull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New("key", srv.URL)
	text, err := c.Transcribe(context.Background(), []byte{1, 2, 3, 4}, 16000, "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "" {
		t.Fatalf("expected empty transcript on provider error, got %q", text)
	}
}
