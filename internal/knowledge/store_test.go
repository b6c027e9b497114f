package knowledge

import (
	"context"
	"strings"
	"testing"
)

func TestLoadPersonaSeedsFallback(t *testing.T) {
	kb := New(NewMemoryStore())
	content, err := kb.LoadPersona(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if content != DefaultPersonaFallback {
		t.Fatalf("expected fallback content, got %q", content)
	}
}

func TestUpdatePersonaInvalidatesCacheWithinTTL(t *testing.T) {
	kb := New(NewMemoryStore())
	ctx := context.Background()
	if _, err := kb.LoadPersona(ctx, "default"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := kb.UpdatePersona(ctx, "default", "new persona content XYZ"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	content, err := kb.LoadPersona(ctx, "default")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(content, "XYZ") {
		t.Fatalf("expected updated content to be visible immediately, got %q", content)
	}
}

func TestRelevantChunksRanksPhraseMatchAboveTokenOnly(t *testing.T) {
	store := NewMemoryStore()
	kb := New(store)
	ctx := context.Background()

	docA := &DocumentRecord{ID: "a", Filename: "a.txt", Content: "WhatsApp pricing for bulk messaging: contact sales for a quote."}
	docB := &DocumentRecord{ID: "b", Filename: "b.txt", Content: "Our whatsapp integration supports templates. Pricing for SMS differs."}
	if err := kb.IngestDocument(ctx, docA); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := kb.IngestDocument(ctx, docB); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	results, err := kb.RelevantChunks(ctx, "whatsapp pricing", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) == 0 {
		t.Fatalf("expected at least one result")
	}
	if !strings.Contains(strings.ToLower(results[0]), "whatsapp pricing for bulk messaging") {
		t.Fatalf("expected the verbatim-phrase chunk to rank first, got %q", results[0])
	}
}

func TestRelevantChunksEmptyQuery(t *testing.T) {
	kb := New(NewMemoryStore())
	results, err := kb.RelevantChunks(context.Background(), "", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results != nil {
		t.Fatalf("expected nil results for empty query, got %v", results)
	}
}

func TestChunkTextTerminatesAndCoversInput(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 500; i++ {
		b.WriteString("word ")
	}
	text := b.String()
	chunks := ChunkText(text, 100, 20)
	if len(chunks) == 0 {
		t.Fatalf("expected at least one chunk")
	}
	var rebuilt strings.Builder
	for _, c := range chunks {
		rebuilt.WriteString(c)
	}
	if !strings.Contains(rebuilt.String(), "word") {
		t.Fatalf("expected chunks to cover original content")
	}
}

func TestChunkTextHandlesOverlapGreaterThanSize(t *testing.T) {
	chunks := ChunkText("hello world this is a test", 5, 999)
	if len(chunks) == 0 {
		t.Fatalf("expected chunker to terminate and produce output even with degenerate overlap")
	}
}

func TestChunkTextEmptyInput(t *testing.T) {
	if chunks := ChunkText("", 100, 20); chunks != nil {
		t.Fatalf("expected nil chunks for empty input, got %v", chunks)
	}
}
