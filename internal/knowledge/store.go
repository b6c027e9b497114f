// Package knowledge implements the persona and knowledge-base document store:
// loading/updating the persona text, keyword-scored chunk retrieval, and the
// greedy overlapping chunker used at document-ingest time. Caching follows
// DESIGN NOTES' "time-stamped snapshot and atomic swap" guidance, grounded on
// the in-memory optimistic-locking store pattern in the example pack's
// session/drivers/memory.go.
package knowledge

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	personaCacheTTL = 5 * time.Minute
	chunkCacheTTL   = 10 * time.Minute

	defaultPersonaName = "default"
	chunkTargetSize    = 1000
	chunkOverlap       = 200
	minQueryTokenLen   = 2
)

// DefaultPersonaFallback seeds a persona record the first time load_persona is
// called and no record exists yet.
const DefaultPersonaFallback = "You are a helpful, concise voice assistant."

// PersonaRecord is the persisted persona document.
type PersonaRecord struct {
	Name      string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DocumentRecord is a persisted knowledge document with its lazily computed chunks.
type DocumentRecord struct {
	ID        string
	Filename  string
	Content   string
	UploadedAt time.Time
	chunks    []string
}

// Store abstracts persona/document persistence so an in-memory fake can stand
// in for tests while a Mongo-backed implementation serves production traffic.
type Store interface {
	GetPersona(ctx context.Context, name string) (*PersonaRecord, error)
	PutPersona(ctx context.Context, rec *PersonaRecord) error
	ListDocuments(ctx context.Context) ([]*DocumentRecord, error)
	PutDocument(ctx context.Context, doc *DocumentRecord) error
	DeleteDocument(ctx context.Context, id string) error
}

// personaCache holds a time-stamped snapshot, swapped atomically under a mutex
// rather than a lock-free atomic.Value, matching the small-struct-with-RWMutex
// idiom used throughout the teacher's codebase.
type personaCache struct {
	mu        sync.RWMutex
	name      string
	content   string
	loadedAt  time.Time
}

func (c *personaCache) get(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.name != name || c.loadedAt.IsZero() {
		return "", false
	}
	if time.Since(c.loadedAt) > personaCacheTTL {
		return "", false
	}
	return c.content, true
}

func (c *personaCache) set(name, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = name
	c.content = content
	c.loadedAt = time.Now()
}

func (c *personaCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadedAt = time.Time{}
}

type chunkEntry struct {
	docID string
	index int
	text  string
}

// chunkCache caches the flattened, scored-over list of chunks across all
// documents. Invalidated on any document write/delete.
type chunkCache struct {
	mu       sync.RWMutex
	entries  []chunkEntry
	loadedAt time.Time
}

func (c *chunkCache) get() ([]chunkEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.loadedAt.IsZero() || time.Since(c.loadedAt) > chunkCacheTTL {
		return nil, false
	}
	return c.entries, true
}

func (c *chunkCache) set(entries []chunkEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = entries
	c.loadedAt = time.Now()
}

func (c *chunkCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadedAt = time.Time{}
}

// KB fronts a Store with the persona/chunk caches described above.
type KB struct {
	store   Store
	persona personaCache
	chunks  chunkCache
}

func New(store Store) *KB {
	return &KB{store: store}
}

// Store exposes the underlying Store for callers that need raw document
// listing rather than scored-chunk retrieval (the admin document endpoints).
func (kb *KB) Store() Store {
	return kb.store
}

// LoadPersona fetches persona content by name, seeding a built-in fallback the
// first time it is requested. Cached in-process for 5 minutes.
func (kb *KB) LoadPersona(ctx context.Context, name string) (string, error) {
	if name == "" {
		name = defaultPersonaName
	}
	if content, ok := kb.persona.get(name); ok {
		return content, nil
	}
	rec, err := kb.store.GetPersona(ctx, name)
	if err != nil {
		return "", fmt.Errorf("knowledge: load persona: %w", err)
	}
	if rec == nil {
		rec = &PersonaRecord{Name: name, Content: DefaultPersonaFallback, CreatedAt: time.Now(), UpdatedAt: time.Now()}
		if err := kb.store.PutPersona(ctx, rec); err != nil {
			return "", fmt.Errorf("knowledge: seed persona: %w", err)
		}
	}
	kb.persona.set(name, rec.Content)
	return rec.Content, nil
}

// UpdatePersona upserts persona content by name and invalidates the cache.
func (kb *KB) UpdatePersona(ctx context.Context, name, content string) (*PersonaRecord, error) {
	if name == "" {
		name = defaultPersonaName
	}
	now := time.Now()
	rec := &PersonaRecord{Name: name, Content: content, UpdatedAt: now, CreatedAt: now}
	if err := kb.store.PutPersona(ctx, rec); err != nil {
		return nil, fmt.Errorf("knowledge: update persona: %w", err)
	}
	kb.persona.invalidate()
	return rec, nil
}

// IngestDocument chunks content and persists the document record, invalidating
// the chunk cache.
func (kb *KB) IngestDocument(ctx context.Context, doc *DocumentRecord) error {
	doc.chunks = ChunkText(doc.Content, chunkTargetSize, chunkOverlap)
	if err := kb.store.PutDocument(ctx, doc); err != nil {
		return fmt.Errorf("knowledge: ingest document: %w", err)
	}
	kb.chunks.invalidate()
	return nil
}

// DeleteDocument removes a document and invalidates the chunk cache.
func (kb *KB) DeleteDocument(ctx context.Context, id string) error {
	if err := kb.store.DeleteDocument(ctx, id); err != nil {
		return fmt.Errorf("knowledge: delete document: %w", err)
	}
	kb.chunks.invalidate()
	return nil
}

func (kb *KB) loadChunkEntries(ctx context.Context) ([]chunkEntry, error) {
	if entries, ok := kb.chunks.get(); ok {
		return entries, nil
	}
	docs, err := kb.store.ListDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("knowledge: list documents: %w", err)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	var entries []chunkEntry
	for _, d := range docs {
		chunks := d.chunks
		if chunks == nil {
			chunks = ChunkText(d.Content, chunkTargetSize, chunkOverlap)
		}
		for i, c := range chunks {
			entries = append(entries, chunkEntry{docID: d.ID, index: i, text: c})
		}
	}
	kb.chunks.set(entries)
	return entries, nil
}

var wordBoundaryCache = map[string]*regexp.Regexp{}
var wordBoundaryMu sync.Mutex

func wordBoundaryRegexp(token string) *regexp.Regexp {
	wordBoundaryMu.Lock()
	defer wordBoundaryMu.Unlock()
	if re, ok := wordBoundaryCache[token]; ok {
		return re
	}
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(token) + `\b`)
	wordBoundaryCache[token] = re
	return re
}

// RelevantChunks scores every chunk across all documents against query and
// returns the top-k, deterministic and reproducible per the scoring rule.
func (kb *KB) RelevantChunks(ctx context.Context, query string, k int) ([]string, error) {
	entries, err := kb.loadChunkEntries(ctx)
	if err != nil {
		return nil, err
	}
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" || len(entries) == 0 {
		return nil, nil
	}
	var tokens []string
	for _, tok := range strings.Fields(query) {
		if len(tok) >= minQueryTokenLen {
			tokens = append(tokens, tok)
		}
	}
	if len(tokens) == 0 {
		return nil, nil
	}

	type scored struct {
		idx   int
		score int
		text  string
	}
	var results []scored
	for i, e := range entries {
		lower := strings.ToLower(e.text)
		score := 0
		for _, tok := range tokens {
			score += len(wordBoundaryRegexp(tok).FindAllStringIndex(lower, -1))
		}
		if strings.Contains(lower, query) {
			score += 5
		}
		trimmed := strings.TrimSpace(e.text)
		if strings.HasPrefix(trimmed, "#") || strings.HasSuffix(trimmed, ":") {
			score += 1
		}
		if score > 0 {
			results = append(results, scored{idx: i, score: score, text: e.text})
		}
	}
	sort.SliceStable(results, func(a, b int) bool {
		if results[a].score != results[b].score {
			return results[a].score > results[b].score
		}
		return results[a].idx < results[b].idx
	})
	if k <= 0 {
		k = 3
	}
	if len(results) > k {
		results = results[:k]
	}
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.text
	}
	return out, nil
}

// ChunkText splits text into greedy overlapping windows of ~size chars with
// ~overlap chars of overlap, snapping the window end to the last '.' or '\n\n'
// within the window when that boundary lies past the window's 50% mark. The
// next window start always advances strictly forward to guarantee termination.
func ChunkText(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if size < 1 {
		size = 1
	}
	if overlap >= size {
		overlap = size - 1
	}
	if overlap < 0 {
		overlap = 0
	}

	var chunks []string
	start := 0
	for start < len(text) {
		end := start + size
		if end > len(text) {
			end = len(text)
		}
		if end < len(text) {
			window := text[start:end]
			halfMark := len(window) / 2
			if i := strings.LastIndex(window, "\n\n"); i >= halfMark {
				end = start + i + 2
			} else if i := strings.LastIndex(window, "."); i >= halfMark {
				end = start + i + 1
			}
		}
		chunk := strings.TrimSpace(text[start:end])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		next := end - overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}
