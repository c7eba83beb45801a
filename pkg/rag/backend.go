package rag

import (
	"context"
	"fmt"
	"math"
	"sync"
)

// ScoredChunk is one search hit: the matched chunk content plus score and
// carried metadata, matching the `search(index, query, top_k)` return
// shape `[{text, score, metadata}]`.
type ScoredChunk struct {
	Text     string
	Score    float32
	Metadata map[string]string
}

// Backend is the interface both vector backends satisfy. Each backend
// owns an Embedder internally so Add/Search take raw text — indexes are
// stored in files keyed by id, so each Backend instance owns exactly one
// on-disk collection/index file named after the index id it was opened
// for.
type Backend interface {
	Add(ctx context.Context, chunkID, text string, metadata map[string]string) error
	Search(ctx context.Context, queryText string, topK int) ([]ScoredChunk, error)
	Delete(ctx context.Context, chunkID string) error
	Close() error
}

// flatBackend is the stdlib-only fallback: a from-scratch in-memory flat
// scan over float32 vectors, scored by cosine similarity, persisted as a
// small JSON file on every write. Kept deliberately independent of
// chromemBackend (rather than delegating to chromem-go's own brute-force
// path) so the two backends stay genuinely swappable — see DESIGN.md.
type flatBackend struct {
	mu       sync.RWMutex
	path     string
	embedder Embedder
	entries  []flatEntry
}

type flatEntry struct {
	ID        string            `json:"id"`
	Text      string            `json:"text"`
	Embedding []float32         `json:"embedding"`
	Metadata  map[string]string `json:"metadata"`
}

func (b *flatBackend) Add(ctx context.Context, chunkID, text string, metadata map[string]string) error {
	vec, err := b.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed chunk %s: %w", chunkID, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.entries {
		if e.ID == chunkID {
			b.entries[i] = flatEntry{ID: chunkID, Text: text, Embedding: vec, Metadata: metadata}
			return b.persistLocked()
		}
	}
	b.entries = append(b.entries, flatEntry{ID: chunkID, Text: text, Embedding: vec, Metadata: metadata})
	return b.persistLocked()
}

func (b *flatBackend) Search(ctx context.Context, queryText string, topK int) ([]ScoredChunk, error) {
	queryVec, err := b.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	scored := make([]ScoredChunk, 0, len(b.entries))
	for _, e := range b.entries {
		scored = append(scored, ScoredChunk{Text: e.Text, Score: cosineSimilarity(queryVec, e.Embedding), Metadata: e.Metadata})
	}
	sortByScoreDesc(scored)
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

func (b *flatBackend) Delete(_ context.Context, chunkID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.entries {
		if e.ID == chunkID {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return b.persistLocked()
		}
	}
	return nil
}

func (b *flatBackend) Close() error { return nil }

func cosineSimilarity(a, b []float32) float32 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

func sortByScoreDesc(s []ScoredChunk) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].Score > s[j-1].Score; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// BackendKind selects which of the two interchangeable backends an Index
// opens.
type BackendKind string

const (
	BackendApproximate BackendKind = "approximate"
	BackendFlat        BackendKind = "flat"
)

func newBackend(kind BackendKind, dir, id string, embedder Embedder) (Backend, error) {
	switch kind {
	case BackendFlat, "":
		b, err := newFlatBackend(dir, id)
		if err != nil {
			return nil, err
		}
		b.embedder = embedder
		return b, nil
	case BackendApproximate:
		return newChromemBackend(dir, id, embedder)
	default:
		return nil, fmt.Errorf("unknown rag backend kind %q", kind)
	}
}
