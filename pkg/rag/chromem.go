package rag

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/philippgille/chromem-go"
)

// chromemBackend is the preferred approximate-search backend: one
// chromem-go persistent DB per index id, each collection backed by the
// embedder passed to newBackend. chromem-go persists its own collection
// file under dir, matching "indexes stored in files keyed by id".
type chromemBackend struct {
	db         *chromem.DB
	collection *chromem.Collection
}

func newChromemBackend(dir, id string, embedder Embedder) (*chromemBackend, error) {
	db, err := chromem.NewPersistentDB(filepath.Join(dir, id+".chromem"), false)
	if err != nil {
		return nil, fmt.Errorf("open chromem db for %s: %w", id, err)
	}

	embedFunc := chromem.EmbeddingFunc(func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	})

	coll, err := db.GetOrCreateCollection(id, nil, embedFunc)
	if err != nil {
		return nil, fmt.Errorf("get or create chromem collection %s: %w", id, err)
	}

	return &chromemBackend{db: db, collection: coll}, nil
}

func (b *chromemBackend) Add(ctx context.Context, chunkID, text string, metadata map[string]string) error {
	return b.collection.AddDocument(ctx, chromem.Document{
		ID:       chunkID,
		Content:  text,
		Metadata: metadata,
	})
}

func (b *chromemBackend) Search(ctx context.Context, queryText string, topK int) ([]ScoredChunk, error) {
	if topK <= 0 {
		topK = 10
	}
	if n := b.collection.Count(); n < topK {
		topK = n
	}
	if topK == 0 {
		return nil, nil
	}

	results, err := b.collection.Query(ctx, queryText, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	out := make([]ScoredChunk, 0, len(results))
	for _, res := range results {
		out = append(out, ScoredChunk{Text: res.Content, Score: res.Similarity, Metadata: res.Metadata})
	}
	return out, nil
}

func (b *chromemBackend) Delete(ctx context.Context, chunkID string) error {
	return b.collection.Delete(ctx, nil, nil, chunkID)
}

func (b *chromemBackend) Close() error { return nil }
