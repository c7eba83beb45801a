package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Index is one per-session or per-KB RAG index, identified by id and
// backed by files under dir — per-session and per-KB indexes are stored
// in files keyed by id.
type Index struct {
	id      string
	dir     string
	backend Backend

	mu       sync.Mutex
	manifest map[string]int // document id -> chunk count, for Delete
}

// Open opens (or creates) the index for id under dir using the given
// backend kind and embedder.
func Open(dir, id string, kind BackendKind, embedder Embedder) (*Index, error) {
	backend, err := newBackend(kind, dir, id, embedder)
	if err != nil {
		return nil, err
	}

	idx := &Index{id: id, dir: dir, backend: backend, manifest: map[string]int{}}
	if err := idx.loadManifest(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Index) manifestPath() string {
	return filepath.Join(idx.dir, idx.id+".manifest.json")
}

func (idx *Index) loadManifest() error {
	raw, err := os.ReadFile(idx.manifestPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, &idx.manifest)
}

func (idx *Index) persistManifestLocked() error {
	raw, err := json.Marshal(idx.manifest)
	if err != nil {
		return err
	}
	return os.WriteFile(idx.manifestPath(), raw, 0o644)
}

// IndexDocument extracts text per mimeType, chunks it (500/50 window),
// embeds and stores each chunk. docMetadata is merged onto every chunk's
// metadata along with chunk_index/document_id.
func (idx *Index) IndexDocument(ctx context.Context, documentID, mimeType string, raw []byte, docMetadata map[string]string) (int, error) {
	text := ExtractText(mimeType, raw)
	chunks := ChunkText(text)

	for _, c := range chunks {
		meta := map[string]string{}
		for k, v := range docMetadata {
			meta[k] = v
		}
		meta["document_id"] = documentID
		meta["chunk_index"] = strconv.Itoa(c.Index)

		chunkID := documentID + ":" + strconv.Itoa(c.Index)
		if err := idx.backend.Add(ctx, chunkID, c.Content, meta); err != nil {
			return 0, fmt.Errorf("index chunk %s: %w", chunkID, err)
		}
	}

	idx.mu.Lock()
	idx.manifest[documentID] = len(chunks)
	err := idx.persistManifestLocked()
	idx.mu.Unlock()
	return len(chunks), err
}

// Search returns the top_k most similar chunks to query, ordered by score
// descending.
func (idx *Index) Search(ctx context.Context, query string, topK int) ([]ScoredChunk, error) {
	return idx.backend.Search(ctx, query, topK)
}

// DeleteDocument removes every chunk belonging to documentID.
func (idx *Index) DeleteDocument(ctx context.Context, documentID string) error {
	idx.mu.Lock()
	n, ok := idx.manifest[documentID]
	delete(idx.manifest, documentID)
	err := idx.persistManifestLocked()
	idx.mu.Unlock()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	for i := 0; i < n; i++ {
		chunkID := documentID + ":" + strconv.Itoa(i)
		if err := idx.backend.Delete(ctx, chunkID); err != nil {
			return fmt.Errorf("delete chunk %s: %w", chunkID, err)
		}
	}
	return nil
}

func (idx *Index) Close() error {
	return idx.backend.Close()
}
