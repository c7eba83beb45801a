package rag

import (
	"encoding/json"
	"os"
	"path/filepath"
)

func flatPath(dir, id string) string {
	return filepath.Join(dir, id+".flat.json")
}

// newFlatBackend opens (or creates) the flat index file for id, loading
// any previously persisted entries.
func newFlatBackend(dir, id string) (*flatBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	b := &flatBackend{path: flatPath(dir, id)}

	raw, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return b, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return b, nil
	}
	if err := json.Unmarshal(raw, &b.entries); err != nil {
		return nil, err
	}
	return b, nil
}

// persistLocked writes the full entry set to disk. Callers hold b.mu.
func (b *flatBackend) persistLocked() error {
	raw, err := json.Marshal(b.entries)
	if err != nil {
		return err
	}
	return os.WriteFile(b.path, raw, 0o644)
}
