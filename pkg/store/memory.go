package store

import (
	"time"

	"github.com/agentmesh/controlplane/pkg/model"
)

type MemoryRepo struct{ s *Store }

func (s *Store) Memory() *MemoryRepo { return &MemoryRepo{s} }

// ForAgent returns every fact the Memory Reflector has stored for (agent,
// user), used both to render the context-injection block and to decide
// eviction when a new batch would exceed the 50-fact cap.
func (r *MemoryRepo) ForAgent(agentID, userID string) ([]model.AgentMemory, error) {
	rows, err := r.s.query(`SELECT agent_id, user_id, key, value, category, confidence, source_session, created_at, updated_at
		FROM agent_memory WHERE agent_id = ? AND user_id = ?`, agentID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AgentMemory
	for rows.Next() {
		var f model.AgentMemory
		if err := rows.Scan(&f.AgentID, &f.UserID, &f.Key, &f.Value, &f.Category, &f.Confidence,
			&f.SourceSession, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Upsert inserts or overwrites one fact keyed by (agent, user, key), per
// invariant 6.
func (r *MemoryRepo) Upsert(f model.AgentMemory) error {
	now := time.Now()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now

	_, err := r.s.exec(`DELETE FROM agent_memory WHERE agent_id = ? AND user_id = ? AND key = ?`,
		f.AgentID, f.UserID, f.Key)
	if err != nil {
		return err
	}
	_, err = r.s.exec(`INSERT INTO agent_memory (agent_id, user_id, key, value, category, confidence,
		source_session, created_at, updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		f.AgentID, f.UserID, f.Key, f.Value, f.Category, f.Confidence, f.SourceSession, f.CreatedAt, f.UpdatedAt)
	return err
}

// Evict deletes a specific fact, used when the 50-fact cap forces out the
// lowest-confidence, oldest entries.
func (r *MemoryRepo) Evict(agentID, userID, key string) error {
	_, err := r.s.exec(`DELETE FROM agent_memory WHERE agent_id = ? AND user_id = ? AND key = ?`, agentID, userID, key)
	return err
}
