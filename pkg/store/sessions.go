package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/agentmesh/controlplane/pkg/model"
)

type SessionRepo struct{ s *Store }

func (s *Store) Sessions() *SessionRepo { return &SessionRepo{s} }

func (r *SessionRepo) Create(sess *model.Session) error {
	now := time.Now()
	sess.CreatedAt, sess.UpdatedAt = now, now
	_, err := r.s.exec(`INSERT INTO sessions (id, owner, agent_id, team_id, memory_processed, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?)`,
		sess.ID, sess.Owner, entityColumn(sess, model.EntityAgent), entityColumn(sess, model.EntityTeam),
		boolInt(sess.MemoryProcessed), sess.CreatedAt, sess.UpdatedAt)
	return err
}

// entityColumn projects Session's polymorphic (EntityType, EntityID) pair
// onto the agent_id/team_id columns the schema keeps for queryability.
func entityColumn(sess *model.Session, want model.EntityType) any {
	if sess.EntityType == want {
		return sess.EntityID
	}
	return nil
}

func (r *SessionRepo) Get(id string) (*model.Session, error) {
	row := r.s.queryRow(`SELECT id, owner, agent_id, team_id, memory_processed, created_at, updated_at, last_message_at
		FROM sessions WHERE id = ?`, id)
	var sess model.Session
	var memProcessed int
	var agentID, teamID sql.NullString
	var lastMsg sql.NullTime
	if err := row.Scan(&sess.ID, &sess.Owner, &agentID, &teamID, &memProcessed, &sess.CreatedAt, &sess.UpdatedAt, &lastMsg); err != nil {
		return nil, err
	}
	if agentID.Valid {
		sess.EntityType, sess.EntityID = model.EntityAgent, agentID.String
	} else if teamID.Valid {
		sess.EntityType, sess.EntityID = model.EntityTeam, teamID.String
	}
	sess.MemoryProcessed = memProcessed != 0
	if lastMsg.Valid {
		sess.LastMessageAt = lastMsg.Time
	}
	return &sess, nil
}

// MarkMemoryProcessed flips the session's memory_processed flag, the
// immediate write the Memory Reflector performs before it does any LLM
// work, so a concurrent trigger never double-processes the same session.
func (r *SessionRepo) MarkMemoryProcessed(id string) error {
	_, err := r.s.exec(`UPDATE sessions SET memory_processed = 1 WHERE id = ?`, id)
	return err
}

func (r *SessionRepo) Delete(id string) error {
	_, err := r.s.exec(`DELETE FROM sessions WHERE id = ?`, id)
	return err
}

func (r *SessionRepo) TouchLastMessage(id string, at time.Time) error {
	_, err := r.s.exec(`UPDATE sessions SET last_message_at = ?, updated_at = ? WHERE id = ?`, at, at, id)
	return err
}

// UnprocessedForAgent returns sessions for (agent, owner) that still need
// a memory reflection pass, used to trigger reflection on a new request.
func (r *SessionRepo) UnprocessedForAgent(agentID, owner string) ([]model.Session, error) {
	rows, err := r.s.query(`SELECT id, owner, agent_id, memory_processed, created_at, updated_at
		FROM sessions WHERE agent_id = ? AND owner = ? AND memory_processed = 0`, agentID, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		var sess model.Session
		var memProcessed int
		if err := rows.Scan(&sess.ID, &sess.Owner, &sess.EntityID, &memProcessed, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		sess.EntityType = model.EntityAgent
		sess.MemoryProcessed = memProcessed != 0
		out = append(out, sess)
	}
	return out, rows.Err()
}

type MessageRepo struct{ s *Store }

func (s *Store) Messages() *MessageRepo { return &MessageRepo{s} }

func (r *MessageRepo) Append(m *model.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	toolCallsJSON, _ := json.Marshal(m.ToolCalls)
	partsJSON, _ := json.Marshal(m.Parts)
	attachmentsJSON, _ := json.Marshal(m.AttachmentIDs)
	_, err := r.s.exec(`INSERT INTO messages (id, session_id, sequence, role, content, parts, tool_calls,
		reasoning, model, provider, latency_ms, input_tokens, output_tokens, error, attachment_ids, rating, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.SessionID, m.Sequence, m.Role, m.Content, string(partsJSON), string(toolCallsJSON),
		m.Reasoning, m.Metadata.Model, m.Metadata.Provider, m.Metadata.LatencyMS, m.Metadata.InputTokens,
		m.Metadata.OutputTokens, m.Metadata.Error, string(attachmentsJSON), m.Rating, m.CreatedAt)
	return err
}

func (r *MessageRepo) Recent(sessionID string, limit int) ([]model.Message, error) {
	rows, err := r.s.query(`SELECT id, session_id, sequence, role, content, reasoning, created_at
		FROM messages WHERE session_id = ? ORDER BY sequence DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Sequence, &m.Role, &m.Content, &m.Reasoning, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	// reverse to ascending order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

func (r *MessageRepo) NextSequence(sessionID string) (int64, error) {
	row := r.s.queryRow(`SELECT COALESCE(MAX(sequence), 0) + 1 FROM messages WHERE session_id = ?`, sessionID)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}
