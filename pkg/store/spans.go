package store

import (
	"database/sql"

	"github.com/agentmesh/controlplane/pkg/model"
)

type SpanRepo struct{ s *Store }

func (s *Store) Spans() *SpanRepo { return &SpanRepo{s} }

// NextSequence returns the next monotonic span sequence number for a
// session, backing invariant 2 (trace spans form a monotonic sequence).
func (r *SpanRepo) NextSequence(sessionID string) (int, error) {
	row := r.s.queryRow(`SELECT COALESCE(MAX(sequence), -1) + 1 FROM trace_spans WHERE session_id = ?`, sessionID)
	var seq int
	if err := row.Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func (r *SpanRepo) Record(sp *model.TraceSpan) error {
	_, err := r.s.exec(`INSERT INTO trace_spans (id, session_id, workflow_run_id, message_id, type, name, model,
		provider, input_tokens, output_tokens, duration_ms, status, input_preview, output_preview, sequence,
		round_number, created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sp.ID, sp.SessionID, nullableString(sp.WorkflowRunID), nullableString(sp.MessageID), sp.Type, sp.Name,
		sp.Model, sp.Provider, sp.InputTokens, sp.OutputTokens, sp.DurationMS, sp.Status, sp.InputPreview,
		sp.OutputPreview, sp.Sequence, sp.RoundNumber, sp.CreatedAt)
	return err
}

// BackfillMessageID sets message_id on every span recorded for a session
// before its owning message was persisted — spec invariant 2 requires
// every llm_call/tool_call span from a turn to carry that turn's
// eventual message id once the turn completes.
func (r *SpanRepo) BackfillMessageID(sessionID string, fromSequence int, messageID string) error {
	_, err := r.s.exec(`UPDATE trace_spans SET message_id = ? WHERE session_id = ? AND sequence >= ? AND (message_id IS NULL OR message_id = '')`,
		messageID, sessionID, fromSequence)
	return err
}

func (r *SpanRepo) ForSession(sessionID string) ([]model.TraceSpan, error) {
	rows, err := r.s.query(`SELECT id, session_id, workflow_run_id, message_id, type, name, model, provider,
		input_tokens, output_tokens, duration_ms, status, input_preview, output_preview, sequence, round_number, created_at
		FROM trace_spans WHERE session_id = ? ORDER BY sequence ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TraceSpan
	for rows.Next() {
		var sp model.TraceSpan
		var workflowRunID, messageID sql.NullString
		if err := rows.Scan(&sp.ID, &sp.SessionID, &workflowRunID, &messageID, &sp.Type, &sp.Name, &sp.Model,
			&sp.Provider, &sp.InputTokens, &sp.OutputTokens, &sp.DurationMS, &sp.Status, &sp.InputPreview,
			&sp.OutputPreview, &sp.Sequence, &sp.RoundNumber, &sp.CreatedAt); err != nil {
			return nil, err
		}
		sp.WorkflowRunID = workflowRunID.String
		sp.MessageID = messageID.String
		out = append(out, sp)
	}
	return out, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
