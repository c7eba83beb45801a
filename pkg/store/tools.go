package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/agentmesh/controlplane/pkg/model"
	"github.com/agentmesh/controlplane/pkg/tool"
)

// ToolRepo persists Tool entities and implements toolexec.ToolLookup.
type ToolRepo struct{ s *Store }

func (s *Store) Tools() *ToolRepo { return &ToolRepo{s} }

// FindTool resolves a tool by (owner, name), satisfying toolexec.ToolLookup.
// The scope's AgentID is not part of the lookup key — tools are
// owner-scoped and shared across an owner's agents, per invariant 4's
// upsert-by-(owner,name) semantics.
func (r *ToolRepo) FindTool(scope tool.Scope, name string) (*model.Tool, bool, error) {
	row := r.s.queryRow(`SELECT id, owner, name, parameters, handler_type, handler_code,
		handler_url, handler_method, handler_headers, requires_confirm, created_at, updated_at
		FROM tools WHERE owner = ? AND name = ?`, scope.UserID, name)
	t, err := scanTool(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// Get resolves a tool by id, used when a caller already holds the id
// (e.g. an Agent's ToolIDs) rather than the owner-scoped name FindTool
// looks up by.
func (r *ToolRepo) Get(id string) (*model.Tool, error) {
	row := r.s.queryRow(`SELECT id, owner, name, parameters, handler_type, handler_code,
		handler_url, handler_method, handler_headers, requires_confirm, created_at, updated_at
		FROM tools WHERE id = ?`, id)
	return scanTool(row)
}

func scanTool(row *sql.Row) (*model.Tool, error) {
	var t model.Tool
	var paramsJSON, headersJSON sql.NullString
	var code, url, method sql.NullString
	var requiresConfirm int
	if err := row.Scan(&t.ID, &t.Owner, &t.Name, &paramsJSON, &t.HandlerType, &code,
		&url, &method, &headersJSON, &requiresConfirm, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.RequiresConfirm = requiresConfirm != 0
	t.Handler = model.ToolHandlerConfig{Code: code.String, URL: url.String, Method: method.String}
	if paramsJSON.Valid && paramsJSON.String != "" {
		_ = json.Unmarshal([]byte(paramsJSON.String), &t.Parameters)
	}
	if headersJSON.Valid && headersJSON.String != "" {
		_ = json.Unmarshal([]byte(headersJSON.String), &t.Handler.Headers)
	}
	return &t, nil
}

// Upsert inserts or replaces a tool keyed by (owner, name), the semantics
// invariant 4 requires for proposal-approved dynamic tools.
func (r *ToolRepo) Upsert(t *model.Tool) error {
	paramsJSON, _ := json.Marshal(t.Parameters)
	headersJSON, _ := json.Marshal(t.Handler.Headers)
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	existing, found, err := r.FindTool(tool.Scope{UserID: t.Owner}, t.Name)
	if err != nil {
		return err
	}
	if found {
		t.ID = existing.ID
		t.CreatedAt = existing.CreatedAt
		_, err := r.s.exec(`UPDATE tools SET parameters=?, handler_type=?, handler_code=?,
			handler_url=?, handler_method=?, handler_headers=?, requires_confirm=?, updated_at=?
			WHERE owner=? AND name=?`,
			string(paramsJSON), t.HandlerType, t.Handler.Code, t.Handler.URL, t.Handler.Method,
			string(headersJSON), boolInt(t.RequiresConfirm), t.UpdatedAt, t.Owner, t.Name)
		return err
	}

	_, err = r.s.exec(`INSERT INTO tools (id, owner, name, parameters, handler_type, handler_code,
		handler_url, handler_method, handler_headers, requires_confirm, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Owner, t.Name, string(paramsJSON), t.HandlerType, t.Handler.Code,
		t.Handler.URL, t.Handler.Method, string(headersJSON), boolInt(t.RequiresConfirm),
		t.CreatedAt, t.UpdatedAt)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
