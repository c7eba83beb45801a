package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/agentmesh/controlplane/pkg/model"
)

type AgentRepo struct{ s *Store }

func (s *Store) Agents() *AgentRepo { return &AgentRepo{s} }

func (r *AgentRepo) Create(a *model.Agent) error {
	now := time.Now()
	a.CreatedAt = now
	toolIDs, _ := json.Marshal(a.ToolIDs)
	mcpIDs, _ := json.Marshal(a.MCPServerIDs)
	hitl, _ := json.Marshal(a.HITLToolNames)
	kbIDs, _ := json.Marshal(a.KnowledgeBaseIDs)
	cfgJSON, _ := json.Marshal(a.Config)
	_, err := r.s.exec(`INSERT INTO agents (id, owner, provider_id, model, system_prompt, tool_ids,
		mcp_server_ids, hitl_tool_names, allow_create_tool, kb_ids, config, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Owner, a.ProviderID, a.ModelID, a.SystemPrompt, string(toolIDs), string(mcpIDs),
		string(hitl), boolInt(a.AllowToolCreation), string(kbIDs), string(cfgJSON), a.CreatedAt, now)
	return err
}

func (r *AgentRepo) Get(id string) (*model.Agent, error) {
	row := r.s.queryRow(`SELECT id, owner, provider_id, model, system_prompt, tool_ids, mcp_server_ids,
		hitl_tool_names, allow_create_tool, kb_ids, config, created_at, updated_at FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

func scanAgent(row *sql.Row) (*model.Agent, error) {
	var a model.Agent
	var toolIDs, mcpIDs, hitl, kbIDs, cfgJSON string
	var allowCreate int
	var updatedAt time.Time
	if err := row.Scan(&a.ID, &a.Owner, &a.ProviderID, &a.ModelID, &a.SystemPrompt, &toolIDs, &mcpIDs,
		&hitl, &allowCreate, &kbIDs, &cfgJSON, &a.CreatedAt, &updatedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(toolIDs), &a.ToolIDs)
	_ = json.Unmarshal([]byte(mcpIDs), &a.MCPServerIDs)
	_ = json.Unmarshal([]byte(hitl), &a.HITLToolNames)
	_ = json.Unmarshal([]byte(kbIDs), &a.KnowledgeBaseIDs)
	_ = json.Unmarshal([]byte(cfgJSON), &a.Config)
	a.AllowToolCreation = allowCreate != 0
	return &a, nil
}

// All returns every agent across every owner, used by the process-wide
// startup/shutdown memory sweep, which has no single owner to scope to.
func (r *AgentRepo) All() ([]model.Agent, error) {
	rows, err := r.s.query(`SELECT id, owner, provider_id, model, system_prompt, tool_ids, mcp_server_ids,
		hitl_tool_names, allow_create_tool, kb_ids, config, created_at, updated_at FROM agents`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAgentRows(rows)
}

func (r *AgentRepo) ForOwner(owner string) ([]model.Agent, error) {
	rows, err := r.s.query(`SELECT id, owner, provider_id, model, system_prompt, tool_ids, mcp_server_ids,
		hitl_tool_names, allow_create_tool, kb_ids, config, created_at, updated_at FROM agents WHERE owner = ?`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAgentRows(rows)
}

func scanAgentRows(rows *sql.Rows) ([]model.Agent, error) {
	var out []model.Agent
	for rows.Next() {
		var a model.Agent
		var toolIDs, mcpIDs, hitl, kbIDs, cfgJSON string
		var allowCreate int
		var updatedAt time.Time
		if err := rows.Scan(&a.ID, &a.Owner, &a.ProviderID, &a.ModelID, &a.SystemPrompt, &toolIDs, &mcpIDs,
			&hitl, &allowCreate, &kbIDs, &cfgJSON, &a.CreatedAt, &updatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(toolIDs), &a.ToolIDs)
		_ = json.Unmarshal([]byte(mcpIDs), &a.MCPServerIDs)
		_ = json.Unmarshal([]byte(hitl), &a.HITLToolNames)
		_ = json.Unmarshal([]byte(kbIDs), &a.KnowledgeBaseIDs)
		_ = json.Unmarshal([]byte(cfgJSON), &a.Config)
		a.AllowToolCreation = allowCreate != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *AgentRepo) Delete(id string) error {
	_, err := r.s.exec(`DELETE FROM agents WHERE id = ?`, id)
	return err
}
