package store

import (
	"encoding/json"
	"time"

	"github.com/agentmesh/controlplane/pkg/model"
)

type ApprovalRepo struct{ s *Store }

func (s *Store) Approvals() *ApprovalRepo { return &ApprovalRepo{s} }

func (r *ApprovalRepo) Create(a *model.HITLApproval) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	argsJSON, _ := json.Marshal(a.Arguments)
	_, err := r.s.exec(`INSERT INTO hitl_approvals (id, session_id, tool_call_id, tool_name, arguments, status, created_at)
		VALUES (?,?,?,?,?,?,?)`, a.ID, a.SessionID, a.ToolCallID, a.ToolName, string(argsJSON), a.Status, a.CreatedAt)
	return err
}

func (r *ApprovalRepo) Resolve(id string, status model.ApprovalStatus) error {
	_, err := r.s.exec(`UPDATE hitl_approvals SET status = ?, resolved_at = ? WHERE id = ?`, status, time.Now(), id)
	return err
}

// DenyAllPending auto-denies every still-pending approval, a startup
// recovery rule so a crash never leaves a tool call silently waiting
// forever.
func (r *ApprovalRepo) DenyAllPending() (int64, error) {
	res, err := r.s.exec(`UPDATE hitl_approvals SET status = ?, resolved_at = ? WHERE status = ?`,
		model.ApprovalDenied, time.Now(), model.ApprovalPending)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type ProposalRepo struct{ s *Store }

func (s *Store) Proposals() *ProposalRepo { return &ProposalRepo{s} }

func (r *ProposalRepo) Create(p *model.ToolProposal) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	paramsJSON, _ := json.Marshal(p.Parameters)
	configJSON, _ := json.Marshal(p.HandlerConfig)
	_, err := r.s.exec(`INSERT INTO tool_proposals (id, session_id, tool_call_id, handler_type, name, definition, status, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.SessionID, p.ToolCallID, string(p.HandlerType), p.Name,
		proposalDefinitionJSON(paramsJSON, configJSON), p.Status, p.CreatedAt)
	return err
}

// proposalDefinitionJSON packs parameters and handler config into the
// single definition column; Get/Resolve decode it back out when an
// approved proposal is upserted into the tools table.
func proposalDefinitionJSON(paramsJSON, configJSON []byte) string {
	b, _ := json.Marshal(map[string]json.RawMessage{"parameters": paramsJSON, "handler_config": configJSON})
	return string(b)
}

func (r *ProposalRepo) Resolve(id string, status model.ProposalStatus) error {
	_, err := r.s.exec(`UPDATE tool_proposals SET status = ?, resolved_at = ? WHERE id = ?`, status, time.Now(), id)
	return err
}

// Get loads a single proposal by id, used when an external approval
// decision arrives and the engine needs to upsert the resulting tool.
func (r *ProposalRepo) Get(id string) (*model.ToolProposal, error) {
	row := r.s.queryRow(`SELECT id, session_id, tool_call_id, handler_type, name, definition, status, created_at
		FROM tool_proposals WHERE id = ?`, id)
	var p model.ToolProposal
	var handlerType, defJSON string
	if err := row.Scan(&p.ID, &p.SessionID, &p.ToolCallID, &handlerType, &p.Name, &defJSON, &p.Status, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.HandlerType = model.ToolHandlerType(handlerType)
	var packed map[string]json.RawMessage
	if json.Unmarshal([]byte(defJSON), &packed) == nil {
		_ = json.Unmarshal(packed["parameters"], &p.Parameters)
		_ = json.Unmarshal(packed["handler_config"], &p.HandlerConfig)
	}
	return &p, nil
}

// RejectAllPending auto-rejects every still-pending proposal at startup,
// mirroring ApprovalRepo.DenyAllPending for the create_tool flow.
func (r *ProposalRepo) RejectAllPending() (int64, error) {
	res, err := r.s.exec(`UPDATE tool_proposals SET status = ?, resolved_at = ? WHERE status = ?`,
		model.ProposalRejected, time.Now(), model.ProposalPending)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
