package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/agentmesh/controlplane/pkg/approval"
	"github.com/agentmesh/controlplane/pkg/contextmgr"
	"github.com/agentmesh/controlplane/pkg/events"
	"github.com/agentmesh/controlplane/pkg/mcp"
	"github.com/agentmesh/controlplane/pkg/model"
	"github.com/agentmesh/controlplane/pkg/provider"
	"github.com/agentmesh/controlplane/pkg/tool"
	"github.com/agentmesh/controlplane/pkg/trace"
)

// createToolName is the virtual tool name reserved for dynamic tool
// proposals.
const createToolName = "create_tool"

// toolDefinitions merges the agent's static tools, this session's
// previously-approved dynamic tools, the current MCP session's advertised
// tools, and — when the agent allows it — the virtual create_tool schema,
// merging static tools with this session's dynamically-approved tools.
func (e *Engine) toolDefinitions(agent *model.Agent, sessionID string, mcpSession *mcp.Session) []provider.ToolDefinition {
	var defs []provider.ToolDefinition
	seen := make(map[string]bool)

	for _, id := range agent.ToolIDs {
		t, err := e.store.Tools().Get(id)
		if err != nil || t == nil || seen[t.Name] {
			continue
		}
		seen[t.Name] = true
		defs = append(defs, provider.ToolDefinition{Name: t.Name, Description: t.Name, Parameters: t.Parameters})
	}

	for name := range e.dynamicToolsFor(sessionID) {
		if seen[name] {
			continue
		}
		if t, _, err := e.store.Tools().FindTool(tool.Scope{UserID: agent.Owner}, name); err == nil && t != nil {
			seen[name] = true
			defs = append(defs, provider.ToolDefinition{Name: t.Name, Description: t.Name, Parameters: t.Parameters})
		}
	}

	if mcpSession != nil {
		for _, info := range mcpSession.Tools() {
			if seen[info.WireName] {
				continue
			}
			seen[info.WireName] = true
			defs = append(defs, provider.ToolDefinition{Name: info.WireName, Description: info.Description, Parameters: info.Schema})
		}
	}

	if agent.AllowToolCreation {
		defs = append(defs, provider.ToolDefinition{
			Name:        createToolName,
			Description: "Propose a new tool for the user to approve. Use when no existing tool can satisfy the request.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":           map[string]any{"type": "string"},
					"description":    map[string]any{"type": "string"},
					"handler_type":   map[string]any{"type": "string", "enum": []string{"python", "http"}},
					"parameters":     map[string]any{"type": "object"},
					"handler_config": map[string]any{"type": "object"},
				},
				"required": []string{"name", "handler_type"},
			},
		})
	}
	return defs
}

func (e *Engine) dynamicToolsFor(sessionID string) map[string]bool {
	e.dynMu.Lock()
	defer e.dynMu.Unlock()
	return e.dynTools[sessionID]
}

func (e *Engine) addDynamicTool(sessionID, name string) {
	e.dynMu.Lock()
	defer e.dynMu.Unlock()
	if e.dynTools[sessionID] == nil {
		e.dynTools[sessionID] = make(map[string]bool)
	}
	e.dynTools[sessionID][name] = true
}

// dispatchToolCall handles one collected tool call, routing across its
// three branches: the create_tool proposal, a gated (HITL) tool, or a
// normal tool, appending the resulting user-role feedback message(s) to
// messages and emitting the matching events along the way.
func (e *Engine) dispatchToolCall(ctx context.Context, scope tool.Scope, session *model.Session, agent *model.Agent, call provider.ToolCall, messages *[]provider.Message, out chan<- events.Event) {
	switch {
	case call.Name == createToolName:
		e.handleCreateTool(ctx, scope, session, agent, call, messages, out)
	case e.isGated(agent, call.Name):
		e.handleGatedTool(ctx, scope, session, call, messages, out)
	default:
		e.handleNormalTool(scope, call, messages, out)
	}
}

func (e *Engine) isGated(agent *model.Agent, name string) bool {
	if strings.HasPrefix(name, "mcp__") {
		return agent.RequiresApproval(name)
	}
	if t, _, err := e.store.Tools().FindTool(tool.Scope{UserID: agent.Owner}, name); err == nil && t != nil {
		return t.Gated(agent.HITLToolNames)
	}
	return agent.RequiresApproval(name)
}

func appendUserFeedback(messages *[]provider.Message, content string) {
	*messages = append(*messages, provider.Message{Role: string(model.RoleUserMsg), Content: content + "\n\n" + ToolResultPrompt})
}

// handleGatedTool suspends at the Approval Gate for a tool requiring
// human confirmation.
func (e *Engine) handleGatedTool(ctx context.Context, scope tool.Scope, session *model.Session, call provider.ToolCall, messages *[]provider.Message, out chan<- events.Event) {
	rec := &model.HITLApproval{
		ID: uuid.NewString(), SessionID: session.ID, ToolCallID: call.ID,
		ToolName: call.Name, Arguments: call.Arguments, Status: model.ApprovalPending,
	}
	if err := e.store.Approvals().Create(rec); err != nil {
		appendUserFeedback(messages, fmt.Sprintf("[Tool '%s' could not be scheduled for approval: %v]", call.Name, err))
		return
	}
	if err := e.approval.Register(approval.NamespaceHITL, session.ID, call.ID); err != nil {
		appendUserFeedback(messages, fmt.Sprintf("[Tool '%s' approval could not be registered.]", call.Name))
		return
	}

	out <- events.Event{Name: events.HITLApprovalRequired, Payload: map[string]any{
		"approval_id": rec.ID, "session_id": session.ID, "tool_call_id": call.ID,
		"tool_name": call.Name, "tool_arguments": call.Arguments,
	}}

	decision := e.approval.Await(ctx, approval.NamespaceHITL, session.ID, call.ID)
	if decision != approval.Approved {
		_ = e.store.Approvals().Resolve(rec.ID, model.ApprovalDenied)
		denial := fmt.Sprintf("[Tool '%s' approval was denied or timed out. Do not retry it.]", call.Name)
		out <- events.Event{Name: events.ToolCall, Payload: map[string]any{"id": call.ID, "name": call.Name, "status": "completed", "result": denial}}
		appendUserFeedback(messages, denial)
		return
	}

	_ = e.store.Approvals().Resolve(rec.ID, model.ApprovalApproved)
	e.executeAndRecord(scope, session, call, messages, out)
}

// handleNormalTool executes an ungated tool directly.
func (e *Engine) handleNormalTool(scope tool.Scope, call provider.ToolCall, messages *[]provider.Message, out chan<- events.Event) {
	e.executeAndRecord(scope, nil, call, messages, out)
}

func (e *Engine) executeAndRecord(scope tool.Scope, session *model.Session, call provider.ToolCall, messages *[]provider.Message, out chan<- events.Event) {
	out <- events.Event{Name: events.ToolCall, Payload: map[string]any{"id": call.ID, "name": call.Name, "status": "running"}}

	argsJSON, _ := json.Marshal(call.Arguments)
	var span *traceSpanCloser
	if session != nil {
		span = e.startToolSpan(session.ID, call.Name)
	}

	result, err := e.tools.Execute(scope, call.Name, string(argsJSON))
	if span != nil {
		span.finish(err)
	}
	if err != nil {
		result = fmt.Sprintf(`{"error":%q}`, err.Error())
	}

	out <- events.Event{Name: events.ToolCall, Payload: map[string]any{"id": call.ID, "name": call.Name, "status": "completed", "result": result}}
	for _, ev := range toolElementEvents(call.Name, result) {
		out <- ev
	}
	appendUserFeedback(messages, result)
}

type traceSpanCloser struct {
	span *trace.Span
}

func (t *traceSpanCloser) finish(err error) {
	status := model.SpanOK
	if err != nil {
		status = model.SpanError
	}
	t.span.Finish(0, 0, status, err)
}

func (e *Engine) startToolSpan(sessionID, toolName string) *traceSpanCloser {
	spanType := model.SpanToolCall
	if strings.HasPrefix(toolName, "mcp__") {
		spanType = model.SpanMCPCall
	}
	_, sp := e.trace.Start(context.Background(), spanType, toolName, sessionID, "", 0)
	return &traceSpanCloser{span: sp}
}

// handleCreateTool implements the create_tool proposal flow: it persists
// a ToolProposal, suspends at the Approval Gate (proposal namespace), and
// on approval upserts the resulting Tool and adds its name to this
// session's dynamic set. Missing handler_config is auto-generated via a
// one-shot codegen call first.
func (e *Engine) handleCreateTool(ctx context.Context, scope tool.Scope, session *model.Session, agent *model.Agent, call provider.ToolCall, messages *[]provider.Message, out chan<- events.Event) {
	name, _ := call.Arguments["name"].(string)
	description, _ := call.Arguments["description"].(string)
	handlerType, _ := call.Arguments["handler_type"].(string)
	if handlerType == "" {
		handlerType = string(model.HandlerHTTP)
	}
	params, _ := call.Arguments["parameters"].(map[string]any)
	handlerConfig := parseHandlerConfig(call.Arguments["handler_config"])

	if name == "" {
		appendUserFeedback(messages, "[Tool proposal failed: 'name' is required.]")
		return
	}

	needsGeneration := (handlerType == string(model.HandlerPython) && strings.TrimSpace(handlerConfig.Code) == "") ||
		(handlerType == string(model.HandlerHTTP) && strings.TrimSpace(handlerConfig.URL) == "")
	if needsGeneration {
		generated, err := e.generateToolHandler(ctx, agent, name, description, handlerType, params)
		if err == nil {
			handlerConfig = generated
		}
	}

	proposal := &model.ToolProposal{
		ID: uuid.NewString(), SessionID: session.ID, ToolCallID: call.ID, Name: name,
		HandlerType: model.ToolHandlerType(handlerType), Parameters: params,
		HandlerConfig: handlerConfig, Status: model.ProposalPending,
	}
	if err := e.store.Proposals().Create(proposal); err != nil {
		appendUserFeedback(messages, fmt.Sprintf("[Tool proposal '%s' could not be recorded: %v]", name, err))
		return
	}
	if err := e.approval.Register(approval.NamespaceProposal, session.ID, call.ID); err != nil {
		appendUserFeedback(messages, fmt.Sprintf("[Tool proposal '%s' could not be registered.]", name))
		return
	}

	out <- events.Event{Name: events.ToolProposalRequired, Payload: map[string]any{
		"proposal_id": proposal.ID, "session_id": session.ID, "tool_call_id": call.ID,
		"name": name, "description": description, "handler_type": handlerType, "parameters": params,
	}}

	decision := e.approval.Await(ctx, approval.NamespaceProposal, session.ID, call.ID)
	if decision != approval.Approved {
		_ = e.store.Proposals().Resolve(proposal.ID, model.ProposalRejected)
		appendUserFeedback(messages, fmt.Sprintf("[Tool proposal '%s' was rejected by the user. Do not propose this tool again.]", name))
		return
	}

	newTool := &model.Tool{
		ID: uuid.NewString(), Owner: agent.Owner, Name: name, Parameters: params,
		HandlerType: model.ToolHandlerType(handlerType), Handler: handlerConfig,
	}
	if err := e.store.Tools().Upsert(newTool); err != nil {
		appendUserFeedback(messages, fmt.Sprintf("[Tool '%s' was approved but could not be saved: %v]", name, err))
		return
	}
	_ = e.store.Proposals().Resolve(proposal.ID, model.ProposalApproved)
	e.addDynamicTool(session.ID, name)
	appendUserFeedback(messages, fmt.Sprintf("[Tool '%s' was approved and saved to the toolkit. You can now call it directly.]", name))
}

func parseHandlerConfig(raw any) model.ToolHandlerConfig {
	m, ok := raw.(map[string]any)
	if !ok {
		return model.ToolHandlerConfig{}
	}
	cfg := model.ToolHandlerConfig{}
	if code, ok := m["code"].(string); ok {
		cfg.Code = code
	}
	if url, ok := m["url"].(string); ok {
		cfg.URL = url
	}
	if method, ok := m["method"].(string); ok {
		cfg.Method = method
	}
	if headers, ok := m["headers"].(map[string]any); ok {
		cfg.Headers = make(map[string]string, len(headers))
		for k, v := range headers {
			cfg.Headers[k] = fmt.Sprintf("%v", v)
		}
	}
	return cfg
}

// generateToolHandler asks the agent's own provider to write the missing
// handler_config via a one-shot call using the fixed codegen prompt
// toolCodegenSystemPrompt (engine.go).
func (e *Engine) generateToolHandler(ctx context.Context, agent *model.Agent, name, description, handlerType string, params map[string]any) (model.ToolHandlerConfig, error) {
	chat, err := e.chatFor(ctx, agent.ProviderID)
	if err != nil {
		return model.ToolHandlerConfig{}, err
	}
	paramsJSON, _ := json.Marshal(params)
	prompt := fmt.Sprintf("Tool name: %s\nDescription: %s\nHandler type: %s\nParameter schema: %s",
		name, description, handlerType, string(paramsJSON))
	reply, _, err := chat.Chat(ctx, []provider.Message{{Role: string(model.RoleUserMsg), Content: prompt}}, toolCodegenSystemPrompt, nil)
	if err != nil {
		return model.ToolHandlerConfig{}, err
	}
	if handlerType == string(model.HandlerPython) {
		return model.ToolHandlerConfig{Code: strings.TrimSpace(stripCodeFence(reply.Content))}, nil
	}
	return model.ToolHandlerConfig{URL: strings.TrimSpace(reply.Content), Method: "GET"}, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if nl := strings.Index(s, "\n"); nl >= 0 {
			s = s[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return s
}

// finalizeArtifacts resolves any <artifact_patch id=... title=... type=...>
// SEARCH/REPLACE block against the most recent artifact of the same id
// from history, and — for an edit-intent turn — rewrites the emitted
// artifact's id/title/type to the edit target.
func (e *Engine) finalizeArtifacts(content string, history []model.Message, editTarget *contextmgr.EditIntent, isEdit bool) string {
	if strings.Contains(content, "<artifact_patch") {
		content = resolvePatches(content, history)
	}
	if isEdit && editTarget != nil {
		content = retargetArtifacts(content, *editTarget)
	}
	return content
}
