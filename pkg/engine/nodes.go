package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentmesh/controlplane/pkg/model"
	"github.com/agentmesh/controlplane/pkg/provider"
	"github.com/agentmesh/controlplane/pkg/tool"
)

// RunAgentNode implements dag.NodeRunner for one workflow DAG node: a
// single-turn tool loop against agentID with no chat history, compaction,
// or persisted session — a workflow run is its own unit of record,
// tracked by pkg/store's WorkflowRuns, not by the chat Session/Message
// tables.
func (e *Engine) RunAgentNode(ctx context.Context, agentID, input string, onDelta func(string)) (string, error) {
	agent, err := e.store.Agents().Get(agentID)
	if err != nil {
		return "", fmt.Errorf("load agent %s: %w", agentID, err)
	}
	chat, err := e.chatFor(ctx, agent.ProviderID)
	if err != nil {
		return "", fmt.Errorf("resolve provider for agent %s: %w", agentID, err)
	}

	scope := tool.Scope{AgentID: agent.ID, UserID: agent.Owner}
	mcpSession, mcpErr := e.openMCPSession(ctx, agent)
	if mcpErr != nil {
		e.log.Warn("node run: failed to open MCP session", "agent_id", agent.ID, "error", mcpErr)
	}
	if mcpSession != nil {
		defer mcpSession.Close()
	}

	tools := e.toolDefinitions(agent, "", mcpSession)
	messages := []provider.Message{{Role: string(model.RoleUserMsg), Content: input}}

	var finalContent string
	for round := 0; round < MaxToolRounds; round++ {
		stream, err := chat.StreamChat(ctx, messages, agent.SystemPrompt, tools)
		if err != nil {
			return "", fmt.Errorf("node chat: %w", err)
		}
		var content string
		var calls []provider.ToolCall
		var streamErr error
		for chunk := range stream {
			switch chunk.Kind {
			case provider.ChunkContent:
				content += chunk.Text
				if onDelta != nil {
					onDelta(chunk.Text)
				}
			case provider.ChunkToolCall:
				if chunk.ToolCall != nil {
					calls = append(calls, *chunk.ToolCall)
				}
			case provider.ChunkError:
				streamErr = chunk.Err
			}
		}
		if streamErr != nil {
			return "", streamErr
		}
		finalContent = content
		if len(calls) == 0 {
			break
		}
		messages = append(messages, provider.Message{Role: string(model.RoleAssistantMsg), Content: content, ToolCalls: calls})
		for _, call := range calls {
			argsJSON, _ := json.Marshal(call.Arguments)
			result, execErr := e.tools.Execute(scope, call.Name, string(argsJSON))
			if execErr != nil {
				result = fmt.Sprintf(`{"error":%q}`, execErr.Error())
			}
			appendUserFeedback(&messages, result)
		}
	}
	return finalContent, nil
}

// ClassifyCondition asks the model of the provider set by
// SetClassifierProvider to pick exactly one of branches given contextText,
// for a DAG condition node. The classifier call is a one-shot,
// non-streaming Chat — no tool loop, no retries beyond the provider's own.
func (e *Engine) ClassifyCondition(ctx context.Context, contextText, conditionPrompt string, branches []string) (string, error) {
	providerID := e.classifierProviderID
	chat, err := e.chatFor(ctx, providerID)
	if err != nil {
		return "", fmt.Errorf("resolve classifier provider: %w", err)
	}

	systemPrompt := fmt.Sprintf(
		"You are a routing classifier. Given the context below, respond with exactly one of these labels and nothing else: %s.\n\n%s",
		strings.Join(branches, ", "), conditionPrompt)
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	reply, _, err := chat.Chat(cctx, []provider.Message{{Role: string(model.RoleUserMsg), Content: contextText}}, systemPrompt, nil)
	if err != nil {
		return "", err
	}
	return matchBranch(reply.Content, branches), nil
}

// matchBranch maps a classifier's free-text reply back onto one of the
// declared branch labels, falling back to the first branch when nothing
// matches cleanly — a condition node must always pick a path.
func matchBranch(reply string, branches []string) string {
	reply = strings.TrimSpace(strings.ToLower(reply))
	for _, b := range branches {
		if strings.ToLower(strings.TrimSpace(b)) == reply {
			return b
		}
	}
	for _, b := range branches {
		if strings.Contains(reply, strings.ToLower(strings.TrimSpace(b))) {
			return b
		}
	}
	if len(branches) > 0 {
		return branches[0]
	}
	return ""
}
