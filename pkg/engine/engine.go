// Package engine implements the Stream Engine: the tool loop, context
// compaction, per-round tool dispatch (create_tool proposal / HITL-gated
// / normal), and the element-inference events a tool result produces.
// Each run is a goroutine that writes to a chan events.Event, the same
// shape pkg/dag.Runner.Execute uses.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/controlplane/pkg/approval"
	"github.com/agentmesh/controlplane/pkg/contextmgr"
	"github.com/agentmesh/controlplane/pkg/events"
	"github.com/agentmesh/controlplane/pkg/logger"
	"github.com/agentmesh/controlplane/pkg/mcp"
	"github.com/agentmesh/controlplane/pkg/memory"
	"github.com/agentmesh/controlplane/pkg/model"
	"github.com/agentmesh/controlplane/pkg/provider"
	"github.com/agentmesh/controlplane/pkg/rag"
	"github.com/agentmesh/controlplane/pkg/store"
	"github.com/agentmesh/controlplane/pkg/tool"
	"github.com/agentmesh/controlplane/pkg/toolexec"
	"github.com/agentmesh/controlplane/pkg/trace"
)

// MaxToolRounds bounds the tool loop to rounds 0..MAX_TOOL_ROUNDS, default
// 10.
const MaxToolRounds = 10

// ToolResultPrompt is appended to every tool-result feedback message, a
// fixed instruction given verbatim.
const ToolResultPrompt = "Use this information to answer the user's question."

const summarizationSystemPrompt = "You are summarizing a conversation to free up context window space. " +
	"Produce a concise but complete summary covering: key topics discussed, decisions made, " +
	"important facts established, tool calls and their results, and any ongoing tasks. " +
	"Write in third-person past tense. Be thorough but concise."

const toolCodegenSystemPrompt = "You are a Python tool implementation expert. Given a tool name, description, " +
	"and parameter schema, write a complete working Python handler function named handler(params) " +
	"that returns a JSON-serializable value. Respond with only the Python source."

// ChatFactory resolves a provider id to a ready-to-use Chat client,
// keeping credential decryption and provider construction out of this
// package — the same dependency-injection seam pkg/memory.ChatFactory
// uses, so one factory implementation (built wherever the encryption
// collaborator eventually lives) serves both.
type ChatFactory func(ctx context.Context, providerID string) (provider.Chat, error)

// Engine wires every Component Design piece into the single tool-loop
// entry point, Run.
type Engine struct {
	store    *store.Store
	chatFor  ChatFactory
	tools    tool.Handler
	approval *approval.Gate
	trace    *trace.Recorder
	reflect  *memory.Reflector
	log      *slog.Logger

	mcpMu  sync.Mutex
	mcpBy  map[string]*mcp.Session // sessionID -> open MCP session for the running loop

	dynMu    sync.Mutex
	dynTools map[string]map[string]bool // sessionID -> dynamically-approved tool names

	ragMu     sync.Mutex
	ragIndex  map[string]*rag.Index // knowledge base id -> opened index
	ragDir    string
	embedder  rag.Embedder

	classifierProviderID string
}

// SetClassifierProvider sets the provider id the DAG Executor's condition
// nodes classify against, since a condition node carries no agentID of
// its own for NodeRunner.ClassifyCondition to resolve.
func (e *Engine) SetClassifierProvider(providerID string) {
	e.classifierProviderID = providerID
}

// New wires an Engine. ragDir is the root directory RAG indexes are
// opened under (indexes are stored in files keyed by id); embedder is
// the default Embedder used to open a knowledge base's index when none
// is cached yet.
func New(s *store.Store, chatFor ChatFactory, rec *trace.Recorder, gate *approval.Gate, reflector *memory.Reflector, ragDir string, embedder rag.Embedder) *Engine {
	e := &Engine{
		store:    s,
		chatFor:  chatFor,
		approval: gate,
		trace:    rec,
		reflect:  reflector,
		log:      logger.GetLogger(),
		mcpBy:    make(map[string]*mcp.Session),
		dynTools: make(map[string]map[string]bool),
		ragIndex: make(map[string]*rag.Index),
		ragDir:   ragDir,
		embedder: embedder,
	}
	e.tools = toolexec.New(s.Tools(), e, 30*time.Second)
	return e
}

// Session implements toolexec.MCPSessionProvider: the MCP Connector
// session opened for a running tool loop, held for its whole duration.
func (e *Engine) Session(scope tool.Scope) *mcp.Session {
	e.mcpMu.Lock()
	defer e.mcpMu.Unlock()
	return e.mcpBy[scope.SessionID]
}

// Run drives the tool loop for one user turn and streams its events.
// The channel is closed once the turn is fully persisted (or has failed
// fatally), mirroring pkg/dag.Runner.Execute's contract.
func (e *Engine) Run(ctx context.Context, session *model.Session, agent *model.Agent, userContent string) <-chan events.Event {
	out := make(chan events.Event, 16)
	go func() {
		defer close(out)
		e.run(ctx, session, agent, userContent, out)
	}()
	return out
}

func (e *Engine) run(ctx context.Context, session *model.Session, agent *model.Agent, userContent string, out chan<- events.Event) {
	scope := tool.Scope{SessionID: session.ID, AgentID: agent.ID, UserID: session.Owner}

	mcpSession, err := e.openMCPSession(ctx, agent)
	if err != nil {
		e.log.Warn("failed to open MCP session", "session_id", session.ID, "error", err)
	}
	if mcpSession != nil {
		e.mcpMu.Lock()
		e.mcpBy[session.ID] = mcpSession
		e.mcpMu.Unlock()
		defer func() {
			e.mcpMu.Lock()
			delete(e.mcpBy, session.ID)
			e.mcpMu.Unlock()
			mcpSession.Close()
		}()
	}

	chat, err := e.chatFor(ctx, agent.ProviderID)
	if err != nil {
		out <- events.Event{Name: events.Error, Payload: map[string]string{"error": err.Error()}}
		return
	}

	history, err := e.store.Messages().Recent(session.ID, 500)
	if err != nil {
		out <- events.Event{Name: events.Error, Payload: map[string]string{"error": err.Error()}}
		return
	}

	editTarget, rewrittenUser, isEdit := e.resolveEditIntent(history, userContent)

	systemPrompt := e.buildSystemPrompt(ctx, agent, session)
	messages := toProviderMessages(history)
	messages = append(messages, provider.Message{Role: string(model.RoleUserMsg), Content: rewrittenUser})

	if e.compactIfNeeded(ctx, session, agent, chat, &messages, out) {
		// messages now holds the compacted prefix + recent tail.
	}

	e.emitKBAdvisory(ctx, agent, rewrittenUser, out)

	tools := e.toolDefinitions(agent, session.ID, mcpSession)

	var finalContent, finalReasoning string
	var usage provider.Usage
	roundsUsed := 0

	for round := 0; round < MaxToolRounds; round++ {
		roundsUsed = round
		scanner := newElementScanner(editTarget)
		spanCtx, span := e.trace.Start(ctx, model.SpanLLMCall, "chat", session.ID, "", round)
		span.SetModel(agent.ModelID, agent.ProviderID)

		stream, err := chat.StreamChat(spanCtx, messages, systemPrompt, tools)
		if err != nil {
			span.Finish(0, 0, model.SpanError, err)
			out <- events.Event{Name: events.Error, Payload: map[string]string{"error": err.Error()}}
			return
		}

		var content, reasoning string
		var calls []provider.ToolCall
		streamErr := error(nil)
		for chunk := range stream {
			switch chunk.Kind {
			case provider.ChunkContent:
				content += chunk.Text
				out <- events.Event{Name: events.ContentDelta, Payload: map[string]string{"text": chunk.Text}}
				for _, ev := range scanner.Feed(chunk.Text) {
					out <- ev
				}
			case provider.ChunkReasoning:
				reasoning += chunk.Text
				out <- events.Event{Name: events.ReasoningDelta, Payload: map[string]string{"text": chunk.Text}}
			case provider.ChunkToolCall:
				if chunk.ToolCall != nil {
					calls = append(calls, *chunk.ToolCall)
				}
			case provider.ChunkDone:
				if chunk.Usage != nil {
					usage.InputTokens += chunk.Usage.InputTokens
					usage.OutputTokens += chunk.Usage.OutputTokens
				}
			case provider.ChunkError:
				streamErr = chunk.Err
			}
		}
		if streamErr != nil {
			span.Finish(usage.InputTokens, usage.OutputTokens, model.SpanError, streamErr)
			out <- events.Event{Name: events.Error, Payload: map[string]string{"error": streamErr.Error()}}
			return
		}
		span.SetPreview(lastUserText(messages), content)
		span.Finish(usage.InputTokens, usage.OutputTokens, model.SpanOK, nil)

		finalContent, finalReasoning = content, reasoning

		if len(calls) == 0 {
			for _, ev := range scanner.Close() {
				out <- ev
			}
			break
		}

		out <- events.Event{Name: events.ToolRound, Payload: map[string]int{"round": round + 1, "max_rounds": MaxToolRounds}}
		messages = append(messages, provider.Message{Role: string(model.RoleAssistantMsg), Content: content, ToolCalls: calls})

		for _, call := range calls {
			e.dispatchToolCall(ctx, scope, session, agent, call, &messages, out)
		}
	}

	finalContent = e.finalizeArtifacts(finalContent, history, editTarget, isEdit)

	msg := &model.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Role:      model.RoleAssistantMsg,
		Content:   finalContent,
		Reasoning: finalReasoning,
		Metadata: model.MessageMetadata{
			Model:        agent.ModelID,
			Provider:     agent.ProviderID,
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
		},
	}
	seq, err := e.store.Messages().NextSequence(session.ID)
	if err == nil {
		msg.Sequence = seq
	}
	if err := e.store.Messages().Append(msg); err != nil {
		e.log.Warn("failed to persist assistant message", "session_id", session.ID, "error", err)
	}
	_ = e.trace.BackfillMessageID(session.ID, int(msg.Sequence), msg.ID)
	_ = e.store.Sessions().TouchLastMessage(session.ID, time.Now())

	out <- events.Event{Name: events.MessageComplete, Payload: map[string]any{"message_id": msg.ID, "content": finalContent, "rounds": roundsUsed}}
	out <- events.Event{Name: events.TokenUsage, Payload: map[string]int{"input_tokens": usage.InputTokens, "output_tokens": usage.OutputTokens}}
	out <- events.Event{Name: events.Done}

	if e.reflect != nil {
		go e.reflect.Reflect(context.Background(), agent.ID, agent.ProviderID, session.ID, session.Owner)
	}
}

func lastUserText(messages []provider.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == string(model.RoleUserMsg) {
			return messages[i].Content
		}
	}
	return ""
}

func toProviderMessages(history []model.Message) []provider.Message {
	out := make([]provider.Message, 0, len(history))
	for _, m := range history {
		pm := provider.Message{Role: string(m.Role), Content: m.Content}
		for _, tc := range m.ToolCalls {
			pm.ToolCalls = append(pm.ToolCalls, provider.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
		out = append(out, pm)
	}
	return out
}

// resolveEditIntent parses a leading "[EDIT ARTIFACT ...]" directive and,
// when present, rewrites the user message to carry the targeted
// artifact's latest content verbatim.
func (e *Engine) resolveEditIntent(history []model.Message, userContent string) (*contextmgr.EditIntent, string, bool) {
	intent, rest, ok := contextmgr.ParseEditIntent(userContent)
	if !ok {
		return nil, userContent, false
	}
	latest := latestArtifactContent(history, intent.ID)
	rewritten := rest
	if latest != "" {
		rewritten = fmt.Sprintf("%s\n\n```\n%s\n```", rest, latest)
	}
	return &intent, rewritten, true
}

func latestArtifactContent(history []model.Message, artifactID string) string {
	for i := len(history) - 1; i >= 0; i-- {
		sc := newElementScanner(nil)
		sc.Feed(history[i].Content)
		if content, ok := sc.artifacts[artifactID]; ok {
			return content
		}
	}
	return ""
}

// buildSystemPrompt composes the agent's base prompt with the memory
// injection and existing-artifacts blocks.
func (e *Engine) buildSystemPrompt(_ context.Context, agent *model.Agent, session *model.Session) string {
	var b strings.Builder
	b.WriteString(agent.SystemPrompt)

	facts, err := e.store.Memory().ForAgent(agent.ID, session.Owner)
	if err == nil {
		if block := memory.BuildInjection(facts); block != "" {
			b.WriteString("\n\n")
			b.WriteString(block)
		}
	}

	history, err := e.store.Messages().Recent(session.ID, 500)
	if err == nil {
		if block := contextmgr.RenderArtifactContext(collectArtifactRefs(history)); block != "" {
			b.WriteString("\n\n")
			b.WriteString(block)
		}
	}
	return b.String()
}

func collectArtifactRefs(history []model.Message) []contextmgr.ArtifactRef {
	seen := make(map[string]contextmgr.ArtifactRef)
	for _, m := range history {
		if m.Role != model.RoleAssistantMsg {
			continue
		}
		sc := newElementScanner(nil)
		sc.Feed(m.Content)
		for id, content := range sc.artifacts {
			_ = content
			if _, ok := seen[id]; !ok {
				seen[id] = contextmgr.ArtifactRef{ID: id, Title: id, Type: "text"}
			}
		}
	}
	out := make([]contextmgr.ArtifactRef, 0, len(seen))
	for _, ref := range seen {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// compactIfNeeded summarizes everything but the last 10 messages via a
// blocking call once the running estimate crosses 80% of the model's
// context limit.
func (e *Engine) compactIfNeeded(ctx context.Context, session *model.Session, agent *model.Agent, chat provider.Chat, messages *[]provider.Message, out chan<- events.Event) bool {
	asModel := toModelMessages(*messages)
	if !contextmgr.ShouldCompact(asModel, agent.ModelID) || len(asModel) <= contextmgr.CompactionKeepRecent+2 {
		return false
	}

	older := (*messages)[:len(*messages)-contextmgr.CompactionKeepRecent]
	recent := (*messages)[len(*messages)-contextmgr.CompactionKeepRecent:]

	var sb strings.Builder
	for _, m := range older {
		content := m.Content
		if len(content) > 2000 {
			content = content[:2000]
		}
		fmt.Fprintf(&sb, "%s: %s\n\n", strings.ToUpper(m.Role), content)
	}

	summaryReq := []provider.Message{{Role: string(model.RoleUserMsg), Content: "Please summarize this conversation history:\n\n" + sb.String()}}
	reply, _, err := chat.Chat(ctx, summaryReq, summarizationSystemPrompt, nil)
	if err != nil {
		e.log.Warn("context compaction summarization failed", "session_id", session.ID, "error", err)
		return false
	}
	summary := reply.Content
	if summary == "" {
		summary = "(no summary)"
	}

	compactionMsg := &model.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Role:      model.RoleSystemMsg,
		Content:   fmt.Sprintf("[Context compacted — %d messages summarized]\n\n%s", len(older), summary),
	}
	if seq, err := e.store.Messages().NextSequence(session.ID); err == nil {
		compactionMsg.Sequence = seq
	}
	_ = e.store.Messages().Append(compactionMsg)

	merged := make([]provider.Message, 0, 1+len(recent))
	merged = append(merged, provider.Message{Role: string(model.RoleUserMsg), Content: "[Summary of earlier conversation]\n" + summary})
	merged = append(merged, recent...)
	*messages = merged

	preview := summary
	if len(preview) > 120 {
		preview = preview[:120]
	}
	out <- events.Event{Name: events.ContextCompacted, Payload: map[string]any{"messages_summarized": len(older), "summary_preview": preview}}
	return true
}

func toModelMessages(messages []provider.Message) []model.Message {
	out := make([]model.Message, len(messages))
	for i, m := range messages {
		out[i] = model.Message{Content: m.Content}
	}
	return out
}

// emitKBAdvisory emits kb_context/kb_warning events describing which of
// the agent's knowledge bases contributed search results to this turn and
// which have no usable index yet.
func (e *Engine) emitKBAdvisory(ctx context.Context, agent *model.Agent, query string, out chan<- events.Event) {
	for _, kbID := range agent.KnowledgeBaseIDs {
		kb, err := e.store.KnowledgeBases().Get(kbID)
		if err != nil {
			continue
		}
		idx, err := e.ragIndexFor(kb.ID)
		if err != nil {
			out <- events.Event{Name: events.KBWarning, Payload: map[string]string{"kb_id": kb.ID, "kb_name": kb.Name, "reason": err.Error()}}
			continue
		}
		results, err := idx.Search(ctx, query, 5)
		if err != nil || len(results) == 0 {
			out <- events.Event{Name: events.KBWarning, Payload: map[string]string{"kb_id": kb.ID, "kb_name": kb.Name, "reason": "no indexed documents matched"}}
			continue
		}
		out <- events.Event{Name: events.KBContext, Payload: map[string]any{"kb_id": kb.ID, "kb_name": kb.Name, "result_count": len(results)}}
	}
}

func (e *Engine) ragIndexFor(kbID string) (*rag.Index, error) {
	e.ragMu.Lock()
	defer e.ragMu.Unlock()
	if idx, ok := e.ragIndex[kbID]; ok {
		return idx, nil
	}
	idx, err := rag.Open(e.ragDir, kbID, rag.BackendApproximate, e.embedder)
	if err != nil {
		return nil, err
	}
	e.ragIndex[kbID] = idx
	return idx, nil
}

func (e *Engine) openMCPSession(ctx context.Context, agent *model.Agent) (*mcp.Session, error) {
	if len(agent.MCPServerIDs) == 0 {
		return nil, nil
	}
	session := mcp.NewSession()
	var firstErr error
	for _, id := range agent.MCPServerIDs {
		server, err := e.store.MCPServers().Get(id)
		if err != nil {
			firstErr = err
			continue
		}
		cfg := mcp.ServerConfig{
			Name: server.ID, Transport: server.Transport, Command: server.Command,
			Args: server.Args, Env: server.Env, URL: server.URL, Headers: server.Headers,
		}
		if _, err := session.Connect(ctx, cfg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return session, firstErr
}
