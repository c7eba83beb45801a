package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentmesh/controlplane/pkg/approval"
	"github.com/agentmesh/controlplane/pkg/events"
	"github.com/agentmesh/controlplane/pkg/model"
	"github.com/agentmesh/controlplane/pkg/provider"
	"github.com/agentmesh/controlplane/pkg/store"
	"github.com/agentmesh/controlplane/pkg/tool"
	"github.com/agentmesh/controlplane/pkg/trace"
)

func scopeFor(agent *model.Agent) tool.Scope {
	return tool.Scope{AgentID: agent.ID, UserID: agent.Owner}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("sqlite3", "file::memory:?cache=shared", 1, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestRecorder(t *testing.T, s *store.Store) *trace.Recorder {
	t.Helper()
	rec, err := trace.NewRecorder(context.Background(), s, nil)
	require.NoError(t, err)
	return rec
}

// fakeChat is a queue of canned rounds: each call to StreamChat pops the
// next round's chunks. Chat (used by compaction/codegen) always returns
// chatReply.
type fakeChat struct {
	rounds    [][]provider.StreamChunk
	chatReply string
}

func (f *fakeChat) StreamChat(_ context.Context, _ []provider.Message, _ string, _ []provider.ToolDefinition) (<-chan provider.StreamChunk, error) {
	var chunks []provider.StreamChunk
	if len(f.rounds) > 0 {
		chunks = f.rounds[0]
		f.rounds = f.rounds[1:]
	} else {
		chunks = []provider.StreamChunk{{Kind: provider.ChunkDone}}
	}
	ch := make(chan provider.StreamChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (f *fakeChat) Chat(_ context.Context, _ []provider.Message, _ string, _ []provider.ToolDefinition) (*provider.Message, provider.Usage, error) {
	return &provider.Message{Content: f.chatReply}, provider.Usage{}, nil
}

func (f *fakeChat) ListModels(_ context.Context) ([]provider.ModelInfo, error) { return nil, nil }
func (f *fakeChat) TestConnection(_ context.Context) bool                     { return true }

func contentChunk(text string) provider.StreamChunk {
	return provider.StreamChunk{Kind: provider.ChunkContent, Text: text}
}

func doneChunk() provider.StreamChunk {
	return provider.StreamChunk{Kind: provider.ChunkDone, Usage: &provider.Usage{InputTokens: 1, OutputTokens: 1}}
}

func toolCallChunk(id, name string, args map[string]any) provider.StreamChunk {
	return provider.StreamChunk{Kind: provider.ChunkToolCall, ToolCall: &provider.ToolCall{ID: id, Name: name, Arguments: args}}
}

func chatForMap(chats map[string]provider.Chat, fallback provider.Chat) ChatFactory {
	return func(_ context.Context, providerID string) (provider.Chat, error) {
		if c, ok := chats[providerID]; ok {
			return c, nil
		}
		return fallback, nil
	}
}

func newTestEngine(t *testing.T, s *store.Store, chat provider.Chat) *Engine {
	t.Helper()
	gate := approval.NewGate()
	rec := newTestRecorder(t, s)
	return New(s, chatForMap(nil, chat), rec, gate, nil, t.TempDir(), nil)
}

func seedSessionAndAgent(t *testing.T, s *store.Store, agentID string, opts func(*model.Agent)) (*model.Session, *model.Agent) {
	t.Helper()
	agent := &model.Agent{ID: agentID, Owner: "owner-1", SystemPrompt: "be helpful", ProviderID: "prov-1", ModelID: "gpt-4"}
	if opts != nil {
		opts(agent)
	}
	require.NoError(t, s.Agents().Create(agent))

	sess := &model.Session{ID: "sess-" + agentID, Owner: "owner-1", EntityType: model.EntityAgent, EntityID: agentID}
	require.NoError(t, s.Sessions().Create(sess))
	return sess, agent
}

func drainEvents(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for e := range ch {
		out = append(out, e)
	}
	return out
}

func eventNames(evts []events.Event) []string {
	names := make([]string, len(evts))
	for i, e := range evts {
		names[i] = e.Name
	}
	return names
}

func TestRun_NoToolCalls_PersistsMessageAndEmitsTerminalEvents(t *testing.T) {
	s := newTestStore(t)
	sess, agent := seedSessionAndAgent(t, s, "agent-1", nil)

	chat := &fakeChat{rounds: [][]provider.StreamChunk{
		{contentChunk("hello "), contentChunk("world"), doneChunk()},
	}}
	e := newTestEngine(t, s, chat)

	evts := drainEvents(e.Run(context.Background(), sess, agent, "hi"))
	names := eventNames(evts)

	require.Contains(t, names, events.ContentDelta)
	require.Contains(t, names, events.MessageComplete)
	require.Contains(t, names, events.TokenUsage)
	require.Equal(t, events.Done, names[len(names)-1])
	require.NotContains(t, names, events.Error)

	history, err := s.Messages().Recent(sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "hello world", history[0].Content)
	require.Equal(t, model.RoleAssistantMsg, history[0].Role)
}

func TestRun_GatedTool_BlocksAtApprovalGateThenExecutes(t *testing.T) {
	s := newTestStore(t)

	toolServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":"42"}`))
	}))
	t.Cleanup(toolServer.Close)

	toolRow := &model.Tool{ID: "tool-1", Owner: "owner-1", Name: "risky_tool", RequiresConfirm: true,
		HandlerType: model.HandlerHTTP, Handler: model.ToolHandlerConfig{URL: toolServer.URL, Method: "GET"}}
	require.NoError(t, s.Tools().Upsert(toolRow))

	sess, agent := seedSessionAndAgent(t, s, "agent-2", func(a *model.Agent) {
		a.ToolIDs = []string{toolRow.ID}
	})

	chat := &fakeChat{rounds: [][]provider.StreamChunk{
		{toolCallChunk("call-1", "risky_tool", map[string]any{}), doneChunk()},
		{contentChunk("done"), doneChunk()},
	}}
	e := newTestEngine(t, s, chat)

	var evts []events.Event
	runDone := make(chan struct{})
	go func() {
		evts = drainEvents(e.Run(context.Background(), sess, agent, "run it"))
		close(runDone)
	}()

	require.Eventually(t, func() bool {
		return e.approval.Pending(approval.NamespaceHITL, sess.ID, "call-1")
	}, 2*time.Second, 5*time.Millisecond)

	require.True(t, e.approval.Resolve(approval.NamespaceHITL, sess.ID, "call-1", approval.Approved))

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not complete after approval")
	}

	names := eventNames(evts)
	require.Contains(t, names, events.HITLApprovalRequired)
	require.Contains(t, names, events.ToolCall)

	history, err := s.Messages().Recent(sess.ID, 10)
	require.NoError(t, err)
	require.Equal(t, "done", history[len(history)-1].Content)
}

func TestRun_CreateToolProposal_ApprovedAddsDynamicTool(t *testing.T) {
	s := newTestStore(t)
	sess, agent := seedSessionAndAgent(t, s, "agent-3", func(a *model.Agent) {
		a.AllowToolCreation = true
	})

	chat := &fakeChat{
		chatReply: `{"name":"generated"}`,
		rounds: [][]provider.StreamChunk{
			{toolCallChunk("call-2", createToolName, map[string]any{
				"name": "my_tool", "handler_type": "http",
				"handler_config": map[string]any{"url": "http://example.invalid/tool", "method": "GET"},
			}), doneChunk()},
			{contentChunk("ok"), doneChunk()},
		},
	}
	e := newTestEngine(t, s, chat)

	runDone := make(chan struct{})
	go func() {
		drainEvents(e.Run(context.Background(), sess, agent, "make a tool"))
		close(runDone)
	}()

	require.Eventually(t, func() bool {
		return e.approval.Pending(approval.NamespaceProposal, sess.ID, "call-2")
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, e.approval.Resolve(approval.NamespaceProposal, sess.ID, "call-2", approval.Approved))

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not complete after proposal approval")
	}

	saved, found, err := s.Tools().FindTool(scopeFor(agent), "my_tool")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "http://example.invalid/tool", saved.Handler.URL)

	require.True(t, e.dynamicToolsFor(sess.ID)["my_tool"])
}

func TestRun_CreateToolProposal_RejectedFeedsBackDenial(t *testing.T) {
	s := newTestStore(t)
	sess, agent := seedSessionAndAgent(t, s, "agent-4", func(a *model.Agent) {
		a.AllowToolCreation = true
	})

	chat := &fakeChat{rounds: [][]provider.StreamChunk{
		{toolCallChunk("call-3", createToolName, map[string]any{
			"name": "denied_tool", "handler_type": "http",
			"handler_config": map[string]any{"url": "http://example.invalid/x", "method": "GET"},
		}), doneChunk()},
		{contentChunk("ok"), doneChunk()},
	}}
	e := newTestEngine(t, s, chat)

	runDone := make(chan struct{})
	go func() {
		drainEvents(e.Run(context.Background(), sess, agent, "make a tool"))
		close(runDone)
	}()

	require.Eventually(t, func() bool {
		return e.approval.Pending(approval.NamespaceProposal, sess.ID, "call-3")
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, e.approval.Resolve(approval.NamespaceProposal, sess.ID, "call-3", approval.Denied))

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not complete after proposal rejection")
	}

	_, found, err := s.Tools().FindTool(scopeFor(agent), "denied_tool")
	require.NoError(t, err)
	require.False(t, found)
}
