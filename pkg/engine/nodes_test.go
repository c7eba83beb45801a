package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmesh/controlplane/pkg/model"
	"github.com/agentmesh/controlplane/pkg/provider"
)

func TestRunAgentNode_ContentOnly_ReturnsFinalText(t *testing.T) {
	s := newTestStore(t)
	_, agent := seedSessionAndAgent(t, s, "node-agent-1", nil)

	chat := &fakeChat{rounds: [][]provider.StreamChunk{
		{contentChunk("the "), contentChunk("answer"), doneChunk()},
	}}
	e := newTestEngine(t, s, chat)

	var streamed string
	content, err := e.RunAgentNode(context.Background(), agent.ID, "question", func(delta string) { streamed += delta })
	require.NoError(t, err)
	require.Equal(t, "the answer", content)
	require.Equal(t, "the answer", streamed)
}

func TestRunAgentNode_ToolCall_ExecutesThenReturnsFollowupContent(t *testing.T) {
	s := newTestStore(t)

	toolServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(toolServer.Close)

	toolRow := &model.Tool{ID: "tool-node-1", Owner: "owner-1", Name: "node_tool",
		HandlerType: model.HandlerHTTP, Handler: model.ToolHandlerConfig{URL: toolServer.URL, Method: "GET"}}
	require.NoError(t, s.Tools().Upsert(toolRow))

	_, agent := seedSessionAndAgent(t, s, "node-agent-2", func(a *model.Agent) {
		a.ToolIDs = []string{toolRow.ID}
	})

	chat := &fakeChat{rounds: [][]provider.StreamChunk{
		{toolCallChunk("call-n1", "node_tool", map[string]any{}), doneChunk()},
		{contentChunk("after tool"), doneChunk()},
	}}
	e := newTestEngine(t, s, chat)

	content, err := e.RunAgentNode(context.Background(), agent.ID, "do it", nil)
	require.NoError(t, err)
	require.Equal(t, "after tool", content)
}

func TestClassifyCondition_PicksMatchingBranch(t *testing.T) {
	s := newTestStore(t)
	chat := &fakeChat{chatReply: "urgent"}
	e := newTestEngine(t, s, chat)
	e.SetClassifierProvider("prov-1")

	branch, err := e.ClassifyCondition(context.Background(), "customer is angry", "classify urgency", []string{"urgent", "normal"})
	require.NoError(t, err)
	require.Equal(t, "urgent", branch)
}

func TestClassifyCondition_FallsBackToFirstBranchOnUnmatchedReply(t *testing.T) {
	s := newTestStore(t)
	chat := &fakeChat{chatReply: "i do not know"}
	e := newTestEngine(t, s, chat)
	e.SetClassifierProvider("prov-1")

	branch, err := e.ClassifyCondition(context.Background(), "context", "classify", []string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, "a", branch)
}
