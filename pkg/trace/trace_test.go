package trace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmesh/controlplane/pkg/model"
	"github.com/agentmesh/controlplane/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("sqlite3", "file::memory:?cache=shared", 1, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecorder_StartFinishPersists(t *testing.T) {
	s := newTestStore(t)
	rec, err := NewRecorder(context.Background(), s, nil)
	require.NoError(t, err)

	require.NoError(t, s.Sessions().Create(&model.Session{ID: "sess-1", Owner: "u1", EntityType: model.EntityAgent, EntityID: "agent-1"}))

	ctx, span := rec.Start(context.Background(), model.SpanLLMCall, "llm_call", "sess-1", "", 0)
	require.NotNil(t, ctx)
	span.SetModel("gpt-4", "openai")
	span.SetPreview("hello", "world")
	id := span.Finish(10, 20, model.SpanOK, nil)
	require.NotEmpty(t, id)

	spans, err := s.Spans().ForSession("sess-1")
	require.NoError(t, err)
	require.Len(t, spans, 1)
	require.Equal(t, "gpt-4", spans[0].Model)
	require.Equal(t, 10, spans[0].InputTokens)
	require.Equal(t, model.SpanOK, spans[0].Status)
}

func TestRecorder_SequenceMonotonic(t *testing.T) {
	s := newTestStore(t)
	rec, err := NewRecorder(context.Background(), s, nil)
	require.NoError(t, err)
	require.NoError(t, s.Sessions().Create(&model.Session{ID: "sess-2", Owner: "u1", EntityType: model.EntityAgent, EntityID: "a1"}))

	for i := 0; i < 3; i++ {
		_, span := rec.Start(context.Background(), model.SpanToolCall, "tool_call", "sess-2", "", 0)
		span.Finish(0, 0, model.SpanOK, nil)
	}

	spans, err := s.Spans().ForSession("sess-2")
	require.NoError(t, err)
	require.Len(t, spans, 3)
	for i, sp := range spans {
		require.Equal(t, i, sp.Sequence)
	}
}

func TestRecorder_BackfillMessageID(t *testing.T) {
	s := newTestStore(t)
	rec, err := NewRecorder(context.Background(), s, nil)
	require.NoError(t, err)
	require.NoError(t, s.Sessions().Create(&model.Session{ID: "sess-3", Owner: "u1", EntityType: model.EntityAgent, EntityID: "a1"}))

	_, span := rec.Start(context.Background(), model.SpanLLMCall, "llm_call", "sess-3", "", 0)
	span.Finish(1, 1, model.SpanOK, nil)

	require.NoError(t, rec.BackfillMessageID("sess-3", 0, "msg-1"))

	spans, err := s.Spans().ForSession("sess-3")
	require.NoError(t, err)
	require.Equal(t, "msg-1", spans[0].MessageID)
}
