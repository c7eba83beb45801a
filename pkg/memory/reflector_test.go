package memory

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmesh/controlplane/pkg/model"
	"github.com/agentmesh/controlplane/pkg/provider"
	"github.com/agentmesh/controlplane/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("sqlite3", "file::memory:?cache=shared", 1, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fakeChat stubs provider.Chat with a canned reflection response.
type fakeChat struct {
	reply string
	err   error
}

func (f *fakeChat) StreamChat(ctx context.Context, messages []provider.Message, systemPrompt string, tools []provider.ToolDefinition) (<-chan provider.StreamChunk, error) {
	panic("not used by the reflector")
}

func (f *fakeChat) Chat(ctx context.Context, messages []provider.Message, systemPrompt string, tools []provider.ToolDefinition) (*provider.Message, provider.Usage, error) {
	if f.err != nil {
		return nil, provider.Usage{}, f.err
	}
	return &provider.Message{Role: "assistant", Content: f.reply}, provider.Usage{InputTokens: 10, OutputTokens: 5}, nil
}

func (f *fakeChat) ListModels(ctx context.Context) ([]provider.ModelInfo, error) { return nil, nil }
func (f *fakeChat) TestConnection(ctx context.Context) bool                     { return true }

func seedSession(t *testing.T, s *store.Store, sessionID, agentID string, userMessages, assistantMessages []string) {
	t.Helper()
	require.NoError(t, s.Sessions().Create(&model.Session{
		ID: sessionID, Owner: "user-1", EntityType: model.EntityAgent, EntityID: agentID,
	}))
	var seq int64
	for i := 0; i < len(userMessages) || i < len(assistantMessages); i++ {
		if i < len(userMessages) {
			seq++
			require.NoError(t, s.Messages().Append(&model.Message{
				ID: sessionID + "-u" + string(rune('0'+i)), SessionID: sessionID, Sequence: seq,
				Role: model.RoleUserMsg, Content: userMessages[i],
			}))
		}
		if i < len(assistantMessages) {
			seq++
			require.NoError(t, s.Messages().Append(&model.Message{
				ID: sessionID + "-a" + string(rune('0'+i)), SessionID: sessionID, Sequence: seq,
				Role: model.RoleAssistantMsg, Content: assistantMessages[i],
			}))
		}
	}
}

func TestReflect_MarksSessionProcessedImmediately(t *testing.T) {
	s := newTestStore(t)
	seedSession(t, s, "sess-1", "agent-1", []string{"hi"}, []string{"hello"})

	chat := &fakeChat{err: errBoom}
	r := New(s, func(ctx context.Context, providerID string) (provider.Chat, error) { return chat, nil })

	r.Reflect(context.Background(), "agent-1", "provider-1", "sess-1", "user-1")

	got, err := s.Sessions().Get("sess-1")
	require.NoError(t, err)
	require.True(t, got.MemoryProcessed)
}

func TestReflect_TooFewMessagesSkipsLLMCall(t *testing.T) {
	s := newTestStore(t)
	seedSession(t, s, "sess-2", "agent-1", []string{"hi"}, nil)

	called := false
	chat := &fakeChat{reply: "[]"}
	r := New(s, func(ctx context.Context, providerID string) (provider.Chat, error) {
		called = true
		return chat, nil
	})

	r.Reflect(context.Background(), "agent-1", "provider-1", "sess-2", "user-1")
	require.False(t, called)
}

func TestReflect_ExtractsAndUpsertsFacts(t *testing.T) {
	s := newTestStore(t)
	seedSession(t, s, "sess-3", "agent-1",
		[]string{"I prefer dark mode", "I work on a Go project called controlplane"},
		[]string{"Noted, dark mode it is", "Got it, controlplane in Go"})

	chat := &fakeChat{reply: "```json\n" +
		`[{"key":"theme_preference","value":"prefers dark mode","confidence":0.9,"category":"preference"}]` +
		"\n```"}
	r := New(s, func(ctx context.Context, providerID string) (provider.Chat, error) { return chat, nil })

	r.Reflect(context.Background(), "agent-1", "provider-1", "sess-3", "user-1")

	facts, err := s.Memory().ForAgent("agent-1", "user-1")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	require.Equal(t, "theme_preference", facts[0].Key)
	require.Equal(t, model.MemoryPreference, facts[0].Category)
}

func TestReflect_StripsArtifactsFromTranscript(t *testing.T) {
	text := `Here is your file <artifact id="42" title="secret">top secret content</artifact> done.`
	cleaned := stripArtifactsForMemory(text)
	require.NotContains(t, cleaned, "secret content")
	require.Contains(t, cleaned, "[artifact content omitted]")
}

func TestReflect_EvictsLowestConfidenceOldestFirstOverCap(t *testing.T) {
	s := newTestStore(t)
	seedSession(t, s, "sess-4", "agent-2",
		[]string{"message one here", "message two here"},
		[]string{"reply one here", "reply two here"})

	// Pre-fill 50 low-confidence memories so one new fact forces an eviction.
	for i := 0; i < memoryCap; i++ {
		key := "fact" + string(rune('a'+i%26)) + string(rune('0'+i/26))
		require.NoError(t, s.Memory().Upsert(model.AgentMemory{
			AgentID: "agent-2", UserID: "user-1", Key: key, Value: "v", Category: model.MemoryContext, Confidence: 0.1,
		}))
	}

	chat := &fakeChat{reply: `[{"key":"new_fact","value":"brand new","confidence":0.9,"category":"context"}]`}
	r := New(s, func(ctx context.Context, providerID string) (provider.Chat, error) { return chat, nil })

	r.Reflect(context.Background(), "agent-2", "provider-1", "sess-4", "user-1")

	facts, err := s.Memory().ForAgent("agent-2", "user-1")
	require.NoError(t, err)
	require.LessOrEqual(t, len(facts), memoryCap)

	found := false
	for _, f := range facts {
		if f.Key == "new_fact" {
			found = true
		}
	}
	require.True(t, found)
}

func TestBuildInjection_FormatsBlock(t *testing.T) {
	memories := []model.AgentMemory{
		{Category: model.MemoryPreference, Value: "likes dark mode"},
		{Category: model.MemoryContext, Value: "works on controlplane"},
	}
	out := BuildInjection(memories)
	require.Contains(t, out, "## What I know about you:")
	require.Contains(t, out, "- [preference] likes dark mode")
	require.Contains(t, out, "- [context] works on controlplane")
}

func TestBuildInjection_EmptyReturnsEmptyString(t *testing.T) {
	require.Equal(t, "", BuildInjection(nil))
}

func TestBuildInjection_CapsAndSortsByConfidence(t *testing.T) {
	memories := make([]model.AgentMemory, 60)
	for i := range memories {
		memories[i] = model.AgentMemory{Category: model.MemoryContext, Value: fmt.Sprintf("v%d", i), Confidence: float64(i)}
	}
	out := BuildInjection(memories)
	lines := strings.Split(strings.TrimPrefix(out, "\n\n## What I know about you:\n"), "\n")
	require.Len(t, lines, MaxInjectedMemoryFacts)
	require.Equal(t, "- [context] v59", lines[0]) // highest confidence (59) sorts first
}

var errBoom = fakeErr("boom")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }
