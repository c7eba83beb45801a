package contextmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentmesh/controlplane/pkg/model"
)

func TestEstimateTokens_LenDivFour(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 2, EstimateTokens("12345678"))
	assert.Equal(t, 25, EstimateTokens(string(make([]byte, 100))))
}

func TestEstimateTokens_Monotonic(t *testing.T) {
	short := "hello"
	long := "hello world this is a longer piece of text"
	assert.LessOrEqual(t, EstimateTokens(short), EstimateTokens(long))
}

func TestContextLimit(t *testing.T) {
	assert.Equal(t, 200_000, ContextLimit("claude-3-5-sonnet"))
	assert.Equal(t, 128_000, ContextLimit("gpt-4-turbo"))
	assert.Equal(t, 16_400, ContextLimit("gpt-3.5-turbo"))
	assert.Equal(t, 100_000, ContextLimit("llama3"))
}

func TestShouldCompact_CrossesThreshold(t *testing.T) {
	limit := ContextLimit("gpt-3.5-turbo") // 16400
	bigContent := make([]byte, int(float64(limit)*0.85)*4)
	msgs := []model.Message{{Content: string(bigContent)}}
	assert.True(t, ShouldCompact(msgs, "gpt-3.5-turbo"))
}

func TestShouldCompact_BelowThreshold(t *testing.T) {
	msgs := []model.Message{{Content: "short"}}
	assert.False(t, ShouldCompact(msgs, "claude-3-5-sonnet"))
}

func TestCompact_KeepsLastTen(t *testing.T) {
	msgs := make([]model.Message, 15)
	for i := range msgs {
		msgs[i] = model.Message{ID: string(rune('a' + i))}
	}
	out := Compact(msgs)
	assert.Len(t, out, CompactionKeepRecent)
	assert.Equal(t, msgs[5:], out)
}

func TestCompact_NoopWhenShort(t *testing.T) {
	msgs := []model.Message{{ID: "1"}, {ID: "2"}}
	assert.Equal(t, msgs, Compact(msgs))
}


func TestRenderArtifactContext(t *testing.T) {
	block := RenderArtifactContext([]ArtifactRef{{ID: "a1", Title: "My Doc", Type: "markdown"}})
	assert.Contains(t, block, "## EXISTING ARTIFACTS")
	assert.Contains(t, block, "a1: My Doc (markdown)")
}

func TestRenderArtifactContext_Empty(t *testing.T) {
	assert.Equal(t, "", RenderArtifactContext(nil))
}

func TestParseEditIntent(t *testing.T) {
	intent, rest, ok := ParseEditIntent("[EDIT ARTIFACT id=a1 title=Report type=markdown] please fix typos")
	assert.True(t, ok)
	assert.Equal(t, "a1", intent.ID)
	assert.Equal(t, "Report", intent.Title)
	assert.Equal(t, "markdown", intent.Type)
	assert.Equal(t, "please fix typos", rest)
}

func TestParseEditIntent_NoPrefix(t *testing.T) {
	_, rest, ok := ParseEditIntent("just a normal message")
	assert.False(t, ok)
	assert.Equal(t, "just a normal message", rest)
}
