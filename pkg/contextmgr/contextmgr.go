// Package contextmgr implements the Context Manager: token estimation,
// per-model context limits, compaction, and edit-intent rewriting. Token
// estimation is a deliberately crude len(text)/4 heuristic — estimation
// only needs to be loose enough to trigger compaction before a real
// context-limit error, not exact.
package contextmgr

import (
	"fmt"
	"strings"

	"github.com/agentmesh/controlplane/pkg/model"
)

// EstimateTokens applies a crude, intentionally loose, monotonic token
// estimate: len(text)/4.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// ContextLimit returns the context window, in tokens, for a given model
// name, from a fixed table with a 100k fallback for anything unrecognized.
func ContextLimit(modelName string) int {
	lower := strings.ToLower(modelName)
	switch {
	case strings.Contains(lower, "claude"):
		return 200_000
	case strings.Contains(lower, "gpt-4"):
		return 128_000
	case strings.Contains(lower, "gpt-3.5"):
		return 16_400
	default:
		return 100_000
	}
}

// CompactionThreshold is the fraction of the context limit that triggers
// compaction.
const CompactionThreshold = 0.80

// CompactionKeepRecent is how many of the most recent messages survive a
// compaction pass.
const CompactionKeepRecent = 10

// ShouldCompact reports whether the running token estimate for a message
// history has crossed CompactionThreshold of the model's context limit.
func ShouldCompact(messages []model.Message, modelName string) bool {
	limit := ContextLimit(modelName)
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Content)
	}
	return float64(total) >= CompactionThreshold*float64(limit)
}

// Compact keeps the most recent CompactionKeepRecent messages, dropping
// the rest. The Stream Engine emits a context_compacted event alongside
// this call; this function only performs the trim.
func Compact(messages []model.Message) []model.Message {
	if len(messages) <= CompactionKeepRecent {
		return messages
	}
	return append([]model.Message{}, messages[len(messages)-CompactionKeepRecent:]...)
}

// ArtifactRef is the minimal id->title->type view the context manager
// injects so the model can reference existing artifacts by id.
type ArtifactRef struct {
	ID    string
	Title string
	Type  string
}

// RenderArtifactContext builds the "## EXISTING ARTIFACTS" block mapping
// artifact ids to titles, so the model can target an existing artifact in
// an edit-intent prefix instead of inventing a new one.
func RenderArtifactContext(artifacts []ArtifactRef) string {
	if len(artifacts) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## EXISTING ARTIFACTS\n")
	for _, a := range artifacts {
		fmt.Fprintf(&b, "- %s: %s (%s)\n", a.ID, a.Title, a.Type)
	}
	return b.String()
}

// EditIntent is a parsed "[EDIT ARTIFACT id=X title=T type=Y]" prefix from
// the artifact edit protocol.
type EditIntent struct {
	ID    string
	Title string
	Type  string
}

const editIntentPrefix = "[EDIT ARTIFACT "

// ParseEditIntent extracts a leading edit-intent directive from a user
// message, returning the intent, the remainder of the message with the
// directive stripped, and whether one was found.
func ParseEditIntent(content string) (EditIntent, string, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, editIntentPrefix) {
		return EditIntent{}, content, false
	}
	end := strings.Index(trimmed, "]")
	if end < 0 {
		return EditIntent{}, content, false
	}
	fields := trimmed[len(editIntentPrefix):end]
	intent := EditIntent{}
	for _, part := range strings.Fields(fields) {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "id":
			intent.ID = kv[1]
		case "title":
			intent.Title = kv[1]
		case "type":
			intent.Type = kv[1]
		}
	}
	if intent.ID == "" {
		return EditIntent{}, content, false
	}
	rest := strings.TrimSpace(trimmed[end+1:])
	return intent, rest, true
}
