// Package memory implements the Memory Reflector: a background pass over
// a just-finished session that distills durable facts about the user
// into AgentMemory rows, with a budget of 50 per (agent, user) pair. It
// strips artifact XML before reflecting, truncates the transcript fed to
// the LLM to the last 40 messages (2000 runes each), and, when a batch
// would push a pair over the budget, evicts the oldest facts below 0.5
// confidence; facts at or above 0.5 are never evicted, so a pair can hold
// more than 50.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/agentmesh/controlplane/pkg/logger"
	"github.com/agentmesh/controlplane/pkg/model"
	"github.com/agentmesh/controlplane/pkg/provider"
	"github.com/agentmesh/controlplane/pkg/store"
)

const (
	reflectionSystemPrompt = "You are a memory distillation assistant. Your only job is to extract durable, " +
		"reusable facts from a conversation that would be useful to remember in future " +
		"conversations with this user.\n\n" +
		"Rules:\n" +
		"- Extract at most 5 memories per session.\n" +
		"- Only keep facts that persist across time: preferences, project context, " +
		"decisions made, corrections the user gave.\n" +
		"- Skip pleasantries, greetings, one-off questions, and transient content.\n" +
		"- NEVER memorize artifact IDs, artifact titles, artifact content, or any " +
		"reference to specific artifacts (e.g. do not store 'user created artifact X'). " +
		"Artifacts are session-scoped and must not leak into future sessions.\n" +
		"- If a new fact contradicts an existing memory with the same key, include it " +
		"anyway — it will overwrite the old one.\n" +
		"- Output ONLY a valid JSON array (no markdown, no explanation):\n" +
		`  [{"key": "short_snake_case_key", "value": "human readable fact", ` +
		`"confidence": 0.0-1.0, "category": "preference|context|decision|correction"}]` + "\n" +
		"- If nothing is worth remembering, output an empty array: []"

	memoryCap            = 50
	recentMessageLimit   = 40
	transcriptRuneLimit  = 2000
	minMessagesToReflect = 2
	maxExtractedFacts    = 5
)

var artifactStripRE = regexp.MustCompile(`(?is)<artifact(?:_patch)?\b[^>]*>.*?</artifact(?:_patch)?>`)

// stripArtifactsForMemory removes artifact/artifact_patch XML blocks so
// artifact IDs and content never leak into long-term memory.
func stripArtifactsForMemory(text string) string {
	return strings.TrimSpace(artifactStripRE.ReplaceAllString(text, "[artifact content omitted]"))
}

// MaxInjectedMemoryFacts bounds how many AgentMemory facts are rendered
// into the system prompt, highest-confidence first — a bound of its own,
// since evictOverflow removes only facts below 0.5 confidence and ForAgent
// can return more than 50.
const MaxInjectedMemoryFacts = 50

// BuildInjection renders memories into the "## What I know about you"
// block appended to an agent's system prompt, highest-confidence first
// and capped at MaxInjectedMemoryFacts.
func BuildInjection(memories []model.AgentMemory) string {
	if len(memories) == 0 {
		return ""
	}
	sorted := append([]model.AgentMemory{}, memories...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Confidence > sorted[j].Confidence })
	if len(sorted) > MaxInjectedMemoryFacts {
		sorted = sorted[:MaxInjectedMemoryFacts]
	}

	var b strings.Builder
	for i, m := range sorted {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "- [%s] %s", m.Category, m.Value)
	}
	return "\n\n## What I know about you:\n" + b.String()
}

// ChatFactory builds a provider.Chat for the given provider id, used to
// keep the Reflector decoupled from credential decryption and provider
// construction.
type ChatFactory func(ctx context.Context, providerID string) (provider.Chat, error)

type Reflector struct {
	store   *store.Store
	chatFor ChatFactory
	log     *slog.Logger
}

func New(s *store.Store, chatFor ChatFactory) *Reflector {
	return &Reflector{store: s, chatFor: chatFor, log: logger.GetLogger()}
}

type extractedFact struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Category   string  `json:"category"`
}

// Reflect runs the full 5-step algorithm for one completed session.
// Errors are logged and swallowed: reflection failures must never
// surface to the end user.
func (r *Reflector) Reflect(ctx context.Context, agentID, providerID, sessionID, userID string) {
	if err := r.reflect(ctx, agentID, providerID, sessionID, userID); err != nil {
		r.log.Warn("memory reflection failed", "session_id", sessionID, "error", err)
	}
}

func (r *Reflector) reflect(ctx context.Context, agentID, providerID, sessionID, userID string) error {
	// Step 1: mark processed immediately so a concurrent trigger never
	// re-reflects on the same session.
	if err := r.store.Sessions().MarkMemoryProcessed(sessionID); err != nil {
		return fmt.Errorf("mark session processed: %w", err)
	}

	// Step 2: load recent messages and build a stripped transcript.
	messages, err := r.store.Messages().Recent(sessionID, recentMessageLimit)
	if err != nil {
		return fmt.Errorf("load recent messages: %w", err)
	}
	if len(messages) < minMessagesToReflect {
		return nil
	}

	transcript := buildTranscript(messages)
	if strings.TrimSpace(transcript) == "" {
		return nil
	}

	// Step 3: build the reflection prompt from existing facts + transcript
	// and ask the LLM for up to 5 new facts as strict JSON.
	existing, err := r.store.Memory().ForAgent(agentID, userID)
	if err != nil {
		return fmt.Errorf("load existing memories: %w", err)
	}

	extracted, err := r.askForFacts(ctx, providerID, existing, transcript)
	if err != nil {
		return err
	}
	if len(extracted) == 0 {
		return nil
	}
	if len(extracted) > maxExtractedFacts {
		extracted = extracted[:maxExtractedFacts]
	}

	// Step 4: evict lowest-confidence, oldest-first if this batch would
	// push the agent over the 50-fact cap.
	if err := r.evictOverflow(agentID, userID, len(existing), len(extracted)); err != nil {
		return fmt.Errorf("evict overflow: %w", err)
	}

	// Step 5: upsert every extracted fact by key.
	for _, f := range extracted {
		key := strings.TrimSpace(f.Key)
		value := strings.TrimSpace(f.Value)
		if key == "" || value == "" {
			continue
		}
		category := strings.TrimSpace(f.Category)
		if category == "" {
			category = string(model.MemoryContext)
		}
		if err := r.store.Memory().Upsert(model.AgentMemory{
			AgentID:       agentID,
			UserID:        userID,
			Key:           key,
			Value:         value,
			Category:      model.MemoryCategory(category),
			Confidence:    f.Confidence,
			SourceSession: sessionID,
		}); err != nil {
			return fmt.Errorf("upsert memory %q: %w", key, err)
		}
	}

	r.log.Info("memory reflection stored facts", "agent_id", agentID, "session_id", sessionID, "count", len(extracted))
	return nil
}

func buildTranscript(messages []model.Message) string {
	var parts []string
	for _, m := range messages {
		if m.Role != model.RoleUserMsg && m.Role != model.RoleAssistantMsg {
			continue
		}
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		cleaned := stripArtifactsForMemory(content)
		if cleaned == "" {
			continue
		}
		cleaned = truncateRunes(cleaned, transcriptRuneLimit)
		label := "USER"
		if m.Role == model.RoleAssistantMsg {
			label = "ASSISTANT"
		}
		parts = append(parts, label+": "+cleaned)
	}
	return strings.Join(parts, "\n\n")
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

func (r *Reflector) askForFacts(ctx context.Context, providerID string, existing []model.AgentMemory, transcript string) ([]extractedFact, error) {
	chat, err := r.chatFor(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("build provider chat: %w", err)
	}

	existingJSON, _ := json.Marshal(existingPairs(existing))
	userPrompt := fmt.Sprintf("Existing memories (do not duplicate):\n%s\n\nConversation to reflect on:\n%s",
		existingJSON, transcript)

	reply, _, err := chat.Chat(ctx, []provider.Message{{Role: "user", Content: userPrompt}}, reflectionSystemPrompt, nil)
	if err != nil {
		return nil, fmt.Errorf("reflection chat call: %w", err)
	}

	raw := extractJSONArray(reply.Content)
	var extracted []extractedFact
	if err := json.Unmarshal([]byte(raw), &extracted); err != nil {
		return nil, fmt.Errorf("parse reflection response: %w", err)
	}
	return extracted, nil
}

type memoryPair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func existingPairs(memories []model.AgentMemory) []memoryPair {
	pairs := make([]memoryPair, 0, len(memories))
	for _, m := range memories {
		pairs = append(pairs, memoryPair{Key: m.Key, Value: m.Value})
	}
	return pairs
}

// extractJSONArray strips markdown code fences the model sometimes wraps
// its JSON output in.
func extractJSONArray(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "```") {
		return raw
	}
	parts := strings.SplitN(raw, "```", 3)
	if len(parts) < 2 {
		return raw
	}
	body := parts[1]
	body = strings.TrimPrefix(body, "json")
	return strings.TrimSpace(body)
}

// evictOverflow deletes the oldest low-confidence (<0.5) facts when
// adding newCount facts on top of existingCount would exceed the 50-fact
// cap per (agent, user).
func (r *Reflector) evictOverflow(agentID, userID string, existingCount, newCount int) error {
	overflow := (existingCount + newCount) - memoryCap
	if overflow <= 0 {
		return nil
	}

	candidates, err := r.store.Memory().ForAgent(agentID, userID)
	if err != nil {
		return err
	}

	var lowConfidence []model.AgentMemory
	for _, m := range candidates {
		if m.Confidence < 0.5 {
			lowConfidence = append(lowConfidence, m)
		}
	}
	sort.Slice(lowConfidence, func(i, j int) bool {
		return lowConfidence[i].CreatedAt.Before(lowConfidence[j].CreatedAt)
	})

	if overflow > len(lowConfidence) {
		overflow = len(lowConfidence)
	}
	for i := 0; i < overflow; i++ {
		if err := r.store.Memory().Evict(agentID, userID, lowConfidence[i].Key); err != nil {
			return err
		}
	}
	return nil
}
