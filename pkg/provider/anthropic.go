package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Anthropic implements the Provider Adapter over Anthropic's Messages API.
// It merges consecutive same-role turns, downconverts `tool`-role
// messages into Anthropic's tool_result content blocks, and applies
// cache-control breakpoints, all inside the adapter so callers never need
// to shape history for Anthropic specifically.
type Anthropic struct {
	cfg    Config
	client *http.Client
}

func NewAnthropic(cfg Config) *Anthropic {
	return &Anthropic{cfg: cfg, client: &http.Client{Timeout: DefaultStreamTimeout}}
}

type anthBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
}

type anthMessage struct {
	Role    string      `json:"role"`
	Content []anthBlock `json:"content"`
}

type anthSystemBlock struct {
	Type         string         `json:"type"`
	Text         string         `json:"text"`
	CacheControl map[string]any `json:"cache_control,omitempty"`
}

type anthTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthRequest struct {
	Model       string            `json:"model"`
	Messages    []anthMessage     `json:"messages"`
	System      []anthSystemBlock `json:"system,omitempty"`
	Tools       []anthTool        `json:"tools,omitempty"`
	Stream      bool              `json:"stream"`
	MaxTokens   int               `json:"max_tokens"`
	Temperature *float64          `json:"temperature,omitempty"`
	TopP        *float64          `json:"top_p,omitempty"`
	StopSeqs    []string          `json:"stop_sequences,omitempty"`
}

// toAnthropicMessages merges consecutive same-role messages and
// down-converts the `tool` role to `user` tool_result blocks.
func toAnthropicMessages(messages []Message) []anthMessage {
	var out []anthMessage
	for _, m := range messages {
		role := m.Role
		var blocks []anthBlock
		switch role {
		case "tool":
			role = "user"
			blocks = []anthBlock{{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content}}
		case "assistant":
			if m.Content != "" {
				blocks = append(blocks, anthBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: tc.Arguments})
			}
		default:
			if len(m.Parts) > 0 {
				for _, p := range m.Parts {
					if p.Text != "" {
						blocks = append(blocks, anthBlock{Type: "text", Text: p.Text})
					}
					if p.ImageURL != "" {
						blocks = append(blocks, anthBlock{Type: "image", Text: p.ImageURL})
					}
				}
			} else {
				blocks = []anthBlock{{Type: "text", Text: m.Content}}
			}
		}

		if len(out) > 0 && out[len(out)-1].Role == role {
			out[len(out)-1].Content = append(out[len(out)-1].Content, blocks...)
			continue
		}
		out = append(out, anthMessage{Role: role, Content: blocks})
	}
	return out
}

func (p *Anthropic) buildRequest(messages []Message, systemPrompt string, tools []ToolDefinition) anthRequest {
	maxTokens := 4096
	if p.cfg.MaxTokens != nil {
		maxTokens = *p.cfg.MaxTokens
	}
	req := anthRequest{
		Model:       p.cfg.Model,
		Messages:    toAnthropicMessages(messages),
		Stream:      true,
		MaxTokens:   maxTokens,
		Temperature: p.cfg.Temperature,
		TopP:        p.cfg.TopP,
		StopSeqs:    p.cfg.Stop,
	}
	if systemPrompt != "" {
		// ephemeral cache-control block, an Anthropic-specific addition.
		req.System = []anthSystemBlock{{Type: "text", Text: systemPrompt, CacheControl: map[string]any{"type": "ephemeral"}}}
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, anthTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}
	return req
}

type anthEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *Anthropic) StreamChat(ctx context.Context, messages []Message, systemPrompt string, tools []ToolDefinition) (<-chan StreamChunk, error) {
	out := make(chan StreamChunk, 16)
	req := p.buildRequest(messages, systemPrompt, tools)
	b, err := json.Marshal(req)
	if err != nil {
		close(out)
		return out, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(p.cfg.BaseURL, "/")+"/v1/messages", bytes.NewReader(b))
	if err != nil {
		close(out)
		return out, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		close(out)
		return out, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		close(out)
		return out, &httpStatusError{status: resp.StatusCode, msg: extractErrorMessage(data, resp.StatusCode)}
	}

	go p.pump(resp.Body, out)
	return out, nil
}

func (p *Anthropic) pump(body io.ReadCloser, out chan<- StreamChunk) {
	defer close(out)
	defer body.Close()

	var splitter thinkTagSplitter
	type inflight struct {
		id, name string
		args     strings.Builder
	}
	blocks := map[int]*inflight{}
	var usage Usage

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev anthEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "content_block_start":
			if ev.ContentBlock.Type == "tool_use" {
				blocks[ev.Index] = &inflight{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
			}
		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				content, reasoning := splitter.feed(ev.Delta.Text)
				if content != "" {
					out <- StreamChunk{Kind: ChunkContent, Text: content}
				}
				if reasoning != "" {
					out <- StreamChunk{Kind: ChunkReasoning, Text: reasoning}
				}
			case "input_json_delta":
				if b, ok := blocks[ev.Index]; ok {
					b.args.WriteString(ev.Delta.PartialJSON)
				}
			}
		case "message_delta":
			usage.OutputTokens = ev.Usage.OutputTokens
		case "message_start":
			usage.InputTokens = ev.Usage.InputTokens
		case "error":
			out <- StreamChunk{Kind: ChunkError, Err: fmt.Errorf("%s", ev.Error.Message)}
			return
		}
	}
	for _, b := range blocks {
		var args map[string]any
		raw := b.args.String()
		_ = json.Unmarshal([]byte(raw), &args)
		out <- StreamChunk{Kind: ChunkToolCall, ToolCall: &ToolCall{ID: b.id, Name: b.name, Arguments: args, RawArgs: raw}}
	}
	if err := scanner.Err(); err != nil {
		out <- StreamChunk{Kind: ChunkError, Err: err}
		return
	}
	out <- StreamChunk{Kind: ChunkDone, Usage: &usage}
}

func (p *Anthropic) Chat(ctx context.Context, messages []Message, systemPrompt string, tools []ToolDefinition) (*Message, Usage, error) {
	stream, err := p.StreamChat(ctx, messages, systemPrompt, tools)
	if err != nil {
		return nil, Usage{}, err
	}
	return DrainChat(ctx, stream)
}

func (p *Anthropic) ListModels(ctx context.Context) ([]ModelInfo, error) {
	// No discovery call is made; only the configured model is returned.
	return []ModelInfo{{ID: p.cfg.Model, Name: p.cfg.Model}}, nil
}

func (p *Anthropic) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, DefaultHealthTimeout)
	defer cancel()
	_, _, err := p.Chat(ctx, []Message{{Role: "user", Content: "ping"}}, "", nil)
	return err == nil
}
