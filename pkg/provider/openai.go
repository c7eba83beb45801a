package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
)

// OpenAICompatible backs the openai, openrouter, and custom provider types:
// all three speak the OpenAI chat-completions wire format over HTTP+SSE.
// It sanitizes tool names into the alphabet the API accepts, keeps a
// per-request reverse map to undo that before returning tool calls, and
// retries once without tools if the API rejects the request with a 400.
type OpenAICompatible struct {
	cfg    Config
	client *http.Client
}

func NewOpenAICompatible(cfg Config) *OpenAICompatible {
	return &OpenAICompatible{
		cfg:    cfg,
		client: &http.Client{Timeout: DefaultStreamTimeout},
	}
}

var sanitizeRe = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// sanitizeToolName maps an arbitrary tool name to the OpenAI-safe alphabet
// [A-Za-z0-9_-]{1,64} and returns the sanitized name.
func sanitizeToolName(name string) string {
	s := sanitizeRe.ReplaceAllString(name, "_")
	if len(s) > 64 {
		s = s[:64]
	}
	if s == "" {
		s = "tool"
	}
	return s
}

// toolNameMap is the per-request reverse map from sanitized name back to
// original, scoped to the lifetime of a single chat call: sanitization
// must stay injective within one request.
type toolNameMap map[string]string

func buildToolNameMap(tools []ToolDefinition) (sanitized []ToolDefinition, reverse toolNameMap) {
	reverse = toolNameMap{}
	seen := map[string]int{}
	for _, t := range tools {
		base := sanitizeToolName(t.Name)
		name := base
		if n, ok := seen[base]; ok {
			n++
			seen[base] = n
			name = fmt.Sprintf("%s_%d", base, n)
		} else {
			seen[base] = 0
		}
		reverse[name] = t.Name
		sanitized = append(sanitized, ToolDefinition{Name: name, Description: t.Description, Parameters: t.Parameters})
	}
	return sanitized, reverse
}

type oaMessage struct {
	Role       string          `json:"role"`
	Content    any             `json:"content,omitempty"`
	ToolCalls  []oaToolCallOut `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
}

type oaToolCallOut struct {
	ID       string      `json:"id"`
	Type     string      `json:"type"`
	Function oaFunctionC `json:"function"`
}

type oaFunctionC struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type oaTool struct {
	Type     string     `json:"type"`
	Function oaFunction `json:"function"`
}

type oaFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type oaRequest struct {
	Model       string      `json:"model"`
	Messages    []oaMessage `json:"messages"`
	Tools       []oaTool    `json:"tools,omitempty"`
	Stream      bool        `json:"stream"`
	Temperature *float64    `json:"temperature,omitempty"`
	MaxTokens   *int        `json:"max_tokens,omitempty"`
	TopP        *float64    `json:"top_p,omitempty"`
	Stop        []string    `json:"stop,omitempty"`
}

type oaStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func toOAMessages(messages []Message, systemPrompt string) []oaMessage {
	out := make([]oaMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		out = append(out, oaMessage{Role: "system", Content: systemPrompt})
	}
	for _, m := range messages {
		om := oaMessage{Role: m.Role, ToolCallID: m.ToolCallID, Name: m.Name}
		if len(m.Parts) > 0 {
			parts := make([]map[string]any, 0, len(m.Parts))
			for _, p := range m.Parts {
				if p.Text != "" {
					parts = append(parts, map[string]any{"type": "text", "text": p.Text})
				}
				if p.ImageURL != "" {
					parts = append(parts, map[string]any{"type": "image_url", "image_url": map[string]string{"url": p.ImageURL}})
				}
			}
			om.Content = parts
		} else {
			om.Content = m.Content
		}
		for _, tc := range m.ToolCalls {
			raw := tc.RawArgs
			if raw == "" {
				b, _ := json.Marshal(tc.Arguments)
				raw = string(b)
			}
			om.ToolCalls = append(om.ToolCalls, oaToolCallOut{
				ID:   tc.ID,
				Type: "function",
				Function: oaFunctionC{
					Name:      tc.Name,
					Arguments: raw,
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func (p *OpenAICompatible) buildRequest(messages []Message, systemPrompt string, tools []ToolDefinition, sanitized []ToolDefinition, stream bool) oaRequest {
	req := oaRequest{
		Model:       p.cfg.Model,
		Messages:    toOAMessages(messages, systemPrompt),
		Stream:      stream,
		Temperature: p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
		TopP:        p.cfg.TopP,
		Stop:        p.cfg.Stop,
	}
	for _, t := range sanitized {
		req.Tools = append(req.Tools, oaTool{Type: "function", Function: oaFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters}})
	}
	return req
}

func (p *OpenAICompatible) StreamChat(ctx context.Context, messages []Message, systemPrompt string, tools []ToolDefinition) (<-chan StreamChunk, error) {
	sanitized, reverse := buildToolNameMap(tools)
	out := make(chan StreamChunk, 16)

	resp, body, err := p.post(ctx, messages, systemPrompt, tools, sanitized)
	if err != nil {
		if isBadRequestWithTools(err, len(tools) > 0) {
			// retry once without tools.
			resp, body, err = p.post(ctx, messages, systemPrompt, nil, nil)
		}
		if err != nil {
			close(out)
			return out, err
		}
	}

	go p.pump(resp, body, reverse, out)
	return out, nil
}

type httpStatusError struct {
	status int
	msg    string
}

func (e *httpStatusError) Error() string { return e.msg }

func isBadRequestWithTools(err error, hadTools bool) bool {
	if !hadTools {
		return false
	}
	se, ok := err.(*httpStatusError)
	return ok && se.status == http.StatusBadRequest
}

func (p *OpenAICompatible) post(ctx context.Context, messages []Message, systemPrompt string, tools []ToolDefinition, sanitized []ToolDefinition) (*http.Response, io.ReadCloser, error) {
	req := p.buildRequest(messages, systemPrompt, tools, sanitized, true)
	b, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(p.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return nil, nil, &httpStatusError{status: resp.StatusCode, msg: extractErrorMessage(data, resp.StatusCode)}
	}
	return resp, resp.Body, nil
}

func extractErrorMessage(data []byte, status int) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &parsed) == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	if len(data) > 0 {
		return fmt.Sprintf("http %d: %s", status, string(data))
	}
	return fmt.Sprintf("http %d", status)
}

func (p *OpenAICompatible) pump(resp *http.Response, body io.ReadCloser, reverse toolNameMap, out chan<- StreamChunk) {
	defer close(out)
	defer body.Close()

	var splitter thinkTagSplitter
	calls := map[int]*ToolCall{}
	order := []int{}
	var usage Usage

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}
		var chunk oaStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
		}
		for _, c := range chunk.Choices {
			if c.Delta.Content != "" {
				content, reasoning := splitter.feed(c.Delta.Content)
				if content != "" {
					out <- StreamChunk{Kind: ChunkContent, Text: content}
				}
				if reasoning != "" {
					out <- StreamChunk{Kind: ChunkReasoning, Text: reasoning}
				}
			}
			for _, tc := range c.Delta.ToolCalls {
				existing, ok := calls[tc.Index]
				if !ok {
					existing = &ToolCall{ID: tc.ID, Name: tc.Function.Name}
					calls[tc.Index] = existing
					order = append(order, tc.Index)
				}
				if tc.ID != "" {
					existing.ID = tc.ID
				}
				if tc.Function.Name != "" {
					existing.Name += tc.Function.Name
				}
				existing.RawArgs += tc.Function.Arguments
			}
		}
	}

	for _, idx := range order {
		tc := calls[idx]
		if original, ok := reverse[tc.Name]; ok {
			tc.Name = original
		}
		var args map[string]any
		_ = json.Unmarshal([]byte(tc.RawArgs), &args)
		tc.Arguments = args
		out <- StreamChunk{Kind: ChunkToolCall, ToolCall: tc}
	}

	if err := scanner.Err(); err != nil {
		out <- StreamChunk{Kind: ChunkError, Err: err}
		return
	}
	out <- StreamChunk{Kind: ChunkDone, Usage: &usage}
}

func (p *OpenAICompatible) Chat(ctx context.Context, messages []Message, systemPrompt string, tools []ToolDefinition) (*Message, Usage, error) {
	stream, err := p.StreamChat(ctx, messages, systemPrompt, tools)
	if err != nil {
		return nil, Usage{}, err
	}
	return DrainChat(ctx, stream)
}

func (p *OpenAICompatible) ListModels(ctx context.Context) ([]ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(p.cfg.BaseURL, "/")+"/models", nil)
	if err != nil {
		return nil, err
	}
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	client := &http.Client{Timeout: DefaultHealthTimeout}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	models := make([]ModelInfo, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		models = append(models, ModelInfo{ID: m.ID, Name: m.ID})
	}
	return models, nil
}

func (p *OpenAICompatible) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, DefaultHealthTimeout)
	defer cancel()
	_, err := p.ListModels(ctx)
	return err == nil
}
