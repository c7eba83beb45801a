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

// Ollama implements the Provider Adapter over Ollama's native /api/chat,
// which streams newline-delimited JSON rather than SSE. Every content
// delta also runs through the shared <think> tag splitter, since some
// models emit reasoning inline in content rather than in a dedicated
// "thinking" field.
type Ollama struct {
	cfg    Config
	client *http.Client
}

func NewOllama(cfg Config) *Ollama {
	return &Ollama{cfg: cfg, client: &http.Client{Timeout: DefaultStreamTimeout}}
}

type ollamaMessage struct {
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	ToolCalls []ollamaToolUse `json:"tool_calls,omitempty"`
}

type ollamaToolUse struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
	Think    *bool           `json:"think,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

func toOllamaMessages(messages []Message, systemPrompt string) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		out = append(out, ollamaMessage{Role: "system", Content: systemPrompt})
	}
	for _, m := range messages {
		content := m.Content
		if content == "" && len(m.Parts) > 0 {
			var b strings.Builder
			for _, p := range m.Parts {
				b.WriteString(p.Text)
			}
			content = b.String()
		}
		om := ollamaMessage{Role: m.Role, Content: content}
		for _, tc := range m.ToolCalls {
			use := ollamaToolUse{}
			use.Function.Name = tc.Name
			use.Function.Arguments = tc.Arguments
			om.ToolCalls = append(om.ToolCalls, use)
		}
		out = append(out, om)
	}
	return out
}

func (p *Ollama) buildRequest(messages []Message, systemPrompt string, tools []ToolDefinition) ollamaRequest {
	req := ollamaRequest{Model: p.cfg.Model, Messages: toOllamaMessages(messages, systemPrompt), Stream: true}
	for _, t := range tools {
		ot := ollamaTool{Type: "function"}
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.Parameters
		req.Tools = append(req.Tools, ot)
	}
	options := map[string]any{}
	if p.cfg.Temperature != nil {
		options["temperature"] = *p.cfg.Temperature
	}
	if p.cfg.TopP != nil {
		options["top_p"] = *p.cfg.TopP
	}
	if len(p.cfg.Stop) > 0 {
		options["stop"] = p.cfg.Stop
	}
	if len(options) > 0 {
		req.Options = options
	}
	return req
}

type ollamaStreamLine struct {
	Message struct {
		Content   string          `json:"content"`
		Thinking  string          `json:"thinking"`
		ToolCalls []ollamaToolUse `json:"tool_calls"`
	} `json:"message"`
	Done            bool `json:"done"`
	PromptEvalCount int  `json:"prompt_eval_count"`
	EvalCount       int  `json:"eval_count"`
}

func (p *Ollama) StreamChat(ctx context.Context, messages []Message, systemPrompt string, tools []ToolDefinition) (<-chan StreamChunk, error) {
	out := make(chan StreamChunk, 16)
	req := p.buildRequest(messages, systemPrompt, tools)
	b, err := json.Marshal(req)
	if err != nil {
		close(out)
		return out, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(p.cfg.BaseURL, "/")+"/api/chat", bytes.NewReader(b))
	if err != nil {
		close(out)
		return out, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

func (p *Ollama) pump(body io.ReadCloser, out chan<- StreamChunk) {
	defer close(out)
	defer body.Close()

	var splitter thinkTagSplitter
	var usage Usage
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var chunk ollamaStreamLine
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Message.Thinking != "" {
			out <- StreamChunk{Kind: ChunkReasoning, Text: chunk.Message.Thinking}
		}
		if chunk.Message.Content != "" {
			content, reasoning := splitter.feed(chunk.Message.Content)
			if content != "" {
				out <- StreamChunk{Kind: ChunkContent, Text: content}
			}
			if reasoning != "" {
				out <- StreamChunk{Kind: ChunkReasoning, Text: reasoning}
			}
		}
		for _, tc := range chunk.Message.ToolCalls {
			raw, _ := json.Marshal(tc.Function.Arguments)
			out <- StreamChunk{Kind: ChunkToolCall, ToolCall: &ToolCall{
				ID:        "call_" + tc.Function.Name,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
				RawArgs:   string(raw),
			}}
		}
		if chunk.Done {
			usage = Usage{InputTokens: chunk.PromptEvalCount, OutputTokens: chunk.EvalCount}
			break
		}
	}
	if err := scanner.Err(); err != nil {
		out <- StreamChunk{Kind: ChunkError, Err: err}
		return
	}
	out <- StreamChunk{Kind: ChunkDone, Usage: &usage}
}

func (p *Ollama) Chat(ctx context.Context, messages []Message, systemPrompt string, tools []ToolDefinition) (*Message, Usage, error) {
	stream, err := p.StreamChat(ctx, messages, systemPrompt, tools)
	if err != nil {
		return nil, Usage{}, err
	}
	return DrainChat(ctx, stream)
}

func (p *Ollama) ListModels(ctx context.Context) ([]ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(p.cfg.BaseURL, "/")+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: DefaultHealthTimeout}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	models := make([]ModelInfo, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		models = append(models, ModelInfo{ID: m.Name, Name: m.Name})
	}
	return models, nil
}

func (p *Ollama) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, DefaultHealthTimeout)
	defer cancel()
	_, err := p.ListModels(ctx)
	return err == nil
}
