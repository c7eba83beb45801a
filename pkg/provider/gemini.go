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

// Gemini implements the Provider Adapter over Google's generateContent
// API: it remaps the "assistant" role to Gemini's "model" role and moves
// the system prompt into the request's systemInstruction field.
type Gemini struct {
	cfg    Config
	client *http.Client
}

func NewGemini(cfg Config) *Gemini {
	return &Gemini{cfg: cfg, client: &http.Client{Timeout: DefaultStreamTimeout}}
}

type geminiPart struct {
	Text             string          `json:"text,omitempty"`
	InlineData       *geminiInline   `json:"inlineData,omitempty"`
	FunctionCall     *geminiFuncCall `json:"functionCall,omitempty"`
	FunctionResponse *geminiFuncResp `json:"functionResponse,omitempty"`
}

type geminiInline struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFuncCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFuncResp struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiFuncDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Tools             []struct {
		FunctionDeclarations []geminiFuncDecl `json:"functionDeclarations"`
	} `json:"tools,omitempty"`
	GenerationConfig struct {
		Temperature     *float64 `json:"temperature,omitempty"`
		TopP            *float64 `json:"topP,omitempty"`
		MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
		StopSequences   []string `json:"stopSequences,omitempty"`
	} `json:"generationConfig"`
}

// geminiRole maps the universal role to Gemini's ("assistant" -> "model").
func geminiRole(role string) string {
	switch role {
	case "assistant":
		return "model"
	case "tool":
		return "user"
	default:
		return "user"
	}
}

func toGeminiContents(messages []Message) []geminiContent {
	out := make([]geminiContent, 0, len(messages))
	for _, m := range messages {
		var parts []geminiPart
		switch m.Role {
		case "tool":
			parts = []geminiPart{{FunctionResponse: &geminiFuncResp{Name: m.Name, Response: map[string]any{"result": m.Content}}}}
		case "assistant":
			if m.Content != "" {
				parts = append(parts, geminiPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, geminiPart{FunctionCall: &geminiFuncCall{Name: tc.Name, Args: tc.Arguments}})
			}
		default:
			if len(m.Parts) > 0 {
				for _, p := range m.Parts {
					if p.Text != "" {
						parts = append(parts, geminiPart{Text: p.Text})
					}
					if p.ImageURL != "" {
						parts = append(parts, geminiPart{Text: p.ImageURL})
					}
				}
			} else {
				parts = []geminiPart{{Text: m.Content}}
			}
		}
		out = append(out, geminiContent{Role: geminiRole(m.Role), Parts: parts})
	}
	return out
}

func (p *Gemini) buildRequest(messages []Message, systemPrompt string, tools []ToolDefinition) geminiRequest {
	req := geminiRequest{Contents: toGeminiContents(messages)}
	if systemPrompt != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: systemPrompt}}}
	}
	if len(tools) > 0 {
		decls := make([]geminiFuncDecl, 0, len(tools))
		for _, t := range tools {
			decls = append(decls, geminiFuncDecl{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
		}
		req.Tools = []struct {
			FunctionDeclarations []geminiFuncDecl `json:"functionDeclarations"`
		}{{FunctionDeclarations: decls}}
	}
	req.GenerationConfig.Temperature = p.cfg.Temperature
	req.GenerationConfig.TopP = p.cfg.TopP
	req.GenerationConfig.MaxOutputTokens = p.cfg.MaxTokens
	req.GenerationConfig.StopSequences = p.cfg.Stop
	return req
}

type geminiStreamChunk struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (p *Gemini) StreamChat(ctx context.Context, messages []Message, systemPrompt string, tools []ToolDefinition) (<-chan StreamChunk, error) {
	out := make(chan StreamChunk, 16)
	req := p.buildRequest(messages, systemPrompt, tools)
	b, err := json.Marshal(req)
	if err != nil {
		close(out)
		return out, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s",
		strings.TrimRight(p.cfg.BaseURL, "/"), p.cfg.Model, p.cfg.APIKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
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

func (p *Gemini) pump(body io.ReadCloser, out chan<- StreamChunk) {
	defer close(out)
	defer body.Close()

	var splitter thinkTagSplitter
	var usage Usage
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var chunk geminiStreamChunk
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			continue
		}
		usage = Usage{InputTokens: chunk.UsageMetadata.PromptTokenCount, OutputTokens: chunk.UsageMetadata.CandidatesTokenCount}
		for _, c := range chunk.Candidates {
			for _, part := range c.Content.Parts {
				if part.Text != "" {
					content, reasoning := splitter.feed(part.Text)
					if content != "" {
						out <- StreamChunk{Kind: ChunkContent, Text: content}
					}
					if reasoning != "" {
						out <- StreamChunk{Kind: ChunkReasoning, Text: reasoning}
					}
				}
				if part.FunctionCall != nil {
					raw, _ := json.Marshal(part.FunctionCall.Args)
					out <- StreamChunk{Kind: ChunkToolCall, ToolCall: &ToolCall{
						ID:        "call_" + part.FunctionCall.Name,
						Name:      part.FunctionCall.Name,
						Arguments: part.FunctionCall.Args,
						RawArgs:   string(raw),
					}}
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		out <- StreamChunk{Kind: ChunkError, Err: err}
		return
	}
	out <- StreamChunk{Kind: ChunkDone, Usage: &usage}
}

func (p *Gemini) Chat(ctx context.Context, messages []Message, systemPrompt string, tools []ToolDefinition) (*Message, Usage, error) {
	stream, err := p.StreamChat(ctx, messages, systemPrompt, tools)
	if err != nil {
		return nil, Usage{}, err
	}
	return DrainChat(ctx, stream)
}

func (p *Gemini) ListModels(ctx context.Context) ([]ModelInfo, error) {
	return []ModelInfo{{ID: p.cfg.Model, Name: p.cfg.Model}}, nil
}

func (p *Gemini) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, DefaultHealthTimeout)
	defer cancel()
	_, _, err := p.Chat(ctx, []Message{{Role: "user", Content: "ping"}}, "", nil)
	return err == nil
}
