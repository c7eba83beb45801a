// Package rag is the RAG Index: chunk documents, embed each chunk, store
// them in one of two interchangeable vector backends, and serve
// similarity search.
package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agentmesh/controlplane/pkg/httpclient"
)

// Embedder turns text into a fixed-dimension vector. There is no Close:
// neither backend implemented here holds a resource that needs releasing.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	ModelName() string
}

// OpenAIEmbedder calls an OpenAI-compatible /v1/embeddings endpoint.
type OpenAIEmbedder struct {
	baseURL   string
	apiKey    string
	model     string
	dimension int
	client    *httpclient.Client
}

func NewOpenAIEmbedder(baseURL, apiKey, model string, dimension int) *OpenAIEmbedder {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	if dimension == 0 {
		dimension = 1536
	}
	return &OpenAIEmbedder{
		baseURL: baseURL, apiKey: apiKey, model: model, dimension: dimension,
		client: httpclient.New(),
	}
}

type openAIEmbedRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, _ := json.Marshal(openAIEmbedRequest{Input: text, Model: e.model})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai embed request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("openai embed: status %d", resp.StatusCode)
	}

	var out openAIEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode openai embed response: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("openai embed: empty response")
	}
	return out.Data[0].Embedding, nil
}

func (e *OpenAIEmbedder) Dimension() int   { return e.dimension }
func (e *OpenAIEmbedder) ModelName() string { return e.model }

// OllamaEmbedder calls /api/embeddings.
type OllamaEmbedder struct {
	baseURL   string
	model     string
	dimension int
	client    *httpclient.Client
	timeout   time.Duration
}

func NewOllamaEmbedder(baseURL, model string, dimension int) *OllamaEmbedder {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	if dimension == 0 {
		dimension = 768
	}
	return &OllamaEmbedder{
		baseURL: baseURL, model: model, dimension: dimension, timeout: 30 * time.Second,
		client: httpclient.New(httpclient.WithMaxRetries(2)),
	}
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	body, _ := json.Marshal(ollamaEmbedRequest{Model: e.model, Prompt: text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embed request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ollama embed: status %d", resp.StatusCode)
	}

	var out ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode ollama embed response: %w", err)
	}
	return out.Embedding, nil
}

func (e *OllamaEmbedder) Dimension() int   { return e.dimension }
func (e *OllamaEmbedder) ModelName() string { return e.model }

// HashEmbedder is a deterministic, dependency-free Embedder used when no
// embedding provider is configured. It has no retrieval quality — tokens
// are hashed into buckets of a fixed-size vector — but it keeps the RAG
// Index fully exercisable without network access or an API key, since
// hosting a real embedding model is out of scope here.
type HashEmbedder struct {
	dimension int
}

func NewHashEmbedder(dimension int) *HashEmbedder {
	if dimension <= 0 {
		dimension = 256
	}
	return &HashEmbedder{dimension: dimension}
}

func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dimension)
	for _, word := range splitWords(text) {
		h := fnv32(word)
		vec[int(h)%e.dimension] += 1
	}
	return vec, nil
}

func (e *HashEmbedder) Dimension() int   { return e.dimension }
func (e *HashEmbedder) ModelName() string { return "hash-fallback" }

func splitWords(text string) []string {
	var words []string
	var cur []rune
	for _, r := range text {
		if r == ' ' || r == '\n' || r == '\t' {
			if len(cur) > 0 {
				words = append(words, string(cur))
				cur = cur[:0]
			}
			continue
		}
		cur = append(cur, r)
	}
	if len(cur) > 0 {
		words = append(words, string(cur))
	}
	return words
}

func fnv32(s string) uint32 {
	const prime32 = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
