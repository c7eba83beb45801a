// Package mcp implements the MCP Connector: per-session scoped
// connections to external MCP tool servers over stdio or SSE, tool listing
// with mcp__<server>__ prefixing, and call dispatch.
//
// Adapted from pkg/tool/mcptoolset: stdio transport still goes through
// mark3labs/mcp-go's subprocess client, SSE/HTTP transport still speaks
// raw JSON-RPC 2.0 over pkg/httpclient's retry/backoff client (mcptoolset
// never routed SSE through mcp-go's own client either). Dropped: the
// Toolset/CallableTool wrapper types tied to the deleted pkg/agent and
// pkg/tool interfaces, and the WithFilter decorator — this package
// connects per session, not per lazily-filtered toolset, so a Session IS
// the scope and filtering happens once at connect time.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agentmesh/controlplane/pkg/httpclient"
	"github.com/agentmesh/controlplane/pkg/model"
)

// DefaultSSEResponseTimeout bounds how long a single SSE JSON-RPC round
// trip may take before the call is treated as failed.
const DefaultSSEResponseTimeout = 5 * time.Minute

// ToolInfo describes one tool an MCP server advertises, already carrying
// the mcp__<server>__<name> wire name a caller dispatches with.
type ToolInfo struct {
	WireName    string
	Description string
	Schema      map[string]any
}

// ServerConfig is the connection recipe for one MCPServer entity.
type ServerConfig struct {
	Name      string
	Transport model.MCPTransport // stdio | sse
	Command   string
	Args      []string
	Env       map[string]string
	URL       string
	Headers   map[string]string
	Filter    []string
}

// conn is one live connection to an MCP server, established lazily and
// held for the duration of a Session.
type conn struct {
	cfg ServerConfig

	stdio *mcpclient.Client // set for stdio transport

	httpClient *httpclient.Client // set for sse transport
	sessionMu  sync.RWMutex
	sessionID  string

	tools []ToolInfo
}

// Session is a per-request scope holding the MCP connections opened for
// one tool-loop invocation, held for the whole tool loop. A Session is
// not safe for concurrent use across goroutines beyond the single tool
// loop that owns it.
type Session struct {
	mu    sync.Mutex
	conns map[string]*conn // by server name
}

// NewSession creates an empty connector session. Connections are opened
// lazily by Connect/ListTools as servers are needed.
func NewSession() *Session {
	return &Session{conns: make(map[string]*conn)}
}

// Connect opens (or reuses) the connection to a server and returns its
// advertised tools, already filtered and prefixed. A failed connection is
// logged and returns an error to the caller — the engine is expected to
// log-and-continue past it, not abort the whole tool loop.
func (s *Session) Connect(ctx context.Context, cfg ServerConfig) ([]ToolInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.conns[cfg.Name]; ok {
		return c.tools, nil
	}

	c := &conn{cfg: cfg}
	var err error
	if cfg.Transport == model.MCPTransportStdio {
		err = c.connectStdio(ctx)
	} else {
		err = c.connectSSE(ctx)
	}
	if err != nil {
		slog.Warn("mcp server connect failed", "server", cfg.Name, "transport", cfg.Transport, "error", err)
		return nil, err
	}

	s.conns[cfg.Name] = c
	return c.tools, nil
}

// Call dispatches a tool invocation to the connected server, returning the
// result already stringified per the Tool Executor's contract.
func (s *Session) Call(ctx context.Context, serverName, toolName string, args map[string]any) (string, error) {
	s.mu.Lock()
	c, ok := s.conns[serverName]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("mcp server %q not connected in this session", serverName)
	}
	if c.stdio != nil {
		return c.callStdio(ctx, toolName, args)
	}
	return c.callSSE(ctx, toolName, args)
}

// Tools lists the advertised tools of every server connected so far in
// this session, used by the Stream Engine to build the merged tool
// definition list it hands the provider each round.
func (s *Session) Tools() []ToolInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []ToolInfo
	for _, c := range s.conns {
		all = append(all, c.tools...)
	}
	return all
}

// Close tears down every connection opened in this session.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, c := range s.conns {
		if c.stdio != nil {
			_ = c.stdio.Close()
		}
		delete(s.conns, name)
	}
}

func (c *conn) filterAllows(name string) bool {
	if len(c.cfg.Filter) == 0 {
		return true
	}
	for _, f := range c.cfg.Filter {
		if f == name {
			return true
		}
	}
	return false
}

func (c *conn) connectStdio(ctx context.Context) error {
	env := make([]string, 0, len(c.cfg.Env))
	for k, v := range c.cfg.Env {
		env = append(env, k+"="+v)
	}

	cl, err := mcpclient.NewStdioMCPClient(c.cfg.Command, env, c.cfg.Args...)
	if err != nil {
		return fmt.Errorf("create stdio mcp client: %w", err)
	}
	if err := cl.Start(ctx); err != nil {
		return fmt.Errorf("start stdio mcp client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "controlplane", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := cl.Initialize(ctx, initReq); err != nil {
		cl.Close()
		return fmt.Errorf("initialize stdio mcp client: %w", err)
	}

	listResp, err := cl.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		cl.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	var tools []ToolInfo
	for _, t := range listResp.Tools {
		if !c.filterAllows(t.Name) {
			continue
		}
		tools = append(tools, ToolInfo{
			WireName:    wireName(c.cfg.Name, t.Name),
			Description: t.Description,
			Schema:      schemaToMap(t.InputSchema),
		})
	}

	c.stdio = cl
	c.tools = tools
	slog.Info("mcp server connected", "server", c.cfg.Name, "transport", "stdio", "tools", len(tools))
	return nil
}

func (c *conn) callStdio(ctx context.Context, toolName string, args map[string]any) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = args

	resp, err := c.stdio.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("mcp call failed: %w", err)
	}
	return stringifyResult(resp.IsError, resp.Content)
}

// --- SSE / streamable-http transport: raw JSON-RPC 2.0 over httpclient ---

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *conn) connectSSE(ctx context.Context) error {
	c.httpClient = httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		httpclient.WithMaxRetries(3),
		httpclient.WithBaseDelay(2*time.Second),
	)

	initResp, err := c.request(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]any{"name": "controlplane", "version": "1.0.0"},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return fmt.Errorf("initialize mcp session: %w", err)
	}
	if initResp.Error != nil {
		return fmt.Errorf("mcp init error: %s", initResp.Error.Message)
	}

	listResp, err := c.request(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	if listResp.Error != nil {
		return fmt.Errorf("mcp list error: %s", listResp.Error.Message)
	}

	resultMap, _ := listResp.Result.(map[string]any)
	rawTools, _ := resultMap["tools"].([]any)

	var tools []ToolInfo
	for _, raw := range rawTools {
		tm, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := tm["name"].(string)
		if !c.filterAllows(name) {
			continue
		}
		desc, _ := tm["description"].(string)
		schema, _ := tm["inputSchema"].(map[string]any)
		tools = append(tools, ToolInfo{WireName: wireName(c.cfg.Name, name), Description: desc, Schema: schema})
	}

	c.tools = tools
	slog.Info("mcp server connected", "server", c.cfg.Name, "transport", "sse", "tools", len(tools))
	return nil
}

func (c *conn) callSSE(ctx context.Context, toolName string, args map[string]any) (string, error) {
	resp, err := c.request(ctx, "tools/call", map[string]any{"name": toolName, "arguments": args})
	if err != nil {
		return "", fmt.Errorf("mcp call failed: %w", err)
	}
	if resp.Error != nil {
		return encodeErrorResult(resp.Error.Message), nil
	}

	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		b, _ := json.Marshal(resp.Result)
		return string(b), nil
	}
	isError, _ := resultMap["isError"].(bool)
	content, _ := resultMap["content"].([]any)
	return stringifyRawContent(isError, content)
}

func (c *conn) request(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	body, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	c.sessionMu.RLock()
	sid := c.sessionID
	c.sessionMu.RUnlock()
	if sid != "" {
		httpReq.Header.Set("mcp-session-id", sid)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if newSID := httpResp.Header.Get("mcp-session-id"); newSID != "" {
		c.sessionMu.Lock()
		c.sessionID = newSID
		c.sessionMu.Unlock()
	}

	if httpResp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("HTTP %d: %s", httpResp.StatusCode, string(b))
	}

	if strings.Contains(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		return readSSEJSONRPC(httpResp.Body)
	}

	b, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	var resp jsonRPCResponse
	if err := json.Unmarshal(b, &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &resp, nil
}

// readSSEJSONRPC reads the first complete JSON-RPC message from an SSE
// body, bounded by DefaultSSEResponseTimeout.
func readSSEJSONRPC(body io.ReadCloser) (*jsonRPCResponse, error) {
	defer body.Close()

	type result struct {
		resp *jsonRPCResponse
		err  error
	}
	ch := make(chan result, 1)

	go func() {
		reader := bufio.NewReader(body)
		var data strings.Builder
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				break
			}
			s := strings.TrimSpace(string(line))
			if s == "" {
				if data.Len() == 0 {
					continue
				}
				var resp jsonRPCResponse
				if json.Unmarshal([]byte(data.String()), &resp) == nil {
					ch <- result{resp: &resp}
					return
				}
				data.Reset()
				continue
			}
			if strings.HasPrefix(s, "data:") {
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(s, "data:")))
			}
		}
		ch <- result{err: fmt.Errorf("sse stream ended without a complete message")}
	}()

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-time.After(DefaultSSEResponseTimeout):
		return nil, fmt.Errorf("timeout reading sse response after %v", DefaultSSEResponseTimeout)
	}
}

func wireName(server, original string) string {
	return "mcp__" + server + "__" + original
}

func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	b, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if json.Unmarshal(b, &m) != nil {
		return nil
	}
	return m
}

func stringifyResult(isError bool, content []mcp.Content) (string, error) {
	if isError {
		for _, c := range content {
			if tc, ok := c.(mcp.TextContent); ok {
				return encodeErrorResult(tc.Text), nil
			}
		}
		return encodeErrorResult("unknown error"), nil
	}
	var texts []string
	for _, c := range content {
		if tc, ok := c.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	return strings.Join(texts, "\n"), nil
}

func stringifyRawContent(isError bool, content []any) (string, error) {
	var texts []string
	for _, raw := range content {
		cm, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if cm["type"] == "text" {
			if t, ok := cm["text"].(string); ok {
				texts = append(texts, t)
			}
		}
	}
	if isError {
		if len(texts) > 0 {
			return encodeErrorResult(texts[0]), nil
		}
		return encodeErrorResult("unknown error"), nil
	}
	return strings.Join(texts, "\n"), nil
}

func encodeErrorResult(msg string) string {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}
