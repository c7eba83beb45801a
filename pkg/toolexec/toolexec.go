// Package toolexec implements the Tool Executor: a single
// Execute(tool_name, arguments_json, session_scope) entry point that
// dispatches to a python subprocess, an HTTP call, or — via the mcp__
// prefix — the MCP Connector. The http handler sends through
// pkg/httpclient with retries turned off (the provider adapters use
// net/http directly); the python handler shells out to the system python3
// binary, the one handler in this package built on an external process
// rather than a library (justified in DESIGN.md).
package toolexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"github.com/agentmesh/controlplane/pkg/httpclient"
	"github.com/agentmesh/controlplane/pkg/mcp"
	"github.com/agentmesh/controlplane/pkg/model"
	"github.com/agentmesh/controlplane/pkg/tool"
)

// ToolLookup resolves a tool's stored definition by owner-scoped name.
// Implemented by pkg/store in the running process.
type ToolLookup interface {
	FindTool(scope tool.Scope, name string) (*model.Tool, bool, error)
}

// MCPSessionProvider returns the MCP Connector session open for the
// current tool loop, so mcp__ routed calls reuse the same connections
// for the whole tool loop.
type MCPSessionProvider interface {
	Session(scope tool.Scope) *mcp.Session
}

// Executor implements tool.Handler.
type Executor struct {
	Tools       ToolLookup
	MCP         MCPSessionProvider
	HTTPTimeout time.Duration
	PythonBin   string
}

// New builds an Executor, defaulting the HTTP timeout to 30s and the
// python interpreter to "python3".
func New(tools ToolLookup, mcpProvider MCPSessionProvider, httpTimeout time.Duration) *Executor {
	if httpTimeout == 0 {
		httpTimeout = 30 * time.Second
	}
	return &Executor{Tools: tools, MCP: mcpProvider, HTTPTimeout: httpTimeout, PythonBin: "python3"}
}

// Execute implements tool.Handler.
func (e *Executor) Execute(scope tool.Scope, toolName string, argumentsJSON string) (string, error) {
	if server, original, ok := tool.IsMCPRoute(toolName); ok {
		return e.executeMCP(scope, server, original, argumentsJSON)
	}

	t, found, err := e.Tools.FindTool(scope, toolName)
	if err != nil {
		return "", fmt.Errorf("lookup tool %q: %w", toolName, err)
	}
	if !found {
		return errorResult(fmt.Sprintf("unknown tool %q", toolName)), nil
	}

	var args map[string]any
	if argumentsJSON != "" {
		if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
			return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
	}

	switch tool.HandlerFor(t) {
	case model.HandlerPython:
		return e.executePython(t, args)
	default:
		return e.executeHTTP(t, args)
	}
}

func (e *Executor) executeMCP(scope tool.Scope, server, original, argumentsJSON string) (string, error) {
	session := e.MCP.Session(scope)
	if session == nil {
		return errorResult("no MCP session open for this request"), nil
	}
	var args map[string]any
	if argumentsJSON != "" {
		_ = json.Unmarshal([]byte(argumentsJSON), &args)
	}
	result, err := session.Call(context.Background(), server, original, args)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return result, nil
}

// executePython runs the tool's stored code in an isolated interpreter
// process. The code must define a top-level `handler(params)` function;
// the wrapper script exec()s it, calls it with the decoded arguments, and
// prints the JSON-encoded return value as the sole line of stdout.
func (e *Executor) executePython(t *model.Tool, args map[string]any) (string, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	script := buildPythonWrapper(t.Handler.Code, string(argsJSON))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.binary(), "-c", script)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return errorResult(msg), nil
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return errorResult("handler produced no output"), nil
	}
	return out, nil
}

func (e *Executor) binary() string {
	if e.PythonBin != "" {
		return e.PythonBin
	}
	return "python3"
}

// buildPythonWrapper embeds the user code and argument JSON in a small
// driver script that calls handler(params) in its own namespace and
// prints the JSON-encoded result, converting exceptions into the
// {"error": "..."} result shape every handler in this package returns.
func buildPythonWrapper(userCode, argsJSON string) string {
	var b strings.Builder
	b.WriteString("import json, sys\n")
	b.WriteString("_ns = {}\n")
	b.WriteString("_user_code = ")
	encoded, _ := json.Marshal(userCode)
	b.Write(encoded)
	b.WriteString("\n")
	b.WriteString("_args_json = ")
	encodedArgs, _ := json.Marshal(argsJSON)
	b.Write(encodedArgs)
	b.WriteString("\n")
	b.WriteString(`
try:
    exec(_user_code, _ns)
    params = json.loads(_args_json) if _args_json else {}
    result = _ns["handler"](params)
    print(json.dumps(result))
except Exception as exc:
    print(json.dumps({"error": str(exc)}))
`)
	return b.String()
}

// executeHTTP calls an external HTTP endpoint: GET requests pass
// arguments as query parameters, every other method sends a JSON body.
func (e *Executor) executeHTTP(t *model.Tool, args map[string]any) (string, error) {
	method := strings.ToUpper(t.Handler.Method)
	if method == "" {
		method = http.MethodGet
	}

	reqURL := t.Handler.URL
	var body io.Reader
	if method == http.MethodGet {
		u, err := url.Parse(reqURL)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		q := u.Query()
		for k, v := range args {
			q.Set(k, fmt.Sprintf("%v", v))
		}
		u.RawQuery = q.Encode()
		reqURL = u.String()
	} else {
		b, err := json.Marshal(args)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		body = bytes.NewReader(b)
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.HTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range t.Handler.Headers {
		req.Header.Set(k, v)
	}

	client := httpclient.New(httpclient.WithHTTPClient(&http.Client{Timeout: e.HTTPTimeout}), httpclient.WithMaxRetries(0))
	resp, err := client.Do(req)
	if err != nil && resp == nil {
		return errorResult(err.Error()), nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errorResult(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))), nil
	}
	return string(respBody), nil
}

func errorResult(msg string) string {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}

var _ tool.Handler = (*Executor)(nil)
