package toolexec

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmesh/controlplane/pkg/mcp"
	"github.com/agentmesh/controlplane/pkg/model"
	"github.com/agentmesh/controlplane/pkg/tool"
)

type fakeToolLookup struct {
	tools map[string]*model.Tool
}

func (f *fakeToolLookup) FindTool(_ tool.Scope, name string) (*model.Tool, bool, error) {
	t, ok := f.tools[name]
	return t, ok, nil
}

// fakeNoSessionMCP always reports no open MCP session for the scope,
// exercising the "no MCP session open" branch without needing a live
// mcp-go client.
type fakeNoSessionMCP struct{}

func (fakeNoSessionMCP) Session(tool.Scope) *mcp.Session { return nil }

func TestExecute_UnknownTool_ReturnsErrorResultNotGoError(t *testing.T) {
	e := New(&fakeToolLookup{tools: map[string]*model.Tool{}}, nil, 0)
	out, err := e.Execute(tool.Scope{}, "nope", "{}")
	require.NoError(t, err)
	require.Contains(t, out, "unknown tool")
}

func TestExecute_HTTPGet_PassesArgsAsQueryParams(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)

	toolRow := &model.Tool{Name: "lookup", HandlerType: model.HandlerHTTP, Handler: model.ToolHandlerConfig{URL: srv.URL, Method: "GET"}}
	e := New(&fakeToolLookup{tools: map[string]*model.Tool{"lookup": toolRow}}, nil, 0)

	out, err := e.Execute(tool.Scope{}, "lookup", `{"city":"paris"}`)
	require.NoError(t, err)
	require.Equal(t, `{"ok":true}`, out)
	require.Contains(t, gotQuery, "city=paris")
}

func TestExecute_HTTPPost_SendsJSONBody(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"created":true}`))
	}))
	t.Cleanup(srv.Close)

	toolRow := &model.Tool{Name: "create", HandlerType: model.HandlerHTTP, Handler: model.ToolHandlerConfig{URL: srv.URL, Method: "POST"}}
	e := New(&fakeToolLookup{tools: map[string]*model.Tool{"create": toolRow}}, nil, 0)

	out, err := e.Execute(tool.Scope{}, "create", `{"name":"x"}`)
	require.NoError(t, err)
	require.Equal(t, `{"created":true}`, out)
	require.Contains(t, gotBody, `"name":"x"`)
}

func TestExecute_HTTPErrorStatus_ReturnsErrorResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	t.Cleanup(srv.Close)

	toolRow := &model.Tool{Name: "broken", HandlerType: model.HandlerHTTP, Handler: model.ToolHandlerConfig{URL: srv.URL, Method: "GET"}}
	e := New(&fakeToolLookup{tools: map[string]*model.Tool{"broken": toolRow}}, nil, 0)

	out, err := e.Execute(tool.Scope{}, "broken", "{}")
	require.NoError(t, err)
	require.Contains(t, out, "HTTP 500")
	require.Contains(t, out, "boom")
}

func TestExecute_MCPRoutedName_WithNoOpenSession_ReturnsErrorResult(t *testing.T) {
	e := New(&fakeToolLookup{tools: map[string]*model.Tool{}}, fakeNoSessionMCP{}, 0)
	out, err := e.Execute(tool.Scope{}, "mcp__fs__read_file", `{"path":"/tmp/x"}`)
	require.NoError(t, err)
	require.Contains(t, out, "no MCP session")
}

func TestExecute_InvalidArgumentsJSON_ReturnsErrorResult(t *testing.T) {
	toolRow := &model.Tool{Name: "lookup", HandlerType: model.HandlerHTTP, Handler: model.ToolHandlerConfig{URL: "http://example.invalid", Method: "GET"}}
	e := New(&fakeToolLookup{tools: map[string]*model.Tool{"lookup": toolRow}}, nil, 0)

	out, err := e.Execute(tool.Scope{}, "lookup", `not json`)
	require.NoError(t, err)
	require.Contains(t, out, "invalid arguments")
}
