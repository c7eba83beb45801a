// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tool defines the Tool Executor's handler contract: a tool_name,
// a JSON-encoded argument blob, and a session scope go in; a result string
// comes out. Concrete handlers (python, http, mcp) live in pkg/toolexec and
// pkg/mcp; this package only carries the shared vocabulary every caller in
// the tool loop (pkg/engine) needs, mirroring the base Tool interface
// pkg/tool/tool.go exposed but trimmed to this module's single execution
// pattern — no A2A streaming/long-running/iter.Seq2 machinery, since the
// control plane dispatches every tool call the same way.
package tool

import "github.com/agentmesh/controlplane/pkg/model"

// Scope identifies the session (and therefore the set of dynamically
// registered tools and MCP connections) a tool call executes under.
type Scope struct {
	SessionID string
	AgentID   string
	UserID    string
}

// Definition is the LLM-facing shape of a tool: name, description, and a
// JSON schema for its arguments. Built from model.Tool plus, for MCP tools,
// the server's own advertised schema.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Handler executes one kind of tool (python, http, or an MCP-routed call).
// Execute receives arguments already JSON-encoded (as the LLM produced
// them) and returns the result already stringified — the Stream Engine
// never inspects the payload shape, it only forwards the string into the
// conversation as a tool-role message.
type Handler interface {
	Execute(scope Scope, toolName string, argumentsJSON string) (string, error)
}

// HandlerFor reports which handler type a tool definition dispatches to.
func HandlerFor(t *model.Tool) model.ToolHandlerType {
	if t.HandlerType != "" {
		return t.HandlerType
	}
	return model.HandlerHTTP
}

const mcpPrefix = "mcp__"

// IsMCPRoute reports whether a tool name is namespaced to an MCP server,
// and returns the server name and the tool's original (unprefixed) name.
func IsMCPRoute(toolName string) (server, original string, ok bool) {
	if len(toolName) <= len(mcpPrefix) || toolName[:len(mcpPrefix)] != mcpPrefix {
		return "", "", false
	}
	rest := toolName[len(mcpPrefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '_' && i+1 < len(rest) && rest[i+1] == '_' {
			return rest[:i], rest[i+2:], true
		}
	}
	return "", "", false
}

// MCPRouteName builds the mcp__<server>__<original> wire name used for
// every tool an MCP server advertises.
func MCPRouteName(server, original string) string {
	return mcpPrefix + server + "__" + original
}
