package engine

// The inline-element scanner in this file turns raw streamed content
// into plan/preview/artifact/tool-result events. Each call rescans the
// accumulated content with plain string searches (no regexes) and keeps
// what it last emitted (plan started, preview content, per-artifact
// content) across calls, so only changes produce new events.

import (
	"encoding/json"
	"strings"

	"github.com/agentmesh/controlplane/pkg/contextmgr"
	"github.com/agentmesh/controlplane/pkg/events"
)

// elementScanner holds the state needed to turn an incrementally-growing
// content buffer into inline-element events without re-deriving
// everything from scratch on every chunk.
type elementScanner struct {
	full strings.Builder

	planOpen    bool
	planStarted bool

	editTarget  *contextmgr.EditIntent
	artifacts   map[string]string // artifact id -> last-emitted content, for diffing
	previewSeen string
	previewDone bool
}

func newElementScanner(editTarget *contextmgr.EditIntent) *elementScanner {
	return &elementScanner{editTarget: editTarget, artifacts: make(map[string]string)}
}

// Feed appends a content delta to the rolling buffer and returns the
// inline-element events it produces. Plan steps are read from the new
// delta only; previews and artifacts are re-derived from the whole buffer
// and emitted only when they differ from what was last emitted.
func (sc *elementScanner) Feed(delta string) []events.Event {
	prevLen := sc.full.Len()
	sc.full.WriteString(delta)
	full := sc.full.String()
	prev := full[:prevLen]

	var out []events.Event
	out = append(out, sc.scanPlan(full, prev)...)
	hasArtifact := strings.Contains(full, "<artifact ") || strings.Contains(full, "<artifact\t") || strings.Contains(full, "<artifact>")
	if !hasArtifact {
		out = append(out, sc.scanPreview(full)...)
	}
	out = append(out, sc.scanArtifacts(full)...)
	return out
}

// Close emits plan_end if a plan block was ever opened, closing any
// still-open plan block on the no-more-tool-calls exit path.
func (sc *elementScanner) Close() []events.Event {
	if sc.planStarted {
		sc.planStarted = false
		return []events.Event{{Name: events.PlanEnd, Payload: map[string]string{}}}
	}
	return nil
}

func (sc *elementScanner) scanPlan(full, prev string) []events.Event {
	var out []events.Event
	if strings.Contains(full, "```plan") && !strings.Contains(prev, "```plan") {
		sc.planStarted = true
		out = append(out, events.Event{Name: events.PlanStart, Payload: map[string]string{"title": "Execution Plan"}})
	}
	if strings.Contains(full, "```plan") {
		newChunk := full[len(prev):]
		for _, line := range strings.Split(newChunk, "\n") {
			stripped := strings.TrimSpace(line)
			if strings.HasPrefix(stripped, "- ") || strings.HasPrefix(stripped, "* ") {
				out = append(out, events.Event{Name: events.PlanStep, Payload: map[string]string{"step": strings.TrimSpace(stripped[2:])}})
			}
		}
	}
	return out
}

// previewFences are the fenced-code openers the preview block
// recognizes, in priority order (html first, so a full HTML document
// gets html highlighting even if it also matches jsx/tsx).
var previewFences = []string{"```html", "```jsx", "```tsx"}

func extractPreviewBlock(full string) (content string, complete bool, ok bool) {
	for _, fence := range previewFences {
		idx := strings.Index(full, fence)
		if idx < 0 {
			continue
		}
		start := idx + len(fence)
		if nl := strings.Index(full[start:], "\n"); nl >= 0 {
			start += nl + 1
		}
		rest := full[start:]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end]), true, true
		}
		return strings.TrimSpace(rest), false, true
	}

	stripped := strings.TrimSpace(full)
	lower := strings.ToLower(stripped)
	if strings.HasPrefix(lower, "<!doctype") || strings.HasPrefix(lower, "<html") {
		if end := strings.LastIndex(lower, "</html>"); end >= 0 {
			return stripped[:end+len("</html>")], true, true
		}
		if len(stripped) > 100 {
			return stripped, false, true
		}
	}
	return "", false, false
}

func (sc *elementScanner) scanPreview(full string) []events.Event {
	content, complete, ok := extractPreviewBlock(full)
	if !ok {
		return nil
	}
	if content == sc.previewSeen && !(complete && !sc.previewDone) {
		return nil
	}
	sc.previewSeen = content
	sc.previewDone = complete
	return []events.Event{{Name: events.JSXPreview, Payload: map[string]any{"jsx": content, "is_complete": complete}}}
}

// scanArtifacts finds every <artifact id="..." title="..." type="...">...
// block (complete or still-streaming) and emits one event per artifact
// whose content has changed since it was last emitted, per
// _scan_artifacts. edit-intent targets (when set) override the emitted
// id/title/type so the frontend always targets the artifact being
// edited, even if the model echoed a different id.
func (sc *elementScanner) scanArtifacts(full string) []events.Event {
	var out []events.Event
	seen := make(map[string]bool)

	pos := 0
	for {
		openIdx := strings.Index(full[pos:], "<artifact ")
		if openIdx < 0 {
			break
		}
		openIdx += pos
		tagEnd := strings.Index(full[openIdx:], ">")
		if tagEnd < 0 {
			break
		}
		tagEnd += openIdx
		attrs := parseArtifactAttrs(full[openIdx+len("<artifact ") : tagEnd])
		id := attrs["id"]
		if id == "" {
			pos = tagEnd + 1
			continue
		}
		seen[id] = true

		closeIdx := strings.Index(full[tagEnd:], "</artifact>")
		var content string
		complete := closeIdx >= 0
		if complete {
			content = strings.TrimSpace(full[tagEnd+1 : tagEnd+closeIdx])
		} else {
			content = strings.TrimSpace(full[tagEnd+1:])
		}

		if sc.artifacts[id] != content {
			sc.artifacts[id] = content
			eid, etitle, etype := id, attrs["title"], attrs["type"]
			if etitle == "" {
				etitle = "Artifact"
			}
			if etype == "" {
				etype = "text"
			}
			if sc.editTarget != nil {
				eid, etitle, etype = sc.editTarget.ID, sc.editTarget.Title, sc.editTarget.Type
			}
			out = append(out, events.Event{Name: events.Artifact, Payload: map[string]any{
				"id": eid, "title": etitle, "type": etype, "content": content, "is_complete": complete,
			}})
		}

		if complete {
			pos = tagEnd + closeIdx + len("</artifact>")
		} else {
			break
		}
	}
	return out
}

func parseArtifactAttrs(raw string) map[string]string {
	attrs := make(map[string]string)
	i := 0
	for i < len(raw) {
		for i < len(raw) && (raw[i] == ' ' || raw[i] == '\t' || raw[i] == '\n') {
			i++
		}
		nameStart := i
		for i < len(raw) && raw[i] != '=' && raw[i] != ' ' {
			i++
		}
		name := raw[nameStart:i]
		if i >= len(raw) || raw[i] != '=' {
			break
		}
		i++ // skip '='
		if i >= len(raw) || raw[i] != '"' {
			break
		}
		i++ // skip opening quote
		valStart := i
		for i < len(raw) && raw[i] != '"' {
			i++
		}
		if name != "" {
			attrs[name] = raw[valStart:i]
		}
		if i < len(raw) {
			i++ // skip closing quote
		}
	}
	return attrs
}

// parseFileTree converts a file-listing tool result — either a JSON array
// or ls/tree-style lines — into the FileNode list the file_tree event
// carries, per _parse_file_tree.
func parseFileTree(text string) []map[string]any {
	var nodes []map[string]any
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "[") {
		var parsed []map[string]any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			return parsed
		}
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-\\/ ")
		if line == "" {
			continue
		}
		parts := strings.Split(line, "/")
		name := parts[len(parts)-1]
		if name == "" {
			name = line
		}
		isDir := strings.HasSuffix(line, "/") || (len(line) > 0 && (line[0] == 'd' || line[0] == 'D'))
		kind := "file"
		if isDir {
			kind = "directory"
		}
		nodes = append(nodes, map[string]any{"name": name, "path": line, "type": kind, "children": nil})
	}
	return nodes
}

// extractURLs pulls up to 6 unique http(s) URLs out of free text, per
// _extract_urls.
func extractURLs(text string) []string {
	var found []string
	seen := make(map[string]bool)
	i := 0
	for i < len(text) && len(found) < 6 {
		start := strings.Index(text[i:], "http")
		if start < 0 {
			break
		}
		start += i
		if !strings.HasPrefix(text[start:], "http://") && !strings.HasPrefix(text[start:], "https://") {
			i = start + 4
			continue
		}
		end := start
		for end < len(text) && !strings.ContainsRune(" \t\n<>\"{}|\\^`[]", rune(text[end])) {
			end++
		}
		url := strings.TrimRight(text[start:end], ".,;:!?)")
		if url != "" && !seen[url] {
			seen[url] = true
			found = append(found, url)
		}
		i = end
	}
	return found
}

// toolElementEvents derives the element-inference events for a normal
// tool-call result: terminal output, a parsed file tree, or up to 6
// extracted source URLs, keyed off the tool name's shape.
func toolElementEvents(toolName, result string) []events.Event {
	switch {
	case isTerminalTool(toolName):
		return []events.Event{{Name: events.TerminalOutput, Payload: map[string]any{"content": result, "is_complete": true}}}
	case isFileTool(toolName):
		return []events.Event{{Name: events.FileTree, Payload: map[string]any{"tree": parseFileTree(result)}}}
	case isSearchTool(toolName):
		var out []events.Event
		for _, u := range extractURLs(result) {
			out = append(out, events.Event{Name: events.SourceURL, Payload: map[string]string{"url": u}})
		}
		return out
	default:
		return nil
	}
}

func isTerminalTool(name string) bool {
	return containsAny(strings.ToLower(name), "shell", "terminal", "exec", "command", "bash")
}

func isFileTool(name string) bool {
	return containsAny(strings.ToLower(name), "list_files", "ls", "file_tree", "directory")
}

func isSearchTool(name string) bool {
	return containsAny(strings.ToLower(name), "search", "browse", "fetch_url", "web")
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

