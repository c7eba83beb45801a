package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmesh/controlplane/pkg/contextmgr"
	"github.com/agentmesh/controlplane/pkg/events"
)

var editIntentFixture = contextmgr.EditIntent{ID: "target1", Title: "Target Doc", Type: "markdown"}

func TestElementScanner_PlanBlock_EmitsStartStepsAndClose(t *testing.T) {
	sc := newElementScanner(nil)

	evts := sc.Feed("Here is my plan:\n```plan\n- step one\n")
	names := eventNames(evts)
	require.Contains(t, names, events.PlanStart)
	require.Contains(t, names, events.PlanStep)

	evts = sc.Feed("- step two\n```\ndone")
	names = eventNames(evts)
	require.Contains(t, names, events.PlanStep)

	closed := sc.Close()
	require.Len(t, closed, 1)
	require.Equal(t, events.PlanEnd, closed[0].Name)

	// A scanner that never saw a plan block emits nothing on Close.
	fresh := newElementScanner(nil)
	require.Nil(t, fresh.Close())
}

func TestElementScanner_Preview_EmitsOnceThenOnCompletion(t *testing.T) {
	sc := newElementScanner(nil)

	evts := sc.Feed("```jsx\nconst x = 1;\n")
	require.Len(t, evts, 1)
	payload := evts[0].Payload.(map[string]any)
	require.False(t, payload["is_complete"].(bool))

	// Same partial content again produces nothing new.
	evts = sc.Feed("")
	require.Empty(t, evts)

	evts = sc.Feed("const y = 2;\n```")
	require.Len(t, evts, 1)
	payload = evts[0].Payload.(map[string]any)
	require.True(t, payload["is_complete"].(bool))
}

func TestElementScanner_Preview_SkippedWhenArtifactPresent(t *testing.T) {
	sc := newElementScanner(nil)
	evts := sc.Feed(`<artifact id="a1" title="T" type="text">```jsx` + "\nconst z = 1;\n```</artifact>")
	names := eventNames(evts)
	require.NotContains(t, names, events.JSXPreview)
	require.Contains(t, names, events.Artifact)
}

func TestElementScanner_Artifacts_EmitsOnChangeAndRespectsEditTarget(t *testing.T) {
	sc := newElementScanner(nil)

	evts := sc.Feed(`<artifact id="doc1" title="Doc" type="markdown">hello`)
	require.Len(t, evts, 1)
	payload := evts[0].Payload.(map[string]any)
	require.Equal(t, "doc1", payload["id"])
	require.False(t, payload["is_complete"].(bool))

	// Unchanged content re-fed produces no new event.
	evts = sc.Feed("")
	require.Empty(t, evts)

	evts = sc.Feed(` world</artifact>`)
	require.Len(t, evts, 1)
	payload = evts[0].Payload.(map[string]any)
	require.Equal(t, "hello world", payload["content"])
	require.True(t, payload["is_complete"].(bool))

	target := newElementScanner(&editIntentFixture)
	evts = target.Feed(`<artifact id="other" title="Other" type="text">patched</artifact>`)
	require.Len(t, evts, 1)
	payload = evts[0].Payload.(map[string]any)
	require.Equal(t, editIntentFixture.ID, payload["id"])
	require.Equal(t, editIntentFixture.Title, payload["title"])
	require.Equal(t, editIntentFixture.Type, payload["type"])
}

func TestParseArtifactAttrs_ParsesQuotedKeyValuePairs(t *testing.T) {
	attrs := parseArtifactAttrs(`id="a1" title="My Doc" type="markdown"`)
	require.Equal(t, "a1", attrs["id"])
	require.Equal(t, "My Doc", attrs["title"])
	require.Equal(t, "markdown", attrs["type"])
}

func TestParseFileTree_ParsesJSONAndLsStyleLines(t *testing.T) {
	nodes := parseFileTree(`[{"name":"a.go","path":"a.go","type":"file"}]`)
	require.Len(t, nodes, 1)
	require.Equal(t, "a.go", nodes[0]["name"])

	nodes = parseFileTree("- src/\n- src/main.go\n")
	require.Len(t, nodes, 2)
	require.Equal(t, "directory", nodes[0]["type"])
	require.Equal(t, "file", nodes[1]["type"])
}

func TestExtractURLs_FindsUpToSixUniqueURLs(t *testing.T) {
	text := "see https://example.com/a and http://example.com/b, also https://example.com/a again."
	urls := extractURLs(text)
	require.Equal(t, []string{"https://example.com/a", "http://example.com/b"}, urls)
}

func TestToolElementEvents_DispatchesByToolNameShape(t *testing.T) {
	evts := toolElementEvents("run_shell_command", "ok")
	require.Len(t, evts, 1)
	require.Equal(t, events.TerminalOutput, evts[0].Name)

	evts = toolElementEvents("list_files", `[{"name":"x","path":"x","type":"file"}]`)
	require.Len(t, evts, 1)
	require.Equal(t, events.FileTree, evts[0].Name)

	evts = toolElementEvents("web_search", "found https://example.com/result")
	require.Len(t, evts, 1)
	require.Equal(t, events.SourceURL, evts[0].Name)

	require.Nil(t, toolElementEvents("get_weather", "sunny"))
}
