package engine

import (
	"fmt"
	"strings"

	"github.com/agentmesh/controlplane/pkg/contextmgr"
	"github.com/agentmesh/controlplane/pkg/model"
)

// resolvePatches rewrites every complete <artifact_patch id=... title=...
// type=...>...</artifact_patch> block in content into a full <artifact>
// tag carrying the patched result, so the rest of the pipeline (the
// element scanner, persistence) never has to know patches exist.
// Search/replace blocks are applied against the most recent same-id
// artifact found in history, with a whitespace-tolerant fallback when the
// exact text has drifted.
func resolvePatches(content string, history []model.Message) string {
	var out strings.Builder
	pos := 0
	for {
		start := strings.Index(content[pos:], "<artifact_patch")
		if start < 0 {
			out.WriteString(content[pos:])
			return out.String()
		}
		start += pos
		tagEnd := strings.Index(content[start:], ">")
		if tagEnd < 0 {
			out.WriteString(content[pos:])
			return out.String()
		}
		tagEnd += start
		closeRel := strings.Index(content[tagEnd:], "</artifact_patch>")
		if closeRel < 0 {
			out.WriteString(content[pos:])
			return out.String()
		}
		closeIdx := tagEnd + closeRel
		end := closeIdx + len("</artifact_patch>")

		attrs := parseArtifactAttrs(content[start+len("<artifact_patch") : tagEnd])
		patchBody := content[tagEnd+1 : closeIdx]
		replacement := content[start:end]

		id := attrs["id"]
		if id != "" {
			if original, ok := artifactContentFromHistory(history, id); ok {
				title := attrs["title"]
				if title == "" {
					title = "Artifact"
				}
				atype := attrs["type"]
				if atype == "" {
					atype = "text"
				}
				patched := applyPatchBlocks(original, patchBody)
				replacement = fmt.Sprintf("<artifact id=%q title=%q type=%q>\n%s\n</artifact>", id, title, atype, patched)
			}
		}

		out.WriteString(content[pos:start])
		out.WriteString(replacement)
		pos = end
	}
}

func artifactContentFromHistory(history []model.Message, artifactID string) (string, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != model.RoleAssistantMsg || !strings.Contains(history[i].Content, "<artifact") {
			continue
		}
		sc := newElementScanner(nil)
		sc.Feed(history[i].Content)
		if c, ok := sc.artifacts[artifactID]; ok {
			return c, true
		}
	}
	return "", false
}

// applyPatchBlocks applies each <<<SEARCH>>>...<<<REPLACE>>>...<<<END>>>
// block in patchBody against original in order, falling back to a
// whitespace-insensitive line match when the exact search text isn't
// found verbatim.
func applyPatchBlocks(original, patchBody string) string {
	result := original
	for _, blk := range splitPatchBlocks(patchBody) {
		search := strings.Trim(blk.search, "\n")
		replace := strings.Trim(blk.replace, "\n")
		if strings.Contains(result, search) {
			result = strings.Replace(result, search, replace, 1)
			continue
		}
		if patched, ok := fuzzyLineReplace(result, search, replace); ok {
			result = patched
		}
	}
	return result
}

type patchBlock struct{ search, replace string }

// splitPatchBlocks scans patchBody for <<<SEARCH>>>...<<<REPLACE>>>...<<<END>>>
// triples without regexp, the same manual-scan style scanArtifacts uses.
func splitPatchBlocks(patchBody string) []patchBlock {
	var blocks []patchBlock
	pos := 0
	for {
		sIdx := strings.Index(patchBody[pos:], "<<<SEARCH>>>")
		if sIdx < 0 {
			break
		}
		sIdx += pos + len("<<<SEARCH>>>")
		rIdx := strings.Index(patchBody[sIdx:], "<<<REPLACE>>>")
		if rIdx < 0 {
			break
		}
		rIdx += sIdx
		eIdx := strings.Index(patchBody[rIdx:], "<<<END>>>")
		if eIdx < 0 {
			break
		}
		eIdx += rIdx
		blocks = append(blocks, patchBlock{
			search:  patchBody[sIdx:rIdx],
			replace: patchBody[rIdx+len("<<<REPLACE>>>") : eIdx],
		})
		pos = eIdx + len("<<<END>>>")
	}
	return blocks
}

func fuzzyLineReplace(original, search, replace string) (string, bool) {
	origLines := strings.Split(original, "\n")
	searchLines := strings.Split(search, "\n")
	replaceLines := strings.Split(replace, "\n")
	if len(searchLines) == 0 || len(searchLines) > len(origLines) {
		return original, false
	}
	for i := 0; i+len(searchLines) <= len(origLines); i++ {
		match := true
		for j, sl := range searchLines {
			if strings.TrimSpace(origLines[i+j]) != strings.TrimSpace(sl) {
				match = false
				break
			}
		}
		if match {
			merged := make([]string, 0, len(origLines)-len(searchLines)+len(replaceLines))
			merged = append(merged, origLines[:i]...)
			merged = append(merged, replaceLines...)
			merged = append(merged, origLines[i+len(searchLines):]...)
			return strings.Join(merged, "\n"), true
		}
	}
	return original, false
}

// retargetArtifacts rewrites every <artifact> tag's id/title/type
// attributes to the edit target, so the frontend dedupes against the
// artifact being edited even if the model echoed a different id, per
// _enforce_artifact_id.
func retargetArtifacts(content string, target contextmgr.EditIntent) string {
	var b strings.Builder
	pos := 0
	for {
		openIdx := strings.Index(content[pos:], "<artifact ")
		if openIdx < 0 {
			b.WriteString(content[pos:])
			break
		}
		openIdx += pos
		tagEnd := strings.Index(content[openIdx:], ">")
		if tagEnd < 0 {
			b.WriteString(content[pos:])
			break
		}
		tagEnd += openIdx
		closeIdx := strings.Index(content[tagEnd:], "</artifact>")
		if closeIdx < 0 {
			b.WriteString(content[pos:])
			break
		}
		closeIdx += tagEnd
		body := content[tagEnd+1 : closeIdx]

		b.WriteString(content[pos:openIdx])
		fmt.Fprintf(&b, "<artifact id=%q title=%q type=%q>%s</artifact>", target.ID, target.Title, target.Type, body)
		pos = closeIdx + len("</artifact>")
	}
	return b.String()
}
