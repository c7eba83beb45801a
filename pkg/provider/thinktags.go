package provider

import "strings"

// thinkTagSplitter extracts inline <think>...</think> reasoning spans from a
// raw text stream, buffering partial tags that cross chunk boundaries. A
// small stateful struct handles incremental, chunk-at-a-time parsing more
// directly than a regex re-applied to the whole buffer on every chunk.
type thinkTagSplitter struct {
	inThink bool
	pending string // a suffix of content so far that might be the start of a tag
}

const (
	openTag  = "<think>"
	closeTag = "</think>"
)

// feed consumes a new raw chunk of text and returns the content and
// reasoning text that can now be confidently emitted. Any suffix that might
// still be part of an opening/closing tag is held in s.pending.
func (s *thinkTagSplitter) feed(raw string) (content string, reasoning string) {
	buf := s.pending + raw
	s.pending = ""

	for {
		if !s.inThink {
			idx := strings.Index(buf, openTag)
			if idx == -1 {
				// No full open tag yet. Could a suffix be a partial open tag?
				if cut := partialTagSuffix(buf, openTag); cut >= 0 {
					content += buf[:cut]
					s.pending = buf[cut:]
					return content, reasoning
				}
				content += buf
				return content, reasoning
			}
			content += buf[:idx]
			buf = buf[idx+len(openTag):]
			s.inThink = true
			continue
		}

		idx := strings.Index(buf, closeTag)
		if idx == -1 {
			if cut := partialTagSuffix(buf, closeTag); cut >= 0 {
				reasoning += buf[:cut]
				s.pending = buf[cut:]
				return content, reasoning
			}
			reasoning += buf
			return content, reasoning
		}
		reasoning += buf[:idx]
		buf = buf[idx+len(closeTag):]
		s.inThink = false
	}
}

// partialTagSuffix finds the longest proper prefix of tag that is a suffix
// of buf and returns the index in buf where that suffix starts, or -1 if
// buf's tail cannot extend into tag.
func partialTagSuffix(buf, tag string) int {
	maxLen := len(tag) - 1
	if maxLen > len(buf) {
		maxLen = len(buf)
	}
	for n := maxLen; n > 0; n-- {
		if strings.HasSuffix(buf, tag[:n]) {
			return len(buf) - n
		}
	}
	return -1
}
