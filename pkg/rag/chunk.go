package rag

// chunkWindow and chunkOverlap: a document is chunked in 500-char windows
// with 50 chars of overlap between consecutive chunks.
const (
	chunkWindow  = 500
	chunkOverlap = 50
)

// Chunk is one piece of a chunked document, as produced by the
// fixed-size char-window chunker below.
type Chunk struct {
	Content   string
	Index     int
	Total     int
	StartByte int
	EndByte   int
}

// ChunkText splits text into overlapping fixed-size windows. Empty text
// yields zero chunks.
func ChunkText(text string) []Chunk {
	if text == "" {
		return nil
	}

	runes := []rune(text)
	n := len(runes)
	if n <= chunkWindow {
		return []Chunk{{Content: text, Index: 0, Total: 1, StartByte: 0, EndByte: n}}
	}

	var chunks []Chunk
	stride := chunkWindow - chunkOverlap
	for start := 0; start < n; start += stride {
		end := start + chunkWindow
		if end > n {
			end = n
		}
		chunks = append(chunks, Chunk{
			Content:   string(runes[start:end]),
			StartByte: start,
			EndByte:   end,
		})
		if end == n {
			break
		}
	}
	for i := range chunks {
		chunks[i].Index = i
		chunks[i].Total = len(chunks)
	}
	return chunks
}
