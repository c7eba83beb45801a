package rag

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkText_ShortTextSingleChunk(t *testing.T) {
	chunks := ChunkText("hello world")
	require.Len(t, chunks, 1)
	require.Equal(t, "hello world", chunks[0].Content)
	require.Equal(t, 1, chunks[0].Total)
}

func TestChunkText_Empty(t *testing.T) {
	require.Nil(t, ChunkText(""))
}

func TestChunkText_WindowAndOverlap(t *testing.T) {
	text := strings.Repeat("a", 1200)
	chunks := ChunkText(text)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		require.LessOrEqual(t, len(c.Content), chunkWindow)
	}
	// consecutive chunks overlap by chunkOverlap runes
	require.Equal(t, chunks[0].EndByte-chunks[1].StartByte, chunkOverlap)
}

func TestChunkText_IndexAndTotalConsistent(t *testing.T) {
	text := strings.Repeat("b", 2001)
	chunks := ChunkText(text)
	for i, c := range chunks {
		require.Equal(t, i, c.Index)
		require.Equal(t, len(chunks), c.Total)
	}
}
