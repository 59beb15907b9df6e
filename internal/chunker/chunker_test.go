package chunker

import (
	"fmt"
	"strconv"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func numberedWords(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("w%04d", i)
	}
	return strings.Join(words, " ")
}

func wordIndexes(t *testing.T, chunk string) []int {
	t.Helper()
	var idx []int
	for _, f := range strings.Fields(chunk) {
		n, err := strconv.Atoi(strings.TrimPrefix(f, "w"))
		require.NoError(t, err, "unexpected token %q", f)
		idx = append(idx, n)
	}
	return idx
}

func TestSplit_ShortTextIsSingleChunk(t *testing.T) {
	s := New()
	chunks := s.Split("v1", "The sky is blue and the grass is green.")

	require.Len(t, chunks, 1)
	assert.Equal(t, "The sky is blue and the grass is green.", chunks[0].Text)
	assert.Equal(t, "v1", chunks[0].SourceID)
}

func TestSplit_ExactlyChunkSize(t *testing.T) {
	s := New(WithChunkSize(50), WithOverlap(10))
	text := strings.Repeat("x", 50)

	chunks := s.Split("v1", text)
	require.Len(t, chunks, 1)
	assert.Equal(t, text, chunks[0].Text)
}

func TestSplit_EmptyInput(t *testing.T) {
	s := New()
	assert.Empty(t, s.Split("v1", ""))
	assert.Empty(t, s.Split("v1", "   \n\n  \t"))
}

func TestSplit_ChunksRespectMaxSize(t *testing.T) {
	s := New()
	chunks := s.Split("vid", numberedWords(2000))

	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c.Text), DefaultChunkSize, "chunk %d too long", i)
		assert.Equal(t, "vid", c.SourceID)
	}
}

func TestSplit_CoversInputWithOverlap(t *testing.T) {
	const n = 1500
	s := New(WithChunkSize(300), WithOverlap(60))
	chunks := s.Split("vid", numberedWords(n))
	require.Greater(t, len(chunks), 1)

	seen := make(map[int]bool, n)
	prevLast := -1
	for i, c := range chunks {
		idx := wordIndexes(t, c.Text)
		require.NotEmpty(t, idx)
		for j := 1; j < len(idx); j++ {
			require.Equal(t, idx[j-1]+1, idx[j], "chunk %d is not contiguous", i)
		}
		if i > 0 {
			assert.LessOrEqual(t, idx[0], prevLast, "chunk %d should overlap its predecessor", i)
			assert.Greater(t, idx[0], 0)
		}
		for _, k := range idx {
			seen[k] = true
		}
		prevLast = idx[len(idx)-1]
	}
	assert.Len(t, seen, n, "every word must appear in some chunk")
	assert.Equal(t, n-1, prevLast)
}

func TestSplit_OverlapIsBounded(t *testing.T) {
	s := New(WithChunkSize(300), WithOverlap(60))
	texts := s.SplitText(numberedWords(600))

	for i := 1; i < len(texts); i++ {
		prev := wordIndexes(t, texts[i-1])
		cur := wordIndexes(t, texts[i])
		shared := prev[len(prev)-1] - cur[0] + 1
		// each word is five characters plus a separating space
		assert.LessOrEqual(t, shared*6-1, 60, "chunk %d shares too much", i)
	}
}

func TestSplit_PrefersParagraphBoundaries(t *testing.T) {
	para := func(word string) string { return strings.TrimSpace(strings.Repeat(word+" ", 30)) }
	text := para("alpha") + "\n\n" + para("bravo") + "\n\n" + para("delta")

	s := New(WithChunkSize(200), WithOverlap(0))
	texts := s.SplitText(text)

	require.Len(t, texts, 3)
	assert.True(t, strings.HasPrefix(texts[0], "alpha"))
	assert.NotContains(t, texts[0], "bravo")
	assert.True(t, strings.HasPrefix(texts[1], "bravo"))
	assert.True(t, strings.HasPrefix(texts[2], "delta"))
}

func TestSplit_HardCutsUnbrokenText(t *testing.T) {
	s := New(WithChunkSize(100), WithOverlap(20))
	text := strings.Repeat("abcdefghij", 25)

	texts := s.SplitText(text)
	require.Len(t, texts, 3)
	for _, c := range texts {
		assert.LessOrEqual(t, len(c), 100)
	}
	assert.Equal(t, text[:100], texts[0])
	assert.Equal(t, text[80:180], texts[1])
	assert.True(t, strings.HasSuffix(text, texts[2]))
}

func TestSplit_CountsCharactersNotBytes(t *testing.T) {
	s := New(WithChunkSize(10), WithOverlap(0))
	texts := s.SplitText(strings.Repeat("é", 25))

	require.Len(t, texts, 3)
	assert.Equal(t, 10, utf8.RuneCountInString(texts[0]))
	assert.Equal(t, 5, utf8.RuneCountInString(texts[2]))
}

func TestNew_ClampsOverlap(t *testing.T) {
	s := New(WithChunkSize(100), WithOverlap(100))
	assert.Equal(t, 25, s.Overlap())

	s = New(WithChunkSize(-1), WithOverlap(-5))
	assert.Equal(t, DefaultChunkSize, s.ChunkSize())
	assert.Equal(t, DefaultChunkOverlap, s.Overlap())
}
