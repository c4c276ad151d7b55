package chunking

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemo-ai/mnemo/internal/kb"
)

func TestSplitShortTextSingleChunk(t *testing.T) {
	c := New(512, 50, 100)
	chunks := c.Split("A short paragraph.")
	require.Len(t, chunks, 1)
	assert.Equal(t, "A short paragraph.", chunks[0])
}

func TestSplitEmpty(t *testing.T) {
	c := New(512, 50, 100)
	assert.Nil(t, c.Split("   \n\n  "))
}

func TestSplitRespectsSizeWithOverlap(t *testing.T) {
	c := New(100, 20, 100)
	sentence := "This sentence is about forty characters. "
	text := strings.Repeat(sentence, 20)

	chunks := c.Split(text)
	require.Greater(t, len(chunks), 1)
	for i, chunk := range chunks {
		limit := 100
		if i > 0 {
			limit += 21 // overlap tail plus joining space
		}
		assert.LessOrEqual(t, utf8.RuneCountInString(chunk), limit, "chunk %d", i)
	}
}

func TestSplitCarriesOverlap(t *testing.T) {
	c := New(100, 20, 100)
	text := strings.Repeat("Forty characters of sentence text here!! ", 10)

	chunks := c.Split(text)
	require.Greater(t, len(chunks), 1)
	for i := 1; i < len(chunks); i++ {
		tail := runeTail(strings.SplitN(chunks[i], " ", 2)[0], 20)
		assert.True(t, strings.Contains(chunks[i-1], tail),
			"chunk %d should begin with the tail of chunk %d", i, i-1)
	}
}

func TestSplitMergesSmallParagraphs(t *testing.T) {
	c := New(512, 50, 100)
	text := "Tiny one.\n\nTiny two.\n\nTiny three."

	chunks := c.Split(text)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0], "Tiny one.")
	assert.Contains(t, chunks[0], "Tiny three.")
}

func TestSplitHardSplitsUnbrokenText(t *testing.T) {
	c := New(50, 10, 100)
	text := strings.Repeat("x", 200) // no sentence boundaries at all

	chunks := c.Split(text)
	require.Greater(t, len(chunks), 1)
	for i, chunk := range chunks {
		limit := 50
		if i > 0 {
			limit += 11
		}
		assert.LessOrEqual(t, utf8.RuneCountInString(chunk), limit)
	}
}

func TestSplitCJKSentences(t *testing.T) {
	c := New(30, 5, 100)
	text := strings.Repeat("这是一个完整的句子。", 10)

	chunks := c.Split(text)
	require.Greater(t, len(chunks), 1)
	// sentence punctuation is kept with its sentence
	assert.True(t, strings.HasSuffix(chunks[0], "。"))
}

func TestSplitRoundTripPreservesContent(t *testing.T) {
	c := New(80, 0, 100) // no overlap so content maps 1:1
	text := "First sentence here. Second sentence follows. Third one too. " +
		"Fourth sentence now. Fifth sentence ends it."

	chunks := c.Split(text)
	joined := strings.Join(chunks, " ")
	for _, want := range []string{"First sentence", "Third one too", "ends it"} {
		assert.Contains(t, joined, want)
	}
}

func TestPassagesInheritEntryMetadata(t *testing.T) {
	c := New(512, 50, 100)
	entry := kb.KnowledgeEntry{
		ID: "e1", OwnerID: "alice", Visibility: kb.VisibilityPrivate,
		GroupIDs: []string{"g1"},
	}

	passages := c.Passages(entry, "Some content to store.", "notes.md", "doc: personal notes")
	require.Len(t, passages, 1)

	p := passages[0]
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "e1", p.EntryID)
	assert.Equal(t, "alice", p.OwnerID)
	assert.Equal(t, kb.VisibilityPrivate, p.Visibility)
	assert.Equal(t, []string{"g1"}, p.GroupIDs)
	assert.Equal(t, "notes.md", p.Source)
	assert.NotEmpty(t, p.ContentHash)

	// prefix is embed-only: in EmbedText, not in Text
	assert.Equal(t, "Some content to store.", p.Text)
	assert.Equal(t, "doc: personal notes\nSome content to store.", p.EmbedText())
}

func TestPassagesUniqueIDs(t *testing.T) {
	c := New(60, 10, 100)
	entry := kb.KnowledgeEntry{ID: "e1", Visibility: kb.VisibilityPublic}
	text := strings.Repeat("A sentence that fills space nicely. ", 10)

	passages := c.Passages(entry, text, "a.md", "")
	require.Greater(t, len(passages), 1)

	seen := map[string]struct{}{}
	for _, p := range passages {
		_, dup := seen[p.ID]
		assert.False(t, dup)
		seen[p.ID] = struct{}{}
	}
}
