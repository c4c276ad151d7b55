package qa

import (
	"regexp"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemo-ai/mnemo/internal/kb"
)

var citationRe = regexp.MustCompile(`\[\^(\d+)\]`)

func hits(texts ...string) []kb.Hit {
	out := make([]kb.Hit, len(texts))
	for i, text := range texts {
		out[i] = kb.Hit{Passage: kb.Passage{
			ID: string(rune('a' + i)), Text: text, Source: "doc.md",
		}}
	}
	return out
}

func TestAssembleContextNumbersPassages(t *testing.T) {
	block, included := assembleContext(hits("first passage", "second passage"), 8000, 2000)
	assert.Equal(t, 2, included)
	assert.Contains(t, block, "[1] (doc.md) first passage")
	assert.Contains(t, block, "[2] (doc.md) second passage")
}

func TestAssembleContextBudget(t *testing.T) {
	long := strings.Repeat("word ", 50) // ~250 runes per passage
	block, included := assembleContext(hits(long, long, long, long), 600, 2000)
	assert.Less(t, included, 4)
	assert.GreaterOrEqual(t, included, 1)
	assert.LessOrEqual(t, utf8.RuneCountInString(block), 600)
}

func TestAssembleContextAlwaysIncludesFirst(t *testing.T) {
	huge := strings.Repeat("x", 5000)
	_, included := assembleContext(hits(huge), 100, 100000)
	assert.Equal(t, 1, included, "the top passage is included even when over budget")
}

func TestClipMiddleKeepsHeadAndTail(t *testing.T) {
	text := strings.Repeat("A", 500) + strings.Repeat("Z", 500)
	clipped := clipMiddle(text, 100)

	assert.Contains(t, clipped, truncationMarker)
	assert.True(t, strings.HasPrefix(clipped, "A"))
	assert.True(t, strings.HasSuffix(clipped, "Z"))
	assert.Less(t, utf8.RuneCountInString(clipped), 150)
}

func TestClipMiddleShortTextUntouched(t *testing.T) {
	assert.Equal(t, "short", clipMiddle("short", 100))
}

func TestExtractCitationsCountsMarkers(t *testing.T) {
	got := extractCitations("Fact A [^1]. Fact B [^3]. Again [^1].", citationRe, 3)
	assert.Equal(t, map[int]int{1: 2, 3: 1}, got)
}

func TestExtractCitationsIgnoresOutOfRange(t *testing.T) {
	got := extractCitations("Claim [^0] and [^2] and [^9].", citationRe, 1)
	assert.Empty(t, got)
}

func TestIsRefusalPhrase(t *testing.T) {
	phrases := []string{"i don't know", "cannot answer"}
	assert.True(t, isRefusal("I don't know based on the context.", phrases, 0))
	assert.True(t, isRefusal("Sorry, I CANNOT ANSWER that.", phrases, 0))
}

func TestIsRefusalRequiresZeroCitations(t *testing.T) {
	phrases := []string{"i don't know"}
	// phrase plus an actual citation means a partial answer, not a refusal
	assert.False(t, isRefusal("I don't know about X, but Y holds [^1].", phrases, 1))
	// uncited prose without a refusal phrase is not a refusal either
	assert.False(t, isRefusal("The answer is definitely 42.", phrases, 0))
}

func TestIsRefusalNegative(t *testing.T) {
	phrases := []string{"i don't know"}
	require.False(t, isRefusal("It works like this [^1].", phrases, 1))
}
