// Package chunking splits document text into overlapping passages sized
// for embedding. Paragraph boundaries are preferred, then sentence
// boundaries, then a hard split as a last resort.
package chunking

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mnemo-ai/mnemo/internal/kb"
)

// minParagraph is the merge threshold: paragraphs shorter than this are
// glued to their neighbor so tiny fragments never become chunks.
const minParagraph = 100

// Chunker holds the split parameters. Sizes are in runes.
type Chunker struct {
	size      int
	overlap   int
	prefixMax int
}

// New creates a chunker. Invalid parameters fall back to 512/50/100.
func New(size, overlap, prefixMax int) *Chunker {
	if size <= 0 {
		size = 512
	}
	if overlap < 0 || overlap >= size {
		overlap = 50
	}
	if prefixMax <= 0 {
		prefixMax = 100
	}
	return &Chunker{size: size, overlap: overlap, prefixMax: prefixMax}
}

// Split breaks text into chunks of at most size runes. Every chunk after
// the first starts with the last overlap runes of its predecessor, so no
// boundary sentence is stranded without context.
func (c *Chunker) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= c.size {
		return []string{text}
	}

	blocks := mergeSmall(paragraphs(text), c.size)

	var raw []string
	for _, block := range blocks {
		if utf8.RuneCountInString(block) <= c.size {
			raw = append(raw, block)
			continue
		}
		raw = append(raw, c.splitBySentence(block)...)
	}

	// carry the overlap tail forward
	out := make([]string, 0, len(raw))
	for i, chunk := range raw {
		if i > 0 && c.overlap > 0 {
			tail := runeTail(raw[i-1], c.overlap)
			chunk = tail + " " + chunk
		}
		out = append(out, chunk)
	}
	return out
}

// Passages splits entry text and wraps each chunk as a passage inheriting
// the entry's ownership and visibility. contextPrefix is stored for
// embedding only and never rendered to users.
func (c *Chunker) Passages(entry kb.KnowledgeEntry, text, source, contextPrefix string) []kb.Passage {
	chunks := c.Split(text)
	now := time.Now().UTC()

	if r := []rune(contextPrefix); len(r) > c.prefixMax {
		contextPrefix = string(r[:c.prefixMax])
	}

	out := make([]kb.Passage, 0, len(chunks))
	for _, chunk := range chunks {
		sum := sha256.Sum256([]byte(chunk))
		out = append(out, kb.Passage{
			ID:            uuid.New().String(),
			Text:          chunk,
			ContextPrefix: contextPrefix,
			Source:        source,
			EntryID:       entry.ID,
			OwnerID:       entry.OwnerID,
			Visibility:    entry.Visibility,
			GroupIDs:      entry.GroupIDs,
			CreatedAt:     now,
			ContentHash:   hex.EncodeToString(sum[:]),
		})
	}
	return out
}

func paragraphs(text string) []string {
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// mergeSmall glues short paragraphs to the preceding one while the result
// still fits in maxSize.
func mergeSmall(paras []string, maxSize int) []string {
	var out []string
	for _, p := range paras {
		if len(out) > 0 {
			prev := out[len(out)-1]
			if (utf8.RuneCountInString(prev) < minParagraph || utf8.RuneCountInString(p) < minParagraph) &&
				utf8.RuneCountInString(prev)+utf8.RuneCountInString(p)+1 <= maxSize {
				out[len(out)-1] = prev + "\n" + p
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

func (c *Chunker) splitBySentence(block string) []string {
	sentences := splitSentences(block)

	var out []string
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if curLen > 0 {
			out = append(out, strings.TrimSpace(cur.String()))
			cur.Reset()
			curLen = 0
		}
	}

	for _, s := range sentences {
		sLen := utf8.RuneCountInString(s)
		if sLen > c.size {
			flush()
			out = append(out, hardSplit(s, c.size)...)
			continue
		}
		if curLen+sLen+1 > c.size {
			flush()
		}
		if curLen > 0 {
			cur.WriteByte(' ')
			curLen++
		}
		cur.WriteString(s)
		curLen += sLen
	}
	flush()
	return out
}

// splitSentences cuts on sentence-final punctuation (Latin and CJK).
func splitSentences(text string) []string {
	var out []string
	var cur strings.Builder
	for _, r := range text {
		cur.WriteRune(r)
		switch r {
		case '.', '!', '?', '。', '！', '？':
			s := strings.TrimSpace(cur.String())
			if s != "" {
				out = append(out, s)
			}
			cur.Reset()
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}

func hardSplit(s string, size int) []string {
	runes := []rune(s)
	var out []string
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, strings.TrimSpace(string(runes[start:end])))
	}
	return out
}

func runeTail(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
