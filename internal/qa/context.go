package qa

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/mnemo-ai/mnemo/internal/kb"
)

const truncationMarker = "… [truncated] …"

// assembleContext renders the retrieved passages as a numbered context
// block. Each passage is clipped to maxSingle runes (keeping head and tail,
// dropping the middle); assembly stops once the total budget is spent.
// Returns the block and how many passages made it in.
func assembleContext(hits []kb.Hit, maxTotal, maxSingle int) (string, int) {
	var b strings.Builder
	total := 0
	included := 0

	for i, hit := range hits {
		text := clipMiddle(hit.Passage.Text, maxSingle)
		block := fmt.Sprintf("[%d] (%s) %s", i+1, hit.Passage.Source, text)
		blockLen := utf8.RuneCountInString(block) + 1
		if included > 0 && total+blockLen > maxTotal {
			break
		}
		if included > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(block)
		total += blockLen
		included++
	}
	return b.String(), included
}

// clipMiddle keeps the head and tail of an oversized text and drops the
// middle, since passage openings and conclusions carry the most signal.
func clipMiddle(text string, max int) string {
	runes := []rune(text)
	if max <= 0 || len(runes) <= max {
		return text
	}
	keep := max * 48 / 100
	head := strings.TrimSpace(string(runes[:keep]))
	tail := strings.TrimSpace(string(runes[len(runes)-keep:]))
	return head + "\n" + truncationMarker + "\n" + tail
}

// extractCitations counts citation markers in the answer per passage
// number. Numbers outside 1..included are ignored.
func extractCitations(answer string, pattern *regexp.Regexp, included int) map[int]int {
	out := make(map[int]int)
	for _, m := range pattern.FindAllStringSubmatch(answer, -1) {
		if len(m) < 2 {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > included {
			continue
		}
		out[n]++
	}
	return out
}

// isRefusal reports whether the answer declines to answer: a known refusal
// phrase appears and nothing was cited.
func isRefusal(answer string, phrases []string, citations int) bool {
	if citations > 0 {
		return false
	}
	lower := strings.ToLower(answer)
	for _, phrase := range phrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
