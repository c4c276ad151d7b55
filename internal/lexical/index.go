// Package lexical is the in-process BM25 index over passage text. It is
// rebuilt from the vector store payloads at startup and kept in sync by the
// ingestion pipeline.
package lexical

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/mnemo-ai/mnemo/internal/kb"
	"github.com/mnemo-ai/mnemo/internal/metrics"
)

const (
	k1 = 1.2
	b  = 0.75

	// defaultOverfetch bounds how many ranked candidates are pulled before
	// access filtering; filtering after ranking keeps scores unaffected by
	// the caller's visibility.
	defaultOverfetch = 4096
)

type document struct {
	passage kb.Passage
	tf      map[string]int
	length  int
}

// Index is a thread-safe BM25 index.
type Index struct {
	mu        sync.RWMutex
	docs      map[string]*document
	postings  map[string]map[string]struct{} // term -> passage ids
	totalLen  int
	overfetch int
}

// New creates an empty index. overfetch <= 0 selects the default pool size.
func New(overfetch int) *Index {
	if overfetch <= 0 {
		overfetch = defaultOverfetch
	}
	return &Index{
		docs:      make(map[string]*document),
		postings:  make(map[string]map[string]struct{}),
		overfetch: overfetch,
	}
}

// Add indexes a passage, replacing any previous version with the same id.
func (ix *Index) Add(p kb.Passage) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(p.ID)

	tokens := Tokenize(p.Text)
	doc := &document{passage: p, tf: make(map[string]int, len(tokens)), length: len(tokens)}
	for _, tok := range tokens {
		doc.tf[tok]++
	}
	ix.docs[p.ID] = doc
	ix.totalLen += doc.length
	for term := range doc.tf {
		set, ok := ix.postings[term]
		if !ok {
			set = make(map[string]struct{})
			ix.postings[term] = set
		}
		set[p.ID] = struct{}{}
	}
}

// Delete removes passages by id. Unknown ids are ignored.
func (ix *Index) Delete(ids ...string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, id := range ids {
		ix.removeLocked(id)
	}
}

// DeleteByEntry removes every passage of a knowledge entry.
func (ix *Index) DeleteByEntry(entryID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for id, doc := range ix.docs {
		if doc.passage.EntryID == entryID {
			ix.removeLocked(id)
		}
	}
}

func (ix *Index) removeLocked(id string) {
	doc, ok := ix.docs[id]
	if !ok {
		return
	}
	for term := range doc.tf {
		if set, ok := ix.postings[term]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(ix.postings, term)
			}
		}
	}
	ix.totalLen -= doc.length
	delete(ix.docs, id)
}

// Rebuild replaces the whole index contents in one swap.
func (ix *Index) Rebuild(passages []kb.Passage) {
	fresh := New(ix.overfetch)
	for _, p := range passages {
		fresh.Add(p)
	}
	ix.mu.Lock()
	ix.docs = fresh.docs
	ix.postings = fresh.postings
	ix.totalLen = fresh.totalLen
	ix.mu.Unlock()
}

// Len returns the number of indexed passages.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// Search ranks passages by BM25 against the query, then intersects the
// ranked pool with the access filter and returns at most k hits. Ranking
// before filtering keeps scores identical for every caller.
func (ix *Index) Search(query string, k int, filter kb.Filter) []kb.Hit {
	terms := Tokenize(query)
	if len(terms) == 0 || k <= 0 {
		return []kb.Hit{}
	}
	if filter.IsNothing() {
		return []kb.Hit{}
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := len(ix.docs)
	if n == 0 {
		metrics.LexicalSearches.WithLabelValues("ok").Inc()
		return []kb.Hit{}
	}
	avgLen := float64(ix.totalLen) / float64(n)
	if avgLen == 0 {
		avgLen = 1
	}

	scores := make(map[string]float64)
	seen := make(map[string]struct{}, len(terms))
	for _, term := range terms {
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}
		set, ok := ix.postings[term]
		if !ok {
			continue
		}
		df := len(set)
		idf := math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
		for id := range set {
			doc := ix.docs[id]
			tf := float64(doc.tf[term])
			norm := k1 * (1 - b + b*float64(doc.length)/avgLen)
			scores[id] += idf * tf * (k1 + 1) / (tf + norm)
		}
	}

	ranked := make([]kb.Hit, 0, len(scores))
	for id, score := range scores {
		ranked = append(ranked, kb.Hit{Passage: ix.docs[id].passage, Score: score})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Passage.ID < ranked[j].Passage.ID
	})
	if len(ranked) > ix.overfetch {
		ranked = ranked[:ix.overfetch]
	}

	out := make([]kb.Hit, 0, k)
	for _, hit := range ranked {
		if !filter.Matches(hit.Passage) {
			continue
		}
		out = append(out, hit)
		if len(out) == k {
			break
		}
	}
	metrics.LexicalSearches.WithLabelValues("ok").Inc()
	return out
}

// Tokenize lowercases, strips punctuation, splits on whitespace, and emits
// each CJK codepoint as its own token so unsegmented text stays searchable.
func Tokenize(text string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r):
			flush()
			tokens = append(tokens, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			cur.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}
