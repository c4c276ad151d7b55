package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// LocalProvider is a deterministic hashed bag-of-words embedder. It needs no
// network and is the fallback when no remote endpoint is configured, and the
// workhorse for tests. Vectors are L2-normalized so cosine similarity works
// the same as with remote models.
type LocalProvider struct {
	dim int
}

// NewLocalProvider creates a local provider producing vectors of width dim.
func NewLocalProvider(dim int) *LocalProvider {
	if dim <= 0 {
		dim = 384
	}
	return &LocalProvider{dim: dim}
}

func (p *LocalProvider) ID() string     { return fmt.Sprintf("local:%d", p.dim) }
func (p *LocalProvider) Dimension() int { return p.dim }

// Encode hashes each token (with a small positional component) into the
// vector. Identical texts always produce identical vectors.
func (p *LocalProvider) Encode(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = p.embed(text)
	}
	return out, nil
}

func (p *LocalProvider) embed(text string) []float32 {
	vec := make([]float32, p.dim)
	tokens := tokenize(text)
	for pos, tok := range tokens {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(p.dim))
		sign := float32(1)
		if (sum>>32)&1 == 1 {
			sign = -1
		}
		// Slight positional decay keeps word order from being entirely lost.
		weight := sign * float32(1.0/(1.0+0.01*float64(pos)))
		vec[idx] += weight
	}
	normalize(vec)
	return vec
}

func tokenize(text string) []string {
	var tokens []string
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r):
			flush()
			tokens = append(tokens, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
}
