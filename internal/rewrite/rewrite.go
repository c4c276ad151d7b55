// Package rewrite expands a question into search variants via the LLM.
// Expansion is best-effort: on any failure the original question is the
// only variant.
package rewrite

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mnemo-ai/mnemo/internal/llm"
	"github.com/mnemo-ai/mnemo/internal/metrics"
)

const systemPrompt = "You rewrite search queries. Given a question, produce alternative " +
	"phrasings that could match relevant documents. Output one rewrite per line, " +
	"nothing else. Do not number them. Do not repeat the original question."

// Rewriter expands questions into retrieval variants.
type Rewriter struct {
	gen      llm.Generator
	variants int
	enabled  bool
	logger   *zap.Logger
}

// New creates a rewriter producing up to n additional variants.
func New(gen llm.Generator, n int, enabled bool, logger *zap.Logger) *Rewriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if n <= 0 {
		n = 3
	}
	return &Rewriter{gen: gen, variants: n, enabled: enabled, logger: logger}
}

// Expand returns the question followed by up to n rewrites. The original is
// always first; duplicates (case-insensitive) are dropped. The result is
// never empty.
func (r *Rewriter) Expand(ctx context.Context, question string) []string {
	out := []string{question}
	if !r.enabled || r.gen == nil {
		return out
	}

	text, err := r.gen.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: systemPrompt},
			{Role: llm.RoleUser, Content: fmt.Sprintf("Question: %s\n\nProduce %d rewrites.", question, r.variants)},
		},
		Temperature: 0.7,
		MaxTokens:   256,
		Purpose:     "rewrite",
	})
	if err != nil {
		metrics.QueryRewrites.WithLabelValues("error").Inc()
		r.logger.Warn("Query rewrite failed, using original question only", zap.Error(err))
		return out
	}

	seen := map[string]struct{}{normalize(question): {}}
	for _, line := range strings.Split(text, "\n") {
		variant := strings.TrimSpace(line)
		variant = strings.TrimPrefix(variant, "- ")
		if variant == "" {
			continue
		}
		key := normalize(variant)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, variant)
		if len(out) > r.variants {
			break
		}
	}
	metrics.QueryRewrites.WithLabelValues("ok").Inc()
	return out
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
