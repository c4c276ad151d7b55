// Package retrieval fuses dense (vector) and lexical (BM25) search across
// query variants with reciprocal rank fusion, then optionally reranks the
// fused pool with a cross-encoder.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mnemo-ai/mnemo/internal/config"
	"github.com/mnemo-ai/mnemo/internal/faults"
	"github.com/mnemo-ai/mnemo/internal/kb"
	"github.com/mnemo-ai/mnemo/internal/lexical"
	"github.com/mnemo-ai/mnemo/internal/metrics"
	"github.com/mnemo-ai/mnemo/internal/rerank"
	"github.com/mnemo-ai/mnemo/internal/rewrite"
	"github.com/mnemo-ai/mnemo/internal/tracing"
)

// rrfK is the reciprocal rank fusion constant: contribution of rank r is
// 1/(rrfK + r + 1).
const rrfK = 60

// VectorSearcher is the dense channel.
type VectorSearcher interface {
	Search(ctx context.Context, vector []float32, limit int, filter kb.Filter) ([]kb.Hit, error)
}

// Encoder embeds query variants.
type Encoder interface {
	EncodeOne(ctx context.Context, text string) ([]float32, error)
}

// Result is a retrieval outcome. Degraded lists the channels that produced
// nothing due to failure ("dense", "lexical"); Reranked reports whether the
// cross-encoder was applied.
type Result struct {
	Hits     []kb.Hit
	Degraded []string
	Reranked bool
}

// Retriever runs the hybrid pipeline.
type Retriever struct {
	encoder  Encoder
	vectors  VectorSearcher
	lexical  *lexical.Index
	rewriter *rewrite.Rewriter
	reranker rerank.Reranker
	cfg      config.RetrievalConfig
	logger   *zap.Logger
}

// New wires the retriever. rewriter may be nil (no expansion); reranker may
// be nil (no reranking).
func New(encoder Encoder, vectors VectorSearcher, lex *lexical.Index,
	rewriter *rewrite.Rewriter, reranker rerank.Reranker,
	cfg config.RetrievalConfig, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reranker == nil {
		reranker = rerank.Disabled{}
	}
	if cfg.DenseMult <= 0 {
		cfg.DenseMult = 2
	}
	if cfg.LexMult <= 0 {
		cfg.LexMult = 2
	}
	if cfg.RerankMult <= 0 {
		cfg.RerankMult = 3
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	return &Retriever{
		encoder: encoder, vectors: vectors, lexical: lex,
		rewriter: rewriter, reranker: reranker, cfg: cfg, logger: logger,
	}
}

type variantLists struct {
	dense   []kb.Hit
	lex     []kb.Hit
	denseOK bool
	lexOK   bool
}

// Retrieve returns the topK passages for the question under the given
// access filter. One lost channel degrades silently (tagged in the result);
// losing both channels is ErrRetrievalUnavailable.
func (r *Retriever) Retrieve(ctx context.Context, question string, topK int, filter kb.Filter) (Result, error) {
	if topK <= 0 {
		topK = r.cfg.TopK
	}
	if filter.IsNothing() {
		return Result{Hits: []kb.Hit{}}, nil
	}

	ctx, span := tracing.StartSpan(ctx, "retrieval.retrieve")
	defer span.End()

	variants := []string{question}
	if r.rewriter != nil {
		variants = r.rewriter.Expand(ctx, question)
	}

	lists := make([]variantLists, len(variants))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Parallelism)
	for i, variant := range variants {
		i, variant := i, variant
		g.Go(func() error {
			vl := r.searchVariant(gctx, variant, topK, filter)
			mu.Lock()
			lists[i] = vl
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // per-variant failures are carried in lists, not as errors

	anyDense, anyLex := false, false
	for _, vl := range lists {
		anyDense = anyDense || vl.denseOK
		anyLex = anyLex || vl.lexOK
	}
	if !anyDense && !anyLex {
		return Result{}, fmt.Errorf("%w: both retrieval channels failed", faults.ErrRetrievalUnavailable)
	}

	var degraded []string
	if !anyDense {
		degraded = append(degraded, "dense")
		metrics.RetrievalDegraded.WithLabelValues("dense").Inc()
		r.logger.Warn("Dense retrieval unavailable, answering from lexical only")
	}
	if !anyLex {
		degraded = append(degraded, "lexical")
		metrics.RetrievalDegraded.WithLabelValues("lexical").Inc()
		r.logger.Warn("Lexical retrieval unavailable, answering from dense only")
	}

	fusedHits := fuse(lists)
	pool := topK * r.cfg.RerankMult
	if len(fusedHits) > pool {
		fusedHits = fusedHits[:pool]
	}

	ranked, applied := r.reranker.Rerank(ctx, question, fusedHits)
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	return Result{Hits: ranked, Degraded: degraded, Reranked: applied}, nil
}

func (r *Retriever) searchVariant(ctx context.Context, variant string, topK int, filter kb.Filter) variantLists {
	var vl variantLists

	vec, err := r.encoder.EncodeOne(ctx, variant)
	if err != nil {
		r.logger.Warn("Variant encode failed, skipping dense channel",
			zap.String("variant", variant), zap.Error(err))
	} else {
		hits, err := r.vectors.Search(ctx, vec, topK*r.cfg.DenseMult, filter)
		if err != nil {
			r.logger.Warn("Dense search failed", zap.String("variant", variant), zap.Error(err))
		} else {
			vl.dense = hits
			vl.denseOK = true
		}
	}

	if r.lexical != nil {
		vl.lex = r.lexical.Search(variant, topK*r.cfg.LexMult, filter)
		vl.lexOK = true
	}
	return vl
}

type fusedEntry struct {
	hit           kb.Hit
	score         float64
	bestDenseRank int
	bestVariant   int
}

// fuse merges ranked lists with reciprocal rank fusion. Ties break toward
// the earlier dense rank, then the earlier variant, then the lexically
// smaller passage id, so results are stable across runs.
func fuse(lists []variantLists) []kb.Hit {
	entries := make(map[string]*fusedEntry)

	accumulate := func(hits []kb.Hit, variant int, dense bool) {
		for rank, hit := range hits {
			e, ok := entries[hit.Passage.ID]
			if !ok {
				e = &fusedEntry{hit: hit, bestDenseRank: math.MaxInt, bestVariant: variant}
				entries[hit.Passage.ID] = e
			}
			e.score += 1.0 / float64(rrfK+rank+1)
			if dense && rank < e.bestDenseRank {
				e.bestDenseRank = rank
			}
			if variant < e.bestVariant {
				e.bestVariant = variant
			}
		}
	}
	for i, vl := range lists {
		accumulate(vl.dense, i, true)
		accumulate(vl.lex, i, false)
	}

	out := make([]*fusedEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.bestDenseRank != b.bestDenseRank {
			return a.bestDenseRank < b.bestDenseRank
		}
		if a.bestVariant != b.bestVariant {
			return a.bestVariant < b.bestVariant
		}
		return a.hit.Passage.ID < b.hit.Passage.ID
	})

	hits := make([]kb.Hit, len(out))
	for i, e := range out {
		h := e.hit
		h.Score = e.score
		hits[i] = h
	}
	return hits
}
