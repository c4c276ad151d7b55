// Package rerank scores retrieval candidates against the question with a
// remote cross-encoder. Reranking is best-effort: when the endpoint is
// disabled or failing, candidates pass through in their fused order.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/mnemo-ai/mnemo/internal/circuitbreaker"
	"github.com/mnemo-ai/mnemo/internal/config"
	"github.com/mnemo-ai/mnemo/internal/kb"
	"github.com/mnemo-ai/mnemo/internal/metrics"
	"github.com/mnemo-ai/mnemo/internal/tracing"
)

// Reranker reorders candidates by cross-encoder relevance. The bool result
// reports whether reranking was actually applied.
type Reranker interface {
	Rerank(ctx context.Context, query string, hits []kb.Hit) ([]kb.Hit, bool)
}

// Disabled is a pass-through reranker.
type Disabled struct{}

func (Disabled) Rerank(_ context.Context, _ string, hits []kb.Hit) ([]kb.Hit, bool) {
	return hits, false
}

// Client calls an HTTP cross-encoder endpoint.
type Client struct {
	baseURL   string
	batchSize int
	httpw     *circuitbreaker.HTTPWrapper
	logger    *zap.Logger
}

// New creates a reranker client, or Disabled when cfg.Enabled is false.
func New(cfg config.RerankConfig, logger *zap.Logger) Reranker {
	if !cfg.Enabled {
		return Disabled{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 32
	}
	return &Client{
		baseURL:   cfg.BaseURL,
		batchSize: batch,
		httpw:     circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: timeout}, "reranker", logger),
		logger:    logger,
	}
}

type rerankRequest struct {
	Query string   `json:"query"`
	Texts []string `json:"texts"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// Rerank scores each candidate against the query and returns them in
// descending cross-encoder order. Ties keep their prior relative order.
// Any failure falls back to the input order.
func (c *Client) Rerank(ctx context.Context, query string, hits []kb.Hit) ([]kb.Hit, bool) {
	if len(hits) < 2 {
		return hits, len(hits) > 0
	}

	scores := make([]float64, 0, len(hits))
	for start := 0; start < len(hits); start += c.batchSize {
		end := start + c.batchSize
		if end > len(hits) {
			end = len(hits)
		}
		batch, err := c.scoreBatch(ctx, query, hits[start:end])
		if err != nil {
			metrics.RerankRequests.WithLabelValues("error").Inc()
			c.logger.Warn("Reranker unavailable, keeping fused order",
				zap.Int("candidates", len(hits)),
				zap.Error(err),
			)
			return hits, false
		}
		scores = append(scores, batch...)
	}

	type scored struct {
		hit   kb.Hit
		score float64
		pos   int
	}
	ranked := make([]scored, len(hits))
	for i, h := range hits {
		h.Score = scores[i]
		ranked[i] = scored{hit: h, score: scores[i], pos: i}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	out := make([]kb.Hit, len(ranked))
	for i, s := range ranked {
		out[i] = s.hit
	}
	metrics.RerankRequests.WithLabelValues("ok").Inc()
	return out, true
}

func (c *Client) scoreBatch(ctx context.Context, query string, hits []kb.Hit) ([]float64, error) {
	texts := make([]string, len(hits))
	for i, h := range hits {
		texts[i] = h.Passage.Text
	}

	url := c.baseURL + "/rerank"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	buf, err := json.Marshal(rerankRequest{Query: query, Texts: texts})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.httpw.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("reranker returned %d: %s", resp.StatusCode, body)
	}

	var rr rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, err
	}
	if len(rr.Scores) != len(texts) {
		return nil, fmt.Errorf("reranker returned %d scores for %d texts", len(rr.Scores), len(texts))
	}
	return rr.Scores, nil
}
