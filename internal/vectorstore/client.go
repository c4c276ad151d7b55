// Package vectorstore is a minimal Qdrant HTTP client holding the dense
// side of the knowledge base. It guards every write against the collection
// dimension and can refuse writes entirely after a provider swap changed
// the vector width.
package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mnemo-ai/mnemo/internal/circuitbreaker"
	"github.com/mnemo-ai/mnemo/internal/config"
	"github.com/mnemo-ai/mnemo/internal/faults"
	"github.com/mnemo-ai/mnemo/internal/kb"
	"github.com/mnemo-ai/mnemo/internal/metrics"
	"github.com/mnemo-ai/mnemo/internal/tracing"
)

// Client talks to one Qdrant collection.
type Client struct {
	base       string
	collection string
	httpw      *circuitbreaker.HTTPWrapper
	log        *zap.Logger

	dim           atomic.Int64
	writesRefused atomic.Bool
}

// New creates a client for cfg.Collection. dim is the expected vector
// width; the collection is created on first use if missing.
func New(cfg config.VectorConfig, dim int, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	c := &Client{
		base:       fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		collection: cfg.Collection,
		httpw:      circuitbreaker.NewHTTPWrapper(httpClient, "qdrant", logger),
		log:        logger,
	}
	c.dim.Store(int64(dim))
	return c
}

// Dimension returns the vector width the collection is bound to.
func (c *Client) Dimension() int { return int(c.dim.Load()) }

// RefuseWrites toggles degraded-write mode. While set, Upsert fails with
// ErrDimensionMismatch so stale-width vectors never enter the collection.
func (c *Client) RefuseWrites(refuse bool) { c.writesRefused.Store(refuse) }

// WritesRefused reports whether the store is in degraded-write mode.
func (c *Client) WritesRefused() bool { return c.writesRefused.Load() }

type upsertPoint struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

// Upsert writes passages with their vectors. Point ids are the passage ids,
// so re-ingesting the same passage overwrites rather than duplicates.
func (c *Client) Upsert(ctx context.Context, passages []kb.Passage, vectors [][]float32) error {
	if len(passages) != len(vectors) {
		return faults.Permanent(fmt.Errorf("got %d passages but %d vectors", len(passages), len(vectors)))
	}
	if c.writesRefused.Load() {
		return fmt.Errorf("%w: vector store refusing writes until reindexed", faults.ErrDimensionMismatch)
	}
	dim := int(c.dim.Load())
	for i, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("%w: vector %d has width %d, collection expects %d",
				faults.ErrDimensionMismatch, i, len(v), dim)
		}
	}

	points := make([]upsertPoint, len(passages))
	for i, p := range passages {
		points[i] = upsertPoint{ID: p.ID, Vector: vectors[i], Payload: payloadFrom(p)}
	}

	url := fmt.Sprintf("%s/collections/%s/points?wait=true", c.base, c.collection)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPut, url)
	defer span.End()

	return c.do(ctx, http.MethodPut, url, map[string]any{"points": points}, nil)
}

type qdrantQueryRequest struct {
	Query       []float32      `json:"query"`
	Limit       int            `json:"limit"`
	WithPayload bool           `json:"with_payload"`
	Filter      map[string]any `json:"filter,omitempty"`
}

type qdrantPoint struct {
	ID      any            `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

type qdrantQueryResponse struct {
	Result struct {
		Points []qdrantPoint `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

// Search returns the limit nearest passages by cosine similarity, restricted
// by the filter. A query vector of the wrong width fails fast with
// ErrDimensionMismatch rather than an opaque Qdrant error.
func (c *Client) Search(ctx context.Context, vector []float32, limit int, filter kb.Filter) ([]kb.Hit, error) {
	if filter.IsNothing() {
		return []kb.Hit{}, nil
	}
	if dim := int(c.dim.Load()); len(vector) != dim {
		return nil, fmt.Errorf("%w: query vector width %d, collection expects %d",
			faults.ErrDimensionMismatch, len(vector), dim)
	}
	start := time.Now()

	url := fmt.Sprintf("%s/collections/%s/points/query", c.base, c.collection)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	reqBody := qdrantQueryRequest{
		Query:       vector,
		Limit:       limit,
		WithPayload: true,
		Filter:      QdrantFilter(filter),
	}

	var qr qdrantQueryResponse
	if err := c.do(ctx, http.MethodPost, url, reqBody, &qr); err != nil {
		metrics.VectorSearches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %v", faults.ErrRetrievalUnavailable, err)
	}

	hits := make([]kb.Hit, 0, len(qr.Result.Points))
	for _, pt := range qr.Result.Points {
		hits = append(hits, kb.Hit{Passage: passageFrom(pt), Score: pt.Score})
	}
	metrics.VectorSearches.WithLabelValues("ok").Inc()
	metrics.VectorSearchDuration.Observe(time.Since(start).Seconds())
	return hits, nil
}

// Delete removes points by passage id.
func (c *Client) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	url := fmt.Sprintf("%s/collections/%s/points/delete?wait=true", c.base, c.collection)
	return c.do(ctx, http.MethodPost, url, map[string]any{"points": ids}, nil)
}

// DeleteByEntry removes every passage belonging to a knowledge entry using
// a payload filter delete.
func (c *Client) DeleteByEntry(ctx context.Context, entryID string) error {
	url := fmt.Sprintf("%s/collections/%s/points/delete?wait=true", c.base, c.collection)
	body := map[string]any{
		"filter": map[string]any{
			"must": []map[string]any{
				{"key": "entry_id", "match": map[string]any{"value": entryID}},
			},
		},
	}
	return c.do(ctx, http.MethodPost, url, body, nil)
}

// RecreateCollection drops and recreates the collection at the new width,
// then lifts degraded-write mode. All stored vectors are lost; callers are
// expected to re-ingest.
func (c *Client) RecreateCollection(ctx context.Context, dim int) error {
	url := fmt.Sprintf("%s/collections/%s", c.base, c.collection)
	// delete is idempotent; a 404 on a missing collection is fine
	_ = c.do(ctx, http.MethodDelete, url, nil, nil)

	body := map[string]any{
		"vectors": map[string]any{"size": dim, "distance": "Cosine"},
	}
	if err := c.do(ctx, http.MethodPut, url, body, nil); err != nil {
		return err
	}
	c.dim.Store(int64(dim))
	c.writesRefused.Store(false)
	c.log.Info("Vector collection recreated",
		zap.String("collection", c.collection),
		zap.Int("dimension", dim),
	)
	return nil
}

// EnsureCollection creates the collection if it does not exist yet.
func (c *Client) EnsureCollection(ctx context.Context) error {
	url := fmt.Sprintf("%s/collections/%s/exists", c.base, c.collection)
	var exists struct {
		Result struct {
			Exists bool `json:"exists"`
		} `json:"result"`
	}
	if err := c.do(ctx, http.MethodGet, url, nil, &exists); err == nil && exists.Result.Exists {
		return nil
	}
	createURL := fmt.Sprintf("%s/collections/%s", c.base, c.collection)
	body := map[string]any{
		"vectors": map[string]any{"size": int(c.dim.Load()), "distance": "Cosine"},
	}
	return c.do(ctx, http.MethodPut, createURL, body, nil)
}

type scrollResponse struct {
	Result struct {
		Points         []qdrantPoint `json:"points"`
		NextPageOffset any           `json:"next_page_offset"`
	} `json:"result"`
}

// Scroll walks every stored passage in batches, feeding them to fn. Used to
// rebuild the in-process lexical index at startup.
func (c *Client) Scroll(ctx context.Context, batch int, fn func(kb.Passage) error) error {
	if batch <= 0 {
		batch = 256
	}
	url := fmt.Sprintf("%s/collections/%s/points/scroll", c.base, c.collection)

	var offset any
	for {
		body := map[string]any{"limit": batch, "with_payload": true}
		if offset != nil {
			body["offset"] = offset
		}
		var sr scrollResponse
		if err := c.do(ctx, http.MethodPost, url, body, &sr); err != nil {
			return err
		}
		for _, pt := range sr.Result.Points {
			if err := fn(passageFrom(pt)); err != nil {
				return err
			}
		}
		if sr.Result.NextPageOffset == nil || len(sr.Result.Points) == 0 {
			return nil
		}
		offset = sr.Result.NextPageOffset
	}
}

func (c *Client) do(ctx context.Context, method, url string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return faults.Permanent(err)
		}
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return faults.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.httpw.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant %s %s: status %d", method, url, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
