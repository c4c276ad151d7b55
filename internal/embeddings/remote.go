package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mnemo-ai/mnemo/internal/circuitbreaker"
	"github.com/mnemo-ai/mnemo/internal/faults"
	"github.com/mnemo-ai/mnemo/internal/metrics"
	"github.com/mnemo-ai/mnemo/internal/tracing"
)

// RemoteConfig parametrizes the HTTP embedding provider.
type RemoteConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	Dimension int
	MaxBatch  int
	Timeout   time.Duration
}

// RemoteProvider calls an HTTP embedding endpoint. Oversized inputs are
// split into sub-batches of at most MaxBatch texts.
type RemoteProvider struct {
	cfg    RemoteConfig
	http   *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

// NewRemoteProvider creates a remote provider with breaker-wrapped transport.
func NewRemoteProvider(cfg RemoteConfig, logger *zap.Logger) *RemoteProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 64
	}
	client := &http.Client{Timeout: cfg.Timeout}
	return &RemoteProvider{
		cfg:    cfg,
		http:   circuitbreaker.NewHTTPWrapper(client, "embedding", logger),
		logger: logger,
	}
}

func (p *RemoteProvider) ID() string     { return "remote:" + p.cfg.Model }
func (p *RemoteProvider) Dimension() int { return p.cfg.Dimension }

type embedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	ModelUsed  string      `json:"model_used"`
}

// Encode embeds texts, sub-batching as needed. Transient failures are
// retried; exhaustion surfaces as ErrEmbeddingUnavailable.
func (p *RemoteProvider) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += p.cfg.MaxBatch {
		end := start + p.cfg.MaxBatch
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := p.encodeBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (p *RemoteProvider) encodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vecs [][]float32
	err := faults.Retry(ctx, faults.DefaultRetry, func() error {
		v, err := p.callOnce(ctx, texts)
		if err != nil {
			return err
		}
		vecs = v
		return nil
	})
	if err != nil {
		metrics.EmbeddingRequests.WithLabelValues(p.cfg.Model, "error").Inc()
		return nil, fmt.Errorf("%w: %v", faults.ErrEmbeddingUnavailable, err)
	}
	return vecs, nil
}

func (p *RemoteProvider) callOnce(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	url := p.cfg.BaseURL + "/embeddings"

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	buf, err := json.Marshal(embedRequest{Texts: texts, Model: p.cfg.Model})
	if err != nil {
		return nil, faults.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, faults.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding endpoint returned %d: %s", resp.StatusCode, body)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, faults.Permanent(fmt.Errorf("embedding endpoint returned %d: %s", resp.StatusCode, body))
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, err
	}
	if len(er.Embeddings) != len(texts) {
		return nil, faults.Permanent(fmt.Errorf(
			"embedding endpoint returned %d vectors for %d texts", len(er.Embeddings), len(texts)))
	}

	out := make([][]float32, len(er.Embeddings))
	for i, emb := range er.Embeddings {
		if p.cfg.Dimension > 0 && len(emb) != p.cfg.Dimension {
			return nil, faults.Permanent(fmt.Errorf(
				"embedding width %d does not match configured dimension %d", len(emb), p.cfg.Dimension))
		}
		vec := make([]float32, len(emb))
		for j, f := range emb {
			vec[j] = float32(f)
		}
		out[i] = vec
	}

	metrics.EmbeddingRequests.WithLabelValues(p.cfg.Model, "ok").Inc()
	metrics.EmbeddingDuration.WithLabelValues(p.cfg.Model).Observe(time.Since(start).Seconds())
	return out, nil
}
