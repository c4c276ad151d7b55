// Package embeddings encodes text into dense vectors through a hot-swappable
// provider, with a two-tier (in-process LRU + Redis) vector cache in front.
package embeddings

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mnemo-ai/mnemo/internal/config"
)

// Provider encodes batches of texts into fixed-dimension vectors.
type Provider interface {
	// Encode returns one vector per input text, in input order.
	Encode(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension is the width of every vector this provider produces.
	Dimension() int
	// ID identifies the provider configuration, e.g. "remote:text-embedding-3-small".
	ID() string
}

// ReloadReport describes the outcome of a provider swap.
type ReloadReport struct {
	PreviousID        string
	CurrentID         string
	PreviousDimension int
	CurrentDimension  int
	Swapped           bool
}

// DimensionChanged reports whether the swap changed the vector width, which
// invalidates every stored vector.
func (r ReloadReport) DimensionChanged() bool {
	return r.Swapped && r.PreviousDimension != r.CurrentDimension
}

// Holder carries the active provider and swaps it atomically on reload.
// Callers take a Handle once per batch so a mid-batch swap cannot mix
// vectors from two providers.
type Holder struct {
	current atomic.Pointer[providerSlot]
	logger  *zap.Logger
}

type providerSlot struct {
	provider Provider
}

// NewHolder creates a holder around the initial provider.
func NewHolder(initial Provider, logger *zap.Logger) *Holder {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Holder{logger: logger}
	h.current.Store(&providerSlot{provider: initial})
	return h
}

// Handle returns the provider active at this instant. Hold it for the
// duration of one logical batch.
func (h *Holder) Handle() Provider {
	return h.current.Load().provider
}

// Reload builds a provider from cfg and swaps it in. Reloading a config
// that resolves to the already-active provider ID is a no-op.
func (h *Holder) Reload(cfg config.EmbeddingConfig) (ReloadReport, error) {
	prev := h.Handle()

	next, err := Build(cfg, h.logger)
	if err != nil {
		return ReloadReport{}, err
	}

	report := ReloadReport{
		PreviousID:        prev.ID(),
		CurrentID:         next.ID(),
		PreviousDimension: prev.Dimension(),
		CurrentDimension:  next.Dimension(),
	}
	if next.ID() == prev.ID() {
		h.logger.Info("Embedding provider unchanged, skipping reload",
			zap.String("provider", prev.ID()))
		return report, nil
	}

	h.current.Store(&providerSlot{provider: next})
	report.Swapped = true

	h.logger.Info("Embedding provider reloaded",
		zap.String("from", report.PreviousID),
		zap.String("to", report.CurrentID),
		zap.Int("dimension", report.CurrentDimension),
	)
	return report, nil
}

// Build constructs a provider from configuration. Provider IDs take the form
// "remote:<model>" or "local:<dimension>".
func Build(cfg config.EmbeddingConfig, logger *zap.Logger) (Provider, error) {
	id := cfg.ProviderID
	switch {
	case strings.HasPrefix(id, "remote:"):
		model := strings.TrimPrefix(id, "remote:")
		if model == "" {
			model = cfg.Model
		}
		return NewRemoteProvider(RemoteConfig{
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			Model:     model,
			Dimension: cfg.Dimension,
			MaxBatch:  cfg.MaxBatch,
			Timeout:   cfg.Timeout,
		}, logger), nil

	case strings.HasPrefix(id, "local:"):
		dim, err := strconv.Atoi(strings.TrimPrefix(id, "local:"))
		if err != nil || dim <= 0 {
			return nil, fmt.Errorf("invalid local provider dimension in %q", id)
		}
		return NewLocalProvider(dim), nil

	default:
		return nil, fmt.Errorf("unknown embedding provider %q", id)
	}
}
