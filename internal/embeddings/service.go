package embeddings

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mnemo-ai/mnemo/internal/config"
	"github.com/mnemo-ai/mnemo/internal/metrics"
)

const lruTTL = 30 * time.Minute

// Service fronts the active provider with a two-tier vector cache. Cache
// keys include the provider ID, so a provider swap naturally misses instead
// of serving vectors of the wrong width.
type Service struct {
	holder *Holder
	lru    *LocalLRU
	cache  VectorCache // optional Redis tier
	ttl    time.Duration
	logger *zap.Logger
}

// NewService wires the holder and caches. cache may be nil.
func NewService(holder *Holder, cache VectorCache, cfg config.EmbeddingConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = time.Hour
	}
	return &Service{
		holder: holder,
		lru:    NewLocalLRU(cfg.LocalLRUSize),
		cache:  cache,
		ttl:    ttl,
		logger: logger,
	}
}

// ActiveID returns the ID of the provider currently in use.
func (s *Service) ActiveID() string { return s.holder.Handle().ID() }

// Dimension returns the vector width of the provider currently in use.
func (s *Service) Dimension() int { return s.holder.Handle().Dimension() }

// Reload swaps the provider per cfg.
func (s *Service) Reload(cfg config.EmbeddingConfig) (ReloadReport, error) {
	report, err := s.holder.Reload(cfg)
	switch {
	case err != nil:
		metrics.ProviderReloads.WithLabelValues("error").Inc()
	case report.Swapped:
		metrics.ProviderReloads.WithLabelValues("swapped").Inc()
	default:
		metrics.ProviderReloads.WithLabelValues("noop").Inc()
	}
	return report, err
}

// Encode embeds texts through the cache. The provider handle is taken once,
// so all vectors of one call come from the same provider even if a reload
// lands mid-call.
func (s *Service) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	provider := s.holder.Handle()

	results := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int

	for i, text := range texts {
		key := MakeKey(provider.ID(), text)
		if v, ok := s.lru.Get(ctx, key); ok {
			results[i] = v
			continue
		}
		if s.cache != nil {
			if v, ok := s.cache.Get(ctx, key); ok {
				results[i] = v
				s.lru.Set(ctx, key, v, lruTTL)
				continue
			}
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}

	if len(missTexts) == 0 {
		return results, nil
	}

	vecs, err := provider.Encode(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for i, vec := range vecs {
		idx := missIdx[i]
		results[idx] = vec
		key := MakeKey(provider.ID(), missTexts[i])
		s.lru.Set(ctx, key, vec, lruTTL)
		if s.cache != nil {
			s.cache.Set(ctx, key, vec, s.ttl)
		}
	}
	return results, nil
}

// EncodeOne embeds a single text.
func (s *Service) EncodeOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.Encode(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}
