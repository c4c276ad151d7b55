package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mnemo-ai/mnemo/internal/config"
)

func TestLocalProviderDeterministic(t *testing.T) {
	p := NewLocalProvider(64)
	ctx := context.Background()

	a, err := p.Encode(ctx, []string{"hello world"})
	require.NoError(t, err)
	b, err := p.Encode(ctx, []string{"hello world"})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a[0], 64)

	c, err := p.Encode(ctx, []string{"something else entirely"})
	require.NoError(t, err)
	assert.NotEqual(t, a[0], c[0])
}

func TestLocalProviderNormalized(t *testing.T) {
	p := NewLocalProvider(128)
	vecs, err := p.Encode(context.Background(), []string{"the quick brown fox"})
	require.NoError(t, err)

	var sum float64
	for _, v := range vecs[0] {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
}

func TestTokenizeSplitsCJK(t *testing.T) {
	tokens := tokenize("Go语言 rocks")
	assert.Equal(t, []string{"go", "语", "言", "rocks"}, tokens)
}

func TestServiceCachesVectors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := embedResponse{Dimensions: 3}
		for range req.Texts {
			resp.Embeddings = append(resp.Embeddings, []float64{0.1, 0.2, 0.3})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	provider := NewRemoteProvider(RemoteConfig{
		BaseURL: srv.URL, Model: "test-model", Dimension: 3, MaxBatch: 16,
	}, zap.NewNop())
	holder := NewHolder(provider, zap.NewNop())
	svc := NewService(holder, nil, config.EmbeddingConfig{LocalLRUSize: 16}, zap.NewNop())

	ctx := context.Background()
	v1, err := svc.EncodeOne(ctx, "cached text")
	require.NoError(t, err)
	v2, err := svc.EncodeOne(ctx, "cached text")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestServiceRedisTier(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := NewRedisCache(mr.Addr(), zap.NewNop())
	require.NoError(t, err)
	defer cache.Close()

	ctx := context.Background()
	cache.Set(ctx, "emb:test", []float32{1.5, -2.25, 0}, time.Minute)
	got, ok := cache.Get(ctx, "emb:test")
	require.True(t, ok)
	assert.Equal(t, []float32{1.5, -2.25, 0}, got)

	_, ok = cache.Get(ctx, "emb:absent")
	assert.False(t, ok)
}

func TestRemoteProviderSubBatches(t *testing.T) {
	var batches int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&batches, 1)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.LessOrEqual(t, len(req.Texts), 2)
		resp := embedResponse{}
		for range req.Texts {
			resp.Embeddings = append(resp.Embeddings, []float64{1, 0})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := NewRemoteProvider(RemoteConfig{BaseURL: srv.URL, Model: "m", Dimension: 2, MaxBatch: 2}, zap.NewNop())
	vecs, err := p.Encode(context.Background(), []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	assert.Len(t, vecs, 5)
	assert.Equal(t, int32(3), atomic.LoadInt32(&batches))
}

func TestHolderReloadIdempotent(t *testing.T) {
	holder := NewHolder(NewLocalProvider(384), zap.NewNop())

	report, err := holder.Reload(config.EmbeddingConfig{ProviderID: "local:384"})
	require.NoError(t, err)
	assert.False(t, report.Swapped)
	assert.Equal(t, "local:384", report.CurrentID)

	report, err = holder.Reload(config.EmbeddingConfig{ProviderID: "local:512"})
	require.NoError(t, err)
	assert.True(t, report.Swapped)
	assert.True(t, report.DimensionChanged())
	assert.Equal(t, 512, holder.Handle().Dimension())
}

func TestHolderReloadBadConfigKeepsProvider(t *testing.T) {
	holder := NewHolder(NewLocalProvider(384), zap.NewNop())

	_, err := holder.Reload(config.EmbeddingConfig{ProviderID: "bogus"})
	require.Error(t, err)
	assert.Equal(t, "local:384", holder.Handle().ID())
}
