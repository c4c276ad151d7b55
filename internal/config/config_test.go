package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func writeYAML(t *testing.T, path string, doc map[string]any) {
	t.Helper()
	data, err := yaml.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.Equal(t, 0.92, cfg.Cache.Threshold)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 10000, cfg.Cache.MaxEntries)
	assert.Equal(t, 512, cfg.Chunking.ChunkSize)
	assert.Equal(t, 50, cfg.Chunking.Overlap)
	assert.Equal(t, 3, cfg.Ingest.MaxWorkers)
	assert.Equal(t, 1024, cfg.Ingest.QueueCapacity)
	assert.Equal(t, 10, cfg.QA.MaxHistoryTurns)
	assert.Equal(t, 4, cfg.QA.KeepRecentTurns)
	assert.Equal(t, `\[\^(\d+)\]`, cfg.QA.CitationPattern)
	assert.Equal(t, 3, cfg.Rewrite.Variants)
	assert.Equal(t, 4, cfg.Retrieval.Parallelism)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mnemo.yaml")
	writeYAML(t, path, map[string]any{
		"retrieval": map[string]any{"top_k": 8},
		"cache":     map[string]any{"threshold": 0.85},
		"embedding": map[string]any{"provider_id": "local:384", "dimension": 384},
	})

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Retrieval.TopK)
	assert.Equal(t, 0.85, cfg.Cache.Threshold)
	assert.Equal(t, "local:384", cfg.Embedding.ProviderID)
	assert.Equal(t, 384, cfg.Embedding.Dimension)
	// Untouched keys keep their defaults.
	assert.Equal(t, 512, cfg.Chunking.ChunkSize)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("MNEMO_RETRIEVAL_TOP_K", "12")
	t.Setenv("MNEMO_CACHE_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Retrieval.TopK)
	assert.False(t, cfg.Cache.Enabled)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Retrieval.TopK = 0
	assert.Error(t, cfg.Validate())

	cfg, _ = Load("")
	cfg.Chunking.Overlap = cfg.Chunking.ChunkSize
	assert.Error(t, cfg.Validate())

	cfg, _ = Load("")
	cfg.Cache.Threshold = 1.5
	assert.Error(t, cfg.Validate())

	cfg, _ = Load("")
	cfg.QA.KeepRecentTurns = cfg.QA.MaxHistoryTurns + 1
	assert.Error(t, cfg.Validate())
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mnemo.yaml")
	writeYAML(t, path, map[string]any{"retrieval": map[string]any{"top_k": 5}})

	w := NewWatcher(path, zap.NewNop())
	w.debounce = 20 * time.Millisecond

	got := make(chan *Config, 1)
	w.Subscribe(func(c *Config) {
		select {
		case got <- c:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeYAML(t, path, map[string]any{"retrieval": map[string]any{"top_k": 9}})

	select {
	case cfg := <-got:
		assert.Equal(t, 9, cfg.Retrieval.TopK)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
