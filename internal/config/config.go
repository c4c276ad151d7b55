// Package config loads the core configuration from YAML with MNEMO_* env
// overrides, and watches the file for changes so the embedding provider can
// be hot-reloaded.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full configuration tree of the QA core.
type Config struct {
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Vector    VectorConfig    `mapstructure:"vector"`
	Lexical   LexicalConfig   `mapstructure:"lexical"`
	Rerank    RerankConfig    `mapstructure:"rerank"`
	Rewrite   RewriteConfig   `mapstructure:"rewrite"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Chunking  ChunkingConfig  `mapstructure:"chunking"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	QA        QAConfig        `mapstructure:"qa"`
	Session   SessionConfig   `mapstructure:"session"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Server    ServerConfig    `mapstructure:"server"`
}

// EmbeddingConfig selects and parametrizes the active embedding provider.
type EmbeddingConfig struct {
	ProviderID   string        `mapstructure:"provider_id"` // e.g. "remote:text-embedding-3-small" or "local:384"
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	Model        string        `mapstructure:"model"`
	Dimension    int           `mapstructure:"dimension"`
	MaxBatch     int           `mapstructure:"max_batch"`
	Timeout      time.Duration `mapstructure:"timeout"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	LocalLRUSize int           `mapstructure:"local_lru_size"`
	RatePerSec   float64       `mapstructure:"rate_per_sec"`
}

type VectorConfig struct {
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	Collection string        `mapstructure:"collection"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type LexicalConfig struct {
	OverfetchPool int `mapstructure:"overfetch_pool"`
}

type RerankConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	BaseURL   string        `mapstructure:"base_url"`
	BatchSize int           `mapstructure:"batch_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type RewriteConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	Variants int  `mapstructure:"n_variants"`
}

type RetrievalConfig struct {
	TopK        int `mapstructure:"top_k"`
	DenseMult   int `mapstructure:"dense_mult"`
	LexMult     int `mapstructure:"lex_mult"`
	RerankMult  int `mapstructure:"rerank_mult"`
	Parallelism int `mapstructure:"intra_query_parallelism"`
}

type CacheConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Threshold  float64       `mapstructure:"threshold"`
	TTL        time.Duration `mapstructure:"ttl"`
	MaxEntries int           `mapstructure:"max_entries"`
}

type ChunkingConfig struct {
	ChunkSize        int `mapstructure:"chunk_size"`
	Overlap          int `mapstructure:"overlap"`
	ContextPrefixMax int `mapstructure:"context_prefix_max"`
}

type IngestConfig struct {
	MaxWorkers      int           `mapstructure:"max_workers"`
	QueueCapacity   int           `mapstructure:"queue_capacity"`
	StatusRetention int           `mapstructure:"status_retention"`
	TaskDeadline    time.Duration `mapstructure:"task_deadline"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace"`
}

type QAConfig struct {
	MaxHistoryTurns  int      `mapstructure:"max_history_turns"`
	KeepRecentTurns  int      `mapstructure:"keep_recent_turns"`
	MaxSummaryChars  int      `mapstructure:"max_summary_chars"`
	MaxContextChars  int      `mapstructure:"max_context_chars"`
	MaxSingleContent int      `mapstructure:"max_single_content"`
	CitationPattern  string   `mapstructure:"citation_pattern"`
	RefusalPhrases   []string `mapstructure:"refusal_phrases"`
}

type SessionConfig struct {
	MaxTurns    int  `mapstructure:"max_turns"`
	MaxSessions int  `mapstructure:"max_sessions"`
	WaitForTurn bool `mapstructure:"wait_for_turn"`
}

type LLMConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Model      string        `mapstructure:"model"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RatePerSec float64       `mapstructure:"rate_per_sec"`
}

type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

type MetricsConfig struct {
	Port int `mapstructure:"port"`
}

// ServerConfig shapes the public HTTP listener. WriteTimeout stays zero so
// long-lived SSE answer streams are not cut off by the server.
type ServerConfig struct {
	Port        int           `mapstructure:"port"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// DSN renders the Postgres connection string for sqlx.
func (d DatabaseConfig) DSN() string {
	ssl := d.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, ssl)
}

// Load reads path (optional; env-only when empty), applies defaults and
// MNEMO_* env overrides, and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("MNEMO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("embedding.provider_id", "remote:text-embedding-3-small")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimension", 1536)
	v.SetDefault("embedding.max_batch", 64)
	v.SetDefault("embedding.timeout", 10*time.Second)
	v.SetDefault("embedding.cache_ttl", time.Hour)
	v.SetDefault("embedding.local_lru_size", 2048)

	v.SetDefault("vector.host", "localhost")
	v.SetDefault("vector.port", 6333)
	v.SetDefault("vector.collection", "passages")
	v.SetDefault("vector.timeout", 5*time.Second)

	v.SetDefault("lexical.overfetch_pool", 4096)

	v.SetDefault("rerank.enabled", false)
	v.SetDefault("rerank.batch_size", 32)
	v.SetDefault("rerank.timeout", 10*time.Second)

	v.SetDefault("rewrite.enabled", true)
	v.SetDefault("rewrite.n_variants", 3)

	v.SetDefault("retrieval.top_k", 5)
	v.SetDefault("retrieval.dense_mult", 2)
	v.SetDefault("retrieval.lex_mult", 2)
	v.SetDefault("retrieval.rerank_mult", 3)
	v.SetDefault("retrieval.intra_query_parallelism", 4)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.threshold", 0.92)
	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("cache.max_entries", 10000)

	v.SetDefault("chunking.chunk_size", 512)
	v.SetDefault("chunking.overlap", 50)
	v.SetDefault("chunking.context_prefix_max", 100)

	v.SetDefault("ingest.max_workers", 3)
	v.SetDefault("ingest.queue_capacity", 1024)
	v.SetDefault("ingest.status_retention", 10000)
	v.SetDefault("ingest.task_deadline", 120*time.Second)
	v.SetDefault("ingest.shutdown_grace", 30*time.Second)

	v.SetDefault("qa.max_history_turns", 10)
	v.SetDefault("qa.keep_recent_turns", 4)
	v.SetDefault("qa.max_summary_chars", 1000)
	v.SetDefault("qa.max_context_chars", 8000)
	v.SetDefault("qa.max_single_content", 2000)
	v.SetDefault("qa.citation_pattern", `\[\^(\d+)\]`)
	v.SetDefault("qa.refusal_phrases", []string{
		"i don't know",
		"i do not know",
		"cannot answer",
		"no relevant information",
	})

	v.SetDefault("session.max_turns", 100)
	v.SetDefault("session.max_sessions", 10000)
	v.SetDefault("session.wait_for_turn", false)

	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", 60*time.Second)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "mnemo")
	v.SetDefault("database.name", "mnemo")

	v.SetDefault("metrics.port", 2112)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive, got %d", c.Retrieval.TopK)
	}
	if c.Cache.Threshold < 0 || c.Cache.Threshold > 1 {
		return fmt.Errorf("cache.threshold must be in [0,1], got %f", c.Cache.Threshold)
	}
	if c.Chunking.Overlap >= c.Chunking.ChunkSize {
		return fmt.Errorf("chunking.overlap (%d) must be smaller than chunk_size (%d)",
			c.Chunking.Overlap, c.Chunking.ChunkSize)
	}
	if c.Ingest.MaxWorkers <= 0 {
		return fmt.Errorf("ingest.max_workers must be positive, got %d", c.Ingest.MaxWorkers)
	}
	if c.QA.KeepRecentTurns > c.QA.MaxHistoryTurns {
		return fmt.Errorf("qa.keep_recent_turns (%d) exceeds max_history_turns (%d)",
			c.QA.KeepRecentTurns, c.QA.MaxHistoryTurns)
	}
	return nil
}
