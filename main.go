package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mnemo-ai/mnemo/internal/config"
	"github.com/mnemo-ai/mnemo/internal/core"
	"github.com/mnemo-ai/mnemo/internal/embeddings"
	"github.com/mnemo-ai/mnemo/internal/httpapi"
	"github.com/mnemo-ai/mnemo/internal/metastore"
	"github.com/mnemo-ai/mnemo/internal/tracing"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional, env-only when empty)")
	flag.Parse()
	if *configPath == "" {
		*configPath = os.Getenv("MNEMO_CONFIG_PATH")
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  "mnemo-core",
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("Tracing initialization failed, continuing without export", zap.Error(err))
	}

	var opts core.Options

	if cfg.Database.Enabled {
		meta, err := metastore.Open(cfg.Database, logger)
		if err != nil {
			logger.Fatal("Failed to connect to metastore", zap.Error(err))
		}
		opts.Meta = meta
		logger.Info("Metastore connected", zap.String("host", cfg.Database.Host))
	} else {
		logger.Warn("Metastore disabled, all API keys resolve to the anonymous principal")
	}

	if cfg.Redis.Enabled {
		vc, err := embeddings.NewRedisCache(cfg.Redis.Addr, logger)
		if err != nil {
			logger.Warn("Redis embedding cache unavailable, using in-process cache only", zap.Error(err))
		} else {
			opts.VectorCache = vc
		}
	}

	c, err := core.New(cfg, opts, logger)
	if err != nil {
		logger.Fatal("Failed to assemble core", zap.Error(err))
	}

	bootCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	if err := c.Bootstrap(bootCtx); err != nil {
		cancel()
		logger.Fatal("Bootstrap failed", zap.Error(err))
	}
	cancel()

	// Provider config stored in the metastore wins over the file at startup.
	if opts.Meta != nil {
		if providerID, _, err := opts.Meta.ProviderConfig(ctx); err == nil && providerID != "" && providerID != cfg.Embedding.ProviderID {
			ec := cfg.Embedding
			ec.ProviderID = providerID
			if _, err := c.ReloadEmbeddingProvider(ec); err != nil {
				logger.Warn("Stored provider config rejected", zap.String("provider_id", providerID), zap.Error(err))
			}
		}
	}

	if *configPath != "" {
		watcher := config.NewWatcher(*configPath, logger)
		watcher.Subscribe(func(next *config.Config) {
			if _, err := c.ReloadEmbeddingProvider(next.Embedding); err != nil {
				logger.Error("Embedding provider reload failed", zap.Error(err))
			}
		})
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("Config watcher stopped", zap.Error(err))
			}
		}()
	}

	metricsSrv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Metrics.Port),
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info("Metrics server listening", zap.Int("port", cfg.Metrics.Port))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	mux := http.NewServeMux()
	httpapi.New(c, logger).RegisterRoutes(mux)
	apiSrv := &http.Server{
		Addr:        ":" + strconv.Itoa(cfg.Server.Port),
		Handler:     mux,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
	}
	go func() {
		logger.Info("API server listening", zap.Int("port", cfg.Server.Port))
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("API server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Ingest.ShutdownGrace+10*time.Second)
	defer cancel()

	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown incomplete", zap.Error(err))
	}
	_ = metricsSrv.Shutdown(shutdownCtx)
	c.Shutdown(shutdownCtx)
	logger.Info("Shutdown complete")
}
