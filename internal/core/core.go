// Package core is the composition root: it wires embeddings, the two
// indices, retrieval, the answer chain, and ingestion into one facade the
// server layer calls.
package core

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mnemo-ai/mnemo/internal/acl"
	"github.com/mnemo-ai/mnemo/internal/auth"
	"github.com/mnemo-ai/mnemo/internal/chunking"
	"github.com/mnemo-ai/mnemo/internal/config"
	"github.com/mnemo-ai/mnemo/internal/embeddings"
	"github.com/mnemo-ai/mnemo/internal/faults"
	"github.com/mnemo-ai/mnemo/internal/ingest"
	"github.com/mnemo-ai/mnemo/internal/kb"
	"github.com/mnemo-ai/mnemo/internal/lexical"
	"github.com/mnemo-ai/mnemo/internal/llm"
	"github.com/mnemo-ai/mnemo/internal/metastore"
	"github.com/mnemo-ai/mnemo/internal/qa"
	"github.com/mnemo-ai/mnemo/internal/rerank"
	"github.com/mnemo-ai/mnemo/internal/retrieval"
	"github.com/mnemo-ai/mnemo/internal/rewrite"
	"github.com/mnemo-ai/mnemo/internal/semcache"
	"github.com/mnemo-ai/mnemo/internal/session"
	"github.com/mnemo-ai/mnemo/internal/vectorstore"
)

// Core is the assembled QA system.
type Core struct {
	cfg       *config.Config
	embed     *embeddings.Service
	vectors   *vectorstore.Client
	lexical   *lexical.Index
	retriever *retrieval.Retriever
	cache     *semcache.Cache
	sessions  *session.Manager
	pool      *ingest.Pool
	chain     *qa.Chain
	meta      *metastore.Store
	resolver  auth.Resolver
	logger    *zap.Logger
}

// Options carries the optional pieces of the assembly.
type Options struct {
	// Meta enables relational permission checks and API key resolution.
	Meta *metastore.Store
	// Resolver overrides API key resolution; when nil, Meta resolves.
	Resolver auth.Resolver
	// VectorCache is the optional Redis tier of the embedding cache.
	VectorCache embeddings.VectorCache
	// Generator overrides the LLM client (tests).
	Generator llm.Generator
}

// New wires the system from config.
func New(cfg *config.Config, opts Options, logger *zap.Logger) (*Core, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	provider, err := embeddings.Build(cfg.Embedding, logger)
	if err != nil {
		return nil, fmt.Errorf("build embedding provider: %w", err)
	}
	holder := embeddings.NewHolder(provider, logger)
	embed := embeddings.NewService(holder, opts.VectorCache, cfg.Embedding, logger)

	vectors := vectorstore.New(cfg.Vector, provider.Dimension(), logger)
	lex := lexical.New(cfg.Lexical.OverfetchPool)

	gen := opts.Generator
	if gen == nil {
		gen = llm.New(cfg.LLM, logger)
	}

	rewriter := rewrite.New(gen, cfg.Rewrite.Variants, cfg.Rewrite.Enabled, logger)
	reranker := rerank.New(cfg.Rerank, logger)
	retriever := retrieval.New(embed, vectors, lex, rewriter, reranker, cfg.Retrieval, logger)

	cache := semcache.New(embed, cfg.Cache, logger)
	sessions := session.NewManager(cfg.Session.MaxTurns, cfg.Session.MaxSessions, cfg.Session.WaitForTurn, logger)

	chain, err := qa.New(retriever, cache, sessions, gen, cfg.QA, cfg.Retrieval.TopK, logger)
	if err != nil {
		return nil, err
	}

	pool := ingest.NewPool(&ingest.IndexPipeline{
		Chunker: chunking.New(cfg.Chunking.ChunkSize, cfg.Chunking.Overlap, cfg.Chunking.ContextPrefixMax),
		Embed:   embed,
		Vectors: vectors,
		Lexical: lex,
	}, cfg.Ingest, logger)

	resolver := opts.Resolver
	if resolver == nil && opts.Meta != nil {
		resolver = opts.Meta
	}

	return &Core{
		cfg:       cfg,
		embed:     embed,
		vectors:   vectors,
		lexical:   lex,
		retriever: retriever,
		cache:     cache,
		sessions:  sessions,
		pool:      pool,
		chain:     chain,
		meta:      opts.Meta,
		resolver:  resolver,
		logger:    logger,
	}, nil
}

// Bootstrap prepares external state: ensures the vector collection exists
// and rebuilds the lexical index from stored payloads.
func (c *Core) Bootstrap(ctx context.Context) error {
	if err := c.vectors.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}
	return c.RebuildLexical(ctx)
}

// RebuildLexical repopulates the in-process BM25 index from the vector
// store payloads.
func (c *Core) RebuildLexical(ctx context.Context) error {
	var passages []kb.Passage
	if err := c.vectors.Scroll(ctx, 256, func(p kb.Passage) error {
		passages = append(passages, p)
		return nil
	}); err != nil {
		return fmt.Errorf("scroll passages: %w", err)
	}
	c.lexical.Rebuild(passages)
	c.logger.Info("Lexical index rebuilt", zap.Int("passages", len(passages)))
	return nil
}

// Answer streams an answer for the question under the principal's rights.
// topK <= 0 uses the configured default.
func (c *Core) Answer(ctx context.Context, p auth.Principal, question, sessionID string, topK int, groupFilter []string) (<-chan qa.Event, error) {
	if topK <= 0 {
		topK = c.cfg.Retrieval.TopK
	}
	return c.chain.Answer(ctx, qa.Request{
		Question:  question,
		SessionID: sessionID,
		Principal: p,
		Filter:    acl.Compute(p, groupFilter),
		TopK:      topK,
	})
}

// Search runs retrieval without generation.
func (c *Core) Search(ctx context.Context, p auth.Principal, query string, topK int, groupFilter []string) (retrieval.Result, error) {
	if topK <= 0 {
		topK = c.cfg.Retrieval.TopK
	}
	return c.retriever.Retrieve(ctx, query, topK, acl.Compute(p, groupFilter))
}

// SubmitIngestion enqueues a document. Anonymous callers cannot write;
// users may only ingest entries they own into groups they can write.
func (c *Core) SubmitIngestion(ctx context.Context, p auth.Principal, entry kb.KnowledgeEntry, text, source, contextPrefix string) (string, error) {
	if p.IsAnonymous() {
		return "", fmt.Errorf("%w: ingestion requires authentication", faults.ErrUnauthorized)
	}
	if !p.IsAdmin() {
		if entry.OwnerID == "" {
			entry.OwnerID = p.ID
		}
		if entry.OwnerID != p.ID {
			return "", fmt.Errorf("%w: cannot ingest for another owner", faults.ErrForbidden)
		}
		for _, g := range entry.GroupIDs {
			if !p.CanWrite(g) {
				return "", fmt.Errorf("%w: no write grant on group %s", faults.ErrForbidden, g)
			}
		}
	}
	return c.pool.Submit(ingest.Task{
		Entry:         entry,
		Text:          text,
		Source:        source,
		ContextPrefix: contextPrefix,
		Submitter:     p.ID,
	})
}

// TaskStatus returns ingestion progress. Only the submitter and admins can
// see a task; everyone else gets NotFound so task ids stay unguessable.
func (c *Core) TaskStatus(taskID string, p auth.Principal) (ingest.Status, error) {
	st, err := c.pool.Status(taskID)
	if err != nil {
		return ingest.Status{}, err
	}
	if !p.IsAdmin() && st.Submitter != p.ID {
		return ingest.Status{}, fmt.Errorf("%w: task %s", faults.ErrNotFound, taskID)
	}
	return st, nil
}

// DeleteEntry removes every passage of a knowledge entry from both
// indices. Both deletions complete before the call returns, so a search
// issued afterwards can no longer surface the entry from either channel.
func (c *Core) DeleteEntry(ctx context.Context, p auth.Principal, entryID string) error {
	if c.meta != nil {
		ok, err := c.meta.CanWriteEntry(ctx, p, entryID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: no write access to entry %s", faults.ErrForbidden, entryID)
		}
	} else if p.IsAnonymous() {
		return fmt.Errorf("%w: deletion requires authentication", faults.ErrUnauthorized)
	}

	if err := c.vectors.DeleteByEntry(ctx, entryID); err != nil {
		return fmt.Errorf("delete dense passages: %w", err)
	}
	c.lexical.DeleteByEntry(entryID)
	return nil
}

// ReloadEmbeddingProvider swaps the embedding provider. A dimension change
// drops the answer cache and puts the vector store into degraded-write
// mode until the collection is recreated or re-embedded.
func (c *Core) ReloadEmbeddingProvider(cfg config.EmbeddingConfig) (embeddings.ReloadReport, error) {
	report, err := c.embed.Reload(cfg)
	if err != nil {
		return report, err
	}
	if report.DimensionChanged() {
		c.cache.Invalidate()
		c.vectors.RefuseWrites(true)
		c.logger.Warn("Embedding dimension changed, vector writes refused until reindex",
			zap.Int("previous", report.PreviousDimension),
			zap.Int("current", report.CurrentDimension),
		)
	}
	return report, nil
}

// Reindex recreates the vector collection at the active provider's
// dimension and clears the lexical index. Existing content must be
// re-ingested afterwards.
func (c *Core) Reindex(ctx context.Context, p auth.Principal) error {
	if !p.IsAdmin() {
		return fmt.Errorf("%w: reindex is admin-only", faults.ErrForbidden)
	}
	if err := c.vectors.RecreateCollection(ctx, c.embed.Dimension()); err != nil {
		return err
	}
	c.lexical.Rebuild(nil)
	c.cache.Invalidate()
	return nil
}

// Resolve maps an API key to a principal. Without a resolver every key
// resolves to the anonymous principal.
func (c *Core) Resolve(ctx context.Context, apiKey string) (auth.Principal, error) {
	if c.resolver == nil {
		return auth.Anonymous, nil
	}
	return c.resolver.Resolve(ctx, apiKey)
}

// QueueDepth exposes the ingestion backlog for health reporting.
func (c *Core) QueueDepth() int { return c.pool.QueueDepth() }

// Shutdown drains ingestion and closes external connections.
func (c *Core) Shutdown(ctx context.Context) {
	c.pool.Shutdown(ctx)
	if c.meta != nil {
		_ = c.meta.Close()
	}
	c.logger.Info("Core shut down")
}
