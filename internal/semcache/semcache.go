// Package semcache is the semantic answer cache: finished answers are
// stored under their question embedding and served again for questions
// whose embeddings are close enough in cosine similarity.
package semcache

import (
	"container/list"
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mnemo-ai/mnemo/internal/config"
	"github.com/mnemo-ai/mnemo/internal/kb"
	"github.com/mnemo-ai/mnemo/internal/metrics"
)

// Entry is a cached answer with the passages that supported it.
type Entry struct {
	Question string
	Answer   string
	Sources  []kb.Hit
}

type cached struct {
	key     string
	entry   Entry
	vector  []float32
	norm    float64
	expires time.Time
}

// Embedder produces the query vector for cache probes.
type Embedder interface {
	EncodeOne(ctx context.Context, text string) ([]float32, error)
}

// Cache is an in-memory LRU of answered questions, probed by cosine
// similarity. Entries are namespaced by principal so answers never leak
// across access scopes.
type Cache struct {
	embedder  Embedder
	threshold float64
	ttl       time.Duration
	max       int
	enabled   bool
	logger    *zap.Logger

	mu   sync.Mutex
	list *list.List               // front = most recent
	byID map[string]*list.Element // normalized key -> element
	dim  int                      // vector width of stored entries; 0 = empty
}

// New creates the cache from config.
func New(embedder Embedder, cfg config.CacheConfig, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	max := cfg.MaxEntries
	if max <= 0 {
		max = 10000
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = time.Hour
	}
	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = 0.92
	}
	return &Cache{
		embedder:  embedder,
		threshold: threshold,
		ttl:       ttl,
		max:       max,
		enabled:   cfg.Enabled,
		logger:    logger,
		list:      list.New(),
		byID:      make(map[string]*list.Element),
	}
}

// normKey lowercases, collapses whitespace, and suffixes the principal so
// lookups are scoped per caller.
func normKey(question, principalID string) string {
	q := strings.Join(strings.Fields(strings.ToLower(question)), " ")
	return q + "\x00" + principalID
}

// Get probes the cache. An exact normalized match short-circuits; otherwise
// the question is embedded and compared against stored vectors within the
// same principal scope.
func (c *Cache) Get(ctx context.Context, question, principalID string) (Entry, bool) {
	if !c.enabled {
		return Entry{}, false
	}
	key := normKey(question, principalID)
	now := time.Now()

	c.mu.Lock()
	if el, ok := c.byID[key]; ok {
		ent := el.Value.(*cached)
		if ent.expires.After(now) {
			c.list.MoveToFront(el)
			c.mu.Unlock()
			metrics.AnswerCacheHits.Inc()
			return ent.entry, true
		}
		c.removeLocked(el)
	}
	c.mu.Unlock()

	vec, err := c.embedder.EncodeOne(ctx, question)
	if err != nil {
		c.logger.Warn("Cache probe embedding failed", zap.Error(err))
		metrics.AnswerCacheMisses.Inc()
		return Entry{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dim != 0 && len(vec) != c.dim {
		// provider changed width under us; everything stored is stale
		c.invalidateLocked()
		metrics.AnswerCacheMisses.Inc()
		return Entry{}, false
	}

	suffix := "\x00" + principalID
	qNorm := vecNorm(vec)
	var best *list.Element
	bestSim := c.threshold

	for el := c.list.Front(); el != nil; {
		next := el.Next()
		ent := el.Value.(*cached)
		if !ent.expires.After(now) {
			c.removeLocked(el)
			el = next
			continue
		}
		if strings.HasSuffix(ent.key, suffix) {
			if sim := cosine(vec, qNorm, ent.vector, ent.norm); sim >= bestSim {
				best = el
				bestSim = sim
			}
		}
		el = next
	}

	if best == nil {
		metrics.AnswerCacheMisses.Inc()
		return Entry{}, false
	}
	c.list.MoveToFront(best)
	metrics.AnswerCacheHits.Inc()
	return best.Value.(*cached).entry, true
}

// Put stores an answer under the question embedding.
func (c *Cache) Put(ctx context.Context, question, principalID string, entry Entry) {
	if !c.enabled {
		return
	}
	vec, err := c.embedder.EncodeOne(ctx, question)
	if err != nil {
		c.logger.Warn("Cache store embedding failed", zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dim != 0 && len(vec) != c.dim {
		c.invalidateLocked()
	}
	c.dim = len(vec)

	key := normKey(question, principalID)
	if el, ok := c.byID[key]; ok {
		c.removeLocked(el)
	}
	el := c.list.PushFront(&cached{
		key:     key,
		entry:   entry,
		vector:  vec,
		norm:    vecNorm(vec),
		expires: time.Now().Add(c.ttl),
	})
	c.byID[key] = el

	for c.list.Len() > c.max {
		if back := c.list.Back(); back != nil {
			c.removeLocked(back)
			metrics.AnswerCacheEvictions.Inc()
		}
	}
	metrics.AnswerCacheSize.Set(float64(c.list.Len()))
}

// Invalidate drops every entry. Called when the embedding provider is
// swapped to a different dimension.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked()
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

func (c *Cache) invalidateLocked() {
	n := c.list.Len()
	c.list.Init()
	c.byID = make(map[string]*list.Element)
	c.dim = 0
	if n > 0 {
		metrics.AnswerCacheEvictions.Add(float64(n))
	}
	metrics.AnswerCacheSize.Set(0)
}

func (c *Cache) removeLocked(el *list.Element) {
	ent := el.Value.(*cached)
	c.list.Remove(el)
	delete(c.byID, ent.key)
	metrics.AnswerCacheSize.Set(float64(c.list.Len()))
}

func vecNorm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func cosine(a []float32, aNorm float64, b []float32, bNorm float64) float64 {
	if len(a) != len(b) || aNorm == 0 || bNorm == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (aNorm * bNorm)
}
