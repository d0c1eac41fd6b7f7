package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/quarry-ai/quarry/internal/cache"
	"github.com/quarry-ai/quarry/internal/observability"
)

// cacheLabel is the collector label for the embedding vector cache.
const cacheLabel = "embedding"

// Cached wraps an Embedder with a vector cache. Identical text embedded
// under the same model is served from the cache, which is what keeps
// re-ingestion cheap and idempotent.
type Cached struct {
	inner   Embedder
	store   cache.Store
	metrics *observability.Collector
	logger  *logrus.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
}

func NewCached(inner Embedder, store cache.Store, metrics *observability.Collector, logger *logrus.Logger) *Cached {
	if logger == nil {
		logger = logrus.New()
	}
	if metrics == nil {
		metrics = observability.NewCollector(observability.DefaultNamespace)
	}
	return &Cached{
		inner:   inner,
		store:   store,
		metrics: metrics,
		logger:  logger,
	}
}

func (c *Cached) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	var (
		missIdx   []int
		missTexts []string
	)
	for i, text := range texts {
		if vector, ok := c.store.Get(ctx, c.cacheKey(text)); ok {
			out[i] = vector
			c.hits.Add(1)
			c.metrics.CacheHits.WithLabelValues(cacheLabel).Inc()
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
		c.misses.Add(1)
		c.metrics.CacheMisses.WithLabelValues(cacheLabel).Inc()
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	vectors, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, vector := range vectors {
		out[missIdx[j]] = vector
		c.store.Set(ctx, c.cacheKey(missTexts[j]), vector)
	}

	c.logger.WithFields(logrus.Fields{
		"requested": len(texts),
		"computed":  len(missTexts),
	}).Debug("Embedded with cache")

	return out, nil
}

func (c *Cached) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *Cached) Dimension() int { return c.inner.Dimension() }

func (c *Cached) ModelID() string { return c.inner.ModelID() }

func (c *Cached) Ping(ctx context.Context) error { return c.inner.Ping(ctx) }

func (c *Cached) Close() error {
	if err := c.store.Close(); err != nil {
		c.logger.WithError(err).Warn("Failed to close embedding cache")
	}
	return c.inner.Close()
}

// Stats reports cache hit and miss counts since startup.
func (c *Cached) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// cacheKey binds a cached vector to the model that produced it, so a model
// switch never serves stale vectors.
func (c *Cached) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(c.inner.ModelID() + "\x00" + text))
	return "emb:" + hex.EncodeToString(sum[:])
}
