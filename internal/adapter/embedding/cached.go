package embedding

import (
	"context"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aymankanso/agent/internal/domain"
)

// CachedEmbedder keeps recent vectors of an inner provider keyed by text.
// Only the misses of a batch reach the inner provider, as a single call.
type CachedEmbedder struct {
	inner  domain.EmbeddingProvider
	cache  *lru.Cache[string, []float32]
	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCachedEmbedder wraps inner with an LRU of size vectors. A size of 0 or
// less returns inner unchanged.
func NewCachedEmbedder(inner domain.EmbeddingProvider, size int) domain.EmbeddingProvider {
	if size <= 0 {
		return inner
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return inner
	}
	return &CachedEmbedder{inner: inner, cache: cache}
}

func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var pending []int
	for i, text := range texts {
		if vec, ok := c.cache.Get(text); ok {
			out[i] = vec
			c.hits.Add(1)
			continue
		}
		c.misses.Add(1)
		pending = append(pending, i)
	}
	if len(pending) == 0 {
		return out, nil
	}

	batch := make([]string, len(pending))
	for j, i := range pending {
		batch[j] = texts[i]
	}
	vecs, err := c.inner.Embed(ctx, batch)
	if err != nil {
		return nil, err
	}
	if err := checkVectors(c.inner.Name(), vecs, len(batch), 0); err != nil {
		return nil, err
	}
	for j, i := range pending {
		out[i] = vecs[j]
		c.cache.Add(batch[j], vecs[j])
	}
	return out, nil
}

// Stats reports cache hits and misses counted per text.
func (c *CachedEmbedder) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *CachedEmbedder) Len() int { return c.cache.Len() }

func (c *CachedEmbedder) Dimensions() int { return c.inner.Dimensions() }
func (c *CachedEmbedder) Name() string    { return c.inner.Name() }

var _ domain.EmbeddingProvider = (*CachedEmbedder)(nil)
