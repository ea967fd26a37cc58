package embedder

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/docaihq/docai/pkg/cache"
)

// CachedEmbedder wraps an Embedder with the emb: cache namespace. Vectors are
// expensive to compute, so hits skip the backend entirely. Cache failures are
// soft: a broken cache degrades to the cold path.
type CachedEmbedder struct {
	inner Embedder
	cache cache.Cache
	ttl   time.Duration
}

func NewCachedEmbedder(inner Embedder, c cache.Cache, ttl time.Duration) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: c, ttl: ttl}
}

func (e *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))

	// Collect misses, preserving original positions.
	missTexts := make([]string, 0, len(texts))
	missIndexes := make([]int, 0, len(texts))
	for i, text := range texts {
		data, ok, err := e.cache.Get(ctx, cache.EmbeddingKey(text))
		if err != nil {
			slog.Warn("embedding cache read failed", "error", err)
		}
		if ok && err == nil {
			var vector []float32
			if err := json.Unmarshal(data, &vector); err == nil {
				results[i] = vector
				continue
			}
			slog.Warn("corrupt embedding cache entry, recomputing")
		}
		missTexts = append(missTexts, text)
		missIndexes = append(missIndexes, i)
	}

	if len(missTexts) == 0 {
		return results, nil
	}

	vectors, err := e.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}

	for j, vector := range vectors {
		results[missIndexes[j]] = vector

		data, err := json.Marshal(vector)
		if err != nil {
			continue
		}
		if err := e.cache.Set(ctx, cache.EmbeddingKey(missTexts[j]), data, e.ttl); err != nil {
			slog.Warn("embedding cache write failed", "error", err)
		}
	}

	return results, nil
}

func (e *CachedEmbedder) Dimension() int {
	return e.inner.Dimension()
}

func (e *CachedEmbedder) ModelName() string {
	return e.inner.ModelName()
}

func (e *CachedEmbedder) Close() error {
	return e.inner.Close()
}

var _ Embedder = (*CachedEmbedder)(nil)
