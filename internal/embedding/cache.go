package embedding

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/ristretto"
)

// PersistentCache is the optional durable tier, keyed by content hash and
// model name.
type PersistentCache interface {
	GetEmbedding(ctx context.Context, contentHash, model string) ([]float32, bool, error)
	PutEmbedding(ctx context.Context, contentHash, model string, vec []float32) error
}

// CachedEmbedder wraps an Embedder with a bounded in-process cache keyed by
// exact text and, when configured, a durable cache keyed by content hash.
type CachedEmbedder struct {
	inner      Embedder
	mem        *ristretto.Cache
	persistent PersistentCache
	logger     *slog.Logger
}

// NewCachedEmbedder builds the cache. persistent may be nil.
func NewCachedEmbedder(inner Embedder, maxEntries int64, persistent PersistentCache, logger *slog.Logger) (*CachedEmbedder, error) {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	mem, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
		// Cost counts entries, not bytes.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &CachedEmbedder{
		inner:      inner,
		mem:        mem,
		persistent: persistent,
		logger:     logger,
	}, nil
}

func (e *CachedEmbedder) Dimensions() int { return e.inner.Dimensions() }

func (e *CachedEmbedder) Model() string { return e.inner.Model() }

// Embed returns the embedding for text, using cache when available. The
// returned slice is owned by the caller.
func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.mem.Get(text); ok {
		return copyVec(v.([]float32)), nil
	}

	var hash string
	if e.persistent != nil {
		hash = ContentHash(text)
		vec, ok, err := e.persistent.GetEmbedding(ctx, hash, e.inner.Model())
		if err != nil {
			e.logger.Warn("embedding cache lookup failed", "error", err)
		} else if ok && len(vec) == e.inner.Dimensions() {
			e.remember(text, vec)
			return copyVec(vec), nil
		}
	}

	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	e.remember(text, vec)
	if e.persistent != nil {
		// Non-fatal: the vector is reproducible.
		if err := e.persistent.PutEmbedding(ctx, hash, e.inner.Model(), vec); err != nil {
			e.logger.Warn("embedding cache write failed", "error", err)
		}
	}
	return copyVec(vec), nil
}

// HealthCheck forwards to the inner embedder when it supports it.
func (e *CachedEmbedder) HealthCheck(ctx context.Context) error {
	if hc, ok := e.inner.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// Close releases the cache goroutines.
func (e *CachedEmbedder) Close() {
	e.mem.Close()
}

func (e *CachedEmbedder) remember(text string, vec []float32) {
	e.mem.Set(text, copyVec(vec), 1)
	e.mem.Wait()
}

func copyVec(v []float32) []float32 {
	return append([]float32(nil), v...)
}
