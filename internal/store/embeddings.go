package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/iammorganparry/clive/apps/memengine/internal/models"
	"github.com/iammorganparry/clive/apps/memengine/internal/search"
)

// EmbeddingCacheStore handles embedding cache operations in SQLite.
type EmbeddingCacheStore struct {
	db *DB
}

func NewEmbeddingCacheStore(db *DB) *EmbeddingCacheStore {
	return &EmbeddingCacheStore{db: db}
}

// Get returns a cached entry by content hash and model, or nil if not found.
func (s *EmbeddingCacheStore) Get(ctx context.Context, contentHash, model string) (*models.EmbeddingCacheEntry, error) {
	var e models.EmbeddingCacheEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT content_hash, embedding, dimension, model, updated_at
		FROM embedding_cache WHERE content_hash = ? AND model = ?
	`, contentHash, model).Scan(&e.ContentHash, &e.Embedding, &e.Dimension, &e.Model, &e.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get embedding cache: %w", err)
	}
	return &e, nil
}

// Put upserts an embedding cache entry.
func (s *EmbeddingCacheStore) Put(ctx context.Context, entry *models.EmbeddingCacheEntry) error {
	entry.UpdatedAt = time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embedding_cache (content_hash, model, embedding, dimension, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(content_hash, model) DO UPDATE SET
			embedding = excluded.embedding,
			dimension = excluded.dimension,
			updated_at = excluded.updated_at
	`, entry.ContentHash, entry.Model, entry.Embedding, entry.Dimension, entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put embedding cache: %w", err)
	}
	return nil
}

// GetEmbedding satisfies embedding.PersistentCache.
func (s *EmbeddingCacheStore) GetEmbedding(ctx context.Context, contentHash, model string) ([]float32, bool, error) {
	e, err := s.Get(ctx, contentHash, model)
	if err != nil || e == nil {
		return nil, false, err
	}
	vec, err := search.DecodeVector(e.Embedding, e.Dimension)
	if err != nil {
		// A bad cache row is just a miss; the next Put overwrites it.
		return nil, false, nil
	}
	return vec, true, nil
}

// PutEmbedding satisfies embedding.PersistentCache.
func (s *EmbeddingCacheStore) PutEmbedding(ctx context.Context, contentHash, model string, vec []float32) error {
	return s.Put(ctx, &models.EmbeddingCacheEntry{
		ContentHash: contentHash,
		Embedding:   search.Float32ToBytes(vec),
		Dimension:   len(vec),
		Model:       model,
	})
}
