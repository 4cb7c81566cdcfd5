package vectorstore

import (
	"context"
	"fmt"
	"strings"

	chromem "github.com/philippgille/chromem-go"

	"github.com/iammorganparry/clive/apps/memengine/internal/search"
)

// Neighbour is one nearest-neighbour hit.
type Neighbour struct {
	ID         string
	Similarity float64
	Metadata   map[string]string
}

// Index is an in-process cosine index over one project's record embeddings.
// It mirrors the durable store and can always be rebuilt from it.
type Index struct {
	coll *chromem.Collection
}

// Upsert adds or replaces the vector for id. Zero vectors cannot be ranked by
// cosine similarity, so they are removed instead.
func (i *Index) Upsert(ctx context.Context, id string, vec []float32, meta map[string]string) error {
	if len(vec) == 0 || search.IsZero(vec) {
		return i.Remove(ctx, id)
	}
	doc := chromem.Document{
		ID:        id,
		Embedding: append([]float32(nil), vec...),
		Metadata:  meta,
	}
	if err := i.coll.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("index document %s: %w", id, err)
	}
	return nil
}

// Remove drops ids from the index. Unknown ids are ignored.
func (i *Index) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := i.coll.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("remove from index: %w", err)
	}
	return nil
}

// Count returns the number of indexed vectors.
func (i *Index) Count() int {
	return i.coll.Count()
}

// Nearest returns up to k neighbours of vec ordered by similarity, skipping
// the id in exclude.
func (i *Index) Nearest(ctx context.Context, vec []float32, k int, exclude string) ([]Neighbour, error) {
	if k <= 0 || len(vec) == 0 || search.IsZero(vec) {
		return nil, nil
	}

	// chromem-go requires nResults <= collection size.
	n := k + 1
	if c := i.coll.Count(); n > c {
		n = c
	}
	if n == 0 {
		return nil, nil
	}

	results, err := i.coll.QueryEmbedding(ctx, vec, n, nil, nil)
	if err != nil {
		if strings.Contains(err.Error(), "nResults") {
			return nil, nil
		}
		return nil, fmt.Errorf("query index: %w", err)
	}

	out := make([]Neighbour, 0, len(results))
	for _, r := range results {
		if r.ID == exclude {
			continue
		}
		out = append(out, Neighbour{ID: r.ID, Similarity: float64(r.Similarity), Metadata: r.Metadata})
		if len(out) == k {
			break
		}
	}
	return out, nil
}
