package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexNearest(t *testing.T) {
	m := NewManager()
	idx, err := m.ForProject("proj-1")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "east", []float32{1, 0}, map[string]string{"type": "pattern"}))
	require.NoError(t, idx.Upsert(ctx, "north-east", []float32{0.7071068, 0.7071068}, nil))
	require.NoError(t, idx.Upsert(ctx, "north", []float32{0, 1}, nil))
	assert.Equal(t, 3, idx.Count())

	got, err := idx.Nearest(ctx, []float32{1, 0}, 2, "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "east", got[0].ID)
	assert.Equal(t, "north-east", got[1].ID)
	assert.InDelta(t, 1.0, got[0].Similarity, 1e-5)
	assert.Equal(t, "pattern", got[0].Metadata["type"])

	got, err = idx.Nearest(ctx, []float32{1, 0}, 5, "east")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "north-east", got[0].ID)
}

func TestIndexZeroVectorIsNotIndexed(t *testing.T) {
	m := NewManager()
	idx, err := m.ForProject("proj-zero")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "a", []float32{1, 0}, nil))
	require.NoError(t, idx.Upsert(ctx, "a", []float32{0, 0}, nil))
	assert.Zero(t, idx.Count())

	got, err := idx.Nearest(ctx, []float32{0, 0}, 3, "")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = idx.Nearest(ctx, []float32{1, 0}, 3, "")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestManagerSharesAndDropsCollections(t *testing.T) {
	m := NewManager()
	a, err := m.ForProject("p")
	require.NoError(t, err)
	b, err := m.ForProject("p")
	require.NoError(t, err)
	assert.Same(t, a, b)

	require.NoError(t, a.Upsert(context.Background(), "x", []float32{1, 0}, nil))
	require.NoError(t, m.Drop("p"))

	c, err := m.ForProject("p")
	require.NoError(t, err)
	assert.NotSame(t, a, c)
	assert.Zero(t, c.Count())

	other, err := m.ForProject("q")
	require.NoError(t, err)
	assert.Zero(t, other.Count())
	assert.Equal(t, "memengine_q", CollectionName("q"))
}
