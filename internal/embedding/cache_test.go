package embedding

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingEmbedder struct {
	*LexicalEmbedder
	mu    sync.Mutex
	calls int
	fail  error
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.fail != nil {
		return nil, c.fail
	}
	return c.LexicalEmbedder.Embed(ctx, text)
}

func (c *countingEmbedder) HealthCheck(context.Context) error { return c.fail }

type mapCache struct {
	mu   sync.Mutex
	data map[string][]float32
}

func (m *mapCache) GetEmbedding(_ context.Context, hash, model string) ([]float32, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[model+"/"+hash]
	return v, ok, nil
}

func (m *mapCache) PutEmbedding(_ context.Context, hash, model string, vec []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[model+"/"+hash] = append([]float32(nil), vec...)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCachedEmbedderAvoidsRecomputation(t *testing.T) {
	inner := &countingEmbedder{LexicalEmbedder: NewLexicalEmbedder(16)}
	persistent := &mapCache{data: map[string][]float32{}}

	c, err := NewCachedEmbedder(inner, 100, persistent, discardLogger())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	a, err := c.Embed(ctx, "hello world")
	require.NoError(t, err)
	b, err := c.Embed(ctx, "hello world")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, 1, inner.calls)
	assert.Len(t, persistent.data, 1)

	// Mutating a returned vector must not poison the cache.
	a[0] = 42
	again, err := c.Embed(ctx, "hello world")
	require.NoError(t, err)
	assert.Equal(t, b, again)
}

func TestCachedEmbedderUsesPersistentTier(t *testing.T) {
	inner := &countingEmbedder{LexicalEmbedder: NewLexicalEmbedder(16)}
	persistent := &mapCache{data: map[string][]float32{}}
	ctx := context.Background()

	first, err := NewCachedEmbedder(inner, 100, persistent, discardLogger())
	require.NoError(t, err)
	want, err := first.Embed(ctx, "persist me")
	require.NoError(t, err)
	first.Close()

	second, err := NewCachedEmbedder(inner, 100, persistent, discardLogger())
	require.NoError(t, err)
	defer second.Close()
	got, err := second.Embed(ctx, "persist me")
	require.NoError(t, err)

	assert.Equal(t, want, got)
	assert.Equal(t, 1, inner.calls)
}

func TestCachedEmbedderForwardsErrorsAndHealth(t *testing.T) {
	boom := errors.New("backend down")
	inner := &countingEmbedder{LexicalEmbedder: NewLexicalEmbedder(16), fail: boom}

	c, err := NewCachedEmbedder(inner, 10, nil, discardLogger())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, c.HealthCheck(context.Background()), boom)
	assert.Equal(t, inner.Model(), c.Model())
	assert.Equal(t, 16, c.Dimensions())
}

func TestContentHash(t *testing.T) {
	assert.Equal(t, ContentHash("a"), ContentHash("a"))
	assert.NotEqual(t, ContentHash("a"), ContentHash("b"))
	assert.Len(t, ContentHash("a"), 64)
}
