package memory

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iammorganparry/clive/apps/memengine/internal/embedding"
	"github.com/iammorganparry/clive/apps/memengine/internal/models"
	"github.com/iammorganparry/clive/apps/memengine/internal/store"
	"github.com/iammorganparry/clive/apps/memengine/internal/vectorstore"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	indexes := vectorstore.NewManager()
	factory := ProjectFactory(dir, embedding.NewLexicalEmbedder(64), 100, DefaultSettings(""), indexes, discardLogger())
	r := NewRegistry(factory, indexes, discardLogger())
	t.Cleanup(func() { r.Close() })
	return r, dir
}

func TestRegistryOpensOneEnginePerProject(t *testing.T) {
	r, dir := newTestRegistry(t)
	ctx := context.Background()

	a1, err := r.Get(ctx, "alpha")
	require.NoError(t, err)
	a2, err := r.Get(ctx, " alpha ")
	require.NoError(t, err)
	assert.Same(t, a1, a2)
	assert.Equal(t, "alpha", a1.ProjectID())

	b, err := r.Get(ctx, "beta")
	require.NoError(t, err)
	assert.NotSame(t, a1, b)

	_, err = os.Stat(store.ProjectDBPath(dir, "alpha"))
	assert.NoError(t, err)

	engines := r.Engines()
	require.Len(t, engines, 2)
	assert.Equal(t, "alpha", engines[0].ProjectID())
	assert.Equal(t, "beta", engines[1].ProjectID())

	_, err = r.Get(ctx, "  ")
	assert.True(t, models.IsValidation(err))
}

func TestRegistryIsolatesProjects(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	a, err := r.Get(ctx, "alpha")
	require.NoError(t, err)
	b, err := r.Get(ctx, "beta")
	require.NoError(t, err)

	id := mustStore(t, a, &models.StoreRequest{Type: models.MemoryTypeConversation, Content: "alpha only secret plan"})

	_, err = b.Get(ctx, id)
	assert.ErrorIs(t, err, models.ErrNotFound)
	results, err := b.Search(ctx, &models.MemoryQuery{Text: "secret plan"})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRegistryConcurrentGet(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	got := make([]*Engine, 8)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := r.Get(ctx, "shared")
			if err == nil {
				got[i] = e
			}
		}(i)
	}
	wg.Wait()

	for _, e := range got {
		require.NotNil(t, e)
		assert.Same(t, got[0], e)
	}
}

func TestRegistryClose(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	e, err := r.Get(ctx, "alpha")
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, err = r.Get(ctx, "alpha")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.Get(ctx, "x")
	assert.ErrorIs(t, err, ErrClosed)
	assert.Empty(t, r.Engines())
}

func TestProjectFactoryReportsInitializationErrors(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	factory := ProjectFactory(blocker, embedding.NewLexicalEmbedder(8), 10, DefaultSettings(""), vectorstore.NewManager(), discardLogger())
	_, err := factory(context.Background(), "p")

	var initErr *models.InitializationError
	assert.ErrorAs(t, err, &initErr)
}

type staticSource []*Engine

func (s staticSource) Engines() []*Engine { return s }

func TestSchedulerRunsOptimization(t *testing.T) {
	e, clock := setupEngine(t)
	req := &models.StoreRequest{Type: models.MemoryTypeBestPractice, Content: "pin tool versions"}
	mustStore(t, e, req)
	clock.Advance(time.Second)
	mustStore(t, e, req)

	s := NewScheduler(staticSource{e}, 10*time.Millisecond, 10*time.Millisecond, discardLogger())
	s.Start(context.Background())
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		stats, err := e.Stats(context.Background())
		return err == nil && stats.TotalRecords == 1
	}, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop()
}

type panickingSource struct {
	mu    sync.Mutex
	calls int
}

func (p *panickingSource) Engines() []*Engine {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	panic("boom")
}

func (p *panickingSource) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestSchedulerSurvivesPanics(t *testing.T) {
	src := &panickingSource{}
	s := NewScheduler(src, 5*time.Millisecond, 0, discardLogger())
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return src.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
}
