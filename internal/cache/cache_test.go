package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iammorganparry/clive/apps/memengine/internal/models"
)

func record(id string, lastAccessed time.Time) *models.MemoryRecord {
	return &models.MemoryRecord{
		ID:           id,
		Content:      "content " + id,
		Tags:         []string{"a"},
		Embedding:    []float32{1, 0},
		LastAccessed: lastAccessed,
	}
}

func TestNewRejectsNonPositiveCapacity(t *testing.T) {
	_, err := New(0, time.Hour)
	assert.Error(t, err)
}

func TestPutGetReturnsCopies(t *testing.T) {
	h, err := New(100, time.Hour)
	require.NoError(t, err)
	defer h.Close()

	r := record("r1", time.Now())
	h.Put(r)
	r.Content = "changed after put"

	got, ok := h.Get("r1")
	require.True(t, ok)
	assert.Equal(t, "content r1", got.Content)

	got.Tags[0] = "mutated"
	again, ok := h.Get("r1")
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, again.Tags)
	assert.Equal(t, 1, h.Len())

	h.Del("r1")
	_, ok = h.Get("r1")
	assert.False(t, ok)
	assert.Zero(t, h.Len())
}

func TestSweepEvictsOutsideWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h, err := New(100, time.Hour)
	require.NoError(t, err)
	defer h.Close()

	h.Put(record("fresh", now.Add(-10*time.Minute)))
	h.Put(record("stale", now.Add(-2*time.Hour)))

	assert.Equal(t, 1, h.Sweep(now))
	_, ok := h.Get("stale")
	assert.False(t, ok)
	_, ok = h.Get("fresh")
	assert.True(t, ok)

	assert.Zero(t, h.Sweep(now))
}

func TestSweepDisabledWithoutWindow(t *testing.T) {
	h, err := New(10, 0)
	require.NoError(t, err)
	defer h.Close()

	h.Put(record("old", time.Unix(0, 0)))
	assert.Zero(t, h.Sweep(time.Now()))
	assert.Equal(t, 1, h.Len())
}

func TestHitRatio(t *testing.T) {
	h, err := New(10, time.Hour)
	require.NoError(t, err)
	defer h.Close()

	h.Put(record("x", time.Now()))
	h.Get("x")
	h.Get("x")
	h.Get("missing")

	ratio, lookups := h.HitRatio()
	assert.EqualValues(t, 3, lookups)
	assert.InDelta(t, 2.0/3.0, ratio, 1e-9)

	h.Clear()
	assert.Zero(t, h.Len())
}

func TestRejectedRecordIsNotTracked(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h, err := New(100, time.Hour)
	require.NoError(t, err)
	defer h.Close()

	r := record("refused", now.Add(-2*time.Hour))
	h.Put(r)
	h.dropped(&ristretto.Item{Value: r.Clone()})

	assert.Zero(t, h.Len())
	assert.Zero(t, h.Sweep(now))
}

func TestTrackedRecordsStayRetrievableUnderPressure(t *testing.T) {
	h, err := New(4, time.Hour)
	require.NoError(t, err)
	defer h.Close()

	now := time.Now()
	for i := 0; i < 200; i++ {
		h.Put(record(fmt.Sprintf("r%d", i), now))
		if i%7 == 0 {
			h.Get("r0")
		}
	}

	assert.LessOrEqual(t, h.Len(), 4)
	h.mu.Lock()
	ids := make([]string, 0, len(h.seen))
	for id := range h.seen {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		_, ok := h.Get(id)
		assert.True(t, ok, "tracked %s but not cached", id)
	}
}
