package search

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iammorganparry/clive/apps/memengine/internal/models"
)

// unitAt returns a 2-d unit vector whose cosine with (1, 0) is sim.
func unitAt(sim float64) []float32 {
	return []float32{float32(sim), float32(math.Sqrt(1 - sim*sim))}
}

func rec(id string, vec []float32, importance float64) *models.MemoryRecord {
	return &models.MemoryRecord{ID: id, Embedding: vec, Importance: importance, LastAccessed: time.Now()}
}

func TestRankSimilarityOrdering(t *testing.T) {
	candidates := []*models.MemoryRecord{
		rec("low", unitAt(0.1), 0.9),
		rec("high", unitAt(0.9), 0.1),
		rec("mid", unitAt(0.5), 0.5),
	}

	got := Rank(candidates, Params{
		QueryVector: []float32{1, 0},
		HasText:     true,
		Threshold:   0.3,
	})

	require.Len(t, got, 2)
	assert.Equal(t, "high", got[0].Record.ID)
	assert.Equal(t, "mid", got[1].Record.ID)
	assert.InDelta(t, 0.9, got[0].Score, 1e-6)
	assert.InDelta(t, 0.5, got[1].Score, 1e-6)
	assert.Contains(t, got[0].Explanation, "cosine similarity")
}

func TestRankImportanceBreaksExactTies(t *testing.T) {
	vec := unitAt(0.7)
	got := Rank([]*models.MemoryRecord{
		rec("a", vec, 0.2),
		rec("b", vec, 0.8),
	}, Params{QueryVector: []float32{1, 0}, HasText: true, Threshold: 0.3})

	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Record.ID)
}

func TestRankWithoutTextOrdersByImportance(t *testing.T) {
	got := Rank([]*models.MemoryRecord{
		rec("a", nil, 0.2),
		rec("b", nil, 0.9),
		rec("c", nil, 0.5),
	}, Params{MaxResults: 2})

	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Record.ID)
	assert.Equal(t, "c", got[1].Record.ID)
	assert.InDelta(t, 0.9, got[0].Score, 1e-9)
}

func TestRankMissingEmbeddingScoresZero(t *testing.T) {
	got := Rank([]*models.MemoryRecord{rec("a", nil, 1)}, Params{
		QueryVector: []float32{1, 0},
		HasText:     true,
		Threshold:   0,
	})
	require.Len(t, got, 1)
	assert.Zero(t, got[0].Score)

	got = Rank([]*models.MemoryRecord{rec("a", nil, 1)}, Params{
		QueryVector: []float32{1, 0},
		HasText:     true,
		Threshold:   0.3,
	})
	assert.Empty(t, got)
}
