package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iammorganparry/clive/apps/memengine/internal/models"
)

func findPattern(patterns []*models.LearningPattern, key string) *models.LearningPattern {
	for _, p := range patterns {
		if p.Key == key {
			return p
		}
	}
	return nil
}

func TestLearnReinforcesPattern(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, e.Learn(ctx, models.Interaction{
			Type:       "refactor",
			Success:    true,
			Category:   "editing",
			DurationMs: int64(100 * (i + 1)),
			Example:    "extract method",
		}))
	}
	require.NoError(t, e.Learn(ctx, models.Interaction{Type: "refactor", Success: false}))

	patterns, err := e.TopPatterns(ctx, "", 10)
	require.NoError(t, err)

	p := findPattern(patterns, PatternKey("refactor", true))
	require.NotNil(t, p)
	assert.Equal(t, "refactor:success", p.Key)
	assert.EqualValues(t, 3, p.Frequency)
	assert.Equal(t, 1.0, p.SuccessRate)
	assert.InDelta(t, 0.3, p.Confidence, 1e-9)
	assert.InDelta(t, 200, p.AvgDurationMs, 1e-9)
	assert.Equal(t, "editing", p.Category)
	assert.Equal(t, []string{"extract method"}, p.Examples)

	failed := findPattern(patterns, "refactor:failure")
	require.NotNil(t, failed)
	assert.EqualValues(t, 1, failed.Frequency)
	assert.Zero(t, failed.SuccessRate)
	assert.Equal(t, categoryGeneral, failed.Category)

	// Ranked by frequency × successRate.
	assert.Equal(t, "refactor:success", patterns[0].Key)
}

func TestLearnValidation(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()

	assert.True(t, models.IsValidation(e.Learn(ctx, models.Interaction{Type: " "})))
	assert.True(t, models.IsValidation(e.Learn(ctx, models.Interaction{Type: "x", DurationMs: -1})))
}

func TestStoreFeedsContentSignals(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()

	mustStore(t, e, &models.StoreRequest{
		Type:    models.MemoryTypeErrorResolution,
		Content: "func load() error { if err != nil { return err } }",
	})

	content, err := e.TopPatterns(ctx, categoryContent, 0)
	require.NoError(t, err)
	assert.NotNil(t, findPattern(content, "function_definition:success"))
	assert.NotNil(t, findPattern(content, "error_handling:success"))
	assert.Nil(t, findPattern(content, "testing:success"))

	storage, err := e.TopPatterns(ctx, categoryStorage, 0)
	require.NoError(t, err)
	require.Len(t, storage, 1)
	assert.Equal(t, "store:error_resolution:success", storage[0].Key)

	none, err := e.TopPatterns(ctx, "unknown-category", 5)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestMergePattern(t *testing.T) {
	t0 := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	existing := &models.LearningPattern{Key: "k", Frequency: 2, SuccessRate: 1, AvgDurationMs: 100, LastReinforced: t0.Add(time.Hour), Examples: []string{"a"}, Context: map[string]any{"env": "dev"}}
	incoming := &models.LearningPattern{Key: "k", Frequency: 4, SuccessRate: 0.5, AvgDurationMs: 300, LastReinforced: t0, Examples: []string{"a", "b"}, Context: map[string]any{"env": "prod", "os": "linux"}}

	merged := mergePattern(existing, incoming)
	assert.EqualValues(t, 4, merged.Frequency, "longer history wins")
	assert.InDelta(t, 0.5, merged.SuccessRate, 1e-9)
	assert.InDelta(t, 300, merged.AvgDurationMs, 1e-9)
	assert.True(t, merged.LastReinforced.Equal(t0.Add(time.Hour)))
	assert.ElementsMatch(t, []string{"a", "b"}, merged.Examples)
	assert.Equal(t, map[string]any{"env": "prod", "os": "linux"}, merged.Context)
	assert.InDelta(t, 0.4, merged.Confidence, 1e-9)

	again := mergePattern(merged, incoming)
	assert.Equal(t, merged.Frequency, again.Frequency)
	assert.Equal(t, merged.SuccessRate, again.SuccessRate)
	assert.ElementsMatch(t, merged.Examples, again.Examples)

	older := mergePattern(incoming, &models.LearningPattern{Key: "k", Frequency: 1, SuccessRate: 0})
	assert.EqualValues(t, 4, older.Frequency)
	assert.InDelta(t, 0.5, older.SuccessRate, 1e-9)

	fresh := mergePattern(nil, &models.LearningPattern{Key: "n"})
	assert.EqualValues(t, 1, fresh.Frequency)
}

func TestAppendExampleKeepsMostRecent(t *testing.T) {
	var examples []string
	for _, ex := range []string{"1", "2", "3", "4", "5", "6", "6"} {
		examples = appendExample(examples, ex)
	}
	assert.Equal(t, []string{"2", "3", "4", "5", "6"}, examples)
}
