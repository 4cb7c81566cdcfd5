package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iammorganparry/clive/apps/memengine/internal/models"
)

func TestStatsOnFreshEngine(t *testing.T) {
	e, _ := setupEngine(t)

	stats, err := e.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.TotalRecords)
	assert.NotNil(t, stats.MostAccessed)
	assert.NotNil(t, stats.RecentlyCreated)
	assert.Positive(t, stats.StorageBytes)
	assert.Equal(t, models.HealthHealthy, stats.Health.Status)
	assert.NotNil(t, stats.Health.Issues)
	assert.Empty(t, stats.Health.Issues)
}

func TestStatsAggregates(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()

	a := mustStore(t, e, &models.StoreRequest{Type: models.MemoryTypeCodePattern, Content: "builder pattern", Importance: importance(0.4)})
	b := mustStore(t, e, &models.StoreRequest{Type: models.MemoryTypeCodePattern, Content: "factory method", Importance: importance(0.8)})
	mustStore(t, e, &models.StoreRequest{Type: models.MemoryTypeToolUsage, Content: "goimports on save", Importance: importance(0.6)})
	require.NoError(t, e.Relate(ctx, a, b, models.RelationshipRelated, 0.5, nil))
	require.NoError(t, e.Delete(ctx, b, false))
	_, err := e.Get(ctx, a)
	require.NoError(t, err)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalRecords)
	assert.Equal(t, 1, stats.ArchivedRecords)
	assert.Equal(t, 2, stats.RecordsByType[models.MemoryTypeCodePattern])
	assert.Equal(t, 1, stats.RecordsByType[models.MemoryTypeToolUsage])
	assert.InDelta(t, 0.6, stats.AvgImportance, 1e-9)
	assert.Equal(t, 1, stats.RelationshipCount)
	assert.Positive(t, stats.PatternCount)
	require.NotEmpty(t, stats.MostAccessed)
	assert.Equal(t, a, stats.MostAccessed[0].ID)
	assert.Len(t, stats.RecentlyCreated, 2)
}

func TestHealthFlagsStorageOverLimit(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), newTestClock(), func(s *Settings) {
		s.Retention.MaxStorageBytes = 1
	})

	h := e.Health(context.Background())
	assert.Equal(t, models.HealthCritical, h.Status)
	require.NotEmpty(t, h.Issues)
	assert.Equal(t, models.SeverityCritical, h.Issues[0].Severity)
	assert.NotEmpty(t, h.Issues[0].Suggestion)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, models.HealthHealthy, classify(nil))
	assert.Equal(t, models.HealthDegraded, classify([]models.HealthIssue{{Severity: models.SeverityWarning}}))
	assert.Equal(t, models.HealthCritical, classify([]models.HealthIssue{
		{Severity: models.SeverityWarning},
		{Severity: models.SeverityCritical},
	}))
}

func TestCorruptPatternDegradesHealth(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Learn(ctx, models.Interaction{Type: "deploy", Success: true, Example: "ship it"}))
	_, err := e.db.ExecContext(ctx, `UPDATE learning_patterns SET examples = '{oops'`)
	require.NoError(t, err)

	patterns, err := e.TopPatterns(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Empty(t, patterns[0].Examples)

	h := e.Health(ctx)
	assert.Equal(t, models.HealthDegraded, h.Status)
	require.Len(t, h.Issues, 1)
	assert.Contains(t, h.Issues[0].Message, "1 corrupt field")
}
