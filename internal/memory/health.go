package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/iammorganparry/clive/apps/memengine/internal/embedding"
	"github.com/iammorganparry/clive/apps/memengine/internal/models"
)

const (
	statsListSize       = 10
	minLookupsForRatio  = 20
	lowHitRatio         = 0.5
	storageWarnRatio    = 0.8
	embedderCheckBudget = 2 * time.Second
)

// Stats aggregates counts, storage size, cache efficiency and health.
func (e *Engine) Stats(ctx context.Context) (stats *models.MemoryStats, err error) {
	ctx, done := e.tel.Track(ctx, "stats", e.projectID)
	defer func() { done(err) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}

	total, archived, avg, byType, err := e.records.Counts(ctx, e.db)
	if err != nil {
		return nil, &models.StorageError{Op: "stats", Err: err}
	}
	size, err := e.db.StorageBytes(ctx)
	if err != nil {
		return nil, &models.StorageError{Op: "stats", Err: err}
	}
	most, err := e.records.MostAccessed(ctx, e.db, statsListSize)
	if err != nil {
		return nil, &models.StorageError{Op: "stats", Err: err}
	}
	recent, err := e.records.RecentlyCreated(ctx, e.db, statsListSize)
	if err != nil {
		return nil, &models.StorageError{Op: "stats", Err: err}
	}
	relCount, err := e.rels.Count(ctx, e.db)
	if err != nil {
		return nil, &models.StorageError{Op: "stats", Err: err}
	}
	patCount, err := e.patterns.Count(ctx, e.db)
	if err != nil {
		return nil, &models.StorageError{Op: "stats", Err: err}
	}
	ratio, _ := e.hot.HitRatio()

	if most == nil {
		most = []*models.MemoryRecord{}
	}
	if recent == nil {
		recent = []*models.MemoryRecord{}
	}
	return &models.MemoryStats{
		TotalRecords:      total,
		ArchivedRecords:   archived,
		RecordsByType:     byType,
		StorageBytes:      size,
		AvgImportance:     avg,
		MostAccessed:      most,
		RecentlyCreated:   recent,
		RelationshipCount: relCount,
		PatternCount:      patCount,
		CacheHitRatio:     ratio,
		Health:            e.checkHealth(ctx, size),
	}, nil
}

// Health classifies the engine. It is advisory and never returns an error;
// problems reaching the store are themselves reported as issues.
func (e *Engine) Health(ctx context.Context) models.Health {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return models.Health{
			Status:    models.HealthCritical,
			Issues:    []models.HealthIssue{{Severity: models.SeverityCritical, Message: "engine closed", Suggestion: "reopen the project"}},
			CheckedAt: e.now(),
		}
	}

	size, err := e.db.StorageBytes(ctx)
	if err != nil {
		size = -1
	}
	return e.checkHealth(ctx, size)
}

// checkHealth assumes mu is held. size < 0 means it could not be measured.
func (e *Engine) checkHealth(ctx context.Context, size int64) models.Health {
	issues := []models.HealthIssue{}

	problems, err := e.db.IntegrityCheck(ctx)
	switch {
	case err != nil:
		issues = append(issues, models.HealthIssue{
			Severity:   models.SeverityCritical,
			Message:    fmt.Sprintf("integrity check failed to run: %v", err),
			Suggestion: "check that the database file is readable and the disk is healthy",
		})
	case len(problems) > 0:
		issues = append(issues, models.HealthIssue{
			Severity:   models.SeverityCritical,
			Message:    fmt.Sprintf("integrity check reported %d problem(s): %s", len(problems), problems[0]),
			Suggestion: "export the memories and re-import them into a fresh database",
		})
	}

	if ratio, lookups := e.hot.HitRatio(); lookups >= minLookupsForRatio && ratio < lowHitRatio {
		issues = append(issues, models.HealthIssue{
			Severity:   models.SeverityWarning,
			Message:    fmt.Sprintf("cache hit ratio %.2f is below %.2f", ratio, lowHitRatio),
			Suggestion: "increase CACHE_CAPACITY or CACHE_WINDOW",
		})
	}

	if limit := e.settings.Retention.MaxStorageBytes; limit > 0 && size >= 0 {
		ratio := float64(size) / float64(limit)
		switch {
		case ratio > 1:
			issues = append(issues, models.HealthIssue{
				Severity:   models.SeverityCritical,
				Message:    fmt.Sprintf("storage %d bytes exceeds limit %d", size, limit),
				Suggestion: "run optimize, lower ARCHIVE_AFTER_DAYS or raise MAX_STORAGE_BYTES",
			})
		case ratio > storageWarnRatio:
			issues = append(issues, models.HealthIssue{
				Severity:   models.SeverityWarning,
				Message:    fmt.Sprintf("storage at %.0f%% of limit", ratio*100),
				Suggestion: "run optimize to deduplicate and compress old records",
			})
		}
	}

	if n := e.corrupt.Load(); n > 0 {
		issues = append(issues, models.HealthIssue{
			Severity:   models.SeverityWarning,
			Message:    fmt.Sprintf("%d corrupt field(s) read since start", n),
			Suggestion: "update the affected records or re-import an export",
		})
	}

	if hc, ok := e.embedder.(embedding.HealthChecker); ok {
		cctx, cancel := context.WithTimeout(ctx, embedderCheckBudget)
		err := hc.HealthCheck(cctx)
		cancel()
		if err != nil {
			issues = append(issues, models.HealthIssue{
				Severity:   models.SeverityWarning,
				Message:    fmt.Sprintf("embedder unavailable: %v", err),
				Suggestion: "check that the embedding backend is running",
			})
		}
	}

	return models.Health{
		Status:    classify(issues),
		Issues:    issues,
		CheckedAt: e.now(),
	}
}

func classify(issues []models.HealthIssue) models.HealthStatus {
	status := models.HealthHealthy
	for _, issue := range issues {
		if issue.Severity == models.SeverityCritical {
			return models.HealthCritical
		}
		status = models.HealthDegraded
	}
	return status
}
