package memory

import (
	"context"
	"database/sql"
	"time"
	"unicode/utf8"

	"github.com/iammorganparry/clive/apps/memengine/internal/embedding"
	"github.com/iammorganparry/clive/apps/memengine/internal/models"
)

// CompressionMarker terminates the retained head of a compressed record.
const CompressionMarker = "\n…[compressed]"

// Optimize runs one retention pass: deduplication, compression, archival
// expiry and hot-cache bounding. Each step takes the engine lock on its own,
// so foreground calls interleave between steps but never observe a step
// half done.
func (e *Engine) Optimize(ctx context.Context) (report *models.OptimizationReport, err error) {
	ctx, done := e.tel.Track(ctx, "optimize", e.projectID)
	defer func() { done(err) }()

	start := time.Now()
	report = &models.OptimizationReport{}

	if report.DuplicatesRemoved, err = e.dedupStep(ctx); err != nil {
		return nil, err
	}
	if report.Compressed, err = e.compressStep(ctx); err != nil {
		return nil, err
	}
	if report.Compressed > 0 {
		// Truncated heads can collide.
		n, err := e.dedupStep(ctx)
		if err != nil {
			return nil, err
		}
		report.DuplicatesRemoved += n
	}
	if report.Archived, err = e.archiveStep(ctx); err != nil {
		return nil, err
	}
	if report.Evicted, err = e.evictStep(); err != nil {
		return nil, err
	}

	report.CacheHitRatio, _ = e.hot.HitRatio()
	report.DurationMs = time.Since(start).Milliseconds()

	e.logger.Info("optimization complete",
		"duplicates_removed", report.DuplicatesRemoved,
		"compressed", report.Compressed,
		"archived", report.Archived,
		"evicted", report.Evicted,
		"cache_hit_ratio", report.CacheHitRatio,
	)
	return report, nil
}

// dedupStep hard-deletes every non-archived record whose checksum matches an
// earlier-created one.
func (e *Engine) dedupStep(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}

	groups, err := e.records.DuplicateGroups(ctx, e.db)
	if err != nil {
		return 0, &models.StorageError{Op: "dedup", Err: err}
	}
	var removed []string
	for _, g := range groups {
		removed = append(removed, g[1:]...)
	}
	if len(removed) == 0 {
		return 0, nil
	}

	err = e.db.WithTx(ctx, "dedup", func(tx *sql.Tx) error {
		for _, id := range removed {
			if err := e.records.Delete(ctx, tx, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	e.forget(ctx, removed...)
	e.logger.Info("removed duplicate memories", "count", len(removed))
	return len(removed), nil
}

// compressStep replaces the content of old, large records with a head plus
// CompressionMarker. It is lossy; the record is flagged compressed.
func (e *Engine) compressStep(ctx context.Context) (int, error) {
	policy := e.settings.Retention
	if policy.CompressAfterDays <= 0 || policy.CompressHeadRunes <= 0 {
		return 0, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}

	now := e.now()
	cutoff := now.Add(-days(policy.CompressAfterDays))
	candidates, err := e.records.CompressionCandidates(ctx, e.db, cutoff, policy.CompressMinBytes)
	if err != nil {
		return 0, &models.StorageError{Op: "compress", Err: err}
	}

	var compressed []*models.MemoryRecord
	for _, rec := range candidates {
		if utf8.RuneCountInString(rec.Content) <= policy.CompressHeadRunes {
			continue
		}
		head := string([]rune(rec.Content)[:policy.CompressHeadRunes])
		content := head + CompressionMarker

		vec, err := e.embedder.Embed(ctx, content)
		if err != nil {
			e.logger.Warn("skip compression, embed failed", "id", rec.ID, "error", err)
			continue
		}
		rec.OriginalSize = len(rec.Content)
		rec.Content = content
		rec.Embedding = vec
		rec.Metadata.Checksum = embedding.ContentHash(content)
		rec.Compressed = true
		rec.UpdatedAt = now
		compressed = append(compressed, rec)
	}
	if len(compressed) == 0 {
		return 0, nil
	}

	err = e.db.WithTx(ctx, "compress", func(tx *sql.Tx) error {
		for _, rec := range compressed {
			if err := e.records.Save(ctx, tx, rec, e.embedder.Model()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, rec := range compressed {
		e.hot.Del(rec.ID)
		e.indexRecord(ctx, rec)
	}
	e.logger.Info("compressed memories", "count", len(compressed))
	return len(compressed), nil
}

// archiveStep archives records older than archiveAfterDays, skipping those
// above the importance floor when neverDeleteImportant is set.
func (e *Engine) archiveStep(ctx context.Context) (int, error) {
	policy := e.settings.Retention
	if policy.ArchiveAfterDays <= 0 {
		return 0, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}

	now := e.now()
	cutoff := now.Add(-days(policy.ArchiveAfterDays))
	ids, err := e.records.ExpiredIDs(ctx, e.db, cutoff, policy.NeverDeleteImportant, policy.ImportanceFloor)
	if err != nil {
		return 0, &models.StorageError{Op: "archive", Err: err}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	err = e.db.WithTx(ctx, "archive", func(tx *sql.Tx) error {
		for _, id := range ids {
			if err := e.records.Archive(ctx, tx, id, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	e.forget(ctx, ids...)
	e.logger.Info("archived expired memories", "count", len(ids))
	return len(ids), nil
}

func (e *Engine) evictStep() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}
	return e.hot.Sweep(e.now()), nil
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
