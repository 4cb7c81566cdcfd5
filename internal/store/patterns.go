package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/iammorganparry/clive/apps/memengine/internal/models"
)

const patternColumns = `key, interaction_type, success, category, frequency, success_rate,
	last_reinforced, context, examples, confidence, avg_duration_ms`

// PatternStore persists learning patterns. Patterns are never deleted.
type PatternStore struct {
	db        *DB
	onCorrupt func(*models.CorruptDataError)
}

// NewPatternStore creates a pattern store. onCorrupt is called for every
// context or examples blob that fails to decode; it may be nil.
func NewPatternStore(db *DB, onCorrupt func(*models.CorruptDataError)) *PatternStore {
	if onCorrupt == nil {
		onCorrupt = func(*models.CorruptDataError) {}
	}
	return &PatternStore{db: db, onCorrupt: onCorrupt}
}

// Get returns the pattern stored under key, or nil, nil.
func (s *PatternStore) Get(ctx context.Context, q Querier, key string) (*models.LearningPattern, error) {
	p, err := s.scanPattern(q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM learning_patterns WHERE key = ?`, patternColumns), key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pattern: %w", err)
	}
	return p, nil
}

// Put inserts or overwrites a pattern row.
func (s *PatternStore) Put(ctx context.Context, q Querier, p *models.LearningPattern) error {
	ctxJSON, err := json.Marshal(p.Context)
	if err != nil {
		return fmt.Errorf("encode pattern context: %w", err)
	}
	examplesJSON, err := json.Marshal(p.Examples)
	if err != nil {
		return fmt.Errorf("encode pattern examples: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO learning_patterns (`+patternColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			category = excluded.category,
			frequency = excluded.frequency,
			success_rate = excluded.success_rate,
			last_reinforced = excluded.last_reinforced,
			context = excluded.context,
			examples = excluded.examples,
			confidence = excluded.confidence,
			avg_duration_ms = excluded.avg_duration_ms
	`,
		p.Key, p.InteractionType, boolInt(p.Success), p.Category, p.Frequency, p.SuccessRate,
		toNanos(p.LastReinforced), string(ctxJSON), string(examplesJSON), p.Confidence, p.AvgDurationMs,
	)
	if err != nil {
		return fmt.Errorf("put pattern: %w", err)
	}
	return nil
}

// Top returns up to n patterns ordered by frequency × successRate. An empty
// category matches every pattern.
func (s *PatternStore) Top(ctx context.Context, q Querier, category string, n int) ([]*models.LearningPattern, error) {
	query := fmt.Sprintf(`SELECT %s FROM learning_patterns`, patternColumns)
	var args []any
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY (frequency * success_rate) DESC, frequency DESC, key ASC`
	if n > 0 {
		query += ` LIMIT ?`
		args = append(args, n)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("top patterns: %w", err)
	}
	defer rows.Close()

	var out []*models.LearningPattern
	for rows.Next() {
		p, err := s.scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// All returns every pattern.
func (s *PatternStore) All(ctx context.Context, q Querier) ([]*models.LearningPattern, error) {
	return s.Top(ctx, q, "", 0)
}

// Count returns the number of stored patterns.
func (s *PatternStore) Count(ctx context.Context, q Querier) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM learning_patterns`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count patterns: %w", err)
	}
	return n, nil
}

func (s *PatternStore) scanPattern(row rowScanner) (*models.LearningPattern, error) {
	var p models.LearningPattern
	var success int
	var last int64
	var ctxJSON, examplesJSON sql.NullString
	err := row.Scan(&p.Key, &p.InteractionType, &success, &p.Category, &p.Frequency, &p.SuccessRate,
		&last, &ctxJSON, &examplesJSON, &p.Confidence, &p.AvgDurationMs)
	if err != nil {
		return nil, err
	}
	p.Success = success == 1
	p.LastReinforced = fromNanos(last)
	if ctxJSON.Valid && ctxJSON.String != "" {
		if err := json.Unmarshal([]byte(ctxJSON.String), &p.Context); err != nil {
			p.Context = nil
			s.onCorrupt(&models.CorruptDataError{RecordID: "pattern:" + p.Key, Field: "context", Err: err})
		}
	}
	if examplesJSON.Valid && examplesJSON.String != "" {
		if err := json.Unmarshal([]byte(examplesJSON.String), &p.Examples); err != nil {
			p.Examples = nil
			s.onCorrupt(&models.CorruptDataError{RecordID: "pattern:" + p.Key, Field: "examples", Err: err})
		}
	}
	return &p, nil
}
