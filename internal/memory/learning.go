package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/iammorganparry/clive/apps/memengine/internal/models"
	"github.com/iammorganparry/clive/apps/memengine/internal/store"
)

const (
	maxPatternExamples = 5
	exampleRunes       = 120

	categoryContent = "content_structure"
	categoryStorage = "storage"
	categoryGeneral = "general"
)

// contentSignals maps a pattern type to the keywords that indicate it.
var contentSignals = []struct {
	name     string
	keywords []string
}{
	{"function_definition", []string{"func ", "function ", "def ", "=>", "method"}},
	{"type_definition", []string{"type ", "class ", "interface ", "struct", "enum "}},
	{"dependency_usage", []string{"import ", "require(", "go get", "npm install", "dependency"}},
	{"error_handling", []string{"error", "err != nil", "catch", "exception", "panic"}},
	{"testing", []string{"test", "assert", "expect(", "mock"}},
	{"configuration", []string{"config", "env ", ".yaml", ".json", "settings"}},
}

// Learn reinforces the pattern matching one observed interaction.
func (e *Engine) Learn(ctx context.Context, in models.Interaction) (err error) {
	ctx, done := e.tel.Track(ctx, "learn", e.projectID)
	defer func() { done(err) }()

	if strings.TrimSpace(in.Type) == "" {
		return &models.ValidationError{Field: "type", Reason: "must not be empty"}
	}
	if in.DurationMs < 0 {
		return &models.ValidationError{Field: "duration", Reason: "must not be negative"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	now := e.now()
	return e.db.WithTx(ctx, "learn", func(tx *sql.Tx) error {
		_, err := e.reinforce(ctx, tx, in, now)
		return err
	})
}

// TopPatterns returns up to n patterns by frequency × successRate. An empty
// category matches all; n <= 0 returns every pattern.
func (e *Engine) TopPatterns(ctx context.Context, category string, n int) (out []*models.LearningPattern, err error) {
	ctx, done := e.tel.Track(ctx, "top_patterns", e.projectID)
	defer func() { done(err) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}

	out, err = e.patterns.Top(ctx, e.db, category, n)
	if err != nil {
		return nil, &models.StorageError{Op: "top_patterns", Err: err}
	}
	if out == nil {
		out = []*models.LearningPattern{}
	}
	return out, nil
}

// PatternKey identifies the pattern for an interaction type and outcome.
func PatternKey(interactionType string, success bool) string {
	if success {
		return interactionType + ":success"
	}
	return interactionType + ":failure"
}

// reinforce applies one interaction to its pattern: frequency grows by one
// and the success rate moves by the incremental mean.
func (e *Engine) reinforce(ctx context.Context, q store.Querier, in models.Interaction, now time.Time) (*models.LearningPattern, error) {
	key := PatternKey(in.Type, in.Success)
	p, err := e.patterns.Get(ctx, q, key)
	if err != nil {
		return nil, err
	}

	outcome := 0.0
	if in.Success {
		outcome = 1
	}

	if p == nil {
		category := in.Category
		if category == "" {
			category = categoryGeneral
		}
		p = &models.LearningPattern{
			Key:             key,
			InteractionType: in.Type,
			Success:         in.Success,
			Category:        category,
			Frequency:       1,
			SuccessRate:     outcome,
			AvgDurationMs:   float64(in.DurationMs),
		}
	} else {
		f := float64(p.Frequency)
		p.SuccessRate = (p.SuccessRate*f + outcome) / (f + 1)
		p.Frequency++
		p.AvgDurationMs += (float64(in.DurationMs) - p.AvgDurationMs) / float64(p.Frequency)
		if in.Category != "" {
			p.Category = in.Category
		}
	}

	if len(in.Context) > 0 {
		if p.Context == nil {
			p.Context = make(map[string]any, len(in.Context))
		}
		for k, v := range in.Context {
			p.Context[k] = v
		}
	}
	if in.Example != "" {
		p.Examples = appendExample(p.Examples, truncateRunes(in.Example, exampleRunes))
	}
	p.Confidence = patternConfidence(p.Frequency)
	p.LastReinforced = now

	if err := e.patterns.Put(ctx, q, p); err != nil {
		return nil, err
	}
	return p, nil
}

// reinforceContent feeds the structural signals of a stored record into the
// tracker.
func (e *Engine) reinforceContent(ctx context.Context, q store.Querier, rec *models.MemoryRecord, now time.Time) error {
	example := truncateRunes(rec.Content, exampleRunes)
	for _, name := range detectSignals(rec.Content) {
		in := models.Interaction{Type: name, Success: true, Category: categoryContent, Example: example}
		if _, err := e.reinforce(ctx, q, in, now); err != nil {
			return fmt.Errorf("reinforce %s: %w", name, err)
		}
	}
	in := models.Interaction{
		Type:     "store:" + string(rec.Type),
		Success:  true,
		Category: categoryStorage,
		Example:  example,
	}
	if _, err := e.reinforce(ctx, q, in, now); err != nil {
		return fmt.Errorf("reinforce store: %w", err)
	}
	return nil
}

func detectSignals(content string) []string {
	lower := strings.ToLower(content)
	var out []string
	for _, sig := range contentSignals {
		for _, kw := range sig.keywords {
			if strings.Contains(lower, kw) {
				out = append(out, sig.name)
				break
			}
		}
	}
	return out
}

func patternConfidence(frequency int64) float64 {
	c := float64(frequency) / 10
	if c > 1 {
		return 1
	}
	return c
}

// mergePattern reconciles an imported pattern with the stored one. Both are
// snapshots of one monotonic counter, so the longer history wins (the later
// lastReinforced on equal frequency) and only examples and context are
// unioned. Re-importing the same document is therefore a no-op.
func mergePattern(existing, incoming *models.LearningPattern) *models.LearningPattern {
	if existing == nil {
		p := *incoming
		if p.Frequency < 1 {
			p.Frequency = 1
		}
		p.Confidence = patternConfidence(p.Frequency)
		return &p
	}

	base, other := existing, incoming
	if incoming.Frequency > existing.Frequency ||
		(incoming.Frequency == existing.Frequency && incoming.LastReinforced.After(existing.LastReinforced)) {
		base, other = incoming, existing
	}
	merged := *base
	if other.LastReinforced.After(merged.LastReinforced) {
		merged.LastReinforced = other.LastReinforced
	}
	if len(other.Context) > 0 {
		ctx := make(map[string]any, len(base.Context)+len(other.Context))
		for k, v := range other.Context {
			ctx[k] = v
		}
		for k, v := range base.Context {
			ctx[k] = v
		}
		merged.Context = ctx
	}
	examples := append([]string(nil), other.Examples...)
	for _, ex := range base.Examples {
		examples = appendExample(examples, ex)
	}
	merged.Examples = examples
	merged.Confidence = patternConfidence(merged.Frequency)
	return &merged
}

// appendExample keeps the most recent distinct examples, oldest dropped first.
func appendExample(examples []string, ex string) []string {
	for _, existing := range examples {
		if existing == ex {
			return examples
		}
	}
	examples = append(examples, ex)
	if len(examples) > maxPatternExamples {
		examples = examples[len(examples)-maxPatternExamples:]
	}
	return examples
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
