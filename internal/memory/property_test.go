package memory

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/iammorganparry/clive/apps/memengine/internal/models"
)

func boundedConfidence(p *models.LearningPattern) bool {
	return math.Abs(p.Confidence-math.Min(1, float64(p.Frequency)/10)) < 1e-9
}

func TestLearningPatternBoundsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)
	root := t.TempDir()

	properties.Property("frequency counts outcomes, rates and confidence stay bounded", prop.ForAll(
		func(outcomes []bool, durations []int64) bool {
			ctx := context.Background()
			dir, err := os.MkdirTemp(root, "learn")
			if err != nil {
				return false
			}
			e := openTestEngine(t, dir, nil, nil)

			var successes, failures int64
			for i, ok := range outcomes {
				d := int64(0)
				if i < len(durations) {
					d = durations[i]
				}
				if err := e.Learn(ctx, models.Interaction{Type: "deploy", Success: ok, DurationMs: d}); err != nil {
					return false
				}
				if ok {
					successes++
				} else {
					failures++
				}
			}

			patterns, err := e.TopPatterns(ctx, categoryGeneral, 0)
			if err != nil {
				return false
			}
			for _, p := range patterns {
				if p.SuccessRate < 0 || p.SuccessRate > 1 || !boundedConfidence(p) || p.AvgDurationMs < 0 {
					return false
				}
			}
			if s := findPattern(patterns, "deploy:success"); successes > 0 && (s == nil || s.Frequency != successes || s.SuccessRate != 1) {
				return false
			}
			if f := findPattern(patterns, "deploy:failure"); failures > 0 && (f == nil || f.Frequency != failures || f.SuccessRate != 0) {
				return false
			}
			return int64(len(patterns)) == boolCount(successes > 0)+boolCount(failures > 0)
		},
		gen.SliceOfN(25, gen.Bool()),
		gen.SliceOf(gen.Int64Range(0, 5000)),
	))

	properties.Property("merging keeps rates and confidence bounded and is idempotent", prop.ForAll(
		func(f1, f2 int64, r1, r2 float64) bool {
			a := &models.LearningPattern{Key: "k", Frequency: f1, SuccessRate: r1, Confidence: patternConfidence(f1)}
			b := &models.LearningPattern{Key: "k", Frequency: f2, SuccessRate: r2, Confidence: patternConfidence(f2)}

			merged := mergePattern(a, b)
			if merged.SuccessRate < 0 || merged.SuccessRate > 1 || !boundedConfidence(merged) {
				return false
			}
			if merged.Frequency != max(f1, f2) {
				return false
			}
			again := mergePattern(merged, b)
			return again.Frequency == merged.Frequency && again.SuccessRate == merged.SuccessRate
		},
		gen.Int64Range(1, 50),
		gen.Int64Range(1, 50),
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}

func boolCount(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func TestDedupIdempotenceProperty(t *testing.T) {
	phrases := []string{
		"always close response bodies",
		"check every returned error",
		"pass contexts to blocking calls",
		"prefer table driven tests",
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 15
	properties := gopter.NewProperties(parameters)
	root := t.TempDir()

	properties.Property("a second optimization removes nothing", prop.ForAll(
		func(picks []int) bool {
			ctx := context.Background()
			dir, err := os.MkdirTemp(root, "dedup")
			if err != nil {
				return false
			}
			e := openTestEngine(t, filepath.Join(dir, "e"), nil, nil)

			distinct := map[int]bool{}
			for _, i := range picks {
				if _, err := e.Store(ctx, &models.StoreRequest{Type: models.MemoryTypeBestPractice, Content: phrases[i]}); err != nil {
					return false
				}
				distinct[i] = true
			}

			first, err := e.Optimize(ctx)
			if err != nil || first.DuplicatesRemoved != len(picks)-len(distinct) {
				return false
			}
			second, err := e.Optimize(ctx)
			if err != nil || second.DuplicatesRemoved != 0 {
				return false
			}
			stats, err := e.Stats(ctx)
			return err == nil && stats.TotalRecords == len(distinct)
		},
		gen.SliceOf(gen.IntRange(0, len(phrases)-1)),
	))

	properties.TestingRun(t)
}
