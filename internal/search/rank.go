package search

import (
	"fmt"
	"sort"

	"github.com/iammorganparry/clive/apps/memengine/internal/models"
)

// Params controls how a filtered candidate set is ranked.
type Params struct {
	// QueryVector is the embedded query text. Ignored unless HasText is set.
	QueryVector []float32
	HasText     bool
	// Threshold drops text-mode candidates scoring below it. Zero or less
	// accepts every candidate.
	Threshold  float64
	MaxResults int
}

// Result is a ranked candidate before the relationship walk.
type Result struct {
	Record      *models.MemoryRecord
	Score       float64
	Explanation string
}

// Rank scores and orders candidates that already passed the structured
// filters. With query text the score is cosine similarity; without it the
// score is importance. Candidates whose embedding is missing score 0.
func Rank(candidates []*models.MemoryRecord, p Params) []Result {
	results := make([]Result, 0, len(candidates))

	if p.HasText {
		for _, rec := range candidates {
			sim := CosineSimilarity(p.QueryVector, rec.Embedding)
			if p.Threshold > 0 && sim < p.Threshold {
				continue
			}
			results = append(results, Result{
				Record:      rec,
				Score:       sim,
				Explanation: fmt.Sprintf("cosine similarity %.3f to query text (threshold %.2f)", sim, p.Threshold),
			})
		}
		// Importance and recency only break exact score ties.
		sort.SliceStable(results, func(i, j int) bool {
			a, b := results[i], results[j]
			if a.Score != b.Score {
				return a.Score > b.Score
			}
			if a.Record.Importance != b.Record.Importance {
				return a.Record.Importance > b.Record.Importance
			}
			return a.Record.LastAccessed.After(b.Record.LastAccessed)
		})
	} else {
		for _, rec := range candidates {
			results = append(results, Result{
				Record:      rec,
				Score:       rec.Importance,
				Explanation: fmt.Sprintf("ranked by importance %.2f (no query text)", rec.Importance),
			})
		}
		sort.SliceStable(results, func(i, j int) bool {
			a, b := results[i].Record, results[j].Record
			if a.Importance != b.Importance {
				return a.Importance > b.Importance
			}
			return a.LastAccessed.After(b.LastAccessed)
		})
	}

	if p.MaxResults > 0 && len(results) > p.MaxResults {
		results = results[:p.MaxResults]
	}
	return results
}
