package api

import (
	"net/http"
	"strconv"

	"github.com/iammorganparry/clive/apps/memengine/internal/memory"
	"github.com/iammorganparry/clive/apps/memengine/internal/models"
	"github.com/iammorganparry/clive/apps/memengine/internal/privacy"
)

const defaultPatternLimit = 10

type LearningHandler struct {
	registry *memory.Registry
}

func NewLearningHandler(registry *memory.Registry) *LearningHandler {
	return &LearningHandler{registry: registry}
}

// Learn handles POST /learning/interactions
func (h *LearningHandler) Learn(w http.ResponseWriter, r *http.Request) {
	var in models.Interaction
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	in.Example = privacy.StripPrivateTags(in.Example)

	e, ok := engineFor(h.registry, w, r)
	if !ok {
		return
	}
	if err := e.Learn(r.Context(), in); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"key":    memory.PatternKey(in.Type, in.Success),
		"status": "recorded",
	})
}

// Patterns handles GET /learning/patterns?category=&limit=
func (h *LearningHandler) Patterns(w http.ResponseWriter, r *http.Request) {
	limit := defaultPatternLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	e, ok := engineFor(h.registry, w, r)
	if !ok {
		return
	}
	patterns, err := e.TopPatterns(r.Context(), r.URL.Query().Get("category"), limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if patterns == nil {
		patterns = []*models.LearningPattern{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"patterns": patterns})
}
