package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/iammorganparry/clive/apps/memengine/internal/memory"
	"github.com/iammorganparry/clive/apps/memengine/internal/models"
	"github.com/iammorganparry/clive/apps/memengine/internal/privacy"
)

type MemoryHandler struct {
	registry          *memory.Registry
	defaultMaxResults int
}

func NewMemoryHandler(registry *memory.Registry, defaultMaxResults int) *MemoryHandler {
	return &MemoryHandler{registry: registry, defaultMaxResults: defaultMaxResults}
}

// engineFor resolves the request's project engine, writing the error response
// itself when it fails.
func engineFor(registry *memory.Registry, w http.ResponseWriter, r *http.Request) (*memory.Engine, bool) {
	e, err := registry.Get(r.Context(), projectFrom(r.Context()))
	if err != nil {
		writeEngineError(w, err)
		return nil, false
	}
	return e, true
}

// Store handles POST /memories
func (h *MemoryHandler) Store(w http.ResponseWriter, r *http.Request) {
	var req models.StoreRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if privacy.HasOnlyPrivateContent(req.Content) {
		writeJSON(w, http.StatusOK, models.StoreResponse{Skipped: true, SkipReason: privacy.SkipReason})
		return
	}
	req.Content, _ = privacy.Clean(req.Content)

	e, ok := engineFor(h.registry, w, r)
	if !ok {
		return
	}
	id, err := e.Store(r.Context(), &req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, models.StoreResponse{ID: id})
}

// Search handles POST /memories/search
func (h *MemoryHandler) Search(w http.ResponseWriter, r *http.Request) {
	var q models.MemoryQuery
	if err := decodeJSON(r, &q); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if q.MaxResults == 0 {
		q.MaxResults = h.defaultMaxResults
	}

	e, ok := engineFor(h.registry, w, r)
	if !ok {
		return
	}
	results, err := e.Search(r.Context(), &q)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if results == nil {
		results = []*models.SearchResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "total": len(results)})
}

// Get handles GET /memories/{id}
func (h *MemoryHandler) Get(w http.ResponseWriter, r *http.Request) {
	e, ok := engineFor(h.registry, w, r)
	if !ok {
		return
	}
	rec, err := e.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Update handles PATCH /memories/{id}
func (h *MemoryHandler) Update(w http.ResponseWriter, r *http.Request) {
	var upd models.RecordUpdate
	if err := decodeJSON(r, &upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if upd.Content != nil {
		if privacy.HasOnlyPrivateContent(*upd.Content) {
			writeError(w, http.StatusBadRequest, "content must contain non-private text")
			return
		}
		content, _ := privacy.Clean(*upd.Content)
		upd.Content = &content
	}

	e, ok := engineFor(h.registry, w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := e.Update(r.Context(), id, &upd); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "updated"})
}

// Delete handles DELETE /memories/{id}?permanent=true
func (h *MemoryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	permanent, _ := strconv.ParseBool(r.URL.Query().Get("permanent"))

	e, ok := engineFor(h.registry, w, r)
	if !ok {
		return
	}
	if err := e.Delete(r.Context(), chi.URLParam(r, "id"), permanent); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type relateRequest struct {
	TargetID string                  `json:"targetId"`
	Type     models.RelationshipType `json:"type"`
	Strength *float64                `json:"strength,omitempty"`
	Metadata map[string]any          `json:"metadata,omitempty"`
}

// Relate handles POST /memories/{id}/relationships
func (h *MemoryHandler) Relate(w http.ResponseWriter, r *http.Request) {
	var req relateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	strength := 1.0
	if req.Strength != nil {
		strength = *req.Strength
	}

	e, ok := engineFor(h.registry, w, r)
	if !ok {
		return
	}
	source := chi.URLParam(r, "id")
	if err := e.Relate(r.Context(), source, req.TargetID, req.Type, strength, req.Metadata); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"sourceId": source,
		"targetId": req.TargetID,
		"type":     req.Type,
		"strength": strength,
	})
}
