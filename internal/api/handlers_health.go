package api

import (
	"context"
	"net/http"
	"time"

	"github.com/iammorganparry/clive/apps/memengine/internal/embedding"
	"github.com/iammorganparry/clive/apps/memengine/internal/memory"
	"github.com/iammorganparry/clive/apps/memengine/internal/models"
)

const embedderProbeTimeout = 2 * time.Second

type HealthHandler struct {
	registry *memory.Registry
	embedder embedding.Embedder
}

func NewHealthHandler(registry *memory.Registry, embedder embedding.Embedder) *HealthHandler {
	return &HealthHandler{registry: registry, embedder: embedder}
}

// Health reports the embedder and the health of every open project. A
// critical project or a failing embedder makes the response 503.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := models.HealthResponse{
		Status:   "ok",
		Embedder: models.ServiceCheck{Status: "ok"},
		Projects: map[string]models.HealthStatus{},
	}

	if hc, ok := h.embedder.(embedding.HealthChecker); ok {
		ctx, cancel := context.WithTimeout(r.Context(), embedderProbeTimeout)
		err := hc.HealthCheck(ctx)
		cancel()
		if err != nil {
			resp.Embedder = models.ServiceCheck{Status: "error", Message: err.Error()}
			resp.Status = "degraded"
		}
	}

	for _, e := range h.registry.Engines() {
		health := e.Health(r.Context())
		resp.Projects[e.ProjectID()] = health.Status
		if health.Status == models.HealthCritical {
			resp.Status = "degraded"
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
