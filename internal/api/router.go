package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/iammorganparry/clive/apps/memengine/internal/embedding"
	"github.com/iammorganparry/clive/apps/memengine/internal/memory"
)

// NewRouter creates the Chi router with all routes and middleware.
// limiter may be nil to disable rate limiting. /export and /import only
// operate inside exportDir and only when apiKey is set.
func NewRouter(
	registry *memory.Registry,
	embedder embedding.Embedder,
	defaultProject string,
	defaultMaxResults int,
	apiKey string,
	exportDir string,
	limiter *RateLimiter,
	logger *slog.Logger,
) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (runs on ALL routes including /health)
	r.Use(CORS)
	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recovery(logger))

	healthH := NewHealthHandler(registry, embedder)
	memoryH := NewMemoryHandler(registry, defaultMaxResults)
	learningH := NewLearningHandler(registry)
	adminH := NewAdminHandler(registry, exportDir, apiKey != "")

	// Unauthenticated routes
	r.Get("/health", healthH.Health)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		if limiter != nil {
			r.Use(limiter.Middleware)
		}
		r.Use(BearerAuth(apiKey))
		r.Use(ProjectExtractor(defaultProject))

		r.Route("/memories", func(r chi.Router) {
			r.Post("/", memoryH.Store)
			r.Post("/search", memoryH.Search)
			r.Get("/{id}", memoryH.Get)
			r.Patch("/{id}", memoryH.Update)
			r.Delete("/{id}", memoryH.Delete)
			r.Post("/{id}/relationships", memoryH.Relate)
		})

		r.Route("/learning", func(r chi.Router) {
			r.Post("/interactions", learningH.Learn)
			r.Get("/patterns", learningH.Patterns)
		})

		r.Get("/stats", adminH.Stats)
		r.Post("/optimize", adminH.Optimize)
		r.Post("/export", adminH.Export)
		r.Post("/import", adminH.Import)
	})

	return r
}
