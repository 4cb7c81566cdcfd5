package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iammorganparry/clive/apps/memengine/internal/api"
	"github.com/iammorganparry/clive/apps/memengine/internal/config"
	"github.com/iammorganparry/clive/apps/memengine/internal/embedding"
	"github.com/iammorganparry/clive/apps/memengine/internal/memory"
	"github.com/iammorganparry/clive/apps/memengine/internal/telemetry"
	"github.com/iammorganparry/clive/apps/memengine/internal/vectorstore"
)

var version = "dev"

func main() {
	// Config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %s\n", err)
		os.Exit(1)
	}

	// Logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: config.ParseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Tracing
	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTLPEndpoint, version, logger)
	if err != nil {
		logger.Error("failed to set up telemetry", "error", err)
		os.Exit(1)
	}

	// Embedding backend
	var embedder embedding.Embedder
	switch cfg.EmbeddingProvider {
	case "ollama":
		embedder = embedding.NewOllamaEmbedder(cfg.OllamaBaseURL, cfg.EmbeddingModel, cfg.EmbeddingDim)
	default:
		embedder = embedding.NewLexicalEmbedder(cfg.EmbeddingDim)
	}
	logger.Info("embedder selected", "provider", cfg.EmbeddingProvider, "model", embedder.Model(), "dim", embedder.Dimensions())

	// Projects
	settings := memory.Settings{
		SimilarityThreshold: cfg.SimilarityThreshold,
		AutoLinkThreshold:   cfg.AutoLinkThreshold,
		AutoLinkMax:         cfg.AutoLinkMax,
		CacheCapacity:       cfg.CacheCapacity,
		CacheWindow:         cfg.CacheWindow,
		Retention:           cfg.Retention,
	}
	indexes := vectorstore.NewManager()
	factory := memory.ProjectFactory(cfg.DataDir, embedder, cfg.EmbedCacheSize, settings, indexes, logger,
		memory.WithTelemetry(telemetry.New()))
	registry := memory.NewRegistry(factory, indexes, logger)

	if _, err := registry.Get(ctx, cfg.DefaultProject); err != nil {
		logger.Error("failed to open default project", "project", cfg.DefaultProject, "error", err)
		os.Exit(1)
	}

	// Background retention and health
	scheduler := memory.NewScheduler(registry, cfg.OptimizeInterval, cfg.HealthInterval, logger)
	scheduler.Start(ctx)

	// Router
	var limiter *api.RateLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer limiter.Stop()
	}
	if cfg.APIKey == "" {
		logger.Warn("MEMORY_API_KEY not set: requests are unauthenticated and /export, /import are disabled")
	}
	router := api.NewRouter(registry, embedder, cfg.DefaultProject, cfg.DefaultMaxResults, cfg.APIKey, cfg.ExportDir, limiter, logger)

	// Server
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("memory engine starting", "addr", addr, "data_dir", cfg.DataDir, "version", version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	scheduler.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if err := registry.Close(); err != nil {
		logger.Error("close projects", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown", "error", err)
	}

	logger.Info("server stopped")
}
