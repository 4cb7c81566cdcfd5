package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/iammorganparry/clive/apps/memengine/internal/embedding"
	"github.com/iammorganparry/clive/apps/memengine/internal/models"
	"github.com/iammorganparry/clive/apps/memengine/internal/store"
	"github.com/iammorganparry/clive/apps/memengine/internal/vectorstore"
)

// Factory opens the engine for a project.
type Factory func(ctx context.Context, projectID string) (*Engine, error)

// ProjectFactory returns a Factory that keeps one SQLite file per project
// under dataDir, wraps base in a per-project embedding cache and shares the
// in-process similarity collections through indexes.
func ProjectFactory(dataDir string, base embedding.Embedder, embedCacheSize int64, settings Settings, indexes *vectorstore.Manager, logger *slog.Logger, opts ...Option) Factory {
	return func(ctx context.Context, projectID string) (*Engine, error) {
		path := store.ProjectDBPath(dataDir, projectID)
		db, err := store.Open(path)
		if err != nil {
			return nil, err
		}

		cached, err := embedding.NewCachedEmbedder(base, embedCacheSize, store.NewEmbeddingCacheStore(db), logger)
		if err != nil {
			db.Close()
			return nil, &models.InitializationError{Path: path, Err: err}
		}

		idx, err := indexes.ForProject(store.ProjectKey(projectID))
		if err != nil {
			cached.Close()
			db.Close()
			return nil, &models.InitializationError{Path: path, Err: err}
		}

		s := settings
		s.ProjectID = projectID
		all := append([]Option{WithIndex(idx)}, opts...)
		e, err := Open(ctx, db, cached, s, logger, all...)
		if err != nil {
			cached.Close()
			db.Close()
			return nil, err
		}
		logger.Info("opened project memory", "project", projectID, "path", path)
		return e, nil
	}
}

// Registry lazily opens and caches one Engine per project.
type Registry struct {
	open    Factory
	indexes *vectorstore.Manager
	logger  *slog.Logger

	mu      sync.RWMutex
	engines map[string]*Engine
	closed  bool
}

// NewRegistry creates a registry. indexes may be nil when the factory does
// not use shared collections.
func NewRegistry(open Factory, indexes *vectorstore.Manager, logger *slog.Logger) *Registry {
	return &Registry{
		open:    open,
		indexes: indexes,
		logger:  logger.With("component", "registry"),
		engines: make(map[string]*Engine),
	}
}

// Get returns the engine for projectID, opening it on first use.
func (r *Registry) Get(ctx context.Context, projectID string) (*Engine, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, &models.ValidationError{Field: "project", Reason: "must not be empty"}
	}

	r.mu.RLock()
	if e, ok := r.engines[projectID]; ok {
		r.mu.RUnlock()
		return e, nil
	}
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if e, ok := r.engines[projectID]; ok {
		return e, nil
	}
	if r.closed {
		return nil, ErrClosed
	}

	e, err := r.open(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("open project %s: %w", projectID, err)
	}
	r.engines[projectID] = e
	return e, nil
}

// Engines returns the open engines ordered by project id.
func (r *Registry) Engines() []*Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID() < out[j].ProjectID() })
	return out
}

// Close closes every engine and drops their similarity collections.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true

	var errs []error
	for id, e := range r.engines {
		if err := e.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close project %s: %w", id, err))
		}
		if r.indexes != nil {
			if err := r.indexes.Drop(store.ProjectKey(id)); err != nil {
				r.logger.Warn("drop similarity collection failed", "project", id, "error", err)
			}
		}
		delete(r.engines, id)
	}
	return errors.Join(errs...)
}
