package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/iammorganparry/clive/apps/memengine/internal/cache"
	"github.com/iammorganparry/clive/apps/memengine/internal/embedding"
	"github.com/iammorganparry/clive/apps/memengine/internal/models"
	"github.com/iammorganparry/clive/apps/memengine/internal/search"
	"github.com/iammorganparry/clive/apps/memengine/internal/store"
	"github.com/iammorganparry/clive/apps/memengine/internal/telemetry"
	"github.com/iammorganparry/clive/apps/memengine/internal/vectorstore"
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("memory engine closed")

const (
	defaultImportance = 0.5
	defaultConfidence = 0.8
	relatedLimit      = 5
)

// Settings tunes one engine instance.
type Settings struct {
	ProjectID           string
	SimilarityThreshold float64
	AutoLinkThreshold   float64
	AutoLinkMax         int
	CacheCapacity       int64
	CacheWindow         time.Duration
	Retention           models.RetentionPolicy
}

// DefaultSettings returns the settings used by tests and the library default.
func DefaultSettings(projectID string) Settings {
	return Settings{
		ProjectID:           projectID,
		SimilarityThreshold: 0.3,
		AutoLinkThreshold:   0.9,
		AutoLinkMax:         5,
		CacheCapacity:       1000,
		CacheWindow:         time.Hour,
		Retention:           models.DefaultRetentionPolicy(),
	}
}

// Option customises an Engine at construction.
type Option func(*Engine)

// WithClock replaces time.Now, mainly for age-based retention tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIndex uses a shared similarity index instead of a private one.
func WithIndex(idx *vectorstore.Index) Option {
	return func(e *Engine) { e.index = idx }
}

// WithTelemetry records spans and metrics for every public operation.
func WithTelemetry(in *telemetry.Instruments) Option {
	return func(e *Engine) { e.tel = in }
}

// Engine is the memory engine for one project. Every public operation holds
// mu, so durable-store access for an instance is serialized; the SQLite pool
// has a single connection underneath.
type Engine struct {
	mu     sync.Mutex
	closed bool

	projectID string
	settings  Settings

	db       *store.DB
	records  *store.RecordStore
	rels     *store.RelationshipStore
	patterns *store.PatternStore
	embedder embedding.Embedder
	hot      *cache.HotCache
	index    *vectorstore.Index
	tel      *telemetry.Instruments

	now     func() time.Time
	corrupt atomic.Int64
	logger  *slog.Logger
}

// Open builds an engine over an already opened store. Records embedded by a
// different model are re-embedded, then the similarity index is rebuilt.
func Open(ctx context.Context, db *store.DB, embedder embedding.Embedder, settings Settings, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		projectID: settings.ProjectID,
		settings:  settings,
		db:        db,
		embedder:  embedder,
		now:       time.Now,
		logger:    logger.With("component", "memory", "project", settings.ProjectID),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.records = store.NewRecordStore(db, embedder.Dimensions(), e.onCorrupt)
	e.rels = store.NewRelationshipStore(db, e.onCorrupt)
	e.patterns = store.NewPatternStore(db, e.onCorrupt)

	capacity := settings.CacheCapacity
	if capacity <= 0 {
		capacity = 1000
	}
	hot, err := cache.New(capacity, settings.CacheWindow)
	if err != nil {
		return nil, &models.InitializationError{Path: settings.ProjectID, Err: err}
	}
	e.hot = hot

	if e.index == nil {
		idx, err := vectorstore.NewManager().ForProject(store.ProjectKey(settings.ProjectID))
		if err != nil {
			hot.Close()
			return nil, &models.InitializationError{Path: settings.ProjectID, Err: err}
		}
		e.index = idx
	}

	if err := e.reembedStale(ctx); err != nil {
		hot.Close()
		return nil, &models.InitializationError{Path: settings.ProjectID, Err: err}
	}
	if err := e.rebuildIndex(ctx); err != nil {
		hot.Close()
		return nil, &models.InitializationError{Path: settings.ProjectID, Err: err}
	}
	return e, nil
}

// ProjectID returns the project this engine serves.
func (e *Engine) ProjectID() string { return e.projectID }

// Store validates and persists a new record with its relationships and the
// learning updates derived from its content, all in one transaction.
func (e *Engine) Store(ctx context.Context, req *models.StoreRequest) (id string, err error) {
	ctx, done := e.tel.Track(ctx, "store", e.projectID)
	defer func() { done(err) }()

	if err := validateStore(req); err != nil {
		return "", err
	}

	vec, err := e.embedder.Embed(ctx, req.Content)
	if err != nil {
		return "", fmt.Errorf("embed content: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", ErrClosed
	}

	now := e.now()
	rec := e.newRecord(req, vec, now)
	links := e.autoLinkCandidates(ctx, vec)

	err = e.db.WithTx(ctx, "store", func(tx *sql.Tx) error {
		if err := e.records.Insert(ctx, tx, rec, e.embedder.Model()); err != nil {
			return err
		}
		for _, ref := range rec.Metadata.Relationships {
			rel := store.NewRelationship(rec.ID, ref.TargetID, ref.Type, ref.Strength, now)
			ok, err := e.rels.InsertIfEndpointsExist(ctx, tx, rel)
			if err != nil {
				return err
			}
			if !ok {
				return &models.ValidationError{
					Field:  "metadata.relationships",
					Reason: fmt.Sprintf("target %s does not exist", ref.TargetID),
				}
			}
		}
		for _, n := range links {
			rel := store.NewRelationship(rec.ID, n.ID, models.RelationshipSimilar, clamp01(n.Similarity), now)
			rel.Metadata = map[string]any{"auto": true}
			if _, err := e.rels.InsertIfEndpointsExist(ctx, tx, rel); err != nil {
				return err
			}
		}
		return e.reinforceContent(ctx, tx, rec, now)
	})
	if err != nil {
		return "", err
	}

	e.hot.Put(rec)
	e.indexRecord(ctx, rec)

	e.logger.Debug("stored memory", "id", rec.ID, "type", rec.Type, "links", len(links))
	return rec.ID, nil
}

// Get returns the record with id, bumping its access bookkeeping. Unknown
// ids return ErrNotFound and change nothing.
func (e *Engine) Get(ctx context.Context, id string) (rec *models.MemoryRecord, err error) {
	ctx, done := e.tel.Track(ctx, "get", e.projectID)
	defer func() { done(err) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}

	rec, ok := e.hot.Get(id)
	if !ok {
		rec, err = e.records.GetByID(ctx, e.db, id)
		if err != nil {
			return nil, &models.StorageError{Op: "get", Err: err}
		}
		if rec == nil {
			return nil, models.NotFound(id)
		}
	}

	count, last, err := e.records.TouchAccess(ctx, e.db, id, e.now())
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			e.hot.Del(id)
			return nil, err
		}
		return nil, &models.StorageError{Op: "get", Err: err}
	}
	rec.AccessCount = count
	rec.LastAccessed = last

	e.hot.Put(rec)
	return rec, nil
}

// Update applies a partial update. A content change re-embeds and
// re-checksums in the same statement; updatedAt always moves.
func (e *Engine) Update(ctx context.Context, id string, upd *models.RecordUpdate) (err error) {
	ctx, done := e.tel.Track(ctx, "update", e.projectID)
	defer func() { done(err) }()

	if err := validateUpdate(upd); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	rec, err := e.records.GetByID(ctx, e.db, id)
	if err != nil {
		return &models.StorageError{Op: "update", Err: err}
	}
	if rec == nil {
		return models.NotFound(id)
	}

	contentChanged := upd.Content != nil && *upd.Content != rec.Content
	if contentChanged {
		vec, err := e.embedder.Embed(ctx, *upd.Content)
		if err != nil {
			return fmt.Errorf("embed content: %w", err)
		}
		rec.Content = *upd.Content
		rec.Embedding = vec
		rec.Compressed = false
		rec.OriginalSize = 0
	}
	if upd.Type != nil {
		rec.Type = *upd.Type
	}
	if upd.Importance != nil {
		rec.Importance = *upd.Importance
	}
	if upd.Tags != nil {
		rec.Tags = normalizeTags(*upd.Tags)
	}
	if upd.AssociatedFiles != nil {
		rec.AssociatedFiles = append([]string(nil), (*upd.AssociatedFiles)...)
	}
	if upd.Metadata != nil {
		meta := upd.Metadata.Clone()
		// Edges are managed by Store and Relate only.
		meta.Relationships = rec.Metadata.Relationships
		rec.Metadata = meta
	}
	rec.Metadata.Checksum = embedding.ContentHash(rec.Content)
	rec.UpdatedAt = e.now()

	err = e.db.WithTx(ctx, "update", func(tx *sql.Tx) error {
		return e.records.Save(ctx, tx, rec, e.embedder.Model())
	})
	if err != nil {
		return err
	}

	e.hot.Put(rec)
	if contentChanged && !rec.Archived {
		e.indexRecord(ctx, rec)
	}
	return nil
}

// Delete archives a record, or removes it and every edge naming it when
// permanent is set.
func (e *Engine) Delete(ctx context.Context, id string, permanent bool) (err error) {
	ctx, done := e.tel.Track(ctx, "delete", e.projectID)
	defer func() { done(err) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	err = e.db.WithTx(ctx, "delete", func(tx *sql.Tx) error {
		if permanent {
			return e.records.Delete(ctx, tx, id)
		}
		return e.records.Archive(ctx, tx, id, e.now())
	})
	if err != nil {
		return err
	}

	e.forget(ctx, id)
	e.logger.Debug("deleted memory", "id", id, "permanent", permanent)
	return nil
}

// Relate creates or re-weights an explicit edge between two stored records.
func (e *Engine) Relate(ctx context.Context, sourceID, targetID string, typ models.RelationshipType, strength float64, meta map[string]any) (err error) {
	ctx, done := e.tel.Track(ctx, "relate", e.projectID)
	defer func() { done(err) }()

	if !typ.IsValid() {
		return &models.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown relationship type %q", typ)}
	}
	if strength < 0 || strength > 1 {
		return &models.ValidationError{Field: "strength", Reason: "must be within [0,1]"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	return e.db.WithTx(ctx, "relate", func(tx *sql.Tx) error {
		for _, id := range []string{sourceID, targetID} {
			ok, err := e.records.Exists(ctx, tx, id)
			if err != nil {
				return err
			}
			if !ok {
				return models.NotFound(id)
			}
		}
		rel := store.NewRelationship(sourceID, targetID, typ, strength, e.now())
		rel.Metadata = meta
		return e.rels.Upsert(ctx, tx, rel)
	})
}

// Search filters, ranks and expands records for q. Primary results have their
// access bookkeeping updated; related records do not.
func (e *Engine) Search(ctx context.Context, q *models.MemoryQuery) (out []*models.SearchResult, err error) {
	ctx, done := e.tel.Track(ctx, "search", e.projectID)
	defer func() { done(err) }()

	if q == nil {
		q = &models.MemoryQuery{}
	}
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	hasText := strings.TrimSpace(q.Text) != ""
	var qvec []float32
	if hasText {
		qvec, err = e.embedder.Embed(ctx, q.Text)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
	}
	threshold := e.settings.SimilarityThreshold
	if q.SimilarityThreshold != nil {
		threshold = *q.SimilarityThreshold
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}

	candidates, err := e.records.Find(ctx, e.db, store.FilterFromQuery(q))
	if err != nil {
		return nil, &models.StorageError{Op: "search", Err: err}
	}
	ranked := search.Rank(candidates, search.Params{
		QueryVector: qvec,
		HasText:     hasText,
		Threshold:   threshold,
		MaxResults:  q.MaxResults,
	})

	out = make([]*models.SearchResult, 0, len(ranked))
	if len(ranked) == 0 {
		return out, nil
	}

	now := e.now()
	err = e.db.WithTx(ctx, "search", func(tx *sql.Tx) error {
		out = out[:0]
		for _, r := range ranked {
			count, last, err := e.records.TouchAccess(ctx, tx, r.Record.ID, now)
			if err != nil {
				return err
			}
			r.Record.AccessCount = count
			r.Record.LastAccessed = last

			related, err := e.related(ctx, tx, r.Record.ID, q.IncludeArchived)
			if err != nil {
				return err
			}
			out = append(out, &models.SearchResult{
				Record:         r.Record,
				Score:          r.Score,
				Explanation:    r.Explanation,
				RelatedRecords: related,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, res := range out {
		e.hot.Put(res.Record)
	}
	return out, nil
}

// Close releases the cache, the embedder and the database. Later calls
// return ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	e.hot.Close()
	if c, ok := e.embedder.(interface{ Close() }); ok {
		c.Close()
	}
	if err := e.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (e *Engine) related(ctx context.Context, q store.Querier, id string, includeArchived bool) ([]*models.MemoryRecord, error) {
	neighbours, err := e.rels.Neighbours(ctx, q, id, relatedLimit, includeArchived)
	if err != nil {
		return nil, err
	}
	related := make([]*models.MemoryRecord, 0, len(neighbours))
	for _, n := range neighbours {
		rec, err := e.records.GetByID(ctx, q, n.RecordID)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			related = append(related, rec)
		}
	}
	return related, nil
}

func (e *Engine) newRecord(req *models.StoreRequest, vec []float32, now time.Time) *models.MemoryRecord {
	importance := defaultImportance
	if req.Importance != nil {
		importance = *req.Importance
	}
	meta := models.Metadata{Confidence: defaultConfidence, Relevance: importance}
	if req.Metadata != nil {
		meta = req.Metadata.Clone()
	}
	meta.Checksum = embedding.ContentHash(req.Content)

	projectID := req.ProjectID
	if projectID == "" {
		projectID = e.projectID
	}
	return &models.MemoryRecord{
		ID:              uuid.New().String(),
		Type:            req.Type,
		Content:         req.Content,
		Metadata:        meta,
		Embedding:       vec,
		CreatedAt:       now,
		UpdatedAt:       now,
		LastAccessed:    now,
		Importance:      importance,
		Tags:            normalizeTags(req.Tags),
		AssociatedFiles: append([]string(nil), req.AssociatedFiles...),
		SessionID:       req.SessionID,
		ProjectID:       projectID,
	}
}

// autoLinkCandidates finds indexed records similar enough to get a
// "similar" edge from a new record.
func (e *Engine) autoLinkCandidates(ctx context.Context, vec []float32) []vectorstore.Neighbour {
	if e.settings.AutoLinkMax <= 0 || e.settings.AutoLinkThreshold <= 0 {
		return nil
	}
	hits, err := e.index.Nearest(ctx, vec, e.settings.AutoLinkMax, "")
	if err != nil {
		e.logger.Warn("auto-link lookup failed", "error", err)
		return nil
	}
	var out []vectorstore.Neighbour
	for _, h := range hits {
		if h.Similarity >= e.settings.AutoLinkThreshold {
			out = append(out, h)
		}
	}
	return out
}

func (e *Engine) indexRecord(ctx context.Context, rec *models.MemoryRecord) {
	meta := map[string]string{"type": string(rec.Type)}
	if rec.SessionID != "" {
		meta["session_id"] = rec.SessionID
	}
	if err := e.index.Upsert(ctx, rec.ID, rec.Embedding, meta); err != nil {
		e.logger.Warn("index record failed", "id", rec.ID, "error", err)
	}
}

// forget drops id from the hot cache and the similarity index.
func (e *Engine) forget(ctx context.Context, ids ...string) {
	for _, id := range ids {
		e.hot.Del(id)
	}
	if err := e.index.Remove(ctx, ids...); err != nil {
		e.logger.Warn("remove from index failed", "error", err)
	}
}

func (e *Engine) rebuildIndex(ctx context.Context) error {
	entries, err := e.records.IndexEntries(ctx, e.db)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		meta := map[string]string{"type": string(entry.Type)}
		if entry.SessionID != "" {
			meta["session_id"] = entry.SessionID
		}
		if err := e.index.Upsert(ctx, entry.ID, entry.Vector, meta); err != nil {
			return err
		}
	}
	e.logger.Debug("similarity index rebuilt", "entries", len(entries))
	return nil
}

// reembedStale recomputes embeddings written by another embedding model.
func (e *Engine) reembedStale(ctx context.Context) error {
	model := e.embedder.Model()
	ids, err := e.records.StaleEmbeddingIDs(ctx, e.db, model)
	if err != nil || len(ids) == 0 {
		return err
	}

	stale := make([]*models.MemoryRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := e.records.GetByID(ctx, e.db, id)
		if err != nil {
			return err
		}
		if rec == nil {
			continue
		}
		vec, err := e.embedder.Embed(ctx, rec.Content)
		if err != nil {
			return fmt.Errorf("re-embed %s: %w", id, err)
		}
		rec.Embedding = vec
		stale = append(stale, rec)
	}

	err = e.db.WithTx(ctx, "reembed", func(tx *sql.Tx) error {
		for _, rec := range stale {
			if err := e.records.Save(ctx, tx, rec, model); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("re-embedded records", "count", len(stale), "model", model)
	return nil
}

func (e *Engine) onCorrupt(err *models.CorruptDataError) {
	e.corrupt.Add(1)
	e.logger.Warn("corrupt stored data", "record_id", err.RecordID, "field", err.Field, "error", err.Err)
}

func validateStore(req *models.StoreRequest) error {
	if req == nil {
		return &models.ValidationError{Field: "request", Reason: "must not be empty"}
	}
	if !req.Type.IsValid() {
		return &models.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown memory type %q", req.Type)}
	}
	if strings.TrimSpace(req.Content) == "" {
		return &models.ValidationError{Field: "content", Reason: "must not be empty"}
	}
	if req.Importance != nil && (*req.Importance < 0 || *req.Importance > 1) {
		return &models.ValidationError{Field: "importance", Reason: "must be within [0,1]"}
	}
	if req.Metadata != nil {
		if err := validateMetadata(req.Metadata); err != nil {
			return err
		}
	}
	return nil
}

func validateUpdate(upd *models.RecordUpdate) error {
	if upd == nil {
		return &models.ValidationError{Field: "update", Reason: "must not be empty"}
	}
	if upd.Content != nil && strings.TrimSpace(*upd.Content) == "" {
		return &models.ValidationError{Field: "content", Reason: "must not be empty"}
	}
	if upd.Type != nil && !upd.Type.IsValid() {
		return &models.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown memory type %q", *upd.Type)}
	}
	if upd.Importance != nil && (*upd.Importance < 0 || *upd.Importance > 1) {
		return &models.ValidationError{Field: "importance", Reason: "must be within [0,1]"}
	}
	if upd.Metadata != nil {
		return validateMetadata(upd.Metadata)
	}
	return nil
}

func validateMetadata(m *models.Metadata) error {
	if m.Confidence < 0 || m.Confidence > 1 {
		return &models.ValidationError{Field: "metadata.confidence", Reason: "must be within [0,1]"}
	}
	if m.Relevance < 0 || m.Relevance > 1 {
		return &models.ValidationError{Field: "metadata.relevance", Reason: "must be within [0,1]"}
	}
	for _, ref := range m.Relationships {
		if ref.TargetID == "" {
			return &models.ValidationError{Field: "metadata.relationships", Reason: "targetId must not be empty"}
		}
		if !ref.Type.IsValid() {
			return &models.ValidationError{Field: "metadata.relationships", Reason: fmt.Sprintf("unknown relationship type %q", ref.Type)}
		}
		if ref.Strength < 0 || ref.Strength > 1 {
			return &models.ValidationError{Field: "metadata.relationships", Reason: "strength must be within [0,1]"}
		}
	}
	return nil
}

func validateQuery(q *models.MemoryQuery) error {
	for _, t := range q.Types {
		if !t.IsValid() {
			return &models.ValidationError{Field: "types", Reason: fmt.Sprintf("unknown memory type %q", t)}
		}
	}
	if q.MaxResults < 0 {
		return &models.ValidationError{Field: "maxResults", Reason: "must not be negative"}
	}
	if q.SimilarityThreshold != nil && (*q.SimilarityThreshold < 0 || *q.SimilarityThreshold > 1) {
		return &models.ValidationError{Field: "similarityThreshold", Reason: "must be within [0,1]"}
	}
	return nil
}

// normalizeTags trims, drops empties and collapses duplicates keeping the
// first occurrence.
func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
