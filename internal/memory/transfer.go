package memory

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/iammorganparry/clive/apps/memengine/internal/embedding"
	"github.com/iammorganparry/clive/apps/memengine/internal/models"
)

const (
	// ExportVersion is written into every export document.
	ExportVersion = "1.1.0"
	// importConstraint lists the document versions Import accepts.
	importConstraint = ">=1.0.0, <2.0.0"

	exportSchemaURL = "https://memengine.local/schemas/export.schema.json"
)

// Document is the versioned export format. Embeddings are never exported;
// Import re-derives them.
type Document struct {
	Version        string                    `json:"version" yaml:"version"`
	ExportedAt     time.Time                 `json:"exportedAt" yaml:"exportedAt"`
	ProjectID      string                    `json:"projectId" yaml:"projectId"`
	EmbeddingModel string                    `json:"embeddingModel" yaml:"embeddingModel"`
	Records        []*models.MemoryRecord    `json:"records" yaml:"records"`
	Relationships  []models.Relationship     `json:"relationships" yaml:"relationships"`
	Patterns       []*models.LearningPattern `json:"patterns" yaml:"patterns"`
}

// Export writes every record (archived included), relationship and pattern
// to path. Paths ending in .yaml or .yml are written as YAML, others as JSON.
func (e *Engine) Export(ctx context.Context, path string) (err error) {
	ctx, done := e.tel.Track(ctx, "export", e.projectID)
	defer func() { done(err) }()

	if strings.TrimSpace(path) == "" {
		return &models.ValidationError{Field: "path", Reason: "must not be empty"}
	}

	e.mu.Lock()
	doc, err := e.snapshot(ctx)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	var data []byte
	if isYAML(path) {
		data, err = yaml.Marshal(doc)
	} else {
		data, err = json.MarshalIndent(doc, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode export: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create export directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write export: %w", err)
	}

	e.logger.Info("exported memories",
		"path", path,
		"records", len(doc.Records),
		"relationships", len(doc.Relationships),
		"patterns", len(doc.Patterns),
	)
	return nil
}

func (e *Engine) snapshot(ctx context.Context) (*Document, error) {
	if e.closed {
		return nil, ErrClosed
	}
	records, err := e.records.All(ctx, e.db)
	if err != nil {
		return nil, &models.StorageError{Op: "export", Err: err}
	}
	rels, err := e.rels.All(ctx, e.db)
	if err != nil {
		return nil, &models.StorageError{Op: "export", Err: err}
	}
	patterns, err := e.patterns.All(ctx, e.db)
	if err != nil {
		return nil, &models.StorageError{Op: "export", Err: err}
	}
	if records == nil {
		records = []*models.MemoryRecord{}
	}
	if rels == nil {
		rels = []models.Relationship{}
	}
	if patterns == nil {
		patterns = []*models.LearningPattern{}
	}
	return &Document{
		Version:        ExportVersion,
		ExportedAt:     e.now().UTC(),
		ProjectID:      e.projectID,
		EmbeddingModel: e.embedder.Model(),
		Records:        records,
		Relationships:  rels,
		Patterns:       patterns,
	}, nil
}

// Import loads an export document from path. Records are upserted by id with
// embeddings and checksums recomputed, relationships are added when both ends
// exist, and patterns are merged. Everything lands in one transaction.
func (e *Engine) Import(ctx context.Context, path string) (result *models.ImportResult, err error) {
	ctx, done := e.tel.Track(ctx, "import", e.projectID)
	defer func() { done(err) }()

	doc, err := ReadDocument(path)
	if err != nil {
		return nil, err
	}

	now := e.now()
	for _, rec := range doc.Records {
		prepareImported(rec, e.projectID, now)
	}

	// Embed before the transaction: the embedding cache shares the connection.
	vectors := make(map[string][]float32, len(doc.Records))
	for _, rec := range doc.Records {
		if _, ok := vectors[rec.Content]; ok {
			continue
		}
		vec, err := e.embedder.Embed(ctx, rec.Content)
		if err != nil {
			return nil, fmt.Errorf("embed imported record %s: %w", rec.ID, err)
		}
		vectors[rec.Content] = vec
	}
	for _, rec := range doc.Records {
		rec.Embedding = vectors[rec.Content]
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}

	result = &models.ImportResult{}
	model := e.embedder.Model()
	err = e.db.WithTx(ctx, "import", func(tx *sql.Tx) error {
		*result = models.ImportResult{}
		for _, rec := range doc.Records {
			if err := e.records.Upsert(ctx, tx, rec, model); err != nil {
				return err
			}
			result.Records++
		}
		for i := range doc.Relationships {
			rel := doc.Relationships[i]
			if rel.CreatedAt.IsZero() {
				rel.CreatedAt = now
			}
			ok, err := e.rels.InsertIfEndpointsExist(ctx, tx, &rel)
			if err != nil {
				return err
			}
			if ok {
				result.Relationships++
			}
		}
		for _, incoming := range doc.Patterns {
			existing, err := e.patterns.Get(ctx, tx, incoming.Key)
			if err != nil {
				return err
			}
			if err := e.patterns.Put(ctx, tx, mergePattern(existing, incoming)); err != nil {
				return err
			}
			result.Patterns++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, rec := range doc.Records {
		e.hot.Del(rec.ID)
		if rec.Archived {
			e.forget(ctx, rec.ID)
		} else {
			e.indexRecord(ctx, rec)
		}
	}

	e.logger.Info("imported memories",
		"path", path,
		"records", result.Records,
		"relationships", result.Relationships,
		"patterns", result.Patterns,
	)
	return result, nil
}

// ReadDocument loads, validates and version-checks an export document.
func ReadDocument(path string) (*Document, error) {
	if strings.TrimSpace(path) == "" {
		return nil, &models.ValidationError{Field: "path", Reason: "must not be empty"}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read import: %w", err)
	}
	return ParseDocument(data, isYAML(path))
}

// ParseDocument decodes an export document from JSON (or YAML when asYAML is
// set), validating it against the export schema and the supported version
// range.
func ParseDocument(data []byte, asYAML bool) (*Document, error) {
	if asYAML {
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, &models.ValidationError{Field: "document", Reason: fmt.Sprintf("invalid YAML: %v", err)}
		}
		converted, err := json.Marshal(raw)
		if err != nil {
			return nil, &models.ValidationError{Field: "document", Reason: fmt.Sprintf("unsupported YAML value: %v", err)}
		}
		data = converted
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, &models.ValidationError{Field: "document", Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}

	schema, err := exportSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(generic); err != nil {
		return nil, &models.ValidationError{Field: "document", Reason: err.Error()}
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &models.ValidationError{Field: "document", Reason: err.Error()}
	}
	if err := checkVersion(doc.Version); err != nil {
		return nil, err
	}
	return &doc, nil
}

func checkVersion(v string) error {
	version, err := semver.NewVersion(v)
	if err != nil {
		return &models.ValidationError{Field: "version", Reason: fmt.Sprintf("invalid version %q: %v", v, err)}
	}
	constraint, err := semver.NewConstraint(importConstraint)
	if err != nil {
		return fmt.Errorf("parse version constraint: %w", err)
	}
	if !constraint.Check(version) {
		return &models.ValidationError{Field: "version", Reason: fmt.Sprintf("version %s not supported (want %s)", v, importConstraint)}
	}
	return nil
}

// prepareImported normalises an imported record: checksum from content,
// tags deduplicated and missing timestamps filled in.
func prepareImported(rec *models.MemoryRecord, projectID string, now time.Time) {
	rec.Metadata.Checksum = embedding.ContentHash(rec.Content)
	rec.Tags = normalizeTags(rec.Tags)
	if rec.ProjectID == "" {
		rec.ProjectID = projectID
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	if rec.LastAccessed.IsZero() {
		rec.LastAccessed = rec.CreatedAt
	}
	if rec.Archived && rec.ArchivedAt == nil {
		t := now
		rec.ArchivedAt = &t
	}
}

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func exportSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(exportSchemaURL, strings.NewReader(exportSchemaJSON())); err != nil {
			schemaErr = fmt.Errorf("load export schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(exportSchemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile export schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

func exportSchemaJSON() string {
	memoryTypes := make([]string, 0, len(models.AllMemoryTypes()))
	for _, t := range models.AllMemoryTypes() {
		memoryTypes = append(memoryTypes, string(t))
	}
	relTypes := make([]string, 0, len(models.ValidRelationshipTypes))
	for t := range models.ValidRelationshipTypes {
		relTypes = append(relTypes, string(t))
	}

	unit := map[string]any{"type": "number", "minimum": 0, "maximum": 1}
	stringList := map[string]any{"type": []string{"array", "null"}, "items": map[string]any{"type": "string"}}
	schema := map[string]any{
		"type":     "object",
		"required": []string{"version", "records"},
		"properties": map[string]any{
			"version":        map[string]any{"type": "string", "minLength": 1},
			"exportedAt":     map[string]any{"type": "string"},
			"projectId":      map[string]any{"type": "string"},
			"embeddingModel": map[string]any{"type": "string"},
			"records": map[string]any{
				"type": []string{"array", "null"},
				"items": map[string]any{
					"type":     "object",
					"required": []string{"id", "type", "content"},
					"properties": map[string]any{
						"id":         map[string]any{"type": "string", "minLength": 1},
						"type":       map[string]any{"enum": memoryTypes},
						"content":    map[string]any{"type": "string", "minLength": 1},
						"importance": unit,
						"tags":       stringList,
						"metadata": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"confidence": unit,
								"relevance":  unit,
							},
						},
					},
				},
			},
			"relationships": map[string]any{
				"type": []string{"array", "null"},
				"items": map[string]any{
					"type":     "object",
					"required": []string{"sourceId", "targetId", "type"},
					"properties": map[string]any{
						"sourceId": map[string]any{"type": "string", "minLength": 1},
						"targetId": map[string]any{"type": "string", "minLength": 1},
						"type":     map[string]any{"enum": relTypes},
						"strength": unit,
					},
				},
			},
			"patterns": map[string]any{
				"type": []string{"array", "null"},
				"items": map[string]any{
					"type":     "object",
					"required": []string{"key", "interactionType"},
					"properties": map[string]any{
						"key":         map[string]any{"type": "string", "minLength": 1},
						"frequency":   map[string]any{"type": "integer", "minimum": 0},
						"successRate": unit,
					},
				},
			},
		},
	}
	b, _ := json.Marshal(schema)
	return string(b)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
