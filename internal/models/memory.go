package models

import "time"

// MemoryRecord is the atomic unit stored by the engine.
type MemoryRecord struct {
	ID              string     `json:"id" yaml:"id"`
	Type            MemoryType `json:"type" yaml:"type"`
	Content         string     `json:"content" yaml:"content"`
	Metadata        Metadata   `json:"metadata" yaml:"metadata"`
	Embedding       []float32  `json:"-" yaml:"-"`
	CreatedAt       time.Time  `json:"createdAt" yaml:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt" yaml:"updatedAt"`
	LastAccessed    time.Time  `json:"lastAccessed" yaml:"lastAccessed"`
	AccessCount     int64      `json:"accessCount" yaml:"accessCount"`
	Importance      float64    `json:"importance" yaml:"importance"`
	Tags            []string   `json:"tags" yaml:"tags"`
	AssociatedFiles []string   `json:"associatedFiles,omitempty" yaml:"associatedFiles,omitempty"`
	SessionID       string     `json:"sessionId,omitempty" yaml:"sessionId,omitempty"`
	ProjectID       string     `json:"projectId,omitempty" yaml:"projectId,omitempty"`

	Archived     bool       `json:"archived" yaml:"archived"`
	ArchivedAt   *time.Time `json:"archivedAt,omitempty" yaml:"archivedAt,omitempty"`
	Compressed   bool       `json:"compressed" yaml:"compressed"`
	OriginalSize int        `json:"originalSize,omitempty" yaml:"originalSize,omitempty"`
}

// Clone returns a deep copy so cached records are never shared with callers.
func (r *MemoryRecord) Clone() *MemoryRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Metadata = r.Metadata.Clone()
	if r.Embedding != nil {
		c.Embedding = append([]float32(nil), r.Embedding...)
	}
	if r.Tags != nil {
		c.Tags = append([]string(nil), r.Tags...)
	}
	if r.AssociatedFiles != nil {
		c.AssociatedFiles = append([]string(nil), r.AssociatedFiles...)
	}
	if r.ArchivedAt != nil {
		t := *r.ArchivedAt
		c.ArchivedAt = &t
	}
	return &c
}

// HasTag reports whether the record carries tag.
func (r *MemoryRecord) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Metadata holds provenance and scoring hints for a record.
type Metadata struct {
	Source        string            `json:"source,omitempty" yaml:"source,omitempty"`
	Confidence    float64           `json:"confidence" yaml:"confidence"`
	Relevance     float64           `json:"relevance" yaml:"relevance"`
	Context       map[string]any    `json:"context,omitempty" yaml:"context,omitempty"`
	Relationships []RelationshipRef `json:"relationships,omitempty" yaml:"relationships,omitempty"`
	Checksum      string            `json:"checksum" yaml:"checksum"`
}

func (m Metadata) Clone() Metadata {
	c := m
	if m.Context != nil {
		c.Context = make(map[string]any, len(m.Context))
		for k, v := range m.Context {
			c.Context[k] = v
		}
	}
	if m.Relationships != nil {
		c.Relationships = append([]RelationshipRef(nil), m.Relationships...)
	}
	return c
}

// RelationshipRef describes an outgoing edge supplied when a record is stored.
type RelationshipRef struct {
	TargetID string           `json:"targetId" yaml:"targetId"`
	Type     RelationshipType `json:"type" yaml:"type"`
	Strength float64          `json:"strength" yaml:"strength"`
}

// Relationship is a directed, weighted edge between two records.
type Relationship struct {
	SourceID  string           `json:"sourceId" yaml:"sourceId"`
	TargetID  string           `json:"targetId" yaml:"targetId"`
	Type      RelationshipType `json:"type" yaml:"type"`
	Strength  float64          `json:"strength" yaml:"strength"`
	Metadata  map[string]any   `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt time.Time        `json:"createdAt" yaml:"createdAt"`
}

// LearningPattern aggregates the outcomes of one kind of interaction.
type LearningPattern struct {
	Key             string         `json:"key" yaml:"key"`
	InteractionType string         `json:"interactionType" yaml:"interactionType"`
	Success         bool           `json:"success" yaml:"success"`
	Category        string         `json:"category" yaml:"category"`
	Frequency       int64          `json:"frequency" yaml:"frequency"`
	SuccessRate     float64        `json:"successRate" yaml:"successRate"`
	LastReinforced  time.Time      `json:"lastReinforced" yaml:"lastReinforced"`
	Context         map[string]any `json:"context,omitempty" yaml:"context,omitempty"`
	Examples        []string       `json:"examples,omitempty" yaml:"examples,omitempty"`
	Confidence      float64        `json:"confidence" yaml:"confidence"`
	AvgDurationMs   float64        `json:"avgDurationMs" yaml:"avgDurationMs"`
}

// Score is the ranking key used by TopPatterns.
func (p *LearningPattern) Score() float64 {
	return float64(p.Frequency) * p.SuccessRate
}

// Interaction is one observed outcome fed into the learning tracker.
type Interaction struct {
	Type       string         `json:"type"`
	Success    bool           `json:"success"`
	Category   string         `json:"category,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	DurationMs int64          `json:"duration,omitempty"`
	Example    string         `json:"example,omitempty"`
}

// MemoryQuery is a read-only retrieval request.
type MemoryQuery struct {
	Text                string       `json:"text,omitempty"`
	Types               []MemoryType `json:"types,omitempty"`
	Tags                []string     `json:"tags,omitempty"`
	CreatedAfter        *time.Time   `json:"createdAfter,omitempty"`
	CreatedBefore       *time.Time   `json:"createdBefore,omitempty"`
	ProjectID           string       `json:"projectId,omitempty"`
	SessionID           string       `json:"sessionId,omitempty"`
	MinImportance       float64      `json:"minImportance,omitempty"`
	MaxResults          int          `json:"maxResults,omitempty"`
	SimilarityThreshold *float64     `json:"similarityThreshold,omitempty"`
	IncludeArchived     bool         `json:"includeArchived,omitempty"`
}

// SearchResult is one ranked hit with its one-hop neighbourhood.
type SearchResult struct {
	Record         *MemoryRecord   `json:"record"`
	Score          float64         `json:"score"`
	Explanation    string          `json:"explanation"`
	RelatedRecords []*MemoryRecord `json:"relatedRecords"`
}

// StoreRequest carries the inputs of a store operation.
type StoreRequest struct {
	Type            MemoryType `json:"type"`
	Content         string     `json:"content"`
	Metadata        *Metadata  `json:"metadata,omitempty"`
	Importance      *float64   `json:"importance,omitempty"`
	Tags            []string   `json:"tags,omitempty"`
	AssociatedFiles []string   `json:"associatedFiles,omitempty"`
	SessionID       string     `json:"sessionId,omitempty"`
	ProjectID       string     `json:"projectId,omitempty"`
}

// RecordUpdate is a partial update; nil fields are left untouched.
type RecordUpdate struct {
	Content         *string     `json:"content,omitempty"`
	Type            *MemoryType `json:"type,omitempty"`
	Importance      *float64    `json:"importance,omitempty"`
	Tags            *[]string   `json:"tags,omitempty"`
	Metadata        *Metadata   `json:"metadata,omitempty"`
	AssociatedFiles *[]string   `json:"associatedFiles,omitempty"`
}

// StoreResponse is returned by the store endpoint.
type StoreResponse struct {
	ID         string `json:"id"`
	Skipped    bool   `json:"skipped,omitempty"`
	SkipReason string `json:"skipReason,omitempty"`
}

// OptimizationReport summarises one retention pass.
type OptimizationReport struct {
	DuplicatesRemoved int     `json:"duplicatesRemoved"`
	Compressed        int     `json:"compressed"`
	Evicted           int     `json:"evicted"`
	Archived          int     `json:"archived"`
	CacheHitRatio     float64 `json:"cacheHitRatio"`
	DurationMs        int64   `json:"durationMs"`
}

// MemoryStats is the aggregate view returned by the stats operation.
type MemoryStats struct {
	TotalRecords      int                `json:"totalRecords"`
	ArchivedRecords   int                `json:"archivedRecords"`
	RecordsByType     map[MemoryType]int `json:"recordsByType"`
	StorageBytes      int64              `json:"storageBytes"`
	AvgImportance     float64            `json:"avgImportance"`
	MostAccessed      []*MemoryRecord    `json:"mostAccessed"`
	RecentlyCreated   []*MemoryRecord    `json:"recentlyCreated"`
	RelationshipCount int                `json:"relationshipCount"`
	PatternCount      int                `json:"patternCount"`
	CacheHitRatio     float64            `json:"cacheHitRatio"`
	Health            Health             `json:"health"`
}

// Health is an advisory classification; it never blocks operations.
type Health struct {
	Status    HealthStatus  `json:"status"`
	Issues    []HealthIssue `json:"issues"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// HealthIssue is a single validation advisory with a remediation hint.
type HealthIssue struct {
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
	Suggestion string   `json:"suggestion"`
}

// ImportResult counts what an import applied.
type ImportResult struct {
	Records       int `json:"records"`
	Relationships int `json:"relationships"`
	Patterns      int `json:"patterns"`
}

// EmbeddingCacheEntry stores a cached embedding keyed by content hash.
type EmbeddingCacheEntry struct {
	ContentHash string `json:"contentHash"`
	Embedding   []byte `json:"embedding"`
	Dimension   int    `json:"dimension"`
	Model       string `json:"model"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// ServiceCheck reports one dependency in the health endpoint.
type ServiceCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the payload of GET /health.
type HealthResponse struct {
	Status   string                  `json:"status"`
	Embedder ServiceCheck            `json:"embedder"`
	Projects map[string]HealthStatus `json:"projects"`
}
