package models

// MemoryType classifies what kind of knowledge a record holds.
type MemoryType string

const (
	MemoryTypeConversation          MemoryType = "conversation"
	MemoryTypeCodePattern           MemoryType = "code_pattern"
	MemoryTypeProjectStructure      MemoryType = "project_structure"
	MemoryTypeUserPreference        MemoryType = "user_preference"
	MemoryTypeLearnedBehavior       MemoryType = "learned_behavior"
	MemoryTypeErrorResolution       MemoryType = "error_resolution"
	MemoryTypeToolUsage             MemoryType = "tool_usage"
	MemoryTypeArchitecturalDecision MemoryType = "architectural_decision"
	MemoryTypeDependencyInfo        MemoryType = "dependency_info"
	MemoryTypeDocumentation         MemoryType = "documentation"
	MemoryTypeBestPractice          MemoryType = "best_practice"
	MemoryTypeOptimization          MemoryType = "optimization"
)

var ValidMemoryTypes = map[MemoryType]bool{
	MemoryTypeConversation:          true,
	MemoryTypeCodePattern:           true,
	MemoryTypeProjectStructure:      true,
	MemoryTypeUserPreference:        true,
	MemoryTypeLearnedBehavior:       true,
	MemoryTypeErrorResolution:       true,
	MemoryTypeToolUsage:             true,
	MemoryTypeArchitecturalDecision: true,
	MemoryTypeDependencyInfo:        true,
	MemoryTypeDocumentation:         true,
	MemoryTypeBestPractice:          true,
	MemoryTypeOptimization:          true,
}

func (t MemoryType) IsValid() bool {
	return ValidMemoryTypes[t]
}

// AllMemoryTypes returns the enumeration in declaration order.
func AllMemoryTypes() []MemoryType {
	return []MemoryType{
		MemoryTypeConversation,
		MemoryTypeCodePattern,
		MemoryTypeProjectStructure,
		MemoryTypeUserPreference,
		MemoryTypeLearnedBehavior,
		MemoryTypeErrorResolution,
		MemoryTypeToolUsage,
		MemoryTypeArchitecturalDecision,
		MemoryTypeDependencyInfo,
		MemoryTypeDocumentation,
		MemoryTypeBestPractice,
		MemoryTypeOptimization,
	}
}

// RelationshipType labels a directed edge between two records.
type RelationshipType string

const (
	RelationshipSimilar    RelationshipType = "similar"
	RelationshipDependent  RelationshipType = "dependent"
	RelationshipConflicts  RelationshipType = "conflicts"
	RelationshipExtends    RelationshipType = "extends"
	RelationshipImplements RelationshipType = "implements"
	RelationshipUses       RelationshipType = "uses"
	RelationshipRelated    RelationshipType = "related"
)

var ValidRelationshipTypes = map[RelationshipType]bool{
	RelationshipSimilar:    true,
	RelationshipDependent:  true,
	RelationshipConflicts:  true,
	RelationshipExtends:    true,
	RelationshipImplements: true,
	RelationshipUses:       true,
	RelationshipRelated:    true,
}

func (t RelationshipType) IsValid() bool {
	return ValidRelationshipTypes[t]
}

// HealthStatus is the advisory classification reported by stats.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthCritical HealthStatus = "critical"
)

// Severity ranks a single health finding.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// RetentionPolicy controls compression and archival during optimization.
type RetentionPolicy struct {
	ArchiveAfterDays     int     `yaml:"archiveAfterDays" json:"archiveAfterDays"`
	CompressAfterDays    int     `yaml:"compressAfterDays" json:"compressAfterDays"`
	CompressMinBytes     int     `yaml:"compressMinBytes" json:"compressMinBytes"`
	CompressHeadRunes    int     `yaml:"compressHeadRunes" json:"compressHeadRunes"`
	NeverDeleteImportant bool    `yaml:"neverDeleteImportant" json:"neverDeleteImportant"`
	ImportanceFloor      float64 `yaml:"importanceFloor" json:"importanceFloor"`
	MaxStorageBytes      int64   `yaml:"maxStorageBytes" json:"maxStorageBytes"`
}

// DefaultRetentionPolicy returns the policy used when nothing is configured.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		ArchiveAfterDays:     90,
		CompressAfterDays:    30,
		CompressMinBytes:     2048,
		CompressHeadRunes:    500,
		NeverDeleteImportant: true,
		ImportanceFloor:      0.8,
		MaxStorageBytes:      512 << 20,
	}
}
