package mcp

import "github.com/iammorganparry/clive/apps/memengine/internal/models"

func memoryTypeNames() []string {
	types := models.AllMemoryTypes()
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func relationshipTypeNames() []string {
	return []string{
		string(models.RelationshipSimilar),
		string(models.RelationshipDependent),
		string(models.RelationshipConflicts),
		string(models.RelationshipExtends),
		string(models.RelationshipImplements),
		string(models.RelationshipUses),
		string(models.RelationshipRelated),
	}
}

func unit() (*float64, *float64) {
	lo, hi := 0.0, 1.0
	return &lo, &hi
}

// ToolDefinitions returns the MCP tool definitions for the memory engine.
func ToolDefinitions() []ToolDefinition {
	lo, hi := unit()
	return []ToolDefinition{
		{
			Name: "memory_store",
			Description: "Store a new memory for this project. Use for code patterns, error resolutions, " +
				"architectural decisions, user preferences or anything worth recalling in a later session. " +
				"Text inside <private>...</private> is stripped before storage.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"content": {Type: "string", Description: "The memory content, written as a standalone note"},
					"type": {Type: "string", Description: "Kind of memory",
						Enum: memoryTypeNames()},
					"importance": {Type: "number", Description: "Importance 0.0-1.0 (default 0.5)",
						Default: 0.5, Minimum: lo, Maximum: hi},
					"tags": {Type: "array", Description: "Descriptive tags for filtering",
						Items: &Items{Type: "string"}},
					"associatedFiles": {Type: "array", Description: "Files this memory is about",
						Items: &Items{Type: "string"}},
					"sessionId": {Type: "string", Description: "Session that produced the memory"},
				},
				Required: []string{"content", "type"},
			},
		},
		{
			Name: "memory_search",
			Description: "Search memories by text similarity and filters. Returns ranked results with an " +
				"explanation and up to five related memories each.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"text": {Type: "string", Description: "Natural language query; omit to list by importance"},
					"types": {Type: "array", Description: "Restrict to these memory types",
						Items: &Items{Type: "string", Enum: memoryTypeNames()}},
					"tags": {Type: "array", Description: "Match results carrying any of these tags",
						Items: &Items{Type: "string"}},
					"minImportance": {Type: "number", Description: "Minimum importance",
						Minimum: lo, Maximum: hi},
					"maxResults": {Type: "number", Description: "Maximum results to return (default 10)",
						Default: 10},
					"includeArchived": {Type: "boolean", Description: "Include archived memories",
						Default: false},
				},
			},
		},
		{
			Name:        "memory_get",
			Description: "Retrieve one memory by id. Counts as an access.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"id": {Type: "string", Description: "Memory id"},
				},
				Required: []string{"id"},
			},
		},
		{
			Name:        "memory_update",
			Description: "Change the content, type, importance or tags of an existing memory.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"id":      {Type: "string", Description: "Memory id"},
					"content": {Type: "string", Description: "Replacement content"},
					"type": {Type: "string", Description: "Replacement type",
						Enum: memoryTypeNames()},
					"importance": {Type: "number", Description: "Replacement importance",
						Minimum: lo, Maximum: hi},
					"tags": {Type: "array", Description: "Replacement tag set",
						Items: &Items{Type: "string"}},
				},
				Required: []string{"id"},
			},
		},
		{
			Name:        "memory_delete",
			Description: "Archive a memory, or remove it and its relationships when permanent is true.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"id": {Type: "string", Description: "Memory id"},
					"permanent": {Type: "boolean", Description: "Hard delete instead of archive",
						Default: false},
				},
				Required: []string{"id"},
			},
		},
		{
			Name:        "memory_relate",
			Description: "Record a directed relationship between two memories.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"sourceId": {Type: "string", Description: "Source memory id"},
					"targetId": {Type: "string", Description: "Target memory id"},
					"type": {Type: "string", Description: "Relationship type",
						Enum: relationshipTypeNames()},
					"strength": {Type: "number", Description: "Strength 0.0-1.0 (default 1.0)",
						Default: 1.0, Minimum: lo, Maximum: hi},
				},
				Required: []string{"sourceId", "targetId", "type"},
			},
		},
		{
			Name: "memory_learn",
			Description: "Report the outcome of an interaction so the engine can reinforce what works. " +
				"Repeated outcomes raise the pattern's confidence.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"type":     {Type: "string", Description: "Interaction kind, e.g. refactor or test_fix"},
					"success":  {Type: "boolean", Description: "Whether the interaction succeeded"},
					"category": {Type: "string", Description: "Grouping used when listing patterns"},
					"duration": {Type: "number", Description: "Duration in milliseconds"},
					"example":  {Type: "string", Description: "Short example of what was done"},
				},
				Required: []string{"type", "success"},
			},
		},
		{
			Name:        "memory_patterns",
			Description: "List the strongest learned patterns, optionally for one category.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"category": {Type: "string", Description: "Only patterns in this category"},
					"limit": {Type: "number", Description: "Maximum patterns (default 10)",
						Default: 10},
				},
			},
		},
		{
			Name:        "memory_stats",
			Description: "Counts, storage size, cache efficiency and health for this project's memory.",
			InputSchema: InputSchema{Type: "object"},
		},
		{
			Name:        "memory_optimize",
			Description: "Run deduplication, compression, archival and cache eviction now.",
			InputSchema: InputSchema{Type: "object"},
		},
	}
}
