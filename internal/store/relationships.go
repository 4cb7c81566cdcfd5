package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/iammorganparry/clive/apps/memengine/internal/models"
)

// Neighbour is the far end of an edge touching a record.
type Neighbour struct {
	RecordID string
	Type     models.RelationshipType
	Strength float64
	Outgoing bool
}

// RelationshipStore handles the relationships adjacency table.
type RelationshipStore struct {
	db        *DB
	onCorrupt func(*models.CorruptDataError)
}

// NewRelationshipStore creates the edge store. onCorrupt is called for every
// metadata blob that fails to decode; it may be nil.
func NewRelationshipStore(db *DB, onCorrupt func(*models.CorruptDataError)) *RelationshipStore {
	if onCorrupt == nil {
		onCorrupt = func(*models.CorruptDataError) {}
	}
	return &RelationshipStore{db: db, onCorrupt: onCorrupt}
}

// Upsert creates an edge or overwrites the strength and metadata of an
// existing (source, target, type) edge.
func (s *RelationshipStore) Upsert(ctx context.Context, q Querier, rel *models.Relationship) error {
	var metaJSON any
	if len(rel.Metadata) > 0 {
		b, err := json.Marshal(rel.Metadata)
		if err != nil {
			return fmt.Errorf("encode relationship metadata: %w", err)
		}
		metaJSON = string(b)
	}
	now := toNanos(rel.CreatedAt)
	_, err := q.ExecContext(ctx, `
		INSERT INTO relationships (source_id, target_id, type, strength, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, target_id, type) DO UPDATE SET
			strength = excluded.strength,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`, rel.SourceID, rel.TargetID, string(rel.Type), rel.Strength, metaJSON, now, now)
	if err != nil {
		return fmt.Errorf("upsert relationship: %w", err)
	}
	return nil
}

// InsertIfEndpointsExist adds an edge only when both records are stored.
// Reports whether the edge was written.
func (s *RelationshipStore) InsertIfEndpointsExist(ctx context.Context, q Querier, rel *models.Relationship) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE id IN (?, ?)`, rel.SourceID, rel.TargetID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check relationship endpoints: %w", err)
	}
	want := 2
	if rel.SourceID == rel.TargetID {
		want = 1
	}
	if n < want {
		return false, nil
	}
	return true, s.Upsert(ctx, q, rel)
}

// Neighbours returns the one-hop neighbourhood of id over edges in either
// direction, one entry per neighbouring record with its strongest edge,
// ordered by strength descending. Archived neighbours are skipped unless
// includeArchived is set.
func (s *RelationshipStore) Neighbours(ctx context.Context, q Querier, id string, limit int, includeArchived bool) ([]Neighbour, error) {
	if limit <= 0 {
		limit = 5
	}
	archivedClause := "AND r.archived = 0"
	if includeArchived {
		archivedClause = ""
	}
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`
		SELECT e.other_id, e.type, e.strength, e.outgoing FROM (
			SELECT target_id AS other_id, type, strength, 1 AS outgoing FROM relationships WHERE source_id = ?
			UNION ALL
			SELECT source_id AS other_id, type, strength, 0 AS outgoing FROM relationships WHERE target_id = ?
		) e
		JOIN records r ON r.id = e.other_id
		WHERE e.other_id != ? %s
		ORDER BY e.strength DESC, e.outgoing DESC, e.other_id ASC
	`, archivedClause), id, id, id)
	if err != nil {
		return nil, fmt.Errorf("get neighbours: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var out []Neighbour
	for rows.Next() {
		var n Neighbour
		var typ string
		var outgoing int
		if err := rows.Scan(&n.RecordID, &typ, &n.Strength, &outgoing); err != nil {
			return nil, fmt.Errorf("scan neighbour: %w", err)
		}
		if seen[n.RecordID] {
			continue
		}
		seen[n.RecordID] = true
		n.Type = models.RelationshipType(typ)
		n.Outgoing = outgoing == 1
		out = append(out, n)
		if len(out) == limit {
			break
		}
	}
	return out, rows.Err()
}

// Outgoing lists the edges whose source is id.
func (s *RelationshipStore) Outgoing(ctx context.Context, q Querier, id string) ([]models.Relationship, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT source_id, target_id, type, strength, metadata, created_at
		FROM relationships WHERE source_id = ?
		ORDER BY strength DESC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get outgoing relationships: %w", err)
	}
	defer rows.Close()
	return s.scanRelationships(rows)
}

// All returns every edge, for export.
func (s *RelationshipStore) All(ctx context.Context, q Querier) ([]models.Relationship, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT source_id, target_id, type, strength, metadata, created_at
		FROM relationships ORDER BY created_at ASC, source_id, target_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	defer rows.Close()
	return s.scanRelationships(rows)
}

// Count returns the number of edges.
func (s *RelationshipStore) Count(ctx context.Context, q Querier) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM relationships`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count relationships: %w", err)
	}
	return n, nil
}

func (s *RelationshipStore) scanRelationships(rows *sql.Rows) ([]models.Relationship, error) {
	var rels []models.Relationship
	for rows.Next() {
		var r models.Relationship
		var typ string
		var meta sql.NullString
		var created int64
		if err := rows.Scan(&r.SourceID, &r.TargetID, &typ, &r.Strength, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		r.Type = models.RelationshipType(typ)
		r.CreatedAt = fromNanos(created)
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &r.Metadata); err != nil {
				r.Metadata = nil
				s.onCorrupt(&models.CorruptDataError{RecordID: r.SourceID, Field: "relationship metadata", Err: err})
			}
		}
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

// NewRelationship builds an edge stamped with now.
func NewRelationship(source, target string, typ models.RelationshipType, strength float64, now time.Time) *models.Relationship {
	return &models.Relationship{
		SourceID:  source,
		TargetID:  target,
		Type:      typ,
		Strength:  strength,
		CreatedAt: now,
	}
}
