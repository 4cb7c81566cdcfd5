package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/iammorganparry/clive/apps/memengine/internal/models"
	"github.com/iammorganparry/clive/apps/memengine/internal/search"
)

// recordColumns is the canonical column list for all SELECT queries.
// Order must match scanRecord.
const recordColumns = `id, type, content, metadata, checksum,
	embedding, embedding_model, created_at, updated_at, last_accessed,
	access_count, importance, tags, associated_files, session_id, project_id,
	archived, archived_at, compressed, original_size`

// Filter narrows a candidate query. Zero values mean "no constraint".
type Filter struct {
	Types           []models.MemoryType
	Tags            []string
	CreatedAfter    *time.Time
	CreatedBefore   *time.Time
	ProjectID       string
	SessionID       string
	MinImportance   float64
	IncludeArchived bool
}

// FilterFromQuery copies the structured part of a query.
func FilterFromQuery(q *models.MemoryQuery) Filter {
	return Filter{
		Types:           q.Types,
		Tags:            q.Tags,
		CreatedAfter:    q.CreatedAfter,
		CreatedBefore:   q.CreatedBefore,
		ProjectID:       q.ProjectID,
		SessionID:       q.SessionID,
		MinImportance:   q.MinImportance,
		IncludeArchived: q.IncludeArchived,
	}
}

// IndexEntry is the minimal projection used to rebuild the similarity index.
type IndexEntry struct {
	ID        string
	Type      models.MemoryType
	SessionID string
	Vector    []float32
}

// RecordStore handles MemoryRecord persistence on SQLite.
type RecordStore struct {
	db        *DB
	dim       int
	onCorrupt func(*models.CorruptDataError)
}

// NewRecordStore creates the store. dim is the expected embedding dimension
// (0 skips the check); onCorrupt is called for every blob that fails to
// decode and may be nil.
func NewRecordStore(db *DB, dim int, onCorrupt func(*models.CorruptDataError)) *RecordStore {
	if onCorrupt == nil {
		onCorrupt = func(*models.CorruptDataError) {}
	}
	return &RecordStore{db: db, dim: dim, onCorrupt: onCorrupt}
}

// DB exposes the underlying handle for callers that need a transaction.
func (s *RecordStore) DB() *DB { return s.db }

// Insert stores a new record and its tag index rows.
func (s *RecordStore) Insert(ctx context.Context, q Querier, r *models.MemoryRecord, model string) error {
	metaJSON, tagsJSON, filesJSON, err := encodeRecordJSON(r)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO records (
			id, type, content, metadata, checksum,
			embedding, embedding_model, created_at, updated_at, last_accessed,
			access_count, importance, tags, associated_files, session_id, project_id,
			archived, archived_at, compressed, original_size
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, string(r.Type), r.Content, metaJSON, r.Metadata.Checksum,
		search.Float32ToBytes(r.Embedding), model,
		toNanos(r.CreatedAt), toNanos(r.UpdatedAt), toNanos(r.LastAccessed),
		r.AccessCount, r.Importance, tagsJSON, filesJSON, r.SessionID, r.ProjectID,
		boolInt(r.Archived), nullableNanos(r.ArchivedAt), boolInt(r.Compressed), r.OriginalSize,
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return s.writeTags(ctx, q, r.ID, r.Tags)
}

// Save overwrites every mutable column of an existing record. Content,
// checksum and embedding land in the same statement.
func (s *RecordStore) Save(ctx context.Context, q Querier, r *models.MemoryRecord, model string) error {
	metaJSON, tagsJSON, filesJSON, err := encodeRecordJSON(r)
	if err != nil {
		return err
	}

	res, err := q.ExecContext(ctx, `
		UPDATE records SET
			type = ?, content = ?, metadata = ?, checksum = ?,
			embedding = ?, embedding_model = ?, updated_at = ?,
			importance = ?, tags = ?, associated_files = ?,
			archived = ?, archived_at = ?, compressed = ?, original_size = ?
		WHERE id = ?
	`,
		string(r.Type), r.Content, metaJSON, r.Metadata.Checksum,
		search.Float32ToBytes(r.Embedding), model, toNanos(r.UpdatedAt),
		r.Importance, tagsJSON, filesJSON,
		boolInt(r.Archived), nullableNanos(r.ArchivedAt), boolInt(r.Compressed), r.OriginalSize,
		r.ID,
	)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return models.NotFound(r.ID)
	}
	return s.writeTags(ctx, q, r.ID, r.Tags)
}

// Upsert inserts r or replaces an existing row with the same id, keeping the
// existing access bookkeeping. Used by import.
func (s *RecordStore) Upsert(ctx context.Context, q Querier, r *models.MemoryRecord, model string) error {
	exists, err := s.Exists(ctx, q, r.ID)
	if err != nil {
		return err
	}
	if exists {
		return s.Save(ctx, q, r, model)
	}
	return s.Insert(ctx, q, r, model)
}

func (s *RecordStore) writeTags(ctx context.Context, q Querier, id string, tags []string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM record_tags WHERE record_id = ?`, id); err != nil {
		return fmt.Errorf("clear tags: %w", err)
	}
	for _, tag := range tags {
		if _, err := q.ExecContext(ctx,
			`INSERT OR IGNORE INTO record_tags (record_id, tag) VALUES (?, ?)`, id, tag); err != nil {
			return fmt.Errorf("insert tag: %w", err)
		}
	}
	return nil
}

// GetByID fetches a single record by ID. Returns nil, nil when absent.
func (s *RecordStore) GetByID(ctx context.Context, q Querier, id string) (*models.MemoryRecord, error) {
	r, err := s.scanRecord(q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM records WHERE id = ?`, recordColumns), id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return r, nil
}

// Exists reports whether a record with id is stored (archived or not).
func (s *RecordStore) Exists(ctx context.Context, q Querier, id string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM records WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check record: %w", err)
	}
	return true, nil
}

// TouchAccess bumps access_count and moves last_accessed forward to now, or
// one nanosecond past its previous value when the clock has not advanced.
func (s *RecordStore) TouchAccess(ctx context.Context, q Querier, id string, now time.Time) (int64, time.Time, error) {
	var count, last int64
	err := q.QueryRowContext(ctx, `
		UPDATE records SET access_count = access_count + 1, last_accessed = MAX(?, last_accessed + 1)
		WHERE id = ?
		RETURNING access_count, last_accessed
	`, toNanos(now), id).Scan(&count, &last)
	if err == sql.ErrNoRows {
		return 0, time.Time{}, models.NotFound(id)
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("touch access: %w", err)
	}
	return count, fromNanos(last), nil
}

// Archive soft-deletes a record. Edges are kept. Archiving an archived
// record keeps its original archived_at.
func (s *RecordStore) Archive(ctx context.Context, q Querier, id string, now time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE records SET archived = 1, archived_at = COALESCE(archived_at, ?), updated_at = ?
		WHERE id = ?
	`, toNanos(now), toNanos(now), id)
	if err != nil {
		return fmt.Errorf("archive record: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return models.NotFound(id)
	}
	return nil
}

// Delete removes a record, its tag rows and every relationship naming it.
func (s *RecordStore) Delete(ctx context.Context, q Querier, id string) error {
	if _, err := q.ExecContext(ctx,
		`DELETE FROM relationships WHERE source_id = ? OR target_id = ?`, id, id); err != nil {
		return fmt.Errorf("delete relationships: %w", err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM record_tags WHERE record_id = ?`, id); err != nil {
		return fmt.Errorf("delete tags: %w", err)
	}
	res, err := q.ExecContext(ctx, "DELETE FROM records WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return models.NotFound(id)
	}
	return nil
}

// Find returns every record matching f, oldest first.
func (s *RecordStore) Find(ctx context.Context, q Querier, f Filter) ([]*models.MemoryRecord, error) {
	var conditions []string
	var args []any

	if !f.IncludeArchived {
		conditions = append(conditions, "archived = 0")
	}
	if len(f.Types) > 0 {
		placeholders := make([]string, len(f.Types))
		for i, t := range f.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		conditions = append(conditions, fmt.Sprintf("type IN (%s)", strings.Join(placeholders, ",")))
	}
	if f.ProjectID != "" {
		conditions = append(conditions, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.MinImportance > 0 {
		conditions = append(conditions, "importance >= ?")
		args = append(args, f.MinImportance)
	}
	if f.CreatedAfter != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, toNanos(*f.CreatedAfter))
	}
	if f.CreatedBefore != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, toNanos(*f.CreatedBefore))
	}
	if len(f.Tags) > 0 {
		placeholders := make([]string, len(f.Tags))
		for i, t := range f.Tags {
			placeholders[i] = "?"
			args = append(args, t)
		}
		conditions = append(conditions, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM record_tags t WHERE t.record_id = records.id AND t.tag IN (%s))",
			strings.Join(placeholders, ",")))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	rows, err := q.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM records %s ORDER BY created_at ASC, rowid ASC
	`, recordColumns, whereClause), args...)
	if err != nil {
		return nil, fmt.Errorf("find records: %w", err)
	}
	defer rows.Close()
	return s.scanMany(rows)
}

// All returns every record, archived included, oldest first.
func (s *RecordStore) All(ctx context.Context, q Querier) ([]*models.MemoryRecord, error) {
	return s.Find(ctx, q, Filter{IncludeArchived: true})
}

// DuplicateGroups returns ids of non-archived records sharing a checksum.
// Each group is ordered oldest first, so group[0] is the survivor.
func (s *RecordStore) DuplicateGroups(ctx context.Context, q Querier) ([][]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, checksum FROM records
		WHERE archived = 0 AND checksum IN (
			SELECT checksum FROM records WHERE archived = 0
			GROUP BY checksum HAVING COUNT(*) > 1
		)
		ORDER BY checksum, created_at ASC, rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("find duplicates: %w", err)
	}
	defer rows.Close()

	var groups [][]string
	prev := ""
	for rows.Next() {
		var id, checksum string
		if err := rows.Scan(&id, &checksum); err != nil {
			return nil, fmt.Errorf("scan duplicate: %w", err)
		}
		if checksum != prev || len(groups) == 0 {
			groups = append(groups, nil)
			prev = checksum
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], id)
	}
	return groups, rows.Err()
}

// CompressionCandidates returns non-archived, uncompressed records created
// before cutoff whose content exceeds minBytes.
func (s *RecordStore) CompressionCandidates(ctx context.Context, q Querier, cutoff time.Time, minBytes int) ([]*models.MemoryRecord, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM records
		WHERE archived = 0 AND compressed = 0 AND created_at < ? AND length(CAST(content AS BLOB)) > ?
		ORDER BY created_at ASC
	`, recordColumns), toNanos(cutoff), minBytes)
	if err != nil {
		return nil, fmt.Errorf("find compression candidates: %w", err)
	}
	defer rows.Close()
	return s.scanMany(rows)
}

// ExpiredIDs returns non-archived records created before cutoff. When exempt
// is set, records with importance above floor are skipped.
func (s *RecordStore) ExpiredIDs(ctx context.Context, q Querier, cutoff time.Time, exempt bool, floor float64) ([]string, error) {
	query := `SELECT id FROM records WHERE archived = 0 AND created_at < ?`
	args := []any{toNanos(cutoff)}
	if exempt {
		query += ` AND importance <= ?`
		args = append(args, floor)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find expired: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// StaleEmbeddingIDs lists records embedded by a different model than model.
func (s *RecordStore) StaleEmbeddingIDs(ctx context.Context, q Querier, model string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM records WHERE embedding_model != ?`, model)
	if err != nil {
		return nil, fmt.Errorf("find stale embeddings: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// IndexEntries returns the vectors of every non-archived record.
func (s *RecordStore) IndexEntries(ctx context.Context, q Querier) ([]IndexEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, type, session_id, embedding FROM records
		WHERE archived = 0 AND embedding IS NOT NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("list embeddings: %w", err)
	}
	defer rows.Close()

	var entries []IndexEntry
	for rows.Next() {
		var e IndexEntry
		var typ string
		var blob []byte
		if err := rows.Scan(&e.ID, &typ, &e.SessionID, &blob); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		vec, err := search.DecodeVector(blob, s.dim)
		if err != nil {
			s.onCorrupt(&models.CorruptDataError{RecordID: e.ID, Field: "embedding", Err: err})
			continue
		}
		e.Type = models.MemoryType(typ)
		e.Vector = vec
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Counts aggregates totals for the stats report.
func (s *RecordStore) Counts(ctx context.Context, q Querier) (total, archived int, avgImportance float64, byType map[models.MemoryType]int, err error) {
	byType = make(map[models.MemoryType]int)

	var avg sql.NullFloat64
	err = q.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(archived), 0), AVG(importance) FROM records
	`).Scan(&total, &archived, &avg)
	if err != nil {
		return 0, 0, 0, nil, fmt.Errorf("count records: %w", err)
	}
	avgImportance = avg.Float64

	rows, err := q.QueryContext(ctx, `SELECT type, COUNT(*) FROM records GROUP BY type`)
	if err != nil {
		return 0, 0, 0, nil, fmt.Errorf("count by type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		var c int
		if err := rows.Scan(&t, &c); err != nil {
			return 0, 0, 0, nil, fmt.Errorf("scan type count: %w", err)
		}
		byType[models.MemoryType(t)] = c
	}
	return total, archived, avgImportance, byType, rows.Err()
}

// MostAccessed returns the n non-archived records with the highest access count.
func (s *RecordStore) MostAccessed(ctx context.Context, q Querier, n int) ([]*models.MemoryRecord, error) {
	return s.topBy(ctx, q, "access_count DESC, last_accessed DESC", n)
}

// RecentlyCreated returns the n newest non-archived records.
func (s *RecordStore) RecentlyCreated(ctx context.Context, q Querier, n int) ([]*models.MemoryRecord, error) {
	return s.topBy(ctx, q, "created_at DESC, rowid DESC", n)
}

func (s *RecordStore) topBy(ctx context.Context, q Querier, order string, n int) ([]*models.MemoryRecord, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM records WHERE archived = 0 ORDER BY %s LIMIT ?
	`, recordColumns, order), n)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()
	return s.scanMany(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *RecordStore) scanRecord(row rowScanner) (*models.MemoryRecord, error) {
	var r models.MemoryRecord
	var typ, model string
	var metaJSON, tagsJSON, filesJSON sql.NullString
	var checksum string
	var blob []byte
	var created, updated, accessed int64
	var archived, compressed int
	var archivedAt sql.NullInt64

	err := row.Scan(
		&r.ID, &typ, &r.Content, &metaJSON, &checksum,
		&blob, &model, &created, &updated, &accessed,
		&r.AccessCount, &r.Importance, &tagsJSON, &filesJSON, &r.SessionID, &r.ProjectID,
		&archived, &archivedAt, &compressed, &r.OriginalSize,
	)
	if err != nil {
		return nil, err
	}

	r.Type = models.MemoryType(typ)
	r.CreatedAt = fromNanos(created)
	r.UpdatedAt = fromNanos(updated)
	r.LastAccessed = fromNanos(accessed)
	r.Archived = archived != 0
	r.Compressed = compressed != 0
	if archivedAt.Valid {
		t := fromNanos(archivedAt.Int64)
		r.ArchivedAt = &t
	}

	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &r.Metadata); err != nil {
			s.onCorrupt(&models.CorruptDataError{RecordID: r.ID, Field: "metadata", Err: err})
			r.Metadata = models.Metadata{}
		}
	}
	r.Metadata.Checksum = checksum

	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &r.Tags); err != nil {
			s.onCorrupt(&models.CorruptDataError{RecordID: r.ID, Field: "tags", Err: err})
			r.Tags = nil
		}
	}
	if r.Tags == nil {
		r.Tags = []string{}
	}
	if filesJSON.Valid && filesJSON.String != "" {
		if err := json.Unmarshal([]byte(filesJSON.String), &r.AssociatedFiles); err != nil {
			s.onCorrupt(&models.CorruptDataError{RecordID: r.ID, Field: "associated_files", Err: err})
			r.AssociatedFiles = nil
		}
	}

	vec, err := search.DecodeVector(blob, s.dim)
	if err != nil {
		s.onCorrupt(&models.CorruptDataError{RecordID: r.ID, Field: "embedding", Err: err})
		vec = nil
	}
	r.Embedding = vec

	return &r, nil
}

func (s *RecordStore) scanMany(rows *sql.Rows) ([]*models.MemoryRecord, error) {
	var records []*models.MemoryRecord
	for rows.Next() {
		r, err := s.scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func encodeRecordJSON(r *models.MemoryRecord) (meta, tags, files string, err error) {
	m := r.Metadata
	m.Checksum = "" // lives in its own column
	metaBytes, err := json.Marshal(m)
	if err != nil {
		return "", "", "", fmt.Errorf("encode metadata: %w", err)
	}
	tagBytes, err := json.Marshal(r.Tags)
	if err != nil {
		return "", "", "", fmt.Errorf("encode tags: %w", err)
	}
	fileBytes, err := json.Marshal(r.AssociatedFiles)
	if err != nil {
		return "", "", "", fmt.Errorf("encode associated files: %w", err)
	}
	return string(metaBytes), string(tagBytes), string(fileBytes), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toNanos(*t)
}
