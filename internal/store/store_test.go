package store_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iammorganparry/clive/apps/memengine/internal/models"
	"github.com/iammorganparry/clive/apps/memengine/internal/store"
)

func setupTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newRecord(id, content string, created time.Time) *models.MemoryRecord {
	return &models.MemoryRecord{
		ID:           id,
		Type:         models.MemoryTypeCodePattern,
		Content:      content,
		Metadata:     models.Metadata{Confidence: 0.8, Relevance: 0.5, Checksum: "sum-" + content},
		Embedding:    []float32{0.6, 0.8},
		CreatedAt:    created,
		UpdatedAt:    created,
		LastAccessed: created,
		Importance:   0.5,
		Tags:         []string{"go", "pattern"},
		ProjectID:    "p",
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "memory.db")

	db, err := store.Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = store.Open(path)
	require.NoError(t, err)
	defer db.Close()

	problems, err := db.IntegrityCheck(context.Background())
	require.NoError(t, err)
	assert.Empty(t, problems)

	size, err := db.StorageBytes(context.Background())
	require.NoError(t, err)
	assert.Positive(t, size)
}

func TestRecordStore(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	records := store.NewRecordStore(db, 2, nil)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, records.Insert(ctx, db, newRecord("a", "first", base), "test-model"))
	require.NoError(t, records.Insert(ctx, db, newRecord("b", "second", base.Add(time.Minute)), "test-model"))

	t.Run("GetByID returns the stored record", func(t *testing.T) {
		got, err := records.GetByID(ctx, db, "a")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "first", got.Content)
		assert.Equal(t, models.MemoryTypeCodePattern, got.Type)
		assert.ElementsMatch(t, []string{"go", "pattern"}, got.Tags)
		assert.Equal(t, "sum-first", got.Metadata.Checksum)
		assert.InDelta(t, 0.8, got.Metadata.Confidence, 1e-9)
		assert.Equal(t, []float32{0.6, 0.8}, got.Embedding)
		assert.True(t, got.CreatedAt.Equal(base))
	})

	t.Run("GetByID on unknown id returns nil", func(t *testing.T) {
		got, err := records.GetByID(ctx, db, "missing")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("TouchAccess increments and moves forward", func(t *testing.T) {
		count, last, err := records.TouchAccess(ctx, db, "a", base)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
		assert.True(t, last.After(base))

		count, last2, err := records.TouchAccess(ctx, db, "a", base)
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)
		assert.True(t, last2.After(last))
	})

	t.Run("TouchAccess on unknown id is not found", func(t *testing.T) {
		_, _, err := records.TouchAccess(ctx, db, "missing", base)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("Find filters by tag with any-match", func(t *testing.T) {
		found, err := records.Find(ctx, db, store.Filter{Tags: []string{"nope", "go"}})
		require.NoError(t, err)
		assert.Len(t, found, 2)

		found, err = records.Find(ctx, db, store.Filter{Tags: []string{"nope"}})
		require.NoError(t, err)
		assert.Empty(t, found)
	})

	t.Run("Archive hides from default Find", func(t *testing.T) {
		require.NoError(t, records.Archive(ctx, db, "b", base.Add(time.Hour)))

		found, err := records.Find(ctx, db, store.Filter{})
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "a", found[0].ID)

		found, err = records.Find(ctx, db, store.Filter{IncludeArchived: true})
		require.NoError(t, err)
		assert.Len(t, found, 2)
	})

	t.Run("Delete on unknown id is not found", func(t *testing.T) {
		assert.ErrorIs(t, records.Delete(ctx, db, "missing"), models.ErrNotFound)
	})
}

func TestCorruptEmbeddingIsReported(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	var reported []*models.CorruptDataError
	records := store.NewRecordStore(db, 2, func(err *models.CorruptDataError) {
		reported = append(reported, err)
	})
	require.NoError(t, records.Insert(ctx, db, newRecord("a", "first", time.Now()), "m"))

	_, err := db.ExecContext(ctx, `UPDATE records SET embedding = x'010203', metadata = '{not json' WHERE id = 'a'`)
	require.NoError(t, err)

	got, err := records.GetByID(ctx, db, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.Embedding)
	assert.Equal(t, "first", got.Content)
	assert.Len(t, reported, 2)
}

func TestCorruptPatternAndEdgeBlobsAreReported(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	var reported []*models.CorruptDataError
	onCorrupt := func(err *models.CorruptDataError) { reported = append(reported, err) }
	records := store.NewRecordStore(db, 2, nil)
	rels := store.NewRelationshipStore(db, onCorrupt)
	patterns := store.NewPatternStore(db, onCorrupt)

	now := time.Now()
	require.NoError(t, records.Insert(ctx, db, newRecord("a", "first", now), "m"))
	require.NoError(t, records.Insert(ctx, db, newRecord("b", "second", now), "m"))
	require.NoError(t, rels.Upsert(ctx, db, &models.Relationship{
		SourceID: "a", TargetID: "b", Type: models.RelationshipUses, Strength: 0.5,
		Metadata: map[string]any{"why": "x"}, CreatedAt: now,
	}))
	require.NoError(t, patterns.Put(ctx, db, &models.LearningPattern{
		Key: "deploy:success", InteractionType: "deploy", Success: true, Category: "general",
		Frequency: 2, SuccessRate: 1, LastReinforced: now,
		Context: map[string]any{"env": "prod"}, Examples: []string{"ship"},
	}))

	_, err := db.ExecContext(ctx, `UPDATE relationships SET metadata = '{broken'`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `UPDATE learning_patterns SET context = '[1,', examples = 'nope'`)
	require.NoError(t, err)

	edges, err := rels.All(ctx, db)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Nil(t, edges[0].Metadata)
	assert.Equal(t, 0.5, edges[0].Strength)

	p, err := patterns.Get(ctx, db, "deploy:success")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Nil(t, p.Context)
	assert.Nil(t, p.Examples)
	assert.EqualValues(t, 2, p.Frequency)

	require.Len(t, reported, 3)
	assert.Equal(t, "a", reported[0].RecordID)
	assert.Equal(t, "relationship metadata", reported[0].Field)
	assert.Equal(t, "pattern:deploy:success", reported[1].RecordID)
	assert.Equal(t, "context", reported[1].Field)
	assert.Equal(t, "examples", reported[2].Field)
}

func TestDeleteCascadesRelationships(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	records := store.NewRecordStore(db, 2, nil)
	rels := store.NewRelationshipStore(db, nil)
	now := time.Now()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, records.Insert(ctx, db, newRecord(id, "content "+id, now), "m"))
	}
	require.NoError(t, rels.Upsert(ctx, db, store.NewRelationship("a", "b", models.RelationshipUses, 0.9, now)))
	require.NoError(t, rels.Upsert(ctx, db, store.NewRelationship("c", "a", models.RelationshipExtends, 0.4, now)))
	require.NoError(t, rels.Upsert(ctx, db, store.NewRelationship("b", "c", models.RelationshipRelated, 0.2, now)))

	neighbours, err := rels.Neighbours(ctx, db, "a", 5, false)
	require.NoError(t, err)
	require.Len(t, neighbours, 2)
	assert.Equal(t, "b", neighbours[0].RecordID)
	assert.True(t, neighbours[0].Outgoing)
	assert.Equal(t, "c", neighbours[1].RecordID)
	assert.False(t, neighbours[1].Outgoing)

	require.NoError(t, records.Delete(ctx, db, "a"))

	n, err := rels.Count(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, err := rels.InsertIfEndpointsExist(ctx, db, store.NewRelationship("b", "a", models.RelationshipUses, 1, now))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDuplicateGroupsOldestFirst(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	records := store.NewRecordStore(db, 2, nil)
	base := time.Now()

	require.NoError(t, records.Insert(ctx, db, newRecord("late", "same", base.Add(time.Second)), "m"))
	require.NoError(t, records.Insert(ctx, db, newRecord("early", "same", base), "m"))
	require.NoError(t, records.Insert(ctx, db, newRecord("other", "different", base), "m"))

	groups, err := records.DuplicateGroups(ctx, db)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"early", "late"}, groups[0])
}

func TestPatternStoreTop(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	patterns := store.NewPatternStore(db, nil)
	now := time.Now()

	put := func(key, category string, freq int64, rate float64) {
		require.NoError(t, patterns.Put(ctx, db, &models.LearningPattern{
			Key: key, InteractionType: key, Category: category,
			Frequency: freq, SuccessRate: rate, LastReinforced: now,
		}))
	}
	put("a", "x", 10, 0.1) // score 1
	put("b", "x", 4, 1.0)  // score 4
	put("c", "y", 3, 1.0)  // score 3

	top, err := patterns.Top(ctx, db, "", 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "b", top[0].Key)
	assert.Equal(t, "c", top[1].Key)

	top, err = patterns.Top(ctx, db, "x", 0)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "b", top[0].Key)
}

func TestEmbeddingCacheStore(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	cache := store.NewEmbeddingCacheStore(db)

	_, ok, err := cache.GetEmbedding(ctx, "h", "m")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.PutEmbedding(ctx, "h", "m", []float32{1, 2, 3}))
	vec, ok, err := cache.GetEmbedding(ctx, "h", "m")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []float32{1, 2, 3}, vec)

	_, ok, err = cache.GetEmbedding(ctx, "h", "other-model")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWithTxRollsBackOnDriverError(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	db := &store.DB{DB: mockDB}
	records := store.NewRecordStore(db, 0, nil)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO records").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err = db.WithTx(context.Background(), "store", func(tx *sql.Tx) error {
		return records.Insert(context.Background(), tx, newRecord("a", "x", time.Now()), "m")
	})

	var se *models.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "store", se.Op)
	assert.True(t, se.Retryable())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxPassesValidationThrough(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	db := &store.DB{DB: mockDB}
	mock.ExpectBegin()
	mock.ExpectRollback()

	err = db.WithTx(context.Background(), "store", func(*sql.Tx) error {
		return &models.ValidationError{Field: "content", Reason: "empty"}
	})
	assert.True(t, models.IsValidation(err))
	assert.False(t, models.IsStorage(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxCommitFailure(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	db := &store.DB{DB: mockDB}
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	err = db.WithTx(context.Background(), "learn", func(*sql.Tx) error { return nil })
	assert.True(t, models.IsStorage(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProjectKey(t *testing.T) {
	a := store.ProjectKey("/home/me/src/My Project")
	b := store.ProjectKey("/home/you/src/My Project")

	assert.Equal(t, a, store.ProjectKey("/home/me/src/My Project"))
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^my-project-[0-9a-f]{8}$`, a)
	assert.Equal(t, "project-", store.ProjectKey("///")[:8])
	assert.Equal(t, filepath.Join("/data", a+".db"), store.ProjectDBPath("/data", "/home/me/src/My Project"))
}
