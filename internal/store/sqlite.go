package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/iammorganparry/clive/apps/memengine/internal/models"
)

// DB wraps the SQLite connection with initialization logic.
type DB struct {
	*sql.DB
}

// Querier is satisfied by both *DB and *sql.Tx so every store method can run
// inside or outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open creates or opens the SQLite database at the given path, runs schema
// initialization, and configures WAL mode. Failures are InitializationErrors.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &models.InitializationError{Path: dbPath, Err: fmt.Errorf("create db directory: %w", err)}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON")
	if err != nil {
		return nil, &models.InitializationError{Path: dbPath, Err: fmt.Errorf("open sqlite: %w", err)}
	}

	// One connection is the single serialized access path to the file.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &models.InitializationError{Path: dbPath, Err: fmt.Errorf("ping sqlite: %w", err)}
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, &models.InitializationError{Path: dbPath, Err: fmt.Errorf("init schema: %w", err)}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, &models.InitializationError{Path: dbPath, Err: fmt.Errorf("run migrations: %w", err)}
	}

	return &DB{db}, nil
}

// WithTx runs fn inside a transaction bound to ctx. Any error rolls the whole
// transaction back. Driver and context failures come back as StorageErrors;
// not-found and validation errors pass through untouched.
func (db *DB) WithTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return &models.StorageError{Op: op, Err: fmt.Errorf("begin: %w", err)}
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, models.ErrNotFound) || models.IsValidation(err) || models.IsStorage(err) {
			return err
		}
		return &models.StorageError{Op: op, Err: err}
	}

	if err := ctx.Err(); err != nil {
		_ = tx.Rollback()
		return &models.StorageError{Op: op, Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &models.StorageError{Op: op, Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}

// IntegrityCheck runs PRAGMA integrity_check and returns the problems it
// reports; an empty slice means the file is sound.
func (db *DB) IntegrityCheck(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `PRAGMA integrity_check`)
	if err != nil {
		return nil, fmt.Errorf("integrity check: %w", err)
	}
	defer rows.Close()

	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("scan integrity check: %w", err)
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	return problems, rows.Err()
}

// StorageBytes returns the size of the main database file in bytes.
func (db *DB) StorageBytes(ctx context.Context) (int64, error) {
	var size int64
	err := db.QueryRowContext(ctx,
		`SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()`).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("storage size: %w", err)
	}
	return size, nil
}

// runMigrations applies incremental schema changes that were added after the
// initial schema. Each migration is idempotent so it is safe to call on every
// database open.
func runMigrations(db *sql.DB) error {
	// v2: compression bookkeeping.
	hasCompressed, err := columnExists(db, "records", "compressed")
	if err != nil {
		return fmt.Errorf("check compressed column: %w", err)
	}
	if !hasCompressed {
		migrations := []string{
			`ALTER TABLE records ADD COLUMN compressed INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE records ADD COLUMN original_size INTEGER NOT NULL DEFAULT 0`,
		}
		for _, m := range migrations {
			if _, err := db.Exec(m); err != nil {
				return fmt.Errorf("run migration v2: %w", err)
			}
		}
	}

	// v3: remember which embedder produced each vector.
	hasModel, err := columnExists(db, "records", "embedding_model")
	if err != nil {
		return fmt.Errorf("check embedding_model column: %w", err)
	}
	if !hasModel {
		if _, err := db.Exec(`ALTER TABLE records ADD COLUMN embedding_model TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("run migration v3: %w", err)
		}
	}

	_, err = db.Exec(`INSERT INTO schema_meta (key, value) VALUES ('schema_version', '3')
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`)
	if err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return nil
}

func initSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS schema_meta (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS records (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  content TEXT NOT NULL,
  metadata TEXT,
  checksum TEXT NOT NULL,
  embedding BLOB,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  last_accessed INTEGER NOT NULL,
  access_count INTEGER NOT NULL DEFAULT 0,
  importance REAL NOT NULL DEFAULT 0.5,
  tags TEXT,
  associated_files TEXT,
  session_id TEXT NOT NULL DEFAULT '',
  project_id TEXT NOT NULL DEFAULT '',
  archived INTEGER NOT NULL DEFAULT 0,
  archived_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_records_type ON records(type);
CREATE INDEX IF NOT EXISTS idx_records_project ON records(project_id);
CREATE INDEX IF NOT EXISTS idx_records_session ON records(session_id);
CREATE INDEX IF NOT EXISTS idx_records_importance ON records(importance);
CREATE INDEX IF NOT EXISTS idx_records_created_at ON records(created_at);
CREATE INDEX IF NOT EXISTS idx_records_last_accessed ON records(last_accessed);
CREATE INDEX IF NOT EXISTS idx_records_checksum ON records(checksum);
CREATE INDEX IF NOT EXISTS idx_records_archived ON records(archived);

CREATE TABLE IF NOT EXISTS record_tags (
  record_id TEXT NOT NULL,
  tag TEXT NOT NULL,
  PRIMARY KEY (record_id, tag),
  FOREIGN KEY (record_id) REFERENCES records(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_record_tags_tag ON record_tags(tag);

CREATE TABLE IF NOT EXISTS relationships (
  source_id TEXT NOT NULL,
  target_id TEXT NOT NULL,
  type TEXT NOT NULL,
  strength REAL NOT NULL DEFAULT 1.0,
  metadata TEXT,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY (source_id, target_id, type),
  FOREIGN KEY (source_id) REFERENCES records(id) ON DELETE CASCADE,
  FOREIGN KEY (target_id) REFERENCES records(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_relationships_source ON relationships(source_id, type);
CREATE INDEX IF NOT EXISTS idx_relationships_target ON relationships(target_id, type);

CREATE TABLE IF NOT EXISTS learning_patterns (
  key TEXT PRIMARY KEY,
  interaction_type TEXT NOT NULL,
  success INTEGER NOT NULL,
  category TEXT NOT NULL,
  frequency INTEGER NOT NULL,
  success_rate REAL NOT NULL,
  last_reinforced INTEGER NOT NULL,
  context TEXT,
  examples TEXT,
  confidence REAL NOT NULL,
  avg_duration_ms REAL NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_learning_patterns_category ON learning_patterns(category);

CREATE TABLE IF NOT EXISTS embedding_cache (
  content_hash TEXT NOT NULL,
  model TEXT NOT NULL,
  embedding BLOB NOT NULL,
  dimension INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY (content_hash, model)
);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// RecordCount returns the total number of records in the database.
func (db *DB) RecordCount(ctx context.Context) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&count)
	return count, err
}

// columnExists checks if a column exists in a table. It properly closes the
// rows cursor before returning, avoiding deadlocks with MaxOpenConns(1).
func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(
		fmt.Sprintf("SELECT name FROM pragma_table_info('%s') WHERE name = ?", table),
		column,
	)
	if err != nil {
		return false, err
	}
	found := rows.Next()
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}
	return found, nil
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
