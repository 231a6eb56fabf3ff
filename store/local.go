package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	tmplscout "github.com/tmplscout/tmplscout"
)

// LocalConfig holds local store configuration options.
type LocalConfig struct {
	// DSN is the database path. Empty opens an in-memory database.
	DSN string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// ConnMaxLifetime is the maximum lifetime of a connection.
	ConnMaxLifetime time.Duration
}

// DefaultLocalConfig returns a LocalConfig with defaults for dsn.
func DefaultLocalConfig(dsn string) LocalConfig {
	return LocalConfig{
		DSN:             dsn,
		MaxOpenConns:    4,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// LocalStore is the embedded relational store. It is authoritative for
// offline operation, so unlike cache failures its errors are surfaced to
// the caller as *tmplscout.LocalStoreError.
//
// LocalStore is safe for concurrent use.
type LocalStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenLocal opens the embedded store and applies the schema.
func OpenLocal(cfg LocalConfig) (*LocalStore, error) {
	db, err := sql.Open("duckdb", cfg.DSN)
	if err != nil {
		return nil, &tmplscout.LocalStoreError{Op: "open", Err: err}
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &tmplscout.LocalStoreError{Op: "ping", Err: err}
	}

	s := &LocalStore{db: db, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// migrate applies the schema. Idempotent.
func (s *LocalStore) migrate(ctx context.Context) error {
	migrations := []struct {
		name string
		sql  string
	}{
		{
			name: "template_cache",
			sql: `CREATE TABLE IF NOT EXISTS template_cache (
				id BIGINT PRIMARY KEY,
				name VARCHAR NOT NULL,
				category VARCHAR,
				content VARCHAR,
				score DOUBLE DEFAULT 0,
				cached_at TIMESTAMP,
				expires_at TIMESTAMP
			)`,
		},
		{
			name: "analysis_cache",
			sql: `CREATE TABLE IF NOT EXISTS analysis_cache (
				content_hash VARCHAR NOT NULL,
				analysis_type VARCHAR NOT NULL,
				result VARCHAR,
				confidence DOUBLE DEFAULT 0,
				cached_at TIMESTAMP,
				expires_at TIMESTAMP,
				PRIMARY KEY (content_hash, analysis_type)
			)`,
		},
		{
			name: "sync_status",
			sql: `CREATE TABLE IF NOT EXISTS sync_status (
				table_name VARCHAR PRIMARY KEY,
				last_sync TIMESTAMP,
				sync_hash VARCHAR
			)`,
		},
		{
			name: "idx_template_cache_category",
			sql:  `CREATE INDEX IF NOT EXISTS idx_template_cache_category ON template_cache(category)`,
		},
	}

	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return &tmplscout.LocalStoreError{Op: "migrate " + m.name, Err: err}
		}
	}
	return nil
}

// Close closes the store.
func (s *LocalStore) Close() error {
	if err := s.db.Close(); err != nil {
		return &tmplscout.LocalStoreError{Op: "close", Err: err}
	}
	return nil
}

// Health checks database connectivity.
func (s *LocalStore) Health(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &tmplscout.LocalStoreError{Op: "health", Err: err}
	}
	return nil
}

const templateColumns = "id, name, category, content, score, cached_at, expires_at"

// SearchTemplates runs a keyword search over unexpired templates, best
// score first.
func (s *LocalStore) SearchTemplates(ctx context.Context, q Query) ([]Template, error) {
	var (
		conds = []string{"(expires_at IS NULL OR expires_at > ?)"}
		args  = []any{s.now()}
	)
	if q.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, q.Category)
	}
	if q.Text != "" {
		conds = append(conds, "(name ILIKE '%' || ? || '%' OR content ILIKE '%' || ? || '%')")
		args = append(args, q.Text, q.Text)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit)

	query := fmt.Sprintf("SELECT %s FROM template_cache WHERE %s ORDER BY score DESC LIMIT ?",
		templateColumns, strings.Join(conds, " AND "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &tmplscout.LocalStoreError{Op: "search templates", Err: err}
	}
	defer func() { _ = rows.Close() }()

	return scanTemplates(rows)
}

// TemplatesByIDs returns the unexpired templates with the given IDs,
// preserving the input order.
func (s *LocalStore) TemplatesByIDs(ctx context.Context, ids []int64) ([]Template, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, s.now())

	query := fmt.Sprintf("SELECT %s FROM template_cache WHERE id IN (%s) AND (expires_at IS NULL OR expires_at > ?)",
		templateColumns, placeholders)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &tmplscout.LocalStoreError{Op: "templates by ids", Err: err}
	}
	defer func() { _ = rows.Close() }()

	templates, err := scanTemplates(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]Template, len(templates))
	for _, t := range templates {
		byID[t.ID] = t
	}
	ordered := make([]Template, 0, len(templates))
	for _, id := range ids {
		if t, ok := byID[id]; ok {
			ordered = append(ordered, t)
		}
	}
	return ordered, nil
}

// UpsertTemplates inserts or replaces templates by primary key.
func (s *LocalStore) UpsertTemplates(ctx context.Context, templates []Template) error {
	if len(templates) == 0 {
		return nil
	}

	err := s.transaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO template_cache (id, name, category, content, score, cached_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name,
				category = excluded.category,
				content = excluded.content,
				score = excluded.score,
				cached_at = excluded.cached_at,
				expires_at = excluded.expires_at
		`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		for _, t := range templates {
			if _, err := stmt.ExecContext(ctx, t.ID, t.Name, t.Category, t.Content, t.Score, t.CachedAt, t.ExpiresAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &tmplscout.LocalStoreError{Op: "upsert templates", Err: err}
	}
	return nil
}

// AnalysisFor returns the unexpired analysis for a content hash and type.
// Returns tmplscout.ErrNotFound when absent.
func (s *LocalStore) AnalysisFor(ctx context.Context, contentHash, analysisType string) (*Analysis, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT content_hash, analysis_type, result, confidence, cached_at, expires_at
		FROM analysis_cache
		WHERE content_hash = ? AND analysis_type = ? AND (expires_at IS NULL OR expires_at > ?)
	`, contentHash, analysisType, s.now())

	var a Analysis
	err := row.Scan(&a.ContentHash, &a.AnalysisType, &a.Result, &a.Confidence, &a.CachedAt, &a.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tmplscout.ErrNotFound
	}
	if err != nil {
		return nil, &tmplscout.LocalStoreError{Op: "analysis lookup", Err: err}
	}
	return &a, nil
}

// UpsertAnalyses inserts or replaces analyses by primary key.
func (s *LocalStore) UpsertAnalyses(ctx context.Context, analyses []Analysis) error {
	if len(analyses) == 0 {
		return nil
	}

	err := s.transaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO analysis_cache (content_hash, analysis_type, result, confidence, cached_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (content_hash, analysis_type) DO UPDATE SET
				result = excluded.result,
				confidence = excluded.confidence,
				cached_at = excluded.cached_at,
				expires_at = excluded.expires_at
		`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		for _, a := range analyses {
			if _, err := stmt.ExecContext(ctx, a.ContentHash, a.AnalysisType, a.Result, a.Confidence, a.CachedAt, a.ExpiresAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &tmplscout.LocalStoreError{Op: "upsert analyses", Err: err}
	}
	return nil
}

// Cursor returns the sync cursor for a tracked table. A table that has
// never synced returns a zero cursor.
func (s *LocalStore) Cursor(ctx context.Context, table string) (SyncCursor, error) {
	cursor := SyncCursor{Table: table}

	var lastSync sql.NullTime
	var syncHash sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sync, sync_hash FROM sync_status WHERE table_name = ?`, table,
	).Scan(&lastSync, &syncHash)
	if errors.Is(err, sql.ErrNoRows) {
		return cursor, nil
	}
	if err != nil {
		return cursor, &tmplscout.LocalStoreError{Op: "load cursor", Err: err}
	}

	if lastSync.Valid {
		cursor.LastSync = lastSync.Time
	}
	if syncHash.Valid {
		cursor.SyncHash = syncHash.String
	}
	return cursor, nil
}

// SaveCursor persists the sync cursor for a tracked table.
func (s *LocalStore) SaveCursor(ctx context.Context, cursor SyncCursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_status (table_name, last_sync, sync_hash)
		VALUES (?, ?, ?)
		ON CONFLICT (table_name) DO UPDATE SET
			last_sync = excluded.last_sync,
			sync_hash = excluded.sync_hash
	`, cursor.Table, cursor.LastSync, cursor.SyncHash)
	if err != nil {
		return &tmplscout.LocalStoreError{Op: "save cursor", Err: err}
	}
	return nil
}

// DeleteExpired removes expired rows from both cache tables and returns
// how many were deleted.
func (s *LocalStore) DeleteExpired(ctx context.Context) (int64, error) {
	now := s.now()
	var total int64

	for _, table := range []string{"template_cache", "analysis_cache"} {
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= ?", table), now)
		if err != nil {
			return total, &tmplscout.LocalStoreError{Op: "delete expired " + table, Err: err}
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}

// Counts returns the unexpired row counts per cache table.
func (s *LocalStore) Counts(ctx context.Context) (templates, analyses int64, err error) {
	now := s.now()
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM template_cache WHERE expires_at IS NULL OR expires_at > ?`, now,
	).Scan(&templates); err != nil {
		return 0, 0, &tmplscout.LocalStoreError{Op: "count templates", Err: err}
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM analysis_cache WHERE expires_at IS NULL OR expires_at > ?`, now,
	).Scan(&analyses); err != nil {
		return 0, 0, &tmplscout.LocalStoreError{Op: "count analyses", Err: err}
	}
	return templates, analyses, nil
}

// transaction executes fn within a transaction, rolling back on error.
func (s *LocalStore) transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func scanTemplates(rows *sql.Rows) ([]Template, error) {
	var templates []Template
	for rows.Next() {
		var t Template
		var category, content sql.NullString
		var cachedAt, expiresAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.Name, &category, &content, &t.Score, &cachedAt, &expiresAt); err != nil {
			return nil, &tmplscout.LocalStoreError{Op: "scan template", Err: err}
		}
		t.Category = category.String
		t.Content = content.String
		t.CachedAt = cachedAt.Time
		t.ExpiresAt = expiresAt.Time
		templates = append(templates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, &tmplscout.LocalStoreError{Op: "scan templates", Err: err}
	}
	return templates, nil
}
