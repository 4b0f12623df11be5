package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on events.captured for status queries
const currentSchemaVersion = 1

// Index is a SQLite mirror of log.csv for one run.
//
// It enforces filename uniqueness with a UNIQUE constraint and answers
// status queries without re-parsing the CSV. It is derived data: Reconcile
// replays log.csv into it on every open, so a lost or stale index.db never
// affects counters.
type Index struct {
	db   *sql.DB
	path string
}

// OpenIndex creates or opens the index database at path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to index: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Index{db: db, path: path}, nil
}

// Close closes the database connection.
func (ix *Index) Close() error {
	if ix == nil || ix.db == nil {
		return nil
	}
	return ix.db.Close()
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_captured ON events(captured)`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, db execer, rec LogRecord) error {
	var filename any
	if rec.Filename != "" {
		filename = rec.Filename
	}
	// ON CONFLICT(trigger_index) makes replaying log.csv idempotent. A
	// different trigger claiming an existing filename still fails.
	_, err := db.ExecContext(ctx, `
		INSERT INTO events (trigger_index, timestamp, enable_state, captured, filename)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(trigger_index) DO NOTHING
	`,
		rec.TriggerIndex,
		rec.Timestamp.Format(LogTimeLayout),
		boolToInt(rec.EnableState),
		boolToInt(rec.Captured),
		filename,
	)
	return err
}

// WriteEvent mirrors one log record.
func (ix *Index) WriteEvent(ctx context.Context, rec LogRecord) error {
	if err := insertEvent(ctx, ix.db, rec); err != nil {
		return fmt.Errorf("write event %d: %w", rec.TriggerIndex, err)
	}
	return nil
}

// Reconcile replays records into the index in one transaction and returns
// how many were missing.
func (ix *Index) Reconcile(ctx context.Context, records []LogRecord) (int, error) {
	before, err := ix.count(ctx)
	if err != nil {
		return 0, err
	}

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("reconcile: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for _, rec := range records {
		if err := insertEvent(ctx, tx, rec); err != nil {
			return 0, fmt.Errorf("reconcile event %d: %w", rec.TriggerIndex, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("reconcile: commit: %w", err)
	}

	after, err := ix.count(ctx)
	if err != nil {
		return 0, err
	}
	return after - before, nil
}

// HasFilename reports whether any recorded event already claimed name.
func (ix *Index) HasFilename(ctx context.Context, name string) (bool, error) {
	var count int
	err := ix.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE filename = ?`, name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check filename: %w", err)
	}
	return count > 0, nil
}

// SetMeta stores a run-level key/value pair.
func (ix *Index) SetMeta(ctx context.Context, key, value string) error {
	_, err := ix.db.ExecContext(ctx, `
		INSERT INTO run_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %q: %w", key, err)
	}
	return nil
}

// Meta returns a run-level value, or "" if unset.
func (ix *Index) Meta(ctx context.Context, key string) (string, error) {
	var value string
	err := ix.db.QueryRowContext(ctx, `SELECT value FROM run_meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get meta %q: %w", key, err)
	}
	return value, nil
}

// Summary aggregates a run's events.
type Summary struct {
	Triggers     int    `json:"triggers"`
	Captured     int    `json:"captured"`
	Failed       int    `json:"failed"`
	Disabled     int    `json:"disabled"`
	LastTrigger  uint64 `json:"last_trigger"`
	LastFilename string `json:"last_filename,omitempty"`
}

// Summary counts captured, failed (enabled but not captured) and disabled
// triggers.
func (ix *Index) Summary(ctx context.Context) (Summary, error) {
	var s Summary
	var last sql.NullInt64
	err := ix.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN captured = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN enable_state = 1 AND captured = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN enable_state = 0 THEN 1 ELSE 0 END), 0),
			MAX(trigger_index)
		FROM events
	`).Scan(&s.Triggers, &s.Captured, &s.Failed, &s.Disabled, &last)
	if err != nil {
		return Summary{}, fmt.Errorf("summary: %w", err)
	}
	if last.Valid {
		s.LastTrigger = uint64(last.Int64)
	}

	var name sql.NullString
	err = ix.db.QueryRowContext(ctx, `
		SELECT filename FROM events
		WHERE filename IS NOT NULL
		ORDER BY trigger_index DESC
		LIMIT 1
	`).Scan(&name)
	if err != nil && err != sql.ErrNoRows {
		return Summary{}, fmt.Errorf("summary last filename: %w", err)
	}
	s.LastFilename = name.String
	return s, nil
}

// Query runs a read-only query against the index. Callers must close the
// returned rows.
func (ix *Index) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return ix.db.QueryContext(ctx, query, args...)
}

func (ix *Index) count(ctx context.Context) (int, error) {
	var n int
	if err := ix.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
