// Package store provides the relational system of record for the pattern
// engine: error occurrences, suggestions, audit entries, and discovery-run
// cluster bookkeeping.
//
// The store is backed by SQLite via database/sql. Every operation is
// individually atomic; the discovery pipeline deliberately runs without an
// enclosing transaction so a crash mid-run leaves committed rows intact and
// the next run is idempotent.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (or creates) the database at path and bootstraps the schema.
// Use ":memory:" for an in-memory database in tests.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// table-lock errors under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS error_occurrences (
			fingerprint       TEXT PRIMARY KEY,
			exception_message TEXT NOT NULL DEFAULT '',
			log_message       TEXT NOT NULL DEFAULT '',
			service           TEXT NOT NULL DEFAULT '',
			count             INTEGER NOT NULL DEFAULT 0,
			last_seen         TIMESTAMP NOT NULL,
			category          TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_occurrences_category
			ON error_occurrences(category, count)`,
		`CREATE TABLE IF NOT EXISTS pattern_suggestions (
			id                TEXT PRIMARY KEY,
			kind              TEXT NOT NULL,
			value             TEXT NOT NULL,
			category          TEXT NOT NULL,
			scope             TEXT NOT NULL DEFAULT '',
			confidence        REAL NOT NULL,
			reasoning         TEXT NOT NULL DEFAULT '',
			sample_messages   TEXT NOT NULL DEFAULT '[]',
			cluster_hash      TEXT NOT NULL DEFAULT '',
			status            TEXT NOT NULL,
			reviewed_by       TEXT NOT NULL DEFAULT '',
			reviewed_at       TIMESTAMP,
			review_reason     TEXT NOT NULL DEFAULT '',
			backtest          TEXT,
			shadow_start      TIMESTAMP,
			shadow_end        TIMESTAMP,
			shadow_matches    INTEGER NOT NULL DEFAULT 0,
			shadow_match_days TEXT NOT NULL DEFAULT '[]',
			shadow_services   TEXT NOT NULL DEFAULT '{}',
			shadow_first_match TIMESTAMP,
			shadow_last_match TIMESTAMP,
			enabled_at        TIMESTAMP,
			disabled_at       TIMESTAMP,
			last_matched_at   TIMESTAMP,
			match_count       INTEGER NOT NULL DEFAULT 0,
			protected         INTEGER NOT NULL DEFAULT 0,
			source            TEXT NOT NULL,
			review_context    TEXT,
			created_at        TIMESTAMP NOT NULL,
			updated_at        TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_suggestions_status
			ON pattern_suggestions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_suggestions_rule
			ON pattern_suggestions(kind, value)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id            TEXT PRIMARY KEY,
			suggestion_id TEXT NOT NULL,
			action        TEXT NOT NULL,
			actor         TEXT NOT NULL,
			reason        TEXT NOT NULL DEFAULT '',
			metadata      TEXT NOT NULL DEFAULT '{}',
			created_at    TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_suggestion
			ON audit_log(suggestion_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS error_clusters (
			hash              TEXT PRIMARY KEY,
			representative    TEXT NOT NULL,
			normalized        TEXT NOT NULL,
			occurrence_count  INTEGER NOT NULL,
			fingerprint_count INTEGER NOT NULL,
			sample_messages   TEXT NOT NULL DEFAULT '[]',
			services          TEXT NOT NULL DEFAULT '[]',
			first_seen        TIMESTAMP NOT NULL,
			last_seen         TIMESTAMP NOT NULL,
			status            TEXT NOT NULL
		)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}
	return nil
}
