// Package store persists chat history, user-character preferences, diary
// entries, and memory vectors in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"kokoro/internal/logging"
)

// Store wraps the SQLite database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer; SQLite serializes writes anyway and this avoids
	// SQLITE_BUSY churn under concurrent sessions.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("opened database at %s", path)
	return s, nil
}

// migrate creates tables if they do not exist.
func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id   TEXT NOT NULL,
			character_id TEXT NOT NULL,
			role         TEXT NOT NULL,
			content      TEXT NOT NULL,
			created_at   TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id)`,

		`CREATE TABLE IF NOT EXISTS preferences (
			user_id      TEXT NOT NULL,
			character_id TEXT NOT NULL,
			nickname     TEXT,
			style_level  REAL DEFAULT 1.0,
			avoid_topics TEXT,
			updated_at   TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, character_id)
		)`,

		`CREATE TABLE IF NOT EXISTS diary_entries (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			character_id TEXT NOT NULL,
			entry_date   TEXT NOT NULL,
			content      TEXT NOT NULL,
			tags         TEXT,
			created_at   TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_diary_date ON diary_entries(character_id, entry_date)`,

		`CREATE TABLE IF NOT EXISTS memories (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			character_id TEXT NOT NULL,
			content      TEXT NOT NULL,
			embedding    BLOB,
			created_at   TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// DB exposes the underlying handle for extension-specific queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
