// Package store provides storage backends for SkyReply.
//
// This file implements the SQLite-backed seen store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements SeenStore.
var _ SeenStore = (*SQLiteStore)(nil)

// SQLiteStore is a SQLite-backed seen store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite seen store with the given DSN.
// The DSN should be a file path to the SQLite database file. If the
// directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.SQLiteDSN != "")

	dsn := cfg.SQLiteDSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	if dsn != ":memory:" {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			slog.Error("Failed to create database directory", "error", err, "dir", dir)
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite seen store ready", "dsn", dsn)
	return &SQLiteStore{db: db}, nil
}

// Load reads all recorded URIs.
func (s *SQLiteStore) Load() (map[string]struct{}, error) {
	rows, err := s.db.Query(`SELECT uri FROM seen_notifications`)
	if err != nil {
		return nil, fmt.Errorf("seen load failed: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return nil, fmt.Errorf("seen scan failed: %w", err)
		}
		seen[uri] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("seen rows failed: %w", err)
	}
	slog.Info("SQLiteStore.Load: loaded seen URIs", "count", len(seen))
	return seen, nil
}

// Record appends one URI. Duplicate inserts are ignored.
func (s *SQLiteStore) Record(uri string) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO seen_notifications (uri, recorded_at) VALUES (?, CURRENT_TIMESTAMP)`,
		uri,
	)
	if err != nil {
		return fmt.Errorf("record seen failed: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
