// Package store provides storage backends for SkyReply.
//
// This file implements the Postgres-backed seen store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "embed"

	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements SeenStore.
var _ SeenStore = (*PostgresStore)(nil)

// PostgresStore is a Postgres-backed seen store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres seen store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.PostgresDSN != "")

	dsn := cfg.PostgresDSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres seen store ready")
	return &PostgresStore{db: db}, nil
}

// Load reads all recorded URIs.
func (s *PostgresStore) Load() (map[string]struct{}, error) {
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
	slog.Info("PostgresStore.Load: loaded seen URIs", "count", len(seen))
	return seen, nil
}

// Record appends one URI. Duplicate inserts are ignored.
func (s *PostgresStore) Record(uri string) error {
	_, err := s.db.Exec(
		`INSERT INTO seen_notifications (uri, recorded_at) VALUES ($1, NOW()) ON CONFLICT (uri) DO NOTHING`,
		uri,
	)
	if err != nil {
		return fmt.Errorf("record seen failed: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
