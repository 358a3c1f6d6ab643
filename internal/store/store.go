// Package store provides the durable seen-notification store for SkyReply.
//
// It includes an append-only file store (the default), SQLite and Postgres
// backends, an in-memory store for tests, and the in-run cache that guards
// against re-processing within a single process lifetime.
package store

import "strings"

// SeenStore is the durable record of notification URIs already handled.
// Entries are append-only: there is no delete or update operation, so
// concurrent readers and appenders are always consistent.
type SeenStore interface {
	// Load reads all historically recorded URIs. Missing backing storage
	// yields an empty set, not an error.
	Load() (map[string]struct{}, error)

	// Record durably appends one URI. Recording the same URI twice is safe
	// and does not change query results.
	Record(uri string) error

	// Close releases the underlying resources.
	Close() error
}

// Opts holds configuration options for seen store backends.
type Opts struct {
	FilePath    string // path for the append-only text file backend
	SQLiteDSN   string // SQLite database path or DSN
	PostgresDSN string // Postgres connection string
}

// Option defines a configuration option for a seen store backend.
type Option func(*Opts)

// WithFilePath sets the path for the append-only file backend.
func WithFilePath(path string) Option {
	return func(o *Opts) {
		o.FilePath = path
	}
}

// WithSQLiteDSN sets the SQLite database path or DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.SQLiteDSN = dsn
	}
}

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.PostgresDSN = dsn
	}
}

// DetectDSNType determines the database type from a DSN string.
// Returns "postgres" for PostgreSQL connection strings, "sqlite" for file
// paths and SQLite DSNs, and "file" for everything ending in .txt.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	if strings.HasSuffix(dsn, ".txt") {
		return "file"
	}
	return "sqlite"
}
