// Package store provides storage backends for SkyReply.
//
// This file implements the append-only text file backend, the default seen
// store. One URI per line; a single O_APPEND write per record keeps
// concurrent appenders from interleaving within a line.
package store

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DefaultDirPermissions defines the default permissions for state directories.
const DefaultDirPermissions = 0755

// Compile-time check that FileStore implements SeenStore.
var _ SeenStore = (*FileStore)(nil)

// FileStore is a newline-delimited append-only seen store.
type FileStore struct {
	path string
	mu   sync.Mutex
	file *os.File
}

// NewFileStore creates a file-backed seen store at the configured path.
// The parent directory is created if it does not exist; the file itself is
// created lazily on the first Record call.
func NewFileStore(opts ...Option) (*FileStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.FilePath == "" {
		slog.Error("FileStore path not set")
		return nil, fmt.Errorf("seen store file path not set")
	}

	dir := filepath.Dir(cfg.FilePath)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create seen store directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create seen store directory: %w", err)
	}

	slog.Debug("FileStore initialized", "path", cfg.FilePath)
	return &FileStore{path: cfg.FilePath}, nil
}

// Load reads all recorded URIs. A missing file yields an empty set.
func (s *FileStore) Load() (map[string]struct{}, error) {
	seen := make(map[string]struct{})

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("FileStore.Load: seen file not found, starting empty", "path", s.path)
			return seen, nil
		}
		return nil, fmt.Errorf("failed to open seen file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		seen[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read seen file: %w", err)
	}

	slog.Info("FileStore.Load: loaded seen URIs", "count", len(seen), "path", s.path)
	return seen, nil
}

// Record appends one URI. The write is a single line-granular append.
func (s *FileStore) Record(uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			slog.Error("FileStore.Record: failed to open seen file", "error", err, "path", s.path)
			return fmt.Errorf("failed to open seen file for append: %w", err)
		}
		s.file = f
	}

	if _, err := s.file.WriteString(uri + "\n"); err != nil {
		slog.Error("FileStore.Record: append failed", "error", err, "uri", uri)
		return fmt.Errorf("failed to append seen uri: %w", err)
	}
	return nil
}

// Close closes the underlying file, if one was opened.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
