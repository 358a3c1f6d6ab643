// Package store provides storage backends for SkyReply.
//
// This file implements the in-memory seen store used in tests, and the
// in-run cache that every deployment carries regardless of durable backend.
package store

import "sync"

// Compile-time check that InMemoryStore implements SeenStore.
var _ SeenStore = (*InMemoryStore)(nil)

// InMemoryStore is a map-backed SeenStore. Nothing survives a restart.
type InMemoryStore struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewInMemoryStore creates an empty in-memory seen store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{seen: make(map[string]struct{})}
}

// Load returns a copy of the recorded URIs.
func (s *InMemoryStore) Load() (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{}, len(s.seen))
	for uri := range s.seen {
		out[uri] = struct{}{}
	}
	return out, nil
}

// Record adds one URI to the set.
func (s *InMemoryStore) Record(uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[uri] = struct{}{}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

// Cache is the in-run de-dup set. It short-circuits repeated sightings of
// the same notification across polling cycles within one process lifetime,
// independent of whether the durable layer or the server's read flag has
// caught up.
type Cache struct {
	mu   sync.RWMutex
	seen map[string]struct{}
}

// NewCache creates an empty in-run cache.
func NewCache() *Cache {
	return &Cache{seen: make(map[string]struct{})}
}

// Seen reports whether the URI was marked during this run.
func (c *Cache) Seen(uri string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.seen[uri]
	return ok
}

// Mark records the URI for the remainder of this run.
func (c *Cache) Mark(uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[uri] = struct{}{}
}

// Len returns the number of marked URIs.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.seen)
}
