// Package offsetcache stores previously successful slider offsets keyed by a
// content hash of the challenge images. The cache is a shared performance
// optimization, not a source of truth: concurrent counter updates are
// last-writer-wins, and a stale offset simply fails verification upstream.
package offsetcache

import (
	"context"
	"sync"
	"time"
)

// Entry is one cached offset with its advisory counters.
type Entry struct {
	Hash         string    `json:"hash"`
	Offset       int       `json:"offset"`
	SuccessCount int       `json:"success_count"`
	FailureCount int       `json:"failure_count"`
	LastUsedAt   time.Time `json:"last_used_at"`
}

// Store is the backing storage for offsets. Implementations must tolerate
// concurrent use from independent crawl instances.
type Store interface {
	// Get returns the entry for hash, or nil when the hash is unknown.
	Get(ctx context.Context, hash string) (*Entry, error)
	// RecordSuccess upserts the entry for hash, keeping offset for a novel
	// hash and incrementing SuccessCount.
	RecordSuccess(ctx context.Context, hash string, offset int) error
	// RecordFailure increments FailureCount, inserting a zero-success
	// entry when the hash is unknown. Entries are never deleted on
	// failure: the same visual puzzle cannot reappear with a different
	// correct offset unless its hash differs too.
	RecordFailure(ctx context.Context, hash string, offset int) error
}

// MemoryStore keeps entries in process memory. Useful for tests and
// single-run crawls.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (s *MemoryStore) Get(ctx context.Context, hash string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[hash]
	if !ok {
		return nil, nil
	}
	copied := *entry
	return &copied, nil
}

func (s *MemoryStore) RecordSuccess(ctx context.Context, hash string, offset int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[hash]
	if !ok {
		entry = &Entry{Hash: hash, Offset: offset}
		s.entries[hash] = entry
	}
	entry.SuccessCount++
	entry.LastUsedAt = time.Now()
	return nil
}

func (s *MemoryStore) RecordFailure(ctx context.Context, hash string, offset int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[hash]
	if !ok {
		entry = &Entry{Hash: hash, Offset: offset}
		s.entries[hash] = entry
	}
	entry.FailureCount++
	entry.LastUsedAt = time.Now()
	return nil
}

// Len reports the number of cached hashes.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
