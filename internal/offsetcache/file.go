package offsetcache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore persists entries to a JSON file. Writes go through a temp file
// and rename so a crash never leaves a truncated cache behind.
type FileStore struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	filename string
}

func NewFileStore(filename string) (*FileStore, error) {
	s := &FileStore{
		entries:  make(map[string]*Entry),
		filename: filename,
	}

	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load offset cache: %w", err)
	}
	return s, nil
}

func (s *FileStore) Get(ctx context.Context, hash string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[hash]
	if !ok {
		return nil, nil
	}
	copied := *entry
	return &copied, nil
}

func (s *FileStore) RecordSuccess(ctx context.Context, hash string, offset int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[hash]
	if !ok {
		entry = &Entry{Hash: hash, Offset: offset}
		s.entries[hash] = entry
	}
	entry.SuccessCount++
	entry.LastUsedAt = time.Now()
	return s.save()
}

func (s *FileStore) RecordFailure(ctx context.Context, hash string, offset int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[hash]
	if !ok {
		entry = &Entry{Hash: hash, Offset: offset}
		s.entries[hash] = entry
	}
	entry.FailureCount++
	entry.LastUsedAt = time.Now()
	return s.save()
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.filename)
	if err != nil {
		return err
	}

	var entries []*Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse %s: %w", s.filename, err)
	}

	for _, entry := range entries {
		if entry.Hash == "" {
			continue
		}
		s.entries[entry.Hash] = entry
	}
	return nil
}

func (s *FileStore) save() error {
	entries := make([]*Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		entries = append(entries, entry)
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.filename), 0o755); err != nil {
		return err
	}

	tmpFile := s.filename + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpFile, s.filename)
}
