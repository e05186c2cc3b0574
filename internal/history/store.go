// Package history persists the last known state of every synced file so
// later runs can skip files that have not changed.
package history

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Ning0612/Incsync/internal/domain"
)

// FileMode is the permission of a saved store
const FileMode = 0644

// Store maps canonical source paths to their last recorded state.
// All methods are safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[string]domain.HistoryElement
}

// New returns an empty store
func New() *Store {
	return &Store{entries: make(map[string]domain.HistoryElement)}
}

// Load reads the store at path. A missing file yields an empty store.
// A file that exists but cannot be decoded returns domain.ErrCorruptHistory,
// one that cannot be read returns domain.ErrFilesystemSetup.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return New(), nil
		}
		return nil, fmt.Errorf("%w: read history %s: %w", domain.ErrFilesystemSetup, path, err)
	}

	entries, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrCorruptHistory, path, err)
	}

	return &Store{entries: entries}, nil
}

// decode accepts the current object form and the array form of
// earlier copiers
func decode(data []byte) (map[string]domain.HistoryElement, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty file")
	}

	entries := make(map[string]domain.HistoryElement)

	switch trimmed[0] {
	case '{':
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, err
		}
		for key, elem := range entries {
			if elem.FilePath == "" {
				elem.FilePath = key
				entries[key] = elem
			}
		}
	case '[':
		return decodeLegacy(trimmed)
	default:
		return nil, fmt.Errorf("unexpected leading character %q", trimmed[0])
	}

	return entries, nil
}

// Get returns the element stored for key
func (s *Store) Get(key string) (domain.HistoryElement, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	elem, ok := s.entries[key]
	return elem, ok
}

// Put inserts or replaces the element for key
func (s *Store) Put(key string, elem domain.HistoryElement) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem.FilePath = key
	s.entries[key] = elem
}

// Delete removes key. It reports whether the key was present.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		return false
	}
	delete(s.entries, key)
	return true
}

// Prune removes every entry for which keep returns false and returns
// the number of removed entries
func (s *Store) Prune(keep func(key string) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.entries {
		if !keep(key) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Keys returns all keys in sorted order
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Save writes the whole store to path. The data goes to a temporary
// file in the same directory which is synced and then renamed over
// path, so readers see either the old or the new store.
func (s *Store) Save(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create history directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp history: %w", err)
	}
	tmpPath := tmp.Name()

	// CreateTemp uses 0600
	chmodErr := tmp.Chmod(FileMode)
	_, writeErr := tmp.Write(data)
	syncErr := tmp.Sync()
	closeErr := tmp.Close()

	if err := errors.Join(chmodErr, writeErr, syncErr, closeErr); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write temp history: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace history %s: %w", path, err)
	}

	return nil
}
