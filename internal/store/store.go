// Package store persists small JSON documents using atomic file replacement.
//
// Each document is stored as a separate file, <name>.json. Writes go to a
// .tmp sibling first and rename over the target, so a crash mid-write never
// leaves a corrupt document behind. The fx cache uses it to carry the last
// fetched rate table across restarts; a process that starts while the rate
// endpoint is down still converts with the previous table.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store reads and writes JSON documents in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string     // directory containing *.json documents
	mu  sync.Mutex // serializes all file operations
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Save atomically persists v as the named document. It writes to a .tmp
// file first, then renames over the target to ensure the document is never
// left in a partial state.
func (s *Store) Save(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	path := filepath.Join(s.dir, name+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return os.Rename(tmp, path)
}

// Load reads the named document into v. Returns false with a nil error when
// the document does not exist.
func (s *Store) Load(name string, v any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, name+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", name, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return true, nil
}
