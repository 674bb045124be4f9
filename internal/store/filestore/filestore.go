// Package filestore is a file-backed store.Store, one file per key under
// a base directory. Values crossing this boundary are already opaque
// serialized bytes, so files hold them verbatim.
package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/converge-project/converge/internal/store"
)

// Store persists each key as a file under basePath.
type Store struct {
	basePath string
	mu       sync.Mutex
}

// New creates basePath if needed and returns a Store rooted there.
func New(basePath string) (*Store, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create base dir: %w", err)
	}
	return &Store{basePath: basePath}, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.basePath, sanitize(key))
}

// sanitize keeps keys on a single path segment; callers control key shape
// (e.g. "task:<uuid>") so a conservative replacement is enough.
func sanitize(key string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(key)
}

func (s *Store) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.WriteFile(s.path(key), value, 0o644)
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	var keys []string
	sanitizedPrefix := sanitize(prefix)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), sanitizedPrefix) {
			keys = append(keys, e.Name())
		}
	}
	return keys, nil
}

// PutIfAbsent uses O_EXCL create for an atomic file-system-level
// test-and-set.
func (s *Store) PutIfAbsent(_ context.Context, key string, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path(key), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()
	if _, err := f.Write(value); err != nil {
		return false, err
	}
	return true, nil
}
