// Package settings persists small string values such as the last active
// backend and per-backend working directories.
package settings

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// Store is a string key/value store. Get reports ok=false for missing keys.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Open returns a store for dsn:
//
//	memory://                     in-process only
//	file:///path/settings.json    JSON file
//	sqlite:///path/settings.db    SQLite database
//	postgres://user@host/db       PostgreSQL
func Open(dsn string) (Store, error) {
	if dsn == "" || dsn == "memory://" {
		return NewMemoryStore(), nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse settings dsn: %w", err)
	}
	switch u.Scheme {
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(u.Path)
	case "sqlite", "sqlite3":
		return OpenSQL("sqlite3", strings.TrimPrefix(dsn, u.Scheme+"://"))
	case "postgres", "postgresql":
		return OpenSQL("postgres", dsn)
	default:
		return nil, fmt.Errorf("unsupported settings store %q", u.Scheme)
	}
}

// MemoryStore keeps settings in a map.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
