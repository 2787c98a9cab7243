// Package cache provides a size-bounded on-disk content cache with LRU
// eviction. Remote backends use it to keep downloaded revisions around so
// reopening an unchanged file does not download it again.
package cache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Entry describes one cached file.
type Entry struct {
	Key        string
	LocalPath  string
	Size       int64
	LastAccess time.Time
	pins       int
}

// Pinned reports whether the entry is protected from eviction.
func (e *Entry) Pinned() bool { return e.pins > 0 }

// Cache manages locally cached files.
type Cache struct {
	dir     string
	maxSize int64 // Maximum cache size in bytes, 0 = unlimited

	mu      sync.Mutex
	entries map[string]*Entry
	size    int64
}

// New creates a cache in dir and indexes any files already there.
func New(dir string, maxSize int64) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	c := &Cache{
		dir:     dir,
		maxSize: maxSize,
		entries: make(map[string]*Entry),
	}
	if err := c.scan(); err != nil {
		return nil, err
	}
	return c, nil
}

// scan indexes files left by a previous run, using their mtime as access time.
func (c *Cache) scan() error {
	des, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("scan cache dir: %w", err)
	}
	for _, de := range des {
		name := de.Name()
		if de.IsDir() || strings.HasSuffix(name, ".tmp") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		c.entries[name] = &Entry{
			Key:        name,
			LocalPath:  filepath.Join(c.dir, name),
			Size:       info.Size(),
			LastAccess: info.ModTime(),
		}
		c.size += info.Size()
	}
	return nil
}

func validKey(key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return fmt.Errorf("invalid cache key %q", key)
	}
	return nil
}

// Get returns the local path if key is cached.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return "", false
	}
	entry.LastAccess = time.Now()
	return entry.LocalPath, true
}

// Put stores content under key. Content is written atomically (temp file
// then rename).
func (c *Cache) Put(key string, r io.Reader, size int64) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Replacing content keeps the pins of whoever has the key open.
	pins := 0
	if old, ok := c.entries[key]; ok {
		pins = old.pins
		c.size -= old.Size
		delete(c.entries, key)
	}
	if c.maxSize > 0 {
		for c.size+size > c.maxSize {
			if !c.evictOldest() {
				break // Nothing to evict
			}
		}
	}

	localPath := filepath.Join(c.dir, key)
	tempPath := localPath + ".tmp"

	f, err := os.Create(tempPath)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	written, err := io.Copy(f, r)
	f.Close()
	if err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("write content: %w", err)
	}
	if err := os.Rename(tempPath, localPath); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("rename temp file: %w", err)
	}

	c.entries[key] = &Entry{
		Key:        key,
		LocalPath:  localPath,
		Size:       written,
		LastAccess: time.Now(),
		pins:       pins,
	}
	c.size += written
	return localPath, nil
}

// Evict removes key from the cache.
func (c *Cache) Evict(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil
	}
	if entry.Pinned() {
		return fmt.Errorf("cannot evict pinned file: %s", key)
	}
	c.remove(entry)
	return nil
}

// EvictMatching removes every unpinned entry whose key satisfies match and
// returns how many were removed.
func (c *Cache) EvictMatching(match func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key, entry := range c.entries {
		if entry.Pinned() || !match(key) {
			continue
		}
		c.remove(entry)
		n++
	}
	return n
}

// Pin protects key from eviction. Pins nest; each Pin needs an Unpin.
func (c *Cache) Pin(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return fmt.Errorf("file not cached: %s", key)
	}
	entry.pins++
	return nil
}

// Unpin releases one Pin.
func (c *Cache) Unpin(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return fmt.Errorf("file not cached: %s", key)
	}
	if entry.pins > 0 {
		entry.pins--
	}
	return nil
}

// remove deletes entry. Must be called with lock held.
func (c *Cache) remove(entry *Entry) {
	os.Remove(entry.LocalPath)
	c.size -= entry.Size
	delete(c.entries, entry.Key)
}

// evictOldest removes the least recently used non-pinned file.
// Must be called with lock held.
func (c *Cache) evictOldest() bool {
	var oldest *Entry
	for _, entry := range c.entries {
		if entry.Pinned() {
			continue
		}
		if oldest == nil || entry.LastAccess.Before(oldest.LastAccess) {
			oldest = entry
		}
	}
	if oldest == nil {
		return false
	}
	c.remove(oldest)
	return true
}

// IsCached returns true if key is cached.
func (c *Cache) IsCached(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}
