// Package thumbnail generates document thumbnails and caches them in memory
// and on disk.
package thumbnail

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/docsync/internal/logging"
	"github.com/fruitsalade/docsync/internal/metrics"
	"github.com/fruitsalade/docsync/internal/storage"
)

// DefaultMemoryEntries bounds the memory tier.
const DefaultMemoryEntries = 50

const diskSuffix = ".png"

// Key derives the cache key for a file rendered in a theme. The result is
// safe as a file name and distinct for distinct inputs.
func Key(backendID, path, theme string) string {
	return storage.EscapeKey(backendID) + "_p" + storage.EscapeKey(storage.Clean(path)) + "_t" + storage.EscapeKey(theme)
}

type entry struct {
	img       image.Image
	generated time.Time
	access    uint64
}

// Cache is a two-tier image cache: an LRU-bounded memory map in front of one
// PNG file per key on disk. Disk writes happen in the background; Wait
// blocks until they are done.
type Cache struct {
	dir      string
	capacity int
	log      *zap.Logger

	mu       sync.Mutex
	entries  map[string]*entry
	clock    uint64
	versions map[string]uint64 // bumped on every set or remove of a key

	writes sync.WaitGroup

	// afterDiskRead runs between reading a disk file and filling memory.
	afterDiskRead func(key string)
}

// NewCache creates a cache writing to dir. capacity <= 0 uses
// DefaultMemoryEntries. The directory is created on first write.
func NewCache(dir string, capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultMemoryEntries
	}
	return &Cache{
		dir:      dir,
		capacity: capacity,
		log:      logging.Named("thumbnail"),
		entries:  make(map[string]*entry),
		versions: make(map[string]uint64),
	}
}

func (c *Cache) diskPath(key string) string {
	return filepath.Join(c.dir, key+diskSuffix)
}

// GetImage returns the image for key if one was generated after oldest.
// A stale memory entry is dropped. With allowDisk, a miss in memory falls
// back to the disk tier, whose file modification time stands in for the
// generation time.
func (c *Cache) GetImage(key string, oldest time.Time, allowDisk bool) (image.Image, bool) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if e.generated.After(oldest) {
			c.clock++
			e.access = c.clock
			c.mu.Unlock()
			metrics.RecordThumbnailLookup("memory", true)
			return e.img, true
		}
		delete(c.entries, key)
	}
	version := c.versions[key]
	c.mu.Unlock()
	metrics.RecordThumbnailLookup("memory", false)

	if !allowDisk {
		return nil, false
	}
	img, mod, ok := c.readDisk(key, oldest)
	metrics.RecordThumbnailLookup("disk", ok)
	if !ok {
		return nil, false
	}
	if c.afterDiskRead != nil {
		c.afterDiskRead(key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// A set or remove while the file was read wins over what was read.
	if c.versions[key] != version {
		if e, ok := c.entries[key]; ok && e.generated.After(oldest) {
			return e.img, true
		}
		return nil, false
	}
	c.insertLocked(key, img, mod)
	return img, true
}

func (c *Cache) readDisk(key string, oldest time.Time) (image.Image, time.Time, bool) {
	p := c.diskPath(key)
	st, err := os.Stat(p)
	if err != nil || !st.ModTime().After(oldest) {
		return nil, time.Time{}, false
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, time.Time{}, false
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		c.log.Warn("unreadable cached thumbnail", zap.String("path", p), zap.Error(err))
		os.Remove(p)
		return nil, time.Time{}, false
	}
	return img, st.ModTime(), true
}

// insertLocked stores img, evicting the least recently accessed entry when
// the memory tier is full.
func (c *Cache) insertLocked(key string, img image.Image, generated time.Time) {
	if _, ok := c.entries[key]; !ok && len(c.entries) >= c.capacity {
		var victim string
		var oldest uint64
		for k, e := range c.entries {
			if victim == "" || e.access < oldest {
				victim, oldest = k, e.access
			}
		}
		delete(c.entries, victim)
	}
	c.clock++
	c.entries[key] = &entry{img: img, generated: generated, access: c.clock}
}

// SetGeneratedImage stores a freshly generated image in memory and, with
// saveToDisk, writes it to disk in the background. A nil image removes key
// from both tiers.
func (c *Cache) SetGeneratedImage(key string, img image.Image, saveToDisk bool) {
	c.mu.Lock()
	c.versions[key]++
	version := c.versions[key]
	if img == nil {
		delete(c.entries, key)
		c.mu.Unlock()
		if err := os.Remove(c.diskPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.log.Warn("remove cached thumbnail", zap.String("key", key), zap.Error(err))
		}
		return
	}
	c.insertLocked(key, img, time.Now())
	c.mu.Unlock()

	if !saveToDisk {
		return
	}
	c.writes.Add(1)
	go func() {
		defer c.writes.Done()
		if err := c.writeDisk(key, img, version); err != nil {
			c.log.Warn("save thumbnail", zap.String("key", key), zap.Error(err))
		}
	}()
}

// writeDisk encodes img to a temp file and renames it into place unless key
// was set or removed again in the meantime.
func (c *Cache) writeDisk(key string, img image.Image, version uint64) error {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(c.dir, ".thumb-*.tmp")
	if err != nil {
		return err
	}
	if err := png.Encode(tmp, img); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("encode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.versions[key] != version {
		os.Remove(tmp.Name())
		return nil
	}
	if err := os.Rename(tmp.Name(), c.diskPath(key)); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// Clear empties both tiers.
func (c *Cache) Clear() error {
	c.Wait()
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	for k := range c.versions {
		c.versions[k]++
	}
	c.mu.Unlock()

	des, err := os.ReadDir(c.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, de := range des {
		if strings.HasSuffix(de.Name(), diskSuffix) {
			os.Remove(filepath.Join(c.dir, de.Name()))
		}
	}
	return nil
}

// Wait blocks until background disk writes have finished.
func (c *Cache) Wait() {
	c.writes.Wait()
}

// Len returns the number of images held in memory.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
