// Package device provides a storage backend over a local directory.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"go.uber.org/zap"

	"github.com/fruitsalade/docsync/internal/logging"
	"github.com/fruitsalade/docsync/internal/storage"
)

// Type is the backend type name.
const Type = "device"

const tempPattern = ".docsync-*.tmp"

// Config holds local directory backend settings.
type Config struct {
	ID                string   `json:"id"`
	RootPath          string   `json:"root"`
	Description       string   `json:"description"`
	ShortDescription  string   `json:"short_description"`
	CreateDirs        bool     `json:"create_dirs"`
	FileExtensions    []string `json:"file_extensions"`
	MaxDirectoryDepth int      `json:"max_directory_depth"`
	// MinFreeBytes marks the backend unavailable when free space drops
	// below it. 0 disables the check.
	MinFreeBytes uint64 `json:"min_free_bytes"`
	// Watch enables filesystem change notifications.
	Watch bool `json:"watch"`
	// JustForApp marks storage private to this application.
	JustForApp bool `json:"just_for_app"`
}

// Backend implements storage.Backend on the local filesystem.
type Backend struct {
	info     storage.Info
	root     string
	cfg      Config
	notifier *storage.Notifier
	log      *zap.Logger

	mu          sync.Mutex
	initialized bool
	closed      bool
	watcher     *watcher
}

// New creates a local directory backend.
func New(cfg Config) (*Backend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root is required")
	}
	root, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", cfg.RootPath, err)
	}
	if cfg.ID == "" {
		cfg.ID = Type + ":" + root
	}
	if cfg.Description == "" {
		cfg.Description = "On this device"
	}
	if cfg.ShortDescription == "" {
		cfg.ShortDescription = filepath.Base(root)
	}
	if cfg.MaxDirectoryDepth == 0 {
		cfg.MaxDirectoryDepth = 8
	}

	return &Backend{
		info: storage.Info{
			ID:                cfg.ID,
			Type:              Type,
			Description:       cfg.Description,
			ShortDescription:  cfg.ShortDescription,
			Writable:          true,
			JustForApp:        cfg.JustForApp,
			MaxDirectoryDepth: cfg.MaxDirectoryDepth,
			ListFilesIsFast:   true,
			FileExtensions:    cfg.FileExtensions,
		},
		root:     root,
		cfg:      cfg,
		notifier: storage.NewNotifier(),
		log:      logging.Named("device", zap.String("backend_id", cfg.ID)),
	}, nil
}

// NewFromJSON creates a Backend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*Backend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse device config: %w", err)
	}
	return New(cfg)
}

func (b *Backend) ID() string         { return b.info.ID }
func (b *Backend) Info() storage.Info { return b.info }

// Root returns the absolute directory the backend serves.
func (b *Backend) Root() string { return b.root }

// Status reports whether the root directory is usable.
func (b *Backend) Status() storage.Status {
	st, err := os.Stat(b.root)
	if err != nil || !st.IsDir() {
		return storage.Status{AvailabilityReason: "The folder " + b.root + " does not exist."}
	}
	if b.cfg.MinFreeBytes > 0 {
		usage, err := disk.Usage(b.root)
		if err == nil && usage.Free < b.cfg.MinFreeBytes {
			return storage.Status{AvailabilityReason: "The device is almost out of space."}
		}
	}
	return storage.Status{Available: true, SyncStatus: "Up to date"}
}

// Initialize creates the root directory if configured and starts watching.
func (b *Backend) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return storage.ErrClosed
	}
	if b.initialized {
		return nil
	}

	st, err := os.Stat(b.root)
	switch {
	case err == nil && !st.IsDir():
		return fmt.Errorf("root %s is not a directory", b.root)
	case errors.Is(err, fs.ErrNotExist) && b.cfg.CreateDirs:
		if err := os.MkdirAll(b.root, 0755); err != nil {
			return fmt.Errorf("create root %s: %w", b.root, err)
		}
	case err != nil:
		return storage.Errorf(b.info.ID, "initialize", "/", fmt.Errorf("%w: %v", storage.ErrUnavailable, err))
	}

	if b.cfg.Watch {
		w, err := newWatcher(b.root, b.notifier, b.log)
		if err != nil {
			b.log.Warn("change watching disabled", zap.Error(err))
		} else {
			b.watcher = w
		}
	}
	b.initialized = true
	return nil
}

func (b *Backend) fullPath(p string) string {
	return filepath.Join(b.root, filepath.FromSlash(storage.Clean(p)))
}

func (b *Backend) handle(p string, st fs.FileInfo) *storage.FileHandle {
	return storage.NewFileHandle(storage.FileInfo{
		Path:             storage.Clean(p),
		IsDirectory:      st.IsDir(),
		ModifiedTime:     st.ModTime(),
		Size:             st.Size(),
		IsDownloaded:     true,
		DownloadProgress: 1,
	})
}

func isTemp(name string) bool {
	return strings.HasPrefix(name, ".docsync-") && strings.HasSuffix(name, ".tmp")
}

// ListFiles returns the directories and matching files directly inside dir.
func (b *Backend) ListFiles(ctx context.Context, dir string) (files []*storage.FileHandle, err error) {
	start := time.Now()
	defer func() { storage.Observe(Type, "list", start, err) }()
	dir = storage.Clean(dir)

	entries, err := os.ReadDir(b.fullPath(dir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = storage.ErrNotFound
		}
		return nil, storage.Errorf(b.info.ID, "list", dir, err)
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if isTemp(name) || strings.HasPrefix(name, ".") {
			continue
		}
		if !e.IsDir() && !storage.MatchesExtension(b.info.FileExtensions, name) {
			continue
		}
		st, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		files = append(files, b.handle(storage.Join(dir, name), st))
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path() < files[j].Path() })
	return files, nil
}

// GetFile returns the handle for p.
func (b *Backend) GetFile(_ context.Context, p string) (f *storage.FileHandle, err error) {
	start := time.Now()
	defer func() { storage.Observe(Type, "get", start, err) }()
	st, err := os.Stat(b.fullPath(p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = storage.ErrNotFound
		}
		return nil, storage.Errorf(b.info.ID, "get", storage.Clean(p), err)
	}
	return b.handle(p, st), nil
}

// FileExists reports whether p exists.
func (b *Backend) FileExists(_ context.Context, p string) bool {
	_, err := os.Stat(b.fullPath(p))
	return err == nil
}

// CreateFile writes contents to p atomically, replacing existing content.
func (b *Backend) CreateFile(ctx context.Context, p string, contents []byte) (f *storage.FileHandle, err error) {
	start := time.Now()
	defer func() { storage.Observe(Type, "create", start, err) }()
	p = storage.Clean(p)
	if err := b.writeFile(p, contents); err != nil {
		return nil, storage.Errorf(b.info.ID, "create", p, err)
	}
	b.notifier.Notify()
	return b.GetFile(ctx, p)
}

func (b *Backend) writeFile(p string, contents []byte) error {
	path := b.fullPath(p)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(contents); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp: %w", err)
	}
	return nil
}

// CreateDirectory creates p and any missing parents.
func (b *Backend) CreateDirectory(_ context.Context, p string) bool {
	start := time.Now()
	err := os.MkdirAll(b.fullPath(p), 0755)
	storage.Observe(Type, "mkdir", start, err)
	if err != nil {
		storage.LogFailure(b.info.ID, "mkdir", p, err)
		return false
	}
	b.notifier.Notify()
	return true
}

// Move renames from to to. It refuses to replace an existing target.
func (b *Backend) Move(_ context.Context, from, to string) bool {
	start := time.Now()
	err := b.move(from, to)
	storage.Observe(Type, "move", start, err)
	if err != nil {
		storage.LogFailure(b.info.ID, "move", from+" -> "+to, err)
		return false
	}
	b.notifier.Notify()
	return true
}

func (b *Backend) move(from, to string) error {
	src, dst := b.fullPath(from), b.fullPath(to)
	if _, err := os.Lstat(src); err != nil {
		return err
	}
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("%s: %w", to, fs.ErrExist)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return os.Rename(src, dst)
}

// DeleteFile removes p, recursively for directories.
func (b *Backend) DeleteFile(_ context.Context, p string) bool {
	start := time.Now()
	path := b.fullPath(p)
	_, err := os.Lstat(path)
	if err == nil {
		if storage.Clean(p) == "/" {
			err = errors.New("refusing to delete the root")
		} else {
			err = os.RemoveAll(path)
		}
	}
	storage.Observe(Type, "delete", start, err)
	if err != nil {
		storage.LogFailure(b.info.ID, "delete", p, err)
		return false
	}
	b.notifier.Notify()
	return true
}

// BeginLocalAccess hands out the real file path. Content is edited in place;
// when the scope ends unchanged the original modification time is restored.
func (b *Backend) BeginLocalAccess(_ context.Context, f *storage.FileHandle) (storage.LocalAccess, error) {
	path := b.fullPath(f.Path())
	var modTime time.Time
	if st, err := os.Stat(path); err == nil {
		modTime = st.ModTime()
	}

	scope, err := storage.NewSnapshotScope(storage.ScopeConfig{
		BackendType: Type,
		LocalPath:   path,
		WriteBack: func(context.Context, []byte) error {
			b.notifier.Notify()
			return nil
		},
		Unchanged: func() {
			if modTime.IsZero() {
				return
			}
			if err := os.Chtimes(path, modTime, modTime); err != nil && !errors.Is(err, fs.ErrNotExist) {
				b.log.Debug("restore modification time failed", zap.String("path", f.Path()), zap.Error(err))
			}
		},
	})
	if err != nil {
		return nil, storage.Errorf(b.info.ID, "open", f.Path(), err)
	}
	return scope, nil
}

// Subscribe registers for change notifications.
func (b *Backend) Subscribe() *storage.Subscription {
	return b.notifier.Subscribe()
}

// Close stops watching and closes subscriptions.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	var err error
	if b.watcher != nil {
		err = b.watcher.close()
	}
	b.notifier.Close()
	return err
}
