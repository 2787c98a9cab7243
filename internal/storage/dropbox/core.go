package dropbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/files"
	"go.uber.org/zap"

	"github.com/fruitsalade/docsync/internal/cache"
	"github.com/fruitsalade/docsync/internal/storage"
)

// CoreType identifies the cache backed Dropbox backend.
const CoreType = "dropbox-core"

const longpollTimeout = 30 // seconds

// CoreBackend keeps downloaded revisions in a content cache. Opening a file
// whose revision is cached does not download it again. Saves overwrite.
type CoreBackend struct {
	*remote

	content *cache.Cache
	workDir string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCore creates a core backend over client.
func NewCore(cfg Config, client Client) (*CoreBackend, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, fmt.Errorf("dropbox-core: %w", err)
	}
	content, err := cache.New(filepath.Join(cfg.WorkDir, "content"), cfg.CacheMaxBytes)
	if err != nil {
		return nil, fmt.Errorf("dropbox-core: %w", err)
	}
	// Working copies never outlive a scope; anything left is from a crash.
	workDir := filepath.Join(cfg.WorkDir, "work")
	if err := os.RemoveAll(workDir); err != nil {
		return nil, fmt.Errorf("dropbox-core: clear work dir: %w", err)
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("dropbox-core: create work dir: %w", err)
	}
	return &CoreBackend{
		remote:  newRemote(CoreType, cfg, client),
		content: content,
		workDir: workDir,
	}, nil
}

// Initialize ensures the root folder exists and starts the change watcher
// when configured.
func (b *CoreBackend) Initialize(ctx context.Context) error {
	if err := b.initialize(ctx); err != nil {
		return err
	}
	b.initMu.Lock()
	defer b.initMu.Unlock()
	if b.cfg.Watch && b.cancel == nil {
		wctx, cancel := context.WithCancel(context.Background())
		b.cancel = cancel
		b.wg.Add(1)
		go b.watch(wctx)
	}
	return nil
}

func cacheKey(p, rev string) string {
	return storage.EscapeKey(strings.ToLower(storage.Clean(p))) + "@" + rev
}

func cachePrefix(p string) string {
	return storage.EscapeKey(strings.ToLower(storage.Clean(p))) + "@"
}

// ListFiles lists dir and marks files whose current revision is cached as
// downloaded.
func (b *CoreBackend) ListFiles(ctx context.Context, dir string) ([]*storage.FileHandle, error) {
	handles, err := b.remote.ListFiles(ctx, dir)
	if err != nil {
		return nil, err
	}
	for _, h := range handles {
		if !h.IsDirectory() && b.content.IsCached(cacheKey(h.Path(), h.Revision())) {
			h.SetDownloadState(true, 1)
		}
	}
	return handles, nil
}

// CreateFile uploads data to p and caches the new revision.
func (b *CoreBackend) CreateFile(ctx context.Context, p string, data []byte) (*storage.FileHandle, error) {
	p = storage.Clean(p)
	info, err := b.upload(ctx, p, data, writeMode(files.WriteModeOverwrite, ""))
	if err != nil {
		return nil, storage.Errorf(b.info.ID, "create", p, err)
	}
	b.store(p, info.Revision, data)
	b.notifier.Notify()
	return storage.NewFileHandle(info), nil
}

// store caches data as revision rev of p and drops older revisions.
func (b *CoreBackend) store(p, rev string, data []byte) {
	key := cacheKey(p, rev)
	if _, err := b.content.Put(key, bytes.NewReader(data), int64(len(data))); err != nil {
		b.log.Warn("cache revision", zap.String("path", p), zap.Error(err))
		return
	}
	prefix := cachePrefix(p)
	b.content.EvictMatching(func(k string) bool {
		return k != key && strings.HasPrefix(k, prefix)
	})
}

// fetch returns the cache key holding f's current revision, downloading it
// when necessary.
func (b *CoreBackend) fetch(ctx context.Context, f *storage.FileHandle) (string, error) {
	p := f.Path()
	if rev := f.Revision(); rev != "" {
		key := cacheKey(p, rev)
		if b.content.IsCached(key) {
			return key, nil
		}
	}
	var buf bytes.Buffer
	info, err := b.download(ctx, p, &buf)
	if err != nil {
		return "", err
	}
	b.store(p, info.Revision, buf.Bytes())
	f.Update(info, time.Now())
	return cacheKey(p, info.Revision), nil
}

// BeginLocalAccess copies the cached revision of f into a working file of its
// own, so overlapping scopes on one path never share a copy. The revision
// stays pinned in the cache until the scope ends.
func (b *CoreBackend) BeginLocalAccess(ctx context.Context, f *storage.FileHandle) (storage.LocalAccess, error) {
	p := f.Path()
	if f.IsDirectory() {
		return nil, storage.Errorf(b.info.ID, "open", p, errors.New("is a directory"))
	}
	key, err := b.fetch(ctx, f)
	if err != nil {
		return nil, storage.Errorf(b.info.ID, "open", p, err)
	}
	if err := b.content.Pin(key); err != nil {
		return nil, storage.Errorf(b.info.ID, "open", p, err)
	}
	f.SetDownloadState(true, 1)

	dir, err := os.MkdirTemp(b.workDir, "scope-")
	if err != nil {
		b.content.Unpin(key)
		return nil, storage.Errorf(b.info.ID, "open", p, err)
	}
	local := filepath.Join(dir, storage.Base(p))
	if err := b.copyOut(key, local); err != nil {
		os.RemoveAll(dir)
		b.content.Unpin(key)
		return nil, storage.Errorf(b.info.ID, "open", p, err)
	}

	scope, err := storage.NewSnapshotScope(storage.ScopeConfig{
		BackendType: CoreType,
		LocalPath:   local,
		WriteBack: func(ctx context.Context, data []byte) error {
			info, err := b.upload(ctx, p, data, writeMode(files.WriteModeOverwrite, ""))
			if err != nil {
				return storage.Errorf(b.info.ID, "write back", p, err)
			}
			b.store(p, info.Revision, data)
			f.Update(info, time.Now())
			b.notifier.Notify()
			return nil
		},
		Release: func() {
			if err := os.RemoveAll(dir); err != nil {
				b.log.Warn("remove working copy", zap.String("path", local), zap.Error(err))
			}
			b.content.Unpin(key)
			if key != cacheKey(p, f.Revision()) {
				b.content.Evict(key)
			}
		},
	})
	if err != nil {
		os.RemoveAll(dir)
		b.content.Unpin(key)
		return nil, storage.Errorf(b.info.ID, "open", p, err)
	}
	return scope, nil
}

func (b *CoreBackend) copyOut(key, local string) error {
	src, ok := b.content.Get(key)
	if !ok {
		return fmt.Errorf("revision %s left the cache", key)
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(local)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// watch longpolls for remote changes below the root and notifies
// subscribers when something changed.
func (b *CoreBackend) watch(ctx context.Context) {
	defer b.wg.Done()

	arg := files.NewListFolderArg(b.cfg.Root)
	arg.Recursive = true
	var cursor string
	for ctx.Err() == nil {
		if cursor == "" {
			err := b.call(ctx, "list_folder_get_latest_cursor", func() error {
				res, err := b.client.ListFolderGetLatestCursor(arg)
				if err == nil {
					cursor = res.Cursor
				}
				return err
			})
			if err != nil {
				b.log.Warn("get cursor", zap.Error(err))
				b.sleep(ctx, 30*time.Second)
				continue
			}
		}

		// Longpoll is not rate limited; it blocks server side.
		lp := files.NewListFolderLongpollArg(cursor)
		lp.Timeout = longpollTimeout
		res, err := b.client.ListFolderLongpoll(lp)
		if err != nil {
			b.log.Warn("longpoll", zap.Error(err))
			cursor = ""
			b.sleep(ctx, 30*time.Second)
			continue
		}
		if res.Changes {
			cursor = b.drain(ctx, cursor)
			b.notifier.Notify()
		}
		if res.Backoff > 0 {
			b.sleep(ctx, time.Duration(res.Backoff)*time.Second)
		}
	}
}

// drain consumes changes after cursor, dropping cached revisions of deleted
// files, and returns the new cursor ("" on failure).
func (b *CoreBackend) drain(ctx context.Context, cursor string) string {
	for {
		var res *files.ListFolderResult
		err := b.call(ctx, "list_folder_continue", func() error {
			var err error
			res, err = b.client.ListFolderContinue(files.NewListFolderContinueArg(cursor))
			return err
		})
		if err != nil {
			b.log.Warn("read changes", zap.Error(err))
			return ""
		}
		for _, e := range res.Entries {
			if d, ok := e.(*files.DeletedMetadata); ok {
				prefix := cachePrefix(b.localPath(d.PathDisplay))
				b.content.EvictMatching(func(k string) bool { return strings.HasPrefix(k, prefix) })
			}
		}
		cursor = res.Cursor
		if !res.HasMore {
			return cursor
		}
	}
}

func (b *CoreBackend) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Close stops the watcher and releases notifications.
func (b *CoreBackend) Close() error {
	b.initMu.Lock()
	cancel := b.cancel
	b.initMu.Unlock()
	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
	b.notifier.Close()
	return nil
}
