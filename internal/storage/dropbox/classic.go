package dropbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/files"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fruitsalade/docsync/internal/metrics"
	"github.com/fruitsalade/docsync/internal/retry"
	"github.com/fruitsalade/docsync/internal/storage"
)

// ClassicType identifies the revision guarded Dropbox backend.
const ClassicType = "dropbox-classic"

// ClassicBackend opens files through temporary copies. Opening a path waits
// for any earlier scope on the same path to end.
type ClassicBackend struct {
	*remote

	tempDir string

	gatesMu sync.Mutex
	gates   map[string]*gate

	// freshness and writeRetry are variables so tests can shorten the waits.
	freshness  retry.Config
	writeRetry retry.Config
}

// NewClassic creates a classic backend over client.
func NewClassic(cfg Config, client Client) (*ClassicBackend, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, fmt.Errorf("dropbox-classic: %w", err)
	}
	tempDir := filepath.Join(cfg.WorkDir, "tmp")
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("dropbox-classic: create temp dir: %w", err)
	}
	return &ClassicBackend{
		remote:  newRemote(ClassicType, cfg, client),
		tempDir: tempDir,
		gates:   make(map[string]*gate),
		freshness: retry.Config{
			MaxAttempts: cfg.FreshnessAttempts,
			InitialWait: 250 * time.Millisecond,
			MaxWait:     2 * time.Second,
			Multiplier:  2.0,
			Jitter:      0.1,
		},
		writeRetry: retry.DefaultConfig(),
	}, nil
}

// Initialize ensures the root folder exists.
func (b *ClassicBackend) Initialize(ctx context.Context) error {
	return b.initialize(ctx)
}

// CreateFile uploads data to p, replacing any existing file.
func (b *ClassicBackend) CreateFile(ctx context.Context, p string, data []byte) (*storage.FileHandle, error) {
	p = storage.Clean(p)
	info, err := b.upload(ctx, p, data, writeMode(files.WriteModeOverwrite, ""))
	if err != nil {
		return nil, storage.Errorf(b.info.ID, "create", p, err)
	}
	b.notifier.Notify()
	return storage.NewFileHandle(info), nil
}

// gate serializes scopes on one path. refs counts holders and waiters; the
// gate is dropped from the map when it reaches zero.
type gate struct {
	sem  *semaphore.Weighted
	refs int
}

// lock waits for exclusive use of p and returns the function that gives it
// back.
func (b *ClassicBackend) lock(ctx context.Context, p string) (func(), error) {
	b.gatesMu.Lock()
	g, ok := b.gates[p]
	if !ok {
		g = &gate{sem: semaphore.NewWeighted(1)}
		b.gates[p] = g
	}
	g.refs++
	b.gatesMu.Unlock()

	drop := func() {
		b.gatesMu.Lock()
		g.refs--
		if g.refs == 0 {
			delete(b.gates, p)
		}
		b.gatesMu.Unlock()
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		drop()
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			g.sem.Release(1)
			drop()
		})
	}, nil
}

// tempPath keeps copies of same-named files in different folders apart.
func (b *ClassicBackend) tempPath(p string) string {
	return filepath.Join(b.tempDir, storage.EscapeKey(storage.Dir(p)), storage.Base(p))
}

// awaitFresh polls metadata until the remote modification time has caught up
// with what the handle was listed with. It gives up after the configured
// attempts and returns the last metadata seen.
func (b *ClassicBackend) awaitFresh(ctx context.Context, f *storage.FileHandle) (storage.FileInfo, error) {
	want := f.ModifiedTime().Add(-b.cfg.StalenessTolerance)
	attempts := 0
	info, err := retry.Poll(ctx, b.freshness, func() (storage.FileInfo, bool, error) {
		attempts++
		info, err := b.metadata(ctx, f.Path())
		if err != nil {
			return storage.FileInfo{}, false, err
		}
		return info, !info.ModifiedTime.Before(want), nil
	})
	metrics.RecordFreshnessPoll(attempts)
	if errors.Is(err, retry.ErrExhausted) {
		b.log.Warn("metadata still stale, proceeding",
			zap.String("path", f.Path()),
			zap.Time("listed_modified", f.ModifiedTime()),
			zap.Time("remote_modified", info.ModifiedTime),
			zap.Int("attempts", attempts))
		return info, nil
	}
	return info, err
}

// BeginLocalAccess downloads f into a temporary file. Concurrent opens of the
// same path are serialized until the earlier scope ends.
func (b *ClassicBackend) BeginLocalAccess(ctx context.Context, f *storage.FileHandle) (storage.LocalAccess, error) {
	p := f.Path()
	if f.IsDirectory() {
		return nil, storage.Errorf(b.info.ID, "open", p, errors.New("is a directory"))
	}
	release, err := b.lock(ctx, p)
	if err != nil {
		return nil, storage.Errorf(b.info.ID, "open", p, err)
	}

	if _, err := b.awaitFresh(ctx, f); err != nil {
		release()
		return nil, storage.Errorf(b.info.ID, "open", p, err)
	}

	local := b.tempPath(p)
	info, err := b.downloadTo(ctx, p, local)
	if err != nil {
		release()
		return nil, storage.Errorf(b.info.ID, "open", p, err)
	}
	f.Update(info, time.Now())

	scope, err := storage.NewSnapshotScope(storage.ScopeConfig{
		BackendType: ClassicType,
		LocalPath:   local,
		WriteBack: func(ctx context.Context, data []byte) error {
			return b.writeBack(ctx, f, data)
		},
		Release: func() {
			if err := os.Remove(local); err != nil && !errors.Is(err, os.ErrNotExist) {
				b.log.Warn("remove temp copy", zap.String("path", local), zap.Error(err))
			}
			release()
		},
	})
	if err != nil {
		os.Remove(local)
		release()
		return nil, storage.Errorf(b.info.ID, "open", p, err)
	}
	return scope, nil
}

func (b *ClassicBackend) downloadTo(ctx context.Context, p, local string) (storage.FileInfo, error) {
	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return storage.FileInfo{}, err
	}
	out, err := os.Create(local)
	if err != nil {
		return storage.FileInfo{}, err
	}
	info, err := b.download(ctx, p, out)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(local)
		return storage.FileInfo{}, err
	}
	return info, nil
}

// writeBack uploads data tagged with the current remote revision. A conflict
// means the revision moved between the lookup and the upload; the lookup is
// repeated and the upload retried, so the last writer wins. A conflict that
// outlasts the retries is reported as storage.ErrConflict.
func (b *ClassicBackend) writeBack(ctx context.Context, f *storage.FileHandle, data []byte) error {
	p := f.Path()
	info, err := retry.DoWithResult(ctx, b.writeRetry, func() (storage.FileInfo, error) {
		mode := writeMode(files.WriteModeAdd, "")
		current, err := b.metadata(ctx, p)
		switch {
		case err == nil:
			mode = writeMode(files.WriteModeUpdate, current.Revision)
		case !storage.IsNotFound(err):
			return storage.FileInfo{}, err
		}
		info, err := b.upload(ctx, p, data, mode)
		if isConflict(err) {
			b.log.Info("revision moved during write back, retrying", zap.String("path", p))
			return storage.FileInfo{}, retry.Retryable(err)
		}
		return info, err
	})
	if isConflict(err) {
		err = fmt.Errorf("%w: %v", storage.ErrConflict, err)
	}
	if err != nil {
		return storage.Errorf(b.info.ID, "write back", p, err)
	}
	f.Update(info, time.Now())
	b.notifier.Notify()
	return nil
}

// Close releases notifications.
func (b *ClassicBackend) Close() error {
	b.notifier.Close()
	return nil
}
