package cloud

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/fruitsalade/docsync/internal/metrics"
	"github.com/fruitsalade/docsync/internal/storage"
)

type queryState int

const (
	stateUninitialized queryState = iota
	stateQuerying
	stateSynced
)

func (s queryState) String() string {
	switch s {
	case stateQuerying:
		return "Querying"
	case stateSynced:
		return "Synced"
	default:
		return "Uninitialized"
	}
}

// query is one generation of the metadata query. done is closed exactly once,
// either when the first listing of the generation lands or when the
// generation is replaced or closed.
type query struct {
	gen      uint64
	exts     []string
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
	resolved bool
}

// resolve must be called with the backend mutex held.
func (q *query) resolve(err error) bool {
	if q.resolved {
		return false
	}
	q.resolved = true
	q.err = err
	close(q.done)
	return true
}

// remoteObject is one entry of a bucket listing.
type remoteObject struct {
	path     string
	isDir    bool
	modTime  time.Time
	size     int64
	revision string
}

// Restart cancels the running query, fails its waiters and starts a new
// generation.
func (b *Backend) Restart() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if old := b.query; old != nil {
		old.cancel()
		old.resolve(storage.ErrQueryRestarted)
	}
	b.gen++
	ctx, cancel := context.WithCancel(context.Background())
	q := &query{
		gen:    b.gen,
		exts:   append([]string(nil), b.exts...),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	b.query = q
	b.state = stateQuerying
	b.wg.Add(1)
	b.mu.Unlock()

	metrics.RecordQueryRestart(Type)
	b.log.Debug("metadata query started", zap.Uint64("generation", q.gen))
	go b.run(ctx, q)
}

// WaitForSync blocks until the current query generation has produced its
// first result. A restart while waiting fails the wait.
func (b *Backend) WaitForSync(ctx context.Context) error {
	b.mu.RLock()
	q := b.query
	b.mu.RUnlock()
	if q == nil {
		return errors.New("cloud backend not initialized")
	}
	select {
	case <-q.done:
		return q.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Backend) run(ctx context.Context, q *query) {
	defer b.wg.Done()
	failures := 0
	for {
		b.mu.RLock()
		since := b.seq
		b.mu.RUnlock()
		objs, err := b.listAll(ctx)
		wait := b.cfg.PollInterval
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			failures++
			wait = b.backoff.Backoff(failures)
			b.mu.Lock()
			b.lastErr = err
			b.mu.Unlock()
			b.log.Warn("bucket listing failed", zap.Error(err), zap.Int("failures", failures))
		default:
			failures = 0
			b.apply(q, objs, since)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// listAll pages through the bucket under the configured prefix.
func (b *Backend) listAll(ctx context.Context) ([]remoteObject, error) {
	start := time.Now()
	var objs []remoteObject
	var token *string
	for {
		out, err := b.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.cfg.Bucket),
			Prefix:            aws.String(b.cfg.Prefix),
			ContinuationToken: token,
		})
		if err != nil {
			storage.Observe(Type, "list_objects", start, err)
			return nil, err
		}
		for _, o := range out.Contents {
			key := strings.TrimPrefix(aws.ToString(o.Key), b.cfg.Prefix)
			if key == "" {
				continue
			}
			obj := remoteObject{
				path:     storage.Clean(strings.TrimSuffix(key, "/")),
				isDir:    strings.HasSuffix(key, "/"),
				modTime:  aws.ToTime(o.LastModified),
				size:     aws.ToInt64(o.Size),
				revision: aws.ToString(o.ETag),
			}
			if obj.path == "/" {
				continue
			}
			objs = append(objs, obj)
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	storage.Observe(Type, "list_objects", start, nil)
	return objs, nil
}

// apply replaces the index with a listing batch that was started when the
// local change counter stood at since. Handles for paths that are still
// present keep their identity and every parent path seen gets a synthetic
// directory handle. Vanished paths are dropped unless they were put locally
// after the listing started; paths removed locally after that stay removed.
func (b *Backend) apply(q *query, objs []remoteObject, since uint64) {
	now := time.Now()
	var queue []string

	b.mu.Lock()
	if b.query != q {
		b.mu.Unlock()
		return
	}

	old := b.index
	index := make(map[string]*storage.FileHandle, len(objs))
	changed := false

	dir := func(p string, modTime time.Time) {
		if h, ok := index[p]; ok {
			if h.IsDirectory() && modTime.After(h.ModifiedTime()) {
				info := h.Info()
				info.ModifiedTime = modTime
				h.Update(info, now)
			}
			return
		}
		info := storage.FileInfo{Path: p, IsDirectory: true, ModifiedTime: modTime}
		if h, ok := old[p]; ok && h.IsDirectory() {
			h.Update(info, now)
			index[p] = h
			return
		}
		index[p] = storage.NewFileHandleAt(info, now)
		changed = true
	}

	for _, o := range objs {
		if b.gone[o.path] > since {
			continue
		}
		if b.stamps[o.path] > since {
			if h, ok := old[o.path]; ok {
				index[o.path] = h
				for _, a := range storage.Ancestors(o.path) {
					dir(a, h.ModifiedTime())
				}
			}
			continue
		}
		if o.isDir {
			dir(o.path, o.modTime)
			for _, a := range storage.Ancestors(o.path) {
				dir(a, o.modTime)
			}
			continue
		}
		if !storage.MatchesExtension(q.exts, o.path) {
			continue
		}

		_, inUse := b.inUse[o.path]
		downloaded := b.mirrored[o.path] == o.revision
		info := storage.FileInfo{
			Path:         o.path,
			ModifiedTime: o.modTime,
			Size:         o.size,
			Revision:     o.revision,
			IsDownloaded: downloaded,
		}
		if downloaded {
			info.DownloadProgress = 1
		}

		if h, ok := old[o.path]; ok && !h.IsDirectory() {
			prev := h.Info()
			if !storage.Equivalent(prev, info) {
				changed = true
			}
			if inUse {
				// Keep the revision the open scope was based on.
				info.Revision = prev.Revision
				info.IsDownloaded = prev.IsDownloaded
				info.DownloadProgress = prev.DownloadProgress
			}
			h.Update(info, now)
			index[o.path] = h
		} else {
			index[o.path] = storage.NewFileHandleAt(info, now)
			changed = true
		}
		if !downloaded && !inUse {
			queue = append(queue, o.path)
		}
		for _, a := range storage.Ancestors(o.path) {
			dir(a, o.modTime)
		}
	}

	for p, h := range old {
		if _, ok := index[p]; ok {
			continue
		}
		if b.stamps[p] > since {
			index[p] = h
			for _, a := range storage.Ancestors(p) {
				dir(a, h.ModifiedTime())
			}
			continue
		}
		changed = true
		delete(b.mirrored, p)
	}
	for p, seq := range b.stamps {
		if seq <= since {
			delete(b.stamps, p)
		}
	}
	for p, seq := range b.gone {
		if seq <= since {
			delete(b.gone, p)
		}
	}

	b.index = index
	b.lastErr = nil
	b.state = stateSynced
	first := q.resolve(nil)
	b.mu.Unlock()

	metrics.SetIndexedFiles(Type, len(index))
	for _, p := range queue {
		b.downloads.enqueue(p)
	}
	if first || changed {
		if first {
			b.log.Info("metadata query synced",
				zap.Uint64("generation", q.gen),
				zap.Int("entries", len(index)),
				zap.Int("to_download", len(queue)),
			)
		}
		b.notifier.Notify()
	}
}
