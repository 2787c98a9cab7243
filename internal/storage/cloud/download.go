package cloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/fruitsalade/docsync/internal/metrics"
	"github.com/fruitsalade/docsync/internal/storage"
)

// downloader mirrors files in the background with a fixed worker pool.
type downloader struct {
	b       *Backend
	workers int
	queue   chan string

	mu      sync.Mutex
	pending map[string]bool
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newDownloader(b *Backend, workers int) *downloader {
	ctx, cancel := context.WithCancel(context.Background())
	return &downloader{
		b:       b,
		workers: workers,
		queue:   make(chan string, 256),
		pending: make(map[string]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (d *downloader) start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

func (d *downloader) stop() {
	d.cancel()
	d.wg.Wait()
}

func (d *downloader) depth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// enqueue schedules p unless it is already pending.
func (d *downloader) enqueue(p string) {
	d.mu.Lock()
	if d.pending[p] || d.ctx.Err() != nil {
		d.mu.Unlock()
		return
	}
	d.pending[p] = true
	metrics.SetDownloadQueueDepth(Type, len(d.pending))
	d.mu.Unlock()

	select {
	case d.queue <- p:
	default:
		// Queue is full; hand off without blocking the query loop.
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			select {
			case d.queue <- p:
			case <-d.ctx.Done():
			}
		}()
	}
}

func (d *downloader) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case p := <-d.queue:
			if err := d.b.backgroundFetch(d.ctx, p); err != nil && d.ctx.Err() == nil {
				d.b.log.Warn("background download failed", zap.String("path", p), zap.Error(err))
			}
			d.mu.Lock()
			delete(d.pending, p)
			metrics.SetDownloadQueueDepth(Type, len(d.pending))
			d.mu.Unlock()
		}
	}
}

// backgroundFetch downloads p unless a local access scope has it open.
func (b *Backend) backgroundFetch(ctx context.Context, p string) error {
	mu := b.lockFor(p)
	mu.Lock()
	defer mu.Unlock()

	b.mu.RLock()
	_, busy := b.inUse[p]
	h := b.index[p]
	current := h != nil && b.mirrored[p] == h.Revision()
	b.mu.RUnlock()
	if busy || h == nil || current {
		return nil
	}
	return b.fetch(ctx, p)
}

// fetch downloads p into the mirror. Callers hold the per-path lock.
func (b *Backend) fetch(ctx context.Context, p string) (err error) {
	start := time.Now()
	defer func() { storage.Observe(Type, "get_object", start, err) }()

	out, err := b.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.key(p)),
	})
	if err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		return err
	}
	defer out.Body.Close()

	b.mu.RLock()
	h := b.index[p]
	b.mu.RUnlock()

	local := b.mirrorPath(p)
	dir := filepath.Dir(local)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".docsync-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	var w io.Writer = tmp
	if h != nil {
		w = &progressWriter{w: tmp, total: aws.ToInt64(out.ContentLength), h: h}
	}
	n, err := io.Copy(w, out.Body)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, local); err != nil {
		os.Remove(tmpName)
		return err
	}
	if mod := aws.ToTime(out.LastModified); !mod.IsZero() {
		os.Chtimes(local, mod, mod)
	}

	rev := aws.ToString(out.ETag)
	b.mu.Lock()
	b.mirrored[p] = rev
	if h := b.index[p]; h != nil {
		if h.Revision() == "" || h.Revision() == rev {
			h.SetDownloadState(true, 1)
		}
	}
	b.mu.Unlock()
	metrics.RecordDownload(Type, n)
	return nil
}

// progressWriter reports download progress on the handle.
type progressWriter struct {
	w       io.Writer
	total   int64
	written int64
	h       *storage.FileHandle
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	if p.total > 0 {
		p.h.SetDownloadState(false, float64(p.written)/float64(p.total))
	}
	return n, err
}

// isNotFound reports whether err is the service saying the key does not
// exist. GET answers NoSuchKey, HEAD answers a bare NotFound.
func isNotFound(err error) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.ErrorCode() {
	case "NoSuchKey", "NotFound":
		return true
	}
	return false
}
