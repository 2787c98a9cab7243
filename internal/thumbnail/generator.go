package thumbnail

import (
	"context"
	"image"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fruitsalade/docsync/internal/logging"
	"github.com/fruitsalade/docsync/internal/metrics"
	"github.com/fruitsalade/docsync/internal/storage"
)

const (
	DefaultSize        = 160
	DefaultConcurrency = 4
)

// GeneratorConfig configures a Generator.
type GeneratorConfig struct {
	Size        int
	Concurrency int64
	// Renderers maps lower-case extensions, including the dot, to renderers.
	// Files with an unmapped extension get Fallback; nil Fallback yields a
	// placeholder.
	Renderers map[string]Renderer
	Fallback  Renderer
}

// DefaultRenderers covers common raster images and plain text.
func DefaultRenderers() map[string]Renderer {
	img := ImageRenderer{}
	txt := TextRenderer{}
	return map[string]Renderer{
		".png": img, ".jpg": img, ".jpeg": img, ".gif": img, ".bmp": img, ".webp": img,
		".txt": txt, ".md": txt, ".csv": txt, ".json": txt,
	}
}

// Generator renders thumbnails through a Cache, bounding concurrent
// renders with a gate.
type Generator struct {
	cache *Cache
	cfg   GeneratorConfig
	gate  *semaphore.Weighted
	log   *zap.Logger
}

func NewGenerator(cache *Cache, cfg GeneratorConfig) *Generator {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Renderers == nil {
		cfg.Renderers = DefaultRenderers()
	}
	return &Generator{
		cache: cache,
		cfg:   cfg,
		gate:  semaphore.NewWeighted(cfg.Concurrency),
		log:   logging.Named("thumbnail"),
	}
}

// Cached returns the thumbnail for f from memory only, without rendering.
func (g *Generator) Cached(b storage.Backend, f *storage.FileHandle, theme Theme) (image.Image, bool) {
	return g.cache.GetImage(Key(b.ID(), f.Path(), theme.Name), f.ModifiedTime(), false)
}

// Thumbnail returns a thumbnail for f no older than its modification time,
// rendering one if neither cache tier has it. A file that cannot be
// accessed or rendered yields an uncached placeholder rather than an error;
// the only errors returned are context errors.
func (g *Generator) Thumbnail(ctx context.Context, b storage.Backend, f *storage.FileHandle, theme Theme) (image.Image, error) {
	start := time.Now()
	key := Key(b.ID(), f.Path(), theme.Name)

	if img, ok := g.cache.GetImage(key, f.ModifiedTime(), true); ok {
		metrics.RecordThumbnailGeneration("cached", time.Since(start))
		return img, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, g.cancelled(start, err)
	}

	if err := g.gate.Acquire(ctx, 1); err != nil {
		return nil, g.cancelled(start, err)
	}
	defer g.gate.Release(1)
	if err := ctx.Err(); err != nil {
		return nil, g.cancelled(start, err)
	}

	// Another caller may have rendered it while we waited.
	if img, ok := g.cache.GetImage(key, f.ModifiedTime(), false); ok {
		metrics.RecordThumbnailGeneration("cached", time.Since(start))
		return img, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, g.cancelled(start, err)
	}

	scope, err := b.BeginLocalAccess(ctx, f)
	if err != nil {
		if ctx.Err() != nil {
			return nil, g.cancelled(start, ctx.Err())
		}
		g.log.Debug("access file for thumbnail", zap.String("path", f.Path()), zap.Error(err))
		metrics.RecordThumbnailGeneration("placeholder", time.Since(start))
		return placeholder(g.cfg.Size, theme), nil
	}
	defer func() {
		if err := scope.End(context.Background()); err != nil {
			g.log.Warn("end local access", zap.String("path", f.Path()), zap.Error(err))
		}
	}()
	if err := ctx.Err(); err != nil {
		return nil, g.cancelled(start, err)
	}

	r := g.renderer(f.Path())
	if r == nil {
		metrics.RecordThumbnailGeneration("placeholder", time.Since(start))
		return placeholder(g.cfg.Size, theme), nil
	}
	img, err := r.Render(ctx, scope.LocalPath(), g.cfg.Size, theme)
	if err != nil {
		if ctx.Err() != nil {
			return nil, g.cancelled(start, ctx.Err())
		}
		g.log.Debug("render thumbnail", zap.String("path", f.Path()), zap.Error(err))
		metrics.RecordThumbnailGeneration("placeholder", time.Since(start))
		return placeholder(g.cfg.Size, theme), nil
	}

	g.cache.SetGeneratedImage(key, img, true)
	metrics.RecordThumbnailGeneration("generated", time.Since(start))
	return img, nil
}

// Invalidate drops the cached thumbnails of f in every given theme.
func (g *Generator) Invalidate(b storage.Backend, path string, themes ...Theme) {
	for _, t := range themes {
		g.cache.SetGeneratedImage(Key(b.ID(), path, t.Name), nil, false)
	}
}

func (g *Generator) renderer(p string) Renderer {
	if r, ok := g.cfg.Renderers[strings.ToLower(storage.Ext(p))]; ok {
		return r
	}
	return g.cfg.Fallback
}

func (g *Generator) cancelled(start time.Time, err error) error {
	metrics.RecordThumbnailGeneration("cancelled", time.Since(start))
	return err
}
