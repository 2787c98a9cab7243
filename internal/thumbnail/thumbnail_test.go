package thumbnail

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"github.com/fruitsalade/docsync/internal/logging"
	"github.com/fruitsalade/docsync/internal/storage"
	"github.com/fruitsalade/docsync/internal/storage/device"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

var red = color.NRGBA{R: 0xff, A: 0xff}

func solid(w, h int) image.Image {
	return imaging.New(w, h, red)
}

func TestKeyIsDistinctAndFileSafe(t *testing.T) {
	keys := []string{
		Key("device:/docs", "/a.txt", "light"),
		Key("device:/docs", "/a.txt", "dark"),
		Key("device:/docs", "/b.txt", "light"),
		Key("device:/docs_p", "/a.txt", "light"),
		Key("device:/docs", "/_p/a.txt", "light"),
	}
	seen := make(map[string]bool)
	for _, k := range keys {
		if strings.ContainsAny(k, `/\:`) {
			t.Errorf("key %q contains a path separator", k)
		}
		if seen[k] {
			t.Errorf("duplicate key %q", k)
		}
		seen[k] = true
	}
	if Key("b", "/x/../a.txt", "light") != Key("b", "/a.txt", "light") {
		t.Error("key should use the cleaned path")
	}
}

func TestCacheMemoryThenDisk(t *testing.T) {
	dir := t.TempDir()
	c := NewCache(dir, 4)
	c.SetGeneratedImage("k", solid(8, 8), true)
	c.Wait()

	if _, ok := c.GetImage("k", time.Time{}, false); !ok {
		t.Fatal("expected memory hit")
	}
	if _, err := os.Stat(filepath.Join(dir, "k.png")); err != nil {
		t.Fatalf("disk file: %v", err)
	}
	for _, other := range []string{"a", "b", "c", "d"} {
		c.SetGeneratedImage(other, solid(1, 1), false)
	}
	if _, ok := c.GetImage("k", time.Time{}, false); ok {
		t.Fatal("expected k to be evicted from memory")
	}
	if _, ok := c.GetImage("k", time.Time{}, true); !ok {
		t.Fatal("expected disk hit after memory eviction")
	}

	fresh := NewCache(dir, 4)
	if _, ok := fresh.GetImage("k", time.Time{}, false); ok {
		t.Fatal("memory-only lookup should miss in a new cache")
	}
	img, ok := fresh.GetImage("k", time.Time{}, true)
	if !ok {
		t.Fatal("expected disk hit")
	}
	if img.Bounds().Dx() != 8 {
		t.Errorf("width = %d, want 8", img.Bounds().Dx())
	}
	if fresh.Len() != 1 {
		t.Errorf("disk hit should populate memory, Len = %d", fresh.Len())
	}
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewCache(t.TempDir(), 3)
	for _, k := range []string{"a", "b", "c"} {
		c.SetGeneratedImage(k, solid(1, 1), false)
	}
	c.GetImage("a", time.Time{}, false)
	c.GetImage("b", time.Time{}, false)
	c.SetGeneratedImage("d", solid(1, 1), false)

	if c.Len() != 3 {
		t.Fatalf("Len = %d, want 3", c.Len())
	}
	for k, want := range map[string]bool{"a": true, "b": true, "c": false, "d": true} {
		if _, ok := c.GetImage(k, time.Time{}, false); ok != want {
			t.Errorf("%s present = %v, want %v", k, ok, want)
		}
	}
}

func TestCacheStaleEntries(t *testing.T) {
	c := NewCache(t.TempDir(), 4)
	c.SetGeneratedImage("k", solid(1, 1), true)
	c.Wait()

	future := time.Now().Add(time.Hour)
	if _, ok := c.GetImage("k", future, true); ok {
		t.Fatal("image older than the file must not be returned")
	}
	if c.Len() != 0 {
		t.Errorf("stale memory entry kept, Len = %d", c.Len())
	}
	if _, ok := c.GetImage("k", time.Now().Add(-time.Hour), true); !ok {
		t.Error("disk copy should still serve older files")
	}
}

func TestCacheNilRemovesBothTiers(t *testing.T) {
	dir := t.TempDir()
	c := NewCache(dir, 4)
	c.SetGeneratedImage("k", solid(1, 1), true)
	c.Wait()

	c.SetGeneratedImage("k", nil, false)
	c.Wait()
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
	if _, err := os.Stat(filepath.Join(dir, "k.png")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("disk file still present: %v", err)
	}
	if _, ok := c.GetImage("k", time.Time{}, true); ok {
		t.Error("removed key still served")
	}
}

func TestCacheRemoveBeatsPendingWrite(t *testing.T) {
	dir := t.TempDir()
	c := NewCache(dir, 4)
	c.SetGeneratedImage("k", solid(64, 64), true)
	c.SetGeneratedImage("k", nil, false)
	c.Wait()

	if _, err := os.Stat(filepath.Join(dir, "k.png")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("superseded write landed on disk: %v", err)
	}
}

func TestCacheDiskFillYieldsToConcurrentSet(t *testing.T) {
	dir := t.TempDir()
	seed := NewCache(dir, 4)
	write := func() {
		seed.SetGeneratedImage("k", solid(8, 8), true)
		seed.Wait()
	}

	write()
	removed := NewCache(dir, 4)
	removed.afterDiskRead = func(key string) { removed.SetGeneratedImage(key, nil, false) }
	if _, ok := removed.GetImage("k", time.Time{}, true); ok {
		t.Error("image removed during the disk read was served")
	}
	if removed.Len() != 0 {
		t.Errorf("removed image cached in memory, Len = %d", removed.Len())
	}

	write()
	newer := solid(2, 2)
	replaced := NewCache(dir, 4)
	replaced.afterDiskRead = func(key string) { replaced.SetGeneratedImage(key, newer, false) }
	img, ok := replaced.GetImage("k", time.Time{}, true)
	if !ok || img.Bounds().Dx() != 2 {
		t.Fatalf("GetImage = %v, %v; want the newer image", img, ok)
	}
	img, ok = replaced.GetImage("k", time.Time{}, false)
	if !ok || img.Bounds().Dx() != 2 {
		t.Errorf("memory holds %v after the fill, want the newer image", img)
	}
}

func TestCacheClear(t *testing.T) {
	dir := t.TempDir()
	c := NewCache(dir, 4)
	c.SetGeneratedImage("a", solid(1, 1), true)
	c.SetGeneratedImage("b", solid(1, 1), true)
	if err := c.Clear(); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d", c.Len())
	}
	des, _ := os.ReadDir(dir)
	if len(des) != 0 {
		t.Errorf("%d files left on disk", len(des))
	}
}

func newBackendWithPNG(t *testing.T) (*device.Backend, *storage.FileHandle) {
	t.Helper()
	ctx := context.Background()
	b, err := device.New(device.Config{RootPath: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })

	var buf bytes.Buffer
	if err := png.Encode(&buf, solid(20, 10)); err != nil {
		t.Fatal(err)
	}
	f, err := b.CreateFile(ctx, "/pic.png", buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	return b, f
}

func newTestGenerator(t *testing.T, cfg GeneratorConfig) *Generator {
	t.Helper()
	c := NewCache(t.TempDir(), 0)
	t.Cleanup(c.Wait)
	return NewGenerator(c, cfg)
}

func TestGeneratorRendersOnceAndCaches(t *testing.T) {
	b, f := newBackendWithPNG(t)
	var renders int32
	counting := RendererFunc(func(ctx context.Context, path string, size int, theme Theme) (image.Image, error) {
		atomic.AddInt32(&renders, 1)
		return ImageRenderer{}.Render(ctx, path, size, theme)
	})
	g := newTestGenerator(t, GeneratorConfig{
		Size:      32,
		Renderers: map[string]Renderer{".png": counting},
	})

	for i := 0; i < 2; i++ {
		img, err := g.Thumbnail(context.Background(), b, f, Light)
		if err != nil {
			t.Fatalf("Thumbnail: %v", err)
		}
		if img.Bounds().Dx() != 32 || img.Bounds().Dy() != 32 {
			t.Fatalf("bounds = %v, want 32x32", img.Bounds())
		}
	}
	if n := atomic.LoadInt32(&renders); n != 1 {
		t.Errorf("renders = %d, want 1", n)
	}
	if _, ok := g.Cached(b, f, Light); !ok {
		t.Error("Cached should hit after generation")
	}
	if _, ok := g.Cached(b, f, Dark); ok {
		t.Error("themes must not share cache entries")
	}

	g.Invalidate(b, f.Path(), Light)
	if _, ok := g.Cached(b, f, Light); ok {
		t.Error("Invalidate left the entry")
	}
}

func TestGeneratorPlaceholderOnFailure(t *testing.T) {
	b, f := newBackendWithPNG(t)
	var renders int32
	failing := RendererFunc(func(context.Context, string, int, Theme) (image.Image, error) {
		atomic.AddInt32(&renders, 1)
		return nil, errors.New("corrupt")
	})
	g := newTestGenerator(t, GeneratorConfig{
		Size:      16,
		Renderers: map[string]Renderer{".png": failing},
	})

	for i := 0; i < 2; i++ {
		img, err := g.Thumbnail(context.Background(), b, f, Dark)
		if err != nil {
			t.Fatalf("Thumbnail: %v", err)
		}
		if got := color.NRGBAModel.Convert(img.At(8, 8)); got != Dark.Background {
			t.Errorf("placeholder pixel = %v, want %v", got, Dark.Background)
		}
	}
	if n := atomic.LoadInt32(&renders); n != 2 {
		t.Errorf("placeholders must not be cached, renders = %d", n)
	}
}

// unreachable is a backend whose files cannot be opened.
type unreachable struct{ *device.Backend }

func (unreachable) BeginLocalAccess(_ context.Context, f *storage.FileHandle) (storage.LocalAccess, error) {
	return nil, storage.Errorf("device", "open", f.Path(), storage.ErrUnavailable)
}

func TestGeneratorPlaceholderWhenFileUnreachable(t *testing.T) {
	b, f := newBackendWithPNG(t)
	g := newTestGenerator(t, GeneratorConfig{Size: 16})

	img, err := g.Thumbnail(context.Background(), unreachable{b}, f, Light)
	if err != nil {
		t.Fatalf("Thumbnail: %v", err)
	}
	if got := color.NRGBAModel.Convert(img.At(8, 8)); got != Light.Background {
		t.Errorf("placeholder pixel = %v, want %v", got, Light.Background)
	}
	if _, ok := g.Cached(b, f, Light); ok {
		t.Error("placeholder was cached")
	}
	if _, err := g.Thumbnail(context.Background(), b, f, Light); err != nil {
		t.Fatalf("Thumbnail once reachable: %v", err)
	}
	if _, ok := g.Cached(b, f, Light); !ok {
		t.Error("real thumbnail not cached once the file was reachable")
	}
}

func TestGeneratorCancelled(t *testing.T) {
	b, f := newBackendWithPNG(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	g := newTestGenerator(t, GeneratorConfig{
		Renderers: map[string]Renderer{".png": RendererFunc(func(context.Context, string, int, Theme) (image.Image, error) {
			called = true
			return solid(1, 1), nil
		})},
	})
	if _, err := g.Thumbnail(ctx, b, f, Light); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if called {
		t.Error("renderer ran for a cancelled request")
	}
}

func TestGeneratorGateBoundsConcurrency(t *testing.T) {
	b, f := newBackendWithPNG(t)
	started := make(chan struct{})
	release := make(chan struct{})
	blocking := RendererFunc(func(context.Context, string, int, Theme) (image.Image, error) {
		close(started)
		<-release
		return solid(1, 1), nil
	})
	g := newTestGenerator(t, GeneratorConfig{
		Concurrency: 1,
		Renderers:   map[string]Renderer{".png": blocking},
	})

	done := make(chan error, 1)
	go func() {
		_, err := g.Thumbnail(context.Background(), b, f, Light)
		done <- err
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.Thumbnail(ctx, b, f, Dark); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second request err = %v, want deadline exceeded while gated", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first request: %v", err)
	}
}

func TestImageRendererCentersOnBackground(t *testing.T) {
	p := filepath.Join(t.TempDir(), "wide.png")
	var buf bytes.Buffer
	png.Encode(&buf, solid(40, 10))
	os.WriteFile(p, buf.Bytes(), 0644)

	img, err := ImageRenderer{}.Render(context.Background(), p, 40, Light)
	if err != nil {
		t.Fatal(err)
	}
	if got := color.NRGBAModel.Convert(img.At(20, 20)); got != red {
		t.Errorf("center = %v, want red", got)
	}
	if got := color.NRGBAModel.Convert(img.At(20, 1)); got != Light.Background {
		t.Errorf("letterbox = %v, want background", got)
	}
}

func TestApplyOrientation(t *testing.T) {
	src := solid(20, 10)
	tests := []struct {
		o            int
		wantW, wantH int
	}{
		{1, 20, 10},
		{3, 20, 10},
		{6, 10, 20},
		{8, 10, 20},
	}
	for _, tt := range tests {
		b := applyOrientation(src, tt.o).Bounds()
		if b.Dx() != tt.wantW || b.Dy() != tt.wantH {
			t.Errorf("orientation %d: %dx%d, want %dx%d", tt.o, b.Dx(), b.Dy(), tt.wantW, tt.wantH)
		}
	}
	if orientation([]byte("not exif")) != 1 {
		t.Error("missing EXIF should read as orientation 1")
	}
}

func TestTextRendererDrawsText(t *testing.T) {
	p := filepath.Join(t.TempDir(), "note.txt")
	os.WriteFile(p, []byte("hello\nworld\n"), 0644)

	img, err := TextRenderer{}.Render(context.Background(), p, 64, Dark)
	if err != nil {
		t.Fatal(err)
	}
	inked := false
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y && !inked; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if color.NRGBAModel.Convert(img.At(x, y)) != Dark.Background {
				inked = true
				break
			}
		}
	}
	if !inked {
		t.Error("no text drawn")
	}
}
