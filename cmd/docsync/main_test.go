package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fruitsalade/docsync/internal/config"
	"github.com/fruitsalade/docsync/internal/logging"
	"github.com/fruitsalade/docsync/internal/registry"
	"github.com/fruitsalade/docsync/internal/storage"
	"github.com/fruitsalade/docsync/internal/storage/device"
	"github.com/fruitsalade/docsync/internal/thumbnail"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

func newTestApp(t *testing.T) (*app, string) {
	t.Helper()
	docs := filepath.Join(t.TempDir(), "Documents")
	cfg := &config.Config{
		DocumentsDir:           docs,
		CacheDir:               t.TempDir(),
		SettingsDSN:            "memory://",
		FileExtensions:         []string{".txt"},
		SyncTimeout:            time.Second,
		RefreshSchedule:        "@every 1h",
		DropboxAPI:             "core",
		ThumbnailSize:          32,
		ThumbnailConcurrency:   1,
		ThumbnailMemoryEntries: 4,
	}
	a, err := newApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(a.close)
	return a, docs
}

func readDoc(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return string(data)
}

func TestCommandsOnDeviceBackend(t *testing.T) {
	ctx := context.Background()
	a, docs := newTestApp(t)

	if got := a.reg.Active().ID(); got != "device" {
		t.Fatalf("active = %q, want device", got)
	}

	steps := []struct {
		cmd  string
		args []string
	}{
		{"new", []string{"Note", "hello"}},
		{"new", []string{"Note"}},
		{"write", []string{"Note.txt", "hello", "again"}},
		{"dup", []string{"/Note.txt"}},
		{"rename", []string{"Note Copy.txt", "Memo"}},
		{"mkdir", []string{"Archive"}},
		{"cd", []string{"Archive"}},
		{"new", []string{"Inner", "x"}},
		{"rm", []string{"/Note 2.txt"}},
		{"ls", nil},
	}
	for _, s := range steps {
		if err := a.run(ctx, s.cmd, s.args); err != nil {
			t.Fatalf("%s %v: %v", s.cmd, s.args, err)
		}
	}

	if got := readDoc(t, docs, "Note.txt"); got != "hello again" {
		t.Errorf("Note.txt = %q", got)
	}
	if got := readDoc(t, docs, "Memo.txt"); got != "hello again" {
		t.Errorf("Memo.txt = %q", got)
	}
	if got := readDoc(t, filepath.Join(docs, "Archive"), "Inner.txt"); got != "x" {
		t.Errorf("Archive/Inner.txt = %q", got)
	}
	if _, err := os.Stat(filepath.Join(docs, "Note 2.txt")); !os.IsNotExist(err) {
		t.Errorf("Note 2.txt should be deleted, stat err = %v", err)
	}
	if wd := a.reg.WorkingDirectory(ctx); wd != "/Archive" {
		t.Errorf("working directory = %q", wd)
	}
}

func TestCommandErrors(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestApp(t)

	tests := []struct {
		cmd  string
		args []string
	}{
		{"cat", []string{"/missing.txt"}},
		{"use", []string{"nope"}},
		{"new", nil},
		{"dup", []string{"/missing.txt"}},
		{"rm", []string{"/"}},
		{"bogus", nil},
	}
	for _, tt := range tests {
		if err := a.run(ctx, tt.cmd, tt.args); err == nil {
			t.Errorf("%s %v: expected error", tt.cmd, tt.args)
		}
	}
}

func TestThumbCommandWritesPNG(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestApp(t)
	if err := a.run(ctx, "new", []string{"Note", "some text"}); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "thumb.png")
	if err := a.run(ctx, "thumb", []string{"Note.txt", out, "dark"}); err != nil {
		t.Fatal(err)
	}
	st, err := os.Stat(out)
	if err != nil || st.Size() == 0 {
		t.Fatalf("thumbnail not written: %v", err)
	}
}

func TestAddFolderLinksBookmark(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestApp(t)
	folder := t.TempDir()
	os.WriteFile(filepath.Join(folder, "shared.txt"), []byte("s"), 0644)

	if err := a.run(ctx, "add-folder", []string{folder}); err != nil {
		t.Fatal(err)
	}
	if n := len(a.reg.Backends()); n != 2 {
		t.Fatalf("backends = %d, want 2", n)
	}
}

func TestTerminalHostPrompt(t *testing.T) {
	var out bytes.Buffer
	h := newTerminalHost(strings.NewReader("  abc123 \n"), &out)

	got, err := h.Prompt(context.Background(), "Code: ")
	if err != nil {
		t.Fatal(err)
	}
	if got != "abc123" {
		t.Errorf("Prompt = %q", got)
	}
	if out.String() != "Code: " {
		t.Errorf("prompt output = %q", out.String())
	}

	h.OpenURL(context.Background(), "https://example.com/auth")
	if !strings.Contains(out.String(), "https://example.com/auth") {
		t.Error("URL not shown")
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestApp(t)
	a.run(ctx, "mkdir", []string{"/Docs"})
	a.reg.SetWorkingDirectory(ctx, "/Docs")

	tests := map[string]string{
		"a.txt":        "/Docs/a.txt",
		"/b.txt":       "/b.txt",
		"sub/../c.txt": "/Docs/c.txt",
	}
	for in, want := range tests {
		if got := a.resolve(ctx, in); got != want {
			t.Errorf("resolve(%q) = %q, want %q", in, got, want)
		}
	}
}

// lateIndex is a device backend whose existence checks see nothing until
// its first sync has finished.
type lateIndex struct {
	*device.Backend
	synced chan struct{}
}

func (b *lateIndex) WaitForSync(ctx context.Context) error {
	select {
	case <-b.synced:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *lateIndex) FileExists(ctx context.Context, p string) bool {
	select {
	case <-b.synced:
		return b.Backend.FileExists(ctx, p)
	default:
		return false
	}
}

func TestCommandsWaitForSyncBeforeLookups(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestApp(t)

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "Note.txt"), []byte("precious"), 0o644); err != nil {
		t.Fatal(err)
	}
	dev, err := device.New(device.Config{ID: "late", RootPath: root, FileExtensions: []string{".txt"}})
	if err != nil {
		t.Fatal(err)
	}
	late := &lateIndex{Backend: dev, synced: make(chan struct{})}
	a.reg.AddBackend(ctx, late)
	if err := a.reg.SetActive(ctx, "late"); err != nil {
		t.Fatal(err)
	}
	time.AfterFunc(30*time.Millisecond, func() { close(late.synced) })

	if err := a.run(ctx, "new", []string{"Note", "fresh"}); err != nil {
		t.Fatal(err)
	}
	if got := readDoc(t, root, "Note.txt"); got != "precious" {
		t.Errorf("Note.txt = %q, existing document was overwritten", got)
	}
	if got := readDoc(t, root, "Note 2.txt"); got != "fresh" {
		t.Errorf("Note 2.txt = %q, want fresh", got)
	}
}

func TestListingRecursesIntoFolders(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestApp(t)
	steps := []struct {
		cmd  string
		args []string
	}{
		{"new", []string{"Top", "x"}},
		{"mkdir", []string{"Archive"}},
		{"cd", []string{"Archive"}},
		{"new", []string{"Deep", "y"}},
		{"cd", []string{"/"}},
		{"ls", []string{"-r"}},
	}
	for _, s := range steps {
		if err := a.run(ctx, s.cmd, s.args); err != nil {
			t.Fatalf("%s %v: %v", s.cmd, s.args, err)
		}
	}

	paths := func(l registry.Listing) map[string]bool {
		m := map[string]bool{}
		for _, f := range l.Files {
			m[f.Path()] = true
		}
		return m
	}

	flat, err := a.listing(ctx, "/", false)
	if err != nil {
		t.Fatal(err)
	}
	if got := paths(flat); !got["/Top.txt"] || !got["/Archive"] || got["/Archive/Deep.txt"] {
		t.Errorf("flat listing = %v", got)
	}

	deep, err := a.listing(ctx, "/", true)
	if err != nil {
		t.Fatal(err)
	}
	if got := paths(deep); !got["/Top.txt"] || !got["/Archive"] || !got["/Archive/Deep.txt"] {
		t.Errorf("recursive listing = %v", got)
	}
	if !a.reg.IsCurrent(deep) {
		t.Error("listing should be current right after it was taken")
	}
	if err := a.reg.SetActive(ctx, "device"); err != nil {
		t.Fatal(err)
	}
	if a.reg.IsCurrent(deep) {
		t.Error("listing should be stale after the active backend was switched")
	}
}

func TestRenameAndRemoveDropThumbnails(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestApp(t)
	b := a.reg.Active()
	out := filepath.Join(t.TempDir(), "thumb.png")

	// A zero modification time accepts any cached thumbnail.
	cached := func(p string) bool {
		f := storage.NewFileHandleAt(storage.FileInfo{Path: p}, time.Now())
		_, ok := a.thumbs.Cached(b, f, thumbnail.Light)
		return ok
	}

	for _, s := range []struct {
		cmd  string
		args []string
	}{
		{"new", []string{"Note", "text"}},
		{"new", []string{"Other", "text"}},
		{"thumb", []string{"Note.txt", out}},
		{"thumb", []string{"Other.txt", out}},
	} {
		if err := a.run(ctx, s.cmd, s.args); err != nil {
			t.Fatalf("%s %v: %v", s.cmd, s.args, err)
		}
	}
	if !cached("/Note.txt") || !cached("/Other.txt") {
		t.Fatal("thumbnails should be cached after rendering")
	}

	if err := a.run(ctx, "rename", []string{"Note.txt", "Memo"}); err != nil {
		t.Fatal(err)
	}
	if cached("/Note.txt") {
		t.Error("rename left the old path's thumbnail cached")
	}
	if err := a.run(ctx, "rm", []string{"Other.txt"}); err != nil {
		t.Fatal(err)
	}
	if cached("/Other.txt") {
		t.Error("rm left the thumbnail cached")
	}
}
