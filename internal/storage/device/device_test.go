package device

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fruitsalade/docsync/internal/logging"
	"github.com/fruitsalade/docsync/internal/storage"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

func newTestBackend(t *testing.T, cfg Config) *Backend {
	t.Helper()
	if cfg.RootPath == "" {
		cfg.RootPath = t.TempDir()
	}
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestListFilesDirectChildrenOnly(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, Config{FileExtensions: []string{".txt"}})

	for _, p := range []string{"/a.txt", "/docs/b.txt", "/docs/deep/c.txt", "/image.png"} {
		if _, err := b.CreateFile(ctx, p, []byte(p)); err != nil {
			t.Fatalf("CreateFile %s: %v", p, err)
		}
	}
	os.WriteFile(filepath.Join(b.Root(), ".hidden.txt"), nil, 0644)

	tests := []struct {
		dir  string
		want []string
	}{
		{"/", []string{"/a.txt", "/docs"}},
		{"/docs", []string{"/docs/b.txt", "/docs/deep"}},
		{"/docs/deep", []string{"/docs/deep/c.txt"}},
	}
	for _, tt := range tests {
		t.Run(tt.dir, func(t *testing.T) {
			files, err := b.ListFiles(ctx, tt.dir)
			if err != nil {
				t.Fatal(err)
			}
			var got []string
			for _, f := range files {
				if !storage.IsDirectChild(tt.dir, f.Path()) {
					t.Errorf("%s is not a direct child of %s", f.Path(), tt.dir)
				}
				got = append(got, f.Path())

				again, err := b.GetFile(ctx, f.Path())
				if err != nil {
					t.Fatalf("GetFile(%s): %v", f.Path(), err)
				}
				if !storage.Equivalent(f.Info(), again.Info()) {
					t.Errorf("GetFile(%s) does not round-trip", f.Path())
				}
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("ListFiles(%s) = %v, want %v", tt.dir, got, tt.want)
			}
		})
	}
}

func TestListFilesMissingDirectory(t *testing.T) {
	b := newTestBackend(t, Config{})
	_, err := b.ListFiles(context.Background(), "/nope")
	if !storage.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateFileOverwrites(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, Config{})

	if _, err := b.CreateFile(ctx, "/a.txt", []byte("one")); err != nil {
		t.Fatal(err)
	}
	f, err := b.CreateFile(ctx, "/a.txt", []byte("two"))
	if err != nil {
		t.Fatal(err)
	}
	if f.Path() != "/a.txt" || f.Size() != 3 {
		t.Fatalf("unexpected handle %+v", f.Info())
	}
	data, _ := os.ReadFile(filepath.Join(b.Root(), "a.txt"))
	if string(data) != "two" {
		t.Fatalf("content = %q", data)
	}

	empty, err := b.CreateFile(ctx, "/empty.txt", nil)
	if err != nil || empty.Size() != 0 {
		t.Fatalf("nil contents should create an empty file: %v", err)
	}
}

func TestBooleanOperations(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, Config{})
	b.CreateFile(ctx, "/a.txt", []byte("a"))
	b.CreateFile(ctx, "/b.txt", []byte("b"))

	if !b.FileExists(ctx, "/a.txt") || b.FileExists(ctx, "/zzz.txt") {
		t.Fatal("FileExists wrong")
	}
	if b.Move(ctx, "/a.txt", "/b.txt") {
		t.Fatal("move onto an existing file must fail")
	}
	if !b.Move(ctx, "/a.txt", "/sub/c.txt") {
		t.Fatal("move into new directory failed")
	}
	if b.FileExists(ctx, "/a.txt") || !b.FileExists(ctx, "/sub/c.txt") {
		t.Fatal("move did not happen")
	}
	if b.Move(ctx, "/missing.txt", "/x.txt") {
		t.Fatal("moving a missing file must fail")
	}
	if !b.CreateDirectory(ctx, "/new/dir") || !b.FileExists(ctx, "/new/dir") {
		t.Fatal("CreateDirectory failed")
	}
	if !b.DeleteFile(ctx, "/sub") {
		t.Fatal("delete directory failed")
	}
	if b.DeleteFile(ctx, "/sub") {
		t.Fatal("deleting a missing path must report false")
	}
	if b.DeleteFile(ctx, "/") {
		t.Fatal("the root must never be deleted")
	}
}

func TestRenameRefreshesHandle(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, Config{})
	f, _ := b.CreateFile(ctx, "/docs/Note.txt", []byte("x"))

	if !storage.Rename(ctx, b, f, "Plan.txt") {
		t.Fatal("rename failed")
	}
	if f.Path() != "/docs/Plan.txt" {
		t.Fatalf("handle path = %q", f.Path())
	}
}

func TestLocalAccessUnchangedKeepsModTime(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, Config{})
	f, _ := b.CreateFile(ctx, "/a.txt", []byte("hello"))

	path := filepath.Join(b.Root(), "a.txt")
	old := time.Now().Add(-time.Hour).Truncate(time.Second)
	os.Chtimes(path, old, old)

	scope, err := b.BeginLocalAccess(ctx, f)
	if err != nil {
		t.Fatal(err)
	}
	if scope.LocalPath() != path {
		t.Fatalf("device should hand out the real path, got %s", scope.LocalPath())
	}
	// A save that rewrites identical bytes still bumps mtime.
	os.WriteFile(path, []byte("hello"), 0644)
	if err := scope.End(ctx); err != nil {
		t.Fatal(err)
	}

	st, _ := os.Stat(path)
	if !st.ModTime().Equal(old) {
		t.Errorf("mtime = %v, want %v", st.ModTime(), old)
	}
}

func TestLocalAccessPropagatesEdits(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, Config{})
	f, _ := b.CreateFile(ctx, "/a.txt", []byte("hello"))
	before := f.ModifiedTime()

	sub := b.Subscribe()
	defer sub.Unsubscribe()

	scope, err := b.BeginLocalAccess(ctx, f)
	if err != nil {
		t.Fatal(err)
	}
	later := before.Add(2 * time.Second)
	os.WriteFile(scope.LocalPath(), []byte("hello, world"), 0644)
	os.Chtimes(scope.LocalPath(), later, later)
	if err := scope.End(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := b.GetFile(ctx, "/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if got.Size() != int64(len("hello, world")) || !got.ModifiedTime().After(before) {
		t.Fatalf("edit not visible: %+v", got.Info())
	}
	select {
	case <-sub.C():
	case <-time.After(time.Second):
		t.Fatal("expected change notification after write-back")
	}
}

func TestStatus(t *testing.T) {
	root := filepath.Join(t.TempDir(), "docs")
	b, err := New(Config{RootPath: root})
	if err != nil {
		t.Fatal(err)
	}
	if b.Status().Available {
		t.Fatal("missing root should be unavailable")
	}
	if err := b.Initialize(context.Background()); err == nil {
		t.Fatal("Initialize without CreateDirs should fail on a missing root")
	}

	b, _ = New(Config{RootPath: root, CreateDirs: true})
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !b.Status().Available {
		t.Fatal("expected available after Initialize")
	}

	b, _ = New(Config{RootPath: root, MinFreeBytes: 1 << 62})
	if st := b.Status(); st.Available || st.AvailabilityReason == "" {
		t.Fatalf("expected out-of-space status, got %+v", st)
	}
}

func TestWatcherNotifiesExternalChanges(t *testing.T) {
	b := newTestBackend(t, Config{Watch: true})
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	os.MkdirAll(filepath.Join(b.Root(), "sub"), 0755)
	select {
	case <-sub.C():
	case <-time.After(2 * time.Second):
		t.Fatal("expected notification for new directory")
	}

	time.Sleep(50 * time.Millisecond)
	os.WriteFile(filepath.Join(b.Root(), "sub", "x.txt"), []byte("x"), 0644)
	select {
	case <-sub.C():
	case <-time.After(2 * time.Second):
		t.Fatal("expected notification for file in new directory")
	}
}

func TestNewFromJSON(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{"root": t.TempDir(), "id": "docs", "file_extensions": []string{".md"}})
	b, err := NewFromJSON(raw)
	if err != nil {
		t.Fatal(err)
	}
	if b.ID() != "docs" || b.Info().Type != Type || len(b.Info().FileExtensions) != 1 {
		t.Fatalf("unexpected info %+v", b.Info())
	}
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without root")
	}
}
