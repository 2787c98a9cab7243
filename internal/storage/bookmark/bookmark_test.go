package bookmark

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fruitsalade/docsync/internal/storage"
)

var _ storage.Backend = (*Backend)(nil)

func TestBookmarkServesFolder(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "todo.txt"), []byte("milk"), 0644)

	b, err := New(Config{Path: dir, Name: "Projects"})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if err := b.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(b.ID(), Type+":") {
		t.Errorf("ID = %q", b.ID())
	}
	if b.Info().Type != Type || b.Info().Description != "Projects" {
		t.Errorf("Info = %+v", b.Info())
	}
	files, err := b.ListFiles(ctx, "/")
	if err != nil || len(files) != 1 || files[0].Name() != "todo.txt" {
		t.Fatalf("ListFiles = %v, %v", files, err)
	}
}

func TestBookmarkIDStableAcrossReload(t *testing.T) {
	b, err := New(Config{Path: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := json.Marshal(b.Config())
	again, err := NewFromJSON(raw)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID() != b.ID() {
		t.Fatalf("id changed: %s != %s", again.ID(), b.ID())
	}
}

func TestBookmarkMissingFolder(t *testing.T) {
	b, _ := New(Config{Path: filepath.Join(t.TempDir(), "gone"), Name: "Gone"})
	st := b.Status()
	if st.Available || !strings.Contains(st.AvailabilityReason, "Gone") {
		t.Fatalf("Status = %+v", st)
	}
}
