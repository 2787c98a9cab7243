package empty

import (
	"context"
	"errors"
	"testing"

	"github.com/fruitsalade/docsync/internal/storage"
)

var _ storage.Backend = (*Backend)(nil)

func TestEmptyBackend(t *testing.T) {
	ctx := context.Background()
	b := New("")

	if b.Status().Available || b.Status().AvailabilityReason == "" {
		t.Fatalf("placeholder must be unavailable with a reason: %+v", b.Status())
	}
	files, err := b.ListFiles(ctx, "/")
	if err != nil || len(files) != 0 {
		t.Fatalf("ListFiles = %v, %v", files, err)
	}
	if _, err := b.GetFile(ctx, "/a.txt"); !storage.IsNotFound(err) {
		t.Fatalf("GetFile err = %v", err)
	}
	if _, err := b.CreateFile(ctx, "/a.txt", []byte("x")); !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("CreateFile err = %v", err)
	}
	if b.FileExists(ctx, "/") || b.CreateDirectory(ctx, "/d") || b.Move(ctx, "/a", "/b") || b.DeleteFile(ctx, "/a") {
		t.Fatal("boolean operations must report false")
	}
	_, err = b.BeginLocalAccess(ctx, storage.NewFileHandle(storage.FileInfo{Path: "/a.txt"}))
	if storage.Message(err) == "" {
		t.Fatal("expected a displayable error")
	}
}
