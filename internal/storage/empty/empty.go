// Package empty provides the placeholder backend used when no storage
// location is linked.
package empty

import (
	"context"

	"github.com/fruitsalade/docsync/internal/storage"
)

// Type is the backend type name.
const Type = "empty"

// ID is the fixed id of the placeholder backend.
const ID = "empty"

// Backend lists nothing and refuses every write.
type Backend struct {
	reason   string
	notifier *storage.Notifier
}

// New creates a placeholder backend. reason is shown as the availability
// reason; an empty reason gets a default.
func New(reason string) *Backend {
	if reason == "" {
		reason = "No storage location has been set up."
	}
	return &Backend{reason: reason, notifier: storage.NewNotifier()}
}

func (b *Backend) ID() string { return ID }

func (b *Backend) Info() storage.Info {
	return storage.Info{
		ID:               ID,
		Type:             Type,
		Description:      "No storage",
		ShortDescription: "None",
		ListFilesIsFast:  true,
	}
}

func (b *Backend) Status() storage.Status {
	return storage.Status{AvailabilityReason: b.reason}
}

func (b *Backend) Initialize(context.Context) error { return nil }

func (b *Backend) ListFiles(context.Context, string) ([]*storage.FileHandle, error) {
	return nil, nil
}

func (b *Backend) GetFile(_ context.Context, p string) (*storage.FileHandle, error) {
	return nil, storage.Errorf(ID, "get", storage.Clean(p), storage.ErrNotFound)
}

func (b *Backend) FileExists(context.Context, string) bool { return false }

func (b *Backend) CreateFile(_ context.Context, p string, _ []byte) (*storage.FileHandle, error) {
	return nil, storage.Errorf(ID, "create", storage.Clean(p), storage.ErrUnavailable)
}

func (b *Backend) CreateDirectory(context.Context, string) bool { return false }

func (b *Backend) Move(context.Context, string, string) bool { return false }

func (b *Backend) DeleteFile(context.Context, string) bool { return false }

func (b *Backend) BeginLocalAccess(_ context.Context, f *storage.FileHandle) (storage.LocalAccess, error) {
	return nil, storage.Errorf(ID, "open", f.Path(), storage.ErrUnavailable)
}

func (b *Backend) Subscribe() *storage.Subscription { return b.notifier.Subscribe() }

func (b *Backend) Close() error {
	b.notifier.Close()
	return nil
}
