// Package storage defines the contract every document backend implements
// and the pieces shared between backends: file handles, local access
// scopes, change notification and bounded sync waits.
package storage

import (
	"context"
	"time"

	"github.com/fruitsalade/docsync/internal/logging"
	"github.com/fruitsalade/docsync/internal/metrics"
)

// Info is the static description of a backend instance.
type Info struct {
	ID               string
	Type             string
	Description      string
	ShortDescription string
	Writable         bool
	JustForApp       bool
	// MaxDirectoryDepth bounds how deep callers should recurse; 0 means flat.
	MaxDirectoryDepth int
	// ListFilesIsFast signals that eager recursive prefetch is cheap.
	ListFilesIsFast bool
	FileExtensions  []string
}

// Status is the dynamic availability and sync state of a backend.
type Status struct {
	Available          bool
	AvailabilityReason string
	Syncing            bool
	SyncStatus         string
}

// Backend is one linked storage location.
//
// Boolean operations (FileExists, CreateDirectory, Move, DeleteFile) never
// return errors: failures are logged and reported as false. Content
// operations return an error whose Message is fit to show a user.
type Backend interface {
	ID() string
	Info() Info
	Status() Status

	// Initialize performs one-time setup. It is idempotent.
	Initialize(ctx context.Context) error

	// ListFiles returns the direct children of dir.
	ListFiles(ctx context.Context, dir string) ([]*FileHandle, error)
	GetFile(ctx context.Context, path string) (*FileHandle, error)
	FileExists(ctx context.Context, path string) bool

	// CreateFile writes contents to path, replacing any existing content.
	// nil contents create an empty file.
	CreateFile(ctx context.Context, path string, contents []byte) (*FileHandle, error)
	CreateDirectory(ctx context.Context, path string) bool
	Move(ctx context.Context, from, to string) bool
	DeleteFile(ctx context.Context, path string) bool

	// BeginLocalAccess materializes f locally. The caller must End the scope.
	BeginLocalAccess(ctx context.Context, f *FileHandle) (LocalAccess, error)

	// Subscribe registers for "files changed" notifications.
	Subscribe() *Subscription

	Close() error
}

// Refresher is implemented by backends that can re-read their remote state
// on demand, e.g. from a periodic schedule.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Rename renames f within its directory and refreshes the handle in place.
func Rename(ctx context.Context, b Backend, f *FileHandle, newName string) bool {
	from := f.Path()
	to := Join(Dir(from), newName)
	if from == to {
		return true
	}
	if !b.Move(ctx, from, to) {
		return false
	}
	f.Refresh(to)
	return true
}

// Observe records metrics for a finished backend operation.
func Observe(backendType, op string, start time.Time, err error) {
	metrics.RecordBackendOperation(backendType, op, time.Since(start), err == nil)
}

// LogFailure logs a swallowed failure of a boolean operation.
func LogFailure(backendID, op, path string, err error) {
	logging.Warn("backend operation failed",
		logging.BackendID(backendID),
		logging.Op(op),
		logging.Path(path),
		logging.Err(err),
	)
}

// ListRecursive lists dir and its subdirectories down to maxDepth levels
// below dir. maxDepth 0 lists only dir itself.
func ListRecursive(ctx context.Context, b Backend, dir string, maxDepth int) ([]*FileHandle, error) {
	files, err := b.ListFiles(ctx, dir)
	if err != nil {
		return nil, err
	}
	out := append([]*FileHandle(nil), files...)
	if maxDepth <= 0 {
		return out, nil
	}
	for _, f := range files {
		if !f.IsDirectory() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		children, err := ListRecursive(ctx, b, f.Path(), maxDepth-1)
		if err != nil {
			return nil, err
		}
		out = append(out, children...)
	}
	return out, nil
}
