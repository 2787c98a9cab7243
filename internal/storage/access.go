package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/fruitsalade/docsync/internal/logging"
	"github.com/fruitsalade/docsync/internal/metrics"
)

// LocalAccess is an open local access scope. Between BeginLocalAccess and
// End, LocalPath names a file the caller may read and write. End writes
// local edits back to the backend.
type LocalAccess interface {
	LocalPath() string
	End(ctx context.Context) error
}

// WriteBackFunc pushes changed local content to the backend.
type WriteBackFunc func(ctx context.Context, data []byte) error

// Write-back results, as recorded in metrics.
const (
	WriteBackUnchanged = "unchanged"
	WriteBackWritten   = "written"
	WriteBackFailed    = "failed"
)

// ScopeConfig configures a SnapshotScope.
type ScopeConfig struct {
	// BackendType labels metrics.
	BackendType string
	// LocalPath is the materialized file.
	LocalPath string
	// WriteBack is called on End only when content differs from the snapshot.
	WriteBack WriteBackFunc
	// Unchanged is called on End when the content did not change.
	Unchanged func()
	// Release runs exactly once when the scope ends, after any write-back.
	Release func()
}

// SnapshotScope remembers the content of a local file when the scope opens
// and writes back on End only if the content changed. A file that did not
// exist at open and still does not exist at End counts as unchanged.
type SnapshotScope struct {
	cfg      ScopeConfig
	snapshot []byte
	existed  bool

	mu    sync.Mutex
	ended bool
}

// NewSnapshotScope opens a scope over cfg.LocalPath, capturing its content.
func NewSnapshotScope(cfg ScopeConfig) (*SnapshotScope, error) {
	data, err := os.ReadFile(cfg.LocalPath)
	existed := true
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("snapshot %s: %w", cfg.LocalPath, err)
		}
		existed = false
	}
	metrics.LocalAccessOpened(cfg.BackendType)
	return &SnapshotScope{cfg: cfg, snapshot: data, existed: existed}, nil
}

// LocalPath returns the materialized file path.
func (s *SnapshotScope) LocalPath() string {
	return s.cfg.LocalPath
}

// Snapshot returns the content captured when the scope opened.
func (s *SnapshotScope) Snapshot() []byte {
	return s.snapshot
}

// Changed compares the local file with the snapshot. It returns the current
// content when they differ.
func (s *SnapshotScope) Changed() ([]byte, bool, error) {
	data, err := os.ReadFile(s.cfg.LocalPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, s.existed, nil
		}
		return nil, false, err
	}
	if s.existed && bytes.Equal(data, s.snapshot) {
		return nil, false, nil
	}
	return data, true, nil
}

// End writes back changed content and releases the scope. Ending twice is a
// no-op.
func (s *SnapshotScope) End(ctx context.Context) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	s.mu.Unlock()

	defer func() {
		metrics.LocalAccessClosed(s.cfg.BackendType)
		if s.cfg.Release != nil {
			s.cfg.Release()
		}
	}()

	data, changed, err := s.Changed()
	if err != nil {
		metrics.RecordWriteBack(s.cfg.BackendType, WriteBackFailed)
		return fmt.Errorf("read local copy: %w", err)
	}
	if !changed {
		if s.cfg.Unchanged != nil {
			s.cfg.Unchanged()
		}
		metrics.RecordWriteBack(s.cfg.BackendType, WriteBackUnchanged)
		return nil
	}
	if data == nil {
		// The local copy was deleted during the scope; there is nothing to push.
		logging.Warn("local copy disappeared during access",
			logging.Path(s.cfg.LocalPath))
		metrics.RecordWriteBack(s.cfg.BackendType, WriteBackUnchanged)
		return nil
	}
	if s.cfg.WriteBack == nil {
		metrics.RecordWriteBack(s.cfg.BackendType, WriteBackUnchanged)
		return nil
	}
	if err := s.cfg.WriteBack(ctx, data); err != nil {
		metrics.RecordWriteBack(s.cfg.BackendType, WriteBackFailed)
		return err
	}
	metrics.RecordWriteBack(s.cfg.BackendType, WriteBackWritten)
	return nil
}
