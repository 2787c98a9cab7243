package storage

import (
	"sync"
	"time"
)

// FileInfo is a plain snapshot of a FileHandle's fields.
type FileInfo struct {
	Path             string
	IsDirectory      bool
	ModifiedTime     time.Time
	Size             int64
	Revision         string
	IsDownloaded     bool
	DownloadProgress float64
}

// FileHandle describes one entry on a backend. Handles are shared by pointer;
// a backend may refresh a handle in place after a rename so that open
// document references keep pointing at the right file.
type FileHandle struct {
	mu       sync.RWMutex
	info     FileInfo
	listedAt time.Time
}

// NewFileHandle creates a handle from info, stamped with the current time.
func NewFileHandle(info FileInfo) *FileHandle {
	return NewFileHandleAt(info, time.Now())
}

// NewFileHandleAt creates a handle whose listing time is listedAt.
func NewFileHandleAt(info FileInfo, listedAt time.Time) *FileHandle {
	info.Path = Clean(info.Path)
	if info.IsDirectory {
		info.IsDownloaded = true
		info.DownloadProgress = 1
	}
	return &FileHandle{info: info, listedAt: listedAt}
}

// Path returns the backend-relative path.
func (f *FileHandle) Path() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.info.Path
}

// Name returns the last path element.
func (f *FileHandle) Name() string {
	return Base(f.Path())
}

// IsDirectory reports whether the handle is a directory.
func (f *FileHandle) IsDirectory() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.info.IsDirectory
}

// ModifiedTime returns the last modification time reported by the backend.
func (f *FileHandle) ModifiedTime() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.info.ModifiedTime
}

// Size returns the content size in bytes, if known.
func (f *FileHandle) Size() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.info.Size
}

// Revision returns the backend revision tag, if the backend has one.
func (f *FileHandle) Revision() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.info.Revision
}

// IsDownloaded reports whether content is available locally.
func (f *FileHandle) IsDownloaded() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.info.IsDownloaded
}

// DownloadProgress returns progress in [0, 1].
func (f *FileHandle) DownloadProgress() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.info.DownloadProgress
}

// ListedAt is when the listing that produced this handle was taken.
func (f *FileHandle) ListedAt() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.listedAt
}

// Info returns a copy of the handle's fields.
func (f *FileHandle) Info() FileInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.info
}

// Refresh moves the handle to newPath, keeping its identity.
func (f *FileHandle) Refresh(newPath string) {
	f.mu.Lock()
	f.info.Path = Clean(newPath)
	f.mu.Unlock()
}

// Update replaces the metadata of the handle with info, keeping identity.
func (f *FileHandle) Update(info FileInfo, listedAt time.Time) {
	info.Path = Clean(info.Path)
	f.mu.Lock()
	f.info = info
	f.listedAt = listedAt
	f.mu.Unlock()
}

// SetDownloadState records download progress.
func (f *FileHandle) SetDownloadState(downloaded bool, progress float64) {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 || downloaded {
		progress = 1
	}
	f.mu.Lock()
	f.info.IsDownloaded = downloaded
	f.info.DownloadProgress = progress
	f.mu.Unlock()
}

// Equivalent reports whether two snapshots describe the same entry state,
// ignoring download progress.
func Equivalent(ai, bi FileInfo) bool {
	return ai.Path == bi.Path &&
		ai.IsDirectory == bi.IsDirectory &&
		ai.ModifiedTime.Equal(bi.ModifiedTime) &&
		ai.Size == bi.Size &&
		ai.Revision == bi.Revision
}
