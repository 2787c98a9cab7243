// Package document manages the lifecycle of documents stored on a backend:
// creating them under a free name, opening them through a local access
// scope, closing them with write-back, renaming and duplicating.
package document

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/docsync/internal/logging"
	"github.com/fruitsalade/docsync/internal/storage"
)

// SaveMode tells a Document whether the target file exists yet.
type SaveMode int

const (
	SaveForCreating SaveMode = iota
	SaveForOverwriting
)

func (m SaveMode) String() string {
	if m == SaveForCreating {
		return "creating"
	}
	return "overwriting"
}

// Document is the in-memory form of a file, supplied by the application.
type Document interface {
	// Open loads the document from its local path.
	Open(ctx context.Context) error
	Save(ctx context.Context, path string, mode SaveMode) error
	// Close flushes and releases the document.
	Close(ctx context.Context) error
}

// ErrOpen is returned by operations that cannot run while the document is
// open, since later saves would still target the old location.
var ErrOpen = errors.New("document is open")

// Factory builds a Document for a local file path.
type Factory func(localPath string) (Document, error)

// State is the lifecycle state of a Reference.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateClosing
)

var stateNames = [...]string{"closed", "opening", "open", "closing"}

func (s State) String() string { return stateNames[s] }

// Reference ties a file on a backend to its open Document, if any.
type Reference struct {
	backend storage.Backend
	factory Factory

	mu    sync.Mutex
	file  *storage.FileHandle
	isNew bool
	state State
	doc   Document
	scope storage.LocalAccess
}

// Wrap creates a closed reference to an existing file.
func Wrap(f *storage.FileHandle, backend storage.Backend, factory Factory) *Reference {
	return &Reference{file: f, backend: backend, factory: factory}
}

// New creates baseName+ext in dir, appending " 2", " 3", ... to the base name
// until the path is free, and returns a reference to the new file. Backends
// that are not writable are refused with storage.ErrReadOnly.
func New(ctx context.Context, dir, baseName, ext string, backend storage.Backend, factory Factory, contents []byte) (*Reference, error) {
	if !backend.Info().Writable {
		return nil, storage.Errorf(backend.ID(), "create", storage.Clean(dir), storage.ErrReadOnly)
	}
	name := FreeName(ctx, backend, dir, baseName, ext)
	f, err := backend.CreateFile(ctx, storage.Join(dir, name), contents)
	if err != nil {
		return nil, err
	}
	logging.Debug("created document",
		zap.String("backend_id", backend.ID()),
		zap.String("path", f.Path()))
	ref := Wrap(f, backend, factory)
	ref.isNew = true
	return ref, nil
}

// FreeName returns the first of "base.ext", "base 2.ext", "base 3.ext", ...
// that does not exist in dir.
func FreeName(ctx context.Context, backend storage.Backend, dir, baseName, ext string) string {
	name := baseName + ext
	for n := 2; backend.FileExists(ctx, storage.Join(dir, name)); n++ {
		name = fmt.Sprintf("%s %d%s", baseName, n, ext)
	}
	return name
}

// File returns the file handle.
func (r *Reference) File() *storage.FileHandle { return r.file }

// Backend returns the backend holding the file.
func (r *Reference) Backend() storage.Backend { return r.backend }

// Name returns the file name without its extension.
func (r *Reference) Name() string {
	name := r.file.Name()
	return strings.TrimSuffix(name, storage.Ext(name))
}

// IsNew reports whether the reference was made by New and not yet closed.
func (r *Reference) IsNew() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isNew
}

// State returns the lifecycle state.
func (r *Reference) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// IsOpen reports whether a Document is open.
func (r *Reference) IsOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc != nil
}

// Document returns the open document, or nil.
func (r *Reference) Document() Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc
}

// Open materializes the file locally and opens a Document on it. A file that
// is not on disk yet is saved for creating instead of loaded. Opening an open
// reference is a programming error and panics.
func (r *Reference) Open(ctx context.Context) (err error) {
	r.mu.Lock()
	if r.state != StateClosed {
		r.mu.Unlock()
		panic(fmt.Sprintf("document: Open on %s reference %s", r.state, r.file.Path()))
	}
	r.state = StateOpening
	r.mu.Unlock()

	defer func() {
		if err != nil {
			r.mu.Lock()
			r.state = StateClosed
			r.mu.Unlock()
		}
	}()

	scope, err := r.backend.BeginLocalAccess(ctx, r.file)
	if err != nil {
		return err
	}
	doc, err := r.load(ctx, scope.LocalPath())
	if err != nil {
		if endErr := scope.End(ctx); endErr != nil {
			logging.Warn("end local access after failed open",
				zap.String("path", r.file.Path()), zap.Error(endErr))
		}
		return err
	}

	r.mu.Lock()
	r.doc = doc
	r.scope = scope
	r.state = StateOpen
	r.mu.Unlock()
	return nil
}

func (r *Reference) load(ctx context.Context, local string) (Document, error) {
	doc, err := r.factory(local)
	if err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	if _, statErr := os.Stat(local); errors.Is(statErr, os.ErrNotExist) {
		err = doc.Save(ctx, local, SaveForCreating)
	} else {
		err = doc.Open(ctx)
	}
	if err != nil {
		if cerr := doc.Close(ctx); cerr != nil {
			logging.Debug("close discarded document", zap.Error(cerr))
		}
		return nil, fmt.Errorf("open %s: %w", r.file.Name(), err)
	}
	return doc, nil
}

// Close closes the Document and then ends the local access scope, which
// writes edits back. Failures are logged, never returned, so a backend
// outage cannot keep a document open. Closing a closed reference panics.
func (r *Reference) Close(ctx context.Context) {
	r.mu.Lock()
	if r.state != StateOpen {
		r.mu.Unlock()
		panic(fmt.Sprintf("document: Close on %s reference %s", r.state, r.file.Path()))
	}
	r.state = StateClosing
	doc, scope := r.doc, r.scope
	r.mu.Unlock()

	log := logging.Named("document", logging.BackendID(r.backend.ID()), logging.Path(r.file.Path()))
	if err := doc.Close(ctx); err != nil {
		log.Error("close document", zap.Error(err))
	}
	if err := scope.End(ctx); err != nil {
		log.Error("write back document", zap.String("reason", storage.Message(err)), zap.Error(err))
	}

	r.mu.Lock()
	r.doc = nil
	r.scope = nil
	r.isNew = false
	r.state = StateClosed
	r.mu.Unlock()
}

// Rename gives the file a new base name, keeping its extension. The handle
// is updated in place. Only closed references can be renamed; the reference
// stays locked so it cannot be opened halfway through.
func (r *Reference) Rename(ctx context.Context, newName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateClosed {
		return fmt.Errorf("rename %s: %w", r.file.Name(), ErrOpen)
	}
	ext := storage.Ext(r.file.Name())
	newName = strings.TrimSpace(strings.TrimSuffix(newName, ext))
	if newName == "" || strings.ContainsAny(newName, `/\`) {
		return fmt.Errorf("invalid name %q", newName)
	}
	if !storage.Rename(ctx, r.backend, r.file, newName+ext) {
		return fmt.Errorf("could not rename %s to %s", r.file.Name(), newName+ext)
	}
	return nil
}

// Duplicate copies the file next to the original under a "Name Copy" name on
// target, or on the same backend when target is nil.
func (r *Reference) Duplicate(ctx context.Context, target storage.Backend) (*Reference, error) {
	if target == nil {
		target = r.backend
	}
	data, err := r.contents(ctx)
	if err != nil {
		return nil, err
	}
	ext := storage.Ext(r.file.Name())
	return New(ctx, storage.Dir(r.file.Path()), CopyBaseName(r.Name()), ext, target, r.factory, data)
}

// contents reads the current bytes, through the open scope if there is one
// and through a short-lived scope otherwise.
func (r *Reference) contents(ctx context.Context) ([]byte, error) {
	r.mu.Lock()
	scope := r.scope
	r.mu.Unlock()
	if scope != nil {
		return os.ReadFile(scope.LocalPath())
	}

	scope, err := r.backend.BeginLocalAccess(ctx, r.file)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := scope.End(ctx); err != nil {
			logging.Warn("end local access", zap.String("path", r.file.Path()), zap.Error(err))
		}
	}()
	data, err := os.ReadFile(scope.LocalPath())
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", r.file.Name(), err)
	}
	return data, nil
}

var copySuffix = regexp.MustCompile(`^(.*) Copy( \d+)?$`)

// CopyBaseName returns "<name> Copy", without stacking: copies of copies get
// the same base name and are told apart by New's numbering.
func CopyBaseName(name string) string {
	if m := copySuffix.FindStringSubmatch(name); m != nil {
		return m[1] + " Copy"
	}
	return name + " Copy"
}

// ModifiedAgo describes how long before now the file was modified.
func (r *Reference) ModifiedAgo(now time.Time) string {
	return Ago(r.file.ModifiedTime(), now)
}

// Ago renders the distance from t to now in words.
func Ago(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case t.IsZero():
		return ""
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return plural(int(d/time.Minute), "minute") + " ago"
	case d < 24*time.Hour:
		return plural(int(d/time.Hour), "hour") + " ago"
	case d < 48*time.Hour:
		return "yesterday"
	case d < 30*24*time.Hour:
		return plural(int(d/(24*time.Hour)), "day") + " ago"
	}
	if t.Year() == now.Year() {
		return t.Format("Jan 2")
	}
	return t.Format("Jan 2, 2006")
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
