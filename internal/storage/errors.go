package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a path does not exist on the backend.
	ErrNotFound = errors.New("file not found")
	// ErrUnavailable is returned when the backend cannot serve requests.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrReadOnly is returned by write operations on read-only backends.
	ErrReadOnly = errors.New("backend is read-only")
	// ErrConflict is returned when a revision-guarded write was rejected.
	ErrConflict = errors.New("remote revision changed")
	// ErrQueryRestarted fails waiters of a metadata query that was replaced.
	ErrQueryRestarted = errors.New("metadata query restarted")
	// ErrClosed is returned after a backend or scope has been closed.
	ErrClosed = errors.New("closed")
)

// Error describes a failed content operation on a backend.
type Error struct {
	Backend string
	Op      string
	Path    string
	Err     error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf wraps err as a backend Error. A nil err yields nil.
func Errorf(backend, op, path string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) && se.Backend == backend && se.Path == path {
		return err
	}
	return &Error{Backend: backend, Op: op, Path: path, Err: err}
}

// Message returns the human-readable text to show for err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return "The file no longer exists."
	case errors.Is(err, ErrUnavailable):
		return "The storage location is not available right now."
	case errors.Is(err, ErrReadOnly):
		return "The storage location is read-only."
	case errors.Is(err, ErrConflict):
		return "The file was changed elsewhere while it was being saved."
	}
	return err.Error()
}

// IsNotFound reports whether err means the path does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
