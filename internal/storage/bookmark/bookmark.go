// Package bookmark provides a backend for a user-picked folder outside the
// application's own storage. The folder is served by the device backend.
package bookmark

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/fruitsalade/docsync/internal/storage"
	"github.com/fruitsalade/docsync/internal/storage/device"
)

// Type is the backend type name.
const Type = "bookmark"

// Config holds bookmark settings.
type Config struct {
	// ID is stable across runs once assigned; New assigns one when empty.
	ID             string   `json:"id"`
	Path           string   `json:"root"`
	Name           string   `json:"name"`
	FileExtensions []string `json:"file_extensions"`
	Watch          bool     `json:"watch"`
}

// Backend wraps a device backend at the bookmarked folder.
type Backend struct {
	*device.Backend
	config Config
}

// NewID returns a fresh bookmark backend id.
func NewID() string {
	return Type + ":" + uuid.NewString()
}

// New creates a bookmark backend.
func New(cfg Config) (*Backend, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("root is required")
	}
	if cfg.ID == "" {
		cfg.ID = NewID()
	}
	if cfg.Name == "" {
		cfg.Name = filepath.Base(cfg.Path)
	}

	db, err := device.New(device.Config{
		ID:               cfg.ID,
		RootPath:         cfg.Path,
		Description:      cfg.Name,
		ShortDescription: cfg.Name,
		FileExtensions:   cfg.FileExtensions,
		Watch:            cfg.Watch,
	})
	if err != nil {
		return nil, fmt.Errorf("bookmark at %s: %w", cfg.Path, err)
	}
	return &Backend{Backend: db, config: cfg}, nil
}

// NewFromJSON creates a bookmark Backend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*Backend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse bookmark config: %w", err)
	}
	return New(cfg)
}

// Info reports the bookmark type on top of the device description.
func (b *Backend) Info() storage.Info {
	info := b.Backend.Info()
	info.Type = Type
	return info
}

// Status reports a bookmark-specific reason when the folder is gone.
func (b *Backend) Status() storage.Status {
	st := b.Backend.Status()
	if !st.Available && st.AvailabilityReason != "" {
		st.AvailabilityReason = fmt.Sprintf("The folder %q can no longer be found. %s", b.config.Name, st.AvailabilityReason)
	}
	return st
}

// Config returns the persisted form of the bookmark.
func (b *Backend) Config() Config {
	cfg := b.config
	cfg.Path = b.Root()
	return cfg
}
