package document

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// TextDocument is a plain-text Document held in memory between Open and
// Close.
type TextDocument struct {
	path string

	mu    sync.Mutex
	text  string
	dirty bool
}

// NewTextDocument is a Factory for plain-text documents.
func NewTextDocument(localPath string) (Document, error) {
	return &TextDocument{path: localPath}, nil
}

// TextFactory returns a Factory whose new documents start with initial text
// when saved for creating.
func TextFactory(initial string) Factory {
	return func(localPath string) (Document, error) {
		return &TextDocument{path: localPath, text: initial}, nil
	}
}

func (d *TextDocument) Open(context.Context) error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.text = string(data)
	d.dirty = false
	return nil
}

// Save writes the text to path.
func (d *TextDocument) Save(_ context.Context, path string, mode SaveMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if mode == SaveForOverwriting {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("save for overwriting: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(d.text), 0644); err != nil {
		return err
	}
	d.dirty = false
	return nil
}

// Close saves pending edits.
func (d *TextDocument) Close(ctx context.Context) error {
	d.mu.Lock()
	dirty := d.dirty
	d.mu.Unlock()
	if !dirty {
		return nil
	}
	return d.Save(ctx, d.path, SaveForOverwriting)
}

// Text returns the current text.
func (d *TextDocument) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text
}

// SetText replaces the text; it is saved on Close.
func (d *TextDocument) SetText(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.text = text
	d.dirty = true
}
