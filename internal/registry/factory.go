package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"golang.org/x/oauth2"

	"github.com/fruitsalade/docsync/internal/storage"
	"github.com/fruitsalade/docsync/internal/storage/bookmark"
	"github.com/fruitsalade/docsync/internal/storage/cloud"
	"github.com/fruitsalade/docsync/internal/storage/device"
	"github.com/fruitsalade/docsync/internal/storage/dropbox"
	"github.com/fruitsalade/docsync/internal/storage/empty"
)

// Deps carries what backend construction needs beyond the per-backend
// config.
type Deps struct {
	// WorkDir is the parent of per-backend mirror, temp and cache dirs.
	WorkDir string
	// FileExtensions applies to backends whose config does not set any.
	FileExtensions []string
	// CacheMaxBytes bounds each Dropbox core content cache.
	CacheMaxBytes int64
	// RequestsPerSecond is the Dropbox API rate when the config has none.
	RequestsPerSecond float64
	// DropboxClient builds API clients; nil uses dropbox.NewClient.
	DropboxClient func(tok *oauth2.Token) dropbox.Client
	// DropboxOAuth renews expired Dropbox access tokens. Without it tokens
	// are used until they expire.
	DropboxOAuth *oauth2.Config
	// CloudAPI builds object APIs; nil connects with the config's
	// credentials.
	CloudAPI func(ctx context.Context, cfg cloud.Config) (cloud.ObjectAPI, error)
}

func (d Deps) dropboxClient(cfg dropbox.Config) dropbox.Client {
	tok := cfg.OAuthToken()
	if d.DropboxClient != nil {
		return d.DropboxClient(tok)
	}
	return dropbox.NewClient(context.Background(), d.DropboxOAuth, tok)
}

func (d Deps) exts(configured []string) []string {
	if len(configured) > 0 {
		return configured
	}
	return d.FileExtensions
}

// NewBackendFromConfig builds a backend of type typ from its JSON config.
func NewBackendFromConfig(ctx context.Context, typ string, raw json.RawMessage, deps Deps) (storage.Backend, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	switch typ {
	case device.Type:
		raw, err := withDefaultExtensions(raw, deps.FileExtensions)
		if err != nil {
			return nil, fmt.Errorf("parse device config: %w", err)
		}
		return device.NewFromJSON(raw)

	case bookmark.Type:
		raw, err := withDefaultExtensions(raw, deps.FileExtensions)
		if err != nil {
			return nil, fmt.Errorf("parse bookmark config: %w", err)
		}
		return bookmark.NewFromJSON(raw)

	case cloud.Type:
		var cfg cloud.Config
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse cloud config: %w", err)
		}
		cfg.FileExtensions = deps.exts(cfg.FileExtensions)
		if cfg.MirrorDir == "" {
			cfg.MirrorDir = filepath.Join(deps.WorkDir, "cloud", storage.EscapeKey(cfg.Bucket+"/"+cfg.Prefix))
		}
		if deps.CloudAPI != nil {
			api, err := deps.CloudAPI(ctx, cfg)
			if err != nil {
				return nil, err
			}
			return cloud.NewWithAPI(cfg, api)
		}
		return cloud.New(ctx, cfg)

	case dropbox.ClassicType, dropbox.CoreType:
		var cfg dropbox.Config
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse dropbox config: %w", err)
		}
		return newDropbox(typ, cfg, deps)

	case empty.Type:
		return empty.New(""), nil
	}
	return nil, fmt.Errorf("unknown backend type %q", typ)
}

func newDropbox(typ string, cfg dropbox.Config, deps Deps) (storage.Backend, error) {
	cfg.FileExtensions = deps.exts(cfg.FileExtensions)
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = deps.RequestsPerSecond
	}
	if cfg.WorkDir == "" {
		key := cfg.AccountID
		if key == "" {
			key = cfg.ID
		}
		cfg.WorkDir = filepath.Join(deps.WorkDir, "dropbox", storage.EscapeKey(key))
	}
	client := deps.dropboxClient(cfg)
	if typ == dropbox.ClassicType {
		return dropbox.NewClassic(cfg, client)
	}
	if cfg.CacheMaxBytes == 0 {
		cfg.CacheMaxBytes = deps.CacheMaxBytes
	}
	return dropbox.NewCore(cfg, client)
}

// withDefaultExtensions sets "file_extensions" in raw when it is absent.
func withDefaultExtensions(raw json.RawMessage, exts []string) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	if _, ok := fields["file_extensions"]; ok || len(exts) == 0 {
		return raw, nil
	}
	enc, err := json.Marshal(exts)
	if err != nil {
		return nil, err
	}
	fields["file_extensions"] = enc
	return json.Marshal(fields)
}
