package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/docsync/internal/config"
	"github.com/fruitsalade/docsync/internal/logging"
	"github.com/fruitsalade/docsync/internal/settings"
	"github.com/fruitsalade/docsync/internal/storage"
	"github.com/fruitsalade/docsync/internal/storage/bookmark"
	"github.com/fruitsalade/docsync/internal/storage/cloud"
	"github.com/fruitsalade/docsync/internal/storage/device"
)

// DeviceID is the id of the backend serving the documents directory.
const DeviceID = "device"

// DeviceProvider serves the application's documents directory.
type DeviceProvider struct {
	dir  string
	exts []string

	once    sync.Once
	backend storage.Backend
	err     error
}

// NewDeviceProvider creates a provider for dir.
func NewDeviceProvider(dir string, exts []string) *DeviceProvider {
	return &DeviceProvider{dir: dir, exts: exts}
}

func (p *DeviceProvider) Name() string        { return "On My Device" }
func (p *DeviceProvider) CanAddBackend() bool { return false }

func (p *DeviceProvider) Backends(context.Context) ([]storage.Backend, error) {
	p.once.Do(func() {
		p.backend, p.err = device.New(device.Config{
			ID:             DeviceID,
			RootPath:       p.dir,
			CreateDirs:     true,
			FileExtensions: p.exts,
			Watch:          true,
			JustForApp:     true,
		})
	})
	if p.err != nil {
		return nil, p.err
	}
	return []storage.Backend{p.backend}, nil
}

// CloudProvider exposes the cloud folder configured in the environment.
type CloudProvider struct {
	cfg  *config.Config
	deps Deps

	mu      sync.Mutex
	backend storage.Backend
}

// NewCloudProvider creates a provider for the configured cloud folder.
func NewCloudProvider(cfg *config.Config, deps Deps) *CloudProvider {
	return &CloudProvider{cfg: cfg, deps: deps}
}

func (p *CloudProvider) Name() string        { return "Cloud Folder" }
func (p *CloudProvider) CanAddBackend() bool { return false }

func (p *CloudProvider) Backends(ctx context.Context) ([]storage.Backend, error) {
	if !p.cfg.CloudConfigured() {
		return nil, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.backend == nil {
		raw, err := json.Marshal(cloud.Config{
			Endpoint:     p.cfg.CloudEndpoint,
			Bucket:       p.cfg.CloudBucket,
			Region:       p.cfg.CloudRegion,
			AccessKey:    p.cfg.CloudAccessKey,
			SecretKey:    p.cfg.CloudSecretKey,
			Prefix:       p.cfg.CloudPrefix,
			UsePathStyle: p.cfg.CloudPathStyle,
			PollInterval: p.cfg.CloudPollInterval,
		})
		if err != nil {
			return nil, err
		}
		b, err := NewBackendFromConfig(ctx, cloud.Type, raw, p.deps)
		if err != nil {
			return nil, fmt.Errorf("cloud folder: %w", err)
		}
		p.backend = b
	}
	return []storage.Backend{p.backend}, nil
}

// StaticProvider serves backends listed in a backends file.
type StaticProvider struct {
	specs []config.BackendSpec
	deps  Deps

	mu       sync.Mutex
	backends map[string]storage.Backend
}

// NewStaticProvider creates a provider for specs.
func NewStaticProvider(specs []config.BackendSpec, deps Deps) *StaticProvider {
	return &StaticProvider{specs: specs, deps: deps, backends: make(map[string]storage.Backend)}
}

func (p *StaticProvider) Name() string        { return "Configured" }
func (p *StaticProvider) CanAddBackend() bool { return false }

// Backends builds each configured backend once. An entry that fails to build
// is logged and skipped so one bad entry does not hide the others.
func (p *StaticProvider) Backends(ctx context.Context) ([]storage.Backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []storage.Backend
	for _, spec := range p.specs {
		b, ok := p.backends[spec.ID]
		if !ok {
			raw, err := withID(spec.Config, spec.ID)
			if err == nil {
				b, err = NewBackendFromConfig(ctx, spec.Type, raw, p.deps)
			}
			if err != nil {
				logging.Warn("skipping configured backend",
					zap.String("backend_id", spec.ID),
					zap.String("type", spec.Type),
					zap.Error(err))
				continue
			}
			p.backends[spec.ID] = b
		}
		out = append(out, b)
	}
	return out, nil
}

// withID sets "id" in raw so the built backend carries the entry's id.
func withID(raw json.RawMessage, id string) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
	}
	enc, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	fields["id"] = enc
	return json.Marshal(fields)
}

const bookmarksKey = "bookmarks"

// BookmarkProvider serves folders the user picked. The list of folders is
// kept in the settings store.
type BookmarkProvider struct {
	store settings.Store
	exts  []string

	mu       sync.Mutex
	backends map[string]*bookmark.Backend
}

// NewBookmarkProvider creates a provider persisting to store.
func NewBookmarkProvider(store settings.Store, exts []string) *BookmarkProvider {
	return &BookmarkProvider{store: store, exts: exts, backends: make(map[string]*bookmark.Backend)}
}

func (p *BookmarkProvider) Name() string        { return "Folders" }
func (p *BookmarkProvider) CanAddBackend() bool { return true }

func (p *BookmarkProvider) load(ctx context.Context) ([]bookmark.Config, error) {
	raw, ok, err := p.store.Get(ctx, bookmarksKey)
	if err != nil || !ok {
		return nil, err
	}
	var cfgs []bookmark.Config
	if err := json.Unmarshal([]byte(raw), &cfgs); err != nil {
		return nil, fmt.Errorf("parse bookmarks: %w", err)
	}
	return cfgs, nil
}

func (p *BookmarkProvider) save(ctx context.Context, cfgs []bookmark.Config) error {
	raw, err := json.Marshal(cfgs)
	if err != nil {
		return err
	}
	return p.store.Set(ctx, bookmarksKey, string(raw))
}

func (p *BookmarkProvider) Backends(ctx context.Context) ([]storage.Backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cfgs, err := p.load(ctx)
	if err != nil {
		return nil, err
	}
	var out []storage.Backend
	for _, cfg := range cfgs {
		b, ok := p.backends[cfg.ID]
		if !ok {
			if len(cfg.FileExtensions) == 0 {
				cfg.FileExtensions = p.exts
			}
			b, err = bookmark.New(cfg)
			if err != nil {
				logging.Warn("skipping bookmark", zap.String("backend_id", cfg.ID), zap.Error(err))
				continue
			}
			p.backends[cfg.ID] = b
		}
		out = append(out, b)
	}
	return out, nil
}

// ShowAddFlow asks the host for a folder and bookmarks it.
func (p *BookmarkProvider) ShowAddFlow(ctx context.Context, host HostContext) ([]storage.Backend, error) {
	dir, err := host.PickDirectory(ctx)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return nil, nil
	}
	b, err := bookmark.New(bookmark.Config{Path: dir, FileExtensions: p.exts, Watch: true})
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	cfgs, err := p.load(ctx)
	if err != nil {
		return nil, err
	}
	cfg := b.Config()
	cfg.FileExtensions = nil
	if err := p.save(ctx, append(cfgs, cfg)); err != nil {
		return nil, fmt.Errorf("save bookmark: %w", err)
	}
	p.backends[b.ID()] = b
	return []storage.Backend{b}, nil
}

// Forget drops the bookmark with id.
func (p *BookmarkProvider) Forget(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfgs, err := p.load(ctx)
	if err != nil {
		return err
	}
	kept := cfgs[:0]
	for _, cfg := range cfgs {
		if cfg.ID != id {
			kept = append(kept, cfg)
		}
	}
	delete(p.backends, id)
	return p.save(ctx, kept)
}
