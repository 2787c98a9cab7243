// Package registry tracks the providers and backends known to the process
// and which backend is active.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/docsync/internal/logging"
	"github.com/fruitsalade/docsync/internal/metrics"
	"github.com/fruitsalade/docsync/internal/settings"
	"github.com/fruitsalade/docsync/internal/storage"
	"github.com/fruitsalade/docsync/internal/storage/empty"
)

// Settings keys.
const (
	activeKey        = "backend.active"
	workingDirPrefix = "backend.workdir:"
)

// ErrUnknownBackend is returned for ids that are not registered.
var ErrUnknownBackend = errors.New("unknown backend")

// Listing is the result of listing the active backend. Generation
// identifies which activation the listing was made against.
type Listing struct {
	Backend    storage.Backend
	Generation uint64
	Dir        string
	Files      []*storage.FileHandle
}

// Registry owns the registered providers and backends and the active
// backend pointer. Mutations notify subscribers, as do change notifications
// from the active backend.
type Registry struct {
	store       settings.Store
	syncTimeout time.Duration
	fallback    storage.Backend
	notifier    *storage.Notifier
	log         *zap.Logger

	mu         sync.RWMutex
	providers  []Provider
	backends   []storage.Backend
	owner      map[string]Provider
	active     storage.Backend
	generation uint64
	forward    *storage.Subscription
	closed     bool
}

// New creates an empty registry. syncTimeout bounds how long ListActive
// waits for a syncing backend.
func New(store settings.Store, syncTimeout time.Duration) *Registry {
	return &Registry{
		store:       store,
		syncTimeout: syncTimeout,
		fallback:    empty.New(""),
		notifier:    storage.NewNotifier(),
		log:         logging.Named("registry"),
		owner:       make(map[string]Provider),
	}
}

// RegisterProvider adds p. Call Refresh to pick up its backends.
func (r *Registry) RegisterProvider(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, p)
}

// Providers returns the registered providers.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Provider(nil), r.providers...)
}

// Refresh asks every provider for its backends. Instances already registered
// under the same id are kept; backends no provider reports any more are
// closed. A failing provider keeps its previous backends.
func (r *Registry) Refresh(ctx context.Context) error {
	r.mu.RLock()
	providers := append([]Provider(nil), r.providers...)
	r.mu.RUnlock()

	type result struct {
		provider Provider
		backends []storage.Backend
		err      error
	}
	results := make([]result, len(providers))
	var errs []error
	for i, p := range providers {
		bs, err := p.Backends(ctx)
		results[i] = result{provider: p, backends: bs, err: err}
		if err != nil {
			r.log.Warn("provider refresh failed", zap.String("provider", p.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}

	r.mu.Lock()
	failed := make(map[Provider]bool)
	seen := make(map[string]bool)
	var next []storage.Backend
	for _, res := range results {
		if res.err != nil {
			failed[res.provider] = true
			continue
		}
		for _, b := range res.backends {
			if seen[b.ID()] {
				continue
			}
			seen[b.ID()] = true
			next = append(next, b)
			r.owner[b.ID()] = res.provider
		}
	}
	var removed []storage.Backend
	for _, b := range r.backends {
		if seen[b.ID()] {
			continue
		}
		if p := r.owner[b.ID()]; p == nil || failed[p] {
			// Backends added directly, or from a provider that failed this
			// round, stay registered.
			seen[b.ID()] = true
			next = append(next, b)
			continue
		}
		removed = append(removed, b)
		delete(r.owner, b.ID())
	}
	r.backends = next
	activeRemoved := r.active != nil && !seen[r.active.ID()]
	count := len(r.backends)
	r.mu.Unlock()

	metrics.SetRegisteredBackends(count)
	for _, b := range removed {
		r.log.Info("backend went away", zap.String("backend_id", b.ID()))
		b.Close()
	}
	if activeRemoved {
		r.activateFirst(ctx)
	}
	r.notifier.Notify()
	return errors.Join(errs...)
}

// Backends returns the registered backends in registration order.
func (r *Registry) Backends() []storage.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]storage.Backend(nil), r.backends...)
}

// Backend returns the backend registered under id.
func (r *Registry) Backend(id string) (storage.Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupLocked(id)
}

func (r *Registry) lookupLocked(id string) (storage.Backend, bool) {
	for _, b := range r.backends {
		if b.ID() == id {
			return b, true
		}
	}
	return nil, false
}

// AddBackend registers b. A backend already registered under the same id is
// replaced and closed; if it was active, b becomes active in its place.
func (r *Registry) AddBackend(ctx context.Context, b storage.Backend) {
	r.mu.Lock()
	var replaced storage.Backend
	for i, old := range r.backends {
		if old.ID() == b.ID() {
			if old != b {
				replaced = old
				r.backends[i] = b
			}
			break
		}
	}
	if replaced == nil {
		if _, ok := r.lookupLocked(b.ID()); !ok {
			r.backends = append(r.backends, b)
		}
	}
	wasActive := replaced != nil && r.active == replaced
	count := len(r.backends)
	r.mu.Unlock()

	metrics.SetRegisteredBackends(count)
	if replaced != nil {
		replaced.Close()
	}
	if wasActive {
		if err := r.SetActive(ctx, b.ID()); err != nil {
			r.log.Warn("reactivate replaced backend", zap.String("backend_id", b.ID()), zap.Error(err))
		}
	}
	r.notifier.Notify()
}

// Link runs p's add flow and registers whatever it yields.
func (r *Registry) Link(ctx context.Context, p Provider, host HostContext) ([]storage.Backend, error) {
	flow, ok := p.(AddFlow)
	if !ok || !p.CanAddBackend() {
		return nil, fmt.Errorf("%s cannot add backends", p.Name())
	}
	added, err := flow.ShowAddFlow(ctx, host)
	if err != nil {
		return nil, err
	}
	for _, b := range added {
		r.mu.Lock()
		r.owner[b.ID()] = p
		r.mu.Unlock()
		r.AddBackend(ctx, b)
	}
	return added, nil
}

// RemoveBackend unregisters and closes the backend with id, forgetting it in
// its provider and dropping its saved working directory. Removing the
// active backend activates another one.
func (r *Registry) RemoveBackend(ctx context.Context, id string) error {
	r.mu.Lock()
	var b storage.Backend
	for i, cand := range r.backends {
		if cand.ID() == id {
			b = cand
			r.backends = append(r.backends[:i], r.backends[i+1:]...)
			break
		}
	}
	if b == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownBackend, id)
	}
	owner := r.owner[id]
	delete(r.owner, id)
	wasActive := r.active == b
	count := len(r.backends)
	r.mu.Unlock()

	metrics.SetRegisteredBackends(count)
	if f, ok := owner.(Forgetter); ok {
		if err := f.Forget(ctx, id); err != nil {
			r.log.Warn("provider forget failed", zap.String("backend_id", id), zap.Error(err))
		}
	}
	if err := r.store.Delete(ctx, workingDirPrefix+id); err != nil {
		r.log.Warn("delete working directory", zap.String("backend_id", id), zap.Error(err))
	}
	if wasActive {
		r.activateFirst(ctx)
	}
	if err := b.Close(); err != nil {
		r.log.Warn("close backend", zap.String("backend_id", id), zap.Error(err))
	}
	r.notifier.Notify()
	return nil
}

// Active returns the active backend, or the empty placeholder when none is.
func (r *Registry) Active() storage.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == nil {
		return r.fallback
	}
	return r.active
}

// SetActive initializes the backend with id, makes it active and remembers
// the choice.
func (r *Registry) SetActive(ctx context.Context, id string) error {
	b, ok := r.Backend(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBackend, id)
	}
	if err := b.Initialize(ctx); err != nil {
		return err
	}
	r.activate(b)
	if err := r.store.Set(ctx, activeKey, id); err != nil {
		r.log.Warn("save active backend", zap.Error(err))
	}
	return nil
}

// activate swaps the active pointer and re-routes change notifications.
// b may be nil for "none".
func (r *Registry) activate(b storage.Backend) {
	var sub *storage.Subscription
	if b != nil {
		sub = b.Subscribe()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		if sub != nil {
			sub.Unsubscribe()
		}
		return
	}
	old := r.forward
	r.active = b
	r.forward = sub
	r.generation++
	r.mu.Unlock()

	if old != nil {
		old.Unsubscribe()
	}
	if sub != nil {
		go r.relay(sub)
	}
	id := empty.ID
	if b != nil {
		id = b.ID()
	}
	metrics.RecordActiveBackendSwitch()
	r.log.Info("active backend changed", zap.String("backend_id", id))
	r.notifier.Notify()
}

// relay forwards the active backend's notifications until sub is cancelled.
func (r *Registry) relay(sub *storage.Subscription) {
	for range sub.C() {
		r.notifier.Notify()
	}
}

// activateFirst activates the first backend that initializes and reports
// itself available, or none. The choice is not saved.
func (r *Registry) activateFirst(ctx context.Context) {
	for _, b := range r.Backends() {
		if err := b.Initialize(ctx); err != nil {
			r.log.Debug("skipping backend", zap.String("backend_id", b.ID()), zap.Error(err))
			continue
		}
		if b.Status().Available {
			r.activate(b)
			return
		}
	}
	r.activate(nil)
}

// RestoreActive activates the backend that was active last time, falling
// back to the first available one.
func (r *Registry) RestoreActive(ctx context.Context) storage.Backend {
	id, ok, err := r.store.Get(ctx, activeKey)
	if err != nil {
		r.log.Warn("read active backend", zap.Error(err))
	}
	if ok {
		err := r.SetActive(ctx, id)
		if err == nil {
			return r.Active()
		}
		r.log.Info("last active backend not usable", zap.String("backend_id", id), zap.Error(err))
	}
	r.activateFirst(ctx)
	return r.Active()
}

// WorkingDirectory returns the saved directory for the active backend, "/"
// when none was saved.
func (r *Registry) WorkingDirectory(ctx context.Context) string {
	dir, ok, err := r.store.Get(ctx, workingDirPrefix+r.Active().ID())
	if err != nil || !ok || dir == "" {
		return "/"
	}
	return storage.Clean(dir)
}

// SetWorkingDirectory saves dir for the active backend.
func (r *Registry) SetWorkingDirectory(ctx context.Context, dir string) error {
	return r.store.Set(ctx, workingDirPrefix+r.Active().ID(), storage.Clean(dir))
}

// ListActive lists dir on the active backend. The listing records which
// backend and activation it came from so callers can drop it with IsCurrent
// if the active backend changed meanwhile. Syncing backends get up to the
// sync timeout to settle first.
func (r *Registry) ListActive(ctx context.Context, dir string) (Listing, error) {
	r.mu.RLock()
	b, gen := r.active, r.generation
	r.mu.RUnlock()
	if b == nil {
		b = r.fallback
	}

	l := Listing{Backend: b, Generation: gen, Dir: storage.Clean(dir)}
	if !storage.SyncWithTimeout(ctx, b, r.syncTimeout) {
		r.log.Debug("listing before sync completed", zap.String("backend_id", b.ID()))
	}
	files, err := b.ListFiles(ctx, l.Dir)
	if err != nil {
		return l, err
	}
	l.Files = files
	return l, nil
}

// IsCurrent reports whether l was made against the current activation.
func (r *Registry) IsCurrent(l Listing) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return l.Generation == r.generation
}

// Subscribe registers for registry changes, including changes reported by
// the active backend.
func (r *Registry) Subscribe() *storage.Subscription {
	return r.notifier.Subscribe()
}

// Close closes every backend and subscription.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	backends := r.backends
	r.backends = nil
	fwd := r.forward
	r.forward = nil
	r.active = nil
	r.mu.Unlock()

	if fwd != nil {
		fwd.Unsubscribe()
	}
	var errs []error
	for _, b := range backends {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", b.ID(), err))
		}
	}
	r.fallback.Close()
	r.notifier.Close()
	return errors.Join(errs...)
}
