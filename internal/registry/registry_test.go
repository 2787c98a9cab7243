package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/fruitsalade/docsync/internal/config"
	"github.com/fruitsalade/docsync/internal/logging"
	"github.com/fruitsalade/docsync/internal/settings"
	"github.com/fruitsalade/docsync/internal/storage"
	"github.com/fruitsalade/docsync/internal/storage/device"
	"github.com/fruitsalade/docsync/internal/storage/dropbox"
	"github.com/fruitsalade/docsync/internal/storage/empty"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

// staticProvider returns a fixed, mutable set of backends.
type staticProvider struct {
	name     string
	backends []storage.Backend
	err      error
	forgot   []string
}

func (p *staticProvider) Name() string        { return p.name }
func (p *staticProvider) CanAddBackend() bool { return false }
func (p *staticProvider) Backends(context.Context) ([]storage.Backend, error) {
	return p.backends, p.err
}
func (p *staticProvider) Forget(_ context.Context, id string) error {
	p.forgot = append(p.forgot, id)
	return nil
}

// refreshCounter is a device backend that counts Refresh calls.
type refreshCounter struct {
	*device.Backend
	n atomic.Int32
}

func (b *refreshCounter) Refresh(context.Context) error {
	b.n.Add(1)
	return nil
}

type fakeHost struct {
	dir    string
	code   string
	opened []string
}

func (h *fakeHost) PickDirectory(context.Context) (string, error) { return h.dir, nil }
func (h *fakeHost) OpenURL(_ context.Context, url string) error {
	h.opened = append(h.opened, url)
	return nil
}
func (h *fakeHost) Prompt(context.Context, string) (string, error) { return h.code, nil }

// nopClient satisfies dropbox.Client for backends that are built but never
// called.
type nopClient struct{ dropbox.Client }

func newDevice(t *testing.T, id string) *device.Backend {
	t.Helper()
	b, err := device.New(device.Config{ID: id, RootPath: t.TempDir()})
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}
	return b
}

func newRegistry(t *testing.T, store settings.Store, providers ...Provider) *Registry {
	t.Helper()
	r := New(store, 100*time.Millisecond)
	for _, p := range providers {
		r.RegisterProvider(p)
	}
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestFallsBackToEmptyBackend(t *testing.T) {
	r := newRegistry(t, settings.NewMemoryStore())
	if got := r.RestoreActive(context.Background()); got.ID() != empty.ID {
		t.Fatalf("active = %s, want empty", got.ID())
	}
	l, err := r.ListActive(context.Background(), "/")
	if err != nil || len(l.Files) != 0 {
		t.Errorf("ListActive = %v, %v", l.Files, err)
	}
	if r.Active().Status().Available {
		t.Error("empty backend reports available")
	}
}

func TestSetActivePersistsAndRestores(t *testing.T) {
	ctx := context.Background()
	store := settings.NewMemoryStore()
	p := &staticProvider{name: "devices", backends: []storage.Backend{newDevice(t, "a"), newDevice(t, "b")}}
	r := newRegistry(t, store, p)

	if err := r.SetActive(ctx, "b"); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if err := r.SetActive(ctx, "nope"); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("SetActive(nope) = %v", err)
	}

	r2 := New(store, time.Second)
	r2.RegisterProvider(p)
	r2.Refresh(ctx)
	if got := r2.RestoreActive(ctx); got.ID() != "b" {
		t.Errorf("restored %s, want b", got.ID())
	}
}

func TestRestoreActiveFallsBackToFirstBackend(t *testing.T) {
	ctx := context.Background()
	store := settings.NewMemoryStore()
	store.Set(ctx, activeKey, "gone")
	r := newRegistry(t, store, &staticProvider{name: "devices", backends: []storage.Backend{newDevice(t, "a")}})
	if got := r.RestoreActive(ctx); got.ID() != "a" {
		t.Errorf("active = %s, want a", got.ID())
	}
}

func TestRefreshKeepsInstancesAndDropsVanished(t *testing.T) {
	ctx := context.Background()
	a, b := newDevice(t, "a"), newDevice(t, "b")
	p := &staticProvider{name: "devices", backends: []storage.Backend{a, b}}
	r := newRegistry(t, settings.NewMemoryStore(), p)
	r.SetActive(ctx, "b")

	p.backends = []storage.Backend{a}
	if err := r.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	got, ok := r.Backend("a")
	if !ok || got != storage.Backend(a) {
		t.Error("instance for a was replaced")
	}
	if _, ok := r.Backend("b"); ok {
		t.Error("b still registered")
	}
	if r.Active().ID() != "a" {
		t.Errorf("active = %s, want a after b vanished", r.Active().ID())
	}
}

func TestRefreshKeepsBackendsOfFailingProvider(t *testing.T) {
	ctx := context.Background()
	p := &staticProvider{name: "devices", backends: []storage.Backend{newDevice(t, "a")}}
	r := newRegistry(t, settings.NewMemoryStore(), p)

	p.err = errors.New("offline")
	if err := r.Refresh(ctx); err == nil {
		t.Fatal("expected provider error")
	}
	if _, ok := r.Backend("a"); !ok {
		t.Error("backend dropped because its provider failed")
	}
}

func TestRemoveBackend(t *testing.T) {
	ctx := context.Background()
	store := settings.NewMemoryStore()
	p := &staticProvider{name: "devices", backends: []storage.Backend{newDevice(t, "a"), newDevice(t, "b")}}
	r := newRegistry(t, store, p)
	r.SetActive(ctx, "a")
	r.SetWorkingDirectory(ctx, "/Notes")

	if err := r.RemoveBackend(ctx, "a"); err != nil {
		t.Fatalf("RemoveBackend: %v", err)
	}
	if len(p.forgot) != 1 || p.forgot[0] != "a" {
		t.Errorf("forgot = %v", p.forgot)
	}
	if _, ok, _ := store.Get(ctx, workingDirPrefix+"a"); ok {
		t.Error("working directory not dropped")
	}
	if r.Active().ID() != "b" {
		t.Errorf("active = %s, want b", r.Active().ID())
	}
	if err := r.RemoveBackend(ctx, "a"); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("second remove = %v", err)
	}
}

func TestWorkingDirectoryPerBackend(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, settings.NewMemoryStore(),
		&staticProvider{name: "devices", backends: []storage.Backend{newDevice(t, "a"), newDevice(t, "b")}})

	r.SetActive(ctx, "a")
	if got := r.WorkingDirectory(ctx); got != "/" {
		t.Errorf("default = %s", got)
	}
	r.SetWorkingDirectory(ctx, "/Notes/")
	r.SetActive(ctx, "b")
	if got := r.WorkingDirectory(ctx); got != "/" {
		t.Errorf("b = %s, want /", got)
	}
	r.SetActive(ctx, "a")
	if got := r.WorkingDirectory(ctx); got != "/Notes" {
		t.Errorf("a = %s, want /Notes", got)
	}
}

func TestListingAttribution(t *testing.T) {
	ctx := context.Background()
	a := newDevice(t, "a")
	r := newRegistry(t, settings.NewMemoryStore(),
		&staticProvider{name: "devices", backends: []storage.Backend{a, newDevice(t, "b")}})
	r.SetActive(ctx, "a")
	a.CreateFile(ctx, "/note.txt", []byte("x"))

	l, err := r.ListActive(ctx, "/")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if l.Backend.ID() != "a" || len(l.Files) != 1 || !r.IsCurrent(l) {
		t.Fatalf("listing = %+v", l)
	}
	r.SetActive(ctx, "b")
	if r.IsCurrent(l) {
		t.Error("listing from a still current after switching to b")
	}
}

func TestSubscribersSeeActiveBackendChanges(t *testing.T) {
	ctx := context.Background()
	a := newDevice(t, "a")
	r := newRegistry(t, settings.NewMemoryStore(), &staticProvider{name: "devices", backends: []storage.Backend{a}})
	r.SetActive(ctx, "a")

	sub := r.Subscribe()
	defer sub.Unsubscribe()
	// Drain anything pending from activation.
	select {
	case <-sub.C():
	default:
	}

	a.CreateFile(ctx, "/note.txt", []byte("x"))
	select {
	case <-sub.C():
	case <-time.After(2 * time.Second):
		t.Fatal("no notification for a change on the active backend")
	}
}

func TestLinkBookmark(t *testing.T) {
	ctx := context.Background()
	store := settings.NewMemoryStore()
	p := NewBookmarkProvider(store, []string{".txt"})
	r := newRegistry(t, store, p)

	dir := t.TempDir()
	added, err := r.Link(ctx, p, &fakeHost{dir: dir})
	if err != nil || len(added) != 1 {
		t.Fatalf("Link = %v, %v", added, err)
	}
	id := added[0].ID()
	if !strings.HasPrefix(id, "bookmark:") {
		t.Errorf("id = %s", id)
	}
	if _, ok := r.Backend(id); !ok {
		t.Error("linked backend not registered")
	}

	// A fresh provider over the same store finds the bookmark again.
	again, err := NewBookmarkProvider(store, nil).Backends(ctx)
	if err != nil || len(again) != 1 || again[0].ID() != id {
		t.Fatalf("reloaded = %v, %v", again, err)
	}

	if err := r.RemoveBackend(ctx, id); err != nil {
		t.Fatalf("RemoveBackend: %v", err)
	}
	left, _ := NewBookmarkProvider(store, nil).Backends(ctx)
	if len(left) != 0 {
		t.Errorf("bookmark survived removal: %v", left)
	}
}

func TestDropboxAddFlow(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.Form.Get("code") != "the-code" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-` + r.Form.Get("code") + `","token_type":"bearer","refresh_token":"refresh-` + r.Form.Get("code") + `","expires_in":14400}`))
	}))
	defer srv.Close()

	store := settings.NewMemoryStore()
	var built []*oauth2.Token
	deps := Deps{WorkDir: t.TempDir(), DropboxClient: func(tok *oauth2.Token) dropbox.Client {
		built = append(built, tok)
		return nopClient{}
	}}
	p := NewDropboxProvider(store, deps, dropbox.CoreType, "key", "secret", "")
	p.oauth.Endpoint = oauth2.Endpoint{AuthURL: srv.URL + "/authorize", TokenURL: srv.URL + "/token"}
	p.lookup = func(_ context.Context, token string) (Account, error) {
		return Account{ID: "dbid:42", Name: "Ada"}, nil
	}
	r := newRegistry(t, store, p)

	host := &fakeHost{code: "the-code"}
	added, err := r.Link(ctx, p, host)
	if err != nil || len(added) != 1 {
		t.Fatalf("Link = %v, %v", added, err)
	}
	if len(host.opened) != 1 || !strings.Contains(host.opened[0], "state=") {
		t.Errorf("opened = %v", host.opened)
	}
	if added[0].ID() != "dropbox:dbid:42" || added[0].Info().Type != dropbox.CoreType {
		t.Errorf("backend = %s (%s)", added[0].ID(), added[0].Info().Type)
	}

	// Re-linking the same account keeps the id and the single entry.
	again, err := r.Link(ctx, p, host)
	if err != nil || again[0].ID() != added[0].ID() {
		t.Fatalf("relink = %v, %v", again, err)
	}
	if n := len(r.Backends()); n != 1 {
		t.Errorf("backends = %d, want 1", n)
	}
	raw, _, _ := store.Get(ctx, dropboxAccountsKey)
	var accounts []dropbox.Config
	json.Unmarshal([]byte(raw), &accounts)
	if len(accounts) != 1 || accounts[0].Token != "tok-the-code" {
		t.Fatalf("accounts = %+v", accounts)
	}
	if accounts[0].RefreshToken != "refresh-the-code" || accounts[0].Expiry.Before(time.Now()) {
		t.Errorf("saved token cannot be refreshed: %+v", accounts[0])
	}
	if len(built) == 0 || built[len(built)-1].RefreshToken != "refresh-the-code" {
		t.Errorf("client built without the refresh token: %+v", built)
	}
	if p.deps.DropboxOAuth != p.oauth {
		t.Error("backends do not renew tokens through the provider's OAuth config")
	}

	if _, err := r.Link(ctx, p, &fakeHost{code: "wrong"}); err == nil {
		t.Error("bad code linked an account")
	}
}

func TestLinkRefusesProvidersWithoutFlow(t *testing.T) {
	r := newRegistry(t, settings.NewMemoryStore())
	if _, err := r.Link(context.Background(), &staticProvider{name: "x"}, &fakeHost{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewBackendFromConfig(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	deps := Deps{
		WorkDir:        t.TempDir(),
		FileExtensions: []string{".txt"},
		DropboxClient:  func(*oauth2.Token) dropbox.Client { return nopClient{} },
	}
	tests := []struct {
		typ     string
		raw     string
		wantID  string
		wantErr bool
	}{
		{typ: "device", raw: `{"id":"docs","root":"` + dir + `"}`, wantID: "docs"},
		{typ: "bookmark", raw: `{"id":"bookmark:1","root":"` + dir + `"}`, wantID: "bookmark:1"},
		{typ: "empty", raw: ``, wantID: "empty"},
		{typ: "dropbox-core", raw: `{"account_id":"dbid:1","token":"t"}`, wantID: "dropbox:dbid:1"},
		{typ: "dropbox-classic", raw: `{"account_id":"dbid:2","token":"t"}`, wantID: "dropbox:dbid:2"},
		{typ: "dropbox-core", raw: `{"account_id":"dbid:3"}`, wantErr: true},
		{typ: "ftp", raw: `{}`, wantErr: true},
		{typ: "device", raw: `{not json`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.typ+"/"+tt.wantID, func(t *testing.T) {
			b, err := NewBackendFromConfig(ctx, tt.typ, json.RawMessage(tt.raw), deps)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewBackendFromConfig: %v", err)
			}
			defer b.Close()
			if b.ID() != tt.wantID {
				t.Errorf("id = %s, want %s", b.ID(), tt.wantID)
			}
		})
	}
}

func TestFactoryAppliesDefaultExtensions(t *testing.T) {
	deps := Deps{FileExtensions: []string{".md"}}
	b, err := NewBackendFromConfig(context.Background(), "device",
		json.RawMessage(`{"root":"`+t.TempDir()+`"}`), deps)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if exts := b.Info().FileExtensions; len(exts) != 1 || exts[0] != ".md" {
		t.Errorf("extensions = %v", exts)
	}

	b2, err := NewBackendFromConfig(context.Background(), "device",
		json.RawMessage(`{"root":"`+t.TempDir()+`","file_extensions":[".txt"]}`), deps)
	if err != nil {
		t.Fatal(err)
	}
	defer b2.Close()
	if exts := b2.Info().FileExtensions; len(exts) != 1 || exts[0] != ".txt" {
		t.Errorf("configured extensions overridden: %v", exts)
	}
}

func TestStaticProviderSkipsBrokenSpecs(t *testing.T) {
	dir := t.TempDir()
	p := NewStaticProvider([]config.BackendSpec{
		{ID: "good", Type: "device", Config: json.RawMessage(`{"root":"` + dir + `"}`)},
		{ID: "bad", Type: "device", Config: json.RawMessage(`{}`)},
	}, Deps{})
	bs, err := p.Backends(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(bs) != 1 || bs[0].ID() != "good" {
		t.Fatalf("backends = %v", bs)
	}
	again, _ := p.Backends(context.Background())
	if again[0] != bs[0] {
		t.Error("static backend rebuilt on second call")
	}
	bs[0].Close()
}

func TestDeviceProviderCreatesDocumentsDir(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "Documents")
	r := newRegistry(t, settings.NewMemoryStore(), NewDeviceProvider(dir, []string{".txt"}))
	if got := r.RestoreActive(ctx); got.ID() != DeviceID {
		t.Fatalf("active = %s", got.ID())
	}
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		t.Errorf("documents dir not created: %v", err)
	}
}

func TestRefresherRunsBackendRefresh(t *testing.T) {
	rb := &refreshCounter{Backend: newDevice(t, "a")}
	r := newRegistry(t, settings.NewMemoryStore(), &staticProvider{name: "devices", backends: []storage.Backend{rb}})

	ref, err := NewRefresher(r, "@every 1h")
	if err != nil {
		t.Fatalf("NewRefresher: %v", err)
	}
	ref.RunOnce(context.Background())
	if rb.n.Load() != 1 {
		t.Errorf("refreshes = %d, want 1", rb.n.Load())
	}
	if err := ref.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ref.Stop()
}

func TestRefresherRejectsBadSchedule(t *testing.T) {
	r := newRegistry(t, settings.NewMemoryStore())
	if _, err := NewRefresher(r, "every so often"); err == nil {
		t.Fatal("expected error")
	}
}
