package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/users"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fruitsalade/docsync/internal/logging"
	"github.com/fruitsalade/docsync/internal/settings"
	"github.com/fruitsalade/docsync/internal/storage"
	dbx "github.com/fruitsalade/docsync/internal/storage/dropbox"
)

const dropboxAccountsKey = "dropbox.accounts"

// Account identifies a linked Dropbox account.
type Account struct {
	ID   string
	Name string
}

// AccountLookup resolves the account a token belongs to.
type AccountLookup func(ctx context.Context, token string) (Account, error)

// LookupDropboxAccount asks Dropbox who owns token.
func LookupDropboxAccount(_ context.Context, token string) (Account, error) {
	client := users.New(dropbox.Config{Token: token, LogLevel: dropbox.LogOff})
	acct, err := client.GetCurrentAccount()
	if err != nil {
		return Account{}, fmt.Errorf("get current account: %w", err)
	}
	name := acct.Email
	if acct.Name != nil && acct.Name.DisplayName != "" {
		name = acct.Name.DisplayName
	}
	return Account{ID: acct.AccountId, Name: name}, nil
}

// DropboxProvider links Dropbox accounts with OAuth2 and serves one backend
// per linked account. Whether backends are classic or core is decided by
// kind.
type DropboxProvider struct {
	store  settings.Store
	deps   Deps
	kind   string
	oauth  *oauth2.Config
	lookup AccountLookup

	mu       sync.Mutex
	backends map[string]storage.Backend
}

// NewDropboxProvider creates a provider. kind is dropbox.ClassicType or
// dropbox.CoreType.
func NewDropboxProvider(store settings.Store, deps Deps, kind, appKey, appSecret, redirectURL string) *DropboxProvider {
	conf := &oauth2.Config{
		ClientID:     appKey,
		ClientSecret: appSecret,
		RedirectURL:  redirectURL,
		Endpoint:     dropbox.OAuthEndpoint(""),
	}
	if deps.DropboxOAuth == nil {
		deps.DropboxOAuth = conf
	}
	return &DropboxProvider{
		store:    store,
		deps:     deps,
		kind:     kind,
		oauth:    conf,
		lookup:   LookupDropboxAccount,
		backends: make(map[string]storage.Backend),
	}
}

func (p *DropboxProvider) Name() string { return "Dropbox" }

func (p *DropboxProvider) CanAddBackend() bool { return p.oauth.ClientID != "" }

// OAuthConfig is the app's OAuth2 configuration, used to renew tokens of
// Dropbox backends configured elsewhere.
func (p *DropboxProvider) OAuthConfig() *oauth2.Config { return p.oauth }

func (p *DropboxProvider) accounts(ctx context.Context) ([]dbx.Config, error) {
	raw, ok, err := p.store.Get(ctx, dropboxAccountsKey)
	if err != nil || !ok {
		return nil, err
	}
	var cfgs []dbx.Config
	if err := json.Unmarshal([]byte(raw), &cfgs); err != nil {
		return nil, fmt.Errorf("parse dropbox accounts: %w", err)
	}
	return cfgs, nil
}

func (p *DropboxProvider) saveAccounts(ctx context.Context, cfgs []dbx.Config) error {
	raw, err := json.Marshal(cfgs)
	if err != nil {
		return err
	}
	return p.store.Set(ctx, dropboxAccountsKey, string(raw))
}

func (p *DropboxProvider) Backends(ctx context.Context) ([]storage.Backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cfgs, err := p.accounts(ctx)
	if err != nil {
		return nil, err
	}
	var out []storage.Backend
	for _, cfg := range cfgs {
		b, err := p.backendLocked(cfg)
		if err != nil {
			logging.Warn("skipping dropbox account", zap.String("account_id", cfg.AccountID), zap.Error(err))
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// backendLocked returns the backend for cfg, building it on first use.
func (p *DropboxProvider) backendLocked(cfg dbx.Config) (storage.Backend, error) {
	id := cfg.ID
	if id == "" {
		id = "dropbox:" + cfg.AccountID
	}
	if b, ok := p.backends[id]; ok {
		return b, nil
	}
	b, err := newDropbox(p.kind, cfg, p.deps)
	if err != nil {
		return nil, err
	}
	p.backends[b.ID()] = b
	return b, nil
}

// AuthURL returns the URL the user visits to authorize the app, tagged with
// a fresh state value.
func (p *DropboxProvider) AuthURL() (url, state string) {
	state = uuid.NewString()
	return p.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("token_access_type", "offline")), state
}

// ShowAddFlow sends the user to Dropbox, exchanges the code they paste back
// and links the account. The full token is saved so the access token can be
// refreshed later. Linking an account that is already linked replaces its
// token and keeps its backend id.
func (p *DropboxProvider) ShowAddFlow(ctx context.Context, host HostContext) ([]storage.Backend, error) {
	if !p.CanAddBackend() {
		return nil, fmt.Errorf("dropbox app key is not configured")
	}
	url, _ := p.AuthURL()
	if err := host.OpenURL(ctx, url); err != nil {
		return nil, err
	}
	code, err := host.Prompt(ctx, "Enter the authorization code from Dropbox")
	if err != nil {
		return nil, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, nil
	}
	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	acct, err := p.lookup(ctx, tok.AccessToken)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	cfgs, err := p.accounts(ctx)
	if err != nil {
		return nil, err
	}
	cfg := dbx.Config{
		AccountID:    acct.ID,
		AccountName:  acct.Name,
		Token:        tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	replaced := false
	for i := range cfgs {
		if cfgs[i].AccountID == acct.ID {
			cfgs[i].Token = tok.AccessToken
			cfgs[i].RefreshToken = tok.RefreshToken
			cfgs[i].Expiry = tok.Expiry
			cfgs[i].AccountName = acct.Name
			cfg = cfgs[i]
			replaced = true
		}
	}
	if !replaced {
		cfgs = append(cfgs, cfg)
	}
	if err := p.saveAccounts(ctx, cfgs); err != nil {
		return nil, fmt.Errorf("save dropbox account: %w", err)
	}

	id := "dropbox:" + acct.ID
	if old, ok := p.backends[id]; ok {
		// The old instance holds the old token.
		old.Close()
		delete(p.backends, id)
	}
	b, err := p.backendLocked(cfg)
	if err != nil {
		return nil, err
	}
	logging.Info("linked dropbox account", zap.String("backend_id", b.ID()), zap.String("account", acct.Name))
	return []storage.Backend{b}, nil
}

// Forget unlinks the account behind backend id.
func (p *DropboxProvider) Forget(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfgs, err := p.accounts(ctx)
	if err != nil {
		return err
	}
	kept := cfgs[:0]
	for _, cfg := range cfgs {
		if "dropbox:"+cfg.AccountID != id && cfg.ID != id {
			kept = append(kept, cfg)
		}
	}
	delete(p.backends, id)
	return p.saveAccounts(ctx, kept)
}
