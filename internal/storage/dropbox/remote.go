// Package dropbox provides two backends over the Dropbox files API.
//
// ClassicBackend is revision guarded: opens are serialized per file, wait for
// metadata at least as fresh as the listing that produced the handle, and
// write back tagged with the current remote revision. CoreBackend keeps
// downloaded revisions in a content cache and overwrites on save.
package dropbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/auth"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/files"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/fruitsalade/docsync/internal/logging"
	"github.com/fruitsalade/docsync/internal/metrics"
	"github.com/fruitsalade/docsync/internal/storage"
)

// Config holds settings shared by both Dropbox backends.
type Config struct {
	// ID is derived from AccountID when empty, so re-linking the same account
	// yields the same backend id.
	ID          string `json:"id"`
	AccountID   string `json:"account_id"`
	AccountName string `json:"account_name"`
	Token       string `json:"token"`
	// RefreshToken and Expiry let an expired Token be renewed.
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	// Root is the Dropbox folder the backend is confined to; "" is the whole
	// app folder.
	Root string `json:"root"`
	// WorkDir holds temporary copies (classic) or the content cache (core).
	WorkDir        string   `json:"work_dir"`
	FileExtensions []string `json:"file_extensions"`

	RequestsPerSecond float64 `json:"requests_per_second"`

	// StalenessTolerance is how much older than the listed modification time
	// fresh metadata may be before a guarded open accepts it. Best effort.
	StalenessTolerance time.Duration `json:"staleness_tolerance"`
	// FreshnessAttempts bounds the metadata polls of a guarded open.
	FreshnessAttempts int `json:"freshness_attempts"`

	CacheMaxBytes int64 `json:"cache_max_bytes"`
	// Watch enables longpoll change notification (core only).
	Watch bool `json:"watch"`
}

// OAuthToken returns the stored credentials as an OAuth2 token.
func (c Config) OAuthToken() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.Token,
		TokenType:    "bearer",
		RefreshToken: c.RefreshToken,
		Expiry:       c.Expiry,
	}
}

func (c *Config) setDefaults() error {
	if c.Token == "" {
		return fmt.Errorf("token is required")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work_dir is required")
	}
	if c.ID == "" {
		if c.AccountID == "" {
			return fmt.Errorf("id or account_id is required")
		}
		c.ID = "dropbox:" + c.AccountID
	}
	if c.AccountName == "" {
		c.AccountName = "Dropbox"
	}
	c.Root = strings.TrimSuffix(c.Root, "/")
	if c.Root != "" && !strings.HasPrefix(c.Root, "/") {
		c.Root = "/" + c.Root
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 8
	}
	if c.StalenessTolerance <= 0 {
		c.StalenessTolerance = time.Second
	}
	if c.FreshnessAttempts <= 0 {
		c.FreshnessAttempts = 5
	}
	return nil
}

// remote holds what both backends share: the rate limited client, path
// mapping, listing and the boolean operations.
type remote struct {
	info     storage.Info
	cfg      Config
	client   Client
	limiter  *rate.Limiter
	notifier *storage.Notifier
	log      *zap.Logger
	kind     string

	mu      sync.Mutex
	authErr error

	initMu      sync.Mutex
	initialized bool
}

func newRemote(kind string, cfg Config, client Client) *remote {
	return &remote{
		info: storage.Info{
			ID:                cfg.ID,
			Type:              kind,
			Description:       cfg.AccountName,
			ShortDescription:  "Dropbox",
			Writable:          true,
			MaxDirectoryDepth: 4,
			ListFilesIsFast:   false,
			FileExtensions:    cfg.FileExtensions,
		},
		cfg:      cfg,
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1),
		notifier: storage.NewNotifier(),
		log:      logging.Named(kind, zap.String("backend_id", cfg.ID)),
		kind:     kind,
	}
}

func (r *remote) ID() string         { return r.info.ID }
func (r *remote) Info() storage.Info { return r.info }

// Status reports whether the account is linked and authorized.
func (r *remote) Status() storage.Status {
	r.mu.Lock()
	authErr := r.authErr
	r.mu.Unlock()
	if authErr != nil {
		return storage.Status{AvailabilityReason: "The Dropbox account needs to be linked again."}
	}
	return storage.Status{Available: true, SyncStatus: "Online"}
}

// call rate limits fn, records metrics and notes authorization failures.
func (r *remote) call(ctx context.Context, op string, fn func() error) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	err := fn()
	storage.Observe(r.kind, op, start, err)
	if err != nil && isAuthError(err) {
		r.mu.Lock()
		r.authErr = err
		r.mu.Unlock()
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return err
}

func isAuthError(err error) bool {
	var e auth.AuthAPIError
	if !errors.As(err, &e) || e.AuthError == nil {
		return false
	}
	switch e.AuthError.Tag {
	case auth.AuthErrorInvalidAccessToken, auth.AuthErrorExpiredAccessToken:
		return true
	}
	return false
}

// lookupError returns the lookup failure carried by a path addressed call.
func lookupError(err error) *files.LookupError {
	var (
		meta files.GetMetadataAPIError
		down files.DownloadAPIError
		list files.ListFolderAPIError
		cont files.ListFolderContinueAPIError
		del  files.DeleteV2APIError
		move files.MoveV2APIError
	)
	switch {
	case errors.As(err, &meta) && meta.EndpointError != nil:
		return meta.EndpointError.Path
	case errors.As(err, &down) && down.EndpointError != nil:
		return down.EndpointError.Path
	case errors.As(err, &list) && list.EndpointError != nil:
		return list.EndpointError.Path
	case errors.As(err, &cont) && cont.EndpointError != nil:
		return cont.EndpointError.Path
	case errors.As(err, &del) && del.EndpointError != nil:
		return del.EndpointError.PathLookup
	case errors.As(err, &move) && move.EndpointError != nil:
		return move.EndpointError.FromLookup
	}
	return nil
}

// writeError returns the write failure carried by an upload, folder
// creation or move.
func writeError(err error) *files.WriteError {
	var (
		up   files.UploadAPIError
		mk   files.CreateFolderV2APIError
		move files.MoveV2APIError
	)
	switch {
	case errors.As(err, &up) && up.EndpointError != nil && up.EndpointError.Path != nil:
		return up.EndpointError.Path.Reason
	case errors.As(err, &mk) && mk.EndpointError != nil:
		return mk.EndpointError.Path
	case errors.As(err, &move) && move.EndpointError != nil:
		return move.EndpointError.To
	}
	return nil
}

func isNotFound(err error) bool {
	l := lookupError(err)
	return l != nil && l.Tag == files.LookupErrorNotFound
}

func isConflict(err error) bool {
	w := writeError(err)
	return w != nil && w.Tag == files.WriteErrorConflict
}

// initialize makes sure the root folder exists.
func (r *remote) initialize(ctx context.Context) error {
	r.initMu.Lock()
	defer r.initMu.Unlock()
	if r.initialized {
		return nil
	}
	if r.cfg.Root != "" {
		err := r.call(ctx, "get_metadata", func() error {
			_, err := r.client.GetMetadata(files.NewGetMetadataArg(r.cfg.Root))
			return err
		})
		if isNotFound(err) {
			err = r.call(ctx, "create_folder", func() error {
				_, err := r.client.CreateFolderV2(files.NewCreateFolderArg(r.cfg.Root))
				return err
			})
			if err == nil {
				r.log.Info("created root folder", zap.String("root", r.cfg.Root))
			}
		}
		if err != nil {
			return storage.Errorf(r.info.ID, "initialize", "/", err)
		}
	}
	r.initialized = true
	return nil
}

// remotePath maps a backend path to a Dropbox path.
func (r *remote) remotePath(p string) string {
	p = storage.Clean(p)
	if p == "/" {
		return r.cfg.Root
	}
	return r.cfg.Root + p
}

// localPath maps a Dropbox display path back to a backend path.
func (r *remote) localPath(display string) string {
	if r.cfg.Root != "" && len(display) >= len(r.cfg.Root) &&
		strings.EqualFold(display[:len(r.cfg.Root)], r.cfg.Root) {
		display = display[len(r.cfg.Root):]
	}
	return storage.Clean(display)
}

func (r *remote) toInfo(m files.IsMetadata) (storage.FileInfo, bool) {
	switch m := m.(type) {
	case *files.FileMetadata:
		return storage.FileInfo{
			Path:             r.localPath(m.PathDisplay),
			ModifiedTime:     m.ServerModified,
			Size:             int64(m.Size),
			Revision:         m.Rev,
			IsDownloaded:     false,
			DownloadProgress: 0,
		}, true
	case *files.FolderMetadata:
		return storage.FileInfo{
			Path:        r.localPath(m.PathDisplay),
			IsDirectory: true,
		}, true
	}
	return storage.FileInfo{}, false
}

// metadata fetches fresh metadata for p.
func (r *remote) metadata(ctx context.Context, p string) (storage.FileInfo, error) {
	var m files.IsMetadata
	err := r.call(ctx, "get_metadata", func() error {
		var err error
		m, err = r.client.GetMetadata(files.NewGetMetadataArg(r.remotePath(p)))
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return storage.FileInfo{}, storage.ErrNotFound
		}
		return storage.FileInfo{}, err
	}
	info, ok := r.toInfo(m)
	if !ok {
		return storage.FileInfo{}, storage.ErrNotFound
	}
	return info, nil
}

// ListFiles lists the direct children of dir.
func (r *remote) ListFiles(ctx context.Context, dir string) ([]*storage.FileHandle, error) {
	dir = storage.Clean(dir)
	listedAt := time.Now()

	var res *files.ListFolderResult
	err := r.call(ctx, "list_folder", func() error {
		var err error
		res, err = r.client.ListFolder(files.NewListFolderArg(r.remotePath(dir)))
		return err
	})
	if err != nil {
		if isNotFound(err) {
			err = storage.ErrNotFound
		}
		return nil, storage.Errorf(r.info.ID, "list", dir, err)
	}

	var out []*storage.FileHandle
	for {
		for _, e := range res.Entries {
			info, ok := r.toInfo(e)
			if !ok || !storage.IsDirectChild(dir, info.Path) {
				continue
			}
			if !info.IsDirectory && !storage.MatchesExtension(r.info.FileExtensions, info.Path) {
				continue
			}
			out = append(out, storage.NewFileHandleAt(info, listedAt))
		}
		if !res.HasMore {
			break
		}
		cursor := res.Cursor
		err := r.call(ctx, "list_folder_continue", func() error {
			var err error
			res, err = r.client.ListFolderContinue(files.NewListFolderContinueArg(cursor))
			return err
		})
		if err != nil {
			return nil, storage.Errorf(r.info.ID, "list", dir, err)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path() < out[j].Path() })
	return out, nil
}

// GetFile fetches metadata for p.
func (r *remote) GetFile(ctx context.Context, p string) (*storage.FileHandle, error) {
	info, err := r.metadata(ctx, p)
	if err != nil {
		return nil, storage.Errorf(r.info.ID, "get", storage.Clean(p), err)
	}
	return storage.NewFileHandle(info), nil
}

// FileExists reports whether p exists remotely.
func (r *remote) FileExists(ctx context.Context, p string) bool {
	if storage.Clean(p) == "/" {
		return true
	}
	_, err := r.metadata(ctx, p)
	if err != nil && !storage.IsNotFound(err) {
		storage.LogFailure(r.info.ID, "exists", p, err)
	}
	return err == nil
}

// CreateDirectory creates folder p.
func (r *remote) CreateDirectory(ctx context.Context, p string) bool {
	err := r.call(ctx, "create_folder", func() error {
		_, err := r.client.CreateFolderV2(files.NewCreateFolderArg(r.remotePath(p)))
		return err
	})
	if err != nil {
		storage.LogFailure(r.info.ID, "mkdir", p, err)
		return false
	}
	r.notifier.Notify()
	return true
}

// Move relocates from to to. Dropbox refuses existing targets.
func (r *remote) Move(ctx context.Context, from, to string) bool {
	err := r.call(ctx, "move", func() error {
		_, err := r.client.MoveV2(files.NewRelocationArg(r.remotePath(from), r.remotePath(to)))
		return err
	})
	if err != nil {
		storage.LogFailure(r.info.ID, "move", from+" -> "+to, err)
		return false
	}
	r.notifier.Notify()
	return true
}

// DeleteFile deletes p.
func (r *remote) DeleteFile(ctx context.Context, p string) bool {
	if storage.Clean(p) == "/" {
		storage.LogFailure(r.info.ID, "delete", p, errors.New("refusing to delete the root"))
		return false
	}
	err := r.call(ctx, "delete", func() error {
		_, err := r.client.DeleteV2(files.NewDeleteArg(r.remotePath(p)))
		return err
	})
	if err != nil {
		storage.LogFailure(r.info.ID, "delete", p, err)
		return false
	}
	r.notifier.Notify()
	return true
}

func writeMode(tag, rev string) *files.WriteMode {
	return &files.WriteMode{Tagged: dropbox.Tagged{Tag: tag}, Update: rev}
}

// upload writes data to p with the given write mode.
func (r *remote) upload(ctx context.Context, p string, data []byte, mode *files.WriteMode) (storage.FileInfo, error) {
	arg := files.NewUploadArg(r.remotePath(p))
	arg.Mode = mode
	var m *files.FileMetadata
	err := r.call(ctx, "upload", func() error {
		var err error
		m, err = r.client.Upload(arg, bytes.NewReader(data))
		return err
	})
	if err != nil {
		return storage.FileInfo{}, err
	}
	metrics.RecordUpload(r.kind, int64(len(data)))
	info, _ := r.toInfo(m)
	info.IsDownloaded = true
	info.DownloadProgress = 1
	return info, nil
}

// download streams the content of p into w.
func (r *remote) download(ctx context.Context, p string, w io.Writer) (storage.FileInfo, error) {
	var m *files.FileMetadata
	var body io.ReadCloser
	err := r.call(ctx, "download", func() error {
		var err error
		m, body, err = r.client.Download(files.NewDownloadArg(r.remotePath(p)))
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return storage.FileInfo{}, storage.ErrNotFound
		}
		return storage.FileInfo{}, err
	}
	defer body.Close()
	n, err := io.Copy(w, body)
	if err != nil {
		return storage.FileInfo{}, fmt.Errorf("download %s: %w", p, err)
	}
	metrics.RecordDownload(r.kind, n)
	info, _ := r.toInfo(m)
	info.IsDownloaded = true
	info.DownloadProgress = 1
	return info, nil
}

// Subscribe registers for change notifications.
func (r *remote) Subscribe() *storage.Subscription {
	return r.notifier.Subscribe()
}

// Refresh tells subscribers to re-list.
func (r *remote) Refresh(context.Context) error {
	r.notifier.Notify()
	return nil
}
