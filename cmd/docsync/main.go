// Package main provides the docsync command line: it lists, edits and syncs
// documents across the configured storage backends.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/docsync/internal/config"
	"github.com/fruitsalade/docsync/internal/logging"
	"github.com/fruitsalade/docsync/internal/registry"
	"github.com/fruitsalade/docsync/internal/settings"
	"github.com/fruitsalade/docsync/internal/storage/dropbox"
	"github.com/fruitsalade/docsync/internal/thumbnail"
)

// app is everything a command needs.
type app struct {
	cfg        *config.Config
	store      settings.Store
	reg        *registry.Registry
	bookmarks  *registry.BookmarkProvider
	dropbox    *registry.DropboxProvider
	thumbs     *thumbnail.Generator
	thumbCache *thumbnail.Cache
}

func main() {
	backendID := flag.String("backend", "", "Use this backend for the command instead of the active one")
	metricsAddr := flag.String("metrics", "", "Serve Prometheus metrics on this address (serve only)")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	level := cfg.LogLevel
	if *verbose {
		level = "debug"
	}
	if err := logging.Init(logging.Config{Level: level, Format: cfg.LogFormat, OutputPath: "stderr"}); err != nil {
		fmt.Fprintf(os.Stderr, "Logging error: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		logging.Fatal("startup failed", zap.Error(err))
	}
	defer a.close()

	if *backendID != "" {
		if err := a.reg.SetActive(ctx, *backendID); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	if err := a.run(ctx, args[0], args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		a.close()
		os.Exit(1)
	}
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := os.MkdirAll(cfg.CacheDir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	store, err := settings.Open(cfg.SettingsDSN)
	if err != nil {
		return nil, fmt.Errorf("open settings: %w", err)
	}

	deps := registry.Deps{
		WorkDir:           cfg.CacheDir,
		FileExtensions:    cfg.FileExtensions,
		CacheMaxBytes:     cfg.ContentCacheMaxBytes,
		RequestsPerSecond: cfg.DropboxRequestsPerSecond,
	}
	kind := dropbox.CoreType
	if cfg.DropboxAPI == "classic" {
		kind = dropbox.ClassicType
	}

	thumbCache := thumbnail.NewCache(filepath.Join(cfg.CacheDir, "thumbnails"), cfg.ThumbnailMemoryEntries)
	a := &app{
		cfg:        cfg,
		store:      store,
		reg:        registry.New(store, cfg.SyncTimeout),
		bookmarks:  registry.NewBookmarkProvider(store, cfg.FileExtensions),
		dropbox:    registry.NewDropboxProvider(store, deps, kind, cfg.DropboxAppKey, cfg.DropboxAppSecret, cfg.DropboxRedirectURL),
		thumbCache: thumbCache,
		thumbs: thumbnail.NewGenerator(thumbCache, thumbnail.GeneratorConfig{
			Size:        cfg.ThumbnailSize,
			Concurrency: int64(cfg.ThumbnailConcurrency),
		}),
	}

	deps.DropboxOAuth = a.dropbox.OAuthConfig()
	a.reg.RegisterProvider(registry.NewDeviceProvider(cfg.DocumentsDir, cfg.FileExtensions))
	a.reg.RegisterProvider(a.bookmarks)
	if cfg.CloudConfigured() {
		a.reg.RegisterProvider(registry.NewCloudProvider(cfg, deps))
	}
	if cfg.DropboxConfigured() {
		a.reg.RegisterProvider(a.dropbox)
	}
	if cfg.BackendsFile != "" {
		specs, err := config.LoadBackends(cfg.BackendsFile)
		if err != nil {
			store.Close()
			return nil, err
		}
		a.reg.RegisterProvider(registry.NewStaticProvider(specs, deps))
	}

	if err := a.reg.Refresh(ctx); err != nil {
		logging.Warn("some backends could not be loaded", zap.Error(err))
	}
	a.reg.RestoreActive(ctx)
	return a, nil
}

func (a *app) close() {
	a.thumbCache.Wait()
	if a.reg != nil {
		a.reg.Close()
		a.reg = nil
	}
	if a.store != nil {
		a.store.Close()
		a.store = nil
	}
}

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "backends":
		return a.cmdBackends()
	case "use":
		return a.cmdUse(ctx, args)
	case "cd":
		return a.cmdCd(ctx, args)
	case "list", "ls":
		return a.cmdList(ctx, args)
	case "new":
		return a.cmdNew(ctx, args)
	case "cat":
		return a.cmdCat(ctx, args)
	case "write":
		return a.cmdWrite(ctx, args)
	case "rename", "mv":
		return a.cmdRename(ctx, args)
	case "dup":
		return a.cmdDuplicate(ctx, args)
	case "rm":
		return a.cmdRemove(ctx, args)
	case "mkdir":
		return a.cmdMkdir(ctx, args)
	case "thumb":
		return a.cmdThumb(ctx, args)
	case "add-folder":
		return a.cmdAddFolder(ctx, args)
	case "link-dropbox":
		return a.cmdLinkDropbox(ctx)
	case "forget":
		return a.cmdForget(ctx, args)
	case "refresh":
		return a.cmdRefresh(ctx)
	case "serve":
		return a.cmdServe(ctx)
	case "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func needArgs(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("usage: docsync %s", usage)
	}
	return nil
}

func printUsage() {
	fmt.Println(strings.TrimSpace(`
docsync - documents across devices, folders and cloud storage

Usage: docsync [flags] <command> [args]

Flags:
  -backend <id>      Run the command against this backend (also makes it active)
  -metrics <addr>    Prometheus metrics address for serve (e.g. :9090)
  -v                 Debug logging

Commands:
  backends                  List backends; * marks the active one
  use <id>                  Make a backend active
  cd <dir>                  Set the working directory of the active backend
  list, ls [-r] [dir]       List documents, -r down into folders
  new <name> [text]         Create a document (name gets " 2", " 3" if taken)
  cat <path>                Print a document
  write <path> <text>       Replace a document's text
  rename, mv <path> <name>  Rename a document within its folder
  dup <path> [backend-id]   Duplicate a document, optionally onto another backend
  rm <path>                 Delete a document or folder
  mkdir <path>              Create a folder
  thumb <path> <out.png> [light|dark]
                            Render a thumbnail
  add-folder [dir]          Link a local folder
  link-dropbox              Link a Dropbox account
  forget <id>               Unlink a backend
  refresh                   Re-read backends from their providers and remotes
  serve                     Keep backends in sync until interrupted

Configuration is read from the environment (DOCUMENTS_DIR, CACHE_DIR,
SETTINGS_DSN, CLOUD_*, DROPBOX_*, ...).`))
}
