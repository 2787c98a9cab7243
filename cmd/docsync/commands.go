package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/fruitsalade/docsync/internal/document"
	"github.com/fruitsalade/docsync/internal/logging"
	"github.com/fruitsalade/docsync/internal/metrics"
	"github.com/fruitsalade/docsync/internal/registry"
	"github.com/fruitsalade/docsync/internal/storage"
	"github.com/fruitsalade/docsync/internal/thumbnail"
)

// resolve makes p absolute against the active backend's working directory.
func (a *app) resolve(ctx context.Context, p string) string {
	if strings.HasPrefix(p, "/") {
		return storage.Clean(p)
	}
	return storage.Join(a.reg.WorkingDirectory(ctx), p)
}

// active returns the active backend after giving it up to the sync timeout
// to settle, so lookups see the remote state and not a partial index.
func (a *app) active(ctx context.Context) storage.Backend {
	b := a.reg.Active()
	if !storage.SyncWithTimeout(ctx, b, a.cfg.SyncTimeout) {
		logging.Debug("using backend before sync completed", logging.BackendID(b.ID()))
	}
	return b
}

func (a *app) file(ctx context.Context, p string) (storage.Backend, *storage.FileHandle, error) {
	b := a.active(ctx)
	f, err := b.GetFile(ctx, a.resolve(ctx, p))
	if err != nil {
		return nil, nil, errors.New(storage.Message(err))
	}
	return b, f, nil
}

func (a *app) open(ctx context.Context, p string) (*document.Reference, *document.TextDocument, error) {
	b, f, err := a.file(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	if f.IsDirectory() {
		return nil, nil, fmt.Errorf("%s is a folder", f.Path())
	}
	ref := document.Wrap(f, b, document.NewTextDocument)
	if err := ref.Open(ctx); err != nil {
		return nil, nil, err
	}
	return ref, ref.Document().(*document.TextDocument), nil
}

func statusText(st storage.Status) string {
	switch {
	case !st.Available:
		if st.AvailabilityReason != "" {
			return "unavailable: " + st.AvailabilityReason
		}
		return "unavailable"
	case st.Syncing:
		return "syncing"
	case st.SyncStatus != "":
		return st.SyncStatus
	default:
		return "ready"
	}
}

func (a *app) cmdBackends() error {
	active := a.reg.Active()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, " \tID\tTYPE\tDESCRIPTION\tSTATUS")
	for _, b := range a.reg.Backends() {
		mark := ""
		if b.ID() == active.ID() {
			mark = "*"
		}
		info := b.Info()
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", mark, b.ID(), info.Type, info.Description, statusText(b.Status()))
	}
	return w.Flush()
}

func (a *app) cmdUse(ctx context.Context, args []string) error {
	if err := needArgs(args, 1, "use <id>"); err != nil {
		return err
	}
	if err := a.reg.SetActive(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Now using %s\n", a.reg.Active().Info().Description)
	return nil
}

func (a *app) cmdCd(ctx context.Context, args []string) error {
	if err := needArgs(args, 1, "cd <dir>"); err != nil {
		return err
	}
	dir := a.resolve(ctx, args[0])
	if dir != "/" {
		_, f, err := a.file(ctx, dir)
		if err != nil {
			return err
		}
		if !f.IsDirectory() {
			return fmt.Errorf("%s is not a folder", dir)
		}
	}
	return a.reg.SetWorkingDirectory(ctx, dir)
}

// listing lists dir on the active backend, down to the backend's maximum
// directory depth when recursive. A listing overtaken by a backend switch is
// retried once against the new backend.
func (a *app) listing(ctx context.Context, dir string, recursive bool) (registry.Listing, error) {
	var l registry.Listing
	for attempt := 0; attempt < 2; attempt++ {
		var err error
		l, err = a.reg.ListActive(ctx, dir)
		if err != nil {
			return l, err
		}
		if recursive {
			depth := l.Backend.Info().MaxDirectoryDepth
			if l.Files, err = storage.ListRecursive(ctx, l.Backend, l.Dir, depth); err != nil {
				return l, err
			}
		}
		if a.reg.IsCurrent(l) {
			return l, nil
		}
		logging.Debug("active backend changed while listing", logging.BackendID(l.Backend.ID()))
	}
	return l, errors.New("the active storage location changed while listing")
}

func (a *app) cmdList(ctx context.Context, args []string) error {
	recursive := false
	if len(args) > 0 && args[0] == "-r" {
		recursive, args = true, args[1:]
	}
	dir := a.reg.WorkingDirectory(ctx)
	if len(args) > 0 {
		dir = a.resolve(ctx, args[0])
	}
	l, err := a.listing(ctx, dir, recursive)
	if err != nil {
		return errors.New(storage.Message(err))
	}

	fmt.Printf("%s: %s\n", l.Backend.Info().Description, l.Dir)
	if len(l.Files) == 0 {
		fmt.Println("No documents")
		return nil
	}
	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSIZE\tMODIFIED\tLOCAL")
	for _, f := range l.Files {
		name, size := f.Name(), formatSize(f.Size())
		if recursive {
			name = strings.TrimPrefix(strings.TrimPrefix(f.Path(), l.Dir), "/")
		}
		if f.IsDirectory() {
			name, size = name+"/", "-"
		}
		local := "yes"
		switch {
		case f.IsDirectory():
			local = ""
		case !f.IsDownloaded() && f.DownloadProgress() > 0:
			local = fmt.Sprintf("%.0f%%", f.DownloadProgress()*100)
		case !f.IsDownloaded():
			local = "no"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, size, document.Ago(f.ModifiedTime(), now), local)
	}
	return w.Flush()
}

func (a *app) extension() string {
	if len(a.cfg.FileExtensions) > 0 {
		return a.cfg.FileExtensions[0]
	}
	return ".txt"
}

func (a *app) cmdNew(ctx context.Context, args []string) error {
	if err := needArgs(args, 1, "new <name> [text]"); err != nil {
		return err
	}
	text := strings.Join(args[1:], " ")
	b := a.active(ctx)
	ref, err := document.New(ctx, a.reg.WorkingDirectory(ctx), args[0], a.extension(),
		b, document.NewTextDocument, []byte(text))
	if err != nil {
		return errors.New(storage.Message(err))
	}
	fmt.Println(ref.File().Path())
	return nil
}

func (a *app) cmdCat(ctx context.Context, args []string) error {
	if err := needArgs(args, 1, "cat <path>"); err != nil {
		return err
	}
	ref, doc, err := a.open(ctx, args[0])
	if err != nil {
		return err
	}
	defer ref.Close(ctx)
	fmt.Print(doc.Text())
	return nil
}

func (a *app) cmdWrite(ctx context.Context, args []string) error {
	if err := needArgs(args, 2, "write <path> <text>"); err != nil {
		return err
	}
	ref, doc, err := a.open(ctx, args[0])
	if err != nil {
		return err
	}
	doc.SetText(strings.Join(args[1:], " "))
	ref.Close(ctx)
	a.thumbs.Invalidate(ref.Backend(), ref.File().Path(), thumbnail.Light, thumbnail.Dark)
	return nil
}

func (a *app) cmdRename(ctx context.Context, args []string) error {
	if err := needArgs(args, 2, "rename <path> <name>"); err != nil {
		return err
	}
	b, f, err := a.file(ctx, args[0])
	if err != nil {
		return err
	}
	old := f.Path()
	ref := document.Wrap(f, b, document.NewTextDocument)
	if err := ref.Rename(ctx, args[1]); err != nil {
		return err
	}
	a.thumbs.Invalidate(b, old, thumbnail.Light, thumbnail.Dark)
	fmt.Println(ref.File().Path())
	return nil
}

func (a *app) cmdDuplicate(ctx context.Context, args []string) error {
	if err := needArgs(args, 1, "dup <path> [backend-id]"); err != nil {
		return err
	}
	b, f, err := a.file(ctx, args[0])
	if err != nil {
		return err
	}
	var target storage.Backend
	if len(args) > 1 {
		t, ok := a.reg.Backend(args[1])
		if !ok {
			return fmt.Errorf("%w: %s", registry.ErrUnknownBackend, args[1])
		}
		if err := t.Initialize(ctx); err != nil {
			return err
		}
		target = t
	}
	dup, err := document.Wrap(f, b, document.NewTextDocument).Duplicate(ctx, target)
	if err != nil {
		return errors.New(storage.Message(err))
	}
	fmt.Println(dup.File().Path())
	return nil
}

func (a *app) cmdRemove(ctx context.Context, args []string) error {
	if err := needArgs(args, 1, "rm <path>"); err != nil {
		return err
	}
	b := a.active(ctx)
	p := a.resolve(ctx, args[0])
	if !b.DeleteFile(ctx, p) {
		return fmt.Errorf("could not delete %s", p)
	}
	a.thumbs.Invalidate(b, p, thumbnail.Light, thumbnail.Dark)
	return nil
}

func (a *app) cmdMkdir(ctx context.Context, args []string) error {
	if err := needArgs(args, 1, "mkdir <path>"); err != nil {
		return err
	}
	p := a.resolve(ctx, args[0])
	if !a.active(ctx).CreateDirectory(ctx, p) {
		return fmt.Errorf("could not create %s", p)
	}
	return nil
}

func (a *app) cmdThumb(ctx context.Context, args []string) error {
	if err := needArgs(args, 2, "thumb <path> <out.png> [light|dark]"); err != nil {
		return err
	}
	theme := thumbnail.Light
	if len(args) > 2 {
		theme = thumbnail.ThemeByName(args[2])
	}
	b, f, err := a.file(ctx, args[0])
	if err != nil {
		return err
	}
	img, err := a.thumbs.Thumbnail(ctx, b, f, theme)
	if err != nil {
		return errors.New(storage.Message(err))
	}
	return imaging.Save(img, args[1])
}

func (a *app) cmdAddFolder(ctx context.Context, args []string) error {
	host := newTerminalHost(os.Stdin, os.Stdout)
	if len(args) > 0 {
		host.dir = args[0]
	}
	return a.link(ctx, a.bookmarks, host)
}

func (a *app) cmdLinkDropbox(ctx context.Context) error {
	if !a.dropbox.CanAddBackend() {
		return errors.New("DROPBOX_APP_KEY is not set")
	}
	return a.link(ctx, a.dropbox, newTerminalHost(os.Stdin, os.Stdout))
}

func (a *app) link(ctx context.Context, p registry.Provider, host registry.HostContext) error {
	added, err := a.reg.Link(ctx, p, host)
	if err != nil {
		return err
	}
	if len(added) == 0 {
		fmt.Println("Nothing linked")
		return nil
	}
	for _, b := range added {
		fmt.Printf("Linked %s (%s)\n", b.Info().Description, b.ID())
	}
	return nil
}

func (a *app) cmdForget(ctx context.Context, args []string) error {
	if err := needArgs(args, 1, "forget <id>"); err != nil {
		return err
	}
	if err := a.reg.RemoveBackend(ctx, args[0]); err != nil {
		return err
	}
	return a.thumbCache.Clear()
}

func (a *app) cmdRefresh(ctx context.Context) error {
	r, err := registry.NewRefresher(a.reg, a.cfg.RefreshSchedule)
	if err != nil {
		return err
	}
	r.RunOnce(ctx)
	return a.cmdBackends()
}

func (a *app) cmdServe(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	refresher, err := registry.NewRefresher(a.reg, a.cfg.RefreshSchedule)
	if err != nil {
		return err
	}
	if err := refresher.Start(); err != nil {
		return err
	}
	defer refresher.Stop()

	var metricsServer *http.Server
	if a.cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logging.Info("metrics server listening", zap.String("addr", a.cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
		defer metricsServer.Close()
	}

	sub := a.reg.Subscribe()
	go func() {
		for range sub.C() {
			active := a.reg.Active()
			logging.Info("files changed",
				zap.String("backend_id", active.ID()),
				zap.String("status", statusText(active.Status())))
		}
	}()
	defer sub.Unsubscribe()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	logging.Info("docsync running", zap.String("backend_id", a.reg.Active().ID()))
	select {
	case <-sigCh:
		logging.Info("shutting down...")
	case <-ctx.Done():
	}
	return nil
}

func formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// terminalHost runs add flows on a terminal.
type terminalHost struct {
	in  *bufio.Reader
	out io.Writer
	dir string
}

func newTerminalHost(in io.Reader, out io.Writer) *terminalHost {
	return &terminalHost{in: bufio.NewReader(in), out: out}
}

func (h *terminalHost) PickDirectory(ctx context.Context) (string, error) {
	if h.dir != "" {
		return h.dir, nil
	}
	return h.Prompt(ctx, "Folder to link: ")
}

func (h *terminalHost) OpenURL(_ context.Context, url string) error {
	_, err := fmt.Fprintf(h.out, "Open this URL in a browser:\n\n  %s\n\n", url)
	return err
}

func (h *terminalHost) Prompt(_ context.Context, message string) (string, error) {
	fmt.Fprint(h.out, message)
	line, err := h.in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
