package device

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fruitsalade/docsync/internal/storage"
)

// watcher turns fsnotify events anywhere below root into notifier signals.
type watcher struct {
	fsw      *fsnotify.Watcher
	notifier *storage.Notifier
	log      *zap.Logger
	done     chan struct{}
	wg       sync.WaitGroup
}

func newWatcher(root string, notifier *storage.Notifier, log *zap.Logger) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{
		fsw:      fsw,
		notifier: notifier,
		log:      log,
		done:     make(chan struct{}),
	}
	if err := w.addTree(root); err != nil {
		fsw.Close()
		return nil, err
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

// addTree watches dir and every directory below it.
func (w *watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Directories may vanish while walking.
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *watcher) handle(event fsnotify.Event) {
	if isTemp(filepath.Base(event.Name)) {
		return
	}
	if event.Op&fsnotify.Create == fsnotify.Create {
		if st, err := os.Stat(event.Name); err == nil && st.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.log.Debug("watch new directory failed", zap.String("dir", event.Name), zap.Error(err))
			}
		}
	}
	if event.Op == fsnotify.Chmod {
		return
	}
	w.notifier.Notify()
}

func (w *watcher) close() error {
	close(w.done)
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}
