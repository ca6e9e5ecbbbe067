package listener

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/nhle/mailindex/internal/mailstore"
)

const sourceFS = "fsnotify"

// DefaultDebounce is how long a folder must stay quiet before it is
// re-queued. Mail clients append to mbox files in many small writes.
const DefaultDebounce = 2 * time.Second

// PathResolver maps files on disk to folder URIs. *mboxstore.Store
// implements it.
type PathResolver interface {
	URIForPath(path string) (string, bool)
	WatchDirs() ([]string, error)
}

// Indexer is the part of the indexer driven by the folder watcher.
type Indexer interface {
	IndexFolder(ctx context.Context, folder mailstore.Folder) error
}

// FolderWatcher re-queues mbox folders whose files change on disk.
type FolderWatcher struct {
	paths    PathResolver
	mail     mailstore.Store
	indexer  Indexer
	log      *zap.Logger
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]time.Time
}

// NewFolderWatcher returns a watcher. A zero debounce uses
// DefaultDebounce.
func NewFolderWatcher(
	paths PathResolver,
	mail mailstore.Store,
	ix Indexer,
	debounce time.Duration,
	log *zap.Logger,
) *FolderWatcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &FolderWatcher{
		paths:    paths,
		mail:     mail,
		indexer:  ix,
		log:      log,
		debounce: debounce,
		pending:  make(map[string]time.Time),
	}
}

// Run watches until ctx is cancelled.
func (w *FolderWatcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	dirs, err := w.paths.WatchDirs()
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
	}
	w.log.Info("watching mail folders", zap.Int("dirs", len(dirs)))

	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			if dir := w.handleEvent(ev, time.Now()); dir != "" {
				if err := fw.Add(dir); err != nil {
					w.log.Warn("failed to watch new directory", zap.String("dir", dir), zap.Error(err))
				}
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			w.log.Warn("watcher error", zap.Error(err))
		case now := <-ticker.C:
			w.flush(ctx, now)
		}
	}
}

// handleEvent records the folder touched by ev. It returns a directory
// that should be watched as well, or "".
func (w *FolderWatcher) handleEvent(ev fsnotify.Event, now time.Time) string {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			return ev.Name
		}
	}
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return ""
	}

	uri, ok := w.paths.URIForPath(ev.Name)
	if !ok {
		return ""
	}

	w.mu.Lock()
	w.pending[uri] = now
	w.mu.Unlock()
	return ""
}

// flush queues every folder that has been quiet for the debounce period.
func (w *FolderWatcher) flush(ctx context.Context, now time.Time) {
	w.mu.Lock()
	var ready []string
	for uri, last := range w.pending {
		if now.Sub(last) >= w.debounce {
			ready = append(ready, uri)
			delete(w.pending, uri)
		}
	}
	w.mu.Unlock()

	sort.Strings(ready)
	for _, uri := range ready {
		if err := w.queue(ctx, uri); err != nil {
			w.log.Warn("failed to queue changed folder", zap.String("folder", uri), zap.Error(err))
		}
	}
}

func (w *FolderWatcher) queue(ctx context.Context, uri string) error {
	folder, err := w.mail.FolderByURI(ctx, uri)
	if err != nil {
		return err
	}
	w.log.Debug("folder changed on disk", zap.String("folder", uri))
	eventsConsumed(sourceFS, "folder.changed")
	return w.indexer.IndexFolder(ctx, folder)
}
