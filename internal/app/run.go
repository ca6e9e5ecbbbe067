package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailindex/internal/indexer"
	"github.com/nhle/mailindex/internal/listener"
	appsync "github.com/nhle/mailindex/internal/sync"
	"github.com/nhle/mailindex/internal/ui/progress"
)

// RunIndex indexes every account once and returns when the indexer goes
// idle or ctx is cancelled.
func (a *App) RunIndex(ctx context.Context) error {
	if err := a.ix.IndexEverything(ctx); err != nil {
		return err
	}

	// Registered after the first item is queued, so the first idle
	// notification marks the end of the run.
	done := make(chan struct{})
	id := a.ix.AddListener(a.progressLogger(done))
	defer a.ix.RemoveListener(id)

	select {
	case <-done:
		a.log.Info("indexing finished")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// progressLogger logs each folder as its walk starts and closes done on
// the first idle notification, if done is not nil.
func (a *App) progressLogger(done chan struct{}) indexer.ListenerFunc {
	var (
		mu     sync.Mutex
		folder string
		once   sync.Once
	)
	return func(p indexer.Progress) {
		mu.Lock()
		defer mu.Unlock()

		if p.Idle() {
			folder = ""
			if done != nil {
				once.Do(func() { close(done) })
			}
			return
		}
		if p.Folder != folder {
			folder = p.Folder
			a.log.Info("indexing folder",
				zap.String("folder", p.Folder),
				zap.Int("folder_index", p.FolderIndex),
				zap.Int("folder_total", p.FolderTotal),
				zap.Int("messages", p.MessageTotal),
			)
		}
	}
}

// WatchOptions selects the front end of RunWatch.
type WatchOptions struct {
	// TUI renders the progress view instead of logging progress.
	TUI bool
}

// RunWatch indexes everything, then keeps the index current from every
// configured event source until ctx is cancelled, the progress view is
// closed, or a source fails.
func (a *App) RunWatch(ctx context.Context, opts WatchOptions) error {
	g, ctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Metrics.Addr; addr != "" {
		g.Go(func() error { return a.serveMetrics(ctx, addr) })
	}

	dispatcher := listener.NewDispatcher(a.ix, a.mail, a.log.Named("events"))

	if url := a.cfg.Listener.AMQPURL; url != "" {
		l := listener.NewAMQPListener(url, a.cfg.Listener.Queue, dispatcher, a.log.Named("amqp"))
		g.Go(func() error { return l.Run(ctx) })
	}

	if a.cfg.Listener.WatchFiles {
		paths, ok := a.mail.(listener.PathResolver)
		if !ok {
			return fmt.Errorf("listener.watch_files needs a file-backed mail store, not %q", a.cfg.MailStore.Kind)
		}
		w := listener.NewFolderWatcher(paths, a.mail, a.ix, 0, a.log.Named("fswatch"))
		g.Go(func() error { return w.Run(ctx) })
	}

	var poller *appsync.Poller
	if interval := a.cfg.Listener.PollInterval; interval > 0 {
		poller = appsync.New(a.mail, a.ix, interval, a.log.Named("poller"))
		g.Go(func() error {
			poller.Run(ctx)
			return nil
		})
	} else if err := a.ix.IndexEverything(ctx); err != nil {
		return err
	}

	if opts.TUI {
		g.Go(func() error { return a.runProgressView(ctx, poller) })
	} else {
		id := a.ix.AddListener(a.progressLogger(nil))
		defer a.ix.RemoveListener(id)
	}

	<-ctx.Done()
	a.ix.Stop()
	return ignoreCancel(g.Wait())
}

// errQuit ends the watch when the progress view is closed.
var errQuit = errors.New("progress view closed")

func (a *App) runProgressView(ctx context.Context, poller *appsync.Poller) error {
	var opts []progress.Option
	if poller != nil {
		opts = append(opts, progress.WithPoller(poller))
	}
	m := progress.New(a.ix, a.ds.Stats, opts...)
	defer m.Close()

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("running progress view: %w", err)
	}
	return errQuit
}

func ignoreCancel(err error) error {
	if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
