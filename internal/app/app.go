// Package app wires the datastore, the mail store, the indexer and its
// event sources together for the mailindex commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/mailindex/internal/indexer"
	"github.com/nhle/mailindex/internal/mailstore"
	"github.com/nhle/mailindex/internal/mailstore/imapstore"
	"github.com/nhle/mailindex/internal/mailstore/mboxstore"
	"github.com/nhle/mailindex/internal/metrics"
	"github.com/nhle/mailindex/internal/model"
	"github.com/nhle/mailindex/internal/store"
)

// App holds the long-lived components of one mailindex process.
type App struct {
	cfg *model.AppConfig
	log *zap.Logger

	ds   store.Datastore
	mail mailstore.Store
	ix   *indexer.Indexer

	closers []func() error
}

// Option configures an App.
type Option func(*App)

// WithMailStore replaces the mail store selected by the configuration.
func WithMailStore(mail mailstore.Store) Option {
	return func(a *App) { a.mail = mail }
}

// WithDatastore replaces the datastore selected by the configuration. The
// App does not close it.
func WithDatastore(ds store.Datastore) Option {
	return func(a *App) { a.ds = ds }
}

// New opens the datastore and the mail store named by cfg and builds the
// indexer over them.
func New(ctx context.Context, cfg *model.AppConfig, log *zap.Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{cfg: cfg, log: log}
	for _, opt := range opts {
		opt(a)
	}

	if a.ds == nil {
		ds, err := store.Open(ctx, cfg.Datastore)
		if err != nil {
			return nil, fmt.Errorf("opening datastore: %w", err)
		}
		a.ds = ds
		a.closers = append(a.closers, ds.Close)
	}

	if a.mail == nil {
		mail, err := a.openMailStore()
		if err != nil {
			a.Close()
			return nil, err
		}
		a.mail = mail
	}

	a.ix = indexer.New(a.mail, a.ds,
		indexer.WithLogger(log.Named("indexer")),
		indexer.WithInterval(cfg.Indexer.Interval),
		indexer.WithTokensPerTick(cfg.Indexer.TokensPerTick),
		indexer.WithNotifyEvery(cfg.Indexer.NotifyEvery),
	)
	a.closers = append([]func() error{func() error { a.ix.Stop(); return nil }}, a.closers...)

	return a, nil
}

func (a *App) openMailStore() (mailstore.Store, error) {
	switch a.cfg.MailStore.Kind {
	case "imap":
		s := imapstore.New(a.cfg.MailStore.IMAP, imapstore.WithLogger(a.log.Named("imap")))
		a.closers = append(a.closers, s.Close)
		return s, nil
	case "mbox", "":
		if a.cfg.MailStore.ProfileDir == "" {
			return nil, errors.New("mail_store.profile_dir must be set for the mbox store")
		}
		return mboxstore.New(a.cfg.MailStore.ProfileDir, a.log.Named("mbox")), nil
	default:
		return nil, fmt.Errorf("unknown mail_store.kind %q", a.cfg.MailStore.Kind)
	}
}

// Indexer returns the indexer.
func (a *App) Indexer() *indexer.Indexer { return a.ix }

// Datastore returns the datastore.
func (a *App) Datastore() store.Datastore { return a.ds }

// MailStore returns the mail store.
func (a *App) MailStore() mailstore.Store { return a.mail }

// Close stops the indexer and releases the stores, in that order.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// serveMetrics exposes the Prometheus registry on addr until ctx ends.
func (a *App) serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	a.log.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving metrics: %w", err)
	}
	return nil
}
