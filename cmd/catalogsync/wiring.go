package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/superfly/catalogsync"
	"github.com/superfly/catalogsync/blobstore"
	"github.com/superfly/catalogsync/check"
	"github.com/superfly/catalogsync/config"
	"github.com/superfly/catalogsync/database"
	"github.com/superfly/catalogsync/download"
	"github.com/superfly/catalogsync/extraction"
	"github.com/superfly/catalogsync/inmem"
	"github.com/superfly/catalogsync/notify"
	"github.com/superfly/catalogsync/origin"
	"github.com/superfly/catalogsync/perf"
	"github.com/superfly/catalogsync/s3"
)

// Dependencies holds the components built from the configuration.
type Dependencies struct {
	Catalog  catalogsync.Catalog
	Store    catalogsync.ContentStore
	Origin   *origin.Client
	Notifier catalogsync.Notifier
	Registry *prometheus.Registry
	Metrics  *perf.Metrics

	Checker *check.Checker
	Syncer  *download.Syncer

	closers []func() error
}

// Close releases the catalog and store.
func (d *Dependencies) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i]())
	}
	d.closers = nil
	return errors.Join(errs...)
}

// initializeDependencies builds the whole pipeline from cfg.
func (a *app) initializeDependencies(ctx context.Context) (*Dependencies, error) {
	cfg := a.cfg
	deps := &Dependencies{}

	catalog, closeCatalog, err := openCatalog(cfg)
	if err != nil {
		return nil, err
	}
	deps.Catalog = catalog
	if closeCatalog != nil {
		deps.closers = append(deps.closers, closeCatalog)
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.Store = store
	if closeStore != nil {
		deps.closers = append(deps.closers, closeStore)
	}

	deps.Origin, err = origin.New(cfg.Origin)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to create origin client: %w", err)
	}
	deps.Origin.SetLogger(a.log)

	deps.Notifier, err = a.newNotifier()
	if err != nil {
		deps.Close()
		return nil, err
	}

	deps.Registry = prometheus.NewRegistry()
	deps.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	deps.Metrics = perf.NewMetrics(deps.Registry)

	deps.Checker, err = check.New(check.Dependencies{
		Catalog:       deps.Catalog,
		Origin:        deps.Origin,
		Notifier:      deps.Notifier,
		Logger:        a.log,
		Metrics:       deps.Metrics,
		NotifyTimeout: cfg.Sync.NotifyTimeout,
	})
	if err != nil {
		deps.Close()
		return nil, err
	}

	digester := extraction.New()
	digester.SetLogger(a.log)

	deps.Syncer, err = download.New(download.Dependencies{
		Catalog:       deps.Catalog,
		Origin:        deps.Origin,
		Store:         deps.Store,
		Notifier:      deps.Notifier,
		Logger:        a.log,
		Metrics:       deps.Metrics,
		Digester:      digester,
		Concurrency:   cfg.Sync.Concurrency,
		NotifyTimeout: cfg.Sync.NotifyTimeout,
	})
	if err != nil {
		deps.Close()
		return nil, err
	}

	return deps, nil
}

// openCatalog returns the configured repository and its close func, if any.
func openCatalog(cfg *config.Config) (catalogsync.Catalog, func() error, error) {
	switch cfg.CatalogBackend {
	case config.CatalogMemory:
		c, err := inmem.New()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create memory catalog: %w", err)
		}
		return c, nil, nil
	case config.CatalogSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		db, err := database.New(cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		return db, db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown catalog backend %q", cfg.CatalogBackend)
	}
}

// openStore returns the configured content store and its close func, if any.
func (a *app) openStore(ctx context.Context) (catalogsync.ContentStore, func() error, error) {
	cfg := a.cfg.Store
	switch cfg.Backend {
	case config.StoreS3:
		c, err := s3.New(ctx, cfg.S3)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create S3 client: %w", err)
		}
		c.SetLogger(a.log)
		return c, nil, nil
	case config.StoreDir:
		d, err := blobstore.NewDir(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		d.SetLogger(a.log)
		return d, nil, nil
	case config.StoreBolt:
		if err := os.MkdirAll(filepath.Dir(cfg.BoltPath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create bolt directory: %w", err)
		}
		b, err := blobstore.OpenBolt(cfg.BoltPath, cfg.BoltTimeout)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// newNotifier always logs; it also mails when SMTP is configured.
func (a *app) newNotifier() (catalogsync.Notifier, error) {
	logNotifier := notify.Log{Logger: a.log}
	smtpCfg := a.cfg.Notify.SMTP
	if !smtpCfg.Enabled() {
		return logNotifier, nil
	}

	mailer, err := notify.NewSMTP(smtpCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create smtp notifier: %w", err)
	}
	mailer.SetLogger(a.log)
	return notify.Multi{logNotifier, mailer}, nil
}
