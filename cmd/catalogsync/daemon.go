package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/superfly/catalogsync/ops"
	"github.com/superfly/catalogsync/poll"
)

func (a *app) daemonCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Poll the origin and drain new releases until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runDaemon(cmd.Context())
		},
	}
}

// acquireDaemonLock takes an exclusive lock on path so that only one daemon
// works on a catalog at a time. The lock goes away with the process.
func acquireDaemonLock(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("another catalogsync daemon holds the lock at %s", path)
	}
	return lock, nil
}

func (a *app) runDaemon(ctx context.Context) error {
	lock, err := acquireDaemonLock(a.cfg.LockPath)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	a.log.WithFields(logrus.Fields{
		"lock_path":       a.cfg.LockPath,
		"pid":             os.Getpid(),
		"catalog_backend": a.cfg.CatalogBackend,
		"store_backend":   a.cfg.Store.Backend,
	}).Info("starting daemon")

	deps, err := a.initializeDependencies(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	coordinator, err := poll.New(poll.Dependencies{
		Checker:    deps.Checker,
		Drainer:    deps.Syncer,
		Logger:     a.log,
		Interval:   a.cfg.Sync.PollInterval,
		RetryDelay: a.cfg.Sync.RetryDelay,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opsErr := make(chan error, 1)
	if a.cfg.Ops.Listen != "" {
		server := ops.New(ops.Dependencies{
			Catalog:  deps.Catalog,
			Drain:    coordinator,
			Gatherer: deps.Registry,
			Logger:   a.log,
		})
		go func() {
			err := server.ListenAndServe(ctx, a.cfg.Ops)
			if err != nil {
				a.log.WithError(err).Error("ops server failed; stopping daemon")
			}
			opsErr <- err
			cancel()
		}()
	} else {
		opsErr <- nil
	}

	// Run returns once ctx is done and the drain loop has exited.
	if err := coordinator.Run(ctx); err != nil {
		return err
	}
	if err := <-opsErr; err != nil {
		return err
	}

	a.log.Info("shutdown complete")
	return nil
}
