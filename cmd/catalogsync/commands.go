package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/superfly/catalogsync/config"
	"github.com/superfly/catalogsync/database"
	"github.com/superfly/catalogsync/s3"
)

const probeTimeout = 20 * time.Second

func (a *app) withDependencies(fn func(ctx context.Context, deps *Dependencies) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		deps, err := a.initializeDependencies(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize dependencies: %w", err)
		}
		defer deps.Close()
		return fn(ctx, deps)
	}
}

func (a *app) checkCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Record the release the origin currently advertises",
		Args:  cobra.NoArgs,
		RunE: a.withDependencies(func(ctx context.Context, deps *Dependencies) error {
			created, err := deps.Checker.CheckAndRecord(ctx)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintln(a.out, "new release recorded")
			} else {
				fmt.Fprintln(a.out, "no new release")
			}
			return nil
		}),
	}
}

func (a *app) drainCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Sync not-ready releases, oldest first, until none is pending",
		Args:  cobra.NoArgs,
		RunE: a.withDependencies(func(ctx context.Context, deps *Dependencies) error {
			drained := 0
			for {
				processed, err := deps.Syncer.DrainOne(ctx)
				if err != nil {
					return err
				}
				if !processed {
					break
				}
				drained++
			}
			fmt.Fprintf(a.out, "drained %d release(s)\n", drained)
			return nil
		}),
	}
}

func (a *app) syncCommand() *cobra.Command {
	var releaseID int64
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync one release by id, regardless of age",
		Args:  cobra.NoArgs,
		RunE: a.withDependencies(func(ctx context.Context, deps *Dependencies) error {
			if err := deps.Syncer.SyncRelease(ctx, releaseID); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "release %d is ready\n", releaseID)
			return nil
		}),
	}
	cmd.Flags().Int64Var(&releaseID, "release", 0, "release id (see the releases command)")
	cobra.CheckErr(cmd.MarkFlagRequired("release"))
	return cmd
}

func (a *app) envCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "List the environment variables that override configuration",
		Args:  cobra.NoArgs,
		// overrides are listed even when the current configuration is invalid
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range config.EnvVars() {
				fmt.Fprintln(a.out, name)
			}
			return nil
		},
	}
}

func (a *app) releasesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "releases",
		Short: "List recorded releases with sync progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			catalog, closeCatalog, err := openCatalog(a.cfg)
			if err != nil {
				return err
			}
			if closeCatalog != nil {
				defer closeCatalog()
			}

			releases, err := catalog.ListReleases(ctx)
			if err != nil {
				return fmt.Errorf("failed to list releases: %w", err)
			}

			rows := make([]releaseRow, 0, len(releases))
			for _, r := range releases {
				entries, err := catalog.CountEntries(ctx, r.ID)
				if err != nil {
					return fmt.Errorf("failed to count entries for release %d: %w", r.ID, err)
				}
				rows = append(rows, releaseRow{
					ID:        r.ID,
					Client:    r.Labels.Client,
					Content:   r.Labels.Content,
					Ready:     r.Ready,
					Entries:   entries,
					Files:     r.Manifest.Len(),
					Size:      r.Manifest.TotalPackedSize(),
					CreatedAt: r.CreatedAt,
				})
			}

			var footer string
			if db, ok := catalog.(*database.DB); ok {
				stats, err := db.Stats(ctx)
				if err != nil {
					return fmt.Errorf("failed to read catalog stats: %w", err)
				}
				footer = fmt.Sprintf("%d distinct contents, %s stored", stats.Contents, humanize.IBytes(uint64(stats.StoredBytes)))
			}

			fmt.Fprint(a.out, renderReleasesTable(rows, footer))
			return nil
		},
	}
}

// blobProber is what verify-store needs from the local stores.
type blobProber interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

func (a *app) verifyStoreCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-store",
		Short: "Write, read back, and delete a probe object in the content store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, closeStore, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			if closeStore != nil {
				defer closeStore()
			}

			var results []s3.CheckResult
			switch st := store.(type) {
			case *s3.Client:
				results = st.Probe(ctx, probeTimeout)
			case blobProber:
				results = probeLocal(ctx, st)
			default:
				return fmt.Errorf("store backend %q cannot be verified", a.cfg.Store.Backend)
			}
			return a.printProbe(results)
		},
	}
}

// probeLocal runs the same write/read/delete round trip as the S3 probe
// against a local store.
func probeLocal(ctx context.Context, store blobProber) []s3.CheckResult {
	key := s3.ProbePrefix + ulid.Make().String()
	payload := []byte("catalogsync probe " + key)

	results := []s3.CheckResult{{Name: "store:Put", Required: true}}
	if err := store.Put(ctx, key, payload); err != nil {
		results[0].Detail = err.Error()
		return results
	}
	results[0].Pass = true

	get := s3.CheckResult{Name: "store:Get", Required: true}
	data, err := store.Get(ctx, key)
	switch {
	case err != nil:
		get.Detail = err.Error()
	case !bytes.Equal(data, payload):
		get.Detail = "read back different bytes"
	default:
		get.Pass = true
	}
	results = append(results, get)

	del := s3.CheckResult{Name: "store:Delete"}
	if err := store.Delete(ctx, key); err != nil {
		del.Detail = err.Error()
	} else {
		del.Pass = true
	}
	return append(results, del)
}

var errProbeFailed = errors.New("required store checks failed")

func (a *app) printProbe(results []s3.CheckResult) error {
	fmt.Fprintf(a.out, "Content store check (%s):\n", a.cfg.Store.Backend)
	missing := 0
	for _, r := range results {
		status := "OK"
		if !r.Pass {
			if r.Required {
				status = "FAILED"
				missing++
			} else {
				status = "OPTIONAL"
			}
		}
		if r.Detail != "" {
			fmt.Fprintf(a.out, "- %-16s : %-8s %s\n", r.Name, status, r.Detail)
		} else {
			fmt.Fprintf(a.out, "- %-16s : %-8s\n", r.Name, status)
		}
	}

	if missing > 0 {
		fmt.Fprintf(a.out, "\nResult: %d required check(s) failed.\n", missing)
		return fmt.Errorf("%w: %d of %d", errProbeFailed, missing, len(results))
	}
	fmt.Fprintln(a.out, "\nResult: store is usable.")
	return nil
}
