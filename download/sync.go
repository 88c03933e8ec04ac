// Package download implements content sync: it drains not-ready releases
// by fetching every manifest file, deduplicating by normalized archive
// hash, storing new content, and recording entries until the release is
// complete.
package download

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/superfly/catalogsync"
	"github.com/superfly/catalogsync/extraction"
	"github.com/superfly/catalogsync/manifest"
	"github.com/superfly/catalogsync/perf"
	"github.com/superfly/catalogsync/safeguards"
)

const (
	// DefaultConcurrency is the number of files fetched at once.
	DefaultConcurrency = 5
	// DefaultNotifyTimeout bounds the completion notification.
	DefaultNotifyTimeout = 30 * time.Second

	// fetchTimeout bounds a single origin download (large packs take time)
	fetchTimeout = 10 * time.Minute
	// storeTimeout bounds a single content store write
	storeTimeout = 5 * time.Minute
	// catalogTimeout bounds a single catalog query or insert
	catalogTimeout = 15 * time.Second
)

const (
	stepCheckEntry = "check-entry"
	stepFetch      = "fetch"
	stepDigest     = "digest"
	stepStore      = "store"
	stepRecord     = "record"
)

var tracer = otel.Tracer("github.com/superfly/catalogsync/download")

// Dependencies holds the external dependencies for content sync.
type Dependencies struct {
	Catalog  catalogsync.Catalog
	Origin   catalogsync.Origin
	Store    catalogsync.ContentStore
	Notifier catalogsync.Notifier
	Logger   logrus.FieldLogger
	Metrics  *perf.Metrics

	// Digester computes the content identity; nil uses extraction.New().
	Digester *extraction.Digester

	// Concurrency is the maximum number of files in flight (default 5).
	Concurrency int

	// NotifyTimeout bounds the completion notification (default 30s).
	NotifyTimeout time.Duration
}

// Syncer drains releases.
type Syncer struct {
	deps   Dependencies
	logger logrus.FieldLogger

	// hashLocks serializes the lookup-store-insert sequence per content hash
	hashLocks safeguards.KeyedMutex
}

// New returns a Syncer. Catalog, Origin and Store are required.
func New(deps Dependencies) (*Syncer, error) {
	if deps.Catalog == nil {
		return nil, errors.New("download: catalog is required")
	}
	if deps.Origin == nil {
		return nil, errors.New("download: origin is required")
	}
	if deps.Store == nil {
		return nil, errors.New("download: content store is required")
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Digester == nil {
		deps.Digester = extraction.New()
	}
	if deps.Concurrency <= 0 {
		deps.Concurrency = DefaultConcurrency
	}
	if deps.NotifyTimeout <= 0 {
		deps.NotifyTimeout = DefaultNotifyTimeout
	}
	return &Syncer{
		deps:   deps,
		logger: deps.Logger.WithField("component", "content-sync"),
	}, nil
}

// Concurrency returns the per-release file concurrency.
func (s *Syncer) Concurrency() int {
	return s.deps.Concurrency
}

// Pending reports whether any release is waiting to be drained.
func (s *Syncer) Pending(ctx context.Context) (bool, error) {
	r, err := s.oldestUnready(ctx)
	if err != nil {
		return false, err
	}
	return r != nil, nil
}

// DrainOne processes the oldest not-ready release (lowest id). It returns
// false with a nil error when nothing is pending, and true once a release
// was attempted. A failed attempt returns true with a *SyncError; the
// release stays not ready and the next call resumes it.
func (s *Syncer) DrainOne(ctx context.Context) (bool, error) {
	r, err := s.oldestUnready(ctx)
	if err != nil {
		s.logger.WithError(err).Error("failed to query pending releases")
		return false, &SyncError{Err: fmt.Errorf("catalog query failed: %w", err)}
	}
	if r == nil {
		return false, nil
	}
	return true, s.syncRelease(ctx, r)
}

// SyncRelease drains one release by id regardless of its age. Syncing a
// ready release is a no-op.
func (s *Syncer) SyncRelease(ctx context.Context, id int64) error {
	r, err := s.releaseByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load release %d: %w", id, err)
	}
	if r.Ready {
		s.logger.WithField("release_id", id).Info("release already ready, nothing to sync")
		return nil
	}
	return s.syncRelease(ctx, r)
}

func (s *Syncer) syncRelease(ctx context.Context, r *catalogsync.Release) (err error) {
	runID := ulid.Make().String()
	logger := s.logger.WithFields(logrus.Fields{
		"run_id":        runID,
		"release_id":    r.ID,
		"client_label":  r.Labels.Client,
		"content_label": r.Labels.Content,
	})

	ctx, span := tracer.Start(ctx, "download.SyncRelease", trace.WithAttributes(
		attribute.String("catalogsync.run_id", runID),
		attribute.Int64("catalogsync.release_id", r.ID),
		attribute.String("catalogsync.client_label", r.Labels.Client),
		attribute.String("catalogsync.content_label", r.Labels.Content),
		attribute.Int("catalogsync.files", r.Manifest.Len()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	stats := perf.NewSyncStats()
	ctx = perf.WithSyncStats(ctx, stats)
	start := time.Now()
	defer func() {
		stats.TotalDuration = time.Since(start)
		s.deps.Metrics.ObserveDrain(stats.TotalDuration)
	}()

	files := r.Manifest.Files()
	logger.WithFields(logrus.Fields{
		"files":       len(files),
		"packed_size": r.Manifest.TotalPackedSize(),
		"concurrency": s.deps.Concurrency,
	}).Info("draining release")

	if errs := s.syncFiles(ctx, r, files, logger); len(errs) > 0 {
		serr := &SyncError{Labels: r.Labels, ReleaseID: r.ID, Failed: len(errs), Err: errors.Join(errs...)}
		logger.WithFields(stats.Fields()).WithError(serr).Error("release sync failed; will resume on next drain")
		return serr
	}

	if err := s.markReady(ctx, r.ID); err != nil {
		logger.WithError(err).Error("failed to mark release ready")
		return &SyncError{Labels: r.Labels, ReleaseID: r.ID, Err: fmt.Errorf("catalog update failed: %w", err)}
	}
	s.deps.Metrics.ReleaseReady()

	stats.TotalDuration = time.Since(start)
	logger.WithFields(stats.Fields()).WithField("duration_ms", stats.TotalDuration.Milliseconds()).Info("release ready")
	logger.Debug(stats.Summary())

	s.notifyComplete(ctx, logger, r.Labels)
	return nil
}

// syncFiles runs the per-file procedure over files with at most
// Concurrency in flight and returns every per-file failure.
//
// A transient failure (origin, store, catalog) stops files that have not
// started yet; an ArchiveError fails only its own file.
func (s *Syncer) syncFiles(ctx context.Context, r *catalogsync.Release, files []manifest.FileDescriptor, logger logrus.FieldLogger) []error {
	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	guard := safeguards.NewOperationGuard(safeguards.GuardConfig{
		MaxConcurrent: s.deps.Concurrency,
		Logger:        logger,
		// a slot freed by a file that just cancelled the batch starts nothing
		HealthCheckFunc: func(ctx context.Context) error { return ctx.Err() },
		OnChange:        s.deps.Metrics.SetInflight,
	})
	stats := perf.SyncStatsFromContext(ctx)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	for _, d := range files {
		if err := guard.Acquire(batchCtx, d.Name); err != nil {
			break
		}

		wg.Add(1)
		go func(d manifest.FileDescriptor) {
			defer wg.Done()
			defer guard.Release(d.Name)

			flog := logger.WithField("path", d.Name)
			var result string
			err := safeguards.RecoverableOperation(flog, "sync-file", func() error {
				var err error
				result, err = s.syncFile(batchCtx, r, d, flog)
				return err
			})
			if err == nil {
				stats.RecordResult(result)
				s.deps.Metrics.FileSynced(result)
				return
			}

			// Cancelled because a sibling failed: not a failure of this file.
			if errors.Is(err, context.Canceled) && batchCtx.Err() != nil && ctx.Err() == nil {
				flog.Debug("file sync cancelled after sibling failure")
				return
			}

			stats.RecordResult(perf.ResultFailed)
			record(&FileError{Path: d.Name, Err: err})

			var ae *extraction.ArchiveError
			if errors.As(err, &ae) {
				s.deps.Metrics.SyncFailed(perf.FailureArchive)
				flog.WithError(err).Error("unreadable archive")
				return
			}
			s.deps.Metrics.SyncFailed(perf.FailureTransient)
			flog.WithError(err).Error("file sync failed; cancelling remaining files")
			cancel()
		}(d)
	}
	wg.Wait()
	stats.RecordConcurrency(guard.PeakOperations(), guard.Capacity())

	// Stopped launching because the caller went away.
	if len(errs) == 0 && ctx.Err() != nil {
		errs = append(errs, fmt.Errorf("sync interrupted: %w", ctx.Err()))
	}
	return errs
}

// syncFile accounts for one manifest file and reports how: skipped,
// deduplicated, or downloaded.
func (s *Syncer) syncFile(ctx context.Context, r *catalogsync.Release, d manifest.FileDescriptor, logger logrus.FieldLogger) (result string, err error) {
	ctx, span := tracer.Start(ctx, "download.SyncFile", trace.WithAttributes(
		attribute.String("catalogsync.path", d.Name),
	))
	defer func() {
		span.SetAttributes(attribute.String("catalogsync.result", result))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	stats := perf.SyncStatsFromContext(ctx)

	exists, err := s.entryExists(ctx, r.ID, d.Name)
	if err != nil {
		logger.WithField("step", stepCheckEntry).WithError(err).Error("failed to check entry")
		return "", fmt.Errorf("catalog query failed: %w", err)
	}
	if exists {
		logger.Debug("entry already recorded, skipping")
		return perf.ResultSkipped, nil
	}

	transportPath := d.TransportPath()
	fetchStart := time.Now()
	data, err := s.fetch(ctx, r.Labels.Content, transportPath)
	if err != nil {
		logger.WithFields(logrus.Fields{"step": stepFetch, "transport_path": transportPath}).WithError(err).Warn("fetch failed")
		return "", err
	}
	stats.RecordFetch(len(data), time.Since(fetchStart))

	digest, err := s.deps.Digester.Digest(ctx, data)
	if err != nil {
		logger.WithField("step", stepDigest).WithError(err).Warn("digest failed")
		return "", err
	}
	stats.RecordDigest(digest.Duration)

	unlock := s.hashLocks.Lock(digest.Hash)
	defer unlock()

	contentID, result, err := s.resolveContent(ctx, digest.Hash, data, logger)
	if err != nil {
		return "", err
	}

	_, err = s.createEntry(ctx, &catalogsync.Entry{ReleaseID: r.ID, Path: d.Name, ContentID: contentID})
	switch {
	case errors.Is(err, catalogsync.ErrConflict):
		logger.Debug("entry recorded concurrently")
	case err != nil:
		logger.WithField("step", stepRecord).WithError(err).Error("failed to record entry")
		return "", fmt.Errorf("catalog insert failed: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"hash":       digest.Hash,
		"content_id": contentID,
		"result":     result,
		"size":       len(data),
	}).Debug("file synced")
	return result, nil
}

// resolveContent returns the id of the content with hash, writing data to
// the store and inserting the row first if the hash is new. Callers hold
// the hash lock.
func (s *Syncer) resolveContent(ctx context.Context, hash string, data []byte, logger logrus.FieldLogger) (int64, string, error) {
	logger = logger.WithField("hash", hash)

	existing, err := s.contentByHash(ctx, hash)
	if err != nil {
		logger.WithField("step", stepStore).WithError(err).Error("failed to look up content")
		return 0, "", fmt.Errorf("catalog query failed: %w", err)
	}
	if existing != nil {
		return existing.ID, perf.ResultDeduplicated, nil
	}

	key, err := catalogsync.StoreKey(hash)
	if err != nil {
		return 0, "", err
	}

	storeStart := time.Now()
	if err := s.put(ctx, key, data); err != nil {
		logger.WithFields(logrus.Fields{"step": stepStore, "key": key}).WithError(err).Error("content store write failed")
		return 0, "", fmt.Errorf("content store write failed: %w", err)
	}
	perf.SyncStatsFromContext(ctx).RecordStore(len(data), time.Since(storeStart))
	s.deps.Metrics.StoreWrite(len(data))

	id, err := s.createContent(ctx, &catalogsync.Content{Hash: hash, SizeBytes: int64(len(data))})
	if errors.Is(err, catalogsync.ErrConflict) {
		// Another writer inserted the row after our lookup; the blob it
		// stored is byte-for-byte what we just wrote.
		existing, err = s.contentByHash(ctx, hash)
		if err != nil {
			return 0, "", fmt.Errorf("catalog query failed: %w", err)
		}
		if existing == nil {
			return 0, "", fmt.Errorf("content %s reported as existing but not found", hash)
		}
		return existing.ID, perf.ResultDownloaded, nil
	}
	if err != nil {
		logger.WithField("step", stepRecord).WithError(err).Error("failed to record content")
		return 0, "", fmt.Errorf("catalog insert failed: %w", err)
	}
	return id, perf.ResultDownloaded, nil
}

func (s *Syncer) notifyComplete(ctx context.Context, logger logrus.FieldLogger, labels catalogsync.Labels) {
	if s.deps.Notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.deps.NotifyTimeout)
	defer cancel()
	if err := s.deps.Notifier.NotifySyncComplete(ctx, labels); err != nil {
		logger.WithError(err).Warn("sync completion notification failed")
	}
}

func (s *Syncer) fetch(ctx context.Context, contentLabel, transportPath string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	return s.deps.Origin.FetchFile(ctx, contentLabel, transportPath)
}

func (s *Syncer) put(ctx context.Context, key string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	return s.deps.Store.Put(ctx, key, data)
}

func (s *Syncer) oldestUnready(ctx context.Context) (*catalogsync.Release, error) {
	ctx, cancel := context.WithTimeout(ctx, catalogTimeout)
	defer cancel()
	return s.deps.Catalog.OldestUnreadyRelease(ctx)
}

func (s *Syncer) releaseByID(ctx context.Context, id int64) (*catalogsync.Release, error) {
	ctx, cancel := context.WithTimeout(ctx, catalogTimeout)
	defer cancel()
	return s.deps.Catalog.ReleaseByID(ctx, id)
}

func (s *Syncer) markReady(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, catalogTimeout)
	defer cancel()
	return s.deps.Catalog.MarkReady(ctx, id)
}

func (s *Syncer) entryExists(ctx context.Context, releaseID int64, path string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, catalogTimeout)
	defer cancel()
	return s.deps.Catalog.EntryExists(ctx, releaseID, path)
}

func (s *Syncer) createEntry(ctx context.Context, e *catalogsync.Entry) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, catalogTimeout)
	defer cancel()
	return s.deps.Catalog.CreateEntry(ctx, e)
}

func (s *Syncer) contentByHash(ctx context.Context, hash string) (*catalogsync.Content, error) {
	ctx, cancel := context.WithTimeout(ctx, catalogTimeout)
	defer cancel()
	return s.deps.Catalog.ContentByHash(ctx, hash)
}

func (s *Syncer) createContent(ctx context.Context, c *catalogsync.Content) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, catalogTimeout)
	defer cancel()
	return s.deps.Catalog.CreateContent(ctx, c)
}
