// Package perf provides performance measurement utilities for the sync pipeline.
package perf

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// Timer tracks operation timing for performance analysis.
type Timer struct {
	name      string
	startTime time.Time
	logger    logrus.FieldLogger
}

// Start begins timing an operation.
func Start(name string, logger logrus.FieldLogger) *Timer {
	return &Timer{
		name:      name,
		startTime: time.Now(),
		logger:    logger,
	}
}

// Stop ends timing and logs the duration.
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.startTime)
	if t.logger != nil {
		t.logger.WithFields(logrus.Fields{
			"operation":   t.name,
			"duration_ms": duration.Milliseconds(),
		}).Info("operation completed")
	}
	return duration
}

// StopWithThreshold logs a warning if duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	duration := time.Since(t.startTime)
	fields := logrus.Fields{
		"operation":   t.name,
		"duration_ms": duration.Milliseconds(),
	}
	if t.logger != nil {
		if duration > threshold {
			t.logger.WithFields(fields).Warn("operation exceeded threshold")
		} else {
			t.logger.WithFields(fields).Debug("operation completed")
		}
	}
	return duration
}

// SyncStats accumulates per-release counters for one drain.
type SyncStats struct {
	mu sync.Mutex

	Downloaded   int
	Deduplicated int
	Skipped      int
	Failed       int

	FetchedBytes int64
	StoredBytes  int64

	// PeakInflight is the most files synced at once; InflightLimit the bound.
	PeakInflight  int
	InflightLimit int

	FetchDuration  time.Duration
	DigestDuration time.Duration
	StoreDuration  time.Duration
	TotalDuration  time.Duration
}

// NewSyncStats creates an empty stats tracker.
func NewSyncStats() *SyncStats {
	return &SyncStats{}
}

// RecordFetch records one origin fetch.
func (s *SyncStats) RecordFetch(bytes int, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FetchedBytes += int64(bytes)
	s.FetchDuration += d
}

// RecordDigest records one archive digest.
func (s *SyncStats) RecordDigest(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DigestDuration += d
}

// RecordStore records one content store write.
func (s *SyncStats) RecordStore(bytes int, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StoredBytes += int64(bytes)
	s.StoreDuration += d
}

// RecordConcurrency records the peak and limit of concurrent file syncs.
func (s *SyncStats) RecordConcurrency(peak, limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if peak > s.PeakInflight {
		s.PeakInflight = peak
	}
	s.InflightLimit = limit
}

// RecordResult records how one file finished: "downloaded",
// "deduplicated", "skipped", or "failed".
func (s *SyncStats) RecordResult(result string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch result {
	case ResultDownloaded:
		s.Downloaded++
	case ResultDeduplicated:
		s.Deduplicated++
	case ResultSkipped:
		s.Skipped++
	default:
		s.Failed++
	}
}

// Fields returns the stats as log fields.
func (s *SyncStats) Fields() logrus.Fields {
	s.mu.Lock()
	defer s.mu.Unlock()
	return logrus.Fields{
		"downloaded":     s.Downloaded,
		"deduplicated":   s.Deduplicated,
		"skipped":        s.Skipped,
		"failed":         s.Failed,
		"fetched":        humanize.IBytes(uint64(s.FetchedBytes)),
		"stored":         humanize.IBytes(uint64(s.StoredBytes)),
		"peak_inflight":  s.PeakInflight,
		"inflight_limit": s.InflightLimit,
	}
}

// Summary returns a formatted summary of the stats.
func (s *SyncStats) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	files := s.Downloaded + s.Deduplicated + s.Skipped + s.Failed
	var dedupPercent float64
	if n := s.Downloaded + s.Deduplicated; n > 0 {
		dedupPercent = float64(s.Deduplicated) / float64(n) * 100
	}

	return fmt.Sprintf(`
=== Sync Summary ===
Total Duration:      %v
Files:               %d

Results:
  Downloaded:        %d
  Deduplicated:      %d (%.1f%% of fetched)
  Skipped:           %d
  Failed:            %d

Transfer:
  Fetched:           %s in %v
  Stored:            %s in %v
  Digest:            %v
  Peak fetches:      %d of %d
`,
		s.TotalDuration, files,
		s.Downloaded,
		s.Deduplicated, dedupPercent,
		s.Skipped,
		s.Failed,
		humanize.IBytes(uint64(s.FetchedBytes)), s.FetchDuration,
		humanize.IBytes(uint64(s.StoredBytes)), s.StoreDuration,
		s.DigestDuration,
		s.PeakInflight, s.InflightLimit,
	)
}

// contextKey is used to store stats in context.
type contextKey struct{}

// WithSyncStats adds stats to context.
func WithSyncStats(ctx context.Context, s *SyncStats) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// SyncStatsFromContext retrieves stats from context.
func SyncStatsFromContext(ctx context.Context) *SyncStats {
	s, _ := ctx.Value(contextKey{}).(*SyncStats)
	return s
}
