package perf

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// File results used as the "result" label and by SyncStats.
const (
	ResultDownloaded   = "downloaded"
	ResultDeduplicated = "deduplicated"
	ResultSkipped      = "skipped"
	ResultFailed       = "failed"
)

// Failure kinds used as the "kind" label.
const (
	FailureArchive   = "archive"
	FailureTransient = "transient"
)

const namespace = "catalogsync"

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	ReleasesDetected prometheus.Counter
	ReleasesReady    prometheus.Counter
	CheckFailures    prometheus.Counter
	FilesSynced      *prometheus.CounterVec
	SyncFailures     *prometheus.CounterVec
	StoreWrites      prometheus.Counter
	StoreWriteBytes  prometheus.Counter
	DrainDuration    prometheus.Histogram
	InflightFetches  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReleasesDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "releases_detected_total",
			Help:      "New releases recorded by the release check.",
		}),
		ReleasesReady: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "releases_ready_total",
			Help:      "Releases marked ready by content sync.",
		}),
		CheckFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "check_failures_total",
			Help:      "Release checks that returned an error.",
		}),
		FilesSynced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_synced_total",
			Help:      "Manifest files accounted for, by result.",
		}, []string{"result"}),
		SyncFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_failures_total",
			Help:      "Per-file sync failures, by kind.",
		}, []string{"kind"}),
		StoreWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_writes_total",
			Help:      "Objects written to the content store.",
		}),
		StoreWriteBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_write_bytes_total",
			Help:      "Bytes written to the content store.",
		}),
		DrainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drain_duration_seconds",
			Help:      "Time spent draining one release.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		InflightFetches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_downloads",
			Help:      "File downloads currently in flight.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ReleasesDetected,
			m.ReleasesReady,
			m.CheckFailures,
			m.FilesSynced,
			m.SyncFailures,
			m.StoreWrites,
			m.StoreWriteBytes,
			m.DrainDuration,
			m.InflightFetches,
		)
	}
	return m
}

func (m *Metrics) ReleaseDetected() {
	if m != nil {
		m.ReleasesDetected.Inc()
	}
}

func (m *Metrics) ReleaseReady() {
	if m != nil {
		m.ReleasesReady.Inc()
	}
}

func (m *Metrics) CheckFailed() {
	if m != nil {
		m.CheckFailures.Inc()
	}
}

func (m *Metrics) FileSynced(result string) {
	if m != nil {
		m.FilesSynced.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) SyncFailed(kind string) {
	if m != nil {
		m.SyncFailures.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) StoreWrite(bytes int) {
	if m != nil {
		m.StoreWrites.Inc()
		m.StoreWriteBytes.Add(float64(bytes))
	}
}

func (m *Metrics) ObserveDrain(d time.Duration) {
	if m != nil {
		m.DrainDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) SetInflight(n int) {
	if m != nil {
		m.InflightFetches.Set(float64(n))
	}
}
