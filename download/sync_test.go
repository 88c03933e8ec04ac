package download

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/superfly/catalogsync"
	"github.com/superfly/catalogsync/catalogtest"
	"github.com/superfly/catalogsync/extraction"
	"github.com/superfly/catalogsync/inmem"
	"github.com/superfly/catalogsync/manifest"
	"github.com/superfly/catalogsync/perf"
)

var (
	t1 = time.Date(2020, 7, 8, 12, 58, 19, 0, time.UTC)
	t2 = time.Date(2024, 9, 23, 11, 27, 19, 0, time.UTC)
)

type fixture struct {
	t        *testing.T
	catalog  catalogsync.Catalog
	origin   *catalogtest.Origin
	store    *catalogtest.Store
	notifier *catalogtest.Notifier
	metrics  *perf.Metrics
	logs     *logtest.Hook
	syncer   *Syncer
}

func newFixture(t *testing.T, concurrency int) *fixture {
	t.Helper()
	c, err := inmem.New()
	require.NoError(t, err)

	f := &fixture{
		t:        t,
		catalog:  c,
		origin:   catalogtest.NewOrigin(),
		store:    catalogtest.NewStore(),
		notifier: &catalogtest.Notifier{},
		metrics:  perf.NewMetrics(prometheus.NewRegistry()),
	}

	logger, hook := logtest.NewNullLogger()
	f.logs = hook

	f.syncer, err = New(Dependencies{
		Catalog:     f.catalog,
		Origin:      f.origin,
		Store:       f.store,
		Notifier:    f.notifier,
		Logger:      logger,
		Metrics:     f.metrics,
		Concurrency: concurrency,
	})
	require.NoError(t, err)
	return f
}

// publish serves files under labels and records the release not ready.
func (f *fixture) publish(client, content string, files ...catalogtest.File) int64 {
	f.t.Helper()
	labels := catalogsync.Labels{Client: client, Content: content}
	m := f.origin.Publish(labels, files...)
	id, err := f.catalog.CreateRelease(context.Background(), &catalogsync.Release{Labels: labels, Manifest: m})
	require.NoError(f.t, err)
	return id
}

func (f *fixture) release(id int64) *catalogsync.Release {
	f.t.Helper()
	r, err := f.catalog.ReleaseByID(context.Background(), id)
	require.NoError(f.t, err)
	return r
}

func (f *fixture) entries(id int64) int {
	f.t.Helper()
	n, err := f.catalog.CountEntries(context.Background(), id)
	require.NoError(f.t, err)
	return n
}

func (f *fixture) logEntry(msg string) *logrus.Entry {
	for _, e := range f.logs.AllEntries() {
		if e.Message == msg {
			return e
		}
	}
	return nil
}

func zipFile(t *testing.T, name string, modified time.Time, entries ...catalogtest.ZipEntry) catalogtest.File {
	return catalogtest.File{Name: name, Data: catalogtest.Zip(t, modified, entries...)}
}

func distinctFiles(t *testing.T, n int) []catalogtest.File {
	files := make([]catalogtest.File, n)
	for i := range files {
		files[i] = zipFile(t, fmt.Sprintf("pack/file%02d.ab", i), t1,
			catalogtest.ZipEntry{Name: "data", Body: fmt.Sprintf("content %d", i)})
	}
	return files
}

func transportPath(name string) string {
	return manifest.FileDescriptor{Name: name}.TransportPath()
}

func TestDrainOne_TwoFileRelease(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	id := f.publish("1.1.0", "1.1.0", distinctFiles(t, 2)...)

	processed, err := f.syncer.DrainOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	r := f.release(id)
	require.True(t, r.Ready)
	require.Equal(t, 2, f.entries(id))
	require.Equal(t, 2, f.store.TotalWrites())
	require.Len(t, f.store.Keys(), 2)
	require.Equal(t, []catalogsync.Labels{{Client: "1.1.0", Content: "1.1.0"}}, f.notifier.Completions())

	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ReleasesReady))
	require.Equal(t, float64(2), testutil.ToFloat64(f.metrics.FilesSynced.WithLabelValues(perf.ResultDownloaded)))

	processed, err = f.syncer.DrainOne(ctx)
	require.NoError(t, err)
	require.False(t, processed)
}

func TestDrainOne_StoresOriginalBytesUnderHashKey(t *testing.T) {
	f := newFixture(t, 0)
	file := zipFile(t, "ui/skin/2018#sale.ab", t1, catalogtest.ZipEntry{Name: "a", Body: "alpha"})
	f.publish("1.0", "c1", file)

	_, err := f.syncer.DrainOne(context.Background())
	require.NoError(t, err)

	hash, err := extraction.Digest(file.Data)
	require.NoError(t, err)
	key, err := catalogsync.StoreKey(hash)
	require.NoError(t, err)

	stored, ok := f.store.Get(key)
	require.True(t, ok, "blob missing under %s", key)
	require.Equal(t, file.Data, stored)
	require.Equal(t, 1, f.origin.Fetches("ui_skin_2018__sale.dat"))

	c, err := f.catalog.ContentByHash(context.Background(), hash)
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Equal(t, int64(len(file.Data)), c.SizeBytes)
}

func TestDrainOne_DeduplicatesNormalizedContent(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	// Same entry bytes, different timestamps and entry order.
	a := zipFile(t, "ui/a.ab", t1,
		catalogtest.ZipEntry{Name: "x", Body: "hello"},
		catalogtest.ZipEntry{Name: "y", Body: "world"})
	b := zipFile(t, "ui/b.ab", t2,
		catalogtest.ZipEntry{Name: "y", Body: "world"},
		catalogtest.ZipEntry{Name: "x", Body: "hello"})
	require.NotEqual(t, a.Data, b.Data)

	first := f.publish("1.0", "c1", a, b)
	_, err := f.syncer.DrainOne(ctx)
	require.NoError(t, err)
	require.True(t, f.release(first).Ready)
	require.Equal(t, 2, f.entries(first))
	require.Equal(t, 1, f.store.TotalWrites())

	again := zipFile(t, "ui/c.ab", t2.Add(time.Hour),
		catalogtest.ZipEntry{Name: "x", Body: "hello"},
		catalogtest.ZipEntry{Name: "y", Body: "world"})
	second := f.publish("1.1", "c2", again)
	_, err = f.syncer.DrainOne(ctx)
	require.NoError(t, err)
	require.True(t, f.release(second).Ready)
	require.Equal(t, 1, f.entries(second))
	require.Equal(t, 1, f.store.TotalWrites(), "identical content must be written once")

	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.StoreWrites))
	require.Equal(t, float64(2), testutil.ToFloat64(f.metrics.FilesSynced.WithLabelValues(perf.ResultDeduplicated)))
}

func TestDrainOne_DedupUnderConcurrency(t *testing.T) {
	f := newFixture(t, 8)
	files := make([]catalogtest.File, 8)
	for i := range files {
		files[i] = zipFile(t, fmt.Sprintf("dup/%d.ab", i), t1.Add(time.Duration(i)*time.Minute),
			catalogtest.ZipEntry{Name: "same", Body: "identical payload"})
	}
	f.origin.SetFetchDelay(5 * time.Millisecond)
	id := f.publish("1.0", "c1", files...)

	_, err := f.syncer.DrainOne(context.Background())
	require.NoError(t, err)
	require.True(t, f.release(id).Ready)
	require.Equal(t, 8, f.entries(id))
	require.Equal(t, 1, f.store.TotalWrites())
}

func TestDrainOne_ResumesAfterFailure(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	files := distinctFiles(t, 6)
	id := f.publish("1.0", "c1", files...)

	// With one file in flight the batch stops at the failing file.
	failing := transportPath(files[3].Name)
	f.origin.FailPath(failing, catalogtest.ErrInjected)

	processed, err := f.syncer.DrainOne(ctx)
	require.True(t, processed)
	var serr *SyncError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, id, serr.ReleaseID)
	require.ErrorIs(t, err, catalogtest.ErrInjected)
	var oe *catalogsync.OriginError
	require.ErrorAs(t, err, &oe)
	var fe *FileError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, files[3].Name, fe.Path)

	require.False(t, f.release(id).Ready)
	done := f.entries(id)
	require.Equal(t, 3, done)
	require.Empty(t, f.notifier.Completions())
	require.Zero(t, f.origin.Fetches(transportPath(files[4].Name)), "no file starts after the batch is cancelled")

	f.origin.FailPath(failing, nil)
	before := f.origin.TotalFetches()

	processed, err = f.syncer.DrainOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	require.True(t, f.release(id).Ready)
	require.Equal(t, 6, f.entries(id))
	require.Equal(t, 6-done, f.origin.TotalFetches()-before, "only missing files are fetched again")
	require.Equal(t, 1, f.origin.Fetches(transportPath(files[0].Name)))
	require.Equal(t, float64(done), testutil.ToFloat64(f.metrics.FilesSynced.WithLabelValues(perf.ResultSkipped)))
}

func TestDrainOne_FetchFailsEverywhereThenRecovers(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	id := f.publish("1.1.0", "1.1.0", distinctFiles(t, 2)...)
	f.origin.FailFetch(catalogtest.ErrInjected)

	_, err := f.syncer.DrainOne(ctx)
	require.Error(t, err)
	require.False(t, catalogsync.IsValidation(err))
	require.False(t, f.release(id).Ready)
	require.Zero(t, f.entries(id))
	require.Zero(t, f.store.TotalWrites())

	f.origin.FailFetch(nil)
	processed, err := f.syncer.DrainOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	require.True(t, f.release(id).Ready)
}

func TestDrainOne_OldestFirst(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	ids := []int64{
		f.publish("1.0", "r1", distinctFiles(t, 1)...),
		f.publish("1.1", "r2", distinctFiles(t, 2)...),
		f.publish("1.2", "r3", distinctFiles(t, 3)...),
	}

	for i, id := range ids {
		processed, err := f.syncer.DrainOne(ctx)
		require.NoError(t, err)
		require.True(t, processed)
		require.True(t, f.release(id).Ready, "release %d should be ready after call %d", id, i+1)
		for _, later := range ids[i+1:] {
			require.False(t, f.release(later).Ready, "release %d drained out of order", later)
		}
	}

	processed, err := f.syncer.DrainOne(ctx)
	require.NoError(t, err)
	require.False(t, processed)

	completions := f.notifier.Completions()
	require.Len(t, completions, 3)
	require.Equal(t, "r1", completions[0].Content)
	require.Equal(t, "r3", completions[2].Content)
}

func TestDrainOne_ConcurrencyBound(t *testing.T) {
	const k = 3
	f := newFixture(t, k)
	f.origin.SetFetchDelay(20 * time.Millisecond)
	id := f.publish("1.0", "c1", distinctFiles(t, 12)...)

	_, err := f.syncer.DrainOne(context.Background())
	require.NoError(t, err)
	require.True(t, f.release(id).Ready)

	peak := f.origin.PeakInflight()
	require.LessOrEqual(t, peak, k)
	require.Greater(t, peak, 1, "downloads should overlap")
	require.Equal(t, float64(0), testutil.ToFloat64(f.metrics.InflightFetches))

	ready := f.logEntry("release ready")
	require.NotNil(t, ready)
	require.Equal(t, k, ready.Data["inflight_limit"])
	require.LessOrEqual(t, ready.Data["peak_inflight"], k)
	require.Greater(t, ready.Data["peak_inflight"], 1)
}

func TestDrainOne_DefaultConcurrencyIsFive(t *testing.T) {
	f := newFixture(t, 0)
	require.Equal(t, DefaultConcurrency, f.syncer.Concurrency())
	f.origin.SetFetchDelay(20 * time.Millisecond)
	f.publish("1.0", "c1", distinctFiles(t, 15)...)

	_, err := f.syncer.DrainOne(context.Background())
	require.NoError(t, err)
	require.LessOrEqual(t, f.origin.PeakInflight(), 5)
}

func TestDrainOne_ArchiveErrorFailsOnlyItsFile(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	files := distinctFiles(t, 4)
	files[1] = catalogtest.File{Name: "pack/broken.ab", Data: []byte("not a zip archive")}
	id := f.publish("1.0", "c1", files...)

	processed, err := f.syncer.DrainOne(ctx)
	require.True(t, processed)
	var ae *extraction.ArchiveError
	require.ErrorAs(t, err, &ae)
	require.True(t, catalogsync.IsValidation(err))

	// Siblings after the corrupt file still completed.
	require.Equal(t, 3, f.entries(id))
	require.False(t, f.release(id).Ready)
	require.Equal(t, 3, f.store.TotalWrites())
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.SyncFailures.WithLabelValues(perf.FailureArchive)))

	exists, err := f.catalog.EntryExists(ctx, id, "pack/broken.ab")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestDrainOne_StoreFailureWritesNoContentRow(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	file := zipFile(t, "a.ab", t1, catalogtest.ZipEntry{Name: "a", Body: "alpha"})
	id := f.publish("1.0", "c1", file)
	f.store.Fail(catalogtest.ErrInjected)

	_, err := f.syncer.DrainOne(ctx)
	require.ErrorIs(t, err, catalogtest.ErrInjected)
	require.False(t, f.release(id).Ready)

	hash, err := extraction.Digest(file.Data)
	require.NoError(t, err)
	c, err := f.catalog.ContentByHash(ctx, hash)
	require.NoError(t, err)
	require.Nil(t, c)
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.SyncFailures.WithLabelValues(perf.FailureTransient)))

	f.store.Fail(nil)
	_, err = f.syncer.DrainOne(ctx)
	require.NoError(t, err)
	require.True(t, f.release(id).Ready)
}

func TestDrainOne_NotifierFailureIsIgnored(t *testing.T) {
	f := newFixture(t, 0)
	f.notifier.Fail(errors.New("smtp down"))
	id := f.publish("1.0", "c1", distinctFiles(t, 2)...)

	_, err := f.syncer.DrainOne(context.Background())
	require.NoError(t, err)
	require.True(t, f.release(id).Ready)
}

func TestDrainOne_EmptyManifest(t *testing.T) {
	f := newFixture(t, 0)
	id := f.publish("1.0", "empty")

	processed, err := f.syncer.DrainOne(context.Background())
	require.NoError(t, err)
	require.True(t, processed)
	require.True(t, f.release(id).Ready)
	require.Len(t, f.notifier.Completions(), 1)
}

func TestDrainOne_CancelledContext(t *testing.T) {
	f := newFixture(t, 2)
	f.origin.SetFetchDelay(time.Second)
	id := f.publish("1.0", "c1", distinctFiles(t, 6)...)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	processed, err := f.syncer.DrainOne(ctx)
	require.True(t, processed)
	require.Error(t, err)
	require.False(t, f.release(id).Ready)
}

type unreachableCatalog struct {
	catalogsync.Catalog
}

func (unreachableCatalog) OldestUnreadyRelease(context.Context) (*catalogsync.Release, error) {
	return nil, catalogtest.ErrInjected
}

func TestDrainOne_CatalogUnreachable(t *testing.T) {
	f := newFixture(t, 0)
	s, err := New(Dependencies{Catalog: unreachableCatalog{f.catalog}, Origin: f.origin, Store: f.store})
	require.NoError(t, err)

	processed, err := s.DrainOne(context.Background())
	require.False(t, processed)
	var serr *SyncError
	require.ErrorAs(t, err, &serr)
	require.ErrorIs(t, err, catalogtest.ErrInjected)
}

func TestSyncRelease(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	older := f.publish("1.0", "r1", distinctFiles(t, 1)...)
	newer := f.publish("1.1", "r2", distinctFiles(t, 2)...)

	require.NoError(t, f.syncer.SyncRelease(ctx, newer))
	require.True(t, f.release(newer).Ready)
	require.False(t, f.release(older).Ready)

	writes := f.store.TotalWrites()
	require.NoError(t, f.syncer.SyncRelease(ctx, newer), "ready release is a no-op")
	require.Equal(t, writes, f.store.TotalWrites())

	require.ErrorIs(t, f.syncer.SyncRelease(ctx, 999), catalogsync.ErrNotFound)
}

func TestPending(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	pending, err := f.syncer.Pending(ctx)
	require.NoError(t, err)
	require.False(t, pending)

	f.publish("1.0", "c1", distinctFiles(t, 1)...)
	pending, err = f.syncer.Pending(ctx)
	require.NoError(t, err)
	require.True(t, pending)

	_, err = f.syncer.DrainOne(ctx)
	require.NoError(t, err)
	pending, err = f.syncer.Pending(ctx)
	require.NoError(t, err)
	require.False(t, pending)
}

func TestNew_RequiresPorts(t *testing.T) {
	c, err := inmem.New()
	require.NoError(t, err)
	_, err = New(Dependencies{Catalog: c, Origin: catalogtest.NewOrigin()})
	require.Error(t, err)
	_, err = New(Dependencies{Catalog: c, Store: catalogtest.NewStore()})
	require.Error(t, err)
	_, err = New(Dependencies{Origin: catalogtest.NewOrigin(), Store: catalogtest.NewStore()})
	require.Error(t, err)
}
