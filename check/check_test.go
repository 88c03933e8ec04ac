package check

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/superfly/catalogsync"
	"github.com/superfly/catalogsync/catalogtest"
	"github.com/superfly/catalogsync/inmem"
	"github.com/superfly/catalogsync/manifest"
	"github.com/superfly/catalogsync/perf"
)

type fixture struct {
	catalog  catalogsync.Catalog
	origin   *catalogtest.Origin
	notifier *catalogtest.Notifier
	metrics  *perf.Metrics
	checker  *Checker
}

func newFixture(t *testing.T, wrap func(catalogsync.Catalog) catalogsync.Catalog) *fixture {
	t.Helper()
	base, err := inmem.New()
	require.NoError(t, err)

	f := &fixture{
		catalog:  base,
		origin:   catalogtest.NewOrigin(),
		notifier: &catalogtest.Notifier{},
		metrics:  perf.NewMetrics(prometheus.NewRegistry()),
	}
	if wrap != nil {
		f.catalog = wrap(base)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	f.checker, err = New(Dependencies{
		Catalog:  f.catalog,
		Origin:   f.origin,
		Notifier: f.notifier,
		Logger:   logger,
		Metrics:  f.metrics,
	})
	require.NoError(t, err)
	return f
}

func twoFiles() []catalogtest.File {
	return []catalogtest.File{
		{Name: "ui/a.ab", Data: []byte("a")},
		{Name: "ui/b.ab", Data: []byte("b")},
	}
}

func TestCheckAndRecord_NewRelease(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	labels := catalogsync.Labels{Client: "1.1.0", Content: "1.1.0"}
	f.origin.Publish(labels, twoFiles()...)

	created, err := f.checker.CheckAndRecord(ctx)
	require.NoError(t, err)
	require.True(t, created)

	r, err := f.catalog.LatestRelease(ctx)
	require.NoError(t, err)
	require.NotNil(t, r)
	require.Equal(t, labels, r.Labels)
	require.False(t, r.Ready)
	require.Equal(t, 2, r.Manifest.Len())

	changes := f.notifier.Changes()
	require.Len(t, changes, 1)
	require.True(t, changes[0].Prev.IsZero(), "first release has no predecessor")
	require.Equal(t, labels, changes[0].Next)
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ReleasesDetected))

	// No files are fetched by the check itself.
	require.Zero(t, f.origin.TotalFetches())
}

func TestCheckAndRecord_Idempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.origin.Publish(catalogsync.Labels{Client: "1.1.0", Content: "1.1.0"}, twoFiles()...)

	created, err := f.checker.CheckAndRecord(ctx)
	require.NoError(t, err)
	require.True(t, created)

	created, err = f.checker.CheckAndRecord(ctx)
	require.NoError(t, err)
	require.False(t, created)

	all, err := f.catalog.ListReleases(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Len(t, f.notifier.Changes(), 1)
}

func TestCheckAndRecord_NotifiesPreviousLabels(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	first := catalogsync.Labels{Client: "1.0.0", Content: "24-01-01-aaaa"}
	second := catalogsync.Labels{Client: "1.0.1", Content: "24-02-01-bbbb"}

	f.origin.Publish(first, twoFiles()...)
	_, err := f.checker.CheckAndRecord(ctx)
	require.NoError(t, err)

	f.origin.Publish(second, twoFiles()...)
	created, err := f.checker.CheckAndRecord(ctx)
	require.NoError(t, err)
	require.True(t, created)

	changes := f.notifier.Changes()
	require.Len(t, changes, 2)
	require.Equal(t, catalogtest.Change{Prev: first, Next: second}, changes[1])
}

func TestCheckAndRecord_NotifierFailureIsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	f.notifier.Fail(errors.New("smtp down"))
	f.origin.Publish(catalogsync.Labels{Client: "1.1.0", Content: "1.1.0"}, twoFiles()...)

	created, err := f.checker.CheckAndRecord(context.Background())
	require.NoError(t, err)
	require.True(t, created)
}

func TestCheckAndRecord_OriginUnreachable(t *testing.T) {
	f := newFixture(t, nil)
	f.origin.FailLabels(catalogtest.ErrInjected)

	created, err := f.checker.CheckAndRecord(context.Background())
	require.False(t, created)
	var oe *catalogsync.OriginError
	require.ErrorAs(t, err, &oe)
	require.ErrorIs(t, err, catalogtest.ErrInjected)
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.CheckFailures))
}

func TestCheckAndRecord_ManifestUnreachable(t *testing.T) {
	f := newFixture(t, nil)
	f.origin.Publish(catalogsync.Labels{Client: "1.1.0", Content: "1.1.0"}, twoFiles()...)
	f.origin.FailManifest(catalogtest.ErrInjected)

	_, err := f.checker.CheckAndRecord(context.Background())
	var oe *catalogsync.OriginError
	require.ErrorAs(t, err, &oe)

	all, err := f.catalog.ListReleases(context.Background())
	require.NoError(t, err)
	require.Empty(t, all)
	require.Empty(t, f.notifier.Changes())
}

func TestCheckAndRecord_BadManifest(t *testing.T) {
	f := newFixture(t, nil)
	f.origin.SetLabels(catalogsync.Labels{Client: "1.1.0", Content: "1.1.0"})
	f.origin.SetManifest("1.1.0", `{"abInfos":[{"name":""}]}`)

	created, err := f.checker.CheckAndRecord(context.Background())
	require.False(t, created)
	var me *manifest.Error
	require.ErrorAs(t, err, &me)
	require.True(t, catalogsync.IsValidation(err))

	r, err := f.catalog.LatestRelease(context.Background())
	require.NoError(t, err)
	require.Nil(t, r)
}

func TestCheckAndRecord_InvalidLabels(t *testing.T) {
	f := newFixture(t, nil)
	f.origin.SetLabels(catalogsync.Labels{Client: "v1; drop", Content: "1.1.0"})

	_, err := f.checker.CheckAndRecord(context.Background())
	require.ErrorIs(t, err, catalogsync.ErrInvalidLabel)
	require.True(t, catalogsync.IsValidation(err))
}

// racingCatalog records the same labels just before the checker's insert.
type racingCatalog struct {
	catalogsync.Catalog
}

func (c racingCatalog) CreateRelease(ctx context.Context, r *catalogsync.Release) (int64, error) {
	if _, err := c.Catalog.CreateRelease(ctx, &catalogsync.Release{Labels: r.Labels, Manifest: r.Manifest}); err != nil {
		return 0, err
	}
	return c.Catalog.CreateRelease(ctx, r)
}

func TestCheckAndRecord_ConcurrentInsertIsNotAnError(t *testing.T) {
	f := newFixture(t, func(c catalogsync.Catalog) catalogsync.Catalog { return racingCatalog{c} })
	f.origin.Publish(catalogsync.Labels{Client: "1.1.0", Content: "1.1.0"}, twoFiles()...)

	created, err := f.checker.CheckAndRecord(context.Background())
	require.NoError(t, err)
	require.False(t, created)
}

type brokenCatalog struct {
	catalogsync.Catalog
}

func (brokenCatalog) ReleaseExists(context.Context, catalogsync.Labels) (bool, error) {
	return false, catalogtest.ErrInjected
}

func TestCheckAndRecord_CatalogUnreachable(t *testing.T) {
	f := newFixture(t, func(c catalogsync.Catalog) catalogsync.Catalog { return brokenCatalog{c} })
	f.origin.Publish(catalogsync.Labels{Client: "1.1.0", Content: "1.1.0"}, twoFiles()...)

	_, err := f.checker.CheckAndRecord(context.Background())
	require.ErrorIs(t, err, catalogtest.ErrInjected)
	require.False(t, catalogsync.IsValidation(err))
}

func TestNew_RequiresPorts(t *testing.T) {
	_, err := New(Dependencies{Origin: catalogtest.NewOrigin()})
	require.Error(t, err)

	c, err := inmem.New()
	require.NoError(t, err)
	_, err = New(Dependencies{Catalog: c})
	require.Error(t, err)
}
