package catalogtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/superfly/catalogsync"
	"github.com/superfly/catalogsync/manifest"
)

// Hash returns a deterministic valid content hash derived from seed.
func Hash(seed int) string {
	return fmt.Sprintf("%064x", seed)
}

// NewRelease returns an unpersisted release whose manifest lists files.
func NewRelease(client, content string, files ...string) *catalogsync.Release {
	descs := make([]manifest.FileDescriptor, 0, len(files))
	for _, f := range files {
		descs = append(descs, manifest.FileDescriptor{Name: f})
	}
	m, err := manifest.Build(content, descs...)
	if err != nil {
		panic(err)
	}
	return &catalogsync.Release{
		Labels:   catalogsync.Labels{Client: client, Content: content},
		Manifest: m,
	}
}

// RunCatalogContract runs the behaviour every Catalog must provide.
// newCatalog must return an empty catalog; it is called once per subtest.
func RunCatalogContract(t *testing.T, newCatalog func(t *testing.T) catalogsync.Catalog) {
	t.Run("CreateReleaseAssignsIDs", func(t *testing.T) {
		ctx := context.Background()
		c := newCatalog(t)

		id1, err := c.CreateRelease(ctx, NewRelease("1.0.0", "a", "x"))
		require.NoError(t, err)
		id2, err := c.CreateRelease(ctx, NewRelease("1.0.0", "b", "x"))
		require.NoError(t, err)
		require.NotZero(t, id1)
		require.Greater(t, id2, id1)

		r, err := c.ReleaseByID(ctx, id1)
		require.NoError(t, err)
		require.Equal(t, id1, r.ID)
		require.Equal(t, catalogsync.Labels{Client: "1.0.0", Content: "a"}, r.Labels)
		require.False(t, r.Ready)
		require.False(t, r.CreatedAt.IsZero())
	})

	t.Run("DuplicateLabelsConflict", func(t *testing.T) {
		ctx := context.Background()
		c := newCatalog(t)

		_, err := c.CreateRelease(ctx, NewRelease("1.0.0", "a"))
		require.NoError(t, err)
		_, err = c.CreateRelease(ctx, NewRelease("1.0.0", "a"))
		require.ErrorIs(t, err, catalogsync.ErrConflict)

		_, err = c.CreateRelease(ctx, NewRelease("1.0.1", "a"))
		require.NoError(t, err, "same content label with a new client label is a new release")
	})

	t.Run("ReleaseExists", func(t *testing.T) {
		ctx := context.Background()
		c := newCatalog(t)

		ok, err := c.ReleaseExists(ctx, catalogsync.Labels{Client: "1.0.0", Content: "a"})
		require.NoError(t, err)
		require.False(t, ok)

		_, err = c.CreateRelease(ctx, NewRelease("1.0.0", "a"))
		require.NoError(t, err)

		ok, err = c.ReleaseExists(ctx, catalogsync.Labels{Client: "1.0.0", Content: "a"})
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = c.ReleaseExists(ctx, catalogsync.Labels{Client: "1.0.0", Content: "b"})
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("ManifestRoundTrip", func(t *testing.T) {
		ctx := context.Background()
		c := newCatalog(t)

		raw := `{"versionId":"v1","fullPack":{"totalSize":1},"abInfos":[{"name":"a/b#c.ab","hash":"h","md5":"m","totalSize":10,"abSize":12}]}`
		id, err := c.CreateRelease(ctx, &catalogsync.Release{
			Labels:   catalogsync.Labels{Client: "1.0.0", Content: "a"},
			Manifest: manifest.MustParse(raw),
		})
		require.NoError(t, err)

		r, err := c.ReleaseByID(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, r.Manifest)
		require.Equal(t, raw, r.Manifest.Raw())
		require.Equal(t, 1, r.Manifest.Len())
		require.Equal(t, "a/b#c.ab", r.Manifest.At(0).Name)
		require.Equal(t, int64(12), r.Manifest.At(0).PackedSize)
	})

	t.Run("ReleaseByIDNotFound", func(t *testing.T) {
		c := newCatalog(t)
		_, err := c.ReleaseByID(context.Background(), 12345)
		require.ErrorIs(t, err, catalogsync.ErrNotFound)
	})

	t.Run("LatestRelease", func(t *testing.T) {
		ctx := context.Background()
		c := newCatalog(t)

		r, err := c.LatestRelease(ctx)
		require.NoError(t, err)
		require.Nil(t, r)

		_, err = c.CreateRelease(ctx, NewRelease("1.0.0", "a"))
		require.NoError(t, err)
		id2, err := c.CreateRelease(ctx, NewRelease("1.0.0", "b"))
		require.NoError(t, err)

		r, err = c.LatestRelease(ctx)
		require.NoError(t, err)
		require.Equal(t, id2, r.ID)
	})

	t.Run("OldestUnreadyRelease", func(t *testing.T) {
		ctx := context.Background()
		c := newCatalog(t)

		r, err := c.OldestUnreadyRelease(ctx)
		require.NoError(t, err)
		require.Nil(t, r)

		var ids []int64
		for i := 0; i < 12; i++ {
			id, err := c.CreateRelease(ctx, NewRelease("1.0.0", fmt.Sprintf("c%d", i)))
			require.NoError(t, err)
			ids = append(ids, id)
		}

		for _, want := range ids {
			r, err := c.OldestUnreadyRelease(ctx)
			require.NoError(t, err)
			require.NotNil(t, r)
			require.Equal(t, want, r.ID)
			require.NoError(t, c.MarkReady(ctx, r.ID))
		}

		r, err = c.OldestUnreadyRelease(ctx)
		require.NoError(t, err)
		require.Nil(t, r)
	})

	t.Run("MarkReady", func(t *testing.T) {
		ctx := context.Background()
		c := newCatalog(t)

		id, err := c.CreateRelease(ctx, NewRelease("1.0.0", "a"))
		require.NoError(t, err)

		require.NoError(t, c.MarkReady(ctx, id))
		require.NoError(t, c.MarkReady(ctx, id), "marking a ready release again is a no-op")

		r, err := c.ReleaseByID(ctx, id)
		require.NoError(t, err)
		require.True(t, r.Ready)

		require.ErrorIs(t, c.MarkReady(ctx, id+1000), catalogsync.ErrNotFound)
	})

	t.Run("ListReleasesNewestFirst", func(t *testing.T) {
		ctx := context.Background()
		c := newCatalog(t)

		list, err := c.ListReleases(ctx)
		require.NoError(t, err)
		require.Empty(t, list)

		for _, l := range []string{"a", "b", "c"} {
			_, err := c.CreateRelease(ctx, NewRelease("1.0.0", l))
			require.NoError(t, err)
		}

		list, err = c.ListReleases(ctx)
		require.NoError(t, err)
		require.Len(t, list, 3)
		require.Equal(t, "c", list[0].Labels.Content)
		require.Equal(t, "a", list[2].Labels.Content)
	})

	t.Run("Contents", func(t *testing.T) {
		ctx := context.Background()
		c := newCatalog(t)

		got, err := c.ContentByHash(ctx, Hash(1))
		require.NoError(t, err)
		require.Nil(t, got)

		id, err := c.CreateContent(ctx, &catalogsync.Content{Hash: Hash(1), SizeBytes: 42})
		require.NoError(t, err)
		require.NotZero(t, id)

		got, err = c.ContentByHash(ctx, Hash(1))
		require.NoError(t, err)
		require.Equal(t, &catalogsync.Content{ID: id, Hash: Hash(1), SizeBytes: 42}, got)

		_, err = c.CreateContent(ctx, &catalogsync.Content{Hash: Hash(1), SizeBytes: 7})
		require.ErrorIs(t, err, catalogsync.ErrConflict)
	})

	t.Run("ConcurrentContentCreateHasOneWinner", func(t *testing.T) {
		ctx := context.Background()
		c := newCatalog(t)

		const workers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			conflicts int
			others    []error
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := c.CreateContent(ctx, &catalogsync.Content{Hash: Hash(99), SizeBytes: 1})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, catalogsync.ErrConflict):
					conflicts++
				default:
					others = append(others, err)
				}
			}()
		}
		wg.Wait()

		require.Empty(t, others)
		require.Equal(t, 1, wins)
		require.Equal(t, workers-1, conflicts)
	})

	t.Run("Entries", func(t *testing.T) {
		ctx := context.Background()
		c := newCatalog(t)

		rid, err := c.CreateRelease(ctx, NewRelease("1.0.0", "a", "x", "y"))
		require.NoError(t, err)
		cid, err := c.CreateContent(ctx, &catalogsync.Content{Hash: Hash(1), SizeBytes: 1})
		require.NoError(t, err)

		ok, err := c.EntryExists(ctx, rid, "x")
		require.NoError(t, err)
		require.False(t, ok)

		n, err := c.CountEntries(ctx, rid)
		require.NoError(t, err)
		require.Zero(t, n)

		eid, err := c.CreateEntry(ctx, &catalogsync.Entry{ReleaseID: rid, Path: "x", ContentID: cid})
		require.NoError(t, err)
		require.NotZero(t, eid)

		ok, err = c.EntryExists(ctx, rid, "x")
		require.NoError(t, err)
		require.True(t, ok)

		_, err = c.CreateEntry(ctx, &catalogsync.Entry{ReleaseID: rid, Path: "x", ContentID: cid})
		require.ErrorIs(t, err, catalogsync.ErrConflict)

		_, err = c.CreateEntry(ctx, &catalogsync.Entry{ReleaseID: rid, Path: "y", ContentID: cid})
		require.NoError(t, err, "two entries may share one content")

		n, err = c.CountEntries(ctx, rid)
		require.NoError(t, err)
		require.Equal(t, 2, n)
	})

	t.Run("EntriesAreScopedToRelease", func(t *testing.T) {
		ctx := context.Background()
		c := newCatalog(t)

		r1, err := c.CreateRelease(ctx, NewRelease("1.0.0", "a", "x"))
		require.NoError(t, err)
		r2, err := c.CreateRelease(ctx, NewRelease("1.0.0", "b", "x"))
		require.NoError(t, err)
		cid, err := c.CreateContent(ctx, &catalogsync.Content{Hash: Hash(1), SizeBytes: 1})
		require.NoError(t, err)

		_, err = c.CreateEntry(ctx, &catalogsync.Entry{ReleaseID: r1, Path: "x", ContentID: cid})
		require.NoError(t, err)

		ok, err := c.EntryExists(ctx, r2, "x")
		require.NoError(t, err)
		require.False(t, ok)

		_, err = c.CreateEntry(ctx, &catalogsync.Entry{ReleaseID: r2, Path: "x", ContentID: cid})
		require.NoError(t, err)
	})

	t.Run("EntryReferencesMustExist", func(t *testing.T) {
		ctx := context.Background()
		c := newCatalog(t)

		rid, err := c.CreateRelease(ctx, NewRelease("1.0.0", "a", "x"))
		require.NoError(t, err)

		_, err = c.CreateEntry(ctx, &catalogsync.Entry{ReleaseID: rid, Path: "x", ContentID: 777})
		require.ErrorIs(t, err, catalogsync.ErrNotFound)

		cid, err := c.CreateContent(ctx, &catalogsync.Content{Hash: Hash(1), SizeBytes: 1})
		require.NoError(t, err)
		_, err = c.CreateEntry(ctx, &catalogsync.Entry{ReleaseID: rid + 777, Path: "x", ContentID: cid})
		require.ErrorIs(t, err, catalogsync.ErrNotFound)
	})

	t.Run("RejectsInvalidInput", func(t *testing.T) {
		ctx := context.Background()
		c := newCatalog(t)

		_, err := c.CreateRelease(ctx, &catalogsync.Release{Labels: catalogsync.Labels{Client: "1.0.0", Content: "a"}})
		require.Error(t, err, "a release needs a manifest")

		_, err = c.CreateContent(ctx, &catalogsync.Content{Hash: strings.Repeat("z", 64)})
		require.Error(t, err, "content hash must be valid")
	})

	t.Run("Ping", func(t *testing.T) {
		require.NoError(t, newCatalog(t).Ping(context.Background()))
	})
}
