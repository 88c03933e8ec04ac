// Package inmem provides an in-memory Catalog backed by go-memdb.
//
// It honours the same uniqueness and ordering rules as the SQLite catalog
// and is used for ephemeral runs (catalog_backend: memory) and tests.
// Nothing survives a restart.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/superfly/catalogsync"
	"github.com/superfly/catalogsync/manifest"
)

const (
	tableReleases = "releases"
	tableContents = "contents"
	tableEntries  = "entries"
)

type releaseRow struct {
	ID        int64
	Client    string
	Content   string
	Ready     bool
	Manifest  *manifest.Manifest
	CreatedAt time.Time
}

type contentRow struct {
	ID        int64
	Hash      string
	SizeBytes int64
}

type entryRow struct {
	ID        int64
	ReleaseID int64
	Path      string
	ContentID int64
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableReleases: {
				Name: tableReleases,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.IntFieldIndex{Field: "ID"},
					},
					"labels": {
						Name:   "labels",
						Unique: true,
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "Client"},
							&memdb.StringFieldIndex{Field: "Content"},
						}},
					},
					"ready": {
						Name:    "ready",
						Indexer: &memdb.BoolFieldIndex{Field: "Ready"},
					},
				},
			},
			tableContents: {
				Name: tableContents,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.IntFieldIndex{Field: "ID"},
					},
					"hash": {
						Name:    "hash",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Hash"},
					},
				},
			},
			tableEntries: {
				Name: tableEntries,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.IntFieldIndex{Field: "ID"},
					},
					"release_path": {
						Name:   "release_path",
						Unique: true,
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
							&memdb.IntFieldIndex{Field: "ReleaseID"},
							&memdb.StringFieldIndex{Field: "Path"},
						}},
					},
					"release": {
						Name:    "release",
						Indexer: &memdb.IntFieldIndex{Field: "ReleaseID"},
					},
				},
			},
		},
	}
}

// Catalog is an in-memory catalogsync.Catalog.
//
// memdb serializes write transactions, so every check-then-insert below
// runs atomically with respect to other writers.
type Catalog struct {
	db *memdb.MemDB

	// id sequences, only touched inside write transactions
	nextRelease int64
	nextContent int64
	nextEntry   int64
}

// New creates an empty catalog.
func New() (*Catalog, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("failed to create memdb: %w", err)
	}
	return &Catalog{db: db}, nil
}

var _ catalogsync.Catalog = (*Catalog)(nil)

func (c *Catalog) CreateRelease(ctx context.Context, r *catalogsync.Release) (int64, error) {
	if r.Manifest == nil {
		return 0, errors.New("release has no manifest")
	}

	txn := c.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableReleases, "labels", r.Labels.Client, r.Labels.Content)
	if err != nil {
		return 0, fmt.Errorf("failed to look up release: %w", err)
	}
	if existing != nil {
		return 0, fmt.Errorf("release %s: %w", r.Labels, catalogsync.ErrConflict)
	}

	c.nextRelease++
	row := &releaseRow{
		ID:        c.nextRelease,
		Client:    r.Labels.Client,
		Content:   r.Labels.Content,
		Manifest:  r.Manifest,
		CreatedAt: time.Now().UTC(),
	}
	if err := txn.Insert(tableReleases, row); err != nil {
		return 0, fmt.Errorf("failed to insert release: %w", err)
	}
	txn.Commit()
	return row.ID, nil
}

func (c *Catalog) ReleaseExists(ctx context.Context, labels catalogsync.Labels) (bool, error) {
	txn := c.db.Txn(false)
	raw, err := txn.First(tableReleases, "labels", labels.Client, labels.Content)
	if err != nil {
		return false, fmt.Errorf("failed to look up release: %w", err)
	}
	return raw != nil, nil
}

func (c *Catalog) ReleaseByID(ctx context.Context, id int64) (*catalogsync.Release, error) {
	txn := c.db.Txn(false)
	raw, err := txn.First(tableReleases, "id", id)
	if err != nil {
		return nil, fmt.Errorf("failed to look up release: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("release %d: %w", id, catalogsync.ErrNotFound)
	}
	return toRelease(raw.(*releaseRow)), nil
}

// LatestRelease scans by id; memdb's integer index keys are varint encoded
// and do not iterate in numeric order.
func (c *Catalog) LatestRelease(ctx context.Context) (*catalogsync.Release, error) {
	txn := c.db.Txn(false)
	it, err := txn.Get(tableReleases, "id")
	if err != nil {
		return nil, fmt.Errorf("failed to scan releases: %w", err)
	}
	var best *releaseRow
	for obj := it.Next(); obj != nil; obj = it.Next() {
		row := obj.(*releaseRow)
		if best == nil || row.ID > best.ID {
			best = row
		}
	}
	if best == nil {
		return nil, nil
	}
	return toRelease(best), nil
}

func (c *Catalog) OldestUnreadyRelease(ctx context.Context) (*catalogsync.Release, error) {
	txn := c.db.Txn(false)
	it, err := txn.Get(tableReleases, "ready", false)
	if err != nil {
		return nil, fmt.Errorf("failed to scan unready releases: %w", err)
	}
	var best *releaseRow
	for obj := it.Next(); obj != nil; obj = it.Next() {
		row := obj.(*releaseRow)
		if best == nil || row.ID < best.ID {
			best = row
		}
	}
	if best == nil {
		return nil, nil
	}
	return toRelease(best), nil
}

func (c *Catalog) ListReleases(ctx context.Context) ([]*catalogsync.Release, error) {
	txn := c.db.Txn(false)
	it, err := txn.Get(tableReleases, "id")
	if err != nil {
		return nil, fmt.Errorf("failed to scan releases: %w", err)
	}
	var rows []*releaseRow
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rows = append(rows, obj.(*releaseRow))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID > rows[j].ID })
	out := make([]*catalogsync.Release, 0, len(rows))
	for _, row := range rows {
		out = append(out, toRelease(row))
	}
	return out, nil
}

func (c *Catalog) MarkReady(ctx context.Context, id int64) error {
	txn := c.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableReleases, "id", id)
	if err != nil {
		return fmt.Errorf("failed to look up release: %w", err)
	}
	if raw == nil {
		return fmt.Errorf("release %d: %w", id, catalogsync.ErrNotFound)
	}
	row := raw.(*releaseRow)
	if row.Ready {
		return nil
	}

	updated := *row
	updated.Ready = true
	if err := txn.Insert(tableReleases, &updated); err != nil {
		return fmt.Errorf("failed to update release: %w", err)
	}
	txn.Commit()
	return nil
}

func (c *Catalog) CreateContent(ctx context.Context, content *catalogsync.Content) (int64, error) {
	if !catalogsync.ValidHash(content.Hash) {
		return 0, fmt.Errorf("invalid content hash %q", content.Hash)
	}

	txn := c.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableContents, "hash", content.Hash)
	if err != nil {
		return 0, fmt.Errorf("failed to look up content: %w", err)
	}
	if existing != nil {
		return 0, fmt.Errorf("content %s: %w", content.Hash, catalogsync.ErrConflict)
	}

	c.nextContent++
	row := &contentRow{ID: c.nextContent, Hash: content.Hash, SizeBytes: content.SizeBytes}
	if err := txn.Insert(tableContents, row); err != nil {
		return 0, fmt.Errorf("failed to insert content: %w", err)
	}
	txn.Commit()
	return row.ID, nil
}

func (c *Catalog) ContentByHash(ctx context.Context, hash string) (*catalogsync.Content, error) {
	txn := c.db.Txn(false)
	raw, err := txn.First(tableContents, "hash", hash)
	if err != nil {
		return nil, fmt.Errorf("failed to look up content: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	row := raw.(*contentRow)
	return &catalogsync.Content{ID: row.ID, Hash: row.Hash, SizeBytes: row.SizeBytes}, nil
}

func (c *Catalog) EntryExists(ctx context.Context, releaseID int64, path string) (bool, error) {
	txn := c.db.Txn(false)
	raw, err := txn.First(tableEntries, "release_path", releaseID, path)
	if err != nil {
		return false, fmt.Errorf("failed to look up entry: %w", err)
	}
	return raw != nil, nil
}

func (c *Catalog) CreateEntry(ctx context.Context, e *catalogsync.Entry) (int64, error) {
	txn := c.db.Txn(true)
	defer txn.Abort()

	if r, err := txn.First(tableReleases, "id", e.ReleaseID); err != nil {
		return 0, fmt.Errorf("failed to look up release: %w", err)
	} else if r == nil {
		return 0, fmt.Errorf("release %d: %w", e.ReleaseID, catalogsync.ErrNotFound)
	}
	if ct, err := txn.First(tableContents, "id", e.ContentID); err != nil {
		return 0, fmt.Errorf("failed to look up content: %w", err)
	} else if ct == nil {
		return 0, fmt.Errorf("content %d: %w", e.ContentID, catalogsync.ErrNotFound)
	}

	existing, err := txn.First(tableEntries, "release_path", e.ReleaseID, e.Path)
	if err != nil {
		return 0, fmt.Errorf("failed to look up entry: %w", err)
	}
	if existing != nil {
		return 0, fmt.Errorf("entry %d/%s: %w", e.ReleaseID, e.Path, catalogsync.ErrConflict)
	}

	c.nextEntry++
	row := &entryRow{ID: c.nextEntry, ReleaseID: e.ReleaseID, Path: e.Path, ContentID: e.ContentID}
	if err := txn.Insert(tableEntries, row); err != nil {
		return 0, fmt.Errorf("failed to insert entry: %w", err)
	}
	txn.Commit()
	return row.ID, nil
}

func (c *Catalog) CountEntries(ctx context.Context, releaseID int64) (int, error) {
	txn := c.db.Txn(false)
	it, err := txn.Get(tableEntries, "release", releaseID)
	if err != nil {
		return 0, fmt.Errorf("failed to scan entries: %w", err)
	}
	n := 0
	for obj := it.Next(); obj != nil; obj = it.Next() {
		n++
	}
	return n, nil
}

func (c *Catalog) Ping(ctx context.Context) error {
	return ctx.Err()
}

func toRelease(row *releaseRow) *catalogsync.Release {
	return &catalogsync.Release{
		ID:        row.ID,
		Labels:    catalogsync.Labels{Client: row.Client, Content: row.Content},
		Ready:     row.Ready,
		Manifest:  row.Manifest,
		CreatedAt: row.CreatedAt,
	}
}
