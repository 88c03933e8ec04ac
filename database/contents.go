package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/superfly/catalogsync"
)

// CreateContent inserts a content row. A row with the same hash returns
// catalogsync.ErrConflict.
func (d *DB) CreateContent(ctx context.Context, c *catalogsync.Content) (int64, error) {
	if !catalogsync.ValidHash(c.Hash) {
		return 0, fmt.Errorf("invalid content hash %q", c.Hash)
	}

	query := `INSERT INTO contents (hash, size_bytes, created_at) VALUES (?, ?, ?)`

	res, err := d.db.ExecContext(ctx, query, c.Hash, c.SizeBytes, now())
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("content %s: %w", c.Hash, catalogsync.ErrConflict)
		}
		return 0, fmt.Errorf("failed to insert content: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get content id: %w", err)
	}
	return id, nil
}

// ContentByHash returns the content with hash, or nil if none exists.
func (d *DB) ContentByHash(ctx context.Context, hash string) (*catalogsync.Content, error) {
	query := `SELECT id, hash, size_bytes FROM contents WHERE hash = ?`

	var c catalogsync.Content
	err := d.db.QueryRowContext(ctx, query, hash).Scan(&c.ID, &c.Hash, &c.SizeBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query content: %w", err)
	}
	return &c, nil
}

// EntryExists reports whether release releaseID already has an entry for path.
func (d *DB) EntryExists(ctx context.Context, releaseID int64, path string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM entries WHERE release_id = ? AND path = ?)`
	if err := d.db.QueryRowContext(ctx, query, releaseID, path).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check entry: %w", err)
	}
	return exists, nil
}

// CreateEntry links a release path to a content row. A duplicate
// (release_id, path) returns catalogsync.ErrConflict; an unknown release or
// content returns catalogsync.ErrNotFound.
func (d *DB) CreateEntry(ctx context.Context, e *catalogsync.Entry) (int64, error) {
	query := `INSERT INTO entries (release_id, path, content_id, created_at) VALUES (?, ?, ?, ?)`

	res, err := d.db.ExecContext(ctx, query, e.ReleaseID, e.Path, e.ContentID, now())
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return 0, fmt.Errorf("entry %d/%s: %w", e.ReleaseID, e.Path, catalogsync.ErrConflict)
		case isForeignKeyViolation(err):
			return 0, fmt.Errorf("entry %d/%s references a missing release or content: %w", e.ReleaseID, e.Path, catalogsync.ErrNotFound)
		}
		return 0, fmt.Errorf("failed to insert entry: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get entry id: %w", err)
	}
	return id, nil
}

// CountEntries returns how many entries release releaseID has.
func (d *DB) CountEntries(ctx context.Context, releaseID int64) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE release_id = ?`, releaseID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return n, nil
}

// Stats summarizes catalog size.
type Stats struct {
	Releases      int
	ReadyReleases int
	Contents      int
	Entries       int
	StoredBytes   int64
}

// Stats returns row counts and the total stored size.
func (d *DB) Stats(ctx context.Context) (*Stats, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM releases),
			(SELECT COUNT(*) FROM releases WHERE ready = 1),
			(SELECT COUNT(*) FROM contents),
			(SELECT COUNT(*) FROM entries),
			(SELECT COALESCE(SUM(size_bytes), 0) FROM contents)
	`
	var s Stats
	if err := d.db.QueryRowContext(ctx, query).Scan(&s.Releases, &s.ReadyReleases, &s.Contents, &s.Entries, &s.StoredBytes); err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	return &s, nil
}
