package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/superfly/catalogsync"
)

var _ catalogsync.Catalog = (*DB)(nil)

// CreateRelease inserts a not-ready release and returns its id.
// A release with the same label pair returns catalogsync.ErrConflict.
func (d *DB) CreateRelease(ctx context.Context, r *catalogsync.Release) (int64, error) {
	if r.Manifest == nil {
		return 0, errors.New("release has no manifest")
	}

	query := `
		INSERT INTO releases (client_label, content_label, ready, manifest, created_at)
		VALUES (?, ?, 0, ?, ?)
	`

	res, err := d.db.ExecContext(ctx, query, r.Labels.Client, r.Labels.Content, r.Manifest.Raw(), now())
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("release %s: %w", r.Labels, catalogsync.ErrConflict)
		}
		return 0, fmt.Errorf("failed to insert release: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get release id: %w", err)
	}
	return id, nil
}

// ReleaseExists reports whether a release with the label pair exists.
func (d *DB) ReleaseExists(ctx context.Context, labels catalogsync.Labels) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM releases WHERE client_label = ? AND content_label = ?)`
	if err := d.db.QueryRowContext(ctx, query, labels.Client, labels.Content).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check release: %w", err)
	}
	return exists, nil
}

// ReleaseByID retrieves a release by id, or catalogsync.ErrNotFound.
func (d *DB) ReleaseByID(ctx context.Context, id int64) (*catalogsync.Release, error) {
	query := `SELECT ` + releaseColumns + ` FROM releases WHERE id = ?`

	r, err := scanRelease(d.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("release %d: %w", id, catalogsync.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query release: %w", err)
	}
	return r, nil
}

// LatestRelease returns the most recently created release, or nil.
func (d *DB) LatestRelease(ctx context.Context) (*catalogsync.Release, error) {
	query := `SELECT ` + releaseColumns + ` FROM releases ORDER BY id DESC LIMIT 1`
	return d.queryOptionalRelease(ctx, query)
}

// OldestUnreadyRelease returns the not-ready release with the lowest id, or nil.
func (d *DB) OldestUnreadyRelease(ctx context.Context) (*catalogsync.Release, error) {
	query := `SELECT ` + releaseColumns + ` FROM releases WHERE ready = 0 ORDER BY id ASC LIMIT 1`
	return d.queryOptionalRelease(ctx, query)
}

func (d *DB) queryOptionalRelease(ctx context.Context, query string, args ...any) (*catalogsync.Release, error) {
	r, err := scanRelease(d.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query release: %w", err)
	}
	return r, nil
}

// ListReleases lists all releases, newest first.
func (d *DB) ListReleases(ctx context.Context) ([]*catalogsync.Release, error) {
	query := `SELECT ` + releaseColumns + ` FROM releases ORDER BY id DESC`

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list releases: %w", err)
	}
	defer rows.Close()

	releases := []*catalogsync.Release{}
	for rows.Next() {
		r, err := scanRelease(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan release: %w", err)
		}
		releases = append(releases, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating releases: %w", err)
	}

	return releases, nil
}

// MarkReady flips a release to ready. It is a no-op for a release that is
// already ready and returns catalogsync.ErrNotFound for an unknown id.
func (d *DB) MarkReady(ctx context.Context, id int64) error {
	query := `UPDATE releases SET ready = 1, ready_at = ? WHERE id = ? AND ready = 0`

	result, err := d.db.ExecContext(ctx, query, now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark release ready: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	// Nothing changed: either already ready or missing.
	var exists bool
	if err := d.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM releases WHERE id = ?)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check release: %w", err)
	}
	if !exists {
		return fmt.Errorf("release %d: %w", id, catalogsync.ErrNotFound)
	}
	return nil
}
