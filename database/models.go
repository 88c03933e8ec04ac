package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/superfly/catalogsync"
	"github.com/superfly/catalogsync/manifest"
)

// releaseColumns is the column list every release query selects, in the
// order scanRelease expects.
const releaseColumns = `id, client_label, content_label, ready, manifest, created_at`

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRelease reads one release row and re-parses its stored manifest.
func scanRelease(s rowScanner) (*catalogsync.Release, error) {
	var (
		r         catalogsync.Release
		raw       string
		createdAt sql.NullTime
	)
	if err := s.Scan(&r.ID, &r.Labels.Client, &r.Labels.Content, &r.Ready, &raw, &createdAt); err != nil {
		return nil, err
	}

	m, err := manifest.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("stored manifest for release %d is invalid: %w", r.ID, err)
	}
	r.Manifest = m

	if createdAt.Valid {
		r.CreatedAt = createdAt.Time
	}
	return &r, nil
}

// now returns the timestamp written into created_at / ready_at columns.
func now() time.Time {
	return time.Now().UTC()
}
