package catalogsync

import (
	"errors"
	"fmt"

	"github.com/superfly/catalogsync/extraction"
	"github.com/superfly/catalogsync/manifest"
)

var (
	// ErrNotFound is returned by catalog lookups that address a row by id
	// and find nothing. Lookups by natural key return (nil, nil) instead.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a uniqueness violation: a release with the same
	// labels, a content with the same hash, or an entry with the same
	// (release_id, path) already exists.
	ErrConflict = errors.New("already exists")

	// ErrInvalidLabel indicates a malformed client or content label.
	ErrInvalidLabel = errors.New("invalid release label")
)

// OriginError reports that the origin could not be reached or returned data
// that could not be understood.
type OriginError struct {
	// Op is the origin operation ("release-labels", "manifest", "fetch-file").
	Op string
	// Target is the label or path the operation addressed, if any.
	Target string
	Err    error
}

func (e *OriginError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("origin %s %s: %v", e.Op, e.Target, e.Err)
	}
	return fmt.Sprintf("origin %s: %v", e.Op, e.Err)
}

func (e *OriginError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a validation failure that retrying
// will not fix: a bad label, a bad manifest, or an unreadable archive.
func IsValidation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidLabel) {
		return true
	}
	var me *manifest.Error
	if errors.As(err, &me) {
		return true
	}
	var ae *extraction.ArchiveError
	return errors.As(err, &ae)
}
