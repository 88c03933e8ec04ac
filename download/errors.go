package download

import (
	"fmt"

	"github.com/superfly/catalogsync"
)

// SyncError is returned when a release could not be drained. Err joins
// every per-file failure (each a *FileError) or holds the catalog error
// that stopped the drain.
type SyncError struct {
	Labels    catalogsync.Labels
	ReleaseID int64
	// Failed is the number of files that failed.
	Failed int
	Err    error
}

func (e *SyncError) Error() string {
	switch {
	case e.ReleaseID == 0:
		return fmt.Sprintf("sync: %v", e.Err)
	case e.Failed > 0:
		return fmt.Sprintf("sync release %d (%s): %d file(s) failed: %v", e.ReleaseID, e.Labels, e.Failed, e.Err)
	default:
		return fmt.Sprintf("sync release %d (%s): %v", e.ReleaseID, e.Labels, e.Err)
	}
}

func (e *SyncError) Unwrap() error { return e.Err }

// FileError ties a failure to the manifest file it happened on.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }
