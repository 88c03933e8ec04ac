package catalogsync

import "context"

// Origin fetches release descriptors and file bytes from the remote origin.
// Implementations return *OriginError for transport and decoding failures.
type Origin interface {
	// ReleaseLabels returns the label pair the origin currently advertises.
	ReleaseLabels(ctx context.Context) (Labels, error)

	// Manifest returns the raw manifest text for a content label.
	Manifest(ctx context.Context, contentLabel string) (string, error)

	// FetchFile returns the bytes stored under a transport path.
	FetchFile(ctx context.Context, contentLabel, transportPath string) ([]byte, error)
}

// ContentStore is an opaque blob store addressed by caller-supplied keys.
// Put must be safe to repeat with the same key and bytes.
type ContentStore interface {
	Put(ctx context.Context, key string, data []byte) error
}

// Catalog is the durable state of the pipeline: releases, contents, and
// entries, with the uniqueness rules described on each type.
//
// Lookups by natural key (labels, hash, release/path) return (nil, nil) or
// false when nothing matches. Creates return ErrConflict on a uniqueness
// violation. All methods must be safe for concurrent use.
type Catalog interface {
	CreateRelease(ctx context.Context, r *Release) (int64, error)
	ReleaseExists(ctx context.Context, labels Labels) (bool, error)
	ReleaseByID(ctx context.Context, id int64) (*Release, error)
	LatestRelease(ctx context.Context) (*Release, error)
	OldestUnreadyRelease(ctx context.Context) (*Release, error)
	ListReleases(ctx context.Context) ([]*Release, error)
	// MarkReady flips ready false→true. Marking a ready release again is a
	// no-op; an unknown id returns ErrNotFound.
	MarkReady(ctx context.Context, id int64) error

	CreateContent(ctx context.Context, c *Content) (int64, error)
	ContentByHash(ctx context.Context, hash string) (*Content, error)

	EntryExists(ctx context.Context, releaseID int64, path string) (bool, error)
	CreateEntry(ctx context.Context, e *Entry) (int64, error)
	CountEntries(ctx context.Context, releaseID int64) (int, error)

	Ping(ctx context.Context) error
}

// Notifier is a best-effort side channel for humans. Callers log returned
// errors and never act on them.
type Notifier interface {
	// NotifyReleaseChange reports a newly detected release. prev is the zero
	// Labels on first run.
	NotifyReleaseChange(ctx context.Context, prev, next Labels) error

	// NotifySyncComplete reports that every file of a release is stored.
	NotifySyncComplete(ctx context.Context, labels Labels) error
}
