package catalogsync

import (
	"time"

	"github.com/superfly/catalogsync/manifest"
)

// Labels identifies one upstream release. The pair is unique across releases.
type Labels struct {
	// Client is the client version label (e.g., "2.3.61")
	Client string `json:"client_label"`

	// Content is the content version label (e.g., "24-09-23-11-27-19-c6564b")
	Content string `json:"content_label"`
}

// String renders the pair as "client/content" for logs.
func (l Labels) String() string {
	return l.Client + "/" + l.Content
}

// IsZero reports whether both labels are empty.
func (l Labels) IsZero() bool {
	return l.Client == "" && l.Content == ""
}

// Release is one tracked version of the catalog.
//
// A Release is created not ready by the release check, flipped to ready
// exactly once by content sync after every manifest descriptor has an
// Entry, and never deleted.
type Release struct {
	// ID is assigned by the catalog on creation; zero before persistence.
	ID int64 `json:"id"`

	// Labels is the upstream version pair.
	Labels Labels `json:"labels"`

	// Ready is true once every manifest file has an Entry.
	Ready bool `json:"ready"`

	// Manifest is the validated file list. Immutable after creation.
	Manifest *manifest.Manifest `json:"-"`

	// CreatedAt is set by the catalog.
	CreatedAt time.Time `json:"created_at"`
}

// Content is a physical, deduplicated blob.
type Content struct {
	// ID is assigned by the catalog on creation.
	ID int64 `json:"id"`

	// Hash is the lowercase hex SHA-256 of the normalized archive content.
	Hash string `json:"hash"`

	// SizeBytes is the length of the stored (original) bytes.
	SizeBytes int64 `json:"size_bytes"`
}

// Entry records that a release includes a named file backed by a Content.
// Entries are only ever created, never mutated.
type Entry struct {
	ID        int64  `json:"id"`
	ReleaseID int64  `json:"release_id"`
	Path      string `json:"path"`
	ContentID int64  `json:"content_id"`
}
