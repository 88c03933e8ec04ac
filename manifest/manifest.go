// Package manifest parses and validates release manifests.
//
// A manifest is the origin's JSON description of which files belong to a
// content release:
//
//	{
//	  "versionId": "20-07-08-12-58-19-ee6a0d",
//	  "abInfos": [
//	    {"name": "ui/skin/2018#sale.ab", "hash": "0c1b...", "md5": "3574...",
//	     "totalSize": 334148, "abSize": 398586}
//	  ]
//	}
//
// Keys other than "versionId" and "abInfos" (for example "fullPack") are
// ignored. The raw text is kept verbatim so the catalog stores exactly what
// the origin served.
package manifest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/benbjohnson/immutable"
)

// PackedExtension is the suffix the origin uses for packed files.
const PackedExtension = ".dat"

// FileDescriptor describes one file in a manifest.
type FileDescriptor struct {
	// Name is the declared path, e.g. "ui/skin/2018#sale.ab".
	Name string `json:"name"`

	// Hash is the origin's content hint. It is informational only; the
	// catalog identifies content by its own normalized hash.
	Hash string `json:"hash"`

	// MD5 is the origin's checksum of the packed file.
	MD5 string `json:"md5"`

	// PackedSize is the declared size of the packed transport file.
	PackedSize int64 `json:"abSize"`

	// TotalSize is the declared unpacked size.
	TotalSize int64 `json:"totalSize"`
}

// TransportPath rewrites the declared name into the key-safe name the
// origin serves it under: '/' becomes '_', '#' becomes "__", and if the
// result has an extension it is replaced with PackedExtension.
//
//	"ui/skin/2018#sale.ab" -> "ui_skin_2018__sale.dat"
//	"README"               -> "README"
func (d FileDescriptor) TransportPath() string {
	p := strings.ReplaceAll(d.Name, "/", "_")
	p = strings.ReplaceAll(p, "#", "__")
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[:i] + PackedExtension
	}
	return p
}

// Manifest is a validated, immutable manifest.
type Manifest struct {
	raw       string
	versionID string
	files     *immutable.List[FileDescriptor]
}

type wireManifest struct {
	VersionID string           `json:"versionId"`
	ABInfos   []FileDescriptor `json:"abInfos"`
}

// Error is returned when a manifest cannot be parsed or fails validation.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid manifest: %s: %v", e.Reason, e.Err)
	}
	return "invalid manifest: " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// Parse validates raw and returns the manifest.
//
// The descriptor list must be present (it may be empty), every descriptor
// must have a non-empty name, and names must be unique: the catalog keys
// entries by (release, name).
func Parse(raw string) (*Manifest, error) {
	var w struct {
		VersionID string            `json:"versionId"`
		ABInfos   *[]FileDescriptor `json:"abInfos"`
	}
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, &Error{Reason: "malformed JSON", Err: err}
	}
	if w.ABInfos == nil {
		return nil, &Error{Reason: "missing abInfos list"}
	}

	seen := make(map[string]struct{}, len(*w.ABInfos))
	b := immutable.NewListBuilder[FileDescriptor]()
	for i, d := range *w.ABInfos {
		if strings.TrimSpace(d.Name) == "" {
			return nil, &Error{Reason: fmt.Sprintf("file %d has an empty name", i)}
		}
		if _, dup := seen[d.Name]; dup {
			return nil, &Error{Reason: fmt.Sprintf("duplicate file name %q", d.Name)}
		}
		if d.PackedSize < 0 || d.TotalSize < 0 {
			return nil, &Error{Reason: fmt.Sprintf("file %q has a negative size", d.Name)}
		}
		seen[d.Name] = struct{}{}
		b.Append(d)
	}

	return &Manifest{raw: raw, versionID: w.VersionID, files: b.List()}, nil
}

// MustParse is Parse for tests and fixtures; it panics on error.
func MustParse(raw string) *Manifest {
	m, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return m
}

// Build renders descriptors into manifest JSON and parses it back.
func Build(versionID string, files ...FileDescriptor) (*Manifest, error) {
	if files == nil {
		files = []FileDescriptor{}
	}
	data, err := json.Marshal(wireManifest{VersionID: versionID, ABInfos: files})
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return Parse(string(data))
}

// Raw returns the manifest text exactly as it was parsed.
func (m *Manifest) Raw() string { return m.raw }

// VersionID returns the origin's version identifier, if present.
func (m *Manifest) VersionID() string { return m.versionID }

// Len returns the number of file descriptors.
func (m *Manifest) Len() int {
	if m == nil {
		return 0
	}
	return m.files.Len()
}

// At returns the i-th descriptor.
func (m *Manifest) At(i int) FileDescriptor { return m.files.Get(i) }

// Files returns a copy of the descriptors in manifest order.
func (m *Manifest) Files() []FileDescriptor {
	out := make([]FileDescriptor, 0, m.Len())
	if m == nil {
		return out
	}
	itr := m.files.Iterator()
	for !itr.Done() {
		_, d := itr.Next()
		out = append(out, d)
	}
	return out
}

// TotalPackedSize sums the declared packed sizes.
func (m *Manifest) TotalPackedSize() int64 {
	var n int64
	for _, d := range m.Files() {
		n += d.PackedSize
	}
	return n
}
