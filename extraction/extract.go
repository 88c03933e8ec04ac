// Package extraction computes normalized content digests of zip archives.
//
// Packed catalog files are zip containers. Two uploads of the same content
// can differ byte for byte because zip headers carry modification times,
// compression choices, and entry ordering. The digest here ignores all of
// that: it opens the archive, reads every entry's decompressed bytes in
// lexicographic entry-name order, and hashes the concatenation with
// SHA-256. Equal digests mean equal payloads, whatever the container looks
// like.
//
// # Safety
//
// Archives come from a remote origin and are treated as untrusted:
//   - Entry count is bounded (MaxEntries)
//   - Decompressed size is bounded per entry and in total (zip bombs)
//   - Nothing is written to disk; entries are streamed into the hash
//
// # Usage Example
//
//	d := extraction.New()
//	res, err := d.Digest(ctx, data)
//	if err != nil {
//		var ae *extraction.ArchiveError
//		if errors.As(err, &ae) {
//			// corrupt archive: fail this file only
//		}
//		return err
//	}
//	fmt.Println(res.Hash, res.Entries, res.UncompressedBytes)
//
// # Error Handling
//
// Any failure to read the archive is returned as *ArchiveError. Such errors
// are content errors and are not worth retrying with the same bytes.
package extraction

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// Options bounds the work a single digest may do.
type Options struct {
	// MaxEntries is the maximum number of entries (default: 100,000)
	MaxEntries int

	// MaxEntrySize is the maximum decompressed size of one entry (default: 1GB)
	MaxEntrySize int64

	// MaxTotalSize is the maximum decompressed size of the archive (default: 4GB)
	MaxTotalSize int64
}

// DefaultOptions returns default digest limits.
func DefaultOptions() Options {
	return Options{
		MaxEntries:   100000,
		MaxEntrySize: 1 * 1024 * 1024 * 1024, // 1GB
		MaxTotalSize: 4 * 1024 * 1024 * 1024, // 4GB
	}
}

// Result describes a computed digest.
type Result struct {
	// Hash is the lowercase hex SHA-256 of the normalized content.
	Hash string

	// Entries is the number of archive entries that were read.
	Entries int

	// UncompressedBytes is the total decompressed size.
	UncompressedBytes int64

	// Duration is how long the digest took.
	Duration time.Duration
}

// ArchiveError reports an archive that could not be read.
type ArchiveError struct {
	// Entry is the archive entry being read, empty for container-level errors.
	Entry string
	Err   error
}

func (e *ArchiveError) Error() string {
	if e.Entry != "" {
		return fmt.Sprintf("archive entry %s: %v", e.Entry, e.Err)
	}
	return fmt.Sprintf("archive: %v", e.Err)
}

func (e *ArchiveError) Unwrap() error { return e.Err }

var (
	// ErrTooManyEntries is wrapped when an archive exceeds MaxEntries.
	ErrTooManyEntries = errors.New("entry count limit exceeded")

	// ErrTooLarge is wrapped when decompressed data exceeds a size limit.
	ErrTooLarge = errors.New("decompressed size limit exceeded")
)

// Digester computes normalized digests.
type Digester struct {
	opts   Options
	logger logrus.FieldLogger
}

// New creates a digester with DefaultOptions.
func New() *Digester {
	return NewWithOptions(DefaultOptions())
}

// NewWithOptions creates a digester with custom limits. Zero fields fall
// back to the defaults.
func NewWithOptions(opts Options) *Digester {
	def := DefaultOptions()
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = def.MaxEntries
	}
	if opts.MaxEntrySize <= 0 {
		opts.MaxEntrySize = def.MaxEntrySize
	}
	if opts.MaxTotalSize <= 0 {
		opts.MaxTotalSize = def.MaxTotalSize
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Digester{opts: opts, logger: l}
}

// SetLogger sets a custom logger.
func (d *Digester) SetLogger(logger logrus.FieldLogger) {
	d.logger = logger
}

// Digest computes the normalized digest of a zip archive held in memory.
func (d *Digester) Digest(ctx context.Context, data []byte) (*Result, error) {
	start := time.Now()

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &ArchiveError{Err: err}
	}

	if len(zr.File) > d.opts.MaxEntries {
		return nil, &ArchiveError{Err: fmt.Errorf("%w: %d > %d", ErrTooManyEntries, len(zr.File), d.opts.MaxEntries)}
	}

	files := make([]*zip.File, len(zr.File))
	copy(files, zr.File)
	sort.SliceStable(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	h := sha256.New()
	var total int64
	for _, f := range files {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("digest cancelled: %w", ctx.Err())
		default:
		}

		n, err := d.hashEntry(h, f, d.opts.MaxTotalSize-total)
		if err != nil {
			return nil, err
		}
		total += n
	}

	res := &Result{
		Hash:              hex.EncodeToString(h.Sum(nil)),
		Entries:           len(files),
		UncompressedBytes: total,
		Duration:          time.Since(start),
	}

	d.logger.WithFields(logrus.Fields{
		"hash":    res.Hash,
		"entries": res.Entries,
		"bytes":   res.UncompressedBytes,
	}).Debug("archive digest computed")

	return res, nil
}

// hashEntry streams one entry into h and returns its decompressed size.
// Directory entries contribute no bytes.
func (d *Digester) hashEntry(h io.Writer, f *zip.File, remaining int64) (int64, error) {
	if f.FileInfo().IsDir() {
		return 0, nil
	}

	limit := d.opts.MaxEntrySize
	if remaining < limit {
		limit = remaining
	}

	rc, err := f.Open()
	if err != nil {
		return 0, &ArchiveError{Entry: f.Name, Err: err}
	}
	defer rc.Close()

	// Read one byte past the limit so an oversized entry is detected
	// rather than silently truncated.
	n, err := io.Copy(h, io.LimitReader(rc, limit+1))
	if err != nil {
		return 0, &ArchiveError{Entry: f.Name, Err: err}
	}
	if n > limit {
		return 0, &ArchiveError{Entry: f.Name, Err: fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)}
	}

	return n, nil
}

// Digest computes the normalized digest of data with default limits and
// returns the hex hash.
func Digest(data []byte) (string, error) {
	res, err := New().Digest(context.Background(), data)
	if err != nil {
		return "", err
	}
	return res.Hash, nil
}
