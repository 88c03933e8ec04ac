// Package catalogtest provides fakes for the pipeline's ports and a contract
// suite every Catalog implementation must pass.
package catalogtest

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/superfly/catalogsync"
	"github.com/superfly/catalogsync/manifest"
)

// ErrInjected is the default error returned by fakes told to fail.
var ErrInjected = errors.New("injected failure")

// File is one file published through the fake Origin.
type File struct {
	Name string
	Data []byte
}

// Origin is a programmable in-memory catalogsync.Origin.
type Origin struct {
	mu sync.Mutex

	current   catalogsync.Labels
	manifests map[string]string
	files     map[string][]byte

	labelsErr   error
	manifestErr error
	fetchErr    error
	fetchDelay  time.Duration
	failPaths   map[string]error

	fetches  map[string]int
	inflight int
	peak     int
}

// NewOrigin returns an origin that advertises nothing until Publish is called.
func NewOrigin() *Origin {
	return &Origin{
		manifests: make(map[string]string),
		files:     make(map[string][]byte),
		failPaths: make(map[string]error),
		fetches:   make(map[string]int),
	}
}

func fileKey(contentLabel, transportPath string) string {
	return contentLabel + "\x00" + transportPath
}

// Publish makes labels the advertised release with the given files. The
// manifest is generated from the file names and sizes.
func (o *Origin) Publish(labels catalogsync.Labels, files ...File) *manifest.Manifest {
	descs := make([]manifest.FileDescriptor, 0, len(files))
	for _, f := range files {
		descs = append(descs, manifest.FileDescriptor{
			Name:       f.Name,
			PackedSize: int64(len(f.Data)),
			TotalSize:  int64(len(f.Data)),
		})
	}
	m, err := manifest.Build(labels.Content, descs...)
	if err != nil {
		panic(fmt.Sprintf("catalogtest: build manifest: %v", err))
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.current = labels
	o.manifests[labels.Content] = m.Raw()
	for i, f := range files {
		o.files[fileKey(labels.Content, descs[i].TransportPath())] = f.Data
	}
	return m
}

// SetLabels changes the advertised labels without touching manifests.
func (o *Origin) SetLabels(labels catalogsync.Labels) {
	o.mu.Lock()
	o.current = labels
	o.mu.Unlock()
}

// SetManifest serves raw as the manifest for contentLabel.
func (o *Origin) SetManifest(contentLabel, raw string) {
	o.mu.Lock()
	o.manifests[contentLabel] = raw
	o.mu.Unlock()
}

// FailLabels makes ReleaseLabels fail with err; nil clears it.
func (o *Origin) FailLabels(err error) {
	o.mu.Lock()
	o.labelsErr = err
	o.mu.Unlock()
}

// FailManifest makes Manifest fail with err; nil clears it.
func (o *Origin) FailManifest(err error) {
	o.mu.Lock()
	o.manifestErr = err
	o.mu.Unlock()
}

// FailFetch makes every FetchFile fail with err; nil clears it.
func (o *Origin) FailFetch(err error) {
	o.mu.Lock()
	o.fetchErr = err
	o.mu.Unlock()
}

// FailPath makes FetchFile fail for one transport path; nil clears it.
func (o *Origin) FailPath(transportPath string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err == nil {
		delete(o.failPaths, transportPath)
		return
	}
	o.failPaths[transportPath] = err
}

// SetFetchDelay makes every FetchFile take at least d.
func (o *Origin) SetFetchDelay(d time.Duration) {
	o.mu.Lock()
	o.fetchDelay = d
	o.mu.Unlock()
}

func (o *Origin) ReleaseLabels(ctx context.Context) (catalogsync.Labels, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.labelsErr != nil {
		return catalogsync.Labels{}, &catalogsync.OriginError{Op: "release-labels", Err: o.labelsErr}
	}
	return o.current, nil
}

func (o *Origin) Manifest(ctx context.Context, contentLabel string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.manifestErr != nil {
		return "", &catalogsync.OriginError{Op: "manifest", Target: contentLabel, Err: o.manifestErr}
	}
	raw, ok := o.manifests[contentLabel]
	if !ok {
		return "", &catalogsync.OriginError{Op: "manifest", Target: contentLabel, Err: errors.New("404 Not Found")}
	}
	return raw, nil
}

func (o *Origin) FetchFile(ctx context.Context, contentLabel, transportPath string) ([]byte, error) {
	o.mu.Lock()
	o.fetches[transportPath]++
	o.inflight++
	if o.inflight > o.peak {
		o.peak = o.inflight
	}
	delay := o.fetchDelay
	err := o.fetchErr
	if perr, ok := o.failPaths[transportPath]; ok && err == nil {
		err = perr
	}
	data, found := o.files[fileKey(contentLabel, transportPath)]
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.inflight--
		o.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	target := contentLabel + "/" + transportPath
	if err != nil {
		return nil, &catalogsync.OriginError{Op: "fetch-file", Target: target, Err: err}
	}
	if !found {
		return nil, &catalogsync.OriginError{Op: "fetch-file", Target: target, Err: errors.New("404 Not Found")}
	}
	return append([]byte(nil), data...), nil
}

// Fetches returns how many times transportPath was requested.
func (o *Origin) Fetches(transportPath string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fetches[transportPath]
}

// TotalFetches returns the number of FetchFile calls.
func (o *Origin) TotalFetches() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, c := range o.fetches {
		n += c
	}
	return n
}

// PeakInflight returns the highest number of concurrent FetchFile calls.
func (o *Origin) PeakInflight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.peak
}

// Store is an in-memory catalogsync.ContentStore that counts writes.
type Store struct {
	mu     sync.Mutex
	blobs  map[string][]byte
	writes map[string]int
	err    error
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{blobs: make(map[string][]byte), writes: make(map[string]int)}
}

func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return fmt.Errorf("put %s: %w", key, s.err)
	}
	s.blobs[key] = append([]byte(nil), data...)
	s.writes[key]++
	return nil
}

// Fail makes Put fail with err; nil clears it.
func (s *Store) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Get returns the stored bytes for key.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[key]
	return b, ok
}

// Writes returns how many times key was written.
func (s *Store) Writes(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[key]
}

// TotalWrites returns the number of successful Put calls.
func (s *Store) TotalWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.writes {
		n += c
	}
	return n
}

// Keys returns the stored keys, sorted.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.blobs))
	for k := range s.blobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Change is one recorded release-change notification.
type Change struct {
	Prev, Next catalogsync.Labels
}

// Notifier records notifications and can be told to fail.
type Notifier struct {
	mu          sync.Mutex
	changes     []Change
	completions []catalogsync.Labels
	err         error
}

func (n *Notifier) NotifyReleaseChange(ctx context.Context, prev, next catalogsync.Labels) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, Change{Prev: prev, Next: next})
	return n.err
}

func (n *Notifier) NotifySyncComplete(ctx context.Context, labels catalogsync.Labels) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completions = append(n.completions, labels)
	return n.err
}

// Fail makes both methods return err after recording; nil clears it.
func (n *Notifier) Fail(err error) {
	n.mu.Lock()
	n.err = err
	n.mu.Unlock()
}

// Changes returns the recorded release-change notifications.
func (n *Notifier) Changes() []Change {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Change(nil), n.changes...)
}

// Completions returns the recorded sync-complete notifications.
func (n *Notifier) Completions() []catalogsync.Labels {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]catalogsync.Labels(nil), n.completions...)
}

// ZipEntry is one entry of a test archive.
type ZipEntry struct {
	Name string
	Body string
}

// Zip builds a zip archive with entries written in the given order and
// every header stamped with modified. Two calls with the same entries in a
// different order or with different times produce different bytes but the
// same normalized digest.
func Zip(t testing.TB, modified time.Time, entries ...ZipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: e.Name, Method: zip.Deflate, Modified: modified})
		if err != nil {
			t.Fatalf("zip create %s: %v", e.Name, err)
		}
		if _, err := w.Write([]byte(e.Body)); err != nil {
			t.Fatalf("zip write %s: %v", e.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}
