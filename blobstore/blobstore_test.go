package blobstore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

type blobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

type StoreTestSuite struct {
	suite.Suite
	open  func(dir string) (blobStore, func())
	store blobStore
	close func()
	dir   string
	ctx   context.Context
}

func (s *StoreTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.ctx = context.Background()
	s.store, s.close = s.open(s.dir)
}

func (s *StoreTestSuite) TearDownTest() {
	if s.close != nil {
		s.close()
	}
}

func (s *StoreTestSuite) TestPutGet() {
	key := "0c/1b/5433aabb"
	s.Require().NoError(s.store.Put(s.ctx, key, []byte("payload")))

	got, err := s.store.Get(s.ctx, key)
	s.Require().NoError(err)
	s.Equal("payload", string(got))

	exists, err := s.store.Exists(s.ctx, key)
	s.Require().NoError(err)
	s.True(exists)
}

func (s *StoreTestSuite) TestPutOverwrites() {
	key := "aa/bb/cc"
	s.Require().NoError(s.store.Put(s.ctx, key, []byte("one")))
	s.Require().NoError(s.store.Put(s.ctx, key, []byte("two")))

	got, err := s.store.Get(s.ctx, key)
	s.Require().NoError(err)
	s.Equal("two", string(got))
}

func (s *StoreTestSuite) TestGetMissing() {
	_, err := s.store.Get(s.ctx, "ff/ff/missing")
	s.True(errors.Is(err, ErrNotFound), "got %v", err)

	exists, err := s.store.Exists(s.ctx, "ff/ff/missing")
	s.Require().NoError(err)
	s.False(exists)
}

func (s *StoreTestSuite) TestDelete() {
	key := "01/02/blob"
	s.Require().NoError(s.store.Put(s.ctx, key, []byte("x")))
	s.Require().NoError(s.store.Delete(s.ctx, key))
	s.Require().NoError(s.store.Delete(s.ctx, key))

	exists, err := s.store.Exists(s.ctx, key)
	s.Require().NoError(err)
	s.False(exists)
}

func (s *StoreTestSuite) TestInvalidKeys() {
	for _, key := range []string{"", "/abs", "a/../b", "a//b", "./a", "nul\x00", `a\b`} {
		err := s.store.Put(s.ctx, key, []byte("x"))
		var ke KeyError
		s.True(errors.As(err, &ke), "Put(%q) = %v", key, err)
	}
}

func (s *StoreTestSuite) TestCancelledContext() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	s.ErrorIs(s.store.Put(ctx, "aa/bb/cc", []byte("x")), context.Canceled)
}

func TestDirStore(t *testing.T) {
	suite.Run(t, &StoreTestSuite{open: func(dir string) (blobStore, func()) {
		d, err := NewDir(filepath.Join(dir, "blobs"))
		if err != nil {
			t.Fatalf("NewDir: %v", err)
		}
		l := logrus.New()
		l.SetOutput(io.Discard)
		d.SetLogger(l)
		return d, nil
	}})
}

func TestBoltStore(t *testing.T) {
	suite.Run(t, &StoreTestSuite{open: func(dir string) (blobStore, func()) {
		b, err := OpenBolt(filepath.Join(dir, "blobs.db"), time.Second)
		if err != nil {
			t.Fatalf("OpenBolt: %v", err)
		}
		return b, func() { b.Close() }
	}})
}

func TestDir_LayoutAndNoTempFiles(t *testing.T) {
	root := t.TempDir()
	d, err := NewDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Put(context.Background(), "0c/1b/rest", []byte("data")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, "0c", "1b", "rest")); err != nil {
		t.Fatalf("blob not at sharded path: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(root, "0c", "1b"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the blob in shard dir, got %d entries", len(entries))
	}
}

func TestNewDir_RequiresRoot(t *testing.T) {
	if _, err := NewDir(""); err == nil {
		t.Fatal("expected error for empty root")
	}
}

func TestBolt_CountAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blobs.db")
	b, err := OpenBolt(path, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for _, k := range []string{"aa/aa/1", "aa/aa/2", "bb/bb/3"} {
		if err := b.Put(ctx, k, []byte(k)); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	b, err = OpenBolt(path, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	n, err := b.Count()
	if err != nil || n != 3 {
		t.Fatalf("Count = %d, %v; want 3", n, err)
	}
}

func TestBolt_LockTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blobs.db")
	b, err := OpenBolt(path, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if _, err := OpenBolt(path, 50*time.Millisecond); err == nil {
		t.Fatal("expected second open to time out on the file lock")
	}
}
