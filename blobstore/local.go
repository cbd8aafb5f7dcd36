package blobstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/exp/mmap"
)

// LocalStore implements BlobStore using the local file system. It is the
// ingest source the add subcommand uses when its argument has no s3:// or
// minio:// prefix (a directory, or a tar archive extracted to one).
type LocalStore struct {
	root string
}

// NewLocalStore creates a new LocalStore rooted at the given directory.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

func (s *LocalStore) path(name string) string {
	return filepath.Join(s.root, name)
}

// Open opens a blob for reading, memory-mapped for zero-copy random access.
func (s *LocalStore) Open(ctx context.Context, name string) (Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := mmap.Open(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &localBlob{r: r}, nil
}

// Create opens path for streaming writes via a plain *os.File.
func (s *LocalStore) Create(ctx context.Context, name string) (WritableBlob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := s.path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &localWritableBlob{f: f}, nil
}

// Put writes data to name in one shot.
func (s *LocalStore) Put(ctx context.Context, name string, data []byte) error {
	w, err := s.Create(ctx, name)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// Delete removes name. Deleting a missing file is not an error.
func (s *LocalStore) Delete(ctx context.Context, name string) error {
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List walks the root for files under prefix.
func (s *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	base := s.path(prefix)
	var names []string
	err := filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == base {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		names = append(names, strings.ReplaceAll(rel, string(filepath.Separator), "/"))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

type localBlob struct {
	r *mmap.ReaderAt
}

func (b *localBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := b.r.ReadAt(p, off)
	if err == io.EOF && n > 0 {
		return n, nil
	}
	return n, err
}

func (b *localBlob) Close() error { return b.r.Close() }

func (b *localBlob) Size() int64 { return b.r.Len() }

type localWritableBlob struct {
	f *os.File
}

func (b *localWritableBlob) Write(p []byte) (int, error) { return b.f.Write(p) }

func (b *localWritableBlob) Sync() error { return b.f.Sync() }

func (b *localWritableBlob) Close() error {
	if err := b.f.Sync(); err != nil {
		_ = b.f.Close()
		return err
	}
	return b.f.Close()
}
