package blobstore

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies `errors.Is(err, ErrNotFound)`.
// The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// BlobStore is an abstraction over the ingest pipeline's image source. IVF
// segment and master index files do not go through it. Local disk, S3 and
// MinIO all implement it so the pipeline doesn't care where bytes come from.
type BlobStore interface {
	// Open opens a blob for reading.
	Open(ctx context.Context, name string) (Blob, error)
	// Create opens a blob for streaming writes. The blob is only durable
	// once Close returns without error.
	Create(ctx context.Context, name string) (WritableBlob, error)
	// Put writes a blob in one shot, for small payloads such as manifests.
	Put(ctx context.Context, name string, data []byte) error
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
	// List returns blob names under prefix, lexically sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to a data blob.
type Blob interface {
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	Close() error
	// Size returns the size of the blob in bytes.
	Size() int64
}

// RangeBlob is an optional interface for Blobs that can stream a sub-range
// without buffering it; the s3 and minio blobs implement it. The ivf index
// readers do not use it: they mmap local index files through ivfpersist.
type RangeBlob interface {
	ReadRange(ctx context.Context, off, length int64) (ReadCloser, error)
}

// WritableBlob is a handle for streaming a new blob into existence.
type WritableBlob interface {
	io.Writer
	io.Closer
	// Sync flushes any buffered data without finalizing the blob.
	Sync() error
}

// ReadCloser is re-exported so backends don't need to import io directly
// just to satisfy RangeBlob.
type ReadCloser = io.ReadCloser

// NopReadCloser wraps r in a ReadCloser whose Close is a no-op, for
// backends that serve a range from an in-memory buffer.
func NopReadCloser(r io.Reader) ReadCloser { return io.NopCloser(r) }
