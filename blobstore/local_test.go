package blobstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalStorePutAndOpen(t *testing.T) {
	dir := t.TempDir()
	s := NewLocalStore(dir)
	ctx := context.Background()

	if err := s.Put(ctx, "segments/a.bin", []byte("hello")); err != nil {
		t.Fatal(err)
	}

	blob, err := s.Open(ctx, "segments/a.bin")
	if err != nil {
		t.Fatal(err)
	}
	defer blob.Close()

	if got := blob.Size(); got != 5 {
		t.Fatalf("want size 5, got %d", got)
	}
	buf := make([]byte, 5)
	if _, err := blob.ReadAt(ctx, buf, 0); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "hello" {
		t.Fatalf("want %q, got %q", "hello", buf)
	}
}

func TestLocalStoreOpenMissing(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	_, err := s.Open(context.Background(), "missing.bin")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestLocalStoreDeleteMissingIsNotError(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	if err := s.Delete(context.Background(), "missing.bin"); err != nil {
		t.Fatalf("want nil deleting a missing blob, got %v", err)
	}
}

func TestLocalStoreListSortedUnderPrefix(t *testing.T) {
	dir := t.TempDir()
	s := NewLocalStore(dir)
	ctx := context.Background()

	for _, name := range []string{"a/2.bin", "a/1.bin", "b/1.bin"} {
		if err := s.Put(ctx, name, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}

	names, err := s.List(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a/1.bin", "a/2.bin"}
	if len(names) != len(want) || names[0] != want[0] || names[1] != want[1] {
		t.Fatalf("want %v, got %v", want, names)
	}
}

func TestLocalStoreCreateWritesThroughSync(t *testing.T) {
	dir := t.TempDir()
	s := NewLocalStore(dir)
	ctx := context.Background()

	w, err := s.Create(ctx, "nested/out.bin")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := w.Sync(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "nested/out.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Fatalf("want %q, got %q", "payload", data)
	}
}
