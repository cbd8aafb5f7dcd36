package catalog

import (
	"context"
	"testing"

	"github.com/imsearch/imsearch"
)

func open(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(t.TempDir() + "/catalog.sqlite3")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestUpsertImageDedupsByHash(t *testing.T) {
	c := open(t)
	ctx := context.Background()

	id1, created1, err := c.UpsertImage(ctx, "abc123", "/a/one.jpg", false)
	if err != nil {
		t.Fatal(err)
	}
	if !created1 {
		t.Fatal("want created on first insert")
	}

	id2, created2, err := c.UpsertImage(ctx, "abc123", "/a/two.jpg", false)
	if err != nil {
		t.Fatal(err)
	}
	if created2 {
		t.Fatal("want not created on duplicate hash")
	}
	if id1 != id2 {
		t.Fatalf("want same image id for same hash, got %d and %d", id1, id2)
	}

	rec, err := c.Image(ctx, id1)
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Paths) != 2 {
		t.Fatalf("want 2 known paths, got %v", rec.Paths)
	}
}

func TestStoreDescriptorsUpdatesStats(t *testing.T) {
	c := open(t)
	ctx := context.Background()

	id, _, err := c.UpsertImage(ctx, "hash1", "/a.jpg", false)
	if err != nil {
		t.Fatal(err)
	}

	codes := [][]byte{make([]byte, 32), make([]byte, 32)}
	if err := c.StoreDescriptors(ctx, id, codes); err != nil {
		t.Fatal(err)
	}

	stats, err := c.Stats(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if stats.VectorCount != 2 {
		t.Fatalf("want vector_count 2, got %d", stats.VectorCount)
	}
	if stats.CumulativeCount != 2 {
		t.Fatalf("want cumulative_count 2, got %d", stats.CumulativeCount)
	}

	got, err := c.Descriptors(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 descriptors back, got %d", len(got))
	}
}

func TestUpsertImageOverwriteReplacesDescriptors(t *testing.T) {
	c := open(t)
	ctx := context.Background()

	id, created, err := c.UpsertImage(ctx, "hash1", "/a.jpg", false)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("want created on first insert")
	}
	if err := c.StoreDescriptors(ctx, id, [][]byte{make([]byte, 32), make([]byte, 32)}); err != nil {
		t.Fatal(err)
	}
	if err := c.MarkIndexed(ctx, []int64{id}); err != nil {
		t.Fatal(err)
	}

	id2, created2, err := c.UpsertImage(ctx, "hash1", "/a.jpg", true)
	if err != nil {
		t.Fatal(err)
	}
	if id2 != id {
		t.Fatalf("want the same image id across an overwrite, got %d and %d", id, id2)
	}
	if !created2 {
		t.Fatal("want overwrite to report created=true so the caller re-extracts")
	}

	got, err := c.Descriptors(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("want prior descriptors cleared by overwrite, got %d", len(got))
	}

	stats, err := c.Stats(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Indexed {
		t.Fatal("want overwrite to force the image back to indexed=false")
	}
}

func TestUpsertImageWithoutOverwriteKeepsDescriptors(t *testing.T) {
	c := open(t)
	ctx := context.Background()

	id, _, err := c.UpsertImage(ctx, "hash1", "/a.jpg", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.StoreDescriptors(ctx, id, [][]byte{make([]byte, 32)}); err != nil {
		t.Fatal(err)
	}

	_, created, err := c.UpsertImage(ctx, "hash1", "/b.jpg", false)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("want a duplicate hash without overwrite to report created=false")
	}

	got, err := c.Descriptors(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("want the original descriptor untouched, got %d", len(got))
	}
}

func TestUnindexedImagesAndMarkIndexed(t *testing.T) {
	c := open(t)
	ctx := context.Background()

	id, _, err := c.UpsertImage(ctx, "hash1", "/a.jpg", false)
	if err != nil {
		t.Fatal(err)
	}

	ids, err := c.UnindexedImages(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("want [%d], got %v", id, ids)
	}

	if err := c.MarkIndexed(ctx, ids); err != nil {
		t.Fatal(err)
	}

	ids, err = c.UnindexedImages(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("want no unindexed images left, got %v", ids)
	}
}

func TestImageNotFound(t *testing.T) {
	c := open(t)
	_, err := c.Image(context.Background(), 999)
	var e *imsearch.Error
	if !imsearch.As(err, &e) || e.Kind != imsearch.KindNotFound {
		t.Fatalf("want KindNotFound, got %v", err)
	}
}

func TestClearDHash(t *testing.T) {
	c := open(t)
	ctx := context.Background()

	id, _, err := c.UpsertImage(ctx, "hash1", "/a.jpg", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SetImageDHash(ctx, id, 0xabcd); err != nil {
		t.Fatal(err)
	}

	if err := c.ClearDHash(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := c.ImageDHash(ctx, id); err != nil || ok {
		t.Fatalf("want no dhash after ClearDHash, got ok=%v err=%v", ok, err)
	}
}

func TestImagesWithDHash(t *testing.T) {
	c := open(t)
	ctx := context.Background()

	withHash, _, err := c.UpsertImage(ctx, "hash1", "/a.jpg", false)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := c.UpsertImage(ctx, "hash2", "/b.jpg", false); err != nil {
		t.Fatal(err)
	}
	if err := c.SetImageDHash(ctx, withHash, 0x1234); err != nil {
		t.Fatal(err)
	}

	recs, err := c.ImagesWithDHash(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].ID != withHash {
		t.Fatalf("want exactly the one image with a recorded dhash, got %+v", recs)
	}
}

func TestClearAllDHashes(t *testing.T) {
	c := open(t)
	ctx := context.Background()

	id1, _, err := c.UpsertImage(ctx, "hash1", "/a.jpg", false)
	if err != nil {
		t.Fatal(err)
	}
	id2, _, err := c.UpsertImage(ctx, "hash2", "/b.jpg", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SetImageDHash(ctx, id1, 0x1234); err != nil {
		t.Fatal(err)
	}
	if err := c.SetImageDHash(ctx, id2, 0x5678); err != nil {
		t.Fatal(err)
	}

	n, err := c.ClearAllDHashes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("want 2 cleared, got %d", n)
	}

	recs, err := c.ImagesWithDHash(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("want no images with a dhash left, got %+v", recs)
	}
}
