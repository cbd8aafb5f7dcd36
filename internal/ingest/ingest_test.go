package ingest

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/imsearch/imsearch/blobstore"
	"github.com/imsearch/imsearch/internal/catalog"
	"github.com/imsearch/imsearch/internal/descriptor"
	"github.com/imsearch/imsearch/internal/hashing"
	"github.com/imsearch/imsearch/internal/metrics"
	"github.com/imsearch/imsearch/internal/worker"
)

func writeTestPNG(t *testing.T, dir, name string) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 48, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 48; x++ {
			if (x/6+y/6)%2 == 0 {
				img.SetGray(x, y, color.Gray{Y: 250})
			} else {
				img.SetGray(x, y, color.Gray{Y: 5})
			}
		}
	}
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func newTestPipeline(t *testing.T) (*Pipeline, *catalog.Catalog, string) {
	t.Helper()
	dir := t.TempDir()
	store := blobstore.NewLocalStore(dir)
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.sqlite3"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cat.Close() })

	hasher, err := hashing.New(hashing.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	extractor := descriptor.NewFASTBRIEFExtractor(descriptor.Params{MaxFeatures: 50, NumLevels: 1})
	pool := worker.New(2)
	t.Cleanup(pool.Close)

	return New(store, cat, extractor, hasher, pool, nil), cat, dir
}

func TestIngestOneStoresDescriptors(t *testing.T) {
	p, cat, dir := newTestPipeline(t)
	writeTestPNG(t, dir, "a.png")

	res := p.IngestOne(context.Background(), "a.png")
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if res.Deduped {
		t.Fatal("want not deduped on first ingest")
	}

	stats, err := cat.Stats(context.Background(), res.ImageID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.VectorCount == 0 {
		t.Fatal("want at least one descriptor stored for a high-contrast image")
	}
}

func TestIngestOneDedupsIdenticalBytes(t *testing.T) {
	p, _, dir := newTestPipeline(t)
	writeTestPNG(t, dir, "a.png")
	writeTestPNG(t, dir, "a.png") // rewritten identically, still same bytes

	first := p.IngestOne(context.Background(), "a.png")
	if first.Err != nil {
		t.Fatal(first.Err)
	}
	second := p.IngestOne(context.Background(), "a.png")
	if second.Err != nil {
		t.Fatal(second.Err)
	}
	if !second.Deduped {
		t.Fatal("want the second ingest of the same path to dedup")
	}
	if first.ImageID != second.ImageID {
		t.Fatalf("want the same image id, got %d and %d", first.ImageID, second.ImageID)
	}
}

func TestIngestOneObservesExtractMetric(t *testing.T) {
	p, _, dir := newTestPipeline(t)
	m := metrics.New()
	p.WithMetrics(m)
	writeTestPNG(t, dir, "a.png")

	res := p.IngestOne(context.Background(), "a.png")
	if res.Err != nil {
		t.Fatal(res.Err)
	}

	count, err := testutil.GatherAndCount(m.Registry(), "imsearch_extract_duration_seconds")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("want one extract duration observation, got %d", count)
	}
}

func TestIngestOneSkipsStorageBelowMinKeypoints(t *testing.T) {
	p, cat, dir := newTestPipeline(t)
	p.WithMinKeypoints(1000) // higher than any test image will ever produce
	writeTestPNG(t, dir, "a.png")

	res := p.IngestOne(context.Background(), "a.png")
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if res.Deduped {
		t.Fatal("want a fresh image, not a dedup, on first ingest")
	}

	stats, err := cat.Stats(context.Background(), res.ImageID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.VectorCount != 0 {
		t.Fatalf("want no descriptors stored below the min-keypoints gate, got %d", stats.VectorCount)
	}

	got, err := cat.Descriptors(context.Background(), res.ImageID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("want no descriptor rows persisted, got %d", len(got))
	}
}

func TestIngestOneOverwriteReplacesDescriptors(t *testing.T) {
	p, cat, dir := newTestPipeline(t)
	writeTestPNG(t, dir, "a.png")

	first := p.IngestOne(context.Background(), "a.png")
	if first.Err != nil {
		t.Fatal(first.Err)
	}
	if err := cat.MarkIndexed(context.Background(), []int64{first.ImageID}); err != nil {
		t.Fatal(err)
	}

	p.WithOverwrite(true)
	second := p.IngestOne(context.Background(), "a.png")
	if second.Err != nil {
		t.Fatal(second.Err)
	}
	if second.Deduped {
		t.Fatal("want overwrite to re-extract instead of deduping")
	}
	if second.ImageID != first.ImageID {
		t.Fatalf("want the same image id across an overwrite, got %d and %d", first.ImageID, second.ImageID)
	}

	stats, err := cat.Stats(context.Background(), second.ImageID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Indexed {
		t.Fatal("want overwrite to force the image back to indexed=false")
	}
}

func TestIngestAllFiltersBySuffix(t *testing.T) {
	p, _, dir := newTestPipeline(t)
	writeTestPNG(t, dir, "keep.png")
	if err := os.WriteFile(filepath.Join(dir, "skip.txt"), []byte("not an image"), 0o644); err != nil {
		t.Fatal(err)
	}

	results, err := p.IngestAll(context.Background(), "", []string{"png"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Path != "keep.png" {
		t.Fatalf("want only keep.png ingested, got %+v", results)
	}
}
