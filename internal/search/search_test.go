package search

import (
	"context"
	"testing"

	"github.com/imsearch/imsearch/internal/catalog"
	"github.com/imsearch/imsearch/internal/hamming"
	"github.com/imsearch/imsearch/internal/ivf"
	"github.com/imsearch/imsearch/internal/ivfpersist"
)

func openCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Open(t.TempDir() + "/catalog.sqlite3")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSearchReturnsErrNoSnapshot(t *testing.T) {
	e := New(openCatalog(t))
	_, err := e.Search(context.Background(), []hamming.Code{{}}, Options{})
	if err == nil {
		t.Fatal("want error before any Reload")
	}
}

func TestSearchFindsExactMatch(t *testing.T) {
	cat := openCatalog(t)
	e := New(cat)

	q := &ivf.Quantizer{Centroids: []hamming.Code{{1, 0, 0, 0}, {0, 0, 0, 1}}}

	target := hamming.Code{0xAAAAAAAA, 0, 0, 0}
	var posting ivfpersist.Posting
	posting.ImageID = 42
	copy(posting.Code[:], hamming.Encode(target))

	seg := &ivf.Segment{
		NumBuckets: 2,
		Buckets: map[int][]ivfpersist.Posting{
			q.Assign(target): {posting},
		},
	}
	e.ReloadInMemory(q, seg)

	results, err := e.Search(context.Background(), []hamming.Code{target}, Options{NProbe: 2, HammingThreshold: 64, TopK: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ImageID != 42 {
		t.Fatalf("want a single match for image 42, got %+v", results)
	}
	if results[0].Score != 1.0 {
		t.Fatalf("want a perfect score of 1.0 for an exact match, got %f", results[0].Score)
	}
}

func TestSearchKnnCapsPostingsPerDescriptor(t *testing.T) {
	cat := openCatalog(t)
	e := New(cat)

	q := &ivf.Quantizer{Centroids: []hamming.Code{{1, 0, 0, 0}}}
	target := hamming.Code{0, 0, 0, 0}

	// Three postings at increasing distance from target, all inside the
	// threshold; with Knn=1 only the closest (image 1, distance 0) should
	// survive into the aggregated score.
	near := hamming.Code{0, 0, 0, 0}
	mid := hamming.Code{0xFF, 0, 0, 0}
	far := hamming.Code{0xFFFF, 0, 0, 0}

	var postings []ivfpersist.Posting
	for id, code := range map[int64]hamming.Code{1: near, 2: mid, 3: far} {
		var p ivfpersist.Posting
		p.ImageID = uint32(id)
		copy(p.Code[:], hamming.Encode(code))
		postings = append(postings, p)
	}

	bucket := q.Assign(target)
	seg := &ivf.Segment{NumBuckets: 1, Buckets: map[int][]ivfpersist.Posting{bucket: postings}}
	e.ReloadInMemory(q, seg)

	results, err := e.Search(context.Background(), []hamming.Code{target}, Options{NProbe: 1, HammingThreshold: 64, TopK: 5, Knn: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ImageID != 1 {
		t.Fatalf("want only the single nearest neighbor to survive the knn=1 cap, got %+v", results)
	}
}

func TestSearchScoreByCountUsesRawHitCount(t *testing.T) {
	cat := openCatalog(t)
	e := New(cat)

	q := &ivf.Quantizer{Centroids: []hamming.Code{{1, 0, 0, 0}}}
	target := hamming.Code{0, 0, 0, 0}

	var posting ivfpersist.Posting
	posting.ImageID = 7
	copy(posting.Code[:], hamming.Encode(hamming.Code{0xFF, 0, 0, 0}))

	bucket := q.Assign(target)
	seg := &ivf.Segment{NumBuckets: 1, Buckets: map[int][]ivfpersist.Posting{bucket: {posting}}}
	e.ReloadInMemory(q, seg)

	results, err := e.Search(context.Background(), []hamming.Code{target}, Options{NProbe: 1, HammingThreshold: 64, TopK: 5, ScoreByCount: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Score != 1 {
		t.Fatalf("want a raw hit count of 1 as the score, got %+v", results)
	}
}

func TestSearchManyCombinesQueryDescriptors(t *testing.T) {
	cat := openCatalog(t)
	e := New(cat)

	q := &ivf.Quantizer{Centroids: []hamming.Code{{1, 0, 0, 0}, {0, 0, 0, 1}}}
	a := hamming.Code{0xAAAAAAAA, 0, 0, 0}
	b := hamming.Code{0, 0, 0, 0xBBBBBBBB}

	var pa, pb ivfpersist.Posting
	pa.ImageID = 1
	copy(pa.Code[:], hamming.Encode(a))
	pb.ImageID = 2
	copy(pb.Code[:], hamming.Encode(b))

	seg := &ivf.Segment{
		NumBuckets: 2,
		Buckets: map[int][]ivfpersist.Posting{
			q.Assign(a): {pa},
			q.Assign(b): {pb},
		},
	}
	e.ReloadInMemory(q, seg)

	results, err := e.SearchMany(context.Background(), [][]hamming.Code{{a}, {b}}, Options{NProbe: 2, HammingThreshold: 64, TopK: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("want both images matched across the combined query descriptors, got %+v", results)
	}
}

func TestReloadSwapsAtomically(t *testing.T) {
	cat := openCatalog(t)
	e := New(cat)

	q := &ivf.Quantizer{Centroids: []hamming.Code{{1, 0, 0, 0}}}
	seg1 := &ivf.Segment{NumBuckets: 1, Buckets: map[int][]ivfpersist.Posting{}}
	e.ReloadInMemory(q, seg1)

	h1 := e.slot.acquire()
	if h1 == nil {
		t.Fatal("want a snapshot handle after Reload")
	}

	seg2 := &ivf.Segment{NumBuckets: 1, Buckets: map[int][]ivfpersist.Posting{}}
	e.ReloadInMemory(q, seg2)

	h2 := e.slot.acquire()
	if h1.snap == h2.snap {
		t.Fatal("want a new snapshot after Reload")
	}
	h1.release()
	h2.release()
}
