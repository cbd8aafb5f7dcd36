package ivf

import (
	"bytes"
	"io"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/imsearch/imsearch/internal/ivfpersist"
)

// MergeMode selects how segments are combined into a searchable index, per
// spec.md §4.4.
type MergeMode string

const (
	// ModeInMemory merges all segments into a single index file, fully
	// materialized in memory during the merge and then written out whole.
	ModeInMemory MergeMode = "in-memory"
	// ModeOnDisk merges into a single index file but only keeps the bucket
	// directory in memory afterward, reading postings lazily via mmap.
	ModeOnDisk MergeMode = "on-disk"
	// ModeNone keeps segments independent; the search engine fans a query
	// out across all of them in parallel instead of merging.
	ModeNone MergeMode = "no-merge"
)

// MergeInMemory combines segments into one master index, deduplicating
// per-bucket image ids with a roaring bitmap before flattening back to
// postings (a descriptor-level duplicate id contributes at most one
// posting per bucket to the merged index).
func MergeInMemory(segments []*Segment, numBuckets int) *Segment {
	merged := &Segment{NumBuckets: numBuckets, Buckets: make(map[int][]ivfpersist.Posting)}

	for bucket := 0; bucket < numBuckets; bucket++ {
		seen := roaring.New()
		var postings []ivfpersist.Posting
		for _, seg := range segments {
			for _, p := range seg.Buckets[bucket] {
				if seen.Contains(p.ImageID) {
					continue
				}
				seen.Add(p.ImageID)
				postings = append(postings, p)
			}
		}
		if len(postings) > 0 {
			sort.Slice(postings, func(i, j int) bool { return postings[i].ImageID < postings[j].ImageID })
			merged.Buckets[bucket] = postings
		}
	}
	return merged
}

// MergeOnDisk opens every input segment via mmap so none of their postings
// need to be paged in eagerly, then for each bucket in turn reads that
// bucket's postings out of every segment and assembles the merged result.
// It still holds the merged posting set in memory for the duration of the
// write (needed to checksum the body before the header goes out); the
// memory saving over ModeInMemory is in never materializing the *input*
// segments, and in what callers do afterward: they reopen the result with
// ivfpersist.OpenMapped for lazy per-bucket reads at search time instead of
// loading the whole merged index the way ReadSegment does.
func MergeOnDisk(path string, segmentPaths []string, numBuckets int) error {
	var opened []*ivfpersist.MappedIndex
	defer func() {
		for _, m := range opened {
			_ = m.Close()
		}
	}()
	for _, sp := range segmentPaths {
		m, err := ivfpersist.OpenMapped(sp)
		if err != nil {
			return err
		}
		opened = append(opened, m)
	}

	dir := make([]ivfpersist.DirectoryEntry, numBuckets)
	bucketPostings := make([][]ivfpersist.Posting, numBuckets)
	var offset, total uint64
	for bucket := 0; bucket < numBuckets; bucket++ {
		seen := roaring.New()
		var postings []ivfpersist.Posting
		for _, m := range opened {
			bp, err := m.Bucket(bucket)
			if err != nil {
				return err
			}
			for _, p := range bp {
				if seen.Contains(p.ImageID) {
					continue
				}
				seen.Add(p.ImageID)
				postings = append(postings, p)
			}
		}
		sort.Slice(postings, func(i, j int) bool { return postings[i].ImageID < postings[j].ImageID })
		bucketPostings[bucket] = postings
		dir[bucket] = ivfpersist.DirectoryEntry{Offset: offset, Count: uint32(len(postings))}
		offset += uint64(len(postings)) * 36
		total += uint64(len(postings))
	}

	var body bytes.Buffer
	cw := ivfpersist.NewChecksumWriter(&body)
	bw := ivfpersist.NewWriter(cw)
	if err := bw.WriteDirectory(dir); err != nil {
		return err
	}
	for _, postings := range bucketPostings {
		if err := bw.WritePostings(postings); err != nil {
			return err
		}
	}

	header := &ivfpersist.FileHeader{
		NumBuckets:      uint32(numBuckets),
		DescriptorDim:   256,
		DescriptorCnt:   total,
		DirectoryOffset: 60,
		PostingsOffset:  60 + uint64(numBuckets)*12,
		Checksum:        cw.Sum(),
	}

	return ivfpersist.SaveToFile(path, func(w io.Writer) error {
		if err := ivfpersist.NewWriter(w).WriteHeader(header); err != nil {
			return err
		}
		_, err := w.Write(body.Bytes())
		return err
	})
}
