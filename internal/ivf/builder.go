package ivf

import (
	"bytes"
	"io"
	"math"
	"sort"

	"github.com/imsearch/imsearch"
	"github.com/imsearch/imsearch/internal/hamming"
	"github.com/imsearch/imsearch/internal/ivfpersist"
)

// Descriptor pairs a descriptor code with the image id it belongs to, the
// unit of work a segment build consumes from the catalog.
type Descriptor struct {
	ImageID int64
	Code    hamming.Code
}

// Segment is one immutable batch of quantized postings, grouped by bucket
// and ready to be written to disk or folded into a merge.
type Segment struct {
	NumBuckets int
	Buckets    map[int][]ivfpersist.Posting
}

// BuildSegment assigns each descriptor to its coarse bucket under q and
// groups the resulting postings, the unit spec.md §4.4 calls a segment.
// The on-disk posting format (internal/ivfpersist) stores image ids as
// uint32, narrower than spec.md §3's 64-bit id space; BuildSegment rejects
// any id past that range instead of silently wrapping it.
func BuildSegment(q *Quantizer, descriptors []Descriptor) (*Segment, error) {
	seg := &Segment{
		NumBuckets: len(q.Centroids),
		Buckets:    make(map[int][]ivfpersist.Posting),
	}
	for _, d := range descriptors {
		if d.ImageID < 0 || d.ImageID > math.MaxUint32 {
			return nil, imsearch.NewError(imsearch.KindInput, "ivf.BuildSegment", "image id exceeds the segment posting format's 32-bit range", nil)
		}
		bucket := q.Assign(d.Code)
		p := ivfpersist.Posting{ImageID: uint32(d.ImageID)}
		copy(p.Code[:], hamming.Encode(d.Code))
		seg.Buckets[bucket] = append(seg.Buckets[bucket], p)
	}
	return seg, nil
}

// WriteSegment serializes seg to path in ivfpersist's header + directory +
// postings layout. The directory and postings are assembled into an
// in-memory buffer first (they're already fully resident in seg.Buckets)
// so their CRC32 can be computed in the same pass and stamped into the
// header's Checksum field before anything is written out.
func WriteSegment(path string, seg *Segment) error {
	dir := make([]ivfpersist.DirectoryEntry, seg.NumBuckets)
	var offset uint64
	orderedBuckets := make([][]ivfpersist.Posting, seg.NumBuckets)
	for id := 0; id < seg.NumBuckets; id++ {
		postings := seg.Buckets[id]
		sort.Slice(postings, func(i, j int) bool { return postings[i].ImageID < postings[j].ImageID })
		orderedBuckets[id] = postings
		dir[id] = ivfpersist.DirectoryEntry{Offset: offset, Count: uint32(len(postings))}
		offset += uint64(len(postings)) * 36
	}

	var descriptorCnt uint64
	for _, p := range orderedBuckets {
		descriptorCnt += uint64(len(p))
	}

	var body bytes.Buffer
	cw := ivfpersist.NewChecksumWriter(&body)
	bw := ivfpersist.NewWriter(cw)
	if err := bw.WriteDirectory(dir); err != nil {
		return err
	}
	for _, postings := range orderedBuckets {
		if err := bw.WritePostings(postings); err != nil {
			return err
		}
	}

	header := &ivfpersist.FileHeader{
		NumBuckets:      uint32(seg.NumBuckets),
		DescriptorDim:   256,
		DescriptorCnt:   descriptorCnt,
		DirectoryOffset: 60, // immediately after the fixed-size header
		PostingsOffset:  60 + uint64(seg.NumBuckets)*12,
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

// ReadSegment loads a segment previously written by WriteSegment.
func ReadSegment(path string) (*Segment, error) {
	seg := &Segment{Buckets: make(map[int][]ivfpersist.Posting)}
	err := ivfpersist.LoadFromFile(path, func(r io.Reader) error {
		br := ivfpersist.NewReader(r)
		header, err := br.ReadHeader()
		if err != nil {
			return err
		}
		seg.NumBuckets = int(header.NumBuckets)

		body, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		if err := ivfpersist.VerifyChecksum(body, header.Checksum); err != nil {
			return err
		}

		bodyReader := ivfpersist.NewReader(bytes.NewReader(body))
		dir, err := bodyReader.ReadDirectory(seg.NumBuckets)
		if err != nil {
			return err
		}
		for id, entry := range dir {
			if entry.Count == 0 {
				continue
			}
			postings, err := bodyReader.ReadPostings(int(entry.Count))
			if err != nil {
				return err
			}
			seg.Buckets[id] = postings
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return seg, nil
}
