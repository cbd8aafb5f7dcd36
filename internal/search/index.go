package search

import (
	"github.com/imsearch/imsearch/internal/ivf"
	"github.com/imsearch/imsearch/internal/ivfpersist"
)

// bucketSource is satisfied by every representation the query aggregator
// can read postings from, so Engine doesn't need to know which of the
// three merge modes (in-memory, on-disk, no-merge) produced the index it
// is searching.
type bucketSource interface {
	bucket(id int) ([]ivfpersist.Posting, error)
	numBuckets() int
	close() error
}

// segmentSource wraps an in-memory ivf.Segment, the representation used
// by ModeInMemory and by each individual segment under ModeNone.
type segmentSource struct {
	seg *ivf.Segment
}

func (s segmentSource) bucket(id int) ([]ivfpersist.Posting, error) { return s.seg.Buckets[id], nil }
func (s segmentSource) numBuckets() int                             { return s.seg.NumBuckets }
func (s segmentSource) close() error                                { return nil }

// mmapSource wraps a memory-mapped master index, the representation used
// by ModeOnDisk.
type mmapSource struct {
	idx *ivfpersist.MappedIndex
}

func (m mmapSource) bucket(id int) ([]ivfpersist.Posting, error) { return m.idx.Bucket(id) }
func (m mmapSource) numBuckets() int                             { return len(m.idx.Directory) }
func (m mmapSource) close() error                                { return m.idx.Close() }

// multiSource fans a bucket lookup out across several independent segment
// sources, the representation used by ModeNone: segments are never merged,
// so a query has to visit each one.
type multiSource struct {
	sources []bucketSource
}

func (m multiSource) bucket(id int) ([]ivfpersist.Posting, error) {
	var all []ivfpersist.Posting
	for _, s := range m.sources {
		postings, err := s.bucket(id)
		if err != nil {
			return nil, err
		}
		all = append(all, postings...)
	}
	return all, nil
}

func (m multiSource) numBuckets() int {
	if len(m.sources) == 0 {
		return 0
	}
	return m.sources[0].numBuckets()
}

func (m multiSource) close() error {
	var firstErr error
	for _, s := range m.sources {
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
