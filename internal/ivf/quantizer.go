// Package ivf implements the coarse quantizer, segment builder, and the
// three index merge modes (in-memory, on-disk, no-merge) that turn
// extracted descriptors into a searchable binary inverted-file index.
//
// The quantizer training loop is adapted from a general-purpose vector
// engine's Lloyd's-iteration k-means (internal/kmeans in the pack): same
// assign/update/empty-cluster-reseed structure, with float32 centroid
// distance/averaging replaced by Hamming distance and per-bit majority
// vote (k-modes over binary codes).
package ivf

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math/rand"

	"github.com/imsearch/imsearch"
	"github.com/imsearch/imsearch/internal/hamming"
	"github.com/imsearch/imsearch/internal/ivfpersist"
)

// Quantizer maps a descriptor to a coarse bucket id: the nearest of its
// trained centroids by Hamming distance.
type Quantizer struct {
	Centroids []hamming.Code
}

// SelectK picks a default bucket count from the catalog's running
// descriptor total, mirroring original_source/src/imdb.rs's create_index
// tiering (BIVF<k> naming there maps directly to NumBuckets here).
func SelectK(totalDescriptors int64) int {
	switch {
	case totalDescriptors <= 1_000_000:
		k := int(4 * intSqrt(totalDescriptors))
		if k < 256 {
			k = 256
		}
		return k
	case totalDescriptors <= 10_000_000:
		return 65536
	case totalDescriptors <= 100_000_000:
		return 262144
	default:
		return 1048576
	}
}

func intSqrt(n int64) int64 {
	if n <= 0 {
		return 0
	}
	x := n
	y := (x + 1) / 2
	for y < x {
		x = y
		y = (x + n/x) / 2
	}
	return x
}

// ErrInsufficientData is returned by Train when fewer descriptors than
// buckets are available to cluster.
var ErrInsufficientData = errors.New("ivf: fewer descriptors than requested buckets")

// TrainOptions controls k-modes training.
type TrainOptions struct {
	K       int
	MaxIter int
	Seed    int64
}

// Train clusters codes into opts.K buckets using Lloyd's algorithm over
// Hamming distance, reseeding any cluster that goes empty on an update
// step from a random data point.
func Train(ctx context.Context, codes []hamming.Code, opts TrainOptions) (*Quantizer, error) {
	if opts.MaxIter <= 0 {
		opts.MaxIter = 25
	}
	n := len(codes)
	if n < opts.K {
		return nil, imsearch.NewError(imsearch.KindInput, "ivf.Train", "not enough descriptors to train the requested bucket count", ErrInsufficientData)
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	centroids := make([]hamming.Code, opts.K)
	perm := rng.Perm(n)
	for i := 0; i < opts.K; i++ {
		centroids[i] = codes[perm[i]]
	}

	assignments := make([]int, n)

	for iter := 0; iter < opts.MaxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		changed := false
		for i, c := range codes {
			best, bestDist := 0, hamming.Distance(c, centroids[0])
			for j := 1; j < opts.K; j++ {
				if d := hamming.Distance(c, centroids[j]); d < bestDist {
					best, bestDist = j, d
				}
			}
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		buckets := make([][]hamming.Code, opts.K)
		for i, c := range codes {
			buckets[assignments[i]] = append(buckets[assignments[i]], c)
		}
		for j := range centroids {
			if len(buckets[j]) == 0 {
				centroids[j] = codes[rng.Intn(n)]
				continue
			}
			centroids[j] = hamming.MajorityCentroid(buckets[j])
		}
	}

	return &Quantizer{Centroids: centroids}, nil
}

// Assign returns the id of code's nearest centroid.
func (q *Quantizer) Assign(code hamming.Code) int {
	best, bestDist := 0, hamming.Distance(code, q.Centroids[0])
	for j := 1; j < len(q.Centroids); j++ {
		if d := hamming.Distance(code, q.Centroids[j]); d < bestDist {
			best, bestDist = j, d
		}
	}
	return best
}

// NProbe returns the ids of the n buckets whose centroids are nearest to
// code, used by the search engine to widen a query beyond its single
// assigned bucket.
func (q *Quantizer) NProbe(code hamming.Code, n int) []int {
	type scored struct {
		id   int
		dist int
	}
	scores := make([]scored, len(q.Centroids))
	for i, c := range q.Centroids {
		scores[i] = scored{id: i, dist: hamming.Distance(code, c)}
	}
	for i := 1; i < len(scores); i++ {
		for j := i; j > 0 && scores[j].dist < scores[j-1].dist; j-- {
			scores[j], scores[j-1] = scores[j-1], scores[j]
		}
	}
	if n > len(scores) {
		n = len(scores)
	}
	ids := make([]int, n)
	for i := 0; i < n; i++ {
		ids[i] = scores[i].id
	}
	return ids
}

// SaveQuantizer persists q's centroids to path via ivfpersist's
// atomic-rename discipline: a uint32 centroid count followed by each
// centroid's 32-byte code.
func SaveQuantizer(path string, q *Quantizer) error {
	return ivfpersist.SaveToFile(path, func(w io.Writer) error {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(q.Centroids))); err != nil {
			return err
		}
		for _, c := range q.Centroids {
			if _, err := w.Write(hamming.Encode(c)); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadQuantizer reads a quantizer written by SaveQuantizer.
func LoadQuantizer(path string) (*Quantizer, error) {
	var q Quantizer
	err := ivfpersist.LoadFromFile(path, func(r io.Reader) error {
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return err
		}
		q.Centroids = make([]hamming.Code, n)
		buf := make([]byte, hamming.Size)
		for i := range q.Centroids {
			if _, err := io.ReadFull(r, buf); err != nil {
				return err
			}
			q.Centroids[i] = hamming.Decode(buf)
		}
		return nil
	})
	if err != nil {
		return nil, imsearch.Wrap("ivf.LoadQuantizer", err)
	}
	return &q, nil
}
