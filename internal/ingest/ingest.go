// Package ingest is the dedup/extract/persist pipeline that turns raw
// image bytes from a blobstore.BlobStore into catalog rows and stored
// descriptors, per spec.md §4.3.
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v2"

	"github.com/imsearch/imsearch"
	"github.com/imsearch/imsearch/blobstore"
	"github.com/imsearch/imsearch/internal/catalog"
	"github.com/imsearch/imsearch/internal/descriptor"
	"github.com/imsearch/imsearch/internal/hamming"
	"github.com/imsearch/imsearch/internal/hashing"
	"github.com/imsearch/imsearch/internal/logging"
	"github.com/imsearch/imsearch/internal/metrics"
	"github.com/imsearch/imsearch/internal/worker"
)

// Pipeline dedups, extracts descriptors from, and persists images sourced
// from a blobstore.BlobStore, fanning the CPU-bound extraction step out
// onto a worker.Pool.
type Pipeline struct {
	store        blobstore.BlobStore
	catalog      *catalog.Catalog
	extractor    descriptor.Extractor
	hasher       hashing.Hasher
	pool         *worker.Pool
	log          *logging.Logger
	metrics      *metrics.Metrics
	minKeypoints int
	overwrite    bool
}

// New builds a Pipeline. pool is not owned by the Pipeline and is not
// closed by it.
func New(store blobstore.BlobStore, cat *catalog.Catalog, extractor descriptor.Extractor, hasher hashing.Hasher, pool *worker.Pool, log *logging.Logger) *Pipeline {
	if log == nil {
		log = logging.Noop()
	}
	return &Pipeline{store: store, catalog: cat, extractor: extractor, hasher: hasher, pool: pool, log: log}
}

// WithMetrics attaches m so extraction latency and error counts are
// reported through it. Metrics stay nil (a no-op) unless a caller opts in,
// matching internal/httpapi's own nil-metrics handling.
func (p *Pipeline) WithMetrics(m *metrics.Metrics) *Pipeline {
	p.metrics = m
	return p
}

// WithMinKeypoints sets the post-extraction gate from spec.md §4.3: images
// whose extracted keypoint count falls below n are recorded with zero
// descriptors (deduping future ingests) rather than persisted. n <= 0
// disables the gate.
func (p *Pipeline) WithMinKeypoints(n int) *Pipeline {
	p.minKeypoints = n
	return p
}

// WithOverwrite makes IngestBytes replace an existing image's descriptors
// and force it back to unindexed when a re-ingested hash already exists in
// the catalog, per spec.md §4.2's upsert_image(hash, path, overwrite).
func (p *Pipeline) WithOverwrite(overwrite bool) *Pipeline {
	p.overwrite = overwrite
	return p
}

// Result is the outcome of ingesting a single image path.
type Result struct {
	Path      string
	ImageID   int64
	Deduped   bool
	Keypoints int
	Err       error
}

// IngestAll walks every blob name under prefix whose suffix appears in
// suffixes (e.g. "jpg", "png"), ingesting each one in parallel across the
// pipeline's worker pool and, when showProgress is set, reporting progress
// via a schollz/progressbar bar sized to the filtered name count, per
// spec.md's `add` command contract.
func (p *Pipeline) IngestAll(ctx context.Context, prefix string, suffixes []string, showProgress bool) ([]Result, error) {
	names, err := p.store.List(ctx, prefix)
	if err != nil {
		return nil, imsearch.Wrap("ingest.IngestAll", err)
	}
	names = filterBySuffix(names, suffixes)

	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.New(len(names))
	}

	results := make([]Result, len(names))
	var wg sync.WaitGroup
	var completed atomic.Int64
	wg.Add(len(names))

	for i, name := range names {
		i, name := i, name
		submitErr := p.pool.Submit(ctx, func() {
			defer wg.Done()
			results[i] = p.ingestOne(ctx, name)
			if bar != nil {
				_ = bar.Add(1)
			}
			completed.Add(1)
		})
		if submitErr != nil {
			wg.Done()
			results[i] = Result{Path: name, Err: submitErr}
		}
	}

	wg.Wait()
	return results, nil
}

// IngestOne ingests a single blob by name, reading it from the pipeline's
// blobstore.BlobStore.
func (p *Pipeline) IngestOne(ctx context.Context, name string) Result {
	return p.ingestOne(ctx, name)
}

func (p *Pipeline) ingestOne(ctx context.Context, name string) Result {
	blob, err := p.store.Open(ctx, name)
	if err != nil {
		return Result{Path: name, Err: imsearch.Wrap("ingest.ingestOne", err)}
	}
	defer blob.Close()

	data := make([]byte, blob.Size())
	if _, err := blob.ReadAt(ctx, data, 0); err != nil {
		return Result{Path: name, Err: imsearch.Wrap("ingest.ingestOne", err)}
	}

	return p.IngestBytes(ctx, name, data)
}

// IngestBytes runs the dedup/extract/persist pipeline against image bytes
// already in memory, bypassing the blobstore.BlobStore entirely. Used by
// internal/httpapi to ingest a multipart upload directly.
func (p *Pipeline) IngestBytes(ctx context.Context, name string, data []byte) Result {
	hash := p.hasher.Sum(data)
	imageID, created, err := p.catalog.UpsertImage(ctx, hash, name, p.overwrite)
	if err != nil {
		p.log.LogIngest(ctx, name, 0, false, err)
		return Result{Path: name, Err: err}
	}
	if !created {
		p.log.LogIngest(ctx, name, imageID, true, nil)
		return Result{Path: name, ImageID: imageID, Deduped: true}
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		err = imsearch.NewError(imsearch.KindInput, "ingest.ingestOne", fmt.Sprintf("decoding image %s", name), err)
		p.log.LogIngest(ctx, name, imageID, false, err)
		return Result{Path: name, ImageID: imageID, Err: err}
	}

	extractStart := time.Now()
	codes, err := p.extractor.Extract(img)
	if p.metrics != nil {
		p.metrics.ObserveExtract(time.Since(extractStart), err)
	}
	if err != nil {
		p.log.LogExtract(ctx, imageID, 0, err)
		return Result{Path: name, ImageID: imageID, Err: err}
	}
	p.log.LogExtract(ctx, imageID, len(codes), nil)

	if p.minKeypoints > 0 && len(codes) < p.minKeypoints {
		p.log.LogIngest(ctx, name, imageID, false, nil)
		return Result{Path: name, ImageID: imageID, Keypoints: len(codes)}
	}

	if err := p.catalog.SetImageDHash(ctx, imageID, uint64(descriptor.ComputeDHash(img))); err != nil {
		return Result{Path: name, ImageID: imageID, Err: err}
	}

	blobs := make([][]byte, len(codes))
	for i, c := range codes {
		blobs[i] = hamming.Encode(c)
	}
	if err := p.catalog.StoreDescriptors(ctx, imageID, blobs); err != nil {
		return Result{Path: name, ImageID: imageID, Err: err}
	}

	p.log.LogIngest(ctx, name, imageID, false, nil)
	return Result{Path: name, ImageID: imageID, Keypoints: len(codes)}
}

func filterBySuffix(names []string, suffixes []string) []string {
	if len(suffixes) == 0 {
		return names
	}
	var out []string
	for _, n := range names {
		for _, sfx := range suffixes {
			if strings.HasSuffix(strings.ToLower(n), "."+strings.ToLower(sfx)) {
				out = append(out, n)
				break
			}
		}
	}
	return out
}
