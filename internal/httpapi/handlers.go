package httpapi

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/imsearch/imsearch"
	"github.com/imsearch/imsearch/internal/descriptor"
	"github.com/imsearch/imsearch/internal/hamming"
	"github.com/imsearch/imsearch/internal/ivf"
	"github.com/imsearch/imsearch/internal/search"
)

// searchResponse is the JSON body returned by POST /search.
type searchResponse struct {
	Results []searchResult `json:"results"`
	Took    string         `json:"took"`
}

type searchResult struct {
	ImageID int64    `json:"image_id"`
	Score   float64  `json:"score"`
	Hits    int      `json:"hits"`
	Paths   []string `json:"paths,omitempty"`
}

// handleSearch implements POST /search: one or more multipart "file"
// uploads are decoded, their descriptors extracted with the same extractor
// ingest uses, and the combined result run through the search engine as a
// single composite query. Query-param parsing for the tunable knobs
// (top_k, nprobe, hamming_threshold) mirrors
// papercomputeco-tapes/api/search_handler.go's c.Query pattern.
func (s *Server) handleSearch(c *fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return writeError(c, imsearch.NewError(imsearch.KindInput, "httpapi.handleSearch", "expected multipart/form-data", err))
	}
	files := form.File["file"]
	if len(files) == 0 {
		return writeError(c, imsearch.NewError(imsearch.KindInput, "httpapi.handleSearch", "missing multipart field \"file\"", nil))
	}

	var queryCodes [][]hamming.Code
	var queryDHash descriptor.DHash
	for i, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return writeError(c, imsearch.Wrap("httpapi.handleSearch", err))
		}
		data := make([]byte, fh.Size)
		_, err = io.ReadFull(f, data)
		f.Close()
		if err != nil {
			return writeError(c, imsearch.Wrap("httpapi.handleSearch", err))
		}

		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return writeError(c, imsearch.NewError(imsearch.KindInput, "httpapi.handleSearch", "decoding uploaded image", err))
		}
		codes, err := s.extractor.Extract(img)
		if err != nil {
			return writeError(c, err)
		}
		queryCodes = append(queryCodes, codes)
		if i == 0 {
			// The dHash rerank gate compares against a single visual
			// fingerprint; with multiple uploads the first stands in for
			// the set, matching the CLI's single-image query path.
			queryDHash = descriptor.ComputeDHash(img)
		}
	}

	opts := search.Options{
		NProbe:           queryInt(c, "nprobe", 0),
		HammingThreshold: queryInt(c, "hamming_threshold", 0),
		TopK:             queryInt(c, "top_k", 0),
		Knn:              queryInt(c, "knn", 0),
		ScoreByCount:     queryBool(c, "score_by_count", !s.cfg.Search.WeightedScoring),
		UseDHashRerank:   queryBool(c, "dhash_rerank", true),
		QueryDHash:       queryDHash,
		DHashThreshold:   queryInt(c, "dhash_threshold", 0),
	}

	start := time.Now()
	results, err := s.engine.SearchMany(c.Context(), queryCodes, opts)
	elapsed := time.Since(start)
	if s.metrics != nil {
		s.metrics.ObserveSearch(elapsed, len(results), err)
	}
	if err != nil {
		return writeError(c, err)
	}

	out := make([]searchResult, len(results))
	for i, r := range results {
		sr := searchResult{ImageID: r.ImageID, Score: r.Score, Hits: r.Hits}
		if rec, err := s.catalog.Image(c.Context(), r.ImageID); err == nil {
			sr.Paths = rec.Paths
		}
		out[i] = sr
	}
	return c.JSON(searchResponse{Results: out, Took: elapsed.String()})
}

// addResponse is the JSON body returned by POST /add.
type addResponse struct {
	ImageID   int64 `json:"image_id"`
	Deduped   bool  `json:"deduped"`
	Keypoints int   `json:"keypoints"`
}

// handleAdd implements POST /add: a multipart image upload is dedup'd,
// its descriptors extracted, and both persisted to the catalog. This
// mirrors internal/ingest's IngestBytes, the entry point ingest.Pipeline
// exposes for callers that already hold the bytes in memory rather than
// reading them from a blobstore.BlobStore.
func (s *Server) handleAdd(c *fiber.Ctx) error {
	fh, err := c.FormFile("image")
	if err != nil {
		return writeError(c, imsearch.NewError(imsearch.KindInput, "httpapi.handleAdd", "missing multipart field \"image\"", err))
	}
	f, err := fh.Open()
	if err != nil {
		return writeError(c, imsearch.Wrap("httpapi.handleAdd", err))
	}
	defer f.Close()

	data := make([]byte, fh.Size)
	if _, err := io.ReadFull(f, data); err != nil {
		return writeError(c, imsearch.Wrap("httpapi.handleAdd", err))
	}

	start := time.Now()
	res := s.pipeline.IngestBytes(c.Context(), fh.Filename, data)
	if s.metrics != nil {
		s.metrics.ObserveIngest(time.Since(start), res.Deduped)
	}
	if res.Err != nil {
		return writeError(c, res.Err)
	}
	return c.JSON(addResponse{ImageID: res.ImageID, Deduped: res.Deduped, Keypoints: res.Keypoints})
}

// buildResponse is the JSON body returned by POST /build.
type buildResponse struct {
	ImagesIndexed   int    `json:"images_indexed"`
	DescriptorCount int    `json:"descriptor_count"`
	BucketCount     int    `json:"bucket_count"`
	Took            string `json:"took"`
}

// handleBuild implements POST /build: it loads the coarse quantizer a
// prior `imsearch train` run persisted (training is external to this
// call, per spec.md §1/§4.4), folds every unindexed image's descriptors
// into a segment, writes that segment and its in-memory merge to disk
// under indexDir, saves the manifest, and only then hot-swaps the merged
// index into the search engine and marks the ids indexed — so a crash
// between any of those steps never leaves the catalog claiming ids are
// indexed for an index that doesn't durably exist. Only one build may run
// at a time; a concurrent call gets KindConflict, matching spec.md's
// single-writer build model.
func (s *Server) handleBuild(c *fiber.Ctx) error {
	if !s.buildInProgress.CompareAndSwap(false, true) {
		return writeError(c, imsearch.NewError(imsearch.KindConflict, "httpapi.handleBuild", "a build is already in progress", nil))
	}
	defer s.buildInProgress.Store(false)
	if s.metrics != nil {
		s.metrics.SetBuildInProgress(true)
		defer s.metrics.SetBuildInProgress(false)
	}

	s.buildMu.Lock()
	defer s.buildMu.Unlock()

	start := time.Now()
	ctx := c.Context()

	quantizer, err := ivf.LoadQuantizer(filepath.Join(s.indexDir, "quantizer.bin"))
	if err != nil {
		return writeError(c, imsearch.NewError(imsearch.KindInput, "httpapi.handleBuild", "no trained quantizer found; run train first", err))
	}

	imageIDs, err := s.catalog.UnindexedImages(ctx, -1) // SQLite treats a negative LIMIT as unbounded
	if err != nil {
		return writeError(c, err)
	}
	if len(imageIDs) == 0 {
		return c.JSON(buildResponse{Took: time.Since(start).String()})
	}

	var descriptors []ivf.Descriptor
	for _, id := range imageIDs {
		blobs, err := s.catalog.Descriptors(ctx, id)
		if err != nil {
			return writeError(c, err)
		}
		for _, b := range blobs {
			if len(b) != hamming.Size {
				return writeError(c, imsearch.NewError(imsearch.KindPersistentState, "httpapi.handleBuild", "stored descriptor has the wrong length", nil))
			}
			descriptors = append(descriptors, ivf.Descriptor{ImageID: id, Code: hamming.Decode(b)})
		}
	}
	if len(descriptors) == 0 {
		// Nothing to fold into an index (every unindexed image was gated
		// out at ingest), but the ids are still done.
		if err := s.catalog.MarkIndexed(ctx, imageIDs); err != nil {
			return writeError(c, err)
		}
		return c.JSON(buildResponse{ImagesIndexed: len(imageIDs), Took: time.Since(start).String()})
	}

	if err := os.MkdirAll(s.indexDir, 0o755); err != nil {
		return writeError(c, imsearch.Wrap("httpapi.handleBuild", err))
	}

	segStart := time.Now()
	segment, err := ivf.BuildSegment(quantizer, descriptors)
	if err != nil {
		return writeError(c, err)
	}
	segPath := filepath.Join(s.indexDir, "index.0")
	if err := ivf.WriteSegment(segPath, segment); err != nil {
		return writeError(c, err)
	}
	if s.metrics != nil {
		s.metrics.ObserveBuild(time.Since(segStart), len(descriptors))
	}

	mergeStart := time.Now()
	merged := ivf.MergeInMemory([]*ivf.Segment{segment}, len(quantizer.Centroids))
	indexPath := filepath.Join(s.indexDir, "index.bin")
	if err := ivf.WriteSegment(indexPath, merged); err != nil {
		return writeError(c, err)
	}
	_ = os.Remove(segPath)
	if s.metrics != nil {
		s.metrics.ObserveMerge(string(ivf.ModeInMemory), time.Since(mergeStart))
	}

	manifest := &ivf.Manifest{
		Version:    1,
		NumBuckets: len(quantizer.Centroids),
		Mode:       ivf.ModeInMemory,
		IndexPath:  "index.bin",
		CreatedAt:  time.Now(),
	}
	if err := ivf.SaveManifest(s.indexDir, manifest); err != nil {
		return writeError(c, err)
	}

	s.engine.ReloadInMemory(quantizer, merged)
	if s.metrics != nil {
		s.metrics.SetIndexStats(merged.NumBuckets, len(descriptors))
	}

	if err := s.catalog.MarkIndexed(ctx, imageIDs); err != nil {
		return writeError(c, err)
	}

	return c.JSON(buildResponse{
		ImagesIndexed:   len(imageIDs),
		DescriptorCount: len(descriptors),
		BucketCount:     merged.NumBuckets,
		Took:            time.Since(start).String(),
	})
}

// reloadRequest is the JSON body accepted by POST /reload.
type reloadRequest struct {
	QuantizerPath string `json:"quantizer_path"`
	IndexPath     string `json:"index_path"`
}

// handleReload implements POST /reload: it loads a quantizer and an
// on-disk segment written by the `imsearch build` CLI command and swaps
// them into the running engine, for the operational path where index
// files are built out-of-process and shipped to serving hosts.
func (s *Server) handleReload(c *fiber.Ctx) error {
	var req reloadRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, imsearch.NewError(imsearch.KindInput, "httpapi.handleReload", "parsing request body", err))
	}
	if req.QuantizerPath == "" || req.IndexPath == "" {
		return writeError(c, imsearch.NewError(imsearch.KindInput, "httpapi.handleReload", "quantizer_path and index_path are required", nil))
	}

	quantizer, err := ivf.LoadQuantizer(req.QuantizerPath)
	if err != nil {
		return writeError(c, err)
	}
	if err := s.engine.ReloadOnDisk(quantizer, req.IndexPath); err != nil {
		return writeError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// statsResponse is the JSON body returned by GET /stats.
type statsResponse struct {
	ImageCount      int64 `json:"image_count"`
	DescriptorCount int64 `json:"descriptor_count"`
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	ctx := c.Context()
	imageCount, err := s.catalog.ImageCount(ctx)
	if err != nil {
		return writeError(c, err)
	}
	descCount, err := s.catalog.TotalDescriptorCount(ctx)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(statsResponse{ImageCount: imageCount, DescriptorCount: descCount})
}

// handleResetStats implements POST /reset_stats. The catalog is the sole
// source of these counters, and clearing them means dropping the data they
// describe, so this only zeroes the process-local index gauges (bucket and
// descriptor counts) rather than touching the catalog.
func (s *Server) handleResetStats(c *fiber.Ctx) error {
	if s.metrics != nil {
		s.metrics.SetIndexStats(0, 0)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleDocs(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.SendString(docsText)
}

const docsText = `imsearch HTTP API

POST /search   multipart field "file" (one or more) -> {results: [{image_id, score, hits, paths}]}
POST /add      multipart field "image" -> {image_id, deduped, keypoints}
POST /build    rebuild the in-memory index from unindexed catalog rows
POST /reload   {quantizer_path, index_path} -> load an on-disk index built by the CLI
GET  /stats    catalog-wide image and descriptor counts
POST /reset_stats  reset process-local metrics gauges
GET  /metrics  Prometheus exposition
GET  /docs     this page

All routes except /docs require "Authorization: Bearer <token>" when a
token is configured.
`

func queryInt(c *fiber.Ctx, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryBool(c *fiber.Ctx, key string, def bool) bool {
	v := c.Query(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
