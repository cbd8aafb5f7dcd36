// Package addcmder provides the add command, which ingests a directory
// or tar archive of images into the catalog.
package addcmder

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/cobra"

	"github.com/imsearch/imsearch"
	"github.com/imsearch/imsearch/blobstore"
	blobminio "github.com/imsearch/imsearch/blobstore/minio"
	blobs3 "github.com/imsearch/imsearch/blobstore/s3"
	"github.com/imsearch/imsearch/cmd/imsearch/cmdutil"
	"github.com/imsearch/imsearch/internal/descriptor"
	"github.com/imsearch/imsearch/internal/ingest"
	"github.com/imsearch/imsearch/internal/metrics"
	"github.com/imsearch/imsearch/internal/worker"
)

type addCommander struct {
	suffixes  []string
	overwrite bool

	minKeypoints   int
	maxFeatures    int
	maxSize        int
	maxAspectRatio float64
	replace        string
}

const addLongDesc = `Ingest a directory or tar archive of images into the catalog.

Every image is hashed for content-based deduplication before its
descriptors are extracted, so re-running add over the same corpus is safe:
already-seen bytes are skipped rather than re-extracted.

Examples:
  imsearch add ./photos
  imsearch add corpus.tar -s jpg -s png
  imsearch add corpus.tar.gz --max-features 300`

const addShortDesc = "Ingest images into the catalog"

func NewAddCmd() *cobra.Command {
	cmder := &addCommander{}

	cmd := &cobra.Command{
		Use:   "add DIR|TAR",
		Short: addShortDesc,
		Long:  addLongDesc,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd, args[0])
		},
	}

	cmd.Flags().StringSliceVarP(&cmder.suffixes, "suffix", "s", []string{"jpg", "jpeg", "png", "gif", "bmp"}, "File extensions to ingest")
	cmd.Flags().IntVar(&cmder.minKeypoints, "min-keypoints", 0, "Skip images with fewer than N extracted keypoints")
	cmd.Flags().IntVar(&cmder.maxFeatures, "max-features", 0, "Override extraction.max_features for this run")
	cmd.Flags().IntVar(&cmder.maxSize, "max-size", 0, "Skip images wider or taller than PX")
	cmd.Flags().Float64Var(&cmder.maxAspectRatio, "max-aspect-ratio", 0, "Reject images whose aspect ratio exceeds R")
	cmd.Flags().StringVar(&cmder.replace, "replace", "", "RE=TMPL path rewrite; accepted but not applied: paths are stored as the source lists them")
	cmd.Flags().BoolVar(&cmder.overwrite, "overwrite", false, "Re-ingest and replace images that already exist by hash")

	return cmd
}

func (c *addCommander) run(cmd *cobra.Command, source string) error {
	bs, err := cmdutil.Load(cmd)
	if err != nil {
		return err
	}

	cat, err := bs.OpenCatalog()
	if err != nil {
		return err
	}
	defer cat.Close()

	hasher, err := bs.NewHasher()
	if err != nil {
		return err
	}

	extractionParams := descriptor.Params{
		MaxFeatures:      bs.Config.Extraction.MaxFeatures,
		ScaleFactor:      bs.Config.Extraction.ScaleFactor,
		NumLevels:        bs.Config.Extraction.NumLevels,
		FastThreshold:    bs.Config.Extraction.FastThreshold,
		FastMinThreshold: bs.Config.Extraction.FastMinThreshold,
		TargetWidth:      bs.Config.Extraction.TargetWidth,
		MinKeypoints:     bs.Config.Extraction.MinKeypoints,
		MaxSize:          bs.Config.Extraction.MaxSize,
		MaxAspectRatio:   bs.Config.Extraction.MaxAspectRatio,
	}
	if c.maxFeatures > 0 {
		extractionParams.MaxFeatures = c.maxFeatures
	}
	if c.minKeypoints > 0 {
		extractionParams.MinKeypoints = c.minKeypoints
	}
	if c.maxSize > 0 {
		extractionParams.MaxSize = c.maxSize
	}
	if c.maxAspectRatio > 0 {
		extractionParams.MaxAspectRatio = c.maxAspectRatio
	}
	extractor := descriptor.NewFASTBRIEFExtractor(extractionParams)

	workers := bs.Config.Server.MaxWorkers
	pool := worker.New(workers)
	defer pool.Close()

	store, cleanup, err := openSource(cmd, source)
	if err != nil {
		return err
	}
	defer cleanup()

	var m *metrics.Metrics
	if bs.Config.Metrics.Enabled {
		m = metrics.New()
	}
	pipeline := ingest.New(store, cat, extractor, hasher, pool, bs.Log).
		WithMetrics(m).
		WithMinKeypoints(extractionParams.MinKeypoints).
		WithOverwrite(c.overwrite)

	results, err := pipeline.IngestAll(cmd.Context(), "", c.suffixes, true)
	if err != nil {
		return err
	}

	var ingested, deduped, failed int
	for _, r := range results {
		switch {
		case r.Err != nil:
			failed++
		case r.Deduped:
			deduped++
		default:
			ingested++
		}
	}
	if m != nil && bs.Config.Metrics.PushGateway != "" {
		if err := m.Push(bs.Config.Metrics.PushGateway, "imsearch_add"); err != nil {
			bs.Log.Warn("pushing add metrics to pushgateway failed", "error", err)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\ningested %d, deduplicated %d, failed %d (of %d)\n", ingested, deduped, failed, len(results))
	return nil
}

// openSource resolves source into a blobstore.BlobStore, dispatching on an
// optional URI scheme: "s3://bucket/prefix" and "minio://bucket/prefix"
// read directly from object storage without staging locally, per
// SPEC_FULL.md's ingest supplement; anything else is treated as a local
// directory or (if it looks like one) a tar archive first extracted to a
// temp directory, as before. The returned cleanup func always runs,
// whether or not it does anything.
func openSource(cmd *cobra.Command, source string) (blobstore.BlobStore, func(), error) {
	switch {
	case strings.HasPrefix(source, "s3://"):
		store, err := openS3Source(cmd, strings.TrimPrefix(source, "s3://"))
		return store, func() {}, err

	case strings.HasPrefix(source, "minio://"):
		store, err := openMinioSource(strings.TrimPrefix(source, "minio://"))
		return store, func() {}, err

	case isTarPath(source):
		dir, cleanup, err := extractTar(source)
		if err != nil {
			return nil, func() {}, err
		}
		return blobstore.NewLocalStore(dir), cleanup, nil

	default:
		return blobstore.NewLocalStore(source), func() {}, nil
	}
}

// splitBucketPrefix splits "bucket/some/prefix" into ("bucket", "some/prefix").
func splitBucketPrefix(uri string) (bucket, prefix string) {
	if i := strings.IndexByte(uri, '/'); i >= 0 {
		return uri[:i], uri[i+1:]
	}
	return uri, ""
}

// openS3Source builds an S3-backed blobstore.BlobStore using the default
// AWS credential chain (environment, shared config, or instance role),
// matching hupe1980-vecgo/blobstore/s3's own integration-test setup.
func openS3Source(cmd *cobra.Command, uri string) (blobstore.BlobStore, error) {
	bucket, prefix := splitBucketPrefix(uri)
	if bucket == "" {
		return nil, imsearch.NewError(imsearch.KindInput, "add.openS3Source", "s3:// source requires a bucket name (s3://bucket/prefix)", nil)
	}
	cfg, err := config.LoadDefaultConfig(cmd.Context())
	if err != nil {
		return nil, imsearch.NewError(imsearch.KindInput, "add.openS3Source", "loading AWS credentials", err)
	}
	client := s3.NewFromConfig(cfg)
	return blobs3.NewStore(client, bucket, prefix), nil
}

// openMinioSource builds a MinIO-backed blobstore.BlobStore. Connection
// details come from MINIO_ENDPOINT/MINIO_ACCESS_KEY/MINIO_SECRET_KEY
// (optionally MINIO_USE_SSL), since a minio:// URI carries only the
// bucket and prefix, not per-deployment endpoint credentials.
func openMinioSource(uri string) (blobstore.BlobStore, error) {
	bucket, prefix := splitBucketPrefix(uri)
	if bucket == "" {
		return nil, imsearch.NewError(imsearch.KindInput, "add.openMinioSource", "minio:// source requires a bucket name (minio://bucket/prefix)", nil)
	}
	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		return nil, imsearch.NewError(imsearch.KindInput, "add.openMinioSource", "MINIO_ENDPOINT must be set to use a minio:// source", nil)
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(os.Getenv("MINIO_ACCESS_KEY"), os.Getenv("MINIO_SECRET_KEY"), ""),
		Secure: os.Getenv("MINIO_USE_SSL") == "true",
	})
	if err != nil {
		return nil, imsearch.NewError(imsearch.KindInput, "add.openMinioSource", "connecting to MinIO", err)
	}
	return blobminio.NewStore(client, bucket, prefix), nil
}

func isTarPath(p string) bool {
	lower := strings.ToLower(p)
	return strings.HasSuffix(lower, ".tar") || strings.HasSuffix(lower, ".tar.gz") || strings.HasSuffix(lower, ".tgz")
}

// extractTar unpacks a tar (optionally gzip-compressed) archive to a fresh
// temp directory so the rest of the pipeline can treat it as a plain
// directory via blobstore.NewLocalStore. archive/tar and compress/gzip are
// standard library: no third-party tar reader appears anywhere in the
// example corpus, so this is one of the few places imsearch reaches past
// it.
func extractTar(path string) (dir string, cleanup func(), err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(strings.ToLower(path), ".gz") || strings.HasSuffix(strings.ToLower(path), ".tgz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return "", nil, err
		}
		defer gz.Close()
		r = gz
	}

	dir, err = os.MkdirTemp("", "imsearch-add-*")
	if err != nil {
		return "", nil, err
	}
	cleanup = func() { os.RemoveAll(dir) }

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			cleanup()
			return "", nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		target := filepath.Join(dir, filepath.Clean(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
			continue // reject path traversal in the archive
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			cleanup()
			return "", nil, err
		}
		out, err := os.Create(target)
		if err != nil {
			cleanup()
			return "", nil, err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			cleanup()
			return "", nil, err
		}
		out.Close()
	}

	return dir, cleanup, nil
}
