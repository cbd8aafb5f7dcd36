// Package buildcmder provides the build command, which folds every
// unindexed catalog image into a searchable IVF index.
package buildcmder

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/imsearch/imsearch"
	"github.com/imsearch/imsearch/cmd/imsearch/cmdutil"
	"github.com/imsearch/imsearch/internal/hamming"
	"github.com/imsearch/imsearch/internal/ivf"
	"github.com/imsearch/imsearch/internal/metrics"
)

type buildCommander struct {
	onDisk    bool
	noMerge   bool
	mmap      bool
	batchSize int

	lockTable  string
	lockBucket string
	lockPrefix string
}

const buildLongDesc = `Fold every unindexed image's descriptors into the search index.

Images are processed in batches of --batch-size (default from
index.batch_size in config), each batch becoming its own IVF segment under
the coarse quantizer written by a prior train run. What happens to those
segments afterward depends on the merge mode:

  (default)    merge all segments into one in-memory index.bin
  --mmap       same in-memory merge, but later loads will mmap the result
               instead of reading it fully into RAM
  --on-disk    merge into index.bin reading each segment's buckets via
               mmap instead of loading whole segments; the merged posting
               set is still held in memory while index.bin is written.
               Later loads mmap the result
  --no-merge   keep segments independent; search fans a query out across
               all of them instead of merging

When --lock-table and --lock-bucket are both set (or the equivalent
index.lock_table/index.lock_bucket config keys), the finished manifest is
also committed through a DynamoDB-arbitrated pointer in that bucket, so a
second host building against the same object-storage-hosted corpus fails
with a conflict instead of silently overwriting the first host's build.`

const buildShortDesc = "Build the search index from unindexed images"

func NewBuildCmd() *cobra.Command {
	cmder := &buildCommander{}

	cmd := &cobra.Command{
		Use:   "build",
		Short: buildShortDesc,
		Long:  buildLongDesc,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmder.run(cmd)
		},
	}

	cmd.Flags().BoolVar(&cmder.onDisk, "on-disk", false, "Merge from mmapped segments and mmap the result on later loads")
	cmd.Flags().BoolVar(&cmder.noMerge, "no-merge", false, "Keep segments independent instead of merging")
	cmd.Flags().BoolVar(&cmder.mmap, "mmap", false, "Load the merged in-memory index back via mmap on later reloads")
	cmd.Flags().IntVar(&cmder.batchSize, "batch-size", 0, "Images per build segment (0 = config default)")
	cmd.Flags().StringVar(&cmder.lockTable, "lock-table", "", "DynamoDB table coordinating builds across hosts sharing one corpus (default from index.lock_table)")
	cmd.Flags().StringVar(&cmder.lockBucket, "lock-bucket", "", "S3 bucket backing --lock-table's committed manifests (default from index.lock_bucket)")
	cmd.Flags().StringVar(&cmder.lockPrefix, "lock-prefix", "", "Key prefix within --lock-bucket (default from index.lock_prefix)")

	return cmd
}

func (c *buildCommander) run(cmd *cobra.Command) error {
	if c.onDisk && c.noMerge {
		return imsearch.NewError(imsearch.KindInput, "build.run", "--on-disk and --no-merge are mutually exclusive", nil)
	}

	bs, err := cmdutil.Load(cmd)
	if err != nil {
		return err
	}
	if c.lockTable != "" {
		bs.Config.Index.LockTable = c.lockTable
	}
	if c.lockBucket != "" {
		bs.Config.Index.LockBucket = c.lockBucket
	}
	if c.lockPrefix != "" {
		bs.Config.Index.LockPrefix = c.lockPrefix
	}

	cat, err := bs.OpenCatalog()
	if err != nil {
		return err
	}
	defer cat.Close()

	quantizer, err := ivf.LoadQuantizer(bs.QuantizerPath())
	if err != nil {
		return imsearch.NewError(imsearch.KindInput, "build.run", "no trained quantizer found; run train first", err)
	}

	batchSize := c.batchSize
	if batchSize <= 0 {
		batchSize = bs.Config.Index.BatchSize
	}
	if batchSize <= 0 {
		batchSize = 100000
	}

	imageIDs, err := cat.UnindexedImages(cmd.Context(), -1)
	if err != nil {
		return err
	}
	if len(imageIDs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "nothing to build: no unindexed images")
		return nil
	}

	indexDir := bs.ResolvePath(bs.Config.Index.Dir)
	if err := os.MkdirAll(indexDir, 0o755); err != nil {
		return imsearch.Wrap("build.run", err)
	}

	var m *metrics.Metrics
	if bs.Config.Metrics.Enabled {
		m = metrics.New()
	}

	start := time.Now()
	var segmentPaths []string
	var totalDescriptors int

	for batchStart := 0; batchStart < len(imageIDs); batchStart += batchSize {
		end := batchStart + batchSize
		if end > len(imageIDs) {
			end = len(imageIDs)
		}
		batch := imageIDs[batchStart:end]

		var descriptors []ivf.Descriptor
		for _, id := range batch {
			blobs, err := cat.Descriptors(cmd.Context(), id)
			if err != nil {
				return err
			}
			for _, b := range blobs {
				if len(b) != hamming.Size {
					return imsearch.NewError(imsearch.KindPersistentState, "build.run", "stored descriptor has the wrong length", nil)
				}
				descriptors = append(descriptors, ivf.Descriptor{ImageID: id, Code: hamming.Decode(b)})
			}
		}
		if len(descriptors) == 0 {
			// No descriptors were ever stored for anything in this batch
			// (e.g. every image was gated out by min_keypoints on ingest);
			// there's no segment to write, but the ids are still done.
			if err := cat.MarkIndexed(cmd.Context(), batch); err != nil {
				return err
			}
			continue
		}

		segStart := time.Now()
		segment, err := ivf.BuildSegment(quantizer, descriptors)
		if err != nil {
			return err
		}
		segID := len(segmentPaths)
		segPath := filepath.Join(indexDir, fmt.Sprintf("index.%d", segID))
		if err := ivf.WriteSegment(segPath, segment); err != nil {
			return err
		}
		// Mark this batch indexed as soon as its segment is durably written,
		// per segment: segments are independent, so a crash on a later batch
		// only leaves that batch's ids unindexed, and a resumed build picks
		// up where it left off instead of re-extracting everything.
		if err := cat.MarkIndexed(cmd.Context(), batch); err != nil {
			return err
		}
		if m != nil {
			m.ObserveBuild(time.Since(segStart), len(descriptors))
		}
		bs.Log.LogBuild(cmd.Context(), segID, len(descriptors), time.Since(segStart).Seconds(), nil)

		segmentPaths = append(segmentPaths, segPath)
		totalDescriptors += len(descriptors)
	}

	manifest := &ivf.Manifest{
		Version:    1,
		NumBuckets: len(quantizer.Centroids),
	}

	mergeStart := time.Now()
	switch {
	case c.noMerge:
		manifest.Mode = ivf.ModeNone
		manifest.SegmentPaths = relativeAll(indexDir, segmentPaths)

	case c.onDisk:
		indexPath := filepath.Join(indexDir, "index.bin")
		if err := ivf.MergeOnDisk(indexPath, segmentPaths, len(quantizer.Centroids)); err != nil {
			return err
		}
		removeAll(segmentPaths)
		manifest.Mode = ivf.ModeOnDisk
		manifest.IndexPath = "index.bin"

	default:
		var segments []*ivf.Segment
		for _, p := range segmentPaths {
			seg, err := ivf.ReadSegment(p)
			if err != nil {
				return err
			}
			segments = append(segments, seg)
		}
		merged := ivf.MergeInMemory(segments, len(quantizer.Centroids))
		indexPath := filepath.Join(indexDir, "index.bin")
		if err := ivf.WriteSegment(indexPath, merged); err != nil {
			return err
		}
		removeAll(segmentPaths)
		if c.mmap {
			manifest.Mode = ivf.ModeOnDisk
		} else {
			manifest.Mode = ivf.ModeInMemory
		}
		manifest.IndexPath = "index.bin"
	}
	if m != nil {
		m.ObserveMerge(string(manifest.Mode), time.Since(mergeStart))
	}

	bs.Log.LogMerge(cmd.Context(), string(manifest.Mode), len(segmentPaths), nil)

	manifest.CreatedAt = time.Now()
	if err := ivf.SaveManifest(indexDir, manifest); err != nil {
		return err
	}

	if err := publishDistributed(cmd.Context(), bs.Config, manifest); err != nil {
		return err
	}

	if m != nil && bs.Config.Metrics.PushGateway != "" {
		if err := m.Push(bs.Config.Metrics.PushGateway, "imsearch_build"); err != nil {
			bs.Log.Warn("pushing build metrics to pushgateway failed", "error", err)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "built %d images (%d descriptors) into %s mode in %s\n",
		len(imageIDs), totalDescriptors, manifest.Mode, time.Since(start))
	return nil
}

func relativeAll(dir string, paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			rel = p
		}
		out[i] = rel
	}
	return out
}

func removeAll(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}
