// Package traincmder provides the train command, which fits the coarse
// quantizer used by every subsequent build.
package traincmder

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/imsearch/imsearch"
	"github.com/imsearch/imsearch/cmd/imsearch/cmdutil"
	"github.com/imsearch/imsearch/internal/hamming"
	"github.com/imsearch/imsearch/internal/ivf"
	"github.com/imsearch/imsearch/internal/metrics"
)

type trainCommander struct {
	buckets    int
	iterations int
}

const trainLongDesc = `Train the coarse quantizer over every descriptor currently in the catalog.

The quantizer maps each 256-bit descriptor to one of -c bucket ids; build
uses it to group descriptors into an inverted file index. Re-running train
overwrites the previous quantizer, so it should be followed by a fresh
build over the whole corpus (a quantizer change invalidates any index
built under the old one).

If -c is omitted, the bucket count is chosen automatically from the number
of descriptors in the catalog, per the sizing heuristic in the segmented
index builder's design notes.`

const trainShortDesc = "Train the coarse quantizer"

func NewTrainCmd() *cobra.Command {
	cmder := &trainCommander{}

	cmd := &cobra.Command{
		Use:   "train",
		Short: trainShortDesc,
		Long:  trainLongDesc,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmder.run(cmd)
		},
	}

	cmd.Flags().IntVarP(&cmder.buckets, "num-buckets", "c", 0, "Number of coarse quantizer buckets (0 = automatic)")
	cmd.Flags().IntVarP(&cmder.iterations, "iterations", "i", 25, "Maximum Lloyd's-algorithm iterations")

	return cmd
}

func (c *trainCommander) run(cmd *cobra.Command) error {
	bs, err := cmdutil.Load(cmd)
	if err != nil {
		return err
	}

	cat, err := bs.OpenCatalog()
	if err != nil {
		return err
	}
	defer cat.Close()

	total, err := cat.TotalDescriptorCount(cmd.Context())
	if err != nil {
		return err
	}
	if total == 0 {
		return imsearch.NewError(imsearch.KindInput, "train.run", "the catalog has no descriptors yet; run add first", nil)
	}

	// Training samples every descriptor in the catalog regardless of
	// index membership: retraining the quantizer is independent of which
	// images a prior build already folded into an index.
	imageIDs, err := cat.AllImageIDs(cmd.Context())
	if err != nil {
		return err
	}

	var codes []hamming.Code
	for _, id := range imageIDs {
		blobs, err := cat.Descriptors(cmd.Context(), id)
		if err != nil {
			return err
		}
		for _, b := range blobs {
			if len(b) != hamming.Size {
				continue
			}
			codes = append(codes, hamming.Decode(b))
		}
	}
	if len(codes) == 0 {
		return imsearch.NewError(imsearch.KindInput, "train.run", "no descriptors available to train on", nil)
	}

	k := c.buckets
	if k <= 0 {
		k = ivf.SelectK(int64(len(codes)))
	}

	start := time.Now()
	quantizer, err := ivf.Train(cmd.Context(), codes, ivf.TrainOptions{K: k, MaxIter: c.iterations})
	if err != nil {
		return err
	}
	bs.Log.LogTrain(cmd.Context(), k, len(codes), nil)

	var m *metrics.Metrics
	if bs.Config.Metrics.Enabled {
		m = metrics.New()
		m.ObserveTrain(time.Since(start))
	}

	indexDir := bs.ResolvePath(bs.Config.Index.Dir)
	if err := os.MkdirAll(indexDir, 0o755); err != nil {
		return imsearch.Wrap("train.run", err)
	}
	if err := ivf.SaveQuantizer(bs.QuantizerPath(), quantizer); err != nil {
		return err
	}

	if m != nil && bs.Config.Metrics.PushGateway != "" {
		if err := m.Push(bs.Config.Metrics.PushGateway, "imsearch_train"); err != nil {
			bs.Log.Warn("pushing train metrics to pushgateway failed", "error", err)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "trained %d buckets over %d descriptors in %s\n", k, len(codes), time.Since(start))
	return nil
}
