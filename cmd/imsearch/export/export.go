// Package exportcmder provides the export command, which dumps a sample
// of catalog descriptors for offline coarse-quantizer training tooling.
//
// Grounded on original_source/src/cli/export.rs's ExportCommand: an
// optional --count cap (default: every image) and an --output path,
// writing a flat matrix of descriptors rather than any catalog metadata.
// original_source writes ndarray's .npy format via a Rust-only crate with
// no equivalent anywhere in the example pack; this repo has no npy writer
// to ground on, so it writes the same descriptor bytes in imsearch's own
// flat binary layout instead (a little-endian uint64 count followed by
// that many 32-byte codes) — a format `imsearch train` could equally read
// back, keeping export/train paired the way the original's export/train
// pair is.
package exportcmder

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/imsearch/imsearch"
	"github.com/imsearch/imsearch/cmd/imsearch/cmdutil"
	"github.com/imsearch/imsearch/internal/hamming"
)

type exportCommander struct {
	count  int
	output string
}

const exportLongDesc = `Dump a sample of catalog descriptors to a flat binary file, for feeding
into external coarse-quantizer training tooling.

By default every image's descriptors are exported; --count caps the
number of images sampled (in ascending id order), useful for producing a
smaller training set from a very large catalog.`

const exportShortDesc = "Export catalog descriptors for external training"

func NewExportCmd() *cobra.Command {
	cmder := &exportCommander{}

	cmd := &cobra.Command{
		Use:   "export",
		Short: exportShortDesc,
		Long:  exportLongDesc,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmder.run(cmd)
		},
	}

	cmd.Flags().IntVarP(&cmder.count, "count", "c", 0, "Number of images to sample descriptors from (0 = all)")
	cmd.Flags().StringVarP(&cmder.output, "output", "o", "train.bin", "Path to write the exported descriptor matrix")

	return cmd
}

func (c *exportCommander) run(cmd *cobra.Command) error {
	bs, err := cmdutil.Load(cmd)
	if err != nil {
		return err
	}

	cat, err := bs.OpenCatalog()
	if err != nil {
		return err
	}
	defer cat.Close()

	imageIDs, err := cat.AllImageIDs(cmd.Context())
	if err != nil {
		return err
	}
	if c.count > 0 && c.count < len(imageIDs) {
		imageIDs = imageIDs[:c.count]
	}

	f, err := os.Create(c.output)
	if err != nil {
		return imsearch.NewError(imsearch.KindInput, "export.run", "creating output file", err)
	}
	defer f.Close()

	// Placeholder count written first, patched once the true total is
	// known, so a partial write on failure still leaves a self-describing
	// (if truncated) file rather than a dangling header.
	if err := binary.Write(f, binary.LittleEndian, uint64(0)); err != nil {
		return imsearch.Wrap("export.run", err)
	}

	var total uint64
	for _, id := range imageIDs {
		blobs, err := cat.Descriptors(cmd.Context(), id)
		if err != nil {
			return err
		}
		for _, b := range blobs {
			if len(b) != hamming.Size {
				continue
			}
			if _, err := f.Write(b); err != nil {
				return imsearch.Wrap("export.run", err)
			}
			total++
		}
	}

	if _, err := f.Seek(0, 0); err != nil {
		return imsearch.Wrap("export.run", err)
	}
	if err := binary.Write(f, binary.LittleEndian, total); err != nil {
		return imsearch.Wrap("export.run", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "exported %d descriptors from %d images to %s\n", total, len(imageIDs), c.output)
	return nil
}
