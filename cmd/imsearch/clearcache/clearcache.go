// Package clearcachecmder provides the clear-cache command, which drops
// recorded dHash rerank state.
//
// Grounded on original_source/src/cli/clean.rs's CleanCommand: an --all
// flag that skips per-image filtering for speed, versus the default mode
// that only clears entries whose backing files are gone.
package clearcachecmder

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/imsearch/imsearch/cmd/imsearch/cmdutil"
)

type clearCacheCommander struct {
	all bool
}

const clearCacheLongDesc = `Drop recorded perceptual-hash (dHash) rerank state. A cleared image gets
a new dHash only when it is ingested again with --overwrite; until then the
search rerank lets it through unfiltered.

Without --all, only images whose every stored path is missing from disk
are cleared, since a live image's dHash is still valid. --all clears every
recorded dHash unconditionally, which needs no per-image filesystem check
and so runs faster on a large catalog.`

const clearCacheShortDesc = "Clear cached perceptual-hash rerank state"

func NewClearCacheCmd() *cobra.Command {
	cmder := &clearCacheCommander{}

	cmd := &cobra.Command{
		Use:   "clear-cache",
		Short: clearCacheShortDesc,
		Long:  clearCacheLongDesc,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmder.run(cmd)
		},
	}

	cmd.Flags().BoolVar(&cmder.all, "all", false, "Clear every recorded dHash unconditionally, without checking the filesystem")

	return cmd
}

func (c *clearCacheCommander) run(cmd *cobra.Command) error {
	bs, err := cmdutil.Load(cmd)
	if err != nil {
		return err
	}

	cat, err := bs.OpenCatalog()
	if err != nil {
		return err
	}
	defer cat.Close()

	if c.all {
		n, err := cat.ClearAllDHashes(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cleared %d cached dHashes\n", n)
		return nil
	}

	records, err := cat.ImagesWithDHash(cmd.Context())
	if err != nil {
		return err
	}

	var cleared int
	for _, rec := range records {
		if anyPathExists(rec.Paths) {
			continue
		}
		if err := cat.ClearDHash(cmd.Context(), rec.ID); err != nil {
			return err
		}
		cleared++
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cleared %d cached dHashes for images with no surviving path (of %d recorded)\n", cleared, len(records))
	return nil
}

func anyPathExists(paths []string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}
