// Package searchcmder provides the search command, which finds the
// catalog images closest to a query image.
package searchcmder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/spf13/cobra"

	"github.com/imsearch/imsearch"
	"github.com/imsearch/imsearch/cmd/imsearch/cmdutil"
	"github.com/imsearch/imsearch/internal/catalog"
	"github.com/imsearch/imsearch/internal/descriptor"
	"github.com/imsearch/imsearch/internal/search"
)

type searchCommander struct {
	nprobe         int
	knn            int
	efSearch       int
	distance       int
	topK           int
	phashThreshold int
	jsonOutput     bool
}

const searchLongDesc = `Find the catalog images closest to a query image.

The query image is run through the same descriptor extractor add uses, and
each descriptor is matched against the currently built index (imsearch
build must have run at least once). Results are ranked by aggregate score
and printed one per line as "image_id score hits path", or as a JSON array
with --json.`

const searchShortDesc = "Search the index for images similar to a query image"

func NewSearchCmd() *cobra.Command {
	cmder := &searchCommander{}

	cmd := &cobra.Command{
		Use:   "search FILE",
		Short: searchShortDesc,
		Long:  searchLongDesc,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd, args[0])
		},
	}

	cmd.Flags().IntVar(&cmder.nprobe, "nprobe", 0, "Buckets probed per query descriptor (0 = config default)")
	cmd.Flags().IntVar(&cmder.knn, "knn", 0, "Per-descriptor k for the IVF neighbor call (0 = no cap)")
	cmd.Flags().IntVar(&cmder.efSearch, "ef-search", 0, "HNSW traversal breadth, when the coarse quantizer is HNSW")
	cmd.Flags().IntVar(&cmder.distance, "distance", 0, "Hamming distance threshold for accepting a per-descriptor match")
	cmd.Flags().IntVarP(&cmder.topK, "k", "k", 0, "Number of ranked images to return (0 = config default)")
	cmd.Flags().IntVar(&cmder.phashThreshold, "phash-threshold", 0, "Discard candidates whose dHash distance exceeds this")
	cmd.Flags().BoolVar(&cmder.jsonOutput, "json", false, "Print results as a JSON array instead of plain text")

	return cmd
}

func (c *searchCommander) run(cmd *cobra.Command, file string) error {
	bs, err := cmdutil.Load(cmd)
	if err != nil {
		return err
	}

	cat, err := bs.OpenCatalog()
	if err != nil {
		return err
	}
	defer cat.Close()

	engine := search.New(cat)
	if err := bs.ReloadFromManifest(engine); err != nil {
		return imsearch.NewError(imsearch.KindInput, "search.run", "no index has been built yet; run build first", err)
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return imsearch.NewError(imsearch.KindInput, "search.run", "reading query image", err)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return imsearch.NewError(imsearch.KindInput, "search.run", "decoding query image", err)
	}

	extractor := bs.NewExtractor()
	codes, err := extractor.Extract(img)
	if err != nil {
		return err
	}
	if len(codes) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no descriptors extracted from query image; no results")
		return nil
	}

	// --ef-search is accepted for CLI-surface compatibility with spec.md's
	// search signature; this engine's flat quantizer scans NProbe buckets
	// directly rather than an HNSW traversal, so it changes nothing here
	// (see DESIGN.md's capability-tagged quantizer note: only the flat
	// variant is implemented). --knn does apply: it caps how many
	// neighbors each query descriptor contributes before scoring.
	opts := search.Options{
		NProbe:           firstNonZero(c.nprobe, bs.Config.Search.NProbe),
		HammingThreshold: firstNonZero(c.distance, bs.Config.Search.HammingThreshold),
		TopK:             firstNonZero(c.topK, bs.Config.Search.TopK),
		Knn:              c.knn,
		ScoreByCount:     !bs.Config.Search.WeightedScoring,
		UseDHashRerank:   bs.Config.Search.UseDHashRerank || c.phashThreshold > 0,
		QueryDHash:       descriptor.ComputeDHash(img),
		DHashThreshold:   firstNonZero(c.phashThreshold, 0),
	}

	results, err := engine.Search(cmd.Context(), codes, opts)
	if err != nil {
		return err
	}

	if c.jsonOutput {
		return printJSON(cmd, cmd.Context(), cat, results)
	}
	return printText(cmd, cmd.Context(), cat, results)
}

type jsonResult struct {
	ImageID int64    `json:"image_id"`
	Score   float64  `json:"score"`
	Matches int      `json:"matches"`
	Paths   []string `json:"paths"`
}

func printJSON(cmd *cobra.Command, ctx context.Context, cat *catalog.Catalog, results []search.Result) error {
	out := make([]jsonResult, len(results))
	for i, r := range results {
		out[i] = jsonResult{ImageID: r.ImageID, Score: r.Score, Matches: r.Hits, Paths: resolvePaths(ctx, cat, r.ImageID)}
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func printText(cmd *cobra.Command, ctx context.Context, cat *catalog.Catalog, results []search.Result) error {
	w := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintln(w, "no matches")
		return nil
	}
	for _, r := range results {
		paths := resolvePaths(ctx, cat, r.ImageID)
		path := ""
		if len(paths) > 0 {
			path = paths[0]
		}
		fmt.Fprintf(w, "%d\t%.4f\t%d\t%s\n", r.ImageID, r.Score, r.Hits, path)
	}
	return nil
}

func resolvePaths(ctx context.Context, cat *catalog.Catalog, id int64) []string {
	rec, err := cat.Image(ctx, id)
	if err != nil || rec == nil {
		return nil
	}
	return rec.Paths
}

func firstNonZero(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}
