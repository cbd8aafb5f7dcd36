// Command imsearch is the single-binary CLI for the reverse image search
// engine: content-addressed ingest, segmented IVF index builds, and
// image-to-image search, plus the HTTP service that serves the same
// operations over the network.
//
// The root command tree is grounded on
// _examples/papercomputeco-tapes/cmd/tapes/tapes.go's NewTapesCmd: a
// package-level Long/Short description pair, a persistent --debug flag,
// and one AddCommand call per verb package. Tapes splits its root command
// construction into its own cmd/tapes package because it ships three
// separate binaries (tapes, tapesapi, tapesprox) from cli/; imsearch ships
// exactly one, so the root command is built directly here instead.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	addcmder "github.com/imsearch/imsearch/cmd/imsearch/add"
	buildcmder "github.com/imsearch/imsearch/cmd/imsearch/build"
	"github.com/imsearch/imsearch/cmd/imsearch/cmdutil"
	clearcachecmder "github.com/imsearch/imsearch/cmd/imsearch/clearcache"
	exportcmder "github.com/imsearch/imsearch/cmd/imsearch/export"
	searchcmder "github.com/imsearch/imsearch/cmd/imsearch/search"
	servercmder "github.com/imsearch/imsearch/cmd/imsearch/server"
	traincmder "github.com/imsearch/imsearch/cmd/imsearch/train"
)

const imsearchLongDesc = `imsearch is a reverse image search engine: give it a corpus of images and
it finds visually similar images by screenshot, not by tags or filenames.

Typical workflow:
  imsearch add ./photos           Ingest a directory of images
  imsearch train -c 65536 -i 25   Train the coarse quantizer
  imsearch build                  Fold ingested images into the search index
  imsearch search query.jpg       Find the closest matches
  imsearch server --listen :8080  Serve the same operations over HTTP`

const imsearchShortDesc = "Reverse image search by screenshot"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "imsearch",
		Short:         imsearchShortDesc,
		Long:          imsearchLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmdutil.AddPersistentFlags(cmd)

	cmd.AddCommand(addcmder.NewAddCmd())
	cmd.AddCommand(buildcmder.NewBuildCmd())
	cmd.AddCommand(searchcmder.NewSearchCmd())
	cmd.AddCommand(servercmder.NewServerCmd())
	cmd.AddCommand(traincmder.NewTrainCmd())
	cmd.AddCommand(exportcmder.NewExportCmd())
	cmd.AddCommand(clearcachecmder.NewClearCacheCmd())

	return cmd
}

func main() {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "imsearch:", err)
		os.Exit(cmdutil.ExitCode(err))
	}
}
