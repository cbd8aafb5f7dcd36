// Package cmdutil is the bootstrap code every imsearch subcommand shares:
// resolving the config directory, loading config.toml, and constructing
// the catalog/extractor/hasher/logger stack from it. Factoring this out
// keeps each subcommand package (add, build, search, server, train,
// export, clearcache) focused on its own verb, the way
// papercomputeco-tapes' subcommands each call config.NewConfiger and
// logger.NewLogger rather than reimplementing config loading.
package cmdutil

import (
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/imsearch/imsearch"
	"github.com/imsearch/imsearch/internal/catalog"
	"github.com/imsearch/imsearch/internal/config"
	"github.com/imsearch/imsearch/internal/descriptor"
	"github.com/imsearch/imsearch/internal/hashing"
	"github.com/imsearch/imsearch/internal/ivf"
	"github.com/imsearch/imsearch/internal/logging"
	"github.com/imsearch/imsearch/internal/search"
)

// PersistentFlagNames are registered once on the root command and read by
// name from every subcommand, mirroring tapes' "config-dir"/"debug"
// pattern (cmd/tapes/search/search.go's cmd.Flags().GetString("config-dir")).
const (
	FlagConfigDir = "config-dir"
	FlagDebug     = "debug"
)

// AddPersistentFlags registers the root-level flags every subcommand reads.
func AddPersistentFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String(FlagConfigDir, "", "Override path to the imsearch config directory")
	cmd.PersistentFlags().Bool(FlagDebug, false, "Enable debug logging regardless of config/LOG_LEVEL")
}

// Bootstrap is the resolved environment a subcommand runs in.
type Bootstrap struct {
	ConfDir string
	Config  *config.Config
	Log     *logging.Logger
}

// Load resolves the config directory from the config-dir flag, loads
// config.toml layered with IMSEARCH_ env vars, and builds a logger. debug,
// if set, forces the logger to slog.LevelDebug regardless of config.
func Load(cmd *cobra.Command) (*Bootstrap, error) {
	override, _ := cmd.Flags().GetString(FlagConfigDir)
	debug, _ := cmd.Flags().GetBool(FlagDebug)

	confDir, err := config.ConfDir(override)
	if err != nil {
		return nil, imsearch.NewError(imsearch.KindInput, "cmdutil.Load", "resolving config directory", err)
	}

	v, err := config.Load(confDir)
	if err != nil {
		return nil, imsearch.NewError(imsearch.KindInput, "cmdutil.Load", "loading config", err)
	}
	cfg, err := config.Unmarshal(v)
	if err != nil {
		return nil, imsearch.NewError(imsearch.KindInput, "cmdutil.Load", "parsing config", err)
	}

	level := parseLevel(cfg.Logging.Level)
	if debug {
		level = slog.LevelDebug
	}
	log := logging.New(cfg.Logging.Format, level)

	return &Bootstrap{ConfDir: confDir, Config: cfg, Log: log}, nil
}

// ResolvePath joins a config-relative path (catalog.path, index.dir) onto
// the config directory unless it is already absolute.
func (b *Bootstrap) ResolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(b.ConfDir, p)
}

// OpenCatalog opens the sqlite catalog named in b.Config.Catalog.Path.
func (b *Bootstrap) OpenCatalog() (*catalog.Catalog, error) {
	return catalog.Open(b.ResolvePath(b.Config.Catalog.Path))
}

// NewHasher builds the content hasher named in b.Config.Catalog.HashAlgorithm.
func (b *Bootstrap) NewHasher() (hashing.Hasher, error) {
	return hashing.New(hashing.Algorithm(b.Config.Catalog.HashAlgorithm))
}

// NewExtractor builds the descriptor extractor from b.Config.Extraction.
func (b *Bootstrap) NewExtractor() descriptor.Extractor {
	return descriptor.NewFASTBRIEFExtractor(descriptor.Params{
		MaxFeatures:      b.Config.Extraction.MaxFeatures,
		ScaleFactor:      b.Config.Extraction.ScaleFactor,
		NumLevels:        b.Config.Extraction.NumLevels,
		FastThreshold:    b.Config.Extraction.FastThreshold,
		FastMinThreshold: b.Config.Extraction.FastMinThreshold,
		TargetWidth:      b.Config.Extraction.TargetWidth,
		MinKeypoints:     b.Config.Extraction.MinKeypoints,
		MaxSize:          b.Config.Extraction.MaxSize,
		MaxAspectRatio:   b.Config.Extraction.MaxAspectRatio,
	})
}

// QuantizerPath and IndexPath are the two files a build/train cycle
// produces under b.Config.Index.Dir, and that search/server load back.
func (b *Bootstrap) QuantizerPath() string {
	return filepath.Join(b.ResolvePath(b.Config.Index.Dir), "quantizer.bin")
}

func (b *Bootstrap) IndexPath() string {
	return filepath.Join(b.ResolvePath(b.Config.Index.Dir), "index.bin")
}

// ReloadFromManifest loads the quantizer and index files a prior build
// wrote to b's index directory and installs them into engine, dispatching
// on the manifest's recorded merge mode. Returns imsearch.KindNotFound if
// no build has run yet, so callers can surface a clear "run build first"
// message.
func (b *Bootstrap) ReloadFromManifest(engine *search.Engine) error {
	dir := b.ResolvePath(b.Config.Index.Dir)
	manifest, err := ivf.LoadManifest(dir)
	if err != nil {
		return err
	}

	quantizer, err := ivf.LoadQuantizer(b.QuantizerPath())
	if err != nil {
		return err
	}

	switch manifest.Mode {
	case ivf.ModeOnDisk:
		return engine.ReloadOnDisk(quantizer, filepath.Join(dir, manifest.IndexPath))
	case ivf.ModeNone:
		segs := make([]*ivf.Segment, len(manifest.SegmentPaths))
		for i, p := range manifest.SegmentPaths {
			seg, err := ivf.ReadSegment(filepath.Join(dir, p))
			if err != nil {
				return err
			}
			segs[i] = seg
		}
		engine.ReloadSegments(quantizer, segs)
		return nil
	default: // ivf.ModeInMemory
		seg, err := ivf.ReadSegment(filepath.Join(dir, manifest.IndexPath))
		if err != nil {
			return err
		}
		engine.ReloadInMemory(quantizer, seg)
		return nil
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ExitCode maps an error's imsearch.Kind to the exit code contract spec.md
// §6 defines: 0 success, 1 user error, 2 internal error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ierr *imsearch.Error
	if imsearch.As(err, &ierr) {
		switch ierr.Kind {
		case imsearch.KindInput, imsearch.KindNotFound, imsearch.KindConflict:
			return 1
		}
	}
	return 2
}
