// Package config loads imsearch's configuration: a TOML file overridden by
// IMSEARCH_-prefixed environment variables, overridden in turn by CLI
// flags bound at the call site.
//
// Grounded on a CLI tool's config layering (InitViper / setViperDefaults):
// same precedence order (flags > env > file > defaults), same TOML file
// format, generalized from that tool's dotted provider/listen keys to
// imsearch's catalog/index/server/extraction keys.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// Config is the fully-resolved configuration for one imsearch invocation.
type Config struct {
	Version int `toml:"version"`

	Catalog    CatalogConfig    `toml:"catalog"`
	Index      IndexConfig      `toml:"index"`
	Extraction ExtractionConfig `toml:"extraction"`
	Search     SearchConfig     `toml:"search"`
	Server     ServerConfig     `toml:"server"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Logging    LoggingConfig    `toml:"logging"`
}

type CatalogConfig struct {
	Path          string `toml:"path"`           // catalog.sqlite3 path
	HashAlgorithm string `toml:"hash_algorithm"` // "blake3" | "sha256"
}

type IndexConfig struct {
	Dir        string `toml:"dir"`         // directory holding quantizer.bin, index.bin, index.N segment files
	NumBuckets int    `toml:"num_buckets"` // 0 = pick automatically at train time
	BatchSize  int    `toml:"batch_size"`  // images per build segment

	// LockTable and LockBucket, when both set, make `build` also commit its
	// manifest through a DynamoDB-arbitrated pointer, in addition to the
	// local MANIFEST.json it always writes, so two hosts sharing one corpus
	// never overwrite each other's build. Empty by default: single-host builds
	// need no coordination.
	LockTable  string `toml:"lock_table"`
	LockBucket string `toml:"lock_bucket"`
	LockPrefix string `toml:"lock_prefix"`
}

type ExtractionConfig struct {
	MaxFeatures      int     `toml:"max_features"`
	ScaleFactor      float64 `toml:"scale_factor"`
	NumLevels        int     `toml:"num_levels"`
	FastThreshold    int     `toml:"fast_threshold"`
	FastMinThreshold int     `toml:"fast_min_threshold"`

	// TargetWidth is the width-normalize pivot from spec.md §4.1: wider
	// images are scaled down to it (preserving aspect ratio) before
	// extraction. 0 disables normalization.
	TargetWidth int `toml:"target_width"`

	MinKeypoints   int     `toml:"min_keypoints"`   // reject an image's descriptors below this count
	MaxSize        int     `toml:"max_size"`        // px; skip extraction if either dimension exceeds
	MaxAspectRatio float64 `toml:"max_aspect_ratio"` // skip extraction if max(w,h)/min(w,h) exceeds
}

type SearchConfig struct {
	NProbe          int     `toml:"nprobe"`           // buckets visited per query descriptor
	HammingThreshold int    `toml:"hamming_threshold"` // a match needs a distance below this
	TopK            int     `toml:"top_k"`
	UseDHashRerank  bool    `toml:"use_dhash_rerank"`
	WeightedScoring bool    `toml:"weighted_scoring"` // false = raw match count
}

type ServerConfig struct {
	Listen     string `toml:"listen"`
	AuthToken  string `toml:"auth_token"`
	MaxWorkers int    `toml:"max_workers"` // 0 = GOMAXPROCS
}

type MetricsConfig struct {
	Enabled      bool   `toml:"enabled"`
	Listen       string `toml:"listen"`
	PushGateway  string `toml:"push_gateway"` // empty disables push
	PushInterval string `toml:"push_interval"`
}

type LoggingConfig struct {
	Format string `toml:"format"` // "json" | "text"
	Level  string `toml:"level"`  // overridden by LOG_LEVEL env var
}

// CurrentVersion is the only config file version this build understands.
const CurrentVersion = 1

const envPrefix = "IMSEARCH"

// Default returns a fully-populated Config with sane defaults for a fresh
// install.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Catalog: CatalogConfig{
			Path:          "catalog.sqlite3",
			HashAlgorithm: "blake3",
		},
		Index: IndexConfig{
			Dir:       "index",
			BatchSize: 100000,
		},
		Extraction: ExtractionConfig{
			MaxFeatures:      500,
			ScaleFactor:      1.2,
			NumLevels:        8,
			FastThreshold:    20,
			FastMinThreshold: 7,
			TargetWidth:      1024,
		},
		Search: SearchConfig{
			NProbe:           8,
			HammingThreshold: 64,
			TopK:             20,
			UseDHashRerank:   true,
			WeightedScoring:  true,
		},
		Server: ServerConfig{
			Listen: ":8080",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  ":9090",
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// ConfDir resolves the configuration directory: an explicit override,
// then IMSEARCH_CONF_DIR, then $HOME/.imsearch.
func ConfDir(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if v := os.Getenv("IMSEARCH_CONF_DIR"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving default config dir: %w", err)
	}
	return filepath.Join(home, ".imsearch"), nil
}

// Load builds a *viper.Viper with defaults, the TOML file in confDir (if
// present), and IMSEARCH_-prefixed environment variables layered on top.
// Callers bind their own CLI flags into it before calling Unmarshal.
func Load(confDir string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(confDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		v.Set("logging.level", lvl)
	}

	return v, nil
}

// Unmarshal decodes v into a Config.
func Unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported config version %d (expected %d)", cfg.Version, CurrentVersion)
	}
	return cfg, nil
}

// Save writes cfg as TOML to confDir/config.toml.
func Save(confDir string, cfg *Config) error {
	if err := os.MkdirAll(confDir, 0o755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(confDir, "config.toml"))
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("version", d.Version)
	v.SetDefault("catalog.path", d.Catalog.Path)
	v.SetDefault("catalog.hash_algorithm", d.Catalog.HashAlgorithm)
	v.SetDefault("index.dir", d.Index.Dir)
	v.SetDefault("index.num_buckets", d.Index.NumBuckets)
	v.SetDefault("index.batch_size", d.Index.BatchSize)
	v.SetDefault("index.lock_table", d.Index.LockTable)
	v.SetDefault("index.lock_bucket", d.Index.LockBucket)
	v.SetDefault("index.lock_prefix", d.Index.LockPrefix)
	v.SetDefault("extraction.max_features", d.Extraction.MaxFeatures)
	v.SetDefault("extraction.scale_factor", d.Extraction.ScaleFactor)
	v.SetDefault("extraction.num_levels", d.Extraction.NumLevels)
	v.SetDefault("extraction.fast_threshold", d.Extraction.FastThreshold)
	v.SetDefault("extraction.fast_min_threshold", d.Extraction.FastMinThreshold)
	v.SetDefault("extraction.target_width", d.Extraction.TargetWidth)
	v.SetDefault("extraction.min_keypoints", d.Extraction.MinKeypoints)
	v.SetDefault("extraction.max_size", d.Extraction.MaxSize)
	v.SetDefault("extraction.max_aspect_ratio", d.Extraction.MaxAspectRatio)
	v.SetDefault("search.nprobe", d.Search.NProbe)
	v.SetDefault("search.hamming_threshold", d.Search.HammingThreshold)
	v.SetDefault("search.top_k", d.Search.TopK)
	v.SetDefault("search.use_dhash_rerank", d.Search.UseDHashRerank)
	v.SetDefault("search.weighted_scoring", d.Search.WeightedScoring)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.auth_token", d.Server.AuthToken)
	v.SetDefault("server.max_workers", d.Server.MaxWorkers)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.listen", d.Metrics.Listen)
	v.SetDefault("metrics.push_gateway", d.Metrics.PushGateway)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.level", d.Logging.Level)
}
