package ivf

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/imsearch/imsearch"
)

// ManifestFileName is the JSON sidecar written next to a build's index
// files, recording which merge mode produced them so a reader knows how
// to load the result back.
//
// Adapted from hupe1980-vecgo/internal/manifest's JSON manifest format
// (Version/CreatedAt/Segments fields, atomic write-then-rename), trimmed
// down from that package's versioned CURRENT-pointer scheme to a single
// current manifest — imsearch's build is a single-writer batch operation,
// not a compacting LSM engine with concurrent background segment merges.
const ManifestFileName = "MANIFEST.json"

// Manifest describes the on-disk layout of one build's output.
type Manifest struct {
	Version    int       `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	Mode       MergeMode `json:"mode"`
	NumBuckets int       `json:"num_buckets"`
	// IndexPath is set for ModeInMemory and ModeOnDisk: the single merged
	// index file, relative to the manifest's directory.
	IndexPath string `json:"index_path,omitempty"`
	// SegmentPaths is set for ModeNone: independent segment files a
	// search.Engine fans queries out across, relative to the manifest's
	// directory.
	SegmentPaths []string `json:"segment_paths,omitempty"`
}

// SaveManifest writes m to dir/MANIFEST.json via a temp-file-then-rename,
// the same durability discipline internal/ivfpersist.SaveToFile uses for
// the binary index files themselves.
func SaveManifest(dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return imsearch.Wrap("ivf.SaveManifest", err)
	}
	path := filepath.Join(dir, ManifestFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return imsearch.Wrap("ivf.SaveManifest", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return imsearch.Wrap("ivf.SaveManifest", err)
	}
	return nil
}

// LoadManifest reads dir/MANIFEST.json.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, imsearch.NewError(imsearch.KindNotFound, "ivf.LoadManifest", "no build has been run in this index directory yet", err)
		}
		return nil, imsearch.Wrap("ivf.LoadManifest", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, imsearch.NewError(imsearch.KindPersistentState, "ivf.LoadManifest", "manifest is corrupt", err)
	}
	return &m, nil
}
