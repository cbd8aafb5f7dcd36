// Package descriptor extracts fixed-size 256-bit binary descriptors from
// images, the unit of work the IVF index is built over.
//
// The default extractor is a pure-Go FAST-corner-detector-plus-BRIEF-style
// sampled-pair descriptor, parameterized the way the original ORB-based
// prototype was (orb_nfeatures/orb_scale_factor/orb_nlevels/
// orb_ini_th_fast/orb_min_th_fast), grounded on
// original_source/src/config.rs's Opts struct. It does not implement ORB's
// orientation-normalized BRIEF (rBRIEF); see Non-goals in SPEC_FULL.md.
package descriptor

import (
	"image"
	"image/color"

	"github.com/imsearch/imsearch/internal/hamming"
)

// Keypoint is one detected FAST corner, with its pyramid level and FAST
// corner-response score (higher is a stronger corner).
type Keypoint struct {
	X, Y     int
	Level    int
	Response int
}

// Extractor turns a decoded image into a bounded set of descriptors, one
// per retained keypoint.
type Extractor interface {
	Extract(img image.Image) ([]hamming.Code, error)
}

// Params configures the default Extractor. Field names and defaults mirror
// original_source/src/config.rs's orb_* flags, extended with the
// width-normalize and image-filter options from spec.md's extract(opts)
// contract, which original_source has no equivalent of.
type Params struct {
	MaxFeatures      int     // orb_nfeatures
	ScaleFactor      float64 // orb_scale_factor, > 1
	NumLevels        int     // orb_nlevels
	FastThreshold    int     // orb_ini_th_fast
	FastMinThreshold int     // orb_min_th_fast

	// TargetWidth, when the decoded image is wider than this, scales it
	// down to TargetWidth before running the pyramid, preserving aspect
	// ratio; height is never the scaling pivot. 0 disables normalization.
	TargetWidth int

	// MinKeypoints is carried on Params for parity with extract(opts)'s
	// signature, but Extract does not enforce it: internal/ingest applies
	// the min_keypoints gate after extraction, once it knows how many
	// keypoints came back.
	MinKeypoints int

	// MaxSize skips extraction (returning (nil, nil), not an error) when
	// either image dimension exceeds it in pixels. 0 disables the filter.
	MaxSize int

	// MaxAspectRatio skips extraction when max(w,h)/min(w,h) exceeds it.
	// 0 disables the filter.
	MaxAspectRatio float64
}

// DefaultParams mirrors original_source/src/config.rs's Opts defaults,
// plus a 1024px default width normalization target.
func DefaultParams() Params {
	return Params{
		MaxFeatures:      500,
		ScaleFactor:      1.2,
		NumLevels:        8,
		FastThreshold:    20,
		FastMinThreshold: 7,
		TargetWidth:      1024,
	}
}

// toGray converts img to an 8-bit luminance plane, independent of its
// source color model.
func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	gray := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			gray.Set(x, y, color.GrayModel.Convert(img.At(x, y)))
		}
	}
	return gray
}
