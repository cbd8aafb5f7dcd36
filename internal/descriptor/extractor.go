package descriptor

import (
	"image"
	"sort"

	"golang.org/x/image/draw"

	"github.com/imsearch/imsearch/internal/hamming"
)

// FASTBRIEFExtractor is the default Extractor: a FAST corner detector run
// over an image pyramid, followed by a BRIEF-style binary descriptor at
// each retained keypoint.
type FASTBRIEFExtractor struct {
	params Params
}

// NewFASTBRIEFExtractor builds an Extractor with params. Zero-valued
// fields fall back to DefaultParams.
func NewFASTBRIEFExtractor(params Params) *FASTBRIEFExtractor {
	d := DefaultParams()
	if params.MaxFeatures > 0 {
		d.MaxFeatures = params.MaxFeatures
	}
	if params.ScaleFactor > 1 {
		d.ScaleFactor = params.ScaleFactor
	}
	if params.NumLevels > 0 {
		d.NumLevels = params.NumLevels
	}
	if params.FastThreshold > 0 {
		d.FastThreshold = params.FastThreshold
	}
	if params.FastMinThreshold > 0 {
		d.FastMinThreshold = params.FastMinThreshold
	}
	if params.TargetWidth > 0 {
		d.TargetWidth = params.TargetWidth
	}
	if params.MinKeypoints > 0 {
		d.MinKeypoints = params.MinKeypoints
	}
	if params.MaxSize > 0 {
		d.MaxSize = params.MaxSize
	}
	if params.MaxAspectRatio > 0 {
		d.MaxAspectRatio = params.MaxAspectRatio
	}
	return &FASTBRIEFExtractor{params: d}
}

// Extract runs the detector over a scale pyramid of img and returns up to
// params.MaxFeatures descriptors, ordered by descending corner response.
// Before the pyramid runs, img is grayscaled, filtered against
// params.MaxSize/MaxAspectRatio, and width-normalized to params.TargetWidth
// per spec.md's extract() pipeline; a filtered image yields (nil, nil), a
// valid non-error outcome downstream treats the same as zero descriptors.
func (e *FASTBRIEFExtractor) Extract(img image.Image) ([]hamming.Code, error) {
	base := toGray(img)

	b := base.Bounds()
	w, h := b.Dx(), b.Dy()
	if e.params.MaxSize > 0 && (w > e.params.MaxSize || h > e.params.MaxSize) {
		return nil, nil
	}
	if e.params.MaxAspectRatio > 0 {
		longer, shorter := float64(w), float64(h)
		if shorter > longer {
			longer, shorter = shorter, longer
		}
		if shorter > 0 && longer/shorter > e.params.MaxAspectRatio {
			return nil, nil
		}
	}
	base = normalizeWidth(base, e.params.TargetWidth)

	var allKps []Keypoint
	var levelGray []*image.Gray
	levelGray = append(levelGray, base)

	cur := base
	for level := 0; level < e.params.NumLevels; level++ {
		threshold := e.params.FastThreshold
		if level > 0 {
			threshold = e.params.FastMinThreshold
		}
		kps := detectFAST(cur, level, threshold)
		allKps = append(allKps, kps...)

		if level+1 < e.params.NumLevels {
			next := downscale(cur, e.params.ScaleFactor)
			if next.Rect.Dx() < 2*briefPatchRadius+2 || next.Rect.Dy() < 2*briefPatchRadius+2 {
				break
			}
			levelGray = append(levelGray, next)
			cur = next
		}
	}

	sort.Slice(allKps, func(i, j int) bool { return allKps[i].Response > allKps[j].Response })
	if len(allKps) > e.params.MaxFeatures {
		allKps = allKps[:e.params.MaxFeatures]
	}

	codes := make([]hamming.Code, 0, len(allKps))
	for _, kp := range allKps {
		codes = append(codes, describeBRIEF(levelGray[kp.Level], kp.X, kp.Y))
	}
	return codes, nil
}

// normalizeWidth scales gray down to targetWidth when it is wider,
// preserving aspect ratio; height is never the scaling pivot, a deliberate
// change from prior behavior since query crops tend to be narrower than
// the originals they were cut from, so width-normalization keeps scales
// matched between the two. targetWidth <= 0 disables normalization.
func normalizeWidth(gray *image.Gray, targetWidth int) *image.Gray {
	b := gray.Bounds()
	if targetWidth <= 0 || b.Dx() <= targetWidth {
		return gray
	}
	scale := float64(targetWidth) / float64(b.Dx())
	h := int(float64(b.Dy()) * scale)
	if h < 1 {
		h = 1
	}
	dst := image.NewGray(image.Rect(0, 0, targetWidth, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), gray, b, draw.Over, nil)
	return dst
}

// downscale shrinks gray by scaleFactor using bilinear resampling, the
// step that builds the ORB-style scale pyramid between FAST passes.
func downscale(gray *image.Gray, scaleFactor float64) *image.Gray {
	b := gray.Rect
	w := int(float64(b.Dx()) / scaleFactor)
	h := int(float64(b.Dy()) / scaleFactor)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewGray(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), gray, b, draw.Over, nil)
	return dst
}
