package descriptor

import (
	"image"
	"math/rand"

	"github.com/imsearch/imsearch/internal/hamming"
)

// briefPatchRadius is half the side of the square patch BRIEF samples
// intensity pairs from, following the standard 31x31 BRIEF/ORB patch size.
const briefPatchRadius = 15

type pointPair struct {
	ax, ay, bx, by int
}

// briefPattern is a fixed set of hamming.Size*8 sample-point pairs within
// [-briefPatchRadius, briefPatchRadius]^2, generated once at init time from
// a fixed seed so every build of this binary produces identical
// descriptors for identical input images.
var briefPattern = generateBriefPattern()

func generateBriefPattern() [hamming.Size * 8]pointPair {
	rng := rand.New(rand.NewSource(0xB81EF))
	var pattern [hamming.Size * 8]pointPair
	for i := range pattern {
		pattern[i] = pointPair{
			ax: rng.Intn(2*briefPatchRadius+1) - briefPatchRadius,
			ay: rng.Intn(2*briefPatchRadius+1) - briefPatchRadius,
			bx: rng.Intn(2*briefPatchRadius+1) - briefPatchRadius,
			by: rng.Intn(2*briefPatchRadius+1) - briefPatchRadius,
		}
	}
	return pattern
}

// describeBRIEF builds a 256-bit descriptor for the keypoint at (x, y) by
// comparing intensities at each pattern pair. Bit i is 1 when the pixel at
// pair[i].a is brighter than the pixel at pair[i].b.
func describeBRIEF(gray *image.Gray, x, y int) hamming.Code {
	var code hamming.Code
	for i, p := range briefPattern {
		va := sampleClamped(gray, x+p.ax, y+p.ay)
		vb := sampleClamped(gray, x+p.bx, y+p.by)
		if va > vb {
			word := i / 64
			bit := i % 64
			code[word] |= 1 << uint(bit)
		}
	}
	return code
}

func sampleClamped(gray *image.Gray, x, y int) int {
	b := gray.Rect
	if x < b.Min.X {
		x = b.Min.X
	} else if x >= b.Max.X {
		x = b.Max.X - 1
	}
	if y < b.Min.Y {
		y = b.Min.Y
	} else if y >= b.Max.Y {
		y = b.Max.Y - 1
	}
	idx := (y-b.Min.Y)*gray.Stride + (x - b.Min.X)
	return int(gray.Pix[idx])
}
