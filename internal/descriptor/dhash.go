package descriptor

import (
	"image"
	"math/bits"

	"golang.org/x/image/draw"
)

// DHash is a 64-bit perceptual difference hash used to rerank IVF search
// candidates: two images with a small Distance are visually similar
// independent of the descriptor-level match, catching false positives that
// pass the coarse Hamming threshold on shared texture alone.
//
// Ported from original_source/src/dhash.rs's d_hash: resize to 9x8
// grayscale, then for each of the 8 rows compare each of the first 8
// pixels to its right neighbor, packing the 8 comparisons per row into one byte.
type DHash uint64

// ComputeDHash resizes img to 9x8 grayscale and returns its difference
// hash.
func ComputeDHash(img image.Image) DHash {
	small := image.NewGray(image.Rect(0, 0, 9, 8))
	draw.BiLinear.Scale(small, small.Bounds(), img, img.Bounds(), draw.Over, nil)

	var hash uint64
	for row := 0; row < 8; row++ {
		for col := 0; col < 8; col++ {
			left := small.GrayAt(col, row).Y
			right := small.GrayAt(col+1, row).Y
			hash <<= 1
			if left < right {
				hash |= 1
			}
		}
	}
	return DHash(hash)
}

// Distance is the Hamming distance between two difference hashes.
func (h DHash) Distance(other DHash) int {
	return bits.OnesCount64(uint64(h ^ other))
}
