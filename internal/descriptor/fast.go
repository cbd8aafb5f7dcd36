package descriptor

import "image"

// fastOffsets is the 16-pixel Bresenham circle of radius 3 around a
// candidate corner, in the standard FAST layout.
var fastOffsets = [16][2]int{
	{0, -3}, {1, -3}, {2, -2}, {3, -1},
	{3, 0}, {3, 1}, {2, 2}, {1, 3},
	{0, 3}, {-1, 3}, {-2, 2}, {-3, 1},
	{-3, 0}, {-3, -1}, {-2, -2}, {-1, -3},
}

// fastScore returns the corner response for the pixel at (x, y): the
// largest threshold t for which at least 9 of the 16 circle pixels are all
// brighter than center+t, or all darker than center-t. Returns 0 if (x, y)
// is not a corner at minThreshold.
func fastScore(gray *image.Gray, x, y, minThreshold int) int {
	stride := gray.Stride
	base := (y-gray.Rect.Min.Y)*stride + (x - gray.Rect.Min.X)
	center := int(gray.Pix[base])

	var ring [16]int
	for i, off := range fastOffsets {
		px, py := x+off[0], y+off[1]
		idx := (py-gray.Rect.Min.Y)*stride + (px - gray.Rect.Min.X)
		ring[i] = int(gray.Pix[idx])
	}

	best := 0
	for t := minThreshold; t <= 255; t++ {
		if hasArc(ring, center, t) {
			best = t
		} else if best > 0 {
			break
		}
	}
	return best
}

// hasArc reports whether the 16-pixel ring contains a contiguous run of at
// least 9 pixels all brighter than center+t, or all darker than center-t.
func hasArc(ring [16]int, center, t int) bool {
	brighter := func(v int) bool { return v > center+t }
	darker := func(v int) bool { return v < center-t }

	for _, pred := range []func(int) bool{brighter, darker} {
		run := 0
		best := 0
		for i := 0; i < 32; i++ {
			if pred(ring[i%16]) {
				run++
				if run > best {
					best = run
				}
			} else {
				run = 0
			}
		}
		if best >= 9 {
			return true
		}
	}
	return false
}

// detectFAST scans gray's interior (excluding the 3px border the circle
// needs) for corners scoring at least minThreshold, returning one Keypoint
// per corner found at pyramid level.
func detectFAST(gray *image.Gray, level int, minThreshold int) []Keypoint {
	b := gray.Rect
	var kps []Keypoint
	for y := b.Min.Y + 3; y < b.Max.Y-3; y++ {
		for x := b.Min.X + 3; x < b.Max.X-3; x++ {
			if score := fastScore(gray, x, y, minThreshold); score > 0 {
				kps = append(kps, Keypoint{X: x, Y: y, Level: level, Response: score})
			}
		}
	}
	return kps
}
