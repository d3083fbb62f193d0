package gates

import (
	"image"

	"github.com/example/biovote/internal/embedding"
)

// LivenessGate applies a minimal single-frame liveness heuristic: it looks
// for a minimum number of eye-like dark regions in the upper half of the
// face crop. This only rejects the most trivial spoof (a featureless print
// with no discernible eyes); a real implementation needs multi-frame
// temporal signals, which are out of scope for this service.
type LivenessGate struct {
	MinEyeRegions int
}

// NewLivenessGate returns a gate requiring minEyeRegions eye-like regions.
func NewLivenessGate(minEyeRegions int) *LivenessGate {
	return &LivenessGate{MinEyeRegions: minEyeRegions}
}

// Assess reports whether the face crop passes the liveness heuristic.
func (g *LivenessGate) Assess(img image.Image, box embedding.Box) bool {
	crop := grayCrop(img, box)
	return countEyeRegions(crop) >= g.MinEyeRegions
}

// countEyeRegions counts connected dark regions in the upper half of the
// crop. A pixel is "dark" when its intensity falls well below the crop mean;
// connected runs of dark pixels are merged via a single-pass union of
// horizontal and vertical neighbours.
func countEyeRegions(gray *image.Gray) int {
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return 0
	}

	upper := image.Rect(b.Min.X, b.Min.Y, b.Max.X, b.Min.Y+h/2)

	var sum float64
	for y := upper.Min.Y; y < upper.Max.Y; y++ {
		for x := upper.Min.X; x < upper.Max.X; x++ {
			sum += float64(gray.GrayAt(x, y).Y)
		}
	}
	pixels := upper.Dx() * upper.Dy()
	if pixels == 0 {
		return 0
	}
	mean := sum / float64(pixels)
	threshold := mean * 0.6

	dark := func(x, y int) bool {
		return float64(gray.GrayAt(x, y).Y) < threshold
	}

	visited := make(map[[2]int]bool)
	regions := 0
	for y := upper.Min.Y; y < upper.Max.Y; y++ {
		for x := upper.Min.X; x < upper.Max.X; x++ {
			if !dark(x, y) || visited[[2]int{x, y}] {
				continue
			}
			// flood fill this dark region
			size := 0
			stack := [][2]int{{x, y}}
			for len(stack) > 0 {
				p := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				if visited[p] {
					continue
				}
				px, py := p[0], p[1]
				if px < upper.Min.X || px >= upper.Max.X || py < upper.Min.Y || py >= upper.Max.Y {
					continue
				}
				if !dark(px, py) {
					continue
				}
				visited[p] = true
				size++
				stack = append(stack,
					[2]int{px - 1, py}, [2]int{px + 1, py},
					[2]int{px, py - 1}, [2]int{px, py + 1})
			}
			// ignore single-pixel noise
			if size >= 4 {
				regions++
			}
		}
	}
	return regions
}
