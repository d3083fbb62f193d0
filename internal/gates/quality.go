package gates

import (
	"image"

	"github.com/example/biovote/internal/embedding"
)

// QualityReason identifies why an image failed the quality gate.
type QualityReason string

const (
	ReasonTooSmall  QualityReason = "too_small"
	ReasonTooBlurry QualityReason = "too_blurry"
)

// QualityVerdict is the outcome of a quality assessment.
type QualityVerdict struct {
	Pass   bool
	Reason QualityReason
}

// QualityGate rejects captures that are too small or too blurry to match
// reliably. It has no side effects.
type QualityGate struct {
	MinFaceSize    int     // minimum shorter side of the face box, in pixels
	FocusThreshold float64 // minimum Laplacian variance of the face crop
}

// NewQualityGate returns a gate with the given thresholds.
func NewQualityGate(minFaceSize int, focusThreshold float64) *QualityGate {
	return &QualityGate{MinFaceSize: minFaceSize, FocusThreshold: focusThreshold}
}

// Assess checks the detected face region against the size and sharpness
// thresholds. A face whose shorter side equals MinFaceSize passes.
func (g *QualityGate) Assess(img image.Image, box embedding.Box) QualityVerdict {
	shorter := box.Width()
	if box.Height() < shorter {
		shorter = box.Height()
	}
	if shorter < g.MinFaceSize {
		return QualityVerdict{Pass: false, Reason: ReasonTooSmall}
	}

	crop := grayCrop(img, box)
	if laplacianVariance(crop) <= g.FocusThreshold {
		return QualityVerdict{Pass: false, Reason: ReasonTooBlurry}
	}

	return QualityVerdict{Pass: true}
}

// grayCrop extracts the face region as a grayscale image, clamped to the
// image bounds.
func grayCrop(img image.Image, box embedding.Box) *image.Gray {
	bounds := img.Bounds()
	r := image.Rect(box.Left, box.Top, box.Right, box.Bottom).Intersect(bounds)
	gray := image.NewGray(r)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			gray.Set(x, y, img.At(x, y))
		}
	}
	return gray
}

// laplacianVariance computes the variance of a 4-neighbour Laplacian edge
// response, a standard focus measure: blurred images produce weak edges and
// therefore low variance.
func laplacianVariance(gray *image.Gray) float64 {
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 3 || h < 3 {
		return 0
	}

	var sum, sumSq float64
	count := 0
	for y := b.Min.Y + 1; y < b.Max.Y-1; y++ {
		for x := b.Min.X + 1; x < b.Max.X-1; x++ {
			center := float64(gray.GrayAt(x, y).Y)
			lap := float64(gray.GrayAt(x-1, y).Y) +
				float64(gray.GrayAt(x+1, y).Y) +
				float64(gray.GrayAt(x, y-1).Y) +
				float64(gray.GrayAt(x, y+1).Y) -
				4*center
			sum += lap
			sumSq += lap * lap
			count++
		}
	}

	mean := sum / float64(count)
	return sumSq/float64(count) - mean*mean
}
