package embedding

import "context"

// Box is a face bounding box in pixel coordinates.
type Box struct {
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
	Left   int `json:"left"`
}

// Width returns the horizontal extent of the box.
func (b Box) Width() int { return b.Right - b.Left }

// Height returns the vertical extent of the box.
func (b Box) Height() int { return b.Bottom - b.Top }

// Detection is a single detected face with its embedding vector.
type Detection struct {
	Box    Box
	Vector []float64
}

// Provider exposes the subset of the face-embedding service used by the
// verification flow. DetectAndEmbed returns (nil, nil) when no face is found
// in the image; errors are reserved for transport and decoding failures.
type Provider interface {
	DetectAndEmbed(ctx context.Context, imageBytes []byte) (*Detection, error)
}
