package registry

import (
	"math"
	"time"
)

// GalleryEntry is an active identity's embedding as seen by the matcher.
type GalleryEntry struct {
	IdentityID string
	Vector     []float64
	CreatedAt  time.Time
}

// MatchResult names the closest gallery identity within tolerance.
type MatchResult struct {
	IdentityID string
	Distance   float64
}

// Match compares an embedding against every gallery entry and returns the
// closest identity whose distance is within tolerance, or false when none
// qualifies. Exact distance ties resolve to the earliest-created entry so the
// result is deterministic. Pure function over the snapshot; entries whose
// dimensionality differs from the probe are skipped.
func Match(vector []float64, gallery []GalleryEntry, tolerance float64) (MatchResult, bool) {
	best := MatchResult{Distance: math.Inf(1)}
	var bestCreated time.Time
	found := false

	for _, entry := range gallery {
		if len(entry.Vector) != len(vector) {
			continue
		}
		d := euclideanDistance(vector, entry.Vector)
		if d > tolerance {
			continue
		}
		if !found || d < best.Distance || (d == best.Distance && entry.CreatedAt.Before(bestCreated)) {
			best = MatchResult{IdentityID: entry.IdentityID, Distance: d}
			bestCreated = entry.CreatedAt
			found = true
		}
	}

	return best, found
}

func euclideanDistance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return math.Sqrt(sum)
}
