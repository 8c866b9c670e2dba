package face

import "math"

// DefaultThreshold is the accept distance for this embedding family.
const DefaultThreshold = 0.6

// Result is a matcher outcome. A miss is data, not an error.
type Result struct {
	OK         bool
	IdentityID string
	Distance   float64
}

// EuclideanDistance computes the L2 distance between two vectors.
// Mismatched or empty vectors report +Inf so corrupt samples can never win.
func EuclideanDistance(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Match scans every labeled sample in the gallery, takes the global minimum
// distance to the probe and accepts iff it is within the threshold
// (boundary inclusive). Identities with more enrolled samples get
// proportionally more chances to win; that bias is intended.
func Match(probe []float64, g *Gallery, threshold float64) Result {
	if g == nil || len(g.samples) == 0 || len(probe) == 0 {
		return Result{}
	}

	best := Result{Distance: math.Inf(1)}
	for _, s := range g.samples {
		d := EuclideanDistance(probe, s.vector)
		if d < best.Distance {
			best.Distance = d
			best.IdentityID = s.label
		}
	}

	if math.IsInf(best.Distance, 1) || best.Distance > threshold || best.IdentityID == UnknownLabel {
		return Result{}
	}
	best.OK = true
	return best
}
