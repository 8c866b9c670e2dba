package attendance

import (
	"math"
	"testing"
)

func TestHaversineMeters(t *testing.T) {
	tests := []struct {
		name      string
		a, b      Location
		want      float64
		tolerance float64
	}{
		{"same point", Location{10, 10}, Location{10, 10}, 0, 0.001},
		{"one degree of latitude", Location{0, 0}, Location{1, 0}, 111195, 50},
		{"small offset", Location{52.0, 21.0}, Location{52.00045, 21.0}, 50, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := HaversineMeters(tc.a, tc.b)
			if math.Abs(got-tc.want) > tc.tolerance {
				t.Errorf("HaversineMeters = %.2f, want %.2f ± %.2f", got, tc.want, tc.tolerance)
			}
		})
	}
}

func TestHaversineSymmetric(t *testing.T) {
	a := Location{48.8566, 2.3522}
	b := Location{48.8584, 2.2945}
	if d1, d2 := HaversineMeters(a, b), HaversineMeters(b, a); math.Abs(d1-d2) > 1e-9 {
		t.Errorf("not symmetric: %f vs %f", d1, d2)
	}
}
