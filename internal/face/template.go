package face

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Sample is one enrolled embedding with its opaque capture key.
type Sample struct {
	Key    string
	Vector []float64
}

// NormalizeSamples converts a stored embeddings document into the canonical
// ordered sample list. Historic records hold either a JSON array of vectors
// or an object keyed by capture token; arrays get index-string keys.
func NormalizeSamples(raw json.RawMessage) ([]Sample, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var asList [][]float64
	if err := json.Unmarshal(raw, &asList); err == nil {
		samples := make([]Sample, 0, len(asList))
		for i, vec := range asList {
			samples = append(samples, Sample{Key: fmt.Sprintf("%d", i), Vector: vec})
		}
		return samples, nil
	}

	var asMap map[string][]float64
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, fmt.Errorf("embeddings document is neither list nor map: %w", err)
	}

	keys := make([]string, 0, len(asMap))
	for k := range asMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	samples := make([]Sample, 0, len(keys))
	for _, k := range keys {
		samples = append(samples, Sample{Key: k, Vector: asMap[k]})
	}
	return samples, nil
}

// Mean computes the element-wise mean of the sample vectors.
// Zero samples yield nil (undefined, not a zero vector). Mismatched
// vector lengths fail with ErrDimensionMismatch before any averaging.
func Mean(samples []Sample) ([]float64, error) {
	if len(samples) == 0 {
		return nil, nil
	}
	dim := len(samples[0].Vector)
	for _, s := range samples {
		if len(s.Vector) != dim {
			return nil, fmt.Errorf("%w: sample %q has %d dims, want %d", ErrDimensionMismatch, s.Key, len(s.Vector), dim)
		}
	}
	avg := make([]float64, dim)
	for _, s := range samples {
		for i, v := range s.Vector {
			avg[i] += v
		}
	}
	n := float64(len(samples))
	for i := range avg {
		avg[i] /= n
	}
	return avg, nil
}
