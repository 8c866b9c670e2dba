package face

// UnknownLabel is the reserved sentinel for samples that must never match.
const UnknownLabel = "unknown"

// EnrolledProfile is the slice of an identity profile the gallery cares about.
type EnrolledProfile struct {
	IdentityID string
	Active     bool
	Samples    []Sample
}

type labeledSample struct {
	label  string
	vector []float64
}

// Gallery is an immutable index of labeled embeddings built from active
// profiles. Freshness after a new enrollment requires an explicit rebuild.
type Gallery struct {
	samples []labeledSample
}

// BuildGallery expands each active profile into one labeled sample per
// vector. Inactive profiles and profiles without embeddings contribute
// nothing.
func BuildGallery(profiles []EnrolledProfile) *Gallery {
	g := &Gallery{}
	for _, p := range profiles {
		if !p.Active || p.IdentityID == "" {
			continue
		}
		for _, s := range p.Samples {
			if len(s.Vector) == 0 {
				continue
			}
			g.samples = append(g.samples, labeledSample{label: p.IdentityID, vector: s.Vector})
		}
	}
	return g
}

// Size reports the number of labeled samples in the gallery.
func (g *Gallery) Size() int {
	if g == nil {
		return 0
	}
	return len(g.samples)
}
