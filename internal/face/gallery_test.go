package face

import "testing"

func TestBuildGallery(t *testing.T) {
	profiles := []EnrolledProfile{
		{IdentityID: "u1", Active: true, Samples: []Sample{{Key: "0", Vector: []float64{1, 0}}, {Key: "1", Vector: []float64{0, 1}}}},
		{IdentityID: "u2", Active: true},             // zero embeddings, contributes nothing
		{IdentityID: "u3", Active: false, Samples: []Sample{{Key: "0", Vector: []float64{2, 2}}}}, // inactive
		{IdentityID: "u4", Active: true, Samples: []Sample{{Key: "0", Vector: nil}}},              // empty vector dropped
	}

	g := BuildGallery(profiles)
	if g.Size() != 2 {
		t.Fatalf("gallery size = %d, want 2 (only u1's samples)", g.Size())
	}
	for _, s := range g.samples {
		if s.label != "u1" {
			t.Errorf("unexpected label %q in gallery", s.label)
		}
	}
}

func TestBuildGalleryEmpty(t *testing.T) {
	if g := BuildGallery(nil); g.Size() != 0 {
		t.Errorf("empty build has size %d", g.Size())
	}
	var g *Gallery
	if g.Size() != 0 {
		t.Errorf("nil gallery has size %d", g.Size())
	}
}
