package attendance

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"faceattend/internal/face"
	"faceattend/internal/profile"
)

type addedSample struct {
	identityID string
	key        string
	vector     []float64
}

type fakeProfiles struct {
	profiles map[string]profile.Profile
	enrolled []face.EnrolledProfile
	addErr   error
	added    []addedSample
}

func (f *fakeProfiles) Get(_ context.Context, id string) (profile.Profile, error) {
	p, ok := f.profiles[id]
	if !ok {
		return profile.Profile{}, profile.ErrNotFound
	}
	return p, nil
}

func (f *fakeProfiles) AddEmbedding(_ context.Context, id, key string, vec []float64) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, addedSample{id, key, vec})
	for i := range f.enrolled {
		if f.enrolled[i].IdentityID == id {
			f.enrolled[i].Samples = append(f.enrolled[i].Samples, face.Sample{Key: key, Vector: vec})
			return nil
		}
	}
	f.enrolled = append(f.enrolled, face.EnrolledProfile{
		IdentityID: id, Active: true, Samples: []face.Sample{{Key: key, Vector: vec}},
	})
	return nil
}

func (f *fakeProfiles) Enrolled(_ context.Context) ([]face.EnrolledProfile, error) {
	return f.enrolled, nil
}

type fakeRecords struct {
	inserted  []Record
	open      *Record
	completed []string
}

func (f *fakeRecords) InsertRecord(_ context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = "rec-1"
	}
	f.inserted = append(f.inserted, rec)
	return rec, nil
}

func (f *fakeRecords) OpenRecord(_ context.Context, identityID, classID string) (*Record, error) {
	if f.open != nil && f.open.IdentityID == identityID && f.open.ClassID == classID {
		cp := *f.open
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeRecords) CompleteRecord(_ context.Context, id string, _ Location, _ time.Time) error {
	f.completed = append(f.completed, id)
	return nil
}

type fakeSessions struct {
	sessions map[string]Session
}

func (f *fakeSessions) GetSession(_ context.Context, id string) (Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

type fakeEmbedder struct {
	vec        []float64
	extractErr error
	liveness   *face.LivenessResult
}

func (f *fakeEmbedder) Extract(context.Context, []byte) ([]float64, error) {
	return f.vec, f.extractErr
}

func (f *fakeEmbedder) Liveness(context.Context, []byte) (*face.LivenessResult, error) {
	if f.liveness == nil {
		return &face.LivenessResult{IsLive: true, Confidence: 0.9}, nil
	}
	return f.liveness, nil
}

var testNow = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

func classSession() Session {
	return Session{
		ID:           "cls-1",
		StartTime:    testNow.Add(-time.Hour),
		EndTime:      testNow.Add(time.Hour),
		AllowedLat:   10,
		AllowedLng:   10,
		RadiusMeters: 30,
		IsActive:     true,
	}
}

func newTestValidator(profiles *fakeProfiles, records *fakeRecords, sessions *fakeSessions, embedder *fakeEmbedder, opts Options) *Validator {
	v := NewValidator(profiles, records, sessions, embedder, nil, opts)
	v.now = func() time.Time { return testNow }
	return v
}

func validRequest() CheckInRequest {
	return CheckInRequest{
		IdentityID: "u1",
		ClassID:    "cls-1",
		Image:      []byte("jpeg"),
		Location:   Location{Lat: 10, Lng: 10},
		FixTakenAt: testNow,
	}
}

func TestCheckInConfirmsOwnFace(t *testing.T) {
	profiles := &fakeProfiles{
		profiles: map[string]profile.Profile{"u1": {IdentityID: "u1", DisplayName: "Uma", ContactEmail: "uma@example.com"}},
		enrolled: []face.EnrolledProfile{
			{IdentityID: "u1", Active: true, Samples: []face.Sample{{Key: "0", Vector: []float64{1, 0, 0}}}},
		},
	}
	records := &fakeRecords{}
	sessions := &fakeSessions{sessions: map[string]Session{"cls-1": classSession()}}
	embedder := &fakeEmbedder{vec: []float64{1, 0, 0}}

	v := newTestValidator(profiles, records, sessions, embedder, Options{})
	rec, err := v.CheckIn(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("CheckIn failed: %v", err)
	}

	if !rec.Recognized || rec.RecognitionNote != "face confirmed" {
		t.Errorf("rec = %+v, want recognized with note %q", rec, "face confirmed")
	}
	if rec.Status != StatusPresent {
		t.Errorf("status = %q, want %q", rec.Status, StatusPresent)
	}
	if rec.MatcherDistance == nil || *rec.MatcherDistance != 0 {
		t.Errorf("matcher distance = %v, want 0", rec.MatcherDistance)
	}
	if rec.DisplayName != "Uma" || rec.ContactEmail != "uma@example.com" {
		t.Errorf("denormalized identity fields missing: %+v", rec)
	}
	if rec.CheckInTime == nil || rec.CheckInLocation == nil {
		t.Errorf("check-in fields missing: %+v", rec)
	}
	if len(profiles.added) != 1 {
		t.Errorf("write-through recorded %d samples, want 1", len(profiles.added))
	}
	if len(records.inserted) != 1 {
		t.Errorf("inserted %d records, want 1", len(records.inserted))
	}
}

func TestCheckInMismatchStillPresent(t *testing.T) {
	// The gallery only knows u2, whose sample equals the probe. The
	// write-through fails so u1's own sample never joins the gallery.
	profiles := &fakeProfiles{
		profiles: map[string]profile.Profile{"u1": {IdentityID: "u1"}},
		enrolled: []face.EnrolledProfile{
			{IdentityID: "u2", Active: true, Samples: []face.Sample{{Key: "0", Vector: []float64{1, 0, 0}}}},
		},
		addErr: errors.New("store briefly down"),
	}
	records := &fakeRecords{}
	sessions := &fakeSessions{sessions: map[string]Session{"cls-1": classSession()}}
	embedder := &fakeEmbedder{vec: []float64{1, 0, 0}}

	v := newTestValidator(profiles, records, sessions, embedder, Options{})
	rec, err := v.CheckIn(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("CheckIn failed: %v", err)
	}

	if rec.Recognized {
		t.Errorf("mismatched identity marked recognized: %+v", rec)
	}
	if rec.RecognizedIdentityID != "u2" {
		t.Errorf("recognized identity = %q, want u2", rec.RecognizedIdentityID)
	}
	if rec.RecognitionNote != "belongs to another user" {
		t.Errorf("note = %q", rec.RecognitionNote)
	}
	if rec.Status != StatusPresent {
		t.Errorf("attendance not granted on mismatch: status %q", rec.Status)
	}
}

func TestCheckInNoMatchStillPresent(t *testing.T) {
	profiles := &fakeProfiles{
		profiles: map[string]profile.Profile{"u1": {IdentityID: "u1"}},
		addErr:   errors.New("store briefly down"),
	}
	records := &fakeRecords{}
	sessions := &fakeSessions{sessions: map[string]Session{"cls-1": classSession()}}
	embedder := &fakeEmbedder{vec: []float64{1, 0, 0}}

	v := newTestValidator(profiles, records, sessions, embedder, Options{})
	rec, err := v.CheckIn(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("CheckIn failed: %v", err)
	}

	if rec.Recognized || rec.RecognizedIdentityID != "" {
		t.Errorf("no-match outcome polluted: %+v", rec)
	}
	if rec.RecognitionNote != "not found in gallery" {
		t.Errorf("note = %q", rec.RecognitionNote)
	}
	if rec.Status != StatusPresent {
		t.Errorf("attendance not granted on no-match: status %q", rec.Status)
	}
	if rec.MatcherDistance != nil {
		t.Errorf("distance set on no-match: %v", *rec.MatcherDistance)
	}
	if len(records.inserted) != 1 {
		t.Errorf("inserted %d records, want 1", len(records.inserted))
	}
}

func TestCheckInNoFaceWritesNothing(t *testing.T) {
	profiles := &fakeProfiles{profiles: map[string]profile.Profile{"u1": {IdentityID: "u1"}}}
	records := &fakeRecords{}
	sessions := &fakeSessions{sessions: map[string]Session{"cls-1": classSession()}}
	embedder := &fakeEmbedder{extractErr: face.ErrNoFaceDetected}

	v := newTestValidator(profiles, records, sessions, embedder, Options{})
	_, err := v.CheckIn(context.Background(), validRequest())
	if !errors.Is(err, face.ErrNoFaceDetected) {
		t.Fatalf("CheckIn = %v, want ErrNoFaceDetected", err)
	}

	if len(records.inserted) != 0 {
		t.Errorf("record written on no-face: %+v", records.inserted)
	}
	if len(profiles.added) != 0 {
		t.Errorf("sample written on no-face")
	}
}

func TestCheckInGeofenceRejected(t *testing.T) {
	profiles := &fakeProfiles{profiles: map[string]profile.Profile{"u1": {IdentityID: "u1"}}}
	records := &fakeRecords{}
	sessions := &fakeSessions{sessions: map[string]Session{"cls-1": classSession()}}
	embedder := &fakeEmbedder{vec: []float64{1, 0, 0}}

	v := newTestValidator(profiles, records, sessions, embedder, Options{})
	req := validRequest()
	req.Location = Location{Lat: 10.000405, Lng: 10} // about 45m north

	_, err := v.CheckIn(context.Background(), req)
	if !errors.Is(err, ErrContextRejected) {
		t.Fatalf("CheckIn = %v, want ErrContextRejected", err)
	}
	if !strings.Contains(err.Error(), "45") {
		t.Errorf("message misses measured distance: %v", err)
	}
	if len(records.inserted) != 0 {
		t.Errorf("record written despite geofence rejection")
	}
}

func TestCheckInOutsideSessionWindow(t *testing.T) {
	session := classSession()
	session.StartTime = testNow.Add(-3 * time.Hour)
	session.EndTime = testNow.Add(-2 * time.Hour)

	profiles := &fakeProfiles{profiles: map[string]profile.Profile{"u1": {IdentityID: "u1"}}}
	records := &fakeRecords{}
	sessions := &fakeSessions{sessions: map[string]Session{"cls-1": session}}
	embedder := &fakeEmbedder{vec: []float64{1, 0, 0}}

	v := newTestValidator(profiles, records, sessions, embedder, Options{SessionGrace: 15 * time.Minute})
	_, err := v.CheckIn(context.Background(), validRequest())
	if !errors.Is(err, ErrContextRejected) {
		t.Fatalf("CheckIn = %v, want ErrContextRejected", err)
	}
	if len(records.inserted) != 0 {
		t.Errorf("record written outside session window")
	}
}

func TestCheckInWithinGraceWindow(t *testing.T) {
	session := classSession()
	session.EndTime = testNow.Add(-10 * time.Minute) // ended, but inside ±15m grace

	profiles := &fakeProfiles{profiles: map[string]profile.Profile{"u1": {IdentityID: "u1"}}}
	records := &fakeRecords{}
	sessions := &fakeSessions{sessions: map[string]Session{"cls-1": session}}
	embedder := &fakeEmbedder{vec: []float64{1, 0, 0}}

	v := newTestValidator(profiles, records, sessions, embedder, Options{SessionGrace: 15 * time.Minute})
	if _, err := v.CheckIn(context.Background(), validRequest()); err != nil {
		t.Fatalf("CheckIn inside grace failed: %v", err)
	}
}

func TestCheckInInactiveSession(t *testing.T) {
	session := classSession()
	session.IsActive = false

	profiles := &fakeProfiles{profiles: map[string]profile.Profile{"u1": {IdentityID: "u1"}}}
	sessions := &fakeSessions{sessions: map[string]Session{"cls-1": session}}
	embedder := &fakeEmbedder{vec: []float64{1, 0, 0}}

	v := newTestValidator(profiles, &fakeRecords{}, sessions, embedder, Options{})
	if _, err := v.CheckIn(context.Background(), validRequest()); !errors.Is(err, ErrContextRejected) {
		t.Fatalf("CheckIn = %v, want ErrContextRejected", err)
	}
}

func TestCheckInUnknownSession(t *testing.T) {
	profiles := &fakeProfiles{profiles: map[string]profile.Profile{"u1": {IdentityID: "u1"}}}
	embedder := &fakeEmbedder{vec: []float64{1, 0, 0}}

	v := newTestValidator(profiles, &fakeRecords{}, &fakeSessions{}, embedder, Options{})
	if _, err := v.CheckIn(context.Background(), validRequest()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("CheckIn = %v, want ErrSessionNotFound", err)
	}
}

func TestCheckInStaleLocationFix(t *testing.T) {
	profiles := &fakeProfiles{profiles: map[string]profile.Profile{"u1": {IdentityID: "u1"}}}
	records := &fakeRecords{}
	sessions := &fakeSessions{sessions: map[string]Session{"cls-1": classSession()}}
	embedder := &fakeEmbedder{vec: []float64{1, 0, 0}}

	v := newTestValidator(profiles, records, sessions, embedder, Options{MaxFixAge: 30 * time.Second})
	req := validRequest()
	req.FixTakenAt = testNow.Add(-time.Minute)

	if _, err := v.CheckIn(context.Background(), req); !errors.Is(err, ErrLocationUnavailable) {
		t.Fatalf("CheckIn = %v, want ErrLocationUnavailable", err)
	}

	req = validRequest()
	req.Location = Location{}
	if _, err := v.CheckIn(context.Background(), req); !errors.Is(err, ErrLocationUnavailable) {
		t.Fatalf("CheckIn without fix = %v, want ErrLocationUnavailable", err)
	}
	if len(records.inserted) != 0 {
		t.Errorf("record written without a usable fix")
	}
}

func TestCheckInLiveness(t *testing.T) {
	profiles := &fakeProfiles{profiles: map[string]profile.Profile{"u1": {IdentityID: "u1"}}}
	records := &fakeRecords{}
	sessions := &fakeSessions{sessions: map[string]Session{"cls-1": classSession()}}
	embedder := &fakeEmbedder{
		vec:      []float64{1, 0, 0},
		liveness: &face.LivenessResult{IsLive: false, Reason: "more than one face in frame"},
	}

	v := newTestValidator(profiles, records, sessions, embedder, Options{LivenessRequired: true})
	_, err := v.CheckIn(context.Background(), validRequest())
	if !errors.Is(err, ErrContextRejected) {
		t.Fatalf("CheckIn = %v, want ErrContextRejected", err)
	}
	if !strings.Contains(err.Error(), "more than one face") {
		t.Errorf("liveness reason missing from message: %v", err)
	}
	if len(records.inserted) != 0 {
		t.Errorf("record written despite failed liveness")
	}

	embedder.liveness = &face.LivenessResult{IsLive: true, Confidence: 0.83}
	rec, err := v.CheckIn(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("live check-in failed: %v", err)
	}
	if rec.LivenessConfidence == nil || *rec.LivenessConfidence != 0.83 {
		t.Errorf("liveness confidence = %v, want 0.83", rec.LivenessConfidence)
	}
}

func TestCheckInFreshSampleJoinsGallery(t *testing.T) {
	// u1 is active but has no samples yet; the write-through sample is the
	// only gallery entry and must self-match at distance zero.
	profiles := &fakeProfiles{
		profiles: map[string]profile.Profile{"u1": {IdentityID: "u1"}},
		enrolled: []face.EnrolledProfile{{IdentityID: "u1", Active: true}},
	}
	records := &fakeRecords{}
	sessions := &fakeSessions{sessions: map[string]Session{"cls-1": classSession()}}
	embedder := &fakeEmbedder{vec: []float64{0.3, 0.4}}

	v := newTestValidator(profiles, records, sessions, embedder, Options{})
	rec, err := v.CheckIn(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("CheckIn failed: %v", err)
	}
	if !rec.Recognized {
		t.Errorf("fresh sample did not join the gallery: %+v", rec)
	}
}

func TestCheckOut(t *testing.T) {
	open := Record{ID: "rec-9", IdentityID: "u1", ClassID: "cls-1", Status: StatusPresent}
	records := &fakeRecords{open: &open}

	v := newTestValidator(&fakeProfiles{}, records, &fakeSessions{}, &fakeEmbedder{}, Options{})
	rec, err := v.CheckOut(context.Background(), "u1", "cls-1", Location{Lat: 10, Lng: 10}, testNow)
	if err != nil {
		t.Fatalf("CheckOut failed: %v", err)
	}
	if rec.Status != StatusCompleted || rec.CheckOutTime == nil || rec.CheckOutLocation == nil {
		t.Errorf("checkout fields missing: %+v", rec)
	}
	if len(records.completed) != 1 || records.completed[0] != "rec-9" {
		t.Errorf("completed = %v, want [rec-9]", records.completed)
	}
}

func TestCheckOutNoOpenRecord(t *testing.T) {
	v := newTestValidator(&fakeProfiles{}, &fakeRecords{}, &fakeSessions{}, &fakeEmbedder{}, Options{})
	if _, err := v.CheckOut(context.Background(), "u1", "cls-1", Location{Lat: 10, Lng: 10}, testNow); !errors.Is(err, ErrNoOpenRecord) {
		t.Fatalf("CheckOut = %v, want ErrNoOpenRecord", err)
	}
}

func TestCheckOutStaleFix(t *testing.T) {
	open := Record{ID: "rec-9", IdentityID: "u1", ClassID: "cls-1", Status: StatusPresent}
	v := newTestValidator(&fakeProfiles{}, &fakeRecords{open: &open}, &fakeSessions{}, &fakeEmbedder{}, Options{MaxFixAge: 30 * time.Second})
	if _, err := v.CheckOut(context.Background(), "u1", "cls-1", Location{Lat: 10, Lng: 10}, testNow.Add(-time.Minute)); !errors.Is(err, ErrLocationUnavailable) {
		t.Fatalf("CheckOut = %v, want ErrLocationUnavailable", err)
	}
}
