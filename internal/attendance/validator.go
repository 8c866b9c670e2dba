package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"faceattend/internal/face"
	"faceattend/internal/profile"
	"faceattend/internal/queue"
)

// ProfileStore is the slice of the profile repository the validator needs.
type ProfileStore interface {
	Get(ctx context.Context, identityID string) (profile.Profile, error)
	AddEmbedding(ctx context.Context, identityID, key string, vector []float64) error
	Enrolled(ctx context.Context) ([]face.EnrolledProfile, error)
}

// RecordStore persists presence records.
type RecordStore interface {
	InsertRecord(ctx context.Context, rec Record) (Record, error)
	OpenRecord(ctx context.Context, identityID, classID string) (*Record, error)
	CompleteRecord(ctx context.Context, id string, loc Location, at time.Time) error
}

// SessionStore supplies class sessions.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (Session, error)
}

// Embedder turns a captured frame into an embedding and answers liveness.
type Embedder interface {
	Extract(ctx context.Context, image []byte) ([]float64, error)
	Liveness(ctx context.Context, image []byte) (*face.LivenessResult, error)
}

// Options tune the validator's policy knobs.
type Options struct {
	MatchThreshold   float64
	SessionGrace     time.Duration
	MaxFixAge        time.Duration
	LivenessRequired bool
}

// Validator runs one check-in attempt end to end:
// capture -> embedding -> matching -> context checks -> durable record.
// Recognition is advisory and only flags the record; the context checks
// are the hard gate.
type Validator struct {
	profiles ProfileStore
	records  RecordStore
	sessions SessionStore
	embedder Embedder
	queue    queue.Queue
	opts     Options
	now      func() time.Time
}

// NewValidator wires a validator. queue may be nil when no worker runs.
func NewValidator(profiles ProfileStore, records RecordStore, sessions SessionStore, embedder Embedder, q queue.Queue, opts Options) *Validator {
	if opts.MatchThreshold <= 0 {
		opts.MatchThreshold = face.DefaultThreshold
	}
	if opts.SessionGrace <= 0 {
		opts.SessionGrace = 15 * time.Minute
	}
	if opts.MaxFixAge <= 0 {
		opts.MaxFixAge = 30 * time.Second
	}
	return &Validator{
		profiles: profiles,
		records:  records,
		sessions: sessions,
		embedder: embedder,
		queue:    q,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CheckInRequest is one capture attempt. FixTakenAt is when the location
// fix was acquired on the device.
type CheckInRequest struct {
	IdentityID string
	ClassID    string
	Image      []byte
	Location   Location
	FixTakenAt time.Time
}

// CheckIn runs the attempt. ErrNoFaceDetected, ErrContextRejected,
// ErrLocationUnavailable and ErrSessionNotFound all leave no record behind
// and keep the attempt retryable in place.
func (v *Validator) CheckIn(ctx context.Context, req CheckInRequest) (Record, error) {
	if req.IdentityID == "" || req.ClassID == "" {
		return Record{}, errors.New("identity and class required")
	}

	// Embedding. No face is the normal empty result and the caller may
	// retry without losing the claimed identity or class.
	embedding, err := v.embedder.Extract(ctx, req.Image)
	if err != nil {
		if errors.Is(err, face.ErrNoFaceDetected) {
			checkInOutcomes.WithLabelValues("no_face").Inc()
		}
		return Record{}, err
	}

	// Write-through: every attempt's embedding is saved against the
	// claiming identity so future matches improve. A transient store
	// failure here must not abort the attempt.
	sampleKey := strconv.FormatInt(v.now().UnixNano(), 10)
	if err := v.profiles.AddEmbedding(ctx, req.IdentityID, sampleKey, embedding); err != nil {
		log.Printf("write-through sample for %s failed: %v", req.IdentityID, err)
	} else if v.queue != nil {
		if err := v.queue.Publish(ctx, queue.Message{Type: "sample", Body: []byte(req.IdentityID)}); err != nil {
			log.Printf("queue publish failed: %v", err)
		}
	}

	// Matching against a freshly rebuilt gallery, so the sample just
	// written participates immediately.
	enrolled, err := v.profiles.Enrolled(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("load gallery snapshot: %w", err)
	}
	gallery := face.BuildGallery(enrolled)
	gallerySize.Set(float64(gallery.Size()))
	match := face.Match(embedding, gallery, v.opts.MatchThreshold)

	rec := Record{
		IdentityID: req.IdentityID,
		ClassID:    req.ClassID,
		Status:     StatusPresent,
	}
	switch {
	case !match.OK:
		rec.Recognized = false
		rec.RecognitionNote = "not found in gallery"
	case match.IdentityID != req.IdentityID:
		rec.Recognized = false
		rec.RecognizedIdentityID = match.IdentityID
		rec.RecognitionNote = "belongs to another user"
		rec.MatcherDistance = &match.Distance
	default:
		rec.Recognized = true
		rec.RecognitionNote = "face confirmed"
		rec.MatcherDistance = &match.Distance
	}

	// Context validation is the hard gate: any failure here stops the
	// attempt before a record is written.
	liveness, err := v.validateContext(ctx, req)
	if err != nil {
		checkInOutcomes.WithLabelValues("rejected").Inc()
		return Record{}, err
	}
	rec.LivenessConfidence = liveness

	if p, err := v.profiles.Get(ctx, req.IdentityID); err == nil {
		rec.DisplayName = p.DisplayName
		rec.ContactEmail = p.ContactEmail
	}

	now := v.now()
	rec.Timestamp = now
	rec.CheckInTime = &now
	loc := req.Location
	rec.CheckInLocation = &loc

	saved, err := v.records.InsertRecord(ctx, rec)
	if err != nil {
		return Record{}, fmt.Errorf("persist attendance record: %w", err)
	}
	if saved.Recognized {
		checkInOutcomes.WithLabelValues("recognized").Inc()
	} else {
		checkInOutcomes.WithLabelValues("unrecognized").Inc()
	}
	return saved, nil
}

func (v *Validator) validateContext(ctx context.Context, req CheckInRequest) (*float64, error) {
	if req.Location.Lat == 0 && req.Location.Lng == 0 {
		return nil, fmt.Errorf("%w: no location fix supplied", ErrLocationUnavailable)
	}
	now := v.now()
	if req.FixTakenAt.IsZero() || now.Sub(req.FixTakenAt) > v.opts.MaxFixAge {
		return nil, fmt.Errorf("%w: location fix older than %s", ErrLocationUnavailable, v.opts.MaxFixAge)
	}

	session, err := v.sessions.GetSession(ctx, req.ClassID)
	if err != nil {
		return nil, err
	}
	if !session.IsActive {
		return nil, fmt.Errorf("%w: session %s is not active", ErrContextRejected, session.ID)
	}
	if now.Before(session.StartTime.Add(-v.opts.SessionGrace)) || now.After(session.EndTime.Add(v.opts.SessionGrace)) {
		return nil, fmt.Errorf("%w: outside session window %s - %s", ErrContextRejected,
			session.StartTime.Format(time.RFC3339), session.EndTime.Format(time.RFC3339))
	}

	allowed := Location{Lat: session.AllowedLat, Lng: session.AllowedLng}
	distance := HaversineMeters(req.Location, allowed)
	if distance > session.RadiusMeters {
		return nil, fmt.Errorf("%w: %.0fm from the allowed location, limit %.0fm", ErrContextRejected, distance, session.RadiusMeters)
	}

	if !v.opts.LivenessRequired {
		return nil, nil
	}
	result, err := v.embedder.Liveness(ctx, req.Image)
	if err != nil {
		return nil, fmt.Errorf("%w: liveness check unavailable: %v", ErrContextRejected, err)
	}
	if !result.IsLive {
		reason := result.Reason
		if reason == "" {
			reason = "face did not pass the liveness check"
		}
		return nil, fmt.Errorf("%w: %s", ErrContextRejected, reason)
	}
	confidence := result.Confidence
	return &confidence, nil
}

// CheckOut completes the latest open record for (identity, class). It
// requires a fresh location fix and appends the check-out fields.
func (v *Validator) CheckOut(ctx context.Context, identityID, classID string, loc Location, fixTakenAt time.Time) (Record, error) {
	if identityID == "" || classID == "" {
		return Record{}, errors.New("identity and class required")
	}
	now := v.now()
	if fixTakenAt.IsZero() || now.Sub(fixTakenAt) > v.opts.MaxFixAge {
		return Record{}, fmt.Errorf("%w: location fix older than %s", ErrLocationUnavailable, v.opts.MaxFixAge)
	}

	open, err := v.records.OpenRecord(ctx, identityID, classID)
	if err != nil {
		return Record{}, err
	}
	if open == nil {
		return Record{}, ErrNoOpenRecord
	}
	if err := v.records.CompleteRecord(ctx, open.ID, loc, now); err != nil {
		return Record{}, err
	}

	open.Status = StatusCompleted
	open.CheckOutLocation = &loc
	open.CheckOutTime = &now
	return *open, nil
}
