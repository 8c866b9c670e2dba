package attendance

import "time"

// Record statuses.
const (
	StatusPresent   = "present"
	StatusDenied    = "denied"
	StatusCompleted = "completed"
)

// Location is a latitude/longitude pair.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Record is one check-in (and optional check-out) event. Records are
// append-only: check-out adds fields, it never rewrites check-in fields.
type Record struct {
	ID                   string     `json:"id"`
	IdentityID           string     `json:"identity_id"`
	DisplayName          string     `json:"display_name"`
	ContactEmail         string     `json:"contact_email"`
	ClassID              string     `json:"class_id"`
	Timestamp            time.Time  `json:"timestamp"`
	Status               string     `json:"status"`
	MatcherDistance      *float64   `json:"matcher_distance,omitempty"`
	Recognized           bool       `json:"recognized"`
	RecognizedIdentityID string     `json:"recognized_identity_id,omitempty"`
	RecognitionNote      string     `json:"recognition_note"`
	CheckInLocation      *Location  `json:"check_in_location,omitempty"`
	CheckInTime          *time.Time `json:"check_in_time,omitempty"`
	CheckOutLocation     *Location  `json:"check_out_location,omitempty"`
	CheckOutTime         *time.Time `json:"check_out_time,omitempty"`
	LivenessConfidence   *float64   `json:"liveness_confidence,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

// Session is a class session supplied by the scheduling side. The validator
// only reads it to check context.
type Session struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	AllowedLat   float64   `json:"allowed_lat"`
	AllowedLng   float64   `json:"allowed_lng"`
	RadiusMeters float64   `json:"radius_meters"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}
