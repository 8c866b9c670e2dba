package attendance

import "errors"

// ErrContextRejected is the hard stop for geofence, time-window or
// anti-spoof failures; no record is written.
var ErrContextRejected = errors.New("check-in context rejected")

// ErrLocationUnavailable covers a missing, denied or timed-out location
// fix. The wrapped message distinguishes denied from timed-out.
var ErrLocationUnavailable = errors.New("location unavailable")

// ErrSessionNotFound is returned for an unknown or missing class session.
var ErrSessionNotFound = errors.New("class session not found")

// ErrNoOpenRecord is returned when check-out finds nothing to complete.
var ErrNoOpenRecord = errors.New("no open attendance record")
