package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository persists attendance data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const recordColumns = `id, identity_id, display_name, contact_email, class_id, occurred_at, status,
	matcher_distance, recognized, recognized_id, recognition_note,
	check_in_lat, check_in_lng, check_in_time,
	check_out_lat, check_out_lng, check_out_time, liveness, created_at`

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var rec Record
	var recognizedID sql.NullString
	var inLat, inLng, outLat, outLng sql.NullFloat64
	if err := row.Scan(&rec.ID, &rec.IdentityID, &rec.DisplayName, &rec.ContactEmail, &rec.ClassID,
		&rec.Timestamp, &rec.Status, &rec.MatcherDistance, &rec.Recognized, &recognizedID,
		&rec.RecognitionNote, &inLat, &inLng, &rec.CheckInTime,
		&outLat, &outLng, &rec.CheckOutTime, &rec.LivenessConfidence, &rec.CreatedAt); err != nil {
		return Record{}, err
	}
	rec.RecognizedIdentityID = recognizedID.String
	if inLat.Valid && inLng.Valid {
		rec.CheckInLocation = &Location{Lat: inLat.Float64, Lng: inLng.Float64}
	}
	if outLat.Valid && outLng.Valid {
		rec.CheckOutLocation = &Location{Lat: outLat.Float64, Lng: outLng.Float64}
	}
	return rec, nil
}

// InsertRecord appends a new attendance record.
func (r *Repository) InsertRecord(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = StatusPresent
	}

	var recognizedID any
	if rec.RecognizedIdentityID != "" {
		recognizedID = rec.RecognizedIdentityID
	}
	var inLat, inLng any
	if rec.CheckInLocation != nil {
		inLat, inLng = rec.CheckInLocation.Lat, rec.CheckInLocation.Lng
	}

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO presences (id, identity_id, display_name, contact_email, class_id, occurred_at, status,
			matcher_distance, recognized, recognized_id, recognition_note,
			check_in_lat, check_in_lng, check_in_time, liveness)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING created_at
	`, rec.ID, rec.IdentityID, rec.DisplayName, rec.ContactEmail, rec.ClassID, rec.Timestamp, rec.Status,
		rec.MatcherDistance, rec.Recognized, recognizedID, rec.RecognitionNote,
		inLat, inLng, rec.CheckInTime, rec.LivenessConfidence)
	if err := row.Scan(&rec.CreatedAt); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// OpenRecord returns the latest record for (identity, class) that has no
// check-out yet, or nil.
func (r *Repository) OpenRecord(ctx context.Context, identityID, classID string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM presences
		WHERE identity_id = $1 AND class_id = $2 AND status = $3 AND check_out_time IS NULL
		ORDER BY occurred_at DESC
		LIMIT 1
	`, identityID, classID, StatusPresent)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CompleteRecord appends the check-out fields to an open record. Check-in
// fields are never rewritten.
func (r *Repository) CompleteRecord(ctx context.Context, id string, loc Location, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE presences
		SET status = $2, check_out_lat = $3, check_out_lng = $4, check_out_time = $5
		WHERE id = $1 AND check_out_time IS NULL
	`, id, StatusCompleted, loc.Lat, loc.Lng, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoOpenRecord
	}
	return nil
}

// ListRecords returns records with basic filters.
func (r *Repository) ListRecords(ctx context.Context, identityID, classID string, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + recordColumns + ` FROM presences`
	args := []any{}
	clauses := []string{}
	if identityID != "" {
		clauses = append(clauses, "identity_id = $"+itoa(len(args)+1))
		args = append(args, identityID)
	}
	if classID != "" {
		clauses = append(clauses, "class_id = $"+itoa(len(args)+1))
		args = append(args, classID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + joinClauses(clauses, " AND ")
	}
	query += " ORDER BY occurred_at DESC LIMIT $" + itoa(len(args)+1) + " OFFSET $" + itoa(len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// InsertSession creates a class session.
func (r *Repository) InsertSession(ctx context.Context, s Session) (Session, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO class_sessions (id, name, start_time, end_time, allowed_lat, allowed_lng, radius_meters, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at
	`, s.ID, s.Name, s.StartTime, s.EndTime, s.AllowedLat, s.AllowedLng, s.RadiusMeters, s.IsActive)
	if err := row.Scan(&s.CreatedAt); err != nil {
		return Session{}, err
	}
	return s, nil
}

// GetSession returns a class session by id.
func (r *Repository) GetSession(ctx context.Context, id string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, start_time, end_time, allowed_lat, allowed_lng, radius_meters, is_active, created_at
		FROM class_sessions WHERE id = $1
	`, id)
	var s Session
	if err := row.Scan(&s.ID, &s.Name, &s.StartTime, &s.EndTime, &s.AllowedLat, &s.AllowedLng, &s.RadiusMeters, &s.IsActive, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, err
	}
	return s, nil
}

// ListSessions returns all class sessions, newest first.
func (r *Repository) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, start_time, end_time, allowed_lat, allowed_lng, radius_meters, is_active, created_at
		FROM class_sessions ORDER BY start_time DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.Name, &s.StartTime, &s.EndTime, &s.AllowedLat, &s.AllowedLng, &s.RadiusMeters, &s.IsActive, &s.CreatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func itoa(i int) string { return fmt.Sprintf("%d", i) }

func joinClauses(parts []string, sep string) string {
	if len(parts) == 0 {
		return ""
	}
	out := parts[0]
	for i := 1; i < len(parts); i++ {
		out += sep + parts[i]
	}
	return out
}
