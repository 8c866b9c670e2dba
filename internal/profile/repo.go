package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"faceattend/internal/face"
)

// ErrNotFound is returned when no profile exists for an identity id.
var ErrNotFound = errors.New("profile not found")

// Repository persists identity profiles in the faces collection.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const profileColumns = `identity_id, display_name, contact_email, active, embeddings, embedding_avg, image_urls, created_at, updated_at`

func scanProfile(row interface{ Scan(...any) error }) (Profile, error) {
	var p Profile
	var embeddings, avg, urls []byte
	if err := row.Scan(&p.IdentityID, &p.DisplayName, &p.ContactEmail, &p.Active, &embeddings, &avg, &urls, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Profile{}, err
	}
	p.Embeddings = json.RawMessage(embeddings)
	if len(avg) > 0 {
		if err := json.Unmarshal(avg, &p.EmbeddingAvg); err != nil {
			return Profile{}, fmt.Errorf("decode embedding average: %w", err)
		}
	}
	if len(urls) > 0 {
		if err := json.Unmarshal(urls, &p.ImageURLs); err != nil {
			return Profile{}, fmt.Errorf("decode image urls: %w", err)
		}
	}
	return p, nil
}

// Get returns a single profile by identity id.
func (r *Repository) Get(ctx context.Context, identityID string) (Profile, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+profileColumns+` FROM faces WHERE identity_id = $1
	`, identityID)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	return p, err
}

// List returns all profiles, optionally restricted to active ones.
func (r *Repository) List(ctx context.Context, activeOnly bool) ([]Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM faces`
	if activeOnly {
		query += ` WHERE active = TRUE`
	}
	query += ` ORDER BY identity_id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Upsert creates or merges a full profile record. Embeddings are normalized
// to the canonical keyed form and the average is recomputed from all
// samples; zero samples store a NULL average.
func (r *Repository) Upsert(ctx context.Context, p Profile) error {
	if p.IdentityID == "" {
		return errors.New("identity id required")
	}

	samples, err := face.NormalizeSamples(p.Embeddings)
	if err != nil {
		return err
	}
	avg, err := face.Mean(samples)
	if err != nil {
		return err
	}

	embeddings, avgJSON, urls, err := encodeProfileFields(samples, avg, p.ImageURLs)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO faces (identity_id, display_name, contact_email, active, embeddings, embedding_avg, image_urls)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (identity_id) DO UPDATE SET
			display_name  = EXCLUDED.display_name,
			contact_email = EXCLUDED.contact_email,
			active        = EXCLUDED.active,
			embeddings    = EXCLUDED.embeddings,
			embedding_avg = EXCLUDED.embedding_avg,
			image_urls    = EXCLUDED.image_urls,
			updated_at    = NOW()
	`, p.IdentityID, p.DisplayName, p.ContactEmail, p.Active, embeddings, avgJSON, urls)
	return err
}

// EnsureIdentity creates a profile shell for a signed-in user on first
// contact, refreshing name and email without touching enrolled embeddings.
func (r *Repository) EnsureIdentity(ctx context.Context, identityID, displayName, contactEmail string) error {
	if identityID == "" {
		return errors.New("identity id required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO faces (identity_id, display_name, contact_email)
		VALUES ($1, $2, $3)
		ON CONFLICT (identity_id) DO UPDATE SET
			display_name  = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.display_name ELSE faces.display_name END,
			contact_email = CASE WHEN EXCLUDED.contact_email <> '' THEN EXCLUDED.contact_email ELSE faces.contact_email END,
			updated_at    = NOW()
	`, identityID, displayName, contactEmail)
	return err
}

// AddEmbedding appends one keyed sample to a profile's embeddings. The
// stored average is left alone and goes stale until the next recompute.
func (r *Repository) AddEmbedding(ctx context.Context, identityID, key string, vector []float64) error {
	if identityID == "" || key == "" {
		return errors.New("identity id and sample key required")
	}
	if len(vector) == 0 {
		return errors.New("empty vector")
	}

	p, err := r.Get(ctx, identityID)
	if err != nil {
		return err
	}
	samples, err := face.NormalizeSamples(p.Embeddings)
	if err != nil {
		return err
	}
	samples = append(samples, face.Sample{Key: key, Vector: vector})

	embeddings, err := json.Marshal(samplesToMap(samples))
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE faces SET embeddings = $2, updated_at = NOW() WHERE identity_id = $1
	`, identityID, embeddings)
	return err
}

// RecomputeAverage normalizes a profile's embeddings and refreshes the
// stored mean. A dimension mismatch leaves the stored average untouched.
func (r *Repository) RecomputeAverage(ctx context.Context, identityID string) error {
	p, err := r.Get(ctx, identityID)
	if err != nil {
		return err
	}
	samples, err := face.NormalizeSamples(p.Embeddings)
	if err != nil {
		return err
	}
	avg, err := face.Mean(samples)
	if err != nil {
		return err
	}

	embeddings, err := json.Marshal(samplesToMap(samples))
	if err != nil {
		return err
	}
	var avgJSON any
	if avg != nil {
		b, err := json.Marshal(avg)
		if err != nil {
			return err
		}
		avgJSON = b
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE faces SET embeddings = $2, embedding_avg = $3, updated_at = NOW() WHERE identity_id = $1
	`, identityID, embeddings, avgJSON)
	return err
}

// AppendImageURL adds a stored reference-photo location. The list is
// append-only.
func (r *Repository) AppendImageURL(ctx context.Context, identityID, url string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE faces SET image_urls = image_urls || to_jsonb($2::text), updated_at = NOW()
		WHERE identity_id = $1
	`, identityID, url)
	return err
}

// SetActive flips the soft-delete flag.
func (r *Repository) SetActive(ctx context.Context, identityID string, active bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE faces SET active = $2, updated_at = NOW() WHERE identity_id = $1
	`, identityID, active)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete hard-deletes a profile by identity key.
func (r *Repository) Delete(ctx context.Context, identityID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM faces WHERE identity_id = $1`, identityID)
	return err
}

// Enrolled loads the current active-profile snapshot in the shape the
// gallery builder consumes. A profile with a corrupt embeddings document is
// skipped with a log line rather than poisoning the whole snapshot.
func (r *Repository) Enrolled(ctx context.Context) ([]face.EnrolledProfile, error) {
	profiles, err := r.List(ctx, true)
	if err != nil {
		return nil, err
	}
	out := make([]face.EnrolledProfile, 0, len(profiles))
	for _, p := range profiles {
		samples, err := face.NormalizeSamples(p.Embeddings)
		if err != nil {
			log.Printf("skipping profile %s: %v", p.IdentityID, err)
			continue
		}
		out = append(out, face.EnrolledProfile{
			IdentityID: p.IdentityID,
			Active:     p.Active,
			Samples:    samples,
		})
	}
	return out, nil
}

func samplesToMap(samples []face.Sample) map[string][]float64 {
	m := make(map[string][]float64, len(samples))
	for _, s := range samples {
		m[s.Key] = s.Vector
	}
	return m
}

func encodeProfileFields(samples []face.Sample, avg []float64, urls []string) ([]byte, any, []byte, error) {
	embeddings, err := json.Marshal(samplesToMap(samples))
	if err != nil {
		return nil, nil, nil, err
	}
	var avgJSON any
	if avg != nil {
		b, err := json.Marshal(avg)
		if err != nil {
			return nil, nil, nil, err
		}
		avgJSON = b
	}
	if urls == nil {
		urls = []string{}
	}
	urlsJSON, err := json.Marshal(urls)
	if err != nil {
		return nil, nil, nil, err
	}
	return embeddings, avgJSON, urlsJSON, nil
}
