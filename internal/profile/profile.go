package profile

import (
	"encoding/json"
	"time"
)

// Profile is one enrollable identity. Only active profiles participate in
// matching; deactivation is a soft delete.
type Profile struct {
	IdentityID   string          `json:"identity_id"`
	DisplayName  string          `json:"display_name"`
	ContactEmail string          `json:"contact_email"`
	Active       bool            `json:"active"`
	Embeddings   json.RawMessage `json:"embeddings,omitempty"`
	EmbeddingAvg []float64       `json:"embedding_average,omitempty"`
	ImageURLs    []string        `json:"image_urls,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
