package auth

import (
	"errors"
	"fmt"

	googleAuthIDTokenVerifier "github.com/futurenda/google-auth-id-token-verifier"
)

// Identity is the tuple the rest of the service consumes from the identity
// provider.
type Identity struct {
	SubjectID   string
	DisplayName string
	Email       string
	PictureURL  string
}

// VerifyGoogleIDToken checks the signature and audience of a Google ID
// token and extracts the identity tuple.
func VerifyGoogleIDToken(idToken, clientID string) (Identity, error) {
	if idToken == "" {
		return Identity{}, errors.New("id token required")
	}

	v := googleAuthIDTokenVerifier.Verifier{}
	if err := v.VerifyIDToken(idToken, []string{clientID}); err != nil {
		return Identity{}, fmt.Errorf("invalid google id token: %w", err)
	}

	claims, err := googleAuthIDTokenVerifier.Decode(idToken)
	if err != nil {
		return Identity{}, fmt.Errorf("decode google id token: %w", err)
	}
	if claims.Sub == "" {
		return Identity{}, errors.New("id token missing subject")
	}

	return Identity{
		SubjectID:   claims.Sub,
		DisplayName: claims.Name,
		Email:       claims.Email,
		PictureURL:  claims.Picture,
	}, nil
}
