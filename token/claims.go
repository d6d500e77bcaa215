package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Claims are the access-token claims the engine relies on.
type Claims struct {
	jwt.RegisteredClaims
	Email          string `json:"email,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	ImpersonatedBy string `json:"impersonated_by,omitempty"` // Admin user id when the token was minted for an impersonation
}

// ExpiresAtTime returns the exp claim, or the zero time when absent.
func (c *Claims) ExpiresAtTime() time.Time {
	if c == nil || c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// ParseUnverified reads the claims of an access token without checking its signature.
// Clients only hold the token, never the signing key, so this is for display and
// expiry bookkeeping; the backend remains the authority on validity.
func ParseUnverified(raw string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, errors.Wrap(err, "[token.ParseUnverified]")
	}
	return claims, nil
}
