package sessions

import (
	"context"
	"time"

	"github.com/jrsteele09/go-team-auth/token"
	"github.com/jrsteele09/go-team-auth/users"
	"github.com/pkg/errors"
)

// EventKind identifies a credential change reported by the identity backend.
type EventKind string

const (
	EventInitialSession EventKind = "INITIAL_SESSION"
	EventSignedIn       EventKind = "SIGNED_IN"
	EventSignedOut      EventKind = "SIGNED_OUT"
	EventTokenRefreshed EventKind = "TOKEN_REFRESHED"
	EventUserUpdated    EventKind = "USER_UPDATED"
)

// Session is a time-bounded credential proving identity to the backend.
type Session struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	ExpiresAt    time.Time  `json:"expires_at"`
	User         users.User `json:"user"`
}

// Tokens is the credential material needed to re-establish a session.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// ChangeListener receives backend-pushed session changes. session is nil on sign-out.
type ChangeListener func(kind EventKind, session *Session)

// Source is the part of the identity backend that reports the current session.
type Source interface {
	GetSession(ctx context.Context) (*Session, error)
	OnSessionChange(listener ChangeListener) (unsubscribe func())
}

func (t Tokens) Valid() bool {
	return t.AccessToken != "" && t.RefreshToken != ""
}

func (s *Session) Tokens() Tokens {
	if s == nil {
		return Tokens{}
	}
	return Tokens{AccessToken: s.AccessToken, RefreshToken: s.RefreshToken}
}

func (s *Session) UserID() string {
	if s == nil {
		return ""
	}
	return s.User.ID
}

// Expired reports whether the access token has passed its expiry. A zero
// ExpiresAt is treated as non-expiring.
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.User = *s.User.Clone()
	return &c
}

// FromTokens builds a session from raw tokens by reading the access token's
// claims. The signature is not checked here.
func FromTokens(t Tokens) (*Session, error) {
	if !t.Valid() {
		return nil, errors.New("[sessions.FromTokens] access and refresh tokens are required")
	}
	claims, err := token.ParseUnverified(t.AccessToken)
	if err != nil {
		return nil, errors.Wrap(err, "[sessions.FromTokens]")
	}
	if claims.Subject == "" {
		return nil, errors.New("[sessions.FromTokens] access token has no subject")
	}
	return &Session{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresAt:    claims.ExpiresAtTime(),
		User:         users.User{ID: claims.Subject, Email: claims.Email},
	}, nil
}
