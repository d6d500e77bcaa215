package token

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	defaultAccessTokenExpiry = time.Hour
	refreshTokenLength       = 32 // 32 bytes = 256 bits
)

// Minted is a freshly issued access/refresh token pair.
type Minted struct {
	AccessToken  string
	RefreshToken string
	TokenID      string
	ExpiresAt    time.Time
}

// Subject describes who a token is minted for.
type Subject struct {
	UserID         string
	Email          string
	ImpersonatedBy string
	SessionID      string        // Audit session the token belongs to, if any
	TTL            time.Duration // Overrides the minter's access token expiry when > 0
}

// Minter issues and verifies access tokens.
type Minter struct {
	signer            Signer
	issuer            string
	accessTokenExpiry time.Duration
	nowFunc           func() time.Time
}

type MinterOption func(*Minter)

func WithAccessTokenExpiry(expiry time.Duration) MinterOption {
	return func(m *Minter) {
		m.accessTokenExpiry = expiry
	}
}

func WithNowFunc(now func() time.Time) MinterOption {
	return func(m *Minter) {
		m.nowFunc = now
	}
}

func WithIssuer(issuer string) MinterOption {
	return func(m *Minter) {
		m.issuer = issuer
	}
}

func NewMinter(signer Signer, options ...MinterOption) *Minter {
	m := &Minter{
		signer:            signer,
		accessTokenExpiry: defaultAccessTokenExpiry,
		nowFunc:           time.Now,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Mint creates a signed access token and an opaque refresh token for subject.
func (m *Minter) Mint(subject Subject) (*Minted, error) {
	if subject.UserID == "" {
		return nil, errors.New("[Minter.Mint] user id is required")
	}

	ttl := m.accessTokenExpiry
	if subject.TTL > 0 {
		ttl = subject.TTL
	}
	now := m.nowFunc()
	jti := uuid.New().String()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   subject.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        jti,
		},
		Email:          subject.Email,
		SessionID:      subject.SessionID,
		ImpersonatedBy: subject.ImpersonatedBy,
	}

	access, err := m.signer.Sign(claims)
	if err != nil {
		return nil, errors.Wrap(err, "[Minter.Mint] sign")
	}

	refresh, err := newRefreshToken()
	if err != nil {
		return nil, errors.Wrap(err, "[Minter.Mint] refresh token")
	}

	return &Minted{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenID:      jti,
		ExpiresAt:    claims.ExpiresAt.Time,
	}, nil
}

// Verify checks the signature and expiry of an access token and returns its claims.
func (m *Minter) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{m.signer.Algorithm()}),
		jwt.WithTimeFunc(m.nowFunc),
	)
	if _, err := parser.ParseWithClaims(raw, claims, m.signer.Key); err != nil {
		return nil, errors.Wrap(err, "[Minter.Verify]")
	}
	return claims, nil
}

func newRefreshToken() (string, error) {
	tokenBytes := make([]byte, refreshTokenLength)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(tokenBytes), nil
}
