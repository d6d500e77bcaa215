package token

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Signer holds the key material a Minter signs and verifies access tokens with.
type Signer interface {
	Sign(claims *Claims) (string, error)
	// Algorithm is the only "alg" header Verify accepts.
	Algorithm() string
	// Key has the shape of a jwt.Keyfunc.
	Key(t *jwt.Token) (any, error)
}

// SharedSecret signs with HS256. Every process that verifies holds the same secret.
type SharedSecret []byte

func (s SharedSecret) Sign(claims *Claims) (string, error) {
	if len(s) == 0 {
		return "", errors.New("[SharedSecret.Sign] secret is empty")
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s))
	return signed, errors.Wrap(err, "[SharedSecret.Sign]")
}

func (s SharedSecret) Algorithm() string {
	return jwt.SigningMethodHS256.Alg()
}

func (s SharedSecret) Key(*jwt.Token) (any, error) {
	return []byte(s), nil
}
