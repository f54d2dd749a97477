// Package auth verifies participant JWTs and the scheduler's shared secret.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	errSigningMethod  = errors.New("unexpected signing method")
	errInvalidToken   = errors.New("invalid token")
	errIssuerMismatch = errors.New("issuer mismatch")
	errNoSubject      = errors.New("token has no subject")
)

// Claims is the JWT payload minted by the identity service.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Issue signs an HS256 access token. The API never mints tokens itself; the
// worker CLI uses this for local testing.
func Issue(subject, role, issuer, key string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(ttl)
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Parse validates a token and returns claims.
func Parse(tokenStr, key, issuer string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errSigningMethod
		}
		return []byte(key), nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, errInvalidToken
	}
	if issuer != "" && claims.Issuer != issuer {
		return Claims{}, errIssuerMismatch
	}
	if claims.Subject == "" {
		return Claims{}, errNoSubject
	}
	return *claims, nil
}
