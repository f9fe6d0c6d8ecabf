package policy

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ClearanceIssuer mints and verifies the signed clearance tokens a client
// earns by passing a challenge. The token binds to the primary identity hash
// so it cannot be replayed from another address.
type ClearanceIssuer struct {
	key []byte
}

// NewClearanceIssuer builds an issuer over the configured signing key.
func NewClearanceIssuer(key string) *ClearanceIssuer {
	return &ClearanceIssuer{key: []byte(key)}
}

// Issue mints a clearance token for the identity with the given lifetime.
func (ci *ClearanceIssuer) Issue(identity string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   identity,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ci.key)
	if err != nil {
		return "", fmt.Errorf("sign clearance token: %w", err)
	}
	return signed, nil
}

// Verify checks the token signature and expiry and confirms it was issued
// for the given identity.
func (ci *ClearanceIssuer) Verify(tokenString, identity string, now time.Time) bool {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return ci.key, nil
	}, jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil || !token.Valid {
		return false
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	return ok && claims.Subject == identity
}
