package runner

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims is the scoped, short-lived token minted for one spawned
// process. Adapted from internal/plugins/auth/jwt.go's Claims shape,
// reduced to the single "run" scope a script/test process needs rather
// than a user identity.
type TokenClaims struct {
	jwt.RegisteredClaims
	RunID string `json:"run_id"`
	Kind  Kind   `json:"kind"`
}

// TokenIssuer mints HS256 tokens for spawned processes.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer builds an issuer. ttl defaults to 5 minutes, long enough
// for most scripts/tests to complete without granting a standing
// credential.
func NewTokenIssuer(secret []byte, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &TokenIssuer{secret: secret, ttl: ttl}
}

// Issue mints a token scoped to a single run.
func (i *TokenIssuer) Issue(runID string, kind Kind) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(i.ttl)
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "httpflow-runner",
			Subject:   runID,
		},
		RunID: runID,
		Kind:  kind,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	return signed, expiresAt, err
}

// Verify parses and validates a token minted by Issue.
func (i *TokenIssuer) Verify(tokenString string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}
