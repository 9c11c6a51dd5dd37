package escalation

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

const (
	tokenIssuer   = "casegate/review"
	tokenAudience = "casegate.reviewers"
	minSecretLen  = 16
)

var (
	ErrWeakSecret   = errors.New("reviewer secret too short")
	ErrInvalidToken = errors.New("invalid reviewer token")
)

// ReviewerClaims identify the human resolving a review.
type ReviewerClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// Reviewer returns the subject.
func (c *ReviewerClaims) Reviewer() string { return c.Subject }

// ReviewerAuth issues and verifies HS256 reviewer tokens. The signing key
// is derived from the configured secret with HKDF-SHA256.
type ReviewerAuth struct {
	key   []byte
	clock func() time.Time
}

// NewReviewerAuth derives the signing key from secret.
func NewReviewerAuth(secret []byte) (*ReviewerAuth, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrWeakSecret, minSecretLen, len(secret))
	}
	r := hkdf.New(sha256.New, secret, []byte("casegate-reviewer-kdf"), []byte("hs256"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	return &ReviewerAuth{key: key, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (a *ReviewerAuth) WithClock(clock func() time.Time) *ReviewerAuth {
	a.clock = clock
	return a
}

// Issue signs a token for reviewer valid for ttl.
func (a *ReviewerAuth) Issue(reviewer string, ttl time.Duration, roles ...string) (string, error) {
	if reviewer == "" {
		return "", fmt.Errorf("%w: empty reviewer", ErrInvalidToken)
	}
	now := a.clock().UTC()
	claims := ReviewerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   reviewer,
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
}

// Verify parses and validates a reviewer token.
func (a *ReviewerAuth) Verify(token string) (*ReviewerClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &ReviewerClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(tokenAudience),
		jwt.WithTimeFunc(a.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*ReviewerClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
