package escalation

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "0123456789abcdef-reviewer-secret"

func TestReviewerAuth_RoundTrip(t *testing.T) {
	a, err := NewReviewerAuth([]byte(secret))
	require.NoError(t, err)

	tok, err := a.Issue("ana", time.Hour, "qa")
	require.NoError(t, err)
	claims, err := a.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "ana", claims.Reviewer())
	assert.Equal(t, []string{"qa"}, claims.Roles)
}

func TestReviewerAuth_Rejects(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	a, err := NewReviewerAuth([]byte(secret))
	require.NoError(t, err)
	a.WithClock(func() time.Time { return now })

	tok, err := a.Issue("ana", time.Minute)
	require.NoError(t, err)

	other, err := NewReviewerAuth([]byte(secret + "-rotated"))
	require.NoError(t, err)
	_, err = other.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken, "different secret")

	parts := strings.Split(tok, ".")
	require.Len(t, parts, 3)
	_, err = a.Verify(parts[0] + "." + parts[1] + ".AAAA")
	assert.ErrorIs(t, err, ErrInvalidToken, "bad signature")

	now = now.Add(2 * time.Minute)
	_, err = a.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken, "expired")

	_, err = a.Issue("", time.Minute)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestReviewerAuth_WeakSecret(t *testing.T) {
	_, err := NewReviewerAuth([]byte("short"))
	assert.ErrorIs(t, err, ErrWeakSecret)
}

func TestReviewerAuth_KeyIsDerived(t *testing.T) {
	a, err := NewReviewerAuth([]byte(secret))
	require.NoError(t, err)
	assert.NotEqual(t, []byte(secret), a.key)
	assert.Len(t, a.key, 32)

	b, err := NewReviewerAuth([]byte(secret))
	require.NoError(t, err)
	assert.Equal(t, a.key, b.key, "derivation is deterministic")
}
