package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParse(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	issuer, err := NewIssuer("test-secret", "warden", func() time.Time { return now })
	require.NoError(t, err)

	pair, err := issuer.IssuePair("user-1", 30*time.Minute, 30*24*time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, pair.AccessToken, pair.RefreshToken)
	assert.Equal(t, now.Add(30*time.Minute), pair.AccessExpiresAt)

	claims, err := issuer.Parse(pair.AccessToken, KindAccess)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.NotEmpty(t, claims.ID)

	_, err = issuer.Parse(pair.AccessToken, KindRefresh)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = issuer.Parse(pair.RefreshToken, KindRefresh)
	assert.NoError(t, err)

	again, err := issuer.IssuePair("user-1", 30*time.Minute, time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, pair.AccessToken, again.AccessToken)
}

func TestParseRejects(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	issuer, err := NewIssuer("test-secret", "warden", clock)
	require.NoError(t, err)

	pair, err := issuer.IssuePair("user-1", time.Minute, time.Hour)
	require.NoError(t, err)

	other, err := NewIssuer("other-secret", "warden", clock)
	require.NoError(t, err)
	_, err = other.Parse(pair.AccessToken, KindAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = issuer.Parse("not-a-jwt", KindAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)

	now = now.Add(2 * time.Minute)
	_, err = issuer.Parse(pair.AccessToken, KindAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewIssuerRequiresSecret(t *testing.T) {
	_, err := NewIssuer("", "warden", nil)
	assert.ErrorIs(t, err, ErrConfiguration)
}
