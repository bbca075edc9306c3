package secret

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateTOTP(t *testing.T) {
	key, err := GenerateTOTP("Warden", "alice@example.com")
	require.NoError(t, err)

	// 20 bytes of entropy encode to 32 base32 characters.
	assert.Len(t, key.Secret, 32)
	assert.True(t, strings.HasPrefix(key.URI, "otpauth://totp/"))
	assert.Contains(t, key.URI, "issuer=Warden")
	assert.Contains(t, key.URI, "secret="+key.Secret)
	assert.Contains(t, key.URI, "alice@example.com")

	other, err := GenerateTOTP("Warden", "alice@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, key.Secret, other.Secret)
}

func TestVerifyTOTPWindow(t *testing.T) {
	key, err := GenerateTOTP("Warden", "bob")
	require.NoError(t, err)

	// Pick a time in the middle of a step so offsets are unambiguous.
	issued := time.Unix(1_700_000_015, 0)
	code, err := TOTPCode(key.Secret, issued)
	require.NoError(t, err)

	tests := []struct {
		offset time.Duration
		want   bool
	}{
		{0, true},
		{30 * time.Second, true},
		{-30 * time.Second, true},
		{60 * time.Second, true},
		{-60 * time.Second, true},
		{90 * time.Second, false},
		{-90 * time.Second, false},
		{5 * time.Minute, false},
	}
	for _, tt := range tests {
		got := VerifyTOTP(code, key.Secret, issued.Add(tt.offset))
		assert.Equal(t, tt.want, got, "offset %s", tt.offset)
	}
}

func TestVerifyTOTPRejectsGarbage(t *testing.T) {
	key, err := GenerateTOTP("Warden", "carol")
	require.NoError(t, err)
	now := time.Now()

	assert.False(t, VerifyTOTP("", key.Secret, now))
	assert.False(t, VerifyTOTP("12345", key.Secret, now))
	assert.False(t, VerifyTOTP("abcdef", key.Secret, now))
	assert.False(t, VerifyTOTP("123456", "", now))
}

func TestQRCodeDataURL(t *testing.T) {
	key, err := GenerateTOTP("Warden", "dave")
	require.NoError(t, err)

	url, err := QRCodeDataURL(key.URI)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "data:image/png;base64,"))

	_, err = QRCodeDataURL("not a uri")
	assert.ErrorIs(t, err, ErrCrypto)
}
