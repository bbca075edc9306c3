package secret

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestGenerateBackupCodes(t *testing.T) {
	plain, hashed, err := GenerateBackupCodes(DefaultBackupCodeCount, bcrypt.MinCost)
	require.NoError(t, err)
	require.Len(t, plain, DefaultBackupCodeCount)
	require.Len(t, hashed, DefaultBackupCodeCount)

	seen := map[string]bool{}
	for i, code := range plain {
		assert.Len(t, code, BackupCodeLength)
		assert.Equal(t, strings.ToUpper(code), code)
		for _, r := range code {
			assert.Contains(t, backupCodeAlphabet, string(r))
		}
		assert.False(t, seen[code], "duplicate code %q", code)
		seen[code] = true

		assert.NotEqual(t, code, hashed[i])
		assert.True(t, Compare(hashed[i], code))
	}
}

func TestVerifyBackupCode(t *testing.T) {
	ctx := context.Background()
	plain, hashed, err := GenerateBackupCodes(4, bcrypt.MinCost)
	require.NoError(t, err)

	ok, idx, err := VerifyBackupCode(ctx, plain[2], hashed)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, idx)

	ok, idx, _ = VerifyBackupCode(ctx, strings.ToLower(plain[3]), hashed)
	assert.True(t, ok, "lower-case input is normalized")
	assert.Equal(t, 3, idx)

	ok, idx, _ = VerifyBackupCode(ctx, plain[1][:4]+"-"+plain[1][4:], hashed)
	assert.True(t, ok)
	assert.Equal(t, 1, idx)

	ok, idx, _ = VerifyBackupCode(ctx, "ZZZZZZZZ", hashed)
	assert.False(t, ok)
	assert.Equal(t, -1, idx)

	ok, _, _ = VerifyBackupCode(ctx, "", hashed)
	assert.False(t, ok)

	ok, _, _ = VerifyBackupCode(ctx, plain[0], nil)
	assert.False(t, ok)
}

func TestVerifyBackupCodeStopsOnCancel(t *testing.T) {
	plain, hashed, err := GenerateBackupCodes(3, bcrypt.MinCost)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, idx, err := VerifyBackupCode(ctx, plain[0], hashed)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, ok)
	assert.Equal(t, -1, idx)
}

func TestGenerateBackupCodesRejectsZero(t *testing.T) {
	_, _, err := GenerateBackupCodes(0, bcrypt.MinCost)
	assert.ErrorIs(t, err, ErrCrypto)
}

func TestTokenHash(t *testing.T) {
	a := TokenHash("token-a")
	assert.Len(t, a, 64)
	assert.Equal(t, a, TokenHash("token-a"))
	assert.NotEqual(t, a, TokenHash("token-b"))
}

func TestNumericOTP(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := NumericOTP(6)
		require.NoError(t, err)
		assert.Len(t, code, 6)
		for _, r := range code {
			assert.True(t, r >= '0' && r <= '9')
		}
	}
}
