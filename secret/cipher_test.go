package secret

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey(t)

	inputs := []string{
		"",
		"JBSWY3DPEHPK3PXP",
		strings.Repeat("x", 4096),
		"unicode: ключ 鍵 🔑",
	}
	for _, in := range inputs {
		env, err := Encrypt(in, key)
		require.NoError(t, err)
		assert.Len(t, strings.Split(env, ":"), 3)

		out, err := Decrypt(env, key)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	c, err := NewCipher(testKey(t))
	require.NoError(t, err)

	a, err := c.Encrypt("same")
	require.NoError(t, err)
	b, err := c.Encrypt("same")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, strings.Split(a, ":")[0], strings.Split(b, ":")[0])
}

func TestDecryptDetectsBitFlips(t *testing.T) {
	key := testKey(t)
	env, err := Encrypt("JBSWY3DPEHPK3PXPJBSWY3DP", key)
	require.NoError(t, err)

	parts := strings.Split(env, ":")
	for part := 0; part < 3; part++ {
		raw, err := hex.DecodeString(parts[part])
		require.NoError(t, err)

		for bit := 0; bit < len(raw)*8; bit++ {
			flipped := append([]byte(nil), raw...)
			flipped[bit/8] ^= 1 << (bit % 8)

			tampered := append([]string(nil), parts...)
			tampered[part] = hex.EncodeToString(flipped)

			_, err := Decrypt(strings.Join(tampered, ":"), key)
			require.ErrorIs(t, err, ErrIntegrity, "part %d bit %d", part, bit)
		}
	}
}

func TestDecryptWrongKey(t *testing.T) {
	env, err := Encrypt("secret", testKey(t))
	require.NoError(t, err)

	out, err := Decrypt(env, testKey(t))
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.Empty(t, out)
}

func TestDecryptMalformed(t *testing.T) {
	key := testKey(t)
	env, err := Encrypt("secret", key)
	require.NoError(t, err)
	parts := strings.Split(env, ":")

	cases := map[string]string{
		"two parts":      parts[0] + ":" + parts[1],
		"four parts":     env + ":00",
		"non hex nonce":  "zz" + parts[0][2:] + ":" + parts[1] + ":" + parts[2],
		"short tag":      parts[0] + ":" + parts[1][:8] + ":" + parts[2],
		"non hex cipher": parts[0] + ":" + parts[1] + ":" + "xyz",
		"empty":          "",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decrypt(in, key)
			assert.ErrorIs(t, err, ErrMalformedEnvelope)
			assert.NotErrorIs(t, err, ErrIntegrity)
		})
	}
}

func TestNewCipherRejectsBadKeys(t *testing.T) {
	_, err := NewCipher(nil)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewCipher(make([]byte, 16))
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = Encrypt("x", make([]byte, 31))
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestParseHexKey(t *testing.T) {
	good := strings.Repeat("ab", KeySize)
	key, err := ParseHexKey(good)
	require.NoError(t, err)
	assert.Len(t, key, KeySize)

	for _, bad := range []string{"", "abcd", strings.Repeat("zz", KeySize), strings.Repeat("ab", KeySize+1)} {
		_, err := ParseHexKey(bad)
		assert.ErrorIs(t, err, ErrConfiguration, "input %q", bad)
	}
}
