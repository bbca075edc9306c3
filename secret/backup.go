package secret

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// BackupCodeLength is the number of characters in a backup code.
	BackupCodeLength = 8

	// DefaultBackupCodeCount is how many codes a user receives at a time.
	DefaultBackupCodeCount = 10

	// DefaultHashCost is the bcrypt cost used for backup codes and OTPs.
	DefaultHashCost = 10

	backupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// GenerateBackupCodes returns n distinct plaintext codes and their bcrypt hashes,
// index aligned. The plaintext is meant to be shown once and then dropped.
func GenerateBackupCodes(n, cost int) (plain []string, hashed []string, err error) {
	if n <= 0 {
		return nil, nil, fmt.Errorf("%w: backup code count must be positive", ErrCrypto)
	}

	seen := make(map[string]struct{}, n)
	plain = make([]string, 0, n)
	hashed = make([]string, 0, n)

	for len(plain) < n {
		code, err := newBackupCode()
		if err != nil {
			return nil, nil, err
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}

		h, err := Hash(code, cost)
		if err != nil {
			return nil, nil, err
		}
		plain = append(plain, code)
		hashed = append(hashed, h)
	}

	return plain, hashed, nil
}

// VerifyBackupCode compares code against every hash and returns the index of
// the first match. The whole list is scanned unless ctx ends first, in which
// case ctx.Err() is returned.
func VerifyBackupCode(ctx context.Context, code string, hashed []string) (bool, int, error) {
	candidate := []byte(CanonicalBackupCode(code))

	matched := -1
	for i, h := range hashed {
		if err := ctx.Err(); err != nil {
			return false, -1, err
		}
		if bcrypt.CompareHashAndPassword([]byte(h), candidate) == nil && matched < 0 {
			matched = i
		}
	}
	return matched >= 0, matched, nil
}

// CanonicalBackupCode upper-cases code and strips spaces and dashes.
func CanonicalBackupCode(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for _, r := range strings.ToUpper(code) {
		if r == ' ' || r == '-' || r == '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func newBackupCode() (string, error) {
	alphabetLen := big.NewInt(int64(len(backupCodeAlphabet)))
	buf := make([]byte, BackupCodeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrCrypto, err)
		}
		buf[i] = backupCodeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// Hash bcrypt-hashes value. A cost below bcrypt.MinCost selects DefaultHashCost.
func Hash(value string, cost int) (string, error) {
	if cost < bcrypt.MinCost {
		cost = DefaultHashCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(value), cost)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return string(h), nil
}

// Compare reports whether value matches a bcrypt hash.
func Compare(hash, value string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(value)) == nil
}

// TokenHash is the storage form of a bearer token: hex(sha256(token)).
func TokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NumericOTP returns a uniformly random code of the given number of digits.
func NumericOTP(digits int) (string, error) {
	if digits <= 0 {
		digits = 6
	}
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}
