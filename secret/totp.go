package secret

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	// TOTPPeriod is the time step in seconds.
	TOTPPeriod = 30

	// TOTPSkew is the number of steps accepted on either side of the current one.
	TOTPSkew = 2

	// 20 bytes gives the 160 bits RFC 4226 recommends.
	totpSecretSize = 20

	qrImageSize = 256
)

var totpValidateOpts = totp.ValidateOpts{
	Period:    TOTPPeriod,
	Skew:      TOTPSkew,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// TOTPKey is a freshly generated shared secret and its otpauth:// enrollment URI.
type TOTPKey struct {
	Secret string
	URI    string
}

// GenerateTOTP creates a random base32 secret for account and an enrollment
// URI embedding issuer, account label and secret.
func GenerateTOTP(issuer, account string) (*TOTPKey, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      TOTPPeriod,
		SecretSize:  totpSecretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: totp generate: %v", ErrCrypto, err)
	}
	return &TOTPKey{Secret: key.Secret(), URI: key.URL()}, nil
}

// VerifyTOTP reports whether code matches secret at now, within ±TOTPSkew steps.
func VerifyTOTP(code, secret string, now time.Time) bool {
	code = strings.TrimSpace(code)
	if code == "" || secret == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, now.UTC(), totpValidateOpts)
	return err == nil && ok
}

// TOTPCode returns the code for secret at t.
func TOTPCode(secret string, t time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, t.UTC(), totpValidateOpts)
	if err != nil {
		return "", fmt.Errorf("%w: totp code: %v", ErrCrypto, err)
	}
	return code, nil
}

// QRCodePNG renders an enrollment URI as a PNG QR code.
func QRCodePNG(uri string, size int) ([]byte, error) {
	if size <= 0 {
		size = qrImageSize
	}
	if !strings.HasPrefix(uri, "otpauth://") {
		return nil, fmt.Errorf("%w: not an otpauth uri", ErrCrypto)
	}
	key, err := otp.NewKeyFromURL(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: parse enrollment uri: %v", ErrCrypto, err)
	}
	img, err := key.Image(size, size)
	if err != nil {
		return nil, fmt.Errorf("%w: render qr: %v", ErrCrypto, err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("%w: encode qr: %v", ErrCrypto, err)
	}
	return buf.Bytes(), nil
}

// QRCodeDataURL renders an enrollment URI as a data:image/png;base64 URL.
func QRCodeDataURL(uri string) (string, error) {
	raw, err := QRCodePNG(uri, qrImageSize)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(raw), nil
}
