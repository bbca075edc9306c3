package secret

import "errors"

var (
	// ErrConfiguration is returned when the encryption key is missing or is not 32 bytes.
	// It is a startup failure, never a per-request one.
	ErrConfiguration = errors.New("secret: invalid encryption configuration")

	// ErrIntegrity is returned when an envelope fails authentication.
	// The ciphertext was tampered with or was sealed under a different key.
	ErrIntegrity = errors.New("secret: envelope failed integrity check")

	// ErrMalformedEnvelope is returned when an envelope cannot be split or decoded.
	ErrMalformedEnvelope = errors.New("secret: malformed envelope")

	// ErrCrypto is returned when an underlying primitive fails.
	ErrCrypto = errors.New("secret: cryptographic operation failed")
)
