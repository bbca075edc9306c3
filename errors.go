package warden

import (
	"errors"
	"fmt"
	"time"

	"github.com/aadithya-v/warden/secret"
)

var (
	// ErrConfiguration is returned by New when the encryption key or another
	// required setting is missing or malformed.
	ErrConfiguration = secret.ErrConfiguration

	// ErrIntegrity is returned when a stored secret fails authentication on decrypt.
	ErrIntegrity = secret.ErrIntegrity

	// ErrSessionNotFound is returned when a session does not exist or is no longer usable.
	ErrSessionNotFound = errors.New("warden: session not found")

	// ErrSessionExpired is returned when a session is unknown or past its expiry.
	ErrSessionExpired = errors.New("warden: session expired")

	// ErrSessionRevoked is returned when a session was explicitly revoked.
	ErrSessionRevoked = errors.New("warden: session revoked")

	// ErrSessionTimeout is returned when a session was idle for too long.
	// The session is deactivated and cannot be revived.
	ErrSessionTimeout = errors.New("warden: session timed out")

	// ErrInvalidTwoFactorCode is returned when neither the one-time code nor a
	// backup code matched at login.
	ErrInvalidTwoFactorCode = errors.New("warden: invalid two-factor code")

	// ErrInvalidCode is returned when the code submitted to confirm 2FA setup is wrong.
	ErrInvalidCode = errors.New("warden: invalid verification code")

	ErrTwoFactorAlreadyEnabled = errors.New("warden: two-factor authentication already enabled")
	ErrTwoFactorNotEnabled     = errors.New("warden: two-factor authentication not enabled")
	ErrTwoFactorNotInitiated   = errors.New("warden: two-factor setup not initiated")

	// ErrConcurrentUpdate is returned when a user's 2FA state kept changing
	// underneath a write. The caller may retry.
	ErrConcurrentUpdate = errors.New("warden: two-factor state changed concurrently")

	// ErrPasswordMismatch is returned when re-authentication fails.
	ErrPasswordMismatch = errors.New("warden: incorrect password")

	// ErrInsufficientPermission is returned when the account cannot re-authenticate.
	ErrInsufficientPermission = errors.New("warden: insufficient permission")

	// ErrUnsupportedMethod is returned for a 2FA delivery method that cannot serve the request.
	ErrUnsupportedMethod = errors.New("warden: unsupported two-factor method")

	// ErrTransient wraps backend failures that the caller may retry.
	ErrTransient = errors.New("warden: backend temporarily unavailable")

	// ErrRateLimited is matched by *RateLimitError.
	ErrRateLimited = errors.New("warden: rate limit exceeded")

	// ErrUnknownPolicy is returned by CheckRateLimit for a policy name with no definition.
	ErrUnknownPolicy = errors.New("warden: unknown rate limit policy")

	ErrWhitelistEntryExists = errors.New("warden: ip already whitelisted")
	ErrNotFound             = errors.New("warden: not found")
	ErrInvalidRequest       = errors.New("warden: invalid request")

	// ErrGeoIPDatabaseNotConfigured is returned when GeoIP lookup is attempted
	// without configuring the GeoIP database path.
	ErrGeoIPDatabaseNotConfigured = errors.New("warden: GeoIP database path not configured")

	// ErrGeoIPLookupFailed is returned when IP geolocation lookup fails.
	ErrGeoIPLookupFailed = errors.New("warden: GeoIP lookup failed")

	// ErrInvalidIP is returned when an invalid IP address is provided.
	ErrInvalidIP = errors.New("warden: invalid IP address")
)

// RateLimitError is the error form of a rejected RateLimitDecision.
type RateLimitError struct {
	Policy     string
	Message    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("warden: rate limit exceeded for %s, retry after %s", e.Policy, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

func transient(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrTransient, op, err)
}
