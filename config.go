package warden

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/aadithya-v/warden/store"
)

// Config contains configuration options for Warden.
type Config struct {
	// EncryptionKey is the 32-byte AES key used to seal TOTP secrets, hex encoded.
	// Required. A missing or malformed key fails New with ErrConfiguration.
	EncryptionKey string `validate:"required,hexadecimal,len=64"`

	// TokenSecret signs access and refresh tokens. Required.
	TokenSecret string `validate:"required,min=16"`

	// Issuer is the TOTP issuer shown in authenticator apps and the token issuer.
	// Default: "Warden".
	Issuer string

	// SessionTTL is the absolute lifetime of a session created without remember-me.
	// Default: 30 minutes.
	SessionTTL time.Duration

	// RememberMeTTL is the absolute lifetime of a remember-me session.
	// Default: 30 days.
	RememberMeTTL time.Duration

	// InactivityTimeout ends a session that saw no activity for this long,
	// regardless of its absolute expiry.
	// Default: 30 minutes.
	InactivityTimeout time.Duration

	// SweepIdleAfter is the idle age past which SweepExpired deletes a session.
	// Default: 30 days.
	SweepIdleAfter time.Duration

	// AccessTokenTTL and RefreshTokenTTL bound the token pair issued at login.
	// Defaults: 15 minutes and 7 days.
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// OperationTimeout bounds every call to a store, cache, counter or notifier.
	// Default: 3 seconds.
	OperationTimeout time.Duration

	// EmailOTPTTL is how long an emailed or texted login code stays usable.
	// Default: 10 minutes.
	EmailOTPTTL time.Duration

	// BackupCodeCount is the number of backup codes issued per batch.
	// Default: 10.
	BackupCodeCount int `validate:"gte=0,lte=50"`

	// HashCost is the bcrypt cost for backup codes and login OTPs.
	// Default: 10.
	HashCost int `validate:"gte=0,lte=31"`

	// NewLocationThresholdKM is the distance threshold in kilometers
	// for triggering a "new location" alert.
	// Default: 100 km.
	NewLocationThresholdKM float64

	// GeoIPDatabasePath is the path to MaxMind GeoLite2-City.mmdb file.
	// Optional. Without it, location contains only the IP address.
	GeoIPDatabasePath string

	// DatabasePath is the path for the default SQLite database.
	// Only used if one of the durable stores is nil.
	// Default: "warden.db".
	DatabasePath string

	// RecordWhitelistedViolations makes whitelisted IPs go through counting so
	// that excess traffic is recorded with blocked=false. The request is still allowed.
	RecordWhitelistedViolations bool

	// TrustedProxies lists the peers whose X-Forwarded-For, X-Real-IP and
	// CF-Connecting-IP headers are believed. Requests from any other peer are
	// keyed on RemoteAddr. Empty means no forwarding header is trusted.
	TrustedProxies []netip.Prefix

	// Policies overrides or extends the named rate limit policies.
	Policies map[string]Policy

	// SessionStore is the durable session repository.
	// Default: SQLite store at DatabasePath.
	SessionStore store.SessionRepository

	// SessionCache, when set, fronts SessionStore as a lookup accelerator.
	SessionCache store.SessionCache

	// Users, Violations and Whitelist default to the same SQLite store as SessionStore.
	Users      store.UserStore
	Violations store.ViolationStore
	Whitelist  store.WhitelistStore

	// Counter counts requests per rate limit window.
	// Default: in-memory counter, which is per process.
	Counter store.Counter

	// Challenges holds pending email/SMS login codes.
	// Default: in-memory store.
	Challenges store.ChallengeStore

	// Notifier delivers security alerts. Default: LogNotifier.
	Notifier Notifier

	// OTPSender delivers email and SMS login codes.
	// Without it SendLoginOTP fails with ErrUnsupportedMethod.
	OTPSender OTPSender

	// Logger is used for degraded paths and violations.
	// Default: the global zerolog logger with component=warden.
	Logger *zerolog.Logger

	// Now overrides the clock. Default: time.Now.
	Now func() time.Time
}

// DefaultConfig returns a Config with sensible defaults.
// EncryptionKey and TokenSecret must still be set.
func DefaultConfig() Config {
	return Config{
		Issuer:                 "Warden",
		SessionTTL:             30 * time.Minute,
		RememberMeTTL:          30 * 24 * time.Hour,
		InactivityTimeout:      30 * time.Minute,
		SweepIdleAfter:         30 * 24 * time.Hour,
		AccessTokenTTL:         15 * time.Minute,
		RefreshTokenTTL:        7 * 24 * time.Hour,
		OperationTimeout:       3 * time.Second,
		EmailOTPTTL:            10 * time.Minute,
		BackupCodeCount:        10,
		HashCost:               10,
		NewLocationThresholdKM: 100,
		DatabasePath:           "warden.db",
	}
}

// applyDefaults fills in default values for zero-value fields.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.Issuer == "" {
		c.Issuer = defaults.Issuer
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = defaults.SessionTTL
	}
	if c.RememberMeTTL <= 0 {
		c.RememberMeTTL = defaults.RememberMeTTL
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = defaults.InactivityTimeout
	}
	if c.SweepIdleAfter <= 0 {
		c.SweepIdleAfter = defaults.SweepIdleAfter
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = defaults.AccessTokenTTL
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = defaults.RefreshTokenTTL
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaults.OperationTimeout
	}
	if c.EmailOTPTTL <= 0 {
		c.EmailOTPTTL = defaults.EmailOTPTTL
	}
	if c.BackupCodeCount <= 0 {
		c.BackupCodeCount = defaults.BackupCodeCount
	}
	if c.HashCost <= 0 {
		c.HashCost = defaults.HashCost
	}
	if c.NewLocationThresholdKM <= 0 {
		c.NewLocationThresholdKM = defaults.NewLocationThresholdKM
	}
	if c.DatabasePath == "" {
		c.DatabasePath = defaults.DatabasePath
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

var validate = validator.New()

// Validate checks the fields New cannot default.
func (c *Config) Validate() error {
	err := validate.StructPartial(c, "EncryptionKey", "TokenSecret", "BackupCodeCount", "HashCost")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return nil
}

// LoadConfigFromEnv builds a Config from WARDEN_* environment variables on top
// of DefaultConfig. Stores and collaborators are left nil.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	cfg.EncryptionKey = os.Getenv("WARDEN_ENCRYPTION_KEY")
	cfg.TokenSecret = os.Getenv("WARDEN_TOKEN_SECRET")
	cfg.Issuer = getEnv("WARDEN_ISSUER", cfg.Issuer)
	cfg.GeoIPDatabasePath = getEnv("WARDEN_GEOIP_DB", "")
	cfg.DatabasePath = getEnv("WARDEN_DATABASE_PATH", cfg.DatabasePath)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"WARDEN_SESSION_TTL", &cfg.SessionTTL},
		{"WARDEN_REMEMBER_ME_TTL", &cfg.RememberMeTTL},
		{"WARDEN_INACTIVITY_TIMEOUT", &cfg.InactivityTimeout},
		{"WARDEN_SWEEP_IDLE_AFTER", &cfg.SweepIdleAfter},
		{"WARDEN_OPERATION_TIMEOUT", &cfg.OperationTimeout},
	}
	for _, d := range durations {
		v, err := getEnvDuration(d.key, *d.dst)
		if err != nil {
			return cfg, err
		}
		*d.dst = v
	}

	if raw := os.Getenv("WARDEN_RECORD_WHITELISTED"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return cfg, fmt.Errorf("%w: WARDEN_RECORD_WHITELISTED: %v", ErrConfiguration, err)
		}
		cfg.RecordWhitelistedViolations = v
	}

	proxies, err := ParseTrustedProxies(os.Getenv("WARDEN_TRUSTED_PROXIES"))
	if err != nil {
		return cfg, err
	}
	cfg.TrustedProxies = proxies

	return cfg, cfg.Validate()
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrConfiguration, key, err)
	}
	return d, nil
}

// ParseTrustedProxies parses a comma separated list of CIDR prefixes or bare
// addresses, e.g. "10.0.0.0/8, 127.0.0.1".
func ParseTrustedProxies(raw string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, field := range strings.Split(raw, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if strings.Contains(field, "/") {
			p, err := netip.ParsePrefix(field)
			if err != nil {
				return nil, fmt.Errorf("%w: trusted proxy %q: %v", ErrConfiguration, field, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(field)
		if err != nil {
			return nil, fmt.Errorf("%w: trusted proxy %q: %v", ErrConfiguration, field, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}
