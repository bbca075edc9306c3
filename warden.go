package warden

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aadithya-v/warden/secret"
	"github.com/aadithya-v/warden/store"
	"github.com/aadithya-v/warden/token"
)

// Warden is the entry point for session, 2FA and rate limit operations.
// It is safe for concurrent use.
type Warden struct {
	config Config
	log    zerolog.Logger

	sessions   store.SessionRepository
	cache      store.SessionCache
	users      store.UserStore
	violations store.ViolationStore
	whitelist  store.WhitelistStore
	counter    store.Counter
	fallback   store.Counter
	challenges store.ChallengeStore

	cipher   *secret.Cipher
	tokens   *token.Issuer
	notifier Notifier
	geoip    *GeoIPReader
	policies map[string]Policy
	closers  []io.Closer
}

// New creates a new Warden instance with the given configuration.
// Durable stores that are not provided share one SQLite store at DatabasePath.
// The counter and challenge store default to in-memory implementations.
func New(cfg Config) (*Warden, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	key, err := secret.ParseHexKey(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}
	cipher, err := secret.NewCipher(key)
	if err != nil {
		return nil, err
	}
	tokens, err := token.NewIssuer(cfg.TokenSecret, cfg.Issuer, cfg.Now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	w := &Warden{
		config:     cfg,
		cipher:     cipher,
		tokens:     tokens,
		sessions:   cfg.SessionStore,
		cache:      cfg.SessionCache,
		users:      cfg.Users,
		violations: cfg.Violations,
		whitelist:  cfg.Whitelist,
		counter:    cfg.Counter,
		challenges: cfg.Challenges,
		notifier:   cfg.Notifier,
		fallback:   store.NewMemoryCounter(cfg.Now),
		policies:   make(map[string]Policy, len(DefaultPolicies)+len(cfg.Policies)),
	}
	if cfg.Logger != nil {
		w.log = *cfg.Logger
	} else {
		w.log = log.Logger.With().Str("component", "warden").Logger()
	}

	// Initialize durable stores (default: one SQLite database)
	if w.sessions == nil || w.users == nil || w.violations == nil || w.whitelist == nil {
		sqliteStore, err := store.NewSQLite(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("warden: failed to initialize SQLite store: %w", err)
		}
		w.closers = append(w.closers, sqliteStore)
		if w.sessions == nil {
			w.sessions = sqliteStore
		}
		if w.users == nil {
			w.users = sqliteStore
		}
		if w.violations == nil {
			w.violations = sqliteStore
		}
		if w.whitelist == nil {
			w.whitelist = sqliteStore
		}
	}
	if cfg.SessionCache != nil {
		w.sessions = store.NewCachedSessionRepository(w.sessions, cfg.SessionCache, w.log, cfg.Now)
	}
	if w.counter == nil {
		w.counter = w.fallback
	}
	if w.challenges == nil {
		w.challenges = store.NewMemoryChallengeStore(cfg.Now)
	}
	if w.notifier == nil {
		w.notifier = NewLogNotifier(w.log)
	}

	for name, p := range DefaultPolicies {
		w.policies[name] = p
	}
	for name, p := range cfg.Policies {
		p.Name = name
		w.policies[name] = p
	}

	w.closers = append(w.closers, w.sessions)
	for _, c := range []any{w.users, w.violations, w.whitelist, w.counter, w.challenges} {
		if closer, ok := c.(io.Closer); ok {
			w.closers = append(w.closers, closer)
		}
	}

	// Initialize GeoIP reader if path is provided
	if cfg.GeoIPDatabasePath != "" {
		geoip, err := NewGeoIPReader(cfg.GeoIPDatabasePath)
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("warden: failed to initialize GeoIP: %w", err)
		}
		w.geoip = geoip
	}

	return w, nil
}

// Close releases all resources held by Warden.
// Should be called when the application shuts down.
func (w *Warden) Close() error {
	var errs []error
	seen := make(map[io.Closer]bool, len(w.closers))

	for _, c := range w.closers {
		if seen[c] {
			continue
		}
		seen[c] = true
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if w.geoip != nil {
		if err := w.geoip.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("warden: errors during close: %w", errors.Join(errs...))
	}
	return nil
}

// ExtractClientInfo extracts device, fingerprint and location information from an HTTP request.
// If GeoIP is not configured or the lookup fails, location contains only the IP address.
func (w *Warden) ExtractClientInfo(r *http.Request) ClientInfo {
	device := ExtractDeviceInfo(r, w.config.TrustedProxies)
	info := ClientInfo{
		Device:      device,
		Location:    LocationInfo{IP: device.IP},
		Fingerprint: Fingerprint(r),
	}

	if w.geoip != nil {
		loc, err := w.geoip.Lookup(device.IP)
		if err != nil {
			w.log.Debug().Err(err).Str("ip", device.IP).Msg("geoip lookup failed")
			return info
		}
		info.Location = *loc
	}
	return info
}

func (w *Warden) now() time.Time {
	return w.config.Now()
}

// opCtx bounds a single call to an external dependency.
func (w *Warden) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, w.config.OperationTimeout)
}
