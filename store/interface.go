package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when a unique key is already taken.
	ErrDuplicate = errors.New("store: duplicate key")

	// ErrCacheMiss is returned by a SessionCache when the key is absent or expired.
	ErrCacheMiss = errors.New("store: cache miss")

	// ErrConflict is returned by a conditional write whose precondition no
	// longer holds.
	ErrConflict = errors.New("store: record changed concurrently")
)

// Session is the persisted form of a user session.
// Only hashes of the access and refresh tokens are stored.
type Session struct {
	ID               string
	UserID           string
	TokenHash        string
	RefreshTokenHash string
	DeviceIP         string
	DeviceUA         string
	Browser          string
	OS               string
	DeviceType       string
	Fingerprint      string
	LocCountry       string
	LocCity          string
	LocRegion        string
	LocTimezone      string
	LocLat           float64
	LocLng           float64
	IsTrusted        bool
	IsActive         bool
	RememberMe       bool
	CreatedAt        time.Time
	LastActivity     time.Time
	ExpiresAt        time.Time
}

// CachedSession is the small record kept in a SessionCache, keyed by token hash.
type CachedSession struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TwoFactorState is the 2FA state embedded in a user record.
// The secret and backup code hashes never leave the process.
type TwoFactorState struct {
	Enabled          bool     `json:"enabled"`
	Method           string   `json:"method,omitempty"`
	SecretCiphertext string   `json:"-"`
	BackupCodes      []string `json:"-"`
}

// User is the slice of the account record this module reads and writes.
type User struct {
	ID           string
	Email        string
	Name         string
	Phone        string
	PasswordHash string
	TwoFactor    TwoFactorState
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Violation is a persisted rate-limit violation.
type Violation struct {
	ID           string     `json:"id"`
	IP           string     `json:"ip"`
	Endpoint     string     `json:"endpoint"`
	Method       string     `json:"method"`
	UserID       string     `json:"userId,omitempty"`
	UserAgent    string     `json:"userAgent,omitempty"`
	Policy       string     `json:"policy"`
	RequestCount int64      `json:"requestCount"`
	Limit        int64      `json:"limit"`
	WindowMs     int64      `json:"windowMs"`
	Severity     string     `json:"severity"`
	Blocked      bool       `json:"blocked"`
	Whitelisted  bool       `json:"whitelisted"`
	Resolved     bool       `json:"resolved"`
	ResolvedBy   string     `json:"resolvedBy,omitempty"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
	Notes        string     `json:"notes,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// ViolationFilter narrows ListViolations and SummarizeViolations.
// Zero fields do not filter. Limit and Offset are ignored by SummarizeViolations.
type ViolationFilter struct {
	IP       string
	Endpoint string
	Severity string
	Resolved *bool
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}

// ViolationSummary counts violations per severity and resolution state.
type ViolationSummary struct {
	Total      int64 `json:"total"`
	Low        int64 `json:"low"`
	Medium     int64 `json:"medium"`
	High       int64 `json:"high"`
	Critical   int64 `json:"critical"`
	Resolved   int64 `json:"resolved"`
	Unresolved int64 `json:"unresolved"`
}

func (s *ViolationSummary) add(severity string, resolved bool, n int64) {
	s.Total += n
	switch severity {
	case "low":
		s.Low += n
	case "medium":
		s.Medium += n
	case "high":
		s.High += n
	case "critical":
		s.Critical += n
	}
	if resolved {
		s.Resolved += n
	} else {
		s.Unresolved += n
	}
}

// IPCount is one row of the top offending IPs report.
type IPCount struct {
	IP    string `json:"ip"`
	Count int64  `json:"count"`
}

// EndpointCount is one row of the most targeted endpoints report.
type EndpointCount struct {
	Endpoint string `json:"endpoint"`
	Method   string `json:"method"`
	Count    int64  `json:"count"`
}

// WhitelistEntry exempts an IP from rate limiting.
// A nil ExpiresAt never expires.
type WhitelistEntry struct {
	ID          string     `json:"id"`
	IP          string     `json:"ip"`
	Description string     `json:"description,omitempty"`
	AddedBy     string     `json:"addedBy"`
	IsActive    bool       `json:"isActive"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Live reports whether the entry is active and not expired at now.
func (e *WhitelistEntry) Live(now time.Time) bool {
	if !e.IsActive {
		return false
	}
	return e.ExpiresAt == nil || now.Before(*e.ExpiresAt)
}

// SessionRepository is the durable, authoritative session store.
// Implementations must be safe for concurrent use.
type SessionRepository interface {
	// CreateSession persists a new session.
	CreateSession(ctx context.Context, s *Session) error

	// SessionByTokenHash returns the active session with the given token hash
	// whose ExpiresAt is not before now.
	SessionByTokenHash(ctx context.Context, tokenHash string, now time.Time) (*Session, error)

	// SessionByID returns a session in any state.
	SessionByID(ctx context.Context, id string) (*Session, error)

	// TouchSession sets LastActivity. Concurrent touches are last-writer-wins.
	TouchSession(ctx context.Context, id string, at time.Time) error

	// ExtendSession moves ExpiresAt and LastActivity of an active session.
	ExtendSession(ctx context.Context, id string, expiresAt, at time.Time) error

	// DeactivateSession marks a session inactive and returns its token hash.
	// Deactivating an inactive session is not an error.
	DeactivateSession(ctx context.Context, id string) (string, error)

	// DeactivateUserSessions marks every active session of userID except
	// exceptID inactive and returns the token hashes of the sessions it flipped.
	DeactivateUserSessions(ctx context.Context, userID, exceptID string) ([]string, error)

	// ActiveSessions returns the active, unexpired sessions of a user,
	// most recent activity first.
	ActiveSessions(ctx context.Context, userID string, now time.Time) ([]*Session, error)

	// DeleteExpiredSessions hard deletes sessions that expired before now or
	// whose last activity is before idleBefore.
	DeleteExpiredSessions(ctx context.Context, now, idleBefore time.Time) (int64, error)

	// Close releases any resources held by the store.
	Close() error
}

// SessionCache is a fast lookup of token hash to session id.
// It is never authoritative. Implementations must be safe for concurrent use.
type SessionCache interface {
	Set(ctx context.Context, tokenHash string, entry CachedSession, ttl time.Duration) error
	Get(ctx context.Context, tokenHash string) (*CachedSession, error)
	Delete(ctx context.Context, tokenHashes ...string) error
	Close() error
}

// UserStore holds the account fields this module needs.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	UserByID(ctx context.Context, id string) (*User, error)

	// UpdateTwoFactor replaces the whole TwoFactorState with next in a single
	// write, provided the stored state still equals expected. Otherwise it
	// returns ErrConflict and changes nothing.
	UpdateTwoFactor(ctx context.Context, userID string, expected, next TwoFactorState, at time.Time) error

	// ConsumeBackupCode removes hash from the user's backup code list if it is
	// still present. ok is false when another request consumed it first.
	ConsumeBackupCode(ctx context.Context, userID, hash string) (remaining int, ok bool, err error)
}

// ViolationStore persists rate-limit violations.
type ViolationStore interface {
	InsertViolation(ctx context.Context, v *Violation) error
	ViolationByID(ctx context.Context, id string) (*Violation, error)

	// ListViolations returns a page of violations, newest first, and the
	// total number matching the filter.
	ListViolations(ctx context.Context, f ViolationFilter) ([]*Violation, int64, error)
	SummarizeViolations(ctx context.Context, f ViolationFilter) (*ViolationSummary, error)
	ResolveViolation(ctx context.Context, id, resolvedBy, notes string, at time.Time) error
	TopViolatingIPs(ctx context.Context, since time.Time, limit int) ([]IPCount, error)
	TopViolatedEndpoints(ctx context.Context, since time.Time, limit int) ([]EndpointCount, error)
}

// WhitelistStore persists the IP whitelist.
type WhitelistStore interface {
	AddWhitelistEntry(ctx context.Context, e *WhitelistEntry) error
	UpdateWhitelistEntry(ctx context.Context, e *WhitelistEntry) error
	RemoveWhitelistEntry(ctx context.Context, id string) error
	WhitelistEntries(ctx context.Context) ([]*WhitelistEntry, error)

	// LiveWhitelistEntry returns the active, unexpired entry for ip or ErrNotFound.
	LiveWhitelistEntry(ctx context.Context, ip string, now time.Time) (*WhitelistEntry, error)
}

// Counter is an atomic fixed-window counter.
type Counter interface {
	// Increment adds one to key and returns the new count and the time left in
	// the window. The window starts on the first increment and is not extended
	// by later ones.
	Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// ChallengeStore keeps short-lived single-use values such as emailed OTP hashes.
type ChallengeStore interface {
	PutChallenge(ctx context.Context, key, value string, ttl time.Duration) error

	// TakeChallenge returns and deletes the value, or ErrNotFound.
	TakeChallenge(ctx context.Context, key string) (string, error)
}
