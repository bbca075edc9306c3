package warden

import (
	"time"

	"github.com/aadithya-v/warden/store"
	"github.com/aadithya-v/warden/token"
)

// Session represents a user session. The bearer token itself is never kept;
// only its hash is.
type Session struct {
	ID               string       `json:"id"`
	UserID           string       `json:"userId"`
	TokenHash        string       `json:"-"`
	RefreshTokenHash string       `json:"-"`
	Device           DeviceInfo   `json:"device"`
	Fingerprint      string       `json:"fingerprint"`
	Location         LocationInfo `json:"location"`
	IsTrusted        bool         `json:"isTrusted"`
	IsActive         bool         `json:"isActive"`
	RememberMe       bool         `json:"rememberMe"`
	CreatedAt        time.Time    `json:"createdAt"`
	LastActivity     time.Time    `json:"lastActivity"`
	ExpiresAt        time.Time    `json:"expiresAt"`
}

// IsValid reports whether the session is active, before ExpiresAt, and has
// seen activity within inactivity.
func (s *Session) IsValid(now time.Time, inactivity time.Duration) bool {
	return s.IsActive && now.Before(s.ExpiresAt) && now.Sub(s.LastActivity) < inactivity
}

// DeviceInfo contains device information extracted from the HTTP request.
type DeviceInfo struct {
	IP         string `json:"ip"`
	UserAgent  string `json:"userAgent"`
	Browser    string `json:"browser"`
	OS         string `json:"os"`
	DeviceType string `json:"deviceType"` // mobile, desktop, tablet, bot
}

// LocationInfo contains geographic location extracted from IP address.
type LocationInfo struct {
	IP        string  `json:"ip"`
	Country   string  `json:"country"`
	City      string  `json:"city"`
	Region    string  `json:"region"`
	Timezone  string  `json:"timezone"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// ClientInfo is everything known about the client making a request.
type ClientInfo struct {
	Device      DeviceInfo   `json:"device"`
	Location    LocationInfo `json:"location"`
	Fingerprint string       `json:"fingerprint"`
}

// CreateSessionRequest carries what CreateSession needs. Token and
// RefreshToken are hashed before storage.
type CreateSessionRequest struct {
	UserID       string
	Token        string
	RefreshToken string
	RememberMe   bool
	IsTrusted    bool
	Client       ClientInfo
}

// CreateSessionResult is returned from CreateSession with the session and location alerts.
type CreateSessionResult struct {
	Session *Session `json:"session"`

	// IsNewLocation is true if the user is logging in far from their most
	// recently active session.
	IsNewLocation bool `json:"isNewLocation"`

	// PreviousLocation is the location compared against. Only set if IsNewLocation is true.
	PreviousLocation *LocationInfo `json:"previousLocation,omitempty"`
}

// LoginResult is returned when a login completes and a session is issued.
type LoginResult struct {
	Tokens           *token.Pair   `json:"tokens"`
	Session          *Session      `json:"session"`
	IsNewLocation    bool          `json:"isNewLocation"`
	PreviousLocation *LocationInfo `json:"previousLocation,omitempty"`

	// UsedBackupCode is set when the login consumed a backup code.
	UsedBackupCode bool `json:"usedBackupCode"`

	// RemainingBackupCodes is only meaningful when UsedBackupCode is set.
	RemainingBackupCodes int `json:"remainingBackupCodes"`
}

func storeToSession(s *store.Session) *Session {
	return &Session{
		ID:               s.ID,
		UserID:           s.UserID,
		TokenHash:        s.TokenHash,
		RefreshTokenHash: s.RefreshTokenHash,
		Device: DeviceInfo{
			IP:         s.DeviceIP,
			UserAgent:  s.DeviceUA,
			Browser:    s.Browser,
			OS:         s.OS,
			DeviceType: s.DeviceType,
		},
		Fingerprint: s.Fingerprint,
		Location: LocationInfo{
			IP:        s.DeviceIP,
			Country:   s.LocCountry,
			City:      s.LocCity,
			Region:    s.LocRegion,
			Timezone:  s.LocTimezone,
			Latitude:  s.LocLat,
			Longitude: s.LocLng,
		},
		IsTrusted:    s.IsTrusted,
		IsActive:     s.IsActive,
		RememberMe:   s.RememberMe,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
		ExpiresAt:    s.ExpiresAt,
	}
}
