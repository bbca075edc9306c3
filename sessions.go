package warden

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/aadithya-v/warden/secret"
	"github.com/aadithya-v/warden/store"
	"github.com/aadithya-v/warden/token"
)

// CreateSession persists a session for req.UserID. The session expires after
// SessionTTL, or RememberMeTTL when req.RememberMe is set.
//
// If the user is logging in from a new location (distance > NewLocationThresholdKM
// from their most recently active session), IsNewLocation is set, PreviousLocation
// holds the last known location and a new-location alert is sent.
func (w *Warden) CreateSession(ctx context.Context, req CreateSessionRequest) (*CreateSessionResult, error) {
	if req.UserID == "" || req.Token == "" {
		return nil, ErrInvalidRequest
	}

	now := w.now()
	ttl := w.config.SessionTTL
	if req.RememberMe {
		ttl = w.config.RememberMeTTL
	}

	result := &CreateSessionResult{}
	if prev := w.latestLocation(ctx, req.UserID, now); prev != nil {
		if IsNewLocation(*prev, req.Client.Location, w.config.NewLocationThresholdKM) {
			result.IsNewLocation = true
			result.PreviousLocation = prev
		}
	}

	device, loc := req.Client.Device, req.Client.Location
	s := &store.Session{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		TokenHash:    secret.TokenHash(req.Token),
		DeviceIP:     device.IP,
		DeviceUA:     device.UserAgent,
		Browser:      device.Browser,
		OS:           device.OS,
		DeviceType:   device.DeviceType,
		Fingerprint:  req.Client.Fingerprint,
		LocCountry:   loc.Country,
		LocCity:      loc.City,
		LocRegion:    loc.Region,
		LocTimezone:  loc.Timezone,
		LocLat:       loc.Latitude,
		LocLng:       loc.Longitude,
		IsTrusted:    req.IsTrusted,
		IsActive:     true,
		RememberMe:   req.RememberMe,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(ttl),
	}
	if req.RefreshToken != "" {
		s.RefreshTokenHash = secret.TokenHash(req.RefreshToken)
	}

	opCtx, cancel := w.opCtx(ctx)
	defer cancel()
	if err := w.sessions.CreateSession(opCtx, s); err != nil {
		return nil, transient("create session", err)
	}
	result.Session = storeToSession(s)

	if result.IsNewLocation {
		w.notify(ctx, AlertNewLocation, req.UserID, map[string]string{
			"city":    loc.City,
			"country": loc.Country,
			"ip":      device.IP,
		})
	}
	return result, nil
}

// latestLocation returns the location of the user's most recently active
// session, or nil if there is none or it cannot be read.
func (w *Warden) latestLocation(ctx context.Context, userID string, now time.Time) *LocationInfo {
	ctx, cancel := w.opCtx(ctx)
	defer cancel()

	active, err := w.sessions.ActiveSessions(ctx, userID, now)
	if err != nil {
		w.log.Warn().Err(err).Str("user_id", userID).Msg("skipping new location check")
		return nil
	}
	if len(active) == 0 {
		return nil
	}
	loc := storeToSession(active[0]).Location
	return &loc
}

// IssueSession issues an access/refresh token pair for userID and creates a
// session bound to the access token.
func (w *Warden) IssueSession(ctx context.Context, userID string, client ClientInfo, rememberMe bool) (*LoginResult, error) {
	pair, err := w.tokens.IssuePair(userID, w.config.AccessTokenTTL, w.config.RefreshTokenTTL)
	if err != nil {
		return nil, err
	}

	created, err := w.CreateSession(ctx, CreateSessionRequest{
		UserID:       userID,
		Token:        pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		RememberMe:   rememberMe,
		Client:       client,
	})
	if err != nil {
		return nil, err
	}

	return &LoginResult{
		Tokens:           pair,
		Session:          created.Session,
		IsNewLocation:    created.IsNewLocation,
		PreviousLocation: created.PreviousLocation,
	}, nil
}

// ParseAccessToken checks the signature, issuer and expiry of an access
// token issued by IssueSession. It does not consult the session store; use
// ValidateSession for that.
func (w *Warden) ParseAccessToken(raw string) (*token.Claims, error) {
	return w.tokens.Parse(raw, token.KindAccess)
}

// GetSession returns the active, unexpired session for token.
func (w *Warden) GetSession(ctx context.Context, token string) (*Session, error) {
	s, err := w.lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	if !s.IsActive || !w.now().Before(s.ExpiresAt) {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// lookup resolves token through the repository without judging the result.
func (w *Warden) lookup(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrSessionNotFound
	}

	ctx, cancel := w.opCtx(ctx)
	defer cancel()

	s, err := w.sessions.SessionByTokenHash(ctx, secret.TokenHash(token), w.now())
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, transient("get session", err)
	}
	return storeToSession(s), nil
}

// RefreshSessionActivity sets the session's last activity to now.
func (w *Warden) RefreshSessionActivity(ctx context.Context, sessionID string) error {
	ctx, cancel := w.opCtx(ctx)
	defer cancel()

	err := w.sessions.TouchSession(ctx, sessionID, w.now())
	if errors.Is(err, store.ErrNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return transient("refresh session activity", err)
	}
	return nil
}

// RevokeSession marks a session inactive. When token is given its cache
// entry is evicted as well. Revoking a revoked session is not an error.
func (w *Warden) RevokeSession(ctx context.Context, sessionID, token string) error {
	ctx, cancel := w.opCtx(ctx)
	defer cancel()

	_, err := w.sessions.DeactivateSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return transient("revoke session", err)
	}

	if token != "" && w.cache != nil {
		if err := w.cache.Delete(ctx, secret.TokenHash(token)); err != nil {
			w.log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to evict cached session")
		}
	}
	return nil
}

// RevokeUserSession revokes one of userID's sessions from another device and
// alerts the user. A session owned by someone else is reported as not found.
func (w *Warden) RevokeUserSession(ctx context.Context, userID, sessionID string) error {
	opCtx, cancel := w.opCtx(ctx)
	s, err := w.sessions.SessionByID(opCtx, sessionID)
	cancel()
	if errors.Is(err, store.ErrNotFound) || (err == nil && s.UserID != userID) {
		return ErrSessionNotFound
	}
	if err != nil {
		return transient("get session", err)
	}

	if err := w.RevokeSession(ctx, sessionID, ""); err != nil {
		return err
	}
	w.notify(ctx, AlertSessionRevoked, userID, map[string]string{
		"browser": s.Browser,
		"os":      s.OS,
		"ip":      s.DeviceIP,
	})
	return nil
}

// RevokeAllSessions revokes every active session of userID except
// exceptSessionID, which may be empty, and returns how many were revoked.
func (w *Warden) RevokeAllSessions(ctx context.Context, userID, exceptSessionID string) (int, error) {
	opCtx, cancel := w.opCtx(ctx)
	defer cancel()

	revoked, err := w.sessions.DeactivateUserSessions(opCtx, userID, exceptSessionID)
	if err != nil {
		return 0, transient("revoke sessions", err)
	}

	if len(revoked) > 0 {
		w.notify(ctx, AlertAllSessionsRevoked, userID, map[string]string{
			"count": strconv.Itoa(len(revoked)),
		})
	}
	return len(revoked), nil
}

// ListSessions returns the user's active sessions, most recent activity first.
func (w *Warden) ListSessions(ctx context.Context, userID string) ([]*Session, error) {
	ctx, cancel := w.opCtx(ctx)
	defer cancel()

	active, err := w.sessions.ActiveSessions(ctx, userID, w.now())
	if err != nil {
		return nil, transient("list sessions", err)
	}

	sessions := make([]*Session, len(active))
	for i, s := range active {
		sessions[i] = storeToSession(s)
	}
	return sessions, nil
}

// CountActiveSessions returns the number of active sessions of userID.
func (w *Warden) CountActiveSessions(ctx context.Context, userID string) (int, error) {
	sessions, err := w.ListSessions(ctx, userID)
	if err != nil {
		return 0, err
	}
	return len(sessions), nil
}

// ExtendSession pushes the expiry of the session behind token to at least
// now+SessionTTL and refreshes its activity. A later expiry is kept.
func (w *Warden) ExtendSession(ctx context.Context, token string) (*Session, error) {
	s, err := w.GetSession(ctx, token)
	if err != nil {
		return nil, err
	}

	now := w.now()
	expiresAt := now.Add(w.config.SessionTTL)
	if s.ExpiresAt.After(expiresAt) {
		expiresAt = s.ExpiresAt
	}

	opCtx, cancel := w.opCtx(ctx)
	defer cancel()

	err = w.sessions.ExtendSession(opCtx, s.ID, expiresAt, now)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, transient("extend session", err)
	}

	s.ExpiresAt = expiresAt
	s.LastActivity = now
	return s, nil
}

// SweepExpired hard deletes sessions past their expiry or idle for longer
// than SweepIdleAfter. It is idempotent and meant to be driven by an
// external scheduler.
func (w *Warden) SweepExpired(ctx context.Context) (int64, error) {
	now := w.now()

	ctx, cancel := w.opCtx(ctx)
	defer cancel()

	n, err := w.sessions.DeleteExpiredSessions(ctx, now, now.Add(-w.config.SweepIdleAfter))
	if err != nil {
		return 0, transient("sweep sessions", err)
	}
	if n > 0 {
		w.log.Info().Int64("deleted", n).Msg("swept expired sessions")
	}
	return n, nil
}
