package warden

import (
	"context"
	"errors"
)

// ValidateSession applies the per-request session policy to token:
//
//   - unknown token: ErrSessionExpired
//   - inactive session: ErrSessionRevoked
//   - at or past ExpiresAt: ErrSessionExpired
//   - idle for InactivityTimeout or longer: the session is deactivated and
//     ErrSessionTimeout is returned
//
// Otherwise the session's activity is refreshed and the session returned.
// A failed refresh is logged and does not fail the request.
func (w *Warden) ValidateSession(ctx context.Context, token string) (*Session, error) {
	s, err := w.lookup(ctx, token)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, ErrSessionExpired
	}
	if err != nil {
		return nil, err
	}

	now := w.now()
	switch {
	case !s.IsActive:
		return nil, ErrSessionRevoked
	case !now.Before(s.ExpiresAt):
		return nil, ErrSessionExpired
	case now.Sub(s.LastActivity) >= w.config.InactivityTimeout:
		if err := w.RevokeSession(ctx, s.ID, token); err != nil {
			w.log.Warn().Err(err).Str("session_id", s.ID).Msg("failed to deactivate timed out session")
		}
		return nil, ErrSessionTimeout
	}

	if err := w.RefreshSessionActivity(ctx, s.ID); err != nil {
		w.log.Warn().Err(err).Str("session_id", s.ID).Msg("failed to refresh session activity")
	} else {
		s.LastActivity = now
	}
	return s, nil
}
