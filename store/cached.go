package store

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// CachedSessionRepository puts a SessionCache in front of a SessionRepository.
// The repository stays authoritative: cache writes and evictions are best
// effort, and every cache hit is checked against its ExpiresAt and then
// resolved through the repository by session id.
type CachedSessionRepository struct {
	SessionRepository

	cache SessionCache
	log   zerolog.Logger
	now   func() time.Time
}

// NewCachedSessionRepository wraps repo with cache. A nil now uses time.Now.
func NewCachedSessionRepository(repo SessionRepository, cache SessionCache, logger zerolog.Logger, now func() time.Time) *CachedSessionRepository {
	if now == nil {
		now = time.Now
	}
	return &CachedSessionRepository{
		SessionRepository: repo,
		cache:             cache,
		log:               logger,
		now:               now,
	}
}

// CreateSession writes the session, then caches it for its remaining lifetime.
// A cache failure does not fail the call.
func (r *CachedSessionRepository) CreateSession(ctx context.Context, s *Session) error {
	if err := r.SessionRepository.CreateSession(ctx, s); err != nil {
		return err
	}
	r.put(ctx, s)
	return nil
}

// SessionByTokenHash consults the cache first and falls back to the repository
// on a miss, a cache error, or a cached entry that has already expired.
func (r *CachedSessionRepository) SessionByTokenHash(ctx context.Context, tokenHash string, now time.Time) (*Session, error) {
	entry, err := r.cache.Get(ctx, tokenHash)
	switch {
	case err == nil && now.Before(entry.ExpiresAt):
		s, err := r.SessionRepository.SessionByID(ctx, entry.SessionID)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		r.evict(ctx, tokenHash)
	case err == nil:
		r.evict(ctx, tokenHash)
	case !errors.Is(err, ErrCacheMiss):
		r.log.Warn().Err(err).Str("token_hash", tokenHash).Msg("session cache lookup failed, using durable store")
	}

	return r.SessionRepository.SessionByTokenHash(ctx, tokenHash, now)
}

// ExtendSession moves the expiry in the repository and re-caches the session.
func (r *CachedSessionRepository) ExtendSession(ctx context.Context, id string, expiresAt, at time.Time) error {
	if err := r.SessionRepository.ExtendSession(ctx, id, expiresAt, at); err != nil {
		return err
	}
	s, err := r.SessionRepository.SessionByID(ctx, id)
	if err != nil {
		r.log.Warn().Err(err).Str("session_id", id).Msg("failed to reload extended session for cache")
		return nil
	}
	r.put(ctx, s)
	return nil
}

// DeactivateSession marks the session inactive and evicts its cache entry.
func (r *CachedSessionRepository) DeactivateSession(ctx context.Context, id string) (string, error) {
	tokenHash, err := r.SessionRepository.DeactivateSession(ctx, id)
	if err != nil {
		return "", err
	}
	r.evict(ctx, tokenHash)
	return tokenHash, nil
}

// DeactivateUserSessions deactivates and evicts every other session of a user.
func (r *CachedSessionRepository) DeactivateUserSessions(ctx context.Context, userID, exceptID string) ([]string, error) {
	hashes, err := r.SessionRepository.DeactivateUserSessions(ctx, userID, exceptID)
	if err != nil {
		return nil, err
	}
	r.evict(ctx, hashes...)
	return hashes, nil
}

// Close closes the repository and the cache.
func (r *CachedSessionRepository) Close() error {
	errRepo := r.SessionRepository.Close()
	errCache := r.cache.Close()
	return errors.Join(errRepo, errCache)
}

func (r *CachedSessionRepository) put(ctx context.Context, s *Session) {
	ttl := s.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return
	}
	entry := CachedSession{SessionID: s.ID, UserID: s.UserID, ExpiresAt: s.ExpiresAt}
	if err := r.cache.Set(ctx, s.TokenHash, entry, ttl); err != nil {
		r.log.Warn().Err(err).Str("session_id", s.ID).Msg("failed to cache session")
	}
}

func (r *CachedSessionRepository) evict(ctx context.Context, tokenHashes ...string) {
	if len(tokenHashes) == 0 {
		return
	}
	if err := r.cache.Delete(ctx, tokenHashes...); err != nil {
		r.log.Warn().Err(err).Int("count", len(tokenHashes)).Msg("failed to evict cached sessions")
	}
}
