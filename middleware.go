package warden

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// SessionCookie is the cookie SessionMiddleware reads when no bearer token is sent.
const SessionCookie = "session_token"

type contextKey int

const (
	sessionKey contextKey = iota
	tokenKey
)

// SessionFromContext returns the session attached by SessionMiddleware.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey).(*Session)
	return s, ok
}

// TokenFromContext returns the raw session token validated by SessionMiddleware.
func TokenFromContext(ctx context.Context) (string, bool) {
	t, ok := ctx.Value(tokenKey).(string)
	return t, ok
}

// SessionToken returns the bearer token of r, or the session cookie value.
func SessionToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// SessionMiddleware validates the request's session with ValidateSession.
// Requests without a token pass through untouched. Rejections are 401
// responses whose code tells expired, revoked and timed out sessions apart.
func (w *Warden) SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		token := SessionToken(r)
		if token == "" {
			next.ServeHTTP(rw, r)
			return
		}

		s, err := w.ValidateSession(r.Context(), token)
		switch {
		case err == nil:
		case errors.Is(err, ErrSessionRevoked):
			writeError(rw, http.StatusUnauthorized, "session_revoked", "Session has been revoked. Please log in again.")
			return
		case errors.Is(err, ErrSessionTimeout):
			writeError(rw, http.StatusUnauthorized, "session_timeout", "Session timed out due to inactivity. Please log in again.")
			return
		case errors.Is(err, ErrSessionExpired):
			writeError(rw, http.StatusUnauthorized, "session_expired", "Session expired or invalid. Please log in again.")
			return
		default:
			w.log.Error().Err(err).Msg("session validation failed")
			writeError(rw, http.StatusServiceUnavailable, "unavailable", "Please try again shortly.")
			return
		}

		ctx := context.WithValue(r.Context(), sessionKey, s)
		ctx = context.WithValue(ctx, tokenKey, token)
		next.ServeHTTP(rw, r.WithContext(ctx))
	})
}

// RateLimitMiddleware counts requests against the named policy and answers
// 429 with a Retry-After header once the window is exhausted.
func (w *Warden) RateLimitMiddleware(policy string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			req := RateLimitRequest{
				Policy:    policy,
				IP:        ClientIP(r, w.config.TrustedProxies),
				Endpoint:  r.URL.Path,
				Method:    r.Method,
				UserAgent: r.UserAgent(),
			}
			if s, ok := SessionFromContext(r.Context()); ok {
				req.UserID = s.UserID
			}

			d, err := w.CheckRateLimit(r.Context(), req)
			if err != nil {
				w.log.Error().Err(err).Str("policy", policy).Msg("rate limit check failed")
				next.ServeHTTP(rw, r)
				return
			}

			h := rw.Header()
			h.Set("RateLimit-Limit", strconv.FormatInt(d.Policy.Limit, 10))
			h.Set("RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
			h.Set("RateLimit-Reset", seconds(d.ResetAfter))

			if !d.Allowed {
				h.Set("Retry-After", seconds(d.RetryAfter))
				writeJSON(rw, http.StatusTooManyRequests, map[string]any{
					"success":    false,
					"code":       "rate_limited",
					"message":    d.Policy.Message,
					"retryAfter": int64(math.Ceil(d.RetryAfter.Seconds())),
				})
				return
			}
			next.ServeHTTP(rw, r)
		})
	}
}

func seconds(d time.Duration) string {
	return strconv.FormatInt(int64(math.Ceil(d.Seconds())), 10)
}

func writeError(rw http.ResponseWriter, status int, code, message string) {
	writeJSON(rw, status, map[string]any{
		"success": false,
		"code":    code,
		"message": message,
	})
}

func writeJSON(rw http.ResponseWriter, status int, body any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(body)
}
