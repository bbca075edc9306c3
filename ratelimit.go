package warden

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aadithya-v/warden/store"
)

// Policy bounds requests per IP within a fixed window.
type Policy struct {
	Name    string
	Limit   int64
	Window  time.Duration
	Message string
}

const (
	PolicyLogin         = "login"
	PolicyRegister      = "register"
	PolicyPasswordReset = "password_reset"
	PolicyTwoFactor     = "two_factor"
	PolicyAPI           = "api"
	PolicyStrict        = "strict"
)

// DefaultPolicies are the built in route classes. Config.Policies may
// override any of them or add new ones.
var DefaultPolicies = map[string]Policy{
	PolicyLogin:         {Name: PolicyLogin, Limit: 10, Window: time.Minute, Message: "Too many login attempts. Please try again in a minute."},
	PolicyRegister:      {Name: PolicyRegister, Limit: 5, Window: time.Hour, Message: "Too many registration attempts. Please try again later."},
	PolicyPasswordReset: {Name: PolicyPasswordReset, Limit: 3, Window: time.Hour, Message: "Too many password reset requests. Please try again later."},
	PolicyTwoFactor:     {Name: PolicyTwoFactor, Limit: 3, Window: 15 * time.Minute, Message: "Too many 2FA attempts. Please try again in 15 minutes."},
	PolicyAPI:           {Name: PolicyAPI, Limit: 100, Window: 15 * time.Minute, Message: "Too many requests. Please try again later."},
	PolicyStrict:        {Name: PolicyStrict, Limit: 5, Window: time.Hour, Message: "Rate limit exceeded. Please try again later."},
}

// Severity of a rate limit violation.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// ComputeSeverity classifies a violation by how far count exceeds limit, in
// percent of limit: 500% or more is critical, 200% high, 50% medium, below
// that low. A non-positive limit is always critical.
func ComputeSeverity(count, limit int64) string {
	if limit <= 0 {
		return SeverityCritical
	}
	excess := (count - limit) * 100 / limit
	switch {
	case excess >= 500:
		return SeverityCritical
	case excess >= 200:
		return SeverityHigh
	case excess >= 50:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// RateLimitRequest identifies the request being counted.
type RateLimitRequest struct {
	Policy    string
	IP        string
	Endpoint  string
	Method    string
	UserID    string
	UserAgent string
}

// RateLimitDecision is the outcome of CheckRateLimit.
type RateLimitDecision struct {
	Allowed     bool
	Policy      Policy
	Count       int64
	Remaining   int64
	ResetAfter  time.Duration
	RetryAfter  time.Duration
	Whitelisted bool

	// Violation is the record written for this request, if any.
	Violation *store.Violation
}

// Err returns a *RateLimitError for a rejected decision and nil otherwise.
func (d *RateLimitDecision) Err() error {
	if d.Allowed {
		return nil
	}
	return &RateLimitError{Policy: d.Policy.Name, Message: d.Policy.Message, RetryAfter: d.RetryAfter}
}

// Policy returns the named policy.
func (w *Warden) Policy(name string) (Policy, bool) {
	p, ok := w.policies[name]
	return p, ok
}

// CheckRateLimit counts req against its policy and decides whether it may
// proceed. Every rejected request persists a violation.
//
// Whitelisted IPs are allowed without counting unless
// RecordWhitelistedViolations is set, in which case excess is recorded with
// blocked=false. A failing counter degrades to an in-process counter and a
// failing whitelist lookup is treated as not whitelisted; neither fails the call.
func (w *Warden) CheckRateLimit(ctx context.Context, req RateLimitRequest) (*RateLimitDecision, error) {
	policy, ok := w.policies[req.Policy]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPolicy, req.Policy)
	}

	d := &RateLimitDecision{Allowed: true, Policy: policy, Remaining: policy.Limit}
	d.Whitelisted = w.isWhitelisted(ctx, req.IP)
	if d.Whitelisted && !w.config.RecordWhitelistedViolations {
		return d, nil
	}

	count, ttl := w.increment(ctx, "rate-limit:"+policy.Name+":"+req.IP, policy.Window)
	d.Count = count
	d.ResetAfter = ttl
	d.Remaining = max(policy.Limit-count, 0)
	if count <= policy.Limit {
		return d, nil
	}

	v := &store.Violation{
		ID:           uuid.NewString(),
		IP:           req.IP,
		Endpoint:     req.Endpoint,
		Method:       req.Method,
		UserID:       req.UserID,
		UserAgent:    req.UserAgent,
		Policy:       policy.Name,
		RequestCount: count,
		Limit:        policy.Limit,
		WindowMs:     policy.Window.Milliseconds(),
		Severity:     ComputeSeverity(count, policy.Limit),
		Blocked:      !d.Whitelisted,
		Whitelisted:  d.Whitelisted,
		CreatedAt:    w.now(),
	}
	w.recordViolation(ctx, v)
	d.Violation = v

	if d.Whitelisted {
		return d, nil
	}
	d.Allowed = false
	d.RetryAfter = ttl
	if d.RetryAfter <= 0 {
		d.RetryAfter = policy.Window
	}
	return d, nil
}

// IsWhitelisted reports whether ip has an active, unexpired whitelist entry.
func (w *Warden) IsWhitelisted(ctx context.Context, ip string) (bool, error) {
	ctx, cancel := w.opCtx(ctx)
	defer cancel()

	_, err := w.whitelist.LiveWhitelistEntry(ctx, ip, w.now())
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, transient("whitelist lookup", err)
	}
	return true, nil
}

func (w *Warden) isWhitelisted(ctx context.Context, ip string) bool {
	ok, err := w.IsWhitelisted(ctx, ip)
	if err != nil {
		w.log.Warn().Err(err).Str("ip", ip).Msg("whitelist lookup failed, counting request")
	}
	return ok
}

// increment counts one hit on key, falling back to the in-process counter
// when the configured one fails.
func (w *Warden) increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration) {
	opCtx, cancel := w.opCtx(ctx)
	count, ttl, err := w.counter.Increment(opCtx, key, window)
	cancel()
	if err == nil {
		return count, ttl
	}

	w.log.Warn().Err(err).Str("key", key).Msg("rate limit counter unavailable, using in-memory counter")
	count, ttl, err = w.fallback.Increment(ctx, key, window)
	if err != nil {
		// The memory counter does not fail; treat it as the first hit.
		return 1, window
	}
	return count, ttl
}

func (w *Warden) recordViolation(ctx context.Context, v *store.Violation) {
	ev := w.log.Info().
		Str("ip", v.IP).
		Str("policy", v.Policy).
		Str("endpoint", v.Endpoint).
		Int64("count", v.RequestCount).
		Int64("limit", v.Limit).
		Str("severity", v.Severity).
		Bool("blocked", v.Blocked)
	ev.Msg("rate limit exceeded")

	ctx, cancel := w.opCtx(ctx)
	defer cancel()
	if err := w.violations.InsertViolation(ctx, v); err != nil {
		w.log.Warn().Err(err).Str("ip", v.IP).Msg("failed to record rate limit violation")
	}
}
