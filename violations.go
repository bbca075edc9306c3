package warden

import (
	"context"
	"errors"
	"time"

	"github.com/aadithya-v/warden/store"
)

// ViolationPage is a page of violations with counts over the whole filter.
type ViolationPage struct {
	Violations []*store.Violation      `json:"violations"`
	Total      int64                   `json:"total"`
	Summary    *store.ViolationSummary `json:"summary"`
}

// ListViolations returns violations matching f, newest first, with a
// per-severity summary. A zero Limit returns 50 records.
func (w *Warden) ListViolations(ctx context.Context, f store.ViolationFilter) (*ViolationPage, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}

	ctx, cancel := w.opCtx(ctx)
	defer cancel()

	list, total, err := w.violations.ListViolations(ctx, f)
	if err != nil {
		return nil, transient("list violations", err)
	}
	summary, err := w.violations.SummarizeViolations(ctx, f)
	if err != nil {
		return nil, transient("summarize violations", err)
	}
	return &ViolationPage{Violations: list, Total: total, Summary: summary}, nil
}

// ResolveViolation marks a violation handled by an operator.
func (w *Warden) ResolveViolation(ctx context.Context, id, resolvedBy, notes string) (*store.Violation, error) {
	ctx, cancel := w.opCtx(ctx)
	defer cancel()

	err := w.violations.ResolveViolation(ctx, id, resolvedBy, notes, w.now())
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, transient("resolve violation", err)
	}

	v, err := w.violations.ViolationByID(ctx, id)
	if err != nil {
		return nil, transient("get violation", err)
	}
	return v, nil
}

// ViolationAnalytics summarises violations since a point in time.
type ViolationAnalytics struct {
	Since        time.Time               `json:"since"`
	Summary      *store.ViolationSummary `json:"summary"`
	TopIPs       []store.IPCount         `json:"topIps"`
	TopEndpoints []store.EndpointCount   `json:"topEndpoints"`
}

// RateLimitAnalytics reports severity counts and the ten most frequent
// offending IPs and targeted endpoints since the given time.
func (w *Warden) RateLimitAnalytics(ctx context.Context, since time.Time) (*ViolationAnalytics, error) {
	ctx, cancel := w.opCtx(ctx)
	defer cancel()

	summary, err := w.violations.SummarizeViolations(ctx, store.ViolationFilter{Since: since})
	if err != nil {
		return nil, transient("summarize violations", err)
	}
	ips, err := w.violations.TopViolatingIPs(ctx, since, 10)
	if err != nil {
		return nil, transient("top violating ips", err)
	}
	endpoints, err := w.violations.TopViolatedEndpoints(ctx, since, 10)
	if err != nil {
		return nil, transient("top violated endpoints", err)
	}

	return &ViolationAnalytics{
		Since:        since,
		Summary:      summary,
		TopIPs:       ips,
		TopEndpoints: endpoints,
	}, nil
}
