package warden

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aadithya-v/warden/store"
)

// WhitelistRequest adds or updates an IP whitelist entry.
type WhitelistRequest struct {
	IP          string     `validate:"required,ip"`
	Description string     `validate:"max=500"`
	AddedBy     string     `validate:"required"`
	ExpiresAt   *time.Time
}

// AddToWhitelist exempts an IP from rate limiting until ExpiresAt, or
// indefinitely when it is nil.
func (w *Warden) AddToWhitelist(ctx context.Context, req WhitelistRequest) (*store.WhitelistEntry, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	now := w.now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expiry is in the past", ErrInvalidRequest)
	}

	e := &store.WhitelistEntry{
		ID:          uuid.NewString(),
		IP:          req.IP,
		Description: req.Description,
		AddedBy:     req.AddedBy,
		IsActive:    true,
		ExpiresAt:   req.ExpiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	ctx, cancel := w.opCtx(ctx)
	defer cancel()

	err := w.whitelist.AddWhitelistEntry(ctx, e)
	if errors.Is(err, store.ErrDuplicate) {
		return nil, ErrWhitelistEntryExists
	}
	if err != nil {
		return nil, transient("add whitelist entry", err)
	}

	w.log.Info().Str("ip", e.IP).Str("added_by", e.AddedBy).Msg("ip whitelisted")
	return e, nil
}

// WhitelistUpdate changes an entry. Nil fields are left alone.
type WhitelistUpdate struct {
	Description *string
	IsActive    *bool
	ExpiresAt   *time.Time

	// ClearExpiry removes the expiry so the entry never lapses.
	ClearExpiry bool
}

// UpdateWhitelistEntry applies u to the entry with the given id.
func (w *Warden) UpdateWhitelistEntry(ctx context.Context, id string, u WhitelistUpdate) (*store.WhitelistEntry, error) {
	entry, err := w.whitelistEntry(ctx, id)
	if err != nil {
		return nil, err
	}

	if u.Description != nil {
		entry.Description = *u.Description
	}
	if u.IsActive != nil {
		entry.IsActive = *u.IsActive
	}
	if u.ExpiresAt != nil {
		entry.ExpiresAt = u.ExpiresAt
	}
	if u.ClearExpiry {
		entry.ExpiresAt = nil
	}
	entry.UpdatedAt = w.now()

	ctx, cancel := w.opCtx(ctx)
	defer cancel()

	err = w.whitelist.UpdateWhitelistEntry(ctx, entry)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, transient("update whitelist entry", err)
	}
	return entry, nil
}

// RemoveFromWhitelist deletes an entry.
func (w *Warden) RemoveFromWhitelist(ctx context.Context, id string) error {
	ctx, cancel := w.opCtx(ctx)
	defer cancel()

	err := w.whitelist.RemoveWhitelistEntry(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return transient("remove whitelist entry", err)
	}
	return nil
}

// ListWhitelist returns every entry, including inactive and expired ones.
func (w *Warden) ListWhitelist(ctx context.Context) ([]*store.WhitelistEntry, error) {
	ctx, cancel := w.opCtx(ctx)
	defer cancel()

	entries, err := w.whitelist.WhitelistEntries(ctx)
	if err != nil {
		return nil, transient("list whitelist", err)
	}
	return entries, nil
}

func (w *Warden) whitelistEntry(ctx context.Context, id string) (*store.WhitelistEntry, error) {
	entries, err := w.ListWhitelist(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, ErrNotFound
}
