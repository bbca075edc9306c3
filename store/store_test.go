package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backend is everything the SQL and memory stores implement.
type backend interface {
	SessionRepository
	UserStore
	ViolationStore
	WhitelistStore
}

var base = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newTestSession(id, userID string, created time.Time, ttl time.Duration) *Session {
	return &Session{
		ID:               id,
		UserID:           userID,
		TokenHash:        "tok-" + id,
		RefreshTokenHash: "ref-" + id,
		DeviceIP:         "203.0.113.7",
		DeviceUA:         "Mozilla/5.0",
		Browser:          "Firefox 128.0",
		OS:               "Linux",
		DeviceType:       "desktop",
		Fingerprint:      "fp-" + id,
		LocCountry:       "Germany",
		LocCity:          "Berlin",
		LocRegion:        "Berlin",
		LocTimezone:      "Europe/Berlin",
		LocLat:           52.52,
		LocLng:           13.405,
		IsActive:         true,
		CreatedAt:        created,
		LastActivity:     created,
		ExpiresAt:        created.Add(ttl),
	}
}

func TestMemoryStore(t *testing.T) {
	runBackendSuite(t, func(t *testing.T) backend {
		return NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runBackendSuite(t, func(t *testing.T) backend {
		s, err := NewSQLite(filepath.Join(t.TempDir(), "warden.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestMySQLStore(t *testing.T) {
	dsn := os.Getenv("WARDEN_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("WARDEN_TEST_MYSQL_DSN not set")
	}
	runBackendSuite(t, func(t *testing.T) backend {
		s, err := NewMySQLFromDSN(dsn)
		require.NoError(t, err)
		truncate(t, s.sqlStore)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("WARDEN_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("WARDEN_TEST_POSTGRES_DSN not set")
	}
	runBackendSuite(t, func(t *testing.T) backend {
		s, err := NewPostgresFromDSN(dsn)
		require.NoError(t, err)
		truncate(t, s.sqlStore)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func truncate(t *testing.T, s *sqlStore) {
	t.Helper()
	for _, table := range []string{"sessions", "users", "rate_limit_violations", "ip_whitelist"} {
		_, err := s.db.Exec("DELETE FROM " + table)
		require.NoError(t, err)
	}
}

func runBackendSuite(t *testing.T, open func(t *testing.T) backend) {
	t.Run("sessions", func(t *testing.T) { testSessions(t, open(t)) })
	t.Run("bulk deactivate", func(t *testing.T) { testDeactivateUserSessions(t, open(t)) })
	t.Run("sweep", func(t *testing.T) { testDeleteExpired(t, open(t)) })
	t.Run("users", func(t *testing.T) { testUsers(t, open(t)) })
	t.Run("violations", func(t *testing.T) { testViolations(t, open(t)) })
	t.Run("whitelist", func(t *testing.T) { testWhitelist(t, open(t)) })
}

func testSessions(t *testing.T, s backend) {
	ctx := context.Background()
	sess := newTestSession("s1", "u1", base, 30*time.Minute)
	require.NoError(t, s.CreateSession(ctx, sess))

	got, err := s.SessionByTokenHash(ctx, "tok-s1", base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "ref-s1", got.RefreshTokenHash)
	assert.Equal(t, "Europe/Berlin", got.LocTimezone)
	assert.InDelta(t, 52.52, got.LocLat, 1e-9)
	assert.True(t, got.IsActive)
	assert.False(t, got.RememberMe)
	assert.True(t, sess.ExpiresAt.Equal(got.ExpiresAt))

	// Found just before ExpiresAt, gone at it.
	_, err = s.SessionByTokenHash(ctx, "tok-s1", sess.ExpiresAt.Add(-time.Millisecond))
	require.NoError(t, err)
	_, err = s.SessionByTokenHash(ctx, "tok-s1", sess.ExpiresAt)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.SessionByTokenHash(ctx, "unknown", base)
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.CreateSession(ctx, newTestSession("s1", "u1", base, time.Minute))
	assert.ErrorIs(t, err, ErrDuplicate)

	touched := base.Add(10 * time.Minute)
	require.NoError(t, s.TouchSession(ctx, "s1", touched))
	got, err = s.SessionByID(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, touched.Equal(got.LastActivity))

	extended := base.Add(2 * time.Hour)
	require.NoError(t, s.ExtendSession(ctx, "s1", extended, touched))
	got, err = s.SessionByID(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, extended.Equal(got.ExpiresAt))

	hash, err := s.DeactivateSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "tok-s1", hash)

	_, err = s.SessionByTokenHash(ctx, "tok-s1", base)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err = s.SessionByID(ctx, "s1")
	require.NoError(t, err, "revoked sessions are kept until the sweep")
	assert.False(t, got.IsActive)

	assert.ErrorIs(t, s.ExtendSession(ctx, "s1", extended, touched), ErrNotFound)

	_, err = s.DeactivateSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.SessionByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testDeactivateUserSessions(t *testing.T, s backend) {
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		sess := newTestSession(fmt.Sprintf("s%d", i), "u1", base, time.Hour)
		sess.LastActivity = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.CreateSession(ctx, sess))
	}
	require.NoError(t, s.CreateSession(ctx, newTestSession("other", "u2", base, time.Hour)))

	active, err := s.ActiveSessions(ctx, "u1", base)
	require.NoError(t, err)
	require.Len(t, active, 4)
	assert.Equal(t, "s3", active[0].ID, "most recent activity first")
	assert.Equal(t, "s0", active[3].ID)

	hashes, err := s.DeactivateUserSessions(ctx, "u1", "s2")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"tok-s0", "tok-s1", "tok-s3"}, hashes)

	active, err = s.ActiveSessions(ctx, "u1", base)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "s2", active[0].ID)

	hashes, err = s.DeactivateUserSessions(ctx, "u1", "s2")
	require.NoError(t, err)
	assert.Empty(t, hashes)

	other, err := s.ActiveSessions(ctx, "u2", base)
	require.NoError(t, err)
	assert.Len(t, other, 1)

	hashes, err = s.DeactivateUserSessions(ctx, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"tok-s2"}, hashes)
}

func testDeleteExpired(t *testing.T, s backend) {
	ctx := context.Background()
	now := base.Add(40 * 24 * time.Hour)
	idleBefore := now.Add(-30 * 24 * time.Hour)

	expired := newTestSession("expired", "u1", now.Add(-2*time.Hour), time.Hour)
	idle := newTestSession("idle", "u1", base, 60*24*time.Hour)
	fresh := newTestSession("fresh", "u1", now.Add(-time.Minute), 30*time.Minute)
	revoked := newTestSession("revoked", "u1", now.Add(-time.Minute), 30*time.Minute)
	revoked.IsActive = false

	for _, sess := range []*Session{expired, idle, fresh, revoked} {
		require.NoError(t, s.CreateSession(ctx, sess))
	}

	n, err := s.DeleteExpiredSessions(ctx, now, idleBefore)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, err = s.SessionByID(ctx, "expired")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.SessionByID(ctx, "idle")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.SessionByID(ctx, "fresh")
	assert.NoError(t, err)
	_, err = s.SessionByID(ctx, "revoked")
	assert.NoError(t, err)

	n, err = s.DeleteExpiredSessions(ctx, now, idleBefore)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testUsers(t *testing.T, s backend) {
	ctx := context.Background()
	u := &User{ID: "u1", Email: "ada@example.com", Name: "Ada", PasswordHash: "hash", CreatedAt: base, UpdatedAt: base}
	require.NoError(t, s.CreateUser(ctx, u))
	assert.ErrorIs(t, s.CreateUser(ctx, u), ErrDuplicate)

	got, err := s.UserByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", got.Email)
	assert.False(t, got.TwoFactor.Enabled)
	assert.Empty(t, got.TwoFactor.BackupCodes)

	state := TwoFactorState{
		Enabled:          true,
		Method:           "totp",
		SecretCiphertext: "n:t:c",
		BackupCodes:      []string{"h1", "h2", "h3"},
	}
	require.NoError(t, s.UpdateTwoFactor(ctx, "u1", got.TwoFactor, state, base.Add(time.Minute)))

	got, err = s.UserByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, state, got.TwoFactor)

	// A write based on a stale read is refused and changes nothing.
	stale := TwoFactorState{}
	err = s.UpdateTwoFactor(ctx, "u1", stale, TwoFactorState{Enabled: true, Method: "sms"}, base.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrConflict)
	got, err = s.UserByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, state, got.TwoFactor)

	remaining, ok, err := s.ConsumeBackupCode(ctx, "u1", "h2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, remaining)

	_, ok, err = s.ConsumeBackupCode(ctx, "u1", "h2")
	require.NoError(t, err)
	assert.False(t, ok, "a consumed code cannot be consumed again")

	got, err = s.UserByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"h1", "h3"}, got.TwoFactor.BackupCodes)

	_, err = s.UserByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.UpdateTwoFactor(ctx, "missing", TwoFactorState{}, state, base), ErrNotFound)

	// Consuming a code changes the state, so a write that read it before fails.
	before, err := s.UserByID(ctx, "u1")
	require.NoError(t, err)
	_, ok, err = s.ConsumeBackupCode(ctx, "u1", "h1")
	require.NoError(t, err)
	require.True(t, ok)
	err = s.UpdateTwoFactor(ctx, "u1", before.TwoFactor, TwoFactorState{}, base)
	assert.ErrorIs(t, err, ErrConflict)
	_, _, err = s.ConsumeBackupCode(ctx, "missing", "h1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testViolations(t *testing.T, s backend) {
	ctx := context.Background()
	seed := []*Violation{
		{ID: "v1", IP: "198.51.100.1", Endpoint: "/api/auth/login", Method: "POST", Severity: "low", RequestCount: 11, Limit: 10, WindowMs: 60000, Blocked: true, CreatedAt: base},
		{ID: "v2", IP: "198.51.100.1", Endpoint: "/api/auth/login", Method: "POST", Severity: "critical", RequestCount: 60, Limit: 10, WindowMs: 60000, Blocked: true, CreatedAt: base.Add(time.Minute)},
		{ID: "v3", IP: "198.51.100.2", Endpoint: "/api/auth/register", Method: "POST", Severity: "medium", RequestCount: 8, Limit: 5, WindowMs: 3600000, Blocked: true, CreatedAt: base.Add(2 * time.Minute)},
		{ID: "v4", IP: "198.51.100.3", Endpoint: "/api/auth/login", Method: "POST", Severity: "high", RequestCount: 30, Limit: 10, WindowMs: 60000, Whitelisted: true, CreatedAt: base.Add(3 * time.Minute)},
	}
	for _, v := range seed {
		require.NoError(t, s.InsertViolation(ctx, v))
	}

	all, total, err := s.ListViolations(ctx, ViolationFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 4, total)
	require.Len(t, all, 4)
	assert.Equal(t, "v4", all[0].ID, "newest first")
	assert.True(t, all[0].Whitelisted)
	assert.False(t, all[0].Blocked)

	page, total, err := s.ListViolations(ctx, ViolationFilter{IP: "198.51.100.1", Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	require.Len(t, page, 1)
	assert.Equal(t, "v1", page[0].ID)

	crit, _, err := s.ListViolations(ctx, ViolationFilter{Severity: "critical"})
	require.NoError(t, err)
	require.Len(t, crit, 1)
	assert.Equal(t, "v2", crit[0].ID)

	require.NoError(t, s.ResolveViolation(ctx, "v2", "admin-1", "false positive", base.Add(time.Hour)))
	assert.ErrorIs(t, s.ResolveViolation(ctx, "missing", "admin-1", "", base), ErrNotFound)

	v, err := s.ViolationByID(ctx, "v2")
	require.NoError(t, err)
	assert.True(t, v.Resolved)
	assert.Equal(t, "admin-1", v.ResolvedBy)
	assert.Equal(t, "false positive", v.Notes)
	require.NotNil(t, v.ResolvedAt)
	assert.True(t, base.Add(time.Hour).Equal(*v.ResolvedAt))

	unresolved := false
	open, total, err := s.ListViolations(ctx, ViolationFilter{Resolved: &unresolved})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, open, 3)

	summary, err := s.SummarizeViolations(ctx, ViolationFilter{})
	require.NoError(t, err)
	assert.Equal(t, ViolationSummary{Total: 4, Low: 1, Medium: 1, High: 1, Critical: 1, Resolved: 1, Unresolved: 3}, *summary)

	since, err := s.SummarizeViolations(ctx, ViolationFilter{Since: base.Add(2 * time.Minute)})
	require.NoError(t, err)
	assert.EqualValues(t, 2, since.Total)

	ips, err := s.TopViolatingIPs(ctx, base, 2)
	require.NoError(t, err)
	require.Len(t, ips, 2)
	assert.Equal(t, IPCount{IP: "198.51.100.1", Count: 2}, ips[0])

	endpoints, err := s.TopViolatedEndpoints(ctx, base, 10)
	require.NoError(t, err)
	require.Len(t, endpoints, 2)
	assert.Equal(t, EndpointCount{Endpoint: "/api/auth/login", Method: "POST", Count: 3}, endpoints[0])
}

func testWhitelist(t *testing.T, s backend) {
	ctx := context.Background()
	future := base.Add(24 * time.Hour)
	past := base.Add(-time.Hour)

	entries := []*WhitelistEntry{
		{ID: "w1", IP: "10.0.0.1", AddedBy: "admin", IsActive: true, CreatedAt: base, UpdatedAt: base},
		{ID: "w2", IP: "10.0.0.2", AddedBy: "admin", IsActive: true, ExpiresAt: &future, CreatedAt: base.Add(time.Second), UpdatedAt: base},
		{ID: "w3", IP: "10.0.0.3", AddedBy: "admin", IsActive: true, ExpiresAt: &past, CreatedAt: base.Add(2 * time.Second), UpdatedAt: base},
		{ID: "w4", IP: "10.0.0.4", AddedBy: "admin", IsActive: false, CreatedAt: base.Add(3 * time.Second), UpdatedAt: base},
	}
	for _, e := range entries {
		require.NoError(t, s.AddWhitelistEntry(ctx, e))
	}

	dup := &WhitelistEntry{ID: "w5", IP: "10.0.0.1", IsActive: true, CreatedAt: base, UpdatedAt: base}
	assert.ErrorIs(t, s.AddWhitelistEntry(ctx, dup), ErrDuplicate)

	e, err := s.LiveWhitelistEntry(ctx, "10.0.0.1", base)
	require.NoError(t, err)
	assert.Equal(t, "w1", e.ID)
	assert.Nil(t, e.ExpiresAt)

	e, err = s.LiveWhitelistEntry(ctx, "10.0.0.2", base)
	require.NoError(t, err)
	require.NotNil(t, e.ExpiresAt)
	assert.True(t, future.Equal(*e.ExpiresAt))

	_, err = s.LiveWhitelistEntry(ctx, "10.0.0.2", future)
	assert.ErrorIs(t, err, ErrNotFound, "expired entries are treated as absent")
	_, err = s.LiveWhitelistEntry(ctx, "10.0.0.3", base)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.LiveWhitelistEntry(ctx, "10.0.0.4", base)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.LiveWhitelistEntry(ctx, "10.0.0.9", base)
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := s.WhitelistEntries(ctx)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "w4", all[0].ID)

	w4 := *entries[3]
	w4.IsActive = true
	w4.Description = "office"
	w4.UpdatedAt = base.Add(time.Minute)
	require.NoError(t, s.UpdateWhitelistEntry(ctx, &w4))
	e, err = s.LiveWhitelistEntry(ctx, "10.0.0.4", base)
	require.NoError(t, err)
	assert.Equal(t, "office", e.Description)

	missing := w4
	missing.ID = "nope"
	assert.ErrorIs(t, s.UpdateWhitelistEntry(ctx, &missing), ErrNotFound)

	require.NoError(t, s.RemoveWhitelistEntry(ctx, "w1"))
	assert.ErrorIs(t, s.RemoveWhitelistEntry(ctx, "w1"), ErrNotFound)
	_, err = s.LiveWhitelistEntry(ctx, "10.0.0.1", base)
	assert.ErrorIs(t, err, ErrNotFound)
}
