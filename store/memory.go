package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryCache implements SessionCache using an in-memory map.
// Expired entries are cleaned up periodically.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryCacheEntry
	now     func() time.Time

	stopCleanup chan struct{}
	closeOnce   sync.Once
}

type memoryCacheEntry struct {
	value     CachedSession
	expiresAt time.Time
}

// NewMemoryCache creates a new in-memory session cache.
// It starts a background goroutine that periodically removes expired entries.
func NewMemoryCache() *MemoryCache {
	cache := &MemoryCache{
		entries:     make(map[string]memoryCacheEntry),
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}

	go cache.cleanupLoop(10 * time.Minute)

	return cache
}

// Set stores entry under tokenHash for ttl.
func (c *MemoryCache) Set(_ context.Context, tokenHash string, entry CachedSession, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[tokenHash] = memoryCacheEntry{value: entry, expiresAt: c.now().Add(ttl)}
	return nil
}

// Get returns the entry for tokenHash or ErrCacheMiss.
func (c *MemoryCache) Get(_ context.Context, tokenHash string) (*CachedSession, error) {
	c.mu.RLock()
	e, ok := c.entries[tokenHash]
	c.mu.RUnlock()

	if !ok || !c.now().Before(e.expiresAt) {
		return nil, ErrCacheMiss
	}
	v := e.value
	return &v, nil
}

// Delete evicts the given token hashes.
func (c *MemoryCache) Delete(_ context.Context, tokenHashes ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, h := range tokenHashes {
		delete(c.entries, h)
	}
	return nil
}

// Close stops the background cleanup goroutine.
func (c *MemoryCache) Close() error {
	c.closeOnce.Do(func() { close(c.stopCleanup) })
	return nil
}

func (c *MemoryCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *MemoryCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
		}
	}
}

// MemoryCounter implements Counter in process memory.
// It is the fallback when the shared counter is unavailable, and is only
// consistent within a single instance.
type MemoryCounter struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
	now     func() time.Time
}

type memoryWindow struct {
	count   int64
	resetAt time.Time
}

// NewMemoryCounter creates a counter. A nil now uses time.Now.
func NewMemoryCounter(now func() time.Time) *MemoryCounter {
	if now == nil {
		now = time.Now
	}
	return &MemoryCounter{windows: make(map[string]*memoryWindow), now: now}
}

// Increment adds one to key within a fixed window.
func (c *MemoryCounter) Increment(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	w, ok := c.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &memoryWindow{resetAt: now.Add(window)}
		c.windows[key] = w
		if len(c.windows) > 4096 {
			c.evictLocked(now)
		}
	}
	w.count++
	return w.count, w.resetAt.Sub(now), nil
}

func (c *MemoryCounter) evictLocked(now time.Time) {
	for key, w := range c.windows {
		if !now.Before(w.resetAt) {
			delete(c.windows, key)
		}
	}
}

// MemoryChallengeStore implements ChallengeStore in process memory.
type MemoryChallengeStore struct {
	mu      sync.Mutex
	entries map[string]memoryChallenge
	now     func() time.Time
}

type memoryChallenge struct {
	value     string
	expiresAt time.Time
}

// NewMemoryChallengeStore creates a challenge store. A nil now uses time.Now.
func NewMemoryChallengeStore(now func() time.Time) *MemoryChallengeStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryChallengeStore{entries: make(map[string]memoryChallenge), now: now}
}

// PutChallenge stores value under key for ttl, replacing any previous value.
func (s *MemoryChallengeStore) PutChallenge(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memoryChallenge{value: value, expiresAt: s.now().Add(ttl)}
	return nil
}

// TakeChallenge returns and deletes the value for key.
func (s *MemoryChallengeStore) TakeChallenge(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.entries[key]
	delete(s.entries, key)
	if !ok || !s.now().Before(c.expiresAt) {
		return "", ErrNotFound
	}
	return c.value, nil
}

// MemoryStore implements SessionRepository, UserStore, ViolationStore and
// WhitelistStore using in-memory maps.
// This is useful for testing but not recommended for production.
type MemoryStore struct {
	mu         sync.RWMutex
	sessions   map[string]*Session            // sessionID -> Session
	byToken    map[string]string              // tokenHash -> sessionID
	byUser     map[string]map[string]struct{} // userID -> set of sessionIDs
	users      map[string]*User
	violations map[string]*Violation
	whitelist  map[string]*WhitelistEntry // id -> entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:   make(map[string]*Session),
		byToken:    make(map[string]string),
		byUser:     make(map[string]map[string]struct{}),
		users:      make(map[string]*User),
		violations: make(map[string]*Violation),
		whitelist:  make(map[string]*WhitelistEntry),
	}
}

// CreateSession persists a new session.
func (s *MemoryStore) CreateSession(_ context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return ErrDuplicate
	}
	if _, exists := s.byToken[session.TokenHash]; exists {
		return ErrDuplicate
	}

	cp := *session
	s.sessions[session.ID] = &cp
	s.byToken[session.TokenHash] = session.ID

	if s.byUser[session.UserID] == nil {
		s.byUser[session.UserID] = make(map[string]struct{})
	}
	s.byUser[session.UserID][session.ID] = struct{}{}

	return nil
}

// SessionByTokenHash returns the active, unexpired session for tokenHash.
func (s *MemoryStore) SessionByTokenHash(_ context.Context, tokenHash string, now time.Time) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byToken[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	session := s.sessions[id]
	if session == nil || !session.IsActive || !now.Before(session.ExpiresAt) {
		return nil, ErrNotFound
	}
	cp := *session
	return &cp, nil
}

// SessionByID returns a session in any state.
func (s *MemoryStore) SessionByID(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *session
	return &cp, nil
}

// TouchSession sets LastActivity.
func (s *MemoryStore) TouchSession(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	session.LastActivity = at
	return nil
}

// ExtendSession moves ExpiresAt and LastActivity of an active session.
func (s *MemoryStore) ExtendSession(_ context.Context, id string, expiresAt, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok || !session.IsActive {
		return ErrNotFound
	}
	session.ExpiresAt = expiresAt
	session.LastActivity = at
	return nil
}

// DeactivateSession marks a session inactive.
func (s *MemoryStore) DeactivateSession(_ context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return "", ErrNotFound
	}
	session.IsActive = false
	return session.TokenHash, nil
}

// DeactivateUserSessions marks all other active sessions of a user inactive.
func (s *MemoryStore) DeactivateUserSessions(_ context.Context, userID, exceptID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var hashes []string
	for id := range s.byUser[userID] {
		session := s.sessions[id]
		if session == nil || !session.IsActive || id == exceptID {
			continue
		}
		session.IsActive = false
		hashes = append(hashes, session.TokenHash)
	}
	return hashes, nil
}

// ActiveSessions returns a user's active sessions, most recent activity first.
func (s *MemoryStore) ActiveSessions(_ context.Context, userID string, now time.Time) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*Session
	for id := range s.byUser[userID] {
		session := s.sessions[id]
		if session == nil || !session.IsActive || !now.Before(session.ExpiresAt) {
			continue
		}
		cp := *session
		active = append(active, &cp)
	}

	sort.Slice(active, func(i, j int) bool {
		return active[i].LastActivity.After(active[j].LastActivity)
	})
	return active, nil
}

// DeleteExpiredSessions removes expired or long idle sessions.
func (s *MemoryStore) DeleteExpiredSessions(_ context.Context, now, idleBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, session := range s.sessions {
		if !session.ExpiresAt.Before(now) && !session.LastActivity.Before(idleBefore) {
			continue
		}
		delete(s.sessions, id)
		delete(s.byToken, session.TokenHash)
		if set, ok := s.byUser[session.UserID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(s.byUser, session.UserID)
			}
		}
		n++
	}
	return n, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// CreateUser adds a user record.
func (s *MemoryStore) CreateUser(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[u.ID]; exists {
		return ErrDuplicate
	}
	s.users[u.ID] = copyUser(u)
	return nil
}

// UserByID returns a user record.
func (s *MemoryStore) UserByID(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

// UpdateTwoFactor replaces a user's 2FA state if it still equals expected.
func (s *MemoryStore) UpdateTwoFactor(_ context.Context, userID string, expected, next TwoFactorState, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	if !sameTwoFactor(u.TwoFactor, expected) {
		return ErrConflict
	}
	next.BackupCodes = append([]string(nil), next.BackupCodes...)
	u.TwoFactor = next
	u.UpdatedAt = at
	return nil
}

// ConsumeBackupCode removes hash from the user's backup codes.
func (s *MemoryStore) ConsumeBackupCode(_ context.Context, userID, hash string) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return 0, false, ErrNotFound
	}
	remaining, removed := removeCode(u.TwoFactor.BackupCodes, hash)
	if !removed {
		return len(u.TwoFactor.BackupCodes), false, nil
	}
	u.TwoFactor.BackupCodes = remaining
	return len(remaining), true, nil
}

// InsertViolation persists a violation.
func (s *MemoryStore) InsertViolation(_ context.Context, v *Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.violations[v.ID]; exists {
		return ErrDuplicate
	}
	cp := *v
	s.violations[v.ID] = &cp
	return nil
}

// ViolationByID returns a violation.
func (s *MemoryStore) ViolationByID(_ context.Context, id string) (*Violation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.violations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}

// ListViolations returns matching violations, newest first.
func (s *MemoryStore) ListViolations(_ context.Context, f ViolationFilter) ([]*Violation, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Violation
	for _, v := range s.violations {
		if f.match(v) {
			cp := *v
			matched = append(matched, &cp)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, total, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

// SummarizeViolations counts matching violations.
func (s *MemoryStore) SummarizeViolations(_ context.Context, f ViolationFilter) (*ViolationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := &ViolationSummary{}
	for _, v := range s.violations {
		if f.match(v) {
			summary.add(v.Severity, v.Resolved, 1)
		}
	}
	return summary, nil
}

// ResolveViolation records an operator's resolution.
func (s *MemoryStore) ResolveViolation(_ context.Context, id, resolvedBy, notes string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.violations[id]
	if !ok {
		return ErrNotFound
	}
	v.Resolved = true
	v.ResolvedBy = resolvedBy
	v.ResolvedAt = &at
	v.Notes = notes
	return nil
}

// TopViolatingIPs returns the IPs with the most violations since a time.
func (s *MemoryStore) TopViolatingIPs(_ context.Context, since time.Time, limit int) ([]IPCount, error) {
	s.mu.RLock()
	counts := make(map[string]int64)
	for _, v := range s.violations {
		if !v.CreatedAt.Before(since) {
			counts[v.IP]++
		}
	}
	s.mu.RUnlock()

	out := make([]IPCount, 0, len(counts))
	for ip, n := range counts {
		out = append(out, IPCount{IP: ip, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].IP < out[j].IP
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// TopViolatedEndpoints returns the endpoints with the most violations since a time.
func (s *MemoryStore) TopViolatedEndpoints(_ context.Context, since time.Time, limit int) ([]EndpointCount, error) {
	type key struct{ endpoint, method string }

	s.mu.RLock()
	counts := make(map[key]int64)
	for _, v := range s.violations {
		if !v.CreatedAt.Before(since) {
			counts[key{v.Endpoint, v.Method}]++
		}
	}
	s.mu.RUnlock()

	out := make([]EndpointCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, EndpointCount{Endpoint: k.endpoint, Method: k.method, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Endpoint < out[j].Endpoint
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AddWhitelistEntry adds an entry. The IP must be unique.
func (s *MemoryStore) AddWhitelistEntry(_ context.Context, e *WhitelistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.whitelist {
		if existing.IP == e.IP || existing.ID == e.ID {
			return ErrDuplicate
		}
	}
	cp := *e
	s.whitelist[e.ID] = &cp
	return nil
}

// UpdateWhitelistEntry replaces the mutable fields of an entry.
func (s *MemoryStore) UpdateWhitelistEntry(_ context.Context, e *WhitelistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.whitelist[e.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Description = e.Description
	existing.IsActive = e.IsActive
	existing.ExpiresAt = e.ExpiresAt
	existing.UpdatedAt = e.UpdatedAt
	return nil
}

// RemoveWhitelistEntry deletes an entry.
func (s *MemoryStore) RemoveWhitelistEntry(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.whitelist[id]; !ok {
		return ErrNotFound
	}
	delete(s.whitelist, id)
	return nil
}

// WhitelistEntries returns all entries, newest first.
func (s *MemoryStore) WhitelistEntries(_ context.Context) ([]*WhitelistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*WhitelistEntry, 0, len(s.whitelist))
	for _, e := range s.whitelist {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// LiveWhitelistEntry returns the live entry for ip.
func (s *MemoryStore) LiveWhitelistEntry(_ context.Context, ip string, now time.Time) (*WhitelistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.whitelist {
		if e.IP == ip && e.Live(now) {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (f ViolationFilter) match(v *Violation) bool {
	if f.IP != "" && v.IP != f.IP {
		return false
	}
	if f.Endpoint != "" && v.Endpoint != f.Endpoint {
		return false
	}
	if f.Severity != "" && v.Severity != f.Severity {
		return false
	}
	if f.Resolved != nil && v.Resolved != *f.Resolved {
		return false
	}
	if !f.Since.IsZero() && v.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !v.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

func copyUser(u *User) *User {
	cp := *u
	cp.TwoFactor.BackupCodes = append([]string(nil), u.TwoFactor.BackupCodes...)
	return &cp
}

// removeCode returns codes without the first occurrence of hash.
func removeCode(codes []string, hash string) ([]string, bool) {
	for i, c := range codes {
		if c == hash {
			out := make([]string, 0, len(codes)-1)
			out = append(out, codes[:i]...)
			out = append(out, codes[i+1:]...)
			return out, true
		}
	}
	return codes, false
}

func sameTwoFactor(a, b TwoFactorState) bool {
	return a.Enabled == b.Enabled &&
		a.Method == b.Method &&
		a.SecretCiphertext == b.SecretCiphertext &&
		slices.Equal(a.BackupCodes, b.BackupCodes)
}
