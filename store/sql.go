package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// dialect holds the few things that differ between the SQL backends.
type dialect struct {
	name        string
	numbered    bool // $1, $2 placeholders instead of ?
	isDuplicate func(error) bool
}

// sqlStore implements SessionRepository, UserStore, ViolationStore and
// WhitelistStore over database/sql. SQLiteStore, MySQLStore and PostgresStore
// embed it and only add schema creation and connection setup.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// DB returns the underlying connection pool.
func (s *sqlStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	return s.db.Close()
}

// q rewrites ? placeholders for dialects that number them.
func (s *sqlStore) q(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) wrap(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if s.d.isDuplicate != nil && s.d.isDuplicate(err) {
		return fmt.Errorf("%s: failed to %s: %w", s.d.name, op, ErrDuplicate)
	}
	return fmt.Errorf("%s: failed to %s: %w", s.d.name, op, err)
}

func (s *sqlStore) expectOne(op string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return s.wrap(op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const sessionColumns = `id, user_id, token_hash, refresh_token_hash, device_ip, device_ua, browser, os,
	device_type, fingerprint, loc_country, loc_city, loc_region, loc_timezone, loc_lat, loc_lng,
	is_trusted, is_active, remember_me, created_at, last_activity, expires_at`

// CreateSession persists a new session.
func (s *sqlStore) CreateSession(ctx context.Context, session *Session) error {
	query := `INSERT INTO sessions (` + sessionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, s.q(query),
		session.ID,
		session.UserID,
		session.TokenHash,
		session.RefreshTokenHash,
		session.DeviceIP,
		session.DeviceUA,
		session.Browser,
		session.OS,
		session.DeviceType,
		session.Fingerprint,
		session.LocCountry,
		session.LocCity,
		session.LocRegion,
		session.LocTimezone,
		session.LocLat,
		session.LocLng,
		session.IsTrusted,
		session.IsActive,
		session.RememberMe,
		session.CreatedAt.UTC(),
		session.LastActivity.UTC(),
		session.ExpiresAt.UTC(),
	)
	if err != nil {
		return s.wrap("save session", err)
	}
	return nil
}

// SessionByTokenHash returns the active, unexpired session for tokenHash.
func (s *sqlStore) SessionByTokenHash(ctx context.Context, tokenHash string, now time.Time) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
	WHERE token_hash = ? AND is_active = ? AND expires_at > ?`

	session, err := scanSession(s.db.QueryRowContext(ctx, s.q(query), tokenHash, true, now.UTC()))
	if err != nil {
		return nil, s.wrap("get session", err)
	}
	return session, nil
}

// SessionByID returns a session in any state.
func (s *sqlStore) SessionByID(ctx context.Context, id string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

	session, err := scanSession(s.db.QueryRowContext(ctx, s.q(query), id))
	if err != nil {
		return nil, s.wrap("get session", err)
	}
	return session, nil
}

// TouchSession sets LastActivity.
func (s *sqlStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE sessions SET last_activity = ? WHERE id = ?`), at.UTC(), id)
	if err != nil {
		return s.wrap("update session activity", err)
	}
	return s.expectOne("update session activity", res)
}

// ExtendSession moves ExpiresAt and LastActivity of an active session.
func (s *sqlStore) ExtendSession(ctx context.Context, id string, expiresAt, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE sessions SET expires_at = ?, last_activity = ? WHERE id = ? AND is_active = ?`),
		expiresAt.UTC(), at.UTC(), id, true,
	)
	if err != nil {
		return s.wrap("extend session", err)
	}
	return s.expectOne("extend session", res)
}

// DeactivateSession marks a session inactive (soft delete, kept until the sweep).
func (s *sqlStore) DeactivateSession(ctx context.Context, id string) (string, error) {
	var tokenHash string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT token_hash FROM sessions WHERE id = ?`), id).Scan(&tokenHash)
	if err != nil {
		return "", s.wrap("invalidate session", err)
	}

	if _, err := s.db.ExecContext(ctx, s.q(`UPDATE sessions SET is_active = ? WHERE id = ?`), false, id); err != nil {
		return "", s.wrap("invalidate session", err)
	}
	return tokenHash, nil
}

// DeactivateUserSessions marks all other active sessions of a user inactive.
func (s *sqlStore) DeactivateUserSessions(ctx context.Context, userID, exceptID string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.wrap("begin transaction", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		s.q(`SELECT token_hash FROM sessions WHERE user_id = ? AND is_active = ? AND id <> ?`),
		userID, true, exceptID,
	)
	if err != nil {
		return nil, s.wrap("query sessions", err)
	}
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			rows.Close()
			return nil, s.wrap("scan session", err)
		}
		hashes = append(hashes, h)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, s.wrap("iterate sessions", err)
	}
	rows.Close()

	if len(hashes) == 0 {
		return nil, nil
	}

	_, err = tx.ExecContext(ctx,
		s.q(`UPDATE sessions SET is_active = ? WHERE user_id = ? AND is_active = ? AND id <> ?`),
		false, userID, true, exceptID,
	)
	if err != nil {
		return nil, s.wrap("invalidate sessions", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, s.wrap("commit", err)
	}
	return hashes, nil
}

// ActiveSessions returns a user's active sessions, most recent activity first.
func (s *sqlStore) ActiveSessions(ctx context.Context, userID string, now time.Time) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
	WHERE user_id = ? AND is_active = ? AND expires_at > ?
	ORDER BY last_activity DESC`

	rows, err := s.db.QueryContext(ctx, s.q(query), userID, true, now.UTC())
	if err != nil {
		return nil, s.wrap("query sessions", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, s.wrap("scan session", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("iterate sessions", err)
	}
	return sessions, nil
}

// DeleteExpiredSessions hard deletes expired or long idle sessions.
func (s *sqlStore) DeleteExpiredSessions(ctx context.Context, now, idleBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM sessions WHERE expires_at < ? OR last_activity < ?`),
		now.UTC(), idleBefore.UTC(),
	)
	if err != nil {
		return 0, s.wrap("delete expired sessions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.wrap("delete expired sessions", err)
	}
	return n, nil
}

func scanSession(row rowScanner) (*Session, error) {
	var session Session
	err := row.Scan(
		&session.ID,
		&session.UserID,
		&session.TokenHash,
		&session.RefreshTokenHash,
		&session.DeviceIP,
		&session.DeviceUA,
		&session.Browser,
		&session.OS,
		&session.DeviceType,
		&session.Fingerprint,
		&session.LocCountry,
		&session.LocCity,
		&session.LocRegion,
		&session.LocTimezone,
		&session.LocLat,
		&session.LocLng,
		&session.IsTrusted,
		&session.IsActive,
		&session.RememberMe,
		&session.CreatedAt,
		&session.LastActivity,
		&session.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	session.CreatedAt = session.CreatedAt.UTC()
	session.LastActivity = session.LastActivity.UTC()
	session.ExpiresAt = session.ExpiresAt.UTC()
	return &session, nil
}

const userColumns = `id, email, name, phone, password_hash, two_factor_enabled, two_factor_method,
	two_factor_secret, two_factor_backup_codes, created_at, updated_at`

// CreateUser adds a user record.
func (s *sqlStore) CreateUser(ctx context.Context, u *User) error {
	codes, err := encodeCodes(u.TwoFactor.BackupCodes)
	if err != nil {
		return err
	}

	query := `INSERT INTO users (` + userColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, s.q(query),
		u.ID,
		u.Email,
		u.Name,
		u.Phone,
		u.PasswordHash,
		u.TwoFactor.Enabled,
		u.TwoFactor.Method,
		u.TwoFactor.SecretCiphertext,
		codes,
		u.CreatedAt.UTC(),
		u.UpdatedAt.UTC(),
	)
	if err != nil {
		return s.wrap("save user", err)
	}
	return nil
}

// UserByID returns a user record.
func (s *sqlStore) UserByID(ctx context.Context, id string) (*User, error) {
	var (
		u     User
		codes string
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT `+userColumns+` FROM users WHERE id = ?`), id).Scan(
		&u.ID,
		&u.Email,
		&u.Name,
		&u.Phone,
		&u.PasswordHash,
		&u.TwoFactor.Enabled,
		&u.TwoFactor.Method,
		&u.TwoFactor.SecretCiphertext,
		&codes,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, s.wrap("get user", err)
	}
	if u.TwoFactor.BackupCodes, err = decodeCodes(codes); err != nil {
		return nil, fmt.Errorf("%s: failed to decode backup codes: %w", s.d.name, err)
	}
	return &u, nil
}

// UpdateTwoFactor replaces a user's 2FA state in one statement, guarded by
// the state the caller read.
func (s *sqlStore) UpdateTwoFactor(ctx context.Context, userID string, expected, next TwoFactorState, at time.Time) error {
	nextCodes, err := encodeCodes(next.BackupCodes)
	if err != nil {
		return err
	}
	expectedCodes, err := encodeCodes(expected.BackupCodes)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, s.q(`UPDATE users SET
		two_factor_enabled = ?, two_factor_method = ?, two_factor_secret = ?,
		two_factor_backup_codes = ?, updated_at = ?
		WHERE id = ? AND two_factor_enabled = ? AND two_factor_method = ?
		AND two_factor_secret = ? AND two_factor_backup_codes = ?`),
		next.Enabled, next.Method, next.SecretCiphertext, nextCodes, at.UTC(),
		userID, expected.Enabled, expected.Method, expected.SecretCiphertext, expectedCodes,
	)
	if err != nil {
		return s.wrap("update two-factor state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.wrap("update two-factor state", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM users WHERE id = ?`), userID).Scan(&exists)
	if err != nil {
		return s.wrap("check user", err)
	}
	return ErrConflict
}

// ConsumeBackupCode removes hash from the user's backup codes with a
// compare-and-swap on the stored list.
func (s *sqlStore) ConsumeBackupCode(ctx context.Context, userID, hash string) (int, bool, error) {
	var stored string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT two_factor_backup_codes FROM users WHERE id = ?`), userID).Scan(&stored)
	if err != nil {
		return 0, false, s.wrap("get backup codes", err)
	}
	codes, err := decodeCodes(stored)
	if err != nil {
		return 0, false, fmt.Errorf("%s: failed to decode backup codes: %w", s.d.name, err)
	}

	remaining, removed := removeCode(codes, hash)
	if !removed {
		return len(codes), false, nil
	}
	next, err := encodeCodes(remaining)
	if err != nil {
		return 0, false, err
	}

	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE users SET two_factor_backup_codes = ? WHERE id = ? AND two_factor_backup_codes = ?`),
		next, userID, stored,
	)
	if err != nil {
		return 0, false, s.wrap("consume backup code", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, s.wrap("consume backup code", err)
	}
	if n == 0 {
		return len(codes), false, nil
	}
	return len(remaining), true, nil
}

func encodeCodes(codes []string) (string, error) {
	if codes == nil {
		codes = []string{}
	}
	raw, err := json.Marshal(codes)
	if err != nil {
		return "", fmt.Errorf("store: failed to encode backup codes: %w", err)
	}
	return string(raw), nil
}

func decodeCodes(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var codes []string
	if err := json.Unmarshal([]byte(raw), &codes); err != nil {
		return nil, err
	}
	return codes, nil
}

const violationColumns = `id, ip, endpoint, method, user_id, user_agent, policy, request_count,
	limit_count, window_ms, severity, blocked, whitelisted, resolved, resolved_by, resolved_at,
	notes, created_at`

// InsertViolation persists a violation.
func (s *sqlStore) InsertViolation(ctx context.Context, v *Violation) error {
	query := `INSERT INTO rate_limit_violations (` + violationColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, s.q(query),
		v.ID,
		v.IP,
		v.Endpoint,
		v.Method,
		v.UserID,
		v.UserAgent,
		v.Policy,
		v.RequestCount,
		v.Limit,
		v.WindowMs,
		v.Severity,
		v.Blocked,
		v.Whitelisted,
		v.Resolved,
		v.ResolvedBy,
		nullTime(v.ResolvedAt),
		v.Notes,
		v.CreatedAt.UTC(),
	)
	if err != nil {
		return s.wrap("save violation", err)
	}
	return nil
}

// ViolationByID returns a violation.
func (s *sqlStore) ViolationByID(ctx context.Context, id string) (*Violation, error) {
	query := `SELECT ` + violationColumns + ` FROM rate_limit_violations WHERE id = ?`
	v, err := scanViolation(s.db.QueryRowContext(ctx, s.q(query), id))
	if err != nil {
		return nil, s.wrap("get violation", err)
	}
	return v, nil
}

// ListViolations returns matching violations, newest first, and the total count.
func (s *sqlStore) ListViolations(ctx context.Context, f ViolationFilter) ([]*Violation, int64, error) {
	where, args := f.where()

	var total int64
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM rate_limit_violations`+where), args...).Scan(&total); err != nil {
		return nil, 0, s.wrap("count violations", err)
	}

	query := `SELECT ` + violationColumns + ` FROM rate_limit_violations` + where + ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, 0, s.wrap("query violations", err)
	}
	defer rows.Close()

	var out []*Violation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, 0, s.wrap("scan violation", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, s.wrap("iterate violations", err)
	}
	return out, total, nil
}

// SummarizeViolations counts matching violations per severity and resolution.
func (s *sqlStore) SummarizeViolations(ctx context.Context, f ViolationFilter) (*ViolationSummary, error) {
	where, args := f.where()
	query := `SELECT severity, resolved, COUNT(*) FROM rate_limit_violations` + where + ` GROUP BY severity, resolved`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, s.wrap("summarize violations", err)
	}
	defer rows.Close()

	summary := &ViolationSummary{}
	for rows.Next() {
		var (
			severity string
			resolved bool
			n        int64
		)
		if err := rows.Scan(&severity, &resolved, &n); err != nil {
			return nil, s.wrap("scan summary", err)
		}
		summary.add(severity, resolved, n)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("iterate summary", err)
	}
	return summary, nil
}

// ResolveViolation records an operator's resolution.
func (s *sqlStore) ResolveViolation(ctx context.Context, id, resolvedBy, notes string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE rate_limit_violations SET resolved = ?, resolved_by = ?, resolved_at = ?, notes = ? WHERE id = ?`),
		true, resolvedBy, at.UTC(), notes, id,
	)
	if err != nil {
		return s.wrap("resolve violation", err)
	}
	return s.expectOne("resolve violation", res)
}

// TopViolatingIPs returns the IPs with the most violations since a time.
func (s *sqlStore) TopViolatingIPs(ctx context.Context, since time.Time, limit int) ([]IPCount, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT ip, COUNT(*) AS n FROM rate_limit_violations
		WHERE created_at >= ? GROUP BY ip ORDER BY n DESC, ip ASC LIMIT ?`),
		since.UTC(), limitOrDefault(limit),
	)
	if err != nil {
		return nil, s.wrap("query top ips", err)
	}
	defer rows.Close()

	var out []IPCount
	for rows.Next() {
		var c IPCount
		if err := rows.Scan(&c.IP, &c.Count); err != nil {
			return nil, s.wrap("scan top ips", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("iterate top ips", err)
	}
	return out, nil
}

// TopViolatedEndpoints returns the endpoints with the most violations since a time.
func (s *sqlStore) TopViolatedEndpoints(ctx context.Context, since time.Time, limit int) ([]EndpointCount, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT endpoint, method, COUNT(*) AS n FROM rate_limit_violations
		WHERE created_at >= ? GROUP BY endpoint, method ORDER BY n DESC, endpoint ASC LIMIT ?`),
		since.UTC(), limitOrDefault(limit),
	)
	if err != nil {
		return nil, s.wrap("query top endpoints", err)
	}
	defer rows.Close()

	var out []EndpointCount
	for rows.Next() {
		var c EndpointCount
		if err := rows.Scan(&c.Endpoint, &c.Method, &c.Count); err != nil {
			return nil, s.wrap("scan top endpoints", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("iterate top endpoints", err)
	}
	return out, nil
}

func scanViolation(row rowScanner) (*Violation, error) {
	var (
		v          Violation
		resolvedAt sql.NullTime
	)
	err := row.Scan(
		&v.ID,
		&v.IP,
		&v.Endpoint,
		&v.Method,
		&v.UserID,
		&v.UserAgent,
		&v.Policy,
		&v.RequestCount,
		&v.Limit,
		&v.WindowMs,
		&v.Severity,
		&v.Blocked,
		&v.Whitelisted,
		&v.Resolved,
		&v.ResolvedBy,
		&resolvedAt,
		&v.Notes,
		&v.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	v.CreatedAt = v.CreatedAt.UTC()
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		v.ResolvedAt = &t
	}
	return &v, nil
}

func (f ViolationFilter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.IP != "" {
		conds = append(conds, "ip = ?")
		args = append(args, f.IP)
	}
	if f.Endpoint != "" {
		conds = append(conds, "endpoint = ?")
		args = append(args, f.Endpoint)
	}
	if f.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, f.Severity)
	}
	if f.Resolved != nil {
		conds = append(conds, "resolved = ?")
		args = append(args, *f.Resolved)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, f.Until.UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

const whitelistColumns = `id, ip, description, added_by, is_active, expires_at, created_at, updated_at`

// AddWhitelistEntry adds an entry. The IP must be unique.
func (s *sqlStore) AddWhitelistEntry(ctx context.Context, e *WhitelistEntry) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO ip_whitelist (`+whitelistColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.IP, e.Description, e.AddedBy, e.IsActive, nullTime(e.ExpiresAt), e.CreatedAt.UTC(), e.UpdatedAt.UTC(),
	)
	if err != nil {
		return s.wrap("save whitelist entry", err)
	}
	return nil
}

// UpdateWhitelistEntry replaces the mutable fields of an entry.
func (s *sqlStore) UpdateWhitelistEntry(ctx context.Context, e *WhitelistEntry) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE ip_whitelist SET description = ?, is_active = ?, expires_at = ?, updated_at = ? WHERE id = ?`),
		e.Description, e.IsActive, nullTime(e.ExpiresAt), e.UpdatedAt.UTC(), e.ID,
	)
	if err != nil {
		return s.wrap("update whitelist entry", err)
	}
	return s.expectOne("update whitelist entry", res)
}

// RemoveWhitelistEntry deletes an entry.
func (s *sqlStore) RemoveWhitelistEntry(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM ip_whitelist WHERE id = ?`), id)
	if err != nil {
		return s.wrap("delete whitelist entry", err)
	}
	return s.expectOne("delete whitelist entry", res)
}

// WhitelistEntries returns all entries, newest first.
func (s *sqlStore) WhitelistEntries(ctx context.Context) ([]*WhitelistEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+whitelistColumns+` FROM ip_whitelist ORDER BY created_at DESC`)
	if err != nil {
		return nil, s.wrap("query whitelist", err)
	}
	defer rows.Close()

	var out []*WhitelistEntry
	for rows.Next() {
		e, err := scanWhitelistEntry(rows)
		if err != nil {
			return nil, s.wrap("scan whitelist entry", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("iterate whitelist", err)
	}
	return out, nil
}

// LiveWhitelistEntry returns the active, unexpired entry for ip.
func (s *sqlStore) LiveWhitelistEntry(ctx context.Context, ip string, now time.Time) (*WhitelistEntry, error) {
	query := `SELECT ` + whitelistColumns + ` FROM ip_whitelist
	WHERE ip = ? AND is_active = ? AND (expires_at IS NULL OR expires_at > ?)`

	e, err := scanWhitelistEntry(s.db.QueryRowContext(ctx, s.q(query), ip, true, now.UTC()))
	if err != nil {
		return nil, s.wrap("get whitelist entry", err)
	}
	return e, nil
}

func scanWhitelistEntry(row rowScanner) (*WhitelistEntry, error) {
	var (
		e         WhitelistEntry
		expiresAt sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.IP, &e.Description, &e.AddedBy, &e.IsActive, &expiresAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		e.ExpiresAt = &t
	}
	return &e, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 10
	}
	return limit
}
