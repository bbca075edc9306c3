package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aadithya-v/warden"
	"github.com/aadithya-v/warden/secret"
	"github.com/aadithya-v/warden/store"
)

// backend is what every durable store in the store package provides.
type backend interface {
	store.SessionRepository
	store.UserStore
	store.ViolationStore
	store.WhitelistStore
}

type server struct {
	w     *warden.Warden
	users store.UserStore
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := warden.LoadConfigFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	db, err := openBackend(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open durable store")
	}
	cfg.SessionStore, cfg.Users, cfg.Violations, cfg.Whitelist = db, db, db, db

	// Optional Redis: session cache, shared rate limit counters and login codes.
	if addr := os.Getenv("WARDEN_REDIS_ADDR"); addr != "" {
		client, err := store.NewRedisClient(store.RedisConfig{Addr: addr, Password: os.Getenv("WARDEN_REDIS_PASSWORD")})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		cfg.SessionCache = store.NewRedisCache(client, "")
		cfg.Counter = store.NewRedisCounter(client)
		cfg.Challenges = store.NewRedisChallengeStore(client, "")
	}

	w, err := warden.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize warden")
	}
	defer w.Close()

	if err := seedDemoUser(db); err != nil {
		log.Fatal().Err(err).Msg("failed to seed demo user")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go sweep(ctx, w, time.Hour)

	s := &server{w: w, users: db}
	handler := s.routes()
	srv := &http.Server{Addr: ":8080", Handler: handler, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()

	log.Info().Str("addr", srv.Addr).Msg("warden example server running")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func openBackend(sqlitePath string) (backend, error) {
	if dsn := os.Getenv("WARDEN_MYSQL_DSN"); dsn != "" {
		return store.NewMySQLFromDSN(dsn)
	}
	if dsn := os.Getenv("WARDEN_POSTGRES_DSN"); dsn != "" {
		return store.NewPostgresFromDSN(dsn)
	}
	return store.NewSQLite(sqlitePath)
}

// sweep removes dead sessions on every tick until ctx is done.
func sweep(ctx context.Context, w *warden.Warden, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.SweepExpired(ctx); err != nil {
				log.Warn().Err(err).Msg("session sweep failed")
			}
		}
	}
}

func seedDemoUser(users store.UserStore) error {
	hash, err := secret.Hash("password123", secret.DefaultHashCost)
	if err != nil {
		return err
	}
	err = users.CreateUser(context.Background(), &store.User{
		ID:           "demo",
		Email:        "demo@example.com",
		Name:         "Demo User",
		PasswordHash: hash,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	})
	if errors.Is(err, store.ErrDuplicate) {
		return nil
	}
	return err
}

// routes builds the API. Rate limiting wraps session validation so requests
// carrying bad tokens are counted too.
func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /login", s.w.RateLimitMiddleware(warden.PolicyLogin)(http.HandlerFunc(s.login)))
	mux.Handle("POST /login/2fa", s.w.RateLimitMiddleware(warden.PolicyTwoFactor)(http.HandlerFunc(s.loginTwoFactor)))
	mux.HandleFunc("POST /2fa/enable", s.authed(s.enableTwoFactor))
	mux.HandleFunc("POST /2fa/confirm", s.authed(s.confirmTwoFactor))
	mux.HandleFunc("POST /2fa/disable", s.authed(s.disableTwoFactor))
	mux.HandleFunc("POST /2fa/backup-codes", s.authed(s.regenerateBackupCodes))
	mux.HandleFunc("GET /sessions", s.authed(s.listSessions))
	mux.HandleFunc("DELETE /sessions/{id}", s.authed(s.revokeSession))
	mux.HandleFunc("POST /logout", s.authed(s.logout))
	mux.HandleFunc("POST /logout-all", s.authed(s.logoutAll))
	mux.HandleFunc("GET /admin/violations", s.authed(s.violations))
	mux.HandleFunc("POST /admin/whitelist", s.authed(s.whitelist))

	return s.w.RateLimitMiddleware(warden.PolicyAPI)(s.w.SessionMiddleware(mux))
}

// authed rejects requests that SessionMiddleware did not attach a session to.
func (s *server) authed(h func(http.ResponseWriter, *http.Request, *warden.Session)) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		sess, ok := warden.SessionFromContext(r.Context())
		if !ok {
			respond(rw, http.StatusUnauthorized, map[string]any{"success": false, "message": "Authentication required"})
			return
		}
		h(rw, r, sess)
	}
}

func (s *server) login(rw http.ResponseWriter, r *http.Request) {
	userID, password := r.FormValue("user_id"), r.FormValue("password")

	user, err := s.users.UserByID(r.Context(), userID)
	if err != nil || !secret.Compare(user.PasswordHash, password) {
		respond(rw, http.StatusUnauthorized, map[string]any{"success": false, "message": "Invalid credentials"})
		return
	}

	if user.TwoFactor.Enabled {
		if user.TwoFactor.Method != string(warden.MethodTOTP) {
			if err := s.w.SendLoginOTP(r.Context(), userID); err != nil {
				fail(rw, err)
				return
			}
		}
		respond(rw, http.StatusOK, map[string]any{"success": true, "twoFactorRequired": true, "method": user.TwoFactor.Method})
		return
	}

	result, err := s.w.IssueSession(r.Context(), userID, s.w.ExtractClientInfo(r), r.FormValue("remember_me") == "true")
	if err != nil {
		fail(rw, err)
		return
	}
	respond(rw, http.StatusOK, result)
}

func (s *server) loginTwoFactor(rw http.ResponseWriter, r *http.Request) {
	result, err := s.w.VerifyTwoFactorLogin(r.Context(), warden.TwoFactorLoginRequest{
		UserID:     r.FormValue("user_id"),
		Code:       r.FormValue("code"),
		RememberMe: r.FormValue("remember_me") == "true",
		Client:     s.w.ExtractClientInfo(r),
	})
	if err != nil {
		fail(rw, err)
		return
	}
	respond(rw, http.StatusOK, result)
}

func (s *server) enableTwoFactor(rw http.ResponseWriter, r *http.Request, sess *warden.Session) {
	setup, err := s.w.Enable2FA(r.Context(), sess.UserID)
	if err != nil {
		fail(rw, err)
		return
	}
	respond(rw, http.StatusOK, setup)
}

func (s *server) confirmTwoFactor(rw http.ResponseWriter, r *http.Request, sess *warden.Session) {
	codes, err := s.w.ConfirmTwoFactorSetup(r.Context(), sess.UserID, r.FormValue("code"))
	if err != nil {
		fail(rw, err)
		return
	}
	respond(rw, http.StatusOK, map[string]any{"success": true, "backupCodes": codes})
}

func (s *server) disableTwoFactor(rw http.ResponseWriter, r *http.Request, sess *warden.Session) {
	if err := s.w.Disable2FA(r.Context(), sess.UserID, r.FormValue("password")); err != nil {
		fail(rw, err)
		return
	}
	respond(rw, http.StatusOK, map[string]any{"success": true})
}

func (s *server) regenerateBackupCodes(rw http.ResponseWriter, r *http.Request, sess *warden.Session) {
	codes, err := s.w.RegenerateBackupCodes(r.Context(), sess.UserID)
	if err != nil {
		fail(rw, err)
		return
	}
	respond(rw, http.StatusOK, map[string]any{"success": true, "backupCodes": codes})
}

func (s *server) listSessions(rw http.ResponseWriter, r *http.Request, sess *warden.Session) {
	sessions, err := s.w.ListSessions(r.Context(), sess.UserID)
	if err != nil {
		fail(rw, err)
		return
	}
	respond(rw, http.StatusOK, map[string]any{"current": sess.ID, "sessions": sessions})
}

func (s *server) revokeSession(rw http.ResponseWriter, r *http.Request, sess *warden.Session) {
	if err := s.w.RevokeUserSession(r.Context(), sess.UserID, r.PathValue("id")); err != nil {
		fail(rw, err)
		return
	}
	respond(rw, http.StatusOK, map[string]any{"success": true})
}

func (s *server) logout(rw http.ResponseWriter, r *http.Request, sess *warden.Session) {
	token, _ := warden.TokenFromContext(r.Context())
	if err := s.w.RevokeSession(r.Context(), sess.ID, token); err != nil {
		fail(rw, err)
		return
	}
	respond(rw, http.StatusOK, map[string]any{"success": true})
}

func (s *server) logoutAll(rw http.ResponseWriter, r *http.Request, sess *warden.Session) {
	n, err := s.w.RevokeAllSessions(r.Context(), sess.UserID, sess.ID)
	if err != nil {
		fail(rw, err)
		return
	}
	respond(rw, http.StatusOK, map[string]any{"success": true, "revoked": n})
}

// The admin handlers below only require a session; a real application
// would check a role first.
func (s *server) violations(rw http.ResponseWriter, r *http.Request, _ *warden.Session) {
	page, err := s.w.ListViolations(r.Context(), store.ViolationFilter{
		IP:       r.URL.Query().Get("ip"),
		Severity: r.URL.Query().Get("severity"),
	})
	if err != nil {
		fail(rw, err)
		return
	}
	respond(rw, http.StatusOK, page)
}

func (s *server) whitelist(rw http.ResponseWriter, r *http.Request, sess *warden.Session) {
	entry, err := s.w.AddToWhitelist(r.Context(), warden.WhitelistRequest{
		IP:          r.FormValue("ip"),
		Description: r.FormValue("description"),
		AddedBy:     sess.UserID,
	})
	if err != nil {
		fail(rw, err)
		return
	}
	respond(rw, http.StatusCreated, entry)
}

func fail(rw http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, warden.ErrInvalidTwoFactorCode), errors.Is(err, warden.ErrPasswordMismatch):
		status = http.StatusUnauthorized
	case errors.Is(err, warden.ErrInsufficientPermission):
		status = http.StatusForbidden
	case errors.Is(err, warden.ErrNotFound), errors.Is(err, warden.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, warden.ErrInvalidCode), errors.Is(err, warden.ErrInvalidRequest),
		errors.Is(err, warden.ErrTwoFactorAlreadyEnabled), errors.Is(err, warden.ErrTwoFactorNotEnabled),
		errors.Is(err, warden.ErrTwoFactorNotInitiated), errors.Is(err, warden.ErrUnsupportedMethod):
		status = http.StatusBadRequest
	case errors.Is(err, warden.ErrWhitelistEntryExists), errors.Is(err, warden.ErrConcurrentUpdate):
		status = http.StatusConflict
	case errors.Is(err, warden.ErrTransient):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	respond(rw, status, map[string]any{"success": false, "message": err.Error()})
}

func respond(rw http.ResponseWriter, status int, body any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(body)
}
