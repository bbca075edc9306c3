package warden

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aadithya-v/warden/secret"
	"github.com/aadithya-v/warden/store"
)

// DeliveryMethod selects how a user proves the second factor at login.
type DeliveryMethod string

const (
	MethodTOTP     DeliveryMethod = "totp"
	MethodEmailOTP DeliveryMethod = "email"
	MethodSMSOTP   DeliveryMethod = "sms"
)

// ParseDeliveryMethod maps a stored method name to a DeliveryMethod.
// An empty name is TOTP.
func ParseDeliveryMethod(s string) (DeliveryMethod, error) {
	switch m := DeliveryMethod(s); m {
	case "":
		return MethodTOTP, nil
	case MethodTOTP, MethodEmailOTP, MethodSMSOTP:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMethod, s)
	}
}

// TwoFactorSetup is returned once by Enable2FA. Secret is for manual entry
// and QRCode is a PNG data URL of URI.
type TwoFactorSetup struct {
	Secret string `json:"secret"`
	URI    string `json:"uri"`
	QRCode string `json:"qrCode"`
}

// TwoFactorStatus describes a user's 2FA state without secret material.
type TwoFactorStatus struct {
	Enabled              bool           `json:"enabled"`
	Method               DeliveryMethod `json:"method"`
	BackupCodesRemaining int            `json:"backupCodesRemaining"`
}

// TwoFactorLoginRequest is the second step of a login for a user with 2FA enabled.
// Code is either a one-time code for the user's method or a backup code.
type TwoFactorLoginRequest struct {
	UserID     string
	Code       string
	RememberMe bool
	Client     ClientInfo
}

const (
	loginOTPDigits = 6

	twoFactorWriteAttempts = 3
)

func challengeKey(userID string) string {
	return "login:" + userID
}

// Enable2FA starts TOTP enrollment. The new secret is stored encrypted and
// 2FA stays disabled until ConfirmTwoFactorSetup succeeds. Calling it again
// before confirmation replaces the pending secret.
func (w *Warden) Enable2FA(ctx context.Context, userID string) (*TwoFactorSetup, error) {
	var (
		setup  *TwoFactorSetup
		sealed string
	)
	err := w.updateTwoFactor(ctx, userID, func(user *store.User) (store.TwoFactorState, error) {
		if user.TwoFactor.Enabled {
			return store.TwoFactorState{}, ErrTwoFactorAlreadyEnabled
		}
		if setup == nil {
			account := user.Email
			if account == "" {
				account = user.ID
			}
			key, err := secret.GenerateTOTP(w.config.Issuer, account)
			if err != nil {
				return store.TwoFactorState{}, err
			}
			if sealed, err = w.cipher.Encrypt(key.Secret); err != nil {
				return store.TwoFactorState{}, err
			}
			qr, err := secret.QRCodeDataURL(key.URI)
			if err != nil {
				return store.TwoFactorState{}, err
			}
			setup = &TwoFactorSetup{Secret: key.Secret, URI: key.URI, QRCode: qr}
		}
		return store.TwoFactorState{Method: string(MethodTOTP), SecretCiphertext: sealed}, nil
	})
	if err != nil {
		return nil, err
	}
	return setup, nil
}

// ConfirmTwoFactorSetup checks code against the pending secret and, on
// success, enables 2FA and returns the plaintext backup codes. They are not
// retrievable afterwards.
func (w *Warden) ConfirmTwoFactorSetup(ctx context.Context, userID, code string) ([]string, error) {
	var plain, hashed []string
	err := w.updateTwoFactor(ctx, userID, func(user *store.User) (store.TwoFactorState, error) {
		if user.TwoFactor.Enabled {
			return store.TwoFactorState{}, ErrTwoFactorAlreadyEnabled
		}
		if user.TwoFactor.SecretCiphertext == "" {
			return store.TwoFactorState{}, ErrTwoFactorNotInitiated
		}

		// Re-checked on every attempt: a concurrent Enable2FA swaps the secret.
		totpSecret, err := w.cipher.Decrypt(user.TwoFactor.SecretCiphertext)
		if err != nil {
			return store.TwoFactorState{}, err
		}
		if !secret.VerifyTOTP(code, totpSecret, w.now()) {
			return store.TwoFactorState{}, ErrInvalidCode
		}

		if plain == nil {
			if plain, hashed, err = secret.GenerateBackupCodes(w.config.BackupCodeCount, w.config.HashCost); err != nil {
				return store.TwoFactorState{}, err
			}
		}
		return store.TwoFactorState{
			Enabled:          true,
			Method:           string(MethodTOTP),
			SecretCiphertext: user.TwoFactor.SecretCiphertext,
			BackupCodes:      hashed,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	w.notify(ctx, AlertTwoFactorEnabled, userID, nil)
	return plain, nil
}

// VerifyTwoFactorLogin completes a login for a user with 2FA enabled. The code
// is checked against the user's method first and then against the backup
// codes. On success a token pair and session are issued; a consumed backup
// code is removed and the remaining count reported.
//
// Any mismatch returns ErrInvalidTwoFactorCode without saying which check failed.
func (w *Warden) VerifyTwoFactorLogin(ctx context.Context, req TwoFactorLoginRequest) (*LoginResult, error) {
	user, err := w.user(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if !user.TwoFactor.Enabled {
		return nil, ErrTwoFactorNotEnabled
	}

	ok, verifyErr := w.verifyOneTimeCode(ctx, user, req.Code)

	var usedBackup bool
	var remaining int
	if !ok {
		idx, err := w.matchBackupCode(ctx, req.Code, user.TwoFactor.BackupCodes)
		if err != nil {
			return nil, err
		}
		if idx >= 0 {
			opCtx, cancel := w.opCtx(ctx)
			left, consumed, err := w.users.ConsumeBackupCode(opCtx, user.ID, user.TwoFactor.BackupCodes[idx])
			cancel()
			if err != nil {
				return nil, transient("consume backup code", err)
			}
			ok, usedBackup, remaining = consumed, consumed, left
		}
	}
	if !ok {
		if verifyErr != nil {
			return nil, verifyErr
		}
		return nil, ErrInvalidTwoFactorCode
	}

	result, err := w.IssueSession(ctx, user.ID, req.Client, req.RememberMe)
	if err != nil {
		return nil, err
	}
	if usedBackup {
		result.UsedBackupCode = true
		result.RemainingBackupCodes = remaining
		w.notify(ctx, AlertBackupCodeUsed, user.ID, map[string]string{
			"remaining": strconv.Itoa(remaining),
		})
	}
	return result, nil
}

// verifyOneTimeCode dispatches on the user's delivery method. A non-nil
// error means the check could not run, not that the code was wrong. An
// emailed or texted challenge is only consumed by a code shaped like one,
// so submitting a backup code leaves a pending login code usable.
func (w *Warden) verifyOneTimeCode(ctx context.Context, user *store.User, code string) (bool, error) {
	method, err := ParseDeliveryMethod(user.TwoFactor.Method)
	if err != nil {
		return false, err
	}

	switch method {
	case MethodEmailOTP, MethodSMSOTP:
		if !isLoginOTP(code) {
			return false, nil
		}
		opCtx, cancel := w.opCtx(ctx)
		hash, err := w.challenges.TakeChallenge(opCtx, challengeKey(user.ID))
		cancel()
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			w.log.Warn().Err(err).Str("user_id", user.ID).Msg("failed to read login challenge")
			return false, nil
		}
		return w.compare(ctx, hash, code)
	default:
		totpSecret, err := w.cipher.Decrypt(user.TwoFactor.SecretCiphertext)
		if err != nil {
			w.log.Error().Err(err).Str("user_id", user.ID).Msg("stored TOTP secret failed to decrypt")
			return false, err
		}
		return secret.VerifyTOTP(code, totpSecret, w.now()), nil
	}
}

// Disable2FA turns 2FA off after re-checking the account password. The
// secret and every backup code are cleared in one write and the user is alerted.
func (w *Warden) Disable2FA(ctx context.Context, userID, password string) error {
	user, err := w.user(ctx, userID)
	if err != nil {
		return err
	}
	if !user.TwoFactor.Enabled {
		return ErrTwoFactorNotEnabled
	}
	if user.PasswordHash == "" {
		return ErrInsufficientPermission
	}

	ok, err := w.compare(ctx, user.PasswordHash, password)
	if err != nil {
		return err
	}
	if !ok {
		return ErrPasswordMismatch
	}

	err = w.updateTwoFactor(ctx, userID, func(user *store.User) (store.TwoFactorState, error) {
		if !user.TwoFactor.Enabled {
			return store.TwoFactorState{}, ErrTwoFactorNotEnabled
		}
		return store.TwoFactorState{}, nil
	})
	if err != nil {
		return err
	}

	w.notify(ctx, AlertTwoFactorDisabled, userID, nil)
	return nil
}

// RegenerateBackupCodes replaces every backup code with a new batch and
// returns the plaintext codes once.
func (w *Warden) RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	var plain, hashed []string
	err := w.updateTwoFactor(ctx, userID, func(user *store.User) (store.TwoFactorState, error) {
		if !user.TwoFactor.Enabled {
			return store.TwoFactorState{}, ErrTwoFactorNotEnabled
		}
		if plain == nil {
			var err error
			if plain, hashed, err = secret.GenerateBackupCodes(w.config.BackupCodeCount, w.config.HashCost); err != nil {
				return store.TwoFactorState{}, err
			}
		}
		state := user.TwoFactor
		state.BackupCodes = hashed
		return state, nil
	})
	if err != nil {
		return nil, err
	}

	w.notify(ctx, AlertBackupCodesRegenerated, userID, nil)
	return plain, nil
}

// TwoFactorStatus reports whether 2FA is on, the method and how many backup codes are left.
func (w *Warden) TwoFactorStatus(ctx context.Context, userID string) (*TwoFactorStatus, error) {
	user, err := w.user(ctx, userID)
	if err != nil {
		return nil, err
	}
	method, err := ParseDeliveryMethod(user.TwoFactor.Method)
	if err != nil {
		return nil, err
	}
	return &TwoFactorStatus{
		Enabled:              user.TwoFactor.Enabled,
		Method:               method,
		BackupCodesRemaining: len(user.TwoFactor.BackupCodes),
	}, nil
}

// SetTwoFactorMethod switches an enabled user between TOTP and emailed or
// texted codes. The TOTP secret and backup codes are kept.
func (w *Warden) SetTwoFactorMethod(ctx context.Context, userID string, method DeliveryMethod) error {
	if _, err := ParseDeliveryMethod(string(method)); err != nil {
		return err
	}

	return w.updateTwoFactor(ctx, userID, func(user *store.User) (store.TwoFactorState, error) {
		if !user.TwoFactor.Enabled {
			return store.TwoFactorState{}, ErrTwoFactorNotEnabled
		}
		if method != MethodTOTP {
			if _, err := w.otpDestination(user, method); err != nil {
				return store.TwoFactorState{}, err
			}
		}
		state := user.TwoFactor
		state.Method = string(method)
		return state, nil
	})
}

// SendLoginOTP sends a 6 digit login code to a user whose method is email or
// SMS. The code is stored hashed, expires after EmailOTPTTL and can be
// checked once. Sending again replaces the previous code.
func (w *Warden) SendLoginOTP(ctx context.Context, userID string) error {
	user, err := w.user(ctx, userID)
	if err != nil {
		return err
	}
	if !user.TwoFactor.Enabled {
		return ErrTwoFactorNotEnabled
	}
	method, err := ParseDeliveryMethod(user.TwoFactor.Method)
	if err != nil {
		return err
	}
	to, err := w.otpDestination(user, method)
	if err != nil {
		return err
	}

	code, err := secret.NumericOTP(loginOTPDigits)
	if err != nil {
		return err
	}
	hash, err := secret.Hash(code, w.config.HashCost)
	if err != nil {
		return err
	}

	ctx, cancel := w.opCtx(ctx)
	defer cancel()

	if err := w.challenges.PutChallenge(ctx, challengeKey(userID), hash, w.config.EmailOTPTTL); err != nil {
		return transient("store login challenge", err)
	}
	if err := w.config.OTPSender.SendOTP(ctx, method, to, code); err != nil {
		return transient("send login code", err)
	}
	return nil
}

// otpDestination returns where a code for method goes.
func (w *Warden) otpDestination(user *store.User, method DeliveryMethod) (string, error) {
	if w.config.OTPSender == nil {
		return "", fmt.Errorf("%w: no OTP sender configured", ErrUnsupportedMethod)
	}
	switch {
	case method == MethodEmailOTP && user.Email != "":
		return user.Email, nil
	case method == MethodSMSOTP && user.Phone != "":
		return user.Phone, nil
	default:
		return "", fmt.Errorf("%w: no destination for %s", ErrUnsupportedMethod, method)
	}
}

func (w *Warden) user(ctx context.Context, userID string) (*store.User, error) {
	ctx, cancel := w.opCtx(ctx)
	defer cancel()

	u, err := w.users.UserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if err != nil {
		return nil, transient("get user", err)
	}
	return u, nil
}

// updateTwoFactor reads the user, derives the next state with change and
// writes it only if the stored state is still the one that was read. On a
// conflict the read and change are repeated, up to twoFactorWriteAttempts times.
func (w *Warden) updateTwoFactor(ctx context.Context, userID string, change func(*store.User) (store.TwoFactorState, error)) error {
	for attempt := 1; attempt <= twoFactorWriteAttempts; attempt++ {
		user, err := w.user(ctx, userID)
		if err != nil {
			return err
		}
		next, err := change(user)
		if err != nil {
			return err
		}

		opCtx, cancel := w.opCtx(ctx)
		err = w.users.UpdateTwoFactor(opCtx, userID, user.TwoFactor, next, w.now())
		cancel()

		switch {
		case err == nil:
			return nil
		case errors.Is(err, store.ErrConflict):
			w.log.Debug().Str("user_id", userID).Int("attempt", attempt).Msg("two-factor state changed during update")
		case errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("%w: user %s", ErrNotFound, userID)
		default:
			return transient("update two-factor state", err)
		}
	}
	return ErrConcurrentUpdate
}

// matchBackupCode returns the index of the backup code hash matching code, or
// -1. The scan is bounded by OperationTimeout like compare.
func (w *Warden) matchBackupCode(ctx context.Context, code string, hashed []string) (int, error) {
	ctx, cancel := w.opCtx(ctx)
	defer cancel()

	type match struct {
		ok  bool
		idx int
		err error
	}
	done := make(chan match, 1)
	go func() {
		ok, idx, err := secret.VerifyBackupCode(ctx, code, hashed)
		done <- match{ok: ok, idx: idx, err: err}
	}()

	select {
	case m := <-done:
		if m.err != nil {
			return -1, transient("backup code check", m.err)
		}
		if !m.ok {
			return -1, nil
		}
		return m.idx, nil
	case <-ctx.Done():
		return -1, transient("backup code check", ctx.Err())
	}
}

func isLoginOTP(code string) bool {
	if len(code) != loginOTPDigits {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// compare runs a bcrypt comparison bounded by OperationTimeout.
func (w *Warden) compare(ctx context.Context, hash, value string) (bool, error) {
	ctx, cancel := w.opCtx(ctx)
	defer cancel()

	done := make(chan bool, 1)
	go func() { done <- secret.Compare(hash, value) }()

	select {
	case ok := <-done:
		return ok, nil
	case <-ctx.Done():
		return false, transient("hash comparison", ctx.Err())
	}
}
