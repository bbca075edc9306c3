package warden

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// AlertKind identifies a security event sent to the account's contact channel.
type AlertKind string

const (
	AlertTwoFactorEnabled       AlertKind = "two_factor_enabled"
	AlertTwoFactorDisabled      AlertKind = "two_factor_disabled"
	AlertBackupCodesRegenerated AlertKind = "backup_codes_regenerated"
	AlertBackupCodeUsed         AlertKind = "backup_code_used"
	AlertSessionRevoked         AlertKind = "session_revoked"
	AlertAllSessionsRevoked     AlertKind = "all_sessions_revoked"
	AlertNewLocation            AlertKind = "new_location"
)

// Alert is a security notification. It never carries secrets.
type Alert struct {
	Kind   AlertKind
	UserID string
	Email  string
	Phone  string
	At     time.Time

	// Details holds kind specific values such as a device name or a count.
	Details map[string]string
}

// Notifier delivers security alerts, typically by email.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// OTPSender delivers a one-time login code over email or SMS.
type OTPSender interface {
	SendOTP(ctx context.Context, method DeliveryMethod, to, code string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, alert Alert) error

func (f NotifierFunc) Notify(ctx context.Context, alert Alert) error {
	return f(ctx, alert)
}

// LogNotifier writes alerts to a zerolog logger. It is the default Notifier.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: logger}
}

func (n *LogNotifier) Notify(_ context.Context, alert Alert) error {
	ev := n.log.Info().
		Str("alert", string(alert.Kind)).
		Str("user_id", alert.UserID).
		Time("at", alert.At)
	for k, v := range alert.Details {
		ev = ev.Str(k, v)
	}
	ev.Msg("security alert")
	return nil
}

// notify sends an alert and logs, rather than returns, a delivery failure.
func (w *Warden) notify(ctx context.Context, kind AlertKind, user string, details map[string]string) {
	alert := Alert{Kind: kind, UserID: user, At: w.now(), Details: details}

	ctx, cancel := w.opCtx(ctx)
	defer cancel()

	if w.users != nil {
		if u, err := w.users.UserByID(ctx, user); err == nil {
			alert.Email, alert.Phone = u.Email, u.Phone
		}
	}
	if err := w.notifier.Notify(ctx, alert); err != nil {
		w.log.Warn().Err(err).Str("alert", string(kind)).Str("user_id", user).Msg("failed to deliver security alert")
	}
}
