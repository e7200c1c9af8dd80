// internal/service/auth/email.go
package auth

import (
	"context"
	"fmt"
	"html"
	"time"

	"helpdesk-service/internal/security"

	"go.uber.org/zap"
)

// EmailHelper builds and sends account notices.
type EmailHelper struct {
	sender security.Mailer
	logger *zap.Logger
}

func NewEmailHelper(sender security.Mailer, logger *zap.Logger) *EmailHelper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmailHelper{sender: sender, logger: logger}
}

// ========== Account Locked ==========

// AccountLockedEmail builds the notice sent when repeated bad passwords lock an account
func (h *EmailHelper) AccountLockedEmail(fullName string, until time.Time, ip string) (string, string) {
	if ip == "" {
		ip = "an unknown address"
	}
	subject := "Your Helpdesk account has been locked"
	body := fmt.Sprintf(`
		<h2>Account Locked</h2>
		<p>Hello %s,</p>
		<p>We locked your account after too many failed sign in attempts from %s.</p>
		<p>You can sign in again after <strong>%s</strong>.</p>
		<div class="warning">
			<p><strong>Was this you?</strong></p>
			<p>If not, ask an administrator to reset your password.</p>
		</div>
	`, html.EscapeString(fullName), html.EscapeString(ip), until.UTC().Format("2006-01-02 15:04 MST"))
	return subject, body
}

// SendAccountLocked sends the lock notice asynchronously
func (h *EmailHelper) SendAccountLocked(ctx context.Context, email, fullName string, until time.Time, ip string) {
	subject, body := h.AccountLockedEmail(fullName, until, ip)
	h.send(email, subject, body, "account locked")
}

// ========== Signed Out Everywhere ==========

// SignedOutEverywhereEmail confirms a sign out of every device
func (h *EmailHelper) SignedOutEverywhereEmail(fullName string, count int) (string, string) {
	subject := "You were signed out of all devices"
	body := fmt.Sprintf(`
		<h2>Signed Out Everywhere</h2>
		<p>Hello %s,</p>
		<p>%d active sessions were ended. Sign in again on the devices you still use.</p>
	`, html.EscapeString(fullName), count)
	return subject, body
}

func (h *EmailHelper) SendSignedOutEverywhere(ctx context.Context, email, fullName string, count int) {
	subject, body := h.SignedOutEverywhereEmail(fullName, count)
	h.send(email, subject, body, "signed out everywhere")
}

func (h *EmailHelper) send(to, subject, body, kind string) {
	go func() {
		if err := h.sender.Send(to, subject, body); err != nil {
			h.logger.Error("failed to send "+kind+" email",
				zap.String("email", to),
				zap.Error(err),
			)
			return
		}
		h.logger.Info(kind+" email sent", zap.String("email", to))
	}()
}
