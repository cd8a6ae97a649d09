// resend.go
//
// ResendMailer delivers mail through the Resend HTTP API.
package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/resend/resend-go/v2"
)

// ResendConfig holds all configuration for ResendMailer.
type ResendConfig struct {
	APIKey      string
	FromAddress string
	Links       Links
}

// ResendMailer implements Mailer using the Resend API.
type ResendMailer struct {
	client *resend.Client
	cfg    ResendConfig
	log    *slog.Logger
}

// NewResendMailer builds a ResendMailer. APIKey and FromAddress are required.
func NewResendMailer(cfg ResendConfig, log *slog.Logger) (*ResendMailer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("resend API key is required")
	}
	if cfg.FromAddress == "" {
		return nil, errors.New("from address is required")
	}
	return &ResendMailer{client: resend.NewClient(cfg.APIKey), cfg: cfg, log: log}, nil
}

// Send delivers a plain-text message to toEmail.
func (m *ResendMailer) Send(ctx context.Context, toEmail, subject, body string) error {
	sent, err := m.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    m.cfg.FromAddress,
		To:      []string{toEmail},
		Subject: headerValue(subject),
		Text:    body,
	})
	if err != nil {
		return fmt.Errorf("sending %q via resend: %w", subject, err)
	}
	m.log.Debug("mail sent", "provider", "resend", "id", sent.Id)
	return nil
}

// SendPasswordReset emails a password reset link to toEmail.
func (m *ResendMailer) SendPasswordReset(ctx context.Context, toEmail, token string, expiresIn time.Duration, vars map[string]string) error {
	msg := passwordResetMessage(m.cfg.Links, toEmail, token, expiresIn, vars)
	return m.Send(ctx, toEmail, msg.Subject, msg.Body)
}

// SendEmailVerification emails a verification link to toEmail.
func (m *ResendMailer) SendEmailVerification(ctx context.Context, toEmail, token string, expiresIn time.Duration, vars map[string]string) error {
	msg := verificationMessage(m.cfg.Links, toEmail, token, expiresIn, vars)
	return m.Send(ctx, toEmail, msg.Subject, msg.Body)
}
