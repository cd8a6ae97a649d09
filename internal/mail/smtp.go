// smtp.go
//
// SMTPMailer delivers mail over SMTP. Port 465 uses implicit TLS; every other
// port must offer STARTTLS or the session is refused.
package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

// SMTPConfig holds all configuration for SMTPMailer.
type SMTPConfig struct {
	Host        string
	Port        string
	Username    string
	Password    string
	FromAddress string
	Links       Links
}

// SMTPMailer sends transactional email via any SMTP relay (SES, Mailgun, Mailpit, ...).
type SMTPMailer struct {
	cfg SMTPConfig
	now func() time.Time
}

func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg, now: time.Now}
}

// headerValue strips CR and LF so caller text cannot inject headers.
func headerValue(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

// buildMessage renders an RFC 5322 plain-text message.
func buildMessage(from, to, subject, body string, sent time.Time) string {
	var b strings.Builder
	header := func(k, v string) { b.WriteString(k + ": " + headerValue(v) + "\r\n") }
	header("From", from)
	header("To", to)
	header("Subject", subject)
	header("Date", sent.Format(time.RFC1123Z))
	header("Message-ID", messageID(from))
	header("MIME-Version", "1.0")
	header("Content-Type", "text/plain; charset=UTF-8")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return b.String()
}

// messageID builds <uuid@domain> using the sender's domain.
func messageID(from string) string {
	domain := "localhost"
	if i := strings.LastIndexByte(from, '@'); i >= 0 && i < len(from)-1 {
		domain = strings.Trim(from[i+1:], "> ")
	}
	id, err := uuid.NewV4()
	if err != nil {
		return fmt.Sprintf("<%d@%s>", time.Now().UnixNano(), domain)
	}
	return "<" + id.String() + "@" + domain + ">"
}

// dial opens the client connection, upgrading to TLS before any credential
// or message is sent. The deadline follows ctx.
func (m *SMTPMailer) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(m.cfg.Host, m.cfg.Port)
	tlsCfg := &tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12}
	implicit := m.cfg.Port == "465"

	var conn net.Conn
	var err error
	if implicit {
		conn, err = (&tls.Dialer{Config: tlsCfg}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("smtp handshake: %w", err)
	}
	if implicit {
		return c, nil
	}
	if ok, _ := c.Extension("STARTTLS"); !ok {
		c.Close()
		return nil, fmt.Errorf("smtp server %s does not offer STARTTLS: refusing plaintext session", addr)
	}
	if err := c.StartTLS(tlsCfg); err != nil {
		c.Close()
		return nil, fmt.Errorf("smtp starttls: %w", err)
	}
	return c, nil
}

func (m *SMTPMailer) deliver(ctx context.Context, toEmail, msg string) error {
	c, err := m.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if m.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(m.cfg.FromAddress); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	if err := c.Rcpt(toEmail); err != nil {
		return fmt.Errorf("smtp RCPT TO: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp end of data: %w", err)
	}
	return c.Quit()
}

// Send delivers a plain-text message to toEmail.
func (m *SMTPMailer) Send(ctx context.Context, toEmail, subject, body string) error {
	msg := buildMessage(m.cfg.FromAddress, toEmail, subject, body, m.now())
	if err := m.deliver(ctx, toEmail, msg); err != nil {
		return fmt.Errorf("sending %q: %w", subject, err)
	}
	return nil
}

// SendPasswordReset emails a reset link. token is the raw token; only its hash is stored.
func (m *SMTPMailer) SendPasswordReset(ctx context.Context, toEmail, token string, expiresIn time.Duration, vars map[string]string) error {
	msg := passwordResetMessage(m.cfg.Links, toEmail, token, expiresIn, vars)
	return m.Send(ctx, toEmail, msg.Subject, msg.Body)
}

func (m *SMTPMailer) SendEmailVerification(ctx context.Context, toEmail, token string, expiresIn time.Duration, vars map[string]string) error {
	msg := verificationMessage(m.cfg.Links, toEmail, token, expiresIn, vars)
	return m.Send(ctx, toEmail, msg.Subject, msg.Body)
}
