// mailer.go
//
// Mailer interface, NopMailer and the message templates shared by every transport.
// Transports (smtp.go, resend.go) only implement delivery of a rendered subject and body.
package mail

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Mailer sends transactional emails.
type Mailer interface {
	// SendPasswordReset sends a password reset email containing the raw token.
	// vars is a map of %%key%% placeholder names to replacement values (e.g. "name": "Ann").
	// Unresolved placeholders are stripped rather than left in the email.
	// Reserved keys (url, toEmail, expiresIn) are owned by the mailer and cannot be overridden via vars.
	SendPasswordReset(ctx context.Context, toEmail, token string, expiresIn time.Duration, vars map[string]string) error

	// SendEmailVerification sends an email verification link containing the raw token.
	// Same vars rules as SendPasswordReset.
	SendEmailVerification(ctx context.Context, toEmail, token string, expiresIn time.Duration, vars map[string]string) error

	// Send delivers a plain-text notice.
	Send(ctx context.Context, toEmail, subject, body string) error
}

// Links holds the frontend pages that receive tokens.
type Links struct {
	ResetURL  string
	VerifyURL string
}

// NopMailer discards all outbound email. Used when no provider is configured.
type NopMailer struct{}

func (n *NopMailer) SendPasswordReset(_ context.Context, _, _ string, _ time.Duration, _ map[string]string) error {
	return nil
}

func (n *NopMailer) SendEmailVerification(_ context.Context, _, _ string, _ time.Duration, _ map[string]string) error {
	return nil
}

func (n *NopMailer) Send(_ context.Context, _, _, _ string) error { return nil }

// reservedVars holds placeholder keys owned by the mailer.
// Caller-supplied vars with these keys are silently dropped to prevent override.
var reservedVars = map[string]bool{
	"url":       true,
	"toEmail":   true,
	"expiresIn": true,
}

// unresolvedPlaceholder matches any %%word%% placeholder left after substitution.
var unresolvedPlaceholder = regexp.MustCompile(`%%\w+%%`)

// applyVars substitutes %%key%% placeholders in tmpl using vars, then strips any
// that remain unresolved rather than leaving them in the output.
func applyVars(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for key, value := range vars {
		pairs = append(pairs, "%%"+key+"%%", value)
	}
	substituted := strings.NewReplacer(pairs...).Replace(tmpl)
	return unresolvedPlaceholder.ReplaceAllString(substituted, "")
}

// mergeVars copies caller vars, skipping reserved keys, then injects the mailer-owned ones.
func mergeVars(vars map[string]string, toEmail, link string, expiresIn time.Duration) map[string]string {
	merged := make(map[string]string, len(vars)+3)
	for k, v := range vars {
		if !reservedVars[k] {
			merged[k] = v
		}
	}
	merged["toEmail"] = toEmail
	merged["expiresIn"] = formatDuration(expiresIn)
	merged["url"] = link
	return merged
}

// formatDuration renders a duration as a human-readable expiry string.
// e.g. time.Hour → "1 hour", 48*time.Hour → "2 days", 30*time.Minute → "30 minutes".
func formatDuration(d time.Duration) string {
	switch {
	case d >= 24*time.Hour:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	case d >= time.Hour:
		hours := int(d.Hours())
		if hours == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", hours)
	default:
		mins := int(d.Minutes())
		if mins == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", mins)
	}
}

// message is a rendered email ready for a transport.
type message struct {
	Subject string
	Body    string
}

const passwordResetBody = "Hi %%name%%,\n\n" +
	"You requested a password reset.\n\n" +
	"Click the link below to choose a new password:\n\n" +
	"%%url%%\n\n" +
	"This link expires in %%expiresIn%%. If you did not request a reset, ignore this email."

const verificationBody = "Hi %%name%%,\n\n" +
	"Please verify your email address to complete registration.\n\n" +
	"Click the link below to confirm your email:\n\n" +
	"%%url%%\n\n" +
	"This link expires in %%expiresIn%%. If you did not create an account, ignore this email."

func tokenLink(base, token string) string {
	return base + "?token=" + url.QueryEscape(token)
}

func passwordResetMessage(links Links, toEmail, token string, expiresIn time.Duration, vars map[string]string) message {
	merged := mergeVars(vars, toEmail, tokenLink(links.ResetURL, token), expiresIn)
	return message{Subject: "Reset your password", Body: applyVars(passwordResetBody, merged)}
}

func verificationMessage(links Links, toEmail, token string, expiresIn time.Duration, vars map[string]string) message {
	merged := mergeVars(vars, toEmail, tokenLink(links.VerifyURL, token), expiresIn)
	return message{Subject: "Confirm your email address", Body: applyVars(verificationBody, merged)}
}
