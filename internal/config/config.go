// config.go

// Environment variable loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/auth"
	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/ratelimit"
)

// Mail providers accepted by MAIL_PROVIDER.
const (
	MailNone   = "none"
	MailSMTP   = "smtp"
	MailResend = "resend"
)

// OAuthClient holds one provider's client registration. Zero value = disabled.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Enabled reports whether every field is set.
func (c OAuthClient) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.RedirectURL != ""
}

// Config holds all env configuration vars for the service.
type Config struct {
	DatabaseURL  string
	RedisURL     string // empty = single-instance mode (in-process limiter, no session cache)
	Port         string
	LogLevel     slog.Level
	CookieSecure bool
	AppBaseURL   string

	SessionTTL     time.Duration
	VerifyTokenTTL time.Duration
	ResetTokenTTL  time.Duration
	ChallengeTTL   time.Duration
	TOTPIssuer     string

	// Per-identifier limits enforced by the core.
	RateLogin     ratelimit.Policy
	RateTwoFactor ratelimit.Policy
	RateReset     ratelimit.Policy
	RateResend    ratelimit.Policy
	RateRegister  ratelimit.Policy

	// HTTPRatePerMinute is the coarse per-IP throttle in front of the public routes.
	HTTPRatePerMinute int

	// Outbound mail.
	MailProvider string
	MailFrom     string
	ResetURL     string
	VerifyURL    string
	MailQueueMax int64
	SMTPHost     string
	SMTPPort     string // defaults to 587
	SMTPUsername string
	SMTPPassword string
	ResendAPIKey string

	Google   OAuthClient
	Facebook OAuthClient

	// TurnstileSecret enables CAPTCHA on registration and reset requests when set.
	TurnstileSecret   string
	TurnstileHostname string
}

// LoadConfig reads a .env file when present, then environment variables, and
// returns a validated Config. Returns an error if DATABASE_URL is missing or the
// mail settings are inconsistent.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not read .env file", "error", err)
	}

	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	cfg.RedisURL = os.Getenv("REDIS_URL")

	cfg.Port = envString("PORT", "7865")
	cfg.LogLevel = parseLevel(os.Getenv("LOG_LEVEL"))

	// Default true -- only explicit "false" disables.
	cfg.CookieSecure = os.Getenv("COOKIE_SECURE") != "false"
	cfg.AppBaseURL = os.Getenv("APP_BASE_URL")

	cfg.SessionTTL = envDuration("SESSION_TTL", auth.DefaultSessionTTL)
	cfg.VerifyTokenTTL = envDuration("VERIFY_TOKEN_TTL", auth.DefaultVerifyTokenTTL)
	cfg.ResetTokenTTL = envDuration("RESET_TOKEN_TTL", auth.DefaultResetTokenTTL)
	cfg.ChallengeTTL = envDuration("TWO_FACTOR_CHALLENGE_TTL", auth.DefaultChallengeTTL)
	cfg.TOTPIssuer = envString("TOTP_ISSUER", "Fatos Pro")

	// Invalid values fall back to the default so a misconfigured env
	// doesn't silently disable rate limiting.
	def := auth.DefaultLimits()
	cfg.RateLogin = envPolicy("RATE_LOGIN", def.Login)
	cfg.RateTwoFactor = envPolicy("RATE_2FA", def.TwoFactor)
	cfg.RateReset = envPolicy("RATE_RESET", def.PasswordReset)
	cfg.RateResend = envPolicy("RATE_RESEND", def.Resend)
	cfg.RateRegister = envPolicy("RATE_REGISTER", def.Register)
	cfg.HTTPRatePerMinute = envInt("HTTP_RATE_PER_MINUTE", 120)

	if err := loadMail(cfg); err != nil {
		return nil, err
	}

	cfg.Google = OAuthClient{
		ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		RedirectURL:  os.Getenv("GOOGLE_REDIRECT_URL"),
	}
	cfg.Facebook = OAuthClient{
		ClientID:     os.Getenv("FACEBOOK_CLIENT_ID"),
		ClientSecret: os.Getenv("FACEBOOK_CLIENT_SECRET"),
		RedirectURL:  os.Getenv("FACEBOOK_REDIRECT_URL"),
	}

	cfg.TurnstileSecret = os.Getenv("TURNSTILE_SECRET")
	cfg.TurnstileHostname = os.Getenv("TURNSTILE_HOSTNAME")

	return cfg, nil
}

func loadMail(cfg *Config) error {
	cfg.SMTPHost = os.Getenv("SMTP_HOST")
	cfg.SMTPPort = envString("SMTP_PORT", "587")
	cfg.SMTPUsername = os.Getenv("SMTP_USERNAME")
	cfg.SMTPPassword = os.Getenv("SMTP_PASSWORD")
	cfg.ResendAPIKey = os.Getenv("RESEND_API_KEY")
	cfg.MailFrom = os.Getenv("MAIL_FROM")
	if cfg.MailFrom == "" {
		cfg.MailFrom = os.Getenv("SMTP_FROM")
	}
	cfg.ResetURL = os.Getenv("RESET_URL")
	cfg.VerifyURL = os.Getenv("VERIFY_URL")
	cfg.MailQueueMax = int64(envInt("MAIL_QUEUE_MAX", 1000))

	// Unset provider is inferred from whichever transport is configured.
	cfg.MailProvider = strings.ToLower(os.Getenv("MAIL_PROVIDER"))
	if cfg.MailProvider == "" {
		switch {
		case cfg.SMTPHost != "":
			cfg.MailProvider = MailSMTP
		case cfg.ResendAPIKey != "":
			cfg.MailProvider = MailResend
		default:
			cfg.MailProvider = MailNone
		}
	}

	switch cfg.MailProvider {
	case MailNone:
		return nil
	case MailSMTP:
		if cfg.SMTPHost == "" {
			return fmt.Errorf("SMTP_HOST is required when MAIL_PROVIDER=smtp")
		}
	case MailResend:
		if cfg.ResendAPIKey == "" {
			return fmt.Errorf("RESEND_API_KEY is required when MAIL_PROVIDER=resend")
		}
	default:
		return fmt.Errorf("MAIL_PROVIDER must be one of smtp, resend, none; got %q", cfg.MailProvider)
	}

	if cfg.MailFrom == "" {
		return fmt.Errorf("MAIL_FROM is required when a mail provider is configured")
	}
	// Tokens in reset/verify links must not travel over plain HTTP.
	if !strings.HasPrefix(cfg.ResetURL, "https://") {
		return fmt.Errorf("RESET_URL must be set and start with https://")
	}
	if !strings.HasPrefix(cfg.VerifyURL, "https://") {
		return fmt.Errorf("VERIFY_URL must be set and start with https://")
	}
	return nil
}

// Auth builds the core service configuration.
func (c *Config) Auth() auth.Config {
	return auth.Config{
		SessionTTL:     c.SessionTTL,
		VerifyTokenTTL: c.VerifyTokenTTL,
		ResetTokenTTL:  c.ResetTokenTTL,
		ChallengeTTL:   c.ChallengeTTL,
		TOTPIssuer:     c.TOTPIssuer,
		Limits: auth.Limits{
			Login:         c.RateLogin,
			TwoFactor:     c.RateTwoFactor,
			PasswordReset: c.RateReset,
			Resend:        c.RateResend,
			Register:      c.RateRegister,
		},
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envPolicy reads <prefix>_MAX and <prefix>_WINDOW.
func envPolicy(prefix string, def ratelimit.Policy) ratelimit.Policy {
	return ratelimit.Policy{
		Limit:  envInt(prefix+"_MAX", def.Limit),
		Window: envDuration(prefix+"_WINDOW", def.Window),
	}
}

// envInt reads an env var as int, returning def if missing or unparseable.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// envDuration reads an env var as time.Duration, returning def if missing or unparseable.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}
