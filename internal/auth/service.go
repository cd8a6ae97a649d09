// service.go -- Service composes the auth components into the public operations
// that route handlers call: register, login, second factor, password and email
// lifecycle, OAuth and the cleanup job.
package auth

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/oauth"
	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/ratelimit"
	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/store"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/microcosm-cc/bluemonday"
)

const maxNameRunes = 100

// namePolicy strips all markup from display names before storage.
var namePolicy = bluemonday.StrictPolicy()

// maxSanitizePasses bounds how many layers of entity encoding are peeled.
const maxSanitizePasses = 4

// sanitizeName returns a plain-text display name, or nil when nothing survives.
// Sanitizing repeats until unescaping no longer exposes new markup, so
// entity-encoded tags are stripped rather than decoded into live ones.
func sanitizeName(name string) *string {
	clean, stable := name, false
	for i := 0; i < maxSanitizePasses; i++ {
		next := html.UnescapeString(namePolicy.Sanitize(clean))
		if next == clean {
			stable = true
			break
		}
		clean = next
	}
	if !stable {
		return nil
	}
	clean = strings.TrimSpace(clean)
	if clean == "" {
		return nil
	}
	if utf8.RuneCountInString(clean) > maxNameRunes {
		clean = strings.TrimSpace(string([]rune(clean)[:maxNameRunes]))
	}
	return &clean
}

// Limits are the attempt budgets applied by the Service.
type Limits struct {
	Login         ratelimit.Policy // per user id, or normalised email when unknown
	TwoFactor     ratelimit.Policy // per user id
	PasswordReset ratelimit.Policy // per client IP
	Resend        ratelimit.Policy // per user id
	Register      ratelimit.Policy // per client IP
}

// DefaultLimits returns the production budgets.
func DefaultLimits() Limits {
	return Limits{
		Login:         ratelimit.Policy{Limit: 5, Window: 15 * time.Minute},
		TwoFactor:     ratelimit.Policy{Limit: 5, Window: 15 * time.Minute},
		PasswordReset: ratelimit.Policy{Limit: 3, Window: 15 * time.Minute},
		Resend:        ratelimit.Policy{Limit: 3, Window: time.Hour},
		Register:      ratelimit.Policy{Limit: 10, Window: time.Hour},
	}
}

// Config tunes the Service. Zero values take the defaults.
type Config struct {
	SessionTTL     time.Duration
	VerifyTokenTTL time.Duration
	ResetTokenTTL  time.Duration
	ChallengeTTL   time.Duration
	TOTPIssuer     string
	Limits         Limits
	PasswordPolicy PasswordPolicy
}

// Deps are the collaborators of the Service. Cache may be nil (no fast path).
type Deps struct {
	Store     Store
	Cache     SessionCache
	Limiter   RateLimiter
	Mailer    Mailer
	Providers []oauth.Provider
	Logger    *slog.Logger
}

// LoginResult is either a session or, for users with two-factor enabled, a challenge
// to present with the second factor.
type LoginResult struct {
	UserID            uuid.UUID
	Session           *Session
	TwoFactorRequired bool
	Challenge         string
}

// loginIssuer finishes every successful first-factor login the same way.
type loginIssuer struct {
	sessions *SessionManager
	tokens   *TokenService
}

func (l *loginIssuer) issue(ctx context.Context, u *store.User, meta ClientMeta) (*LoginResult, error) {
	if u.TwoFactorEnabled {
		challenge, err := l.tokens.IssueTwoFactorChallenge(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		return &LoginResult{UserID: u.ID, TwoFactorRequired: true, Challenge: challenge}, nil
	}
	sess, err := l.sessions.Create(ctx, u.ID, meta)
	if err != nil {
		return nil, err
	}
	return &LoginResult{UserID: u.ID, Session: sess}, nil
}

// Service is the auth orchestrator.
type Service struct {
	store     Store
	sessions  *SessionManager
	tokens    *TokenService
	twoFactor *TwoFactorEngine
	oauth     *OAuthCoordinator
	login     *loginIssuer
	limiter   RateLimiter
	mailer    Mailer
	limits    Limits
	policy    PasswordPolicy
	verifyTTL time.Duration
	resetTTL  time.Duration
	log       *slog.Logger
}

// NewService wires the components.
func NewService(cfg Config, deps Deps) *Service {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	cache := deps.Cache
	if cache == nil {
		cache = store.NoopSessionCache{}
	}
	if cfg.Limits == (Limits{}) {
		cfg.Limits = DefaultLimits()
	}
	if cfg.PasswordPolicy == (PasswordPolicy{}) {
		cfg.PasswordPolicy = DefaultPasswordPolicy
	}
	if cfg.TOTPIssuer == "" {
		cfg.TOTPIssuer = "Fatos Pro"
	}

	sessions := NewSessionManager(deps.Store, cache, cfg.SessionTTL, log)
	tokens := NewTokenService(deps.Store, cfg.VerifyTokenTTL, cfg.ResetTokenTTL, cfg.ChallengeTTL)
	login := &loginIssuer{sessions: sessions, tokens: tokens}

	return &Service{
		store:     deps.Store,
		sessions:  sessions,
		tokens:    tokens,
		twoFactor: NewTwoFactorEngine(deps.Store, sessions, cfg.TOTPIssuer, log),
		oauth:     NewOAuthCoordinator(deps.Store, login, deps.Providers, log),
		login:     login,
		limiter:   deps.Limiter,
		mailer:    deps.Mailer,
		limits:    cfg.Limits,
		policy:    cfg.PasswordPolicy,
		verifyTTL: tokens.verifyTTL,
		resetTTL:  tokens.resetTTL,
		log:       log,
	}
}

// setClock replaces the time source of every component. Tests only.
func (s *Service) setClock(now func() time.Time) {
	s.sessions.now = now
	s.tokens.now = now
	s.twoFactor.now = now
}

// limit records an attempt against scope:id. A limiter failure fails the request.
func (s *Service) limit(ctx context.Context, scope, id string, p ratelimit.Policy) error {
	if s.limiter == nil || p.Limit <= 0 {
		return nil
	}
	d, err := s.limiter.Check(ctx, scope+":"+id, p)
	if err != nil {
		return fmt.Errorf("checking rate limit: %w", err)
	}
	if !d.Allowed {
		s.log.Warn("rate limit exceeded", "scope", scope, "retry_after", d.RetryAfter)
		return &RateLimitError{RetryAfter: d.RetryAfter}
	}
	return nil
}

func (s *Service) user(ctx context.Context, userID uuid.UUID) (*store.User, error) {
	u, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("looking up user: %w", err)
	}
	return u, nil
}

func mailVars(u *store.User) map[string]string {
	if u.Name == nil {
		return nil
	}
	return map[string]string{"name": *u.Name}
}

// RegisterInput is a password registration request.
type RegisterInput struct {
	Email    string
	Password string
	Name     string
}

// Register creates an unverified password user, mails a verification token and
// issues a session.
func (s *Service) Register(ctx context.Context, in RegisterInput, meta ClientMeta) (*store.User, *Session, error) {
	email := NormalizeEmail(in.Email)
	if msg := ValidateEmail(email); msg != "" {
		return nil, nil, InvalidInput(msg)
	}
	if msg := s.policy.Validate(in.Password); msg != "" {
		return nil, nil, InvalidInput(msg)
	}
	if err := s.limit(ctx, "register", meta.IP, s.limits.Register); err != nil {
		return nil, nil, err
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, nil, fmt.Errorf("hashing password: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, nil, fmt.Errorf("generating user id: %w", err)
	}
	err = s.store.CreateUser(ctx, store.NewUser{
		ID:           id,
		Email:        email,
		Name:         sanitizeName(in.Name),
		PasswordHash: &hash,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			s.log.Info("registration refused", "reason", "email_taken")
			return nil, nil, ErrEmailTaken
		}
		return nil, nil, fmt.Errorf("creating user: %w", err)
	}

	u, err := s.user(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	s.log.Info("user registered", "user_id", id)

	if err := s.sendVerification(ctx, u); err != nil {
		// The account exists; the user can ask for another link.
		s.log.Error("failed to send verification email", "user_id", id, "error", err)
	}

	sess, err := s.sessions.Create(ctx, id, meta)
	if err != nil {
		return nil, nil, err
	}
	return u, sess, nil
}

// sendVerification persists a fresh verification token, then mails it.
func (s *Service) sendVerification(ctx context.Context, u *store.User) error {
	raw, err := s.tokens.IssueEmailVerification(ctx, u.ID)
	if err != nil {
		return err
	}
	if s.mailer == nil {
		return nil
	}
	return s.mailer.SendEmailVerification(ctx, u.Email, raw, s.verifyTTL, mailVars(u))
}

// Login checks a password. The attempt is counted before the password is verified,
// so the budget holds whether or not earlier guesses were right.
func (s *Service) Login(ctx context.Context, email, password string, meta ClientMeta) (*LoginResult, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, InvalidInput("email and password are required")
	}

	u, err := s.store.GetUserByEmail(ctx, email)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		u = nil
	case err != nil:
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	key := "email:" + email
	if u != nil {
		key = "user:" + u.ID.String()
	}
	if err := s.limit(ctx, "login", key, s.limits.Login); err != nil {
		return nil, err
	}

	if u == nil || !u.HasPassword() {
		burnPasswordCheck(password)
		s.log.Info("login failed", "reason", "unknown_or_passwordless")
		return nil, ErrInvalidCredentials
	}
	ok, err := VerifyPassword(password, *u.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verifying password: %w", err)
	}
	if !ok {
		s.log.Info("login failed", "user_id", u.ID, "reason", "wrong_password")
		return nil, ErrInvalidCredentials
	}
	if u.IsBlocked {
		s.log.Info("login refused", "user_id", u.ID, "reason", "blocked")
		return nil, ErrAccountBlocked
	}

	res, err := s.login.issue(ctx, u, meta)
	if err != nil {
		return nil, err
	}
	s.log.Info("login succeeded", "user_id", u.ID, "two_factor", res.TwoFactorRequired)
	return res, nil
}

// CompleteTwoFactorLogin redeems a login challenge with a TOTP or backup code.
// The challenge is consumed only after the code is accepted; a lost race revokes
// the session just issued.
func (s *Service) CompleteTwoFactorLogin(ctx context.Context, challenge, code string, meta ClientMeta) (*Session, error) {
	userID, err := s.tokens.PeekChallenge(ctx, challenge)
	if err != nil {
		return nil, err
	}
	if err := s.limit(ctx, "2fa", userID.String(), s.limits.TwoFactor); err != nil {
		return nil, err
	}

	u, err := s.user(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.IsBlocked {
		return nil, ErrAccountBlocked
	}

	sess, err := s.twoFactor.VerifyLogin(ctx, userID, normalizeCode(code), meta)
	if err != nil {
		return nil, err
	}
	if _, err := s.tokens.ConsumeChallenge(ctx, challenge); err != nil {
		if rerr := s.sessions.Revoke(ctx, sess.Token); rerr != nil {
			s.log.Error("failed to revoke session after lost challenge", "user_id", userID, "error", rerr)
		}
		return nil, err
	}

	s.log.Info("two-factor login succeeded", "user_id", userID)
	return sess, nil
}

// Authenticate resolves a session token to its principal.
func (s *Service) Authenticate(ctx context.Context, token string) (*Principal, error) {
	p, ok := s.sessions.Verify(ctx, token)
	if !ok {
		return nil, ErrUnauthenticated
	}
	return p, nil
}

// RequireAdmin returns ErrForbidden unless p is an administrator.
func (s *Service) RequireAdmin(p *Principal) error {
	if p == nil || p.User == nil {
		return ErrUnauthenticated
	}
	if !p.User.IsAdmin {
		return ErrForbidden
	}
	return nil
}

// Logout revokes the session behind token. Idempotent.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.sessions.Revoke(ctx, token)
}

// LogoutAll revokes every session of userID.
func (s *Service) LogoutAll(ctx context.Context, userID uuid.UUID) error {
	if err := s.sessions.RevokeAll(ctx, userID); err != nil {
		return err
	}
	s.log.Info("all sessions revoked", "user_id", userID)
	return nil
}

// ChangePassword replaces the password, revokes every session and returns a fresh one
// for the caller. A user without a password may set one with current empty.
func (s *Service) ChangePassword(ctx context.Context, userID uuid.UUID, current, next string, meta ClientMeta) (*Session, error) {
	if msg := s.policy.Validate(next); msg != "" {
		return nil, InvalidInput(msg)
	}
	u, err := s.user(ctx, userID)
	if err != nil {
		return nil, err
	}

	if u.HasPassword() {
		if err := s.limit(ctx, "password", userID.String(), s.limits.Login); err != nil {
			return nil, err
		}
		ok, err := VerifyPassword(current, *u.PasswordHash)
		if err != nil {
			return nil, fmt.Errorf("verifying password: %w", err)
		}
		if !ok {
			s.log.Info("password change failed", "user_id", userID, "reason", "wrong_password")
			return nil, ErrInvalidCredentials
		}
	}

	hash, err := HashPassword(next)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	if err := s.store.UpdatePasswordAndRevokeSessions(ctx, userID, hash); err != nil {
		return nil, fmt.Errorf("updating password: %w", err)
	}
	s.sessions.evictAll(ctx, userID)
	s.log.Info("password changed", "user_id", userID)

	if s.mailer != nil {
		if err := s.mailer.Send(ctx, u.Email, "Your password was changed",
			"The password for your account was just changed and all devices were signed out.\n\n"+
				"If this was not you, reset your password immediately."); err != nil {
			s.log.Error("failed to send password change notice", "user_id", userID, "error", err)
		}
	}

	return s.sessions.Create(ctx, userID, meta)
}

// RequestPasswordReset mails a reset token when email belongs to an account. The
// outcome is the same whether or not it does.
func (s *Service) RequestPasswordReset(ctx context.Context, email, ip string) error {
	if err := s.limit(ctx, "reset", ip, s.limits.PasswordReset); err != nil {
		return err
	}
	email = NormalizeEmail(email)
	if msg := ValidateEmail(email); msg != "" {
		return InvalidInput(msg)
	}

	raw, issued, err := s.tokens.IssuePasswordReset(ctx, email)
	if err != nil {
		return err
	}
	if !issued {
		s.log.Info("password reset requested for unknown email")
		return nil
	}
	if s.mailer != nil {
		if err := s.mailer.SendPasswordReset(ctx, email, raw, s.resetTTL, nil); err != nil {
			s.log.Error("failed to send password reset email", "error", err)
		}
	}
	return nil
}

// CheckPasswordResetToken reports whether raw is a live reset token. Pure read.
func (s *Service) CheckPasswordResetToken(ctx context.Context, raw string) (TokenStatus, error) {
	return s.tokens.Validate(ctx, raw, store.TokenPasswordReset)
}

// ResetPassword consumes a reset token and sets a new password, revoking every session.
func (s *Service) ResetPassword(ctx context.Context, raw, newPassword string) error {
	if msg := s.policy.Validate(newPassword); msg != "" {
		return InvalidInput(msg)
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	userID, err := s.tokens.ConsumePasswordReset(ctx, raw, hash)
	if err != nil {
		return err
	}
	s.sessions.evictAll(ctx, userID)
	s.log.Info("password reset", "user_id", userID)
	return nil
}

// VerifyEmail consumes a verification token. ErrAlreadyVerified is returned when the
// address had been verified already; the token is consumed either way.
func (s *Service) VerifyEmail(ctx context.Context, raw string) error {
	userID, already, err := s.tokens.ConsumeEmailVerification(ctx, raw)
	if err != nil {
		return err
	}
	if already {
		return ErrAlreadyVerified
	}
	s.log.Info("email verified", "user_id", userID)
	return nil
}

// ResendVerification mails a new verification token, invalidating the previous one.
func (s *Service) ResendVerification(ctx context.Context, userID uuid.UUID) error {
	u, err := s.user(ctx, userID)
	if err != nil {
		return err
	}
	if u.EmailVerified() {
		return ErrAlreadyVerified
	}
	if err := s.limit(ctx, "resend", userID.String(), s.limits.Resend); err != nil {
		return err
	}
	if err := s.sendVerification(ctx, u); err != nil {
		return fmt.Errorf("resending verification: %w", err)
	}
	return nil
}

// SetupTwoFactor starts (or restarts) two-factor setup.
func (s *Service) SetupTwoFactor(ctx context.Context, userID uuid.UUID) (*TwoFactorSetup, error) {
	return s.twoFactor.Setup(ctx, userID)
}

// ConfirmTwoFactor enables two-factor with the setup values and a current code.
func (s *Service) ConfirmTwoFactor(ctx context.Context, userID uuid.UUID, code, secret string, backupCodes []string) error {
	if err := s.limit(ctx, "2fa", userID.String(), s.limits.TwoFactor); err != nil {
		return err
	}
	normalized := make([]string, len(backupCodes))
	for i, c := range backupCodes {
		normalized[i] = normalizeCode(c)
	}
	return s.twoFactor.Confirm(ctx, userID, normalizeCode(code), strings.TrimSpace(secret), normalized)
}

// DisableTwoFactor removes the second factor after a password check.
func (s *Service) DisableTwoFactor(ctx context.Context, userID uuid.UUID, password string) error {
	if err := s.limit(ctx, "2fa", userID.String(), s.limits.TwoFactor); err != nil {
		return err
	}
	return s.twoFactor.Disable(ctx, userID, password)
}

// RegenerateBackupCodes replaces all backup codes after verifying code.
func (s *Service) RegenerateBackupCodes(ctx context.Context, userID uuid.UUID, code string) ([]string, error) {
	if err := s.limit(ctx, "2fa", userID.String(), s.limits.TwoFactor); err != nil {
		return nil, err
	}
	return s.twoFactor.RegenerateBackupCodes(ctx, userID, normalizeCode(code))
}

// TwoFactorStatus reports the user's second-factor state.
func (s *Service) TwoFactorStatus(ctx context.Context, userID uuid.UUID) (TwoFactorStatus, error) {
	return s.twoFactor.Status(ctx, userID)
}

// OAuthProviders lists the configured provider names.
func (s *Service) OAuthProviders() []string { return s.oauth.Providers() }

// StartOAuth begins a login or link round trip.
func (s *Service) StartOAuth(provider string) (*OAuthStart, error) {
	return s.oauth.InitiateLogin(provider)
}

// FinishOAuthLogin completes a login round trip.
func (s *Service) FinishOAuthLogin(ctx context.Context, provider string, cb Callback, meta ClientMeta) (*LoginResult, error) {
	return s.oauth.CompleteLogin(ctx, provider, cb, meta)
}

// LinkOAuth completes a link round trip for an authenticated user.
func (s *Service) LinkOAuth(ctx context.Context, userID uuid.UUID, provider string, cb Callback) error {
	return s.oauth.Link(ctx, userID, provider, cb)
}

// UnlinkOAuth removes a provider link. The password attempt shares the password budget.
func (s *Service) UnlinkOAuth(ctx context.Context, userID uuid.UUID, provider, password string) error {
	if err := s.limit(ctx, "password", userID.String(), s.limits.Login); err != nil {
		return err
	}
	return s.oauth.Unlink(ctx, userID, provider, password)
}

// ListIdentities lists the user's linked providers.
func (s *Service) ListIdentities(ctx context.Context, userID uuid.UUID) ([]store.OAuthIdentity, error) {
	return s.oauth.Identities(ctx, userID)
}

// CleanupReport counts rows removed by Cleanup.
type CleanupReport struct {
	Sessions int64
	Tokens   store.TokenCleanup
}

// Cleanup deletes sessions expired for longer than sessionRetention and every
// expired or consumed token. Run by the scheduler, never on the request path.
func (s *Service) Cleanup(ctx context.Context, sessionRetention time.Duration) (CleanupReport, error) {
	var report CleanupReport
	n, err := s.sessions.CleanupExpired(ctx, sessionRetention)
	if err != nil {
		return report, fmt.Errorf("cleaning sessions: %w", err)
	}
	report.Sessions = n

	tc, err := s.tokens.CleanupExpired(ctx)
	if err != nil {
		return report, fmt.Errorf("cleaning tokens: %w", err)
	}
	report.Tokens = tc
	return report, nil
}
