// store.go -- Persistence and collaborator contracts consumed by the auth core.
// Satisfied by *store.PostgresStore, *store.RedisStore, *ratelimit.Limiter and
// mail.Mailer; defined here (at the consumer) per Go convention.
package auth

import (
	"context"
	"time"

	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/ratelimit"
	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/store"
	"github.com/gofrs/uuid/v5"
)

// UserStore reads and writes user rows.
type UserStore interface {
	CreateUser(ctx context.Context, nu store.NewUser) error
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
	UpdatePasswordAndRevokeSessions(ctx context.Context, userID uuid.UUID, passwordHash string) error
}

// SessionStore persists sessions. GetSessionByTokenHash returns rows whether or not
// they have expired; pgx.ErrNoRows when absent.
type SessionStore interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)
	CreateSession(ctx context.Context, id, userID uuid.UUID, tokenHash, csrfToken []byte, createdAt, expiresAt time.Time, ip, userAgent *string) error
	GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*store.Session, error)
	DeleteSession(ctx context.Context, tokenHash []byte) error
	DeleteAllUserSessions(ctx context.Context, userID uuid.UUID) error
	CleanupExpiredSessions(ctx context.Context, retention time.Duration) (int64, error)
}

// TokenStore persists single-use tokens. Consume* methods validate and mark used in one
// transaction and report store.ErrTokenNotFound / store.ErrTokenExpired on a miss.
type TokenStore interface {
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
	ReplaceToken(ctx context.Context, id, userID uuid.UUID, tokenType string, tokenHash []byte, expiresAt time.Time) error
	GetTokenByHash(ctx context.Context, tokenHash []byte, tokenType string) (*store.Token, error)
	ConsumeToken(ctx context.Context, tokenHash []byte, tokenType string) (uuid.UUID, error)
	ConsumePasswordResetToken(ctx context.Context, tokenHash []byte, passwordHash string) (uuid.UUID, error)
	ConsumeEmailVerificationToken(ctx context.Context, tokenHash []byte) (uuid.UUID, bool, error)
	CleanupTokens(ctx context.Context) (store.TokenCleanup, error)
}

// TwoFactorStore persists TOTP secrets and backup codes.
type TwoFactorStore interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)
	GetTwoFactorSecret(ctx context.Context, userID uuid.UUID) (*store.TwoFactorSecret, error)
	UpsertPendingTwoFactor(ctx context.Context, userID uuid.UUID, secret string, backupDigest []byte) error
	ConfirmTwoFactor(ctx context.Context, userID uuid.UUID, secret string, codes []store.BackupCode) error
	DisableTwoFactor(ctx context.Context, userID uuid.UUID) error
	ListUnusedBackupCodes(ctx context.Context, userID uuid.UUID) ([]store.BackupCode, error)
	MarkBackupCodeUsed(ctx context.Context, id uuid.UUID) error
	MarkTOTPStepUsed(ctx context.Context, userID uuid.UUID, step int64) error
	ReplaceBackupCodes(ctx context.Context, userID uuid.UUID, codes []store.BackupCode) error
	CountUnusedBackupCodes(ctx context.Context, userID uuid.UUID) (int, error)
}

// IdentityStore persists OAuth identity links.
type IdentityStore interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
	GetUserByIdentity(ctx context.Context, provider, subject string) (*store.User, error)
	CreateOAuthUser(ctx context.Context, nu store.NewUser, identityID uuid.UUID, provider, subject string, email *string) error
	LinkIdentity(ctx context.Context, id, userID uuid.UUID, provider, subject string, email *string) error
	DeleteIdentity(ctx context.Context, userID uuid.UUID, provider string) error
	ListIdentities(ctx context.Context, userID uuid.UUID) ([]store.OAuthIdentity, error)
}

// Store is everything the Service needs from the durable store.
type Store interface {
	UserStore
	SessionStore
	TokenStore
	TwoFactorStore
	IdentityStore
}

// SessionCache is the optional fast path for session lookups.
// GetSession returns store.ErrCacheMiss when the key is absent.
type SessionCache interface {
	SetSession(ctx context.Context, tokenHash []byte, cached store.CachedSession) error
	GetSession(ctx context.Context, tokenHash []byte) (*store.CachedSession, error)
	DeleteSession(ctx context.Context, tokenHash []byte, userID uuid.UUID) error
	DeleteAllUserSessions(ctx context.Context, userID uuid.UUID) error
}

// RateLimiter records an attempt for identifier and reports whether it is within policy.
type RateLimiter interface {
	Check(ctx context.Context, identifier string, p ratelimit.Policy) (ratelimit.Decision, error)
}

// Mailer delivers out-of-band messages. Tokens are always persisted before a send is attempted.
type Mailer interface {
	SendPasswordReset(ctx context.Context, toEmail, token string, expiresIn time.Duration, vars map[string]string) error
	SendEmailVerification(ctx context.Context, toEmail, token string, expiresIn time.Duration, vars map[string]string) error
	Send(ctx context.Context, toEmail, subject, body string) error
}
