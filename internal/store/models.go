// models.go -- Shared domain types for the store package.
// Used by both Postgres (durable store) and Redis (cache + counters).
package store

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrCacheMiss is returned by GetSession when the key is not in Redis.
// Callers use errors.Is to distinguish a true miss from a Redis infrastructure failure.
var ErrCacheMiss = errors.New("cache miss")

// ErrCacheDisabled is returned by NoopSessionCache.CheckHealth when Redis is not configured.
var ErrCacheDisabled = errors.New("cache disabled")

// ErrDuplicateEmail is returned by CreateUser when lower(email) already exists.
var ErrDuplicateEmail = errors.New("email already registered")

// ErrTokenNotFound is returned when a token hash is unknown or already consumed.
var ErrTokenNotFound = errors.New("token not found")

// ErrTokenExpired is returned when a token exists, is unused, but is past expires_at.
var ErrTokenExpired = errors.New("token expired")

// ErrIdentityTaken is returned when (provider, subject) is already linked to some user.
var ErrIdentityTaken = errors.New("oauth identity already linked")

// ErrProviderAlreadyLinked is returned when the user already has an identity at that provider.
var ErrProviderAlreadyLinked = errors.New("user already linked to provider")

// ErrIdentityNotFound is returned by DeleteIdentity when the user has no link at that provider.
var ErrIdentityNotFound = errors.New("oauth identity not found")

// ErrLastAuthMethod is returned by DeleteIdentity when removing the identity would leave
// the user with no password and no linked provider.
var ErrLastAuthMethod = errors.New("cannot remove last authentication method")

// ErrTwoFactorNotPending is returned by ConfirmTwoFactor when no pending secret exists
// (never set up, or already confirmed by a concurrent request).
var ErrTwoFactorNotPending = errors.New("no pending two-factor setup")

// ErrBackupCodeUsed is returned by MarkBackupCodeUsed when the code was consumed concurrently.
var ErrBackupCodeUsed = errors.New("backup code already used")

// ErrTOTPStepUsed is returned by MarkTOTPStepUsed when a code from that time step
// (or a later one) was already accepted.
var ErrTOTPStepUsed = errors.New("totp step already used")

// Token purposes; constrained by the DB CHECK on tokens.token_type.
const (
	TokenEmailVerification  = "email_verification"
	TokenPasswordReset      = "password_reset"
	TokenTwoFactorChallenge = "two_factor_challenge"
)

// User represents a row in the users table.
// Nullable columns are pointers; nil means SQL NULL.
type User struct {
	ID               uuid.UUID
	Email            string
	Name             *string
	PasswordHash     *string
	EmailVerifiedAt  *time.Time
	TwoFactorEnabled bool
	IsAdmin          bool
	IsBlocked        bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// EmailVerified reports whether the address has been confirmed.
func (u *User) EmailVerified() bool { return u.EmailVerifiedAt != nil }

// HasPassword reports whether the user can authenticate with a password.
func (u *User) HasPassword() bool { return u.PasswordHash != nil }

// Session represents a row in the sessions table.
type Session struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenHash []byte
	CSRFToken []byte
	IPAddress *string
	UserAgent *string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// CachedSession is the JSON shape stored in Redis for cached sessions.
// Only the fields needed for fast session validation. Full metadata lives in Postgres.
type CachedSession struct {
	UserID    uuid.UUID `json:"user_id"`
	CSRFToken []byte    `json:"csrf_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Token represents a row in the tokens table.
// UsedAt is nil until consumed; set once on use to prevent replay.
type Token struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenType string
	TokenHash []byte
	UsedAt    *time.Time
	ExpiresAt time.Time
	CreatedAt time.Time
}

// OAuthIdentity represents a row in oauth_identities.
type OAuthIdentity struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Provider  string
	Subject   string
	Email     *string
	CreatedAt time.Time
}

// TwoFactorSecret represents a row in two_factor_secrets.
// ConfirmedAt nil means pending (setup issued, not yet confirmed).
type TwoFactorSecret struct {
	UserID       uuid.UUID
	Secret       string
	BackupDigest []byte
	ConfirmedAt  *time.Time
	LastUsedStep *int64
	CreatedAt    time.Time
}

// Confirmed reports whether setup has been completed.
func (s *TwoFactorSecret) Confirmed() bool { return s.ConfirmedAt != nil }

// BackupCode represents a row in backup_codes. CodeHash is an Argon2id PHC string.
type BackupCode struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	CodeHash  string
	UsedAt    *time.Time
	CreatedAt time.Time
}

// NewUser carries the values inserted by CreateUser / CreateOAuthUser.
type NewUser struct {
	ID            uuid.UUID
	Email         string
	Name          *string
	PasswordHash  *string
	EmailVerified bool
}

// TokenCleanup holds per-purpose counts of rows removed by CleanupTokens.
type TokenCleanup struct {
	EmailVerification  int64
	PasswordReset      int64
	TwoFactorChallenge int64
}

// Total returns the sum of all purposes.
func (c TokenCleanup) Total() int64 {
	return c.EmailVerification + c.PasswordReset + c.TwoFactorChallenge
}
