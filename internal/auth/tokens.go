// tokens.go -- Single-use, expiring tokens for email verification, password reset
// and the two-factor login challenge.
//
// Raw tokens leave the process once (email or response body); only SHA-256 hashes are
// stored. Consumption is one conditional UPDATE inside the dependent transaction, so a
// token cannot be replayed by concurrent requests.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/store"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// Default lifetimes.
const (
	DefaultVerifyTokenTTL = 24 * time.Hour
	DefaultResetTokenTTL  = time.Hour
	DefaultChallengeTTL   = 5 * time.Minute
)

// TokenStatus is the result of a pure validation check.
// Valid=false, Expired=false means unknown or already consumed.
type TokenStatus struct {
	Valid   bool
	Expired bool
}

// TokenService issues, validates and consumes single-use tokens.
type TokenService struct {
	store        TokenStore
	verifyTTL    time.Duration
	resetTTL     time.Duration
	challengeTTL time.Duration
	now          func() time.Time
}

// NewTokenService returns a service; zero TTLs take the defaults.
func NewTokenService(s TokenStore, verifyTTL, resetTTL, challengeTTL time.Duration) *TokenService {
	if verifyTTL <= 0 {
		verifyTTL = DefaultVerifyTokenTTL
	}
	if resetTTL <= 0 {
		resetTTL = DefaultResetTokenTTL
	}
	if challengeTTL <= 0 {
		challengeTTL = DefaultChallengeTTL
	}
	return &TokenService{
		store:        s,
		verifyTTL:    verifyTTL,
		resetTTL:     resetTTL,
		challengeTTL: challengeTTL,
		now:          time.Now,
	}
}

// issue mints a token of purpose for userID, replacing any unused one of that purpose.
func (s *TokenService) issue(ctx context.Context, userID uuid.UUID, purpose string, ttl time.Duration) (string, error) {
	raw, hash, err := newSecret()
	if err != nil {
		return "", err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating token id: %w", err)
	}
	if err := s.store.ReplaceToken(ctx, id, userID, purpose, hash, s.now().Add(ttl)); err != nil {
		return "", fmt.Errorf("storing %s token: %w", purpose, err)
	}
	return raw, nil
}

// IssueEmailVerification mints a verification token for userID.
func (s *TokenService) IssueEmailVerification(ctx context.Context, userID uuid.UUID) (string, error) {
	return s.issue(ctx, userID, store.TokenEmailVerification, s.verifyTTL)
}

// IssuePasswordReset mints a reset token for the account at email.
// An unknown email is a no-op reported as issued=false, never as an error.
func (s *TokenService) IssuePasswordReset(ctx context.Context, email string) (raw string, issued bool, err error) {
	user, err := s.store.GetUserByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("looking up user: %w", err)
	}
	raw, err = s.issue(ctx, user.ID, store.TokenPasswordReset, s.resetTTL)
	if err != nil {
		return "", false, err
	}
	return raw, true, nil
}

// IssueTwoFactorChallenge mints the short-lived token bridging password and second factor.
func (s *TokenService) IssueTwoFactorChallenge(ctx context.Context, userID uuid.UUID) (string, error) {
	return s.issue(ctx, userID, store.TokenTwoFactorChallenge, s.challengeTTL)
}

// lookup returns the owning user and status of raw without mutating anything.
func (s *TokenService) lookup(ctx context.Context, raw, purpose string) (uuid.UUID, TokenStatus, error) {
	hash, ok := hashSecret(raw)
	if !ok {
		return uuid.Nil, TokenStatus{}, nil
	}
	t, err := s.store.GetTokenByHash(ctx, hash, purpose)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, TokenStatus{}, nil
		}
		return uuid.Nil, TokenStatus{}, fmt.Errorf("looking up token: %w", err)
	}
	if t.UsedAt != nil {
		return uuid.Nil, TokenStatus{}, nil
	}
	if !s.now().Before(t.ExpiresAt) {
		return t.UserID, TokenStatus{Expired: true}, nil
	}
	return t.UserID, TokenStatus{Valid: true}, nil
}

// Validate reports whether raw is a live token of purpose. Pure read.
func (s *TokenService) Validate(ctx context.Context, raw, purpose string) (TokenStatus, error) {
	_, st, err := s.lookup(ctx, raw, purpose)
	return st, err
}

// consumeErr maps store misses onto the taxonomy.
func consumeErr(err error) error {
	switch {
	case errors.Is(err, store.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, store.ErrTokenNotFound):
		return ErrTokenInvalid
	}
	return fmt.Errorf("consuming token: %w", err)
}

// ConsumePasswordReset consumes raw, sets passwordHash and revokes all sessions of the
// owner, atomically. Returns the owner.
func (s *TokenService) ConsumePasswordReset(ctx context.Context, raw, passwordHash string) (uuid.UUID, error) {
	hash, ok := hashSecret(raw)
	if !ok {
		return uuid.Nil, ErrTokenInvalid
	}
	userID, err := s.store.ConsumePasswordResetToken(ctx, hash, passwordHash)
	if err != nil {
		return uuid.Nil, consumeErr(err)
	}
	return userID, nil
}

// ConsumeEmailVerification consumes raw and marks the owner verified, atomically.
// alreadyVerified reports that the address had been verified before this token.
func (s *TokenService) ConsumeEmailVerification(ctx context.Context, raw string) (userID uuid.UUID, alreadyVerified bool, err error) {
	hash, ok := hashSecret(raw)
	if !ok {
		return uuid.Nil, false, ErrTokenInvalid
	}
	userID, alreadyVerified, err = s.store.ConsumeEmailVerificationToken(ctx, hash)
	if err != nil {
		return uuid.Nil, false, consumeErr(err)
	}
	return userID, alreadyVerified, nil
}

// PeekChallenge resolves a two-factor challenge to its user without consuming it.
func (s *TokenService) PeekChallenge(ctx context.Context, raw string) (uuid.UUID, error) {
	userID, st, err := s.lookup(ctx, raw, store.TokenTwoFactorChallenge)
	switch {
	case err != nil:
		return uuid.Nil, err
	case st.Expired:
		return uuid.Nil, ErrChallengeExpired
	case !st.Valid:
		return uuid.Nil, ErrChallengeInvalid
	}
	return userID, nil
}

// ConsumeChallenge marks a two-factor challenge used. Exactly one caller wins.
func (s *TokenService) ConsumeChallenge(ctx context.Context, raw string) (uuid.UUID, error) {
	hash, ok := hashSecret(raw)
	if !ok {
		return uuid.Nil, ErrChallengeInvalid
	}
	userID, err := s.store.ConsumeToken(ctx, hash, store.TokenTwoFactorChallenge)
	switch {
	case errors.Is(err, store.ErrTokenExpired):
		return uuid.Nil, ErrChallengeExpired
	case errors.Is(err, store.ErrTokenNotFound):
		return uuid.Nil, ErrChallengeInvalid
	case err != nil:
		return uuid.Nil, fmt.Errorf("consuming challenge: %w", err)
	}
	return userID, nil
}

// CleanupExpired deletes expired and consumed tokens. Returns per-purpose counts.
func (s *TokenService) CleanupExpired(ctx context.Context) (store.TokenCleanup, error) {
	return s.store.CleanupTokens(ctx)
}
