// session.go

// Session issuance, verification and revocation.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/store"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// DefaultSessionTTL is the fixed session lifetime.
const DefaultSessionTTL = 30 * 24 * time.Hour

// tokenBytes is the entropy of every opaque secret minted here (256 bits).
const tokenBytes = 32

// ClientMeta describes the client a session is issued to. Both fields are optional.
type ClientMeta struct {
	IP        string
	UserAgent string
}

// Session is a freshly issued session. Token is returned exactly once; only its
// SHA-256 hash is stored.
type Session struct {
	Token     string
	CSRFToken string
	UserID    uuid.UUID
	ExpiresAt time.Time
}

// Principal is the authenticated caller behind a verified session.
type Principal struct {
	User      *store.User
	TokenHash []byte
	CSRFToken []byte
	ExpiresAt time.Time
}

// newSecret returns a 256-bit random value, base64url encoded, and its SHA-256 hash.
func newSecret() (string, []byte, error) {
	var raw [tokenBytes]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", nil, fmt.Errorf("generating token with rand: %w", err)
	}
	hash := sha256.Sum256(raw[:])
	return base64.RawURLEncoding.EncodeToString(raw[:]), hash[:], nil
}

// hashSecret decodes a token minted by newSecret and returns its hash.
// ok is false for anything that could not have been minted here.
func hashSecret(token string) ([]byte, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != tokenBytes {
		return nil, false
	}
	hash := sha256.Sum256(raw)
	return hash[:], true
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// SessionManager creates, verifies and revokes sessions. Postgres is the source of
// truth; the cache is a best-effort fast path and its failures never fail a request.
type SessionManager struct {
	store SessionStore
	cache SessionCache
	ttl   time.Duration
	now   func() time.Time
	log   *slog.Logger
}

// NewSessionManager returns a manager. cache may be store.NoopSessionCache{}.
func NewSessionManager(s SessionStore, cache SessionCache, ttl time.Duration, log *slog.Logger) *SessionManager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &SessionManager{store: s, cache: cache, ttl: ttl, now: time.Now, log: log}
}

// Create mints a session for userID.
func (m *SessionManager) Create(ctx context.Context, userID uuid.UUID, meta ClientMeta) (*Session, error) {
	token, tokenHash, err := newSecret()
	if err != nil {
		return nil, err
	}
	var csrf [tokenBytes]byte
	if _, err := rand.Read(csrf[:]); err != nil {
		return nil, fmt.Errorf("generating csrf token: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating session id: %w", err)
	}

	createdAt := m.now()
	expiresAt := createdAt.Add(m.ttl)
	if err := m.store.CreateSession(ctx, id, userID, tokenHash, csrf[:], createdAt, expiresAt,
		optional(meta.IP), optional(meta.UserAgent)); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	if err := m.cache.SetSession(ctx, tokenHash, store.CachedSession{
		UserID: userID, CSRFToken: csrf[:], ExpiresAt: expiresAt,
	}); err != nil {
		m.log.Warn("failed to cache session", "user_id", userID, "error", err)
	}

	return &Session{
		Token:     token,
		CSRFToken: base64.RawURLEncoding.EncodeToString(csrf[:]),
		UserID:    userID,
		ExpiresAt: expiresAt,
	}, nil
}

// Verify resolves token to its principal. It fails closed: malformed, unknown or
// expired tokens, missing or blocked users, and infrastructure errors all report false.
func (m *SessionManager) Verify(ctx context.Context, token string) (*Principal, bool) {
	tokenHash, ok := hashSecret(token)
	if !ok {
		return nil, false
	}
	now := m.now()

	var userID uuid.UUID
	var csrf []byte
	var expiresAt time.Time

	cached, err := m.cache.GetSession(ctx, tokenHash)
	switch {
	case err == nil && now.Before(cached.ExpiresAt):
		userID, csrf, expiresAt = cached.UserID, cached.CSRFToken, cached.ExpiresAt
	default:
		if err != nil && !errors.Is(err, store.ErrCacheMiss) {
			m.log.Error("session cache lookup failed, falling back to store", "error", err)
		}
		sess, err := m.store.GetSessionByTokenHash(ctx, tokenHash)
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				m.log.Error("session lookup failed", "error", err)
			}
			return nil, false
		}
		if !now.Before(sess.ExpiresAt) {
			m.removeExpired(ctx, tokenHash, sess.UserID)
			return nil, false
		}
		userID, csrf, expiresAt = sess.UserID, sess.CSRFToken, sess.ExpiresAt
		if err := m.cache.SetSession(ctx, tokenHash, store.CachedSession{
			UserID: userID, CSRFToken: csrf, ExpiresAt: expiresAt,
		}); err != nil {
			m.log.Warn("failed to repopulate session cache", "user_id", userID, "error", err)
		}
	}

	user, err := m.store.GetUserByID(ctx, userID)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			m.log.Error("session user lookup failed", "user_id", userID, "error", err)
		}
		return nil, false
	}
	if user.IsBlocked {
		m.log.Info("session rejected", "user_id", userID, "reason", "blocked")
		return nil, false
	}

	return &Principal{User: user, TokenHash: tokenHash, CSRFToken: csrf, ExpiresAt: expiresAt}, true
}

// removeExpired lazily deletes a session found past expiry. Failures are logged only.
func (m *SessionManager) removeExpired(ctx context.Context, tokenHash []byte, userID uuid.UUID) {
	if err := m.store.DeleteSession(ctx, tokenHash); err != nil {
		m.log.Warn("failed to delete expired session", "user_id", userID, "error", err)
	}
	if err := m.cache.DeleteSession(ctx, tokenHash, userID); err != nil {
		m.log.Warn("failed to evict expired session", "user_id", userID, "error", err)
	}
}

// Revoke deletes the session behind token. Unknown or malformed tokens are not an error.
func (m *SessionManager) Revoke(ctx context.Context, token string) error {
	tokenHash, ok := hashSecret(token)
	if !ok {
		return nil
	}

	sess, err := m.store.GetSessionByTokenHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("looking up session: %w", err)
	}
	return m.revokeHash(ctx, tokenHash, sess.UserID)
}

// revokeHash deletes by hash when the owner is already known.
func (m *SessionManager) revokeHash(ctx context.Context, tokenHash []byte, userID uuid.UUID) error {
	// Cache first: a stale cache entry would keep a deleted session alive until TTL.
	if err := m.cache.DeleteSession(ctx, tokenHash, userID); err != nil {
		return fmt.Errorf("evicting session: %w", err)
	}
	if err := m.store.DeleteSession(ctx, tokenHash); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// RevokeAll deletes every session of userID.
func (m *SessionManager) RevokeAll(ctx context.Context, userID uuid.UUID) error {
	if err := m.cache.DeleteAllUserSessions(ctx, userID); err != nil {
		return fmt.Errorf("evicting sessions: %w", err)
	}
	if err := m.store.DeleteAllUserSessions(ctx, userID); err != nil {
		return fmt.Errorf("deleting sessions: %w", err)
	}
	return nil
}

// evictAll drops cached sessions after the store already deleted the rows
// (password change and reset revoke inside the store transaction).
func (m *SessionManager) evictAll(ctx context.Context, userID uuid.UUID) {
	if err := m.cache.DeleteAllUserSessions(ctx, userID); err != nil {
		m.log.Error("failed to evict cached sessions", "user_id", userID, "error", err)
	}
}

// CleanupExpired deletes sessions that expired more than retention ago.
func (m *SessionManager) CleanupExpired(ctx context.Context, retention time.Duration) (int64, error) {
	return m.store.CleanupExpiredSessions(ctx, retention)
}
