// stores.go
//
// Shared mock implementations of auth.Store, auth.SessionCache, auth.Mailer,
// auth.RateLimiter and oauth.Provider.
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/oauth"
	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/ratelimit"
	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/store"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// MockStore implements auth.Store for tests.

// Always stateful...rows live in maps and follow the Postgres store's semantics,
// including its sentinel errors. Use *Err fields to inject errors for specific operations.
type MockStore struct {
	// Error injection...zero value means no error
	CreateUserErr     error
	GetUserErr        error
	CreateSessionErr  error
	GetSessionErr     error
	DeleteSessionErr  error
	ReplaceTokenErr   error
	ConsumeTokenErr   error
	LinkIdentityErr   error
	DeleteIdentityErr error

	// Now is the store's clock for expiry checks. nil means time.Now.
	Now func() time.Time

	Users       map[uuid.UUID]*store.User
	Sessions    map[string]*store.Session // keyed by string(tokenHash)
	Tokens      map[string]*store.Token   // keyed by string(tokenHash)
	Identities  []*store.OAuthIdentity
	Secrets     map[uuid.UUID]*store.TwoFactorSecret
	BackupCodes []*store.BackupCode

	mu sync.Mutex
}

// NewMockStore returns a MockStore seeded with the given users.
func NewMockStore(users ...*store.User) *MockStore {
	ms := &MockStore{
		Users:    make(map[uuid.UUID]*store.User),
		Sessions: make(map[string]*store.Session),
		Tokens:   make(map[string]*store.Token),
		Secrets:  make(map[uuid.UUID]*store.TwoFactorSecret),
	}
	for _, u := range users {
		ms.Users[u.ID] = u
	}
	return ms
}

func (m *MockStore) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func copyUser(u *store.User) *store.User {
	cp := *u
	return &cp
}

// User returns a snapshot of the user row, or nil.
func (m *MockStore) User(id uuid.UUID) *store.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return nil
	}
	return copyUser(u)
}

// SessionCount returns the number of sessions owned by userID.
func (m *MockStore) SessionCount(userID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.Sessions {
		if s.UserID == userID {
			n++
		}
	}
	return n
}

func (m *MockStore) findByEmail(email string) *store.User {
	for _, u := range m.Users {
		if u.Email == email {
			return u
		}
	}
	return nil
}

func (m *MockStore) insertUser(nu store.NewUser) error {
	if m.findByEmail(nu.Email) != nil {
		return store.ErrDuplicateEmail
	}
	now := m.now()
	u := &store.User{
		ID:           nu.ID,
		Email:        nu.Email,
		Name:         nu.Name,
		PasswordHash: nu.PasswordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if nu.EmailVerified {
		u.EmailVerifiedAt = &now
	}
	m.Users[u.ID] = u
	return nil
}

func (m *MockStore) CreateUser(_ context.Context, nu store.NewUser) error {
	if m.CreateUserErr != nil {
		return m.CreateUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertUser(nu)
}

func (m *MockStore) CreateOAuthUser(_ context.Context, nu store.NewUser, identityID uuid.UUID, provider, subject string, email *string) error {
	if m.CreateUserErr != nil {
		return m.CreateUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity(provider, subject) != nil {
		return store.ErrIdentityTaken
	}
	if err := m.insertUser(nu); err != nil {
		return err
	}
	m.Identities = append(m.Identities, &store.OAuthIdentity{
		ID: identityID, UserID: nu.ID, Provider: provider, Subject: subject, Email: email, CreatedAt: m.now(),
	})
	return nil
}

func (m *MockStore) GetUserByID(_ context.Context, id uuid.UUID) (*store.User, error) {
	if m.GetUserErr != nil {
		return nil, m.GetUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return copyUser(u), nil
}

func (m *MockStore) GetUserByEmail(_ context.Context, email string) (*store.User, error) {
	if m.GetUserErr != nil {
		return nil, m.GetUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.findByEmail(email)
	if u == nil {
		return nil, pgx.ErrNoRows
	}
	return copyUser(u), nil
}

func (m *MockStore) deleteUserSessions(userID uuid.UUID) {
	for key, s := range m.Sessions {
		if s.UserID == userID {
			delete(m.Sessions, key)
		}
	}
}

func (m *MockStore) UpdatePasswordAndRevokeSessions(_ context.Context, userID uuid.UUID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[userID]
	if !ok {
		return pgx.ErrNoRows
	}
	u.PasswordHash = &passwordHash
	m.deleteUserSessions(userID)
	return nil
}

func (m *MockStore) CreateSession(_ context.Context, id, userID uuid.UUID, tokenHash, csrfToken []byte, createdAt, expiresAt time.Time, ip, userAgent *string) error {
	if m.CreateSessionErr != nil {
		return m.CreateSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sessions[string(tokenHash)] = &store.Session{
		ID:        id,
		UserID:    userID,
		TokenHash: tokenHash,
		CSRFToken: csrfToken,
		IPAddress: ip,
		UserAgent: userAgent,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
	}
	return nil
}

func (m *MockStore) GetSessionByTokenHash(_ context.Context, tokenHash []byte) (*store.Session, error) {
	if m.GetSessionErr != nil {
		return nil, m.GetSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[string(tokenHash)]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *s
	return &cp, nil
}

func (m *MockStore) DeleteSession(_ context.Context, tokenHash []byte) error {
	if m.DeleteSessionErr != nil {
		return m.DeleteSessionErr
	}
	m.mu.Lock()
	delete(m.Sessions, string(tokenHash))
	m.mu.Unlock()
	return nil
}

func (m *MockStore) DeleteAllUserSessions(_ context.Context, userID uuid.UUID) error {
	if m.DeleteSessionErr != nil {
		return m.DeleteSessionErr
	}
	m.mu.Lock()
	m.deleteUserSessions(userID)
	m.mu.Unlock()
	return nil
}

func (m *MockStore) CleanupExpiredSessions(_ context.Context, retention time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-retention)
	var n int64
	for key, s := range m.Sessions {
		if s.ExpiresAt.Before(cutoff) {
			delete(m.Sessions, key)
			n++
		}
	}
	return n, nil
}

func (m *MockStore) ReplaceToken(_ context.Context, id, userID uuid.UUID, tokenType string, tokenHash []byte, expiresAt time.Time) error {
	if m.ReplaceTokenErr != nil {
		return m.ReplaceTokenErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, t := range m.Tokens {
		if t.UserID == userID && t.TokenType == tokenType && t.UsedAt == nil {
			delete(m.Tokens, key)
		}
	}
	m.Tokens[string(tokenHash)] = &store.Token{
		ID:        id,
		UserID:    userID,
		TokenType: tokenType,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
		CreatedAt: m.now(),
	}
	return nil
}

func (m *MockStore) GetTokenByHash(_ context.Context, tokenHash []byte, tokenType string) (*store.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.Tokens[string(tokenHash)]
	if !ok || t.TokenType != tokenType {
		return nil, pgx.ErrNoRows
	}
	cp := *t
	return &cp, nil
}

// consume marks a live token used. Callers hold mu.
func (m *MockStore) consume(tokenHash []byte, tokenType string) (uuid.UUID, error) {
	if m.ConsumeTokenErr != nil {
		return uuid.Nil, m.ConsumeTokenErr
	}
	t, ok := m.Tokens[string(tokenHash)]
	if !ok || t.TokenType != tokenType || t.UsedAt != nil {
		return uuid.Nil, store.ErrTokenNotFound
	}
	now := m.now()
	if !now.Before(t.ExpiresAt) {
		return uuid.Nil, store.ErrTokenExpired
	}
	t.UsedAt = &now
	return t.UserID, nil
}

func (m *MockStore) ConsumeToken(_ context.Context, tokenHash []byte, tokenType string) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consume(tokenHash, tokenType)
}

func (m *MockStore) ConsumePasswordResetToken(_ context.Context, tokenHash []byte, passwordHash string) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	userID, err := m.consume(tokenHash, store.TokenPasswordReset)
	if err != nil {
		return uuid.Nil, err
	}
	u := m.Users[userID]
	u.PasswordHash = &passwordHash
	if u.EmailVerifiedAt == nil {
		now := m.now()
		u.EmailVerifiedAt = &now
	}
	m.deleteUserSessions(userID)
	return userID, nil
}

func (m *MockStore) ConsumeEmailVerificationToken(_ context.Context, tokenHash []byte) (uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	userID, err := m.consume(tokenHash, store.TokenEmailVerification)
	if err != nil {
		return uuid.Nil, false, err
	}
	u := m.Users[userID]
	if u.EmailVerifiedAt != nil {
		return userID, true, nil
	}
	now := m.now()
	u.EmailVerifiedAt = &now
	return userID, false, nil
}

func (m *MockStore) CleanupTokens(_ context.Context) (store.TokenCleanup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var counts store.TokenCleanup
	now := m.now()
	for key, t := range m.Tokens {
		if t.UsedAt == nil && !t.ExpiresAt.Before(now) {
			continue
		}
		delete(m.Tokens, key)
		switch t.TokenType {
		case store.TokenEmailVerification:
			counts.EmailVerification++
		case store.TokenPasswordReset:
			counts.PasswordReset++
		case store.TokenTwoFactorChallenge:
			counts.TwoFactorChallenge++
		}
	}
	return counts, nil
}

// TokenFor returns the live token of tokenType owned by userID, or nil.
func (m *MockStore) TokenFor(userID uuid.UUID, tokenType string) *store.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.Tokens {
		if t.UserID == userID && t.TokenType == tokenType && t.UsedAt == nil {
			cp := *t
			return &cp
		}
	}
	return nil
}

func (m *MockStore) identity(provider, subject string) *store.OAuthIdentity {
	for _, id := range m.Identities {
		if id.Provider == provider && id.Subject == subject {
			return id
		}
	}
	return nil
}

func (m *MockStore) GetUserByIdentity(_ context.Context, provider, subject string) (*store.User, error) {
	if m.GetUserErr != nil {
		return nil, m.GetUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.identity(provider, subject)
	if id == nil {
		return nil, pgx.ErrNoRows
	}
	return copyUser(m.Users[id.UserID]), nil
}

func (m *MockStore) LinkIdentity(_ context.Context, id, userID uuid.UUID, provider, subject string, email *string) error {
	if m.LinkIdentityErr != nil {
		return m.LinkIdentityErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity(provider, subject) != nil {
		return store.ErrIdentityTaken
	}
	for _, ident := range m.Identities {
		if ident.UserID == userID && ident.Provider == provider {
			return store.ErrProviderAlreadyLinked
		}
	}
	m.Identities = append(m.Identities, &store.OAuthIdentity{
		ID: id, UserID: userID, Provider: provider, Subject: subject, Email: email, CreatedAt: m.now(),
	})
	return nil
}

func (m *MockStore) ListIdentities(_ context.Context, userID uuid.UUID) ([]store.OAuthIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.OAuthIdentity
	for _, id := range m.Identities {
		if id.UserID == userID {
			out = append(out, *id)
		}
	}
	return out, nil
}

func (m *MockStore) DeleteIdentity(_ context.Context, userID uuid.UUID, provider string) error {
	if m.DeleteIdentityErr != nil {
		return m.DeleteIdentityErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, linked := -1, 0
	for i, id := range m.Identities {
		if id.UserID != userID {
			continue
		}
		linked++
		if id.Provider == provider {
			idx = i
		}
	}
	if idx < 0 {
		return store.ErrIdentityNotFound
	}
	if u := m.Users[userID]; u != nil && u.PasswordHash == nil && linked == 1 {
		return store.ErrLastAuthMethod
	}
	m.Identities = append(m.Identities[:idx], m.Identities[idx+1:]...)
	return nil
}

func (m *MockStore) GetTwoFactorSecret(_ context.Context, userID uuid.UUID) (*store.TwoFactorSecret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Secrets[userID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *s
	return &cp, nil
}

func (m *MockStore) UpsertPendingTwoFactor(_ context.Context, userID uuid.UUID, secret string, backupDigest []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.Secrets[userID]; ok && s.ConfirmedAt != nil {
		return store.ErrTwoFactorConfirmed
	}
	m.Secrets[userID] = &store.TwoFactorSecret{
		UserID: userID, Secret: secret, BackupDigest: backupDigest, CreatedAt: m.now(),
	}
	return nil
}

func (m *MockStore) ConfirmTwoFactor(_ context.Context, userID uuid.UUID, secret string, codes []store.BackupCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Secrets[userID]
	if !ok || s.ConfirmedAt != nil || s.Secret != secret {
		return store.ErrTwoFactorNotPending
	}
	now := m.now()
	s.ConfirmedAt = &now
	m.replaceCodes(userID, codes)
	if u := m.Users[userID]; u != nil {
		u.TwoFactorEnabled = true
	}
	return nil
}

// replaceCodes drops every code of userID and stores codes. Callers hold mu.
func (m *MockStore) replaceCodes(userID uuid.UUID, codes []store.BackupCode) {
	kept := m.BackupCodes[:0]
	for _, c := range m.BackupCodes {
		if c.UserID != userID {
			kept = append(kept, c)
		}
	}
	m.BackupCodes = kept
	for i := range codes {
		c := codes[i]
		c.CreatedAt = m.now()
		m.BackupCodes = append(m.BackupCodes, &c)
	}
}

func (m *MockStore) DisableTwoFactor(_ context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Secrets, userID)
	m.replaceCodes(userID, nil)
	if u := m.Users[userID]; u != nil {
		u.TwoFactorEnabled = false
	}
	return nil
}

func (m *MockStore) ListUnusedBackupCodes(_ context.Context, userID uuid.UUID) ([]store.BackupCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.BackupCode
	for _, c := range m.BackupCodes {
		if c.UserID == userID && c.UsedAt == nil {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *MockStore) MarkBackupCodeUsed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.BackupCodes {
		if c.ID == id && c.UsedAt == nil {
			now := m.now()
			c.UsedAt = &now
			return nil
		}
	}
	return store.ErrBackupCodeUsed
}

func (m *MockStore) MarkTOTPStepUsed(_ context.Context, userID uuid.UUID, step int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Secrets[userID]
	if !ok || s.ConfirmedAt == nil || (s.LastUsedStep != nil && *s.LastUsedStep >= step) {
		return store.ErrTOTPStepUsed
	}
	s.LastUsedStep = &step
	return nil
}

func (m *MockStore) ReplaceBackupCodes(_ context.Context, userID uuid.UUID, codes []store.BackupCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replaceCodes(userID, codes)
	return nil
}

func (m *MockStore) CountUnusedBackupCodes(_ context.Context, userID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.BackupCodes {
		if c.UserID == userID && c.UsedAt == nil {
			n++
		}
	}
	return n, nil
}

// MockCache implements auth.SessionCache for tests.
// Sessions are stored in a map keyed by string(tokenHash).
type MockCache struct {
	// Error injection...zero value means no error
	GetErr    error
	SetErr    error
	DeleteErr error

	Sessions map[string]*store.CachedSession
	mu       sync.Mutex
}

// NewMockCache returns an empty MockCache.
func NewMockCache() *MockCache {
	return &MockCache{Sessions: make(map[string]*store.CachedSession)}
}

func (c *MockCache) SetSession(_ context.Context, tokenHash []byte, cached store.CachedSession) error {
	if c.SetErr != nil {
		return c.SetErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Sessions == nil {
		c.Sessions = make(map[string]*store.CachedSession)
	}
	c.Sessions[string(tokenHash)] = &cached
	return nil
}

func (c *MockCache) GetSession(_ context.Context, tokenHash []byte) (*store.CachedSession, error) {
	if c.GetErr != nil {
		return nil, c.GetErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.Sessions[string(tokenHash)]
	if !ok {
		return nil, store.ErrCacheMiss
	}
	cp := *s
	return &cp, nil
}

func (c *MockCache) DeleteSession(_ context.Context, tokenHash []byte, _ uuid.UUID) error {
	if c.DeleteErr != nil {
		return c.DeleteErr
	}
	c.mu.Lock()
	delete(c.Sessions, string(tokenHash))
	c.mu.Unlock()
	return nil
}

func (c *MockCache) DeleteAllUserSessions(_ context.Context, userID uuid.UUID) error {
	if c.DeleteErr != nil {
		return c.DeleteErr
	}
	c.mu.Lock()
	for k, s := range c.Sessions {
		if s.UserID == userID {
			delete(c.Sessions, k)
		}
	}
	c.mu.Unlock()
	return nil
}

// Has reports whether tokenHash is cached.
func (c *MockCache) Has(tokenHash []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.Sessions[string(tokenHash)]
	return ok
}

// SentMail is one message recorded by MockMailer.
type SentMail struct {
	Kind    string // "password_reset", "email_verification" or "notice"
	To      string
	Token   string
	Subject string
}

// MockMailer implements auth.Mailer and mail.Mailer, recording every send.
type MockMailer struct {
	Err  error
	Sent []SentMail
	mu   sync.Mutex
}

func (m *MockMailer) record(s SentMail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, s)
	return nil
}

func (m *MockMailer) SendPasswordReset(_ context.Context, to, token string, _ time.Duration, _ map[string]string) error {
	return m.record(SentMail{Kind: "password_reset", To: to, Token: token})
}

func (m *MockMailer) SendEmailVerification(_ context.Context, to, token string, _ time.Duration, _ map[string]string) error {
	return m.record(SentMail{Kind: "email_verification", To: to, Token: token})
}

func (m *MockMailer) Send(_ context.Context, to, subject, _ string) error {
	return m.record(SentMail{Kind: "notice", To: to, Subject: subject})
}

// Last returns the most recent message of kind, or false.
func (m *MockMailer) Last(kind string) (SentMail, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.Sent) - 1; i >= 0; i-- {
		if m.Sent[i].Kind == kind {
			return m.Sent[i], true
		}
	}
	return SentMail{}, false
}

// MockProvider implements oauth.Provider. Exchange returns Claims (or Err) and
// counts its invocations.
type MockProvider struct {
	ProviderName string
	Claims       *oauth.Claims
	Err          error

	// WantCode and WantVerifier, when set, must match or Exchange fails.
	WantCode     string
	WantVerifier string

	exchanges atomic.Int64
}

func (p *MockProvider) Name() string { return p.ProviderName }

func (p *MockProvider) AuthCodeURL(state, _ string) string {
	return "https://" + p.ProviderName + ".example/authorize?state=" + state
}

func (p *MockProvider) Exchange(_ context.Context, code, verifier string) (*oauth.Claims, error) {
	p.exchanges.Add(1)
	if p.Err != nil {
		return nil, p.Err
	}
	if (p.WantCode != "" && code != p.WantCode) || (p.WantVerifier != "" && verifier != p.WantVerifier) {
		return nil, errMockExchange
	}
	cp := *p.Claims
	return &cp, nil
}

// Exchanges returns how many times Exchange was called.
func (p *MockProvider) Exchanges() int64 { return p.exchanges.Load() }

type mockError string

func (e mockError) Error() string { return string(e) }

const errMockExchange = mockError("mock exchange rejected code or verifier")

// MockLimiter implements auth.RateLimiter with a fixed outcome.
type MockLimiter struct {
	Err        error
	Deny       bool
	RetryAfter time.Duration

	mu   sync.Mutex
	Keys []string
}

func (l *MockLimiter) Check(_ context.Context, identifier string, _ ratelimit.Policy) (ratelimit.Decision, error) {
	l.mu.Lock()
	l.Keys = append(l.Keys, identifier)
	l.mu.Unlock()
	if l.Err != nil {
		return ratelimit.Decision{}, l.Err
	}
	if l.Deny {
		return ratelimit.Decision{RetryAfter: l.RetryAfter}, nil
	}
	return ratelimit.Decision{Allowed: true}, nil
}
