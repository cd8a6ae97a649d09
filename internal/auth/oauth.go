// oauth.go -- OAuth login, linking and unlinking.
// Provider-specific logic lives in internal/oauth; this file owns state checks and
// the account invariants around identity links.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/oauth"
	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/store"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"golang.org/x/oauth2"
)

// OAuthStart is handed to the caller, which stores State and Verifier (short-lived,
// HttpOnly) and redirects to RedirectURL.
type OAuthStart struct {
	Provider    string
	RedirectURL string
	State       string
	Verifier    string
}

// Callback carries what came back from the provider plus what the caller stored at start.
type Callback struct {
	Code          string
	State         string
	ExpectedState string
	Verifier      string
}

// OAuthCoordinator runs provider round trips and maintains identity links.
type OAuthCoordinator struct {
	providers map[string]oauth.Provider
	store     IdentityStore
	login     *loginIssuer
	log       *slog.Logger
}

// NewOAuthCoordinator registers providers by Name().
func NewOAuthCoordinator(s IdentityStore, login *loginIssuer, providers []oauth.Provider, log *slog.Logger) *OAuthCoordinator {
	if log == nil {
		log = slog.Default()
	}
	m := make(map[string]oauth.Provider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &OAuthCoordinator{providers: m, store: s, login: login, log: log}
}

// Providers lists configured provider names, sorted.
func (c *OAuthCoordinator) Providers() []string {
	names := make([]string, 0, len(c.providers))
	for n := range c.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (c *OAuthCoordinator) provider(name string) (oauth.Provider, error) {
	p, ok := c.providers[name]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return p, nil
}

// InitiateLogin returns a fresh state and PKCE verifier with the provider's consent URL.
// Also used to start a link flow.
func (c *OAuthCoordinator) InitiateLogin(providerName string) (*OAuthStart, error) {
	p, err := c.provider(providerName)
	if err != nil {
		return nil, err
	}

	var stateBytes [tokenBytes]byte
	if _, err := rand.Read(stateBytes[:]); err != nil {
		return nil, fmt.Errorf("generating oauth state: %w", err)
	}
	state := base64.RawURLEncoding.EncodeToString(stateBytes[:])
	verifier := oauth2.GenerateVerifier()

	return &OAuthStart{
		Provider:    p.Name(),
		RedirectURL: p.AuthCodeURL(state, verifier),
		State:       state,
		Verifier:    verifier,
	}, nil
}

// exchange checks state before anything else, then trades the code for claims.
// A bad state never reaches the provider.
func (c *OAuthCoordinator) exchange(ctx context.Context, p oauth.Provider, cb Callback) (*oauth.Claims, error) {
	if cb.State == "" || cb.ExpectedState == "" ||
		subtle.ConstantTimeCompare([]byte(cb.State), []byte(cb.ExpectedState)) != 1 {
		c.log.Warn("oauth callback rejected", "provider", p.Name(), "reason", "state_mismatch")
		return nil, ErrOAuthState
	}
	if cb.Code == "" || cb.Verifier == "" {
		c.log.Warn("oauth callback rejected", "provider", p.Name(), "reason", "missing_code")
		return nil, ErrOAuthFailed
	}

	claims, err := p.Exchange(ctx, cb.Code, cb.Verifier)
	if err != nil {
		c.log.Warn("oauth exchange failed", "provider", p.Name(), "error", err)
		return nil, ErrOAuthFailed
	}
	if claims.Subject == "" {
		c.log.Warn("oauth exchange returned no subject", "provider", p.Name())
		return nil, ErrOAuthFailed
	}
	return claims, nil
}

// CompleteLogin finishes a login round trip. An existing link logs that user in;
// otherwise a passwordless user is created with the identity attached. An unlinked
// identity whose email belongs to a local account is refused with ErrOAuthEmailInUse.
func (c *OAuthCoordinator) CompleteLogin(ctx context.Context, providerName string, cb Callback, meta ClientMeta) (*LoginResult, error) {
	p, err := c.provider(providerName)
	if err != nil {
		return nil, err
	}
	claims, err := c.exchange(ctx, p, cb)
	if err != nil {
		return nil, err
	}

	user, err := c.store.GetUserByIdentity(ctx, p.Name(), claims.Subject)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		user, err = c.createUser(ctx, p.Name(), claims)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("looking up identity: %w", err)
	}

	if user.IsBlocked {
		c.log.Info("oauth login refused", "user_id", user.ID, "provider", p.Name(), "reason", "blocked")
		return nil, ErrAccountBlocked
	}
	return c.login.issue(ctx, user, meta)
}

// createUser inserts a user and its first identity in one transaction.
func (c *OAuthCoordinator) createUser(ctx context.Context, provider string, claims *oauth.Claims) (*store.User, error) {
	email := NormalizeEmail(claims.Email)
	if email == "" || ValidateEmail(email) != "" {
		return nil, ErrOAuthEmailMissing
	}

	_, err := c.store.GetUserByEmail(ctx, email)
	if err == nil {
		c.log.Info("oauth login refused", "provider", provider, "reason", "email_in_use")
		return nil, ErrOAuthEmailInUse
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("looking up email: %w", err)
	}

	userID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating user id: %w", err)
	}
	identityID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating identity id: %w", err)
	}

	err = c.store.CreateOAuthUser(ctx, store.NewUser{
		ID:            userID,
		Email:         email,
		Name:          sanitizeName(claims.Name),
		EmailVerified: claims.EmailVerified,
	}, identityID, provider, claims.Subject, &email)
	switch {
	case errors.Is(err, store.ErrDuplicateEmail):
		return nil, ErrOAuthEmailInUse
	case errors.Is(err, store.ErrIdentityTaken):
		// A concurrent callback for the same identity won; log in as that user.
		u, err := c.store.GetUserByIdentity(ctx, provider, claims.Subject)
		if err != nil {
			return nil, fmt.Errorf("reloading raced identity: %w", err)
		}
		return u, nil
	case err != nil:
		return nil, fmt.Errorf("creating oauth user: %w", err)
	}

	c.log.Info("user created via oauth", "user_id", userID, "provider", provider)
	u, err := c.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading new user: %w", err)
	}
	return u, nil
}

// Link attaches the provider identity behind cb to userID. The (provider, subject)
// unique constraint settles races; there is no pre-check.
func (c *OAuthCoordinator) Link(ctx context.Context, userID uuid.UUID, providerName string, cb Callback) error {
	p, err := c.provider(providerName)
	if err != nil {
		return err
	}
	claims, err := c.exchange(ctx, p, cb)
	if err != nil {
		return err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating identity id: %w", err)
	}
	var email *string
	if e := NormalizeEmail(claims.Email); e != "" {
		email = &e
	}

	err = c.store.LinkIdentity(ctx, id, userID, p.Name(), claims.Subject, email)
	switch {
	case errors.Is(err, store.ErrIdentityTaken):
		owner, lookupErr := c.store.GetUserByIdentity(ctx, p.Name(), claims.Subject)
		if lookupErr == nil && owner.ID == userID {
			return ErrIdentityAlreadyLinked
		}
		c.log.Warn("oauth link refused", "user_id", userID, "provider", p.Name(), "reason", "identity_owned_elsewhere")
		return ErrIdentityLinkedElsewhere
	case errors.Is(err, store.ErrProviderAlreadyLinked):
		return ErrProviderAlreadyLinked
	case err != nil:
		return fmt.Errorf("linking identity: %w", err)
	}

	c.log.Info("oauth identity linked", "user_id", userID, "provider", p.Name())
	return nil
}

// Unlink removes the user's identity at provider. Users with a password must confirm it.
// The store refuses to remove the last authentication method.
func (c *OAuthCoordinator) Unlink(ctx context.Context, userID uuid.UUID, providerName, password string) error {
	if !oauth.Known(providerName) {
		return ErrUnknownProvider
	}

	u, err := c.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		return fmt.Errorf("looking up user: %w", err)
	}
	if u.HasPassword() {
		if password == "" {
			return ErrInvalidCredentials
		}
		ok, err := VerifyPassword(password, *u.PasswordHash)
		if err != nil {
			return fmt.Errorf("verifying password: %w", err)
		}
		if !ok {
			c.log.Info("oauth unlink refused", "user_id", userID, "reason", "wrong_password")
			return ErrInvalidCredentials
		}
	}

	err = c.store.DeleteIdentity(ctx, userID, providerName)
	switch {
	case errors.Is(err, store.ErrLastAuthMethod):
		return ErrLastAuthMethod
	case errors.Is(err, store.ErrIdentityNotFound):
		return ErrIdentityNotLinked
	case err != nil:
		return fmt.Errorf("unlinking identity: %w", err)
	}

	c.log.Info("oauth identity unlinked", "user_id", userID, "provider", providerName)
	return nil
}

// Identities lists the user's linked providers.
func (c *OAuthCoordinator) Identities(ctx context.Context, userID uuid.UUID) ([]store.OAuthIdentity, error) {
	ids, err := c.store.ListIdentities(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing identities: %w", err)
	}
	return ids, nil
}
