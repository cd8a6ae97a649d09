// google.go -- OIDC code-flow provider, configured for Google.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// GoogleIssuer is Google's OIDC issuer; discovery is fetched from it at startup.
const GoogleIssuer = "https://accounts.google.com"

// OIDCProvider implements Provider for any issuer that returns a signed ID token.
type OIDCProvider struct {
	name     string
	config   *oauth2.Config
	verifier *oidc.IDTokenVerifier
}

// NewOIDCProvider runs discovery against issuer (one outbound request).
func NewOIDCProvider(ctx context.Context, name, issuer string, client oauth2.Config) (*OIDCProvider, error) {
	p, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("%s oidc discovery: %w", name, err)
	}
	client.Endpoint = p.Endpoint()
	if len(client.Scopes) == 0 {
		client.Scopes = []string{oidc.ScopeOpenID, "email", "profile"}
	}
	return &OIDCProvider{
		name:     name,
		config:   &client,
		verifier: p.Verifier(&oidc.Config{ClientID: client.ClientID}),
	}, nil
}

// NewGoogleProvider is NewOIDCProvider for accounts.google.com.
func NewGoogleProvider(ctx context.Context, clientID, clientSecret, redirectURL string) (*OIDCProvider, error) {
	return NewOIDCProvider(ctx, Google, GoogleIssuer, oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
	})
}

func (p *OIDCProvider) Name() string { return p.name }

func (p *OIDCProvider) AuthCodeURL(state, verifier string) string {
	return p.config.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

// Exchange verifies the returned ID token (signature, aud, exp) before trusting any claim.
func (p *OIDCProvider) Exchange(ctx context.Context, code, verifier string) (*Claims, error) {
	token, err := p.config.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("exchanging code: %w", err)
	}
	raw, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, errors.New("no id_token in token response")
	}
	idToken, err := p.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("verifying id token: %w", err)
	}

	var c idClaims
	if err := idToken.Claims(&c); err != nil {
		return nil, fmt.Errorf("extracting id token claims: %w", err)
	}
	return c.normalize()
}

// idClaims is the subset of standard OIDC claims we read.
type idClaims struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
}

func (c idClaims) normalize() (*Claims, error) {
	if c.Sub == "" {
		return nil, errors.New("id token has no subject")
	}
	name := c.Name
	if name == "" {
		name = strings.TrimSpace(c.GivenName + " " + c.FamilyName)
	}
	return &Claims{
		Subject:       c.Sub,
		Email:         strings.ToLower(strings.TrimSpace(c.Email)),
		EmailVerified: c.EmailVerified && c.Email != "",
		Name:          name,
	}, nil
}
