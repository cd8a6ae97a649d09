// Package oauth holds the OAuth2 identity provider clients.
//
// provider.go -- Provider interface and normalized claims.
package oauth

import "context"

// Provider names; these are also the values stored in oauth_identities.provider.
const (
	Google   = "google"
	Facebook = "facebook"
)

// Known reports whether name is a supported provider.
func Known(name string) bool {
	return name == Google || name == Facebook
}

// Claims holds the normalized identity returned by a provider after code exchange.
// Subject is the provider's stable user id. Name may be empty.
type Claims struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
}

// Provider is an OAuth2 identity provider. All flows use PKCE (S256): the caller keeps
// the verifier and passes it to both AuthCodeURL and Exchange.
type Provider interface {
	// Name returns the provider identifier used in URLs and storage.
	Name() string

	// AuthCodeURL returns the consent page URL carrying state and the S256 challenge
	// derived from verifier.
	AuthCodeURL(state, verifier string) string

	// Exchange trades the authorization code for verified identity claims.
	Exchange(ctx context.Context, code, verifier string) (*Claims, error)
}
