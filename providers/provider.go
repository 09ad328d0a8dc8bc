// Package providers defines the interface for identity providers and the
// normalized user info they produce. OAuth providers, the local password
// provider, and the in-process mock provider all implement the same
// contract so the engine stays provider-blind.
package providers

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
)

// Descriptor is the immutable per-provider configuration. It is owned by
// configuration and read-only to the engine.
type Descriptor struct {
	// ID is the provider identifier used in routes and token claims.
	ID string

	// AuthorizeURL is the provider's authorization endpoint.
	AuthorizeURL string

	// TokenURL is the provider's token endpoint.
	TokenURL string

	// UserInfoURL is the provider's user-info endpoint.
	UserInfoURL string

	// Scopes are the OAuth scopes to request.
	Scopes []string

	// ExtraAuthParams are additional query parameters appended to the
	// authorization URL (e.g. "access_type=offline").
	ExtraAuthParams map[string]string
}

// UserInfo is the normalized identity returned by every provider.
type UserInfo struct {
	// ID is the unique user identifier from the provider.
	ID string

	// Email is the user's email address.
	Email string

	// EmailVerified indicates if the email is verified.
	EmailVerified bool

	// Name is the user's full name.
	Name string

	// Picture is the URL of the user's profile picture.
	Picture string
}

// Provider is the four-operation contract every identity source implements.
type Provider interface {
	// Name returns the provider ID (e.g. "google", "github", "mock").
	Name() string

	// AuthorizationURL generates the URL to redirect users for
	// authentication. For local providers this is an in-process path.
	AuthorizationURL(state, redirectURI string) string

	// ExchangeCode exchanges a provider authorization code for tokens.
	ExchangeCode(ctx context.Context, code, redirectURI string) (*oauth2.Token, error)

	// FetchUserInfo fetches and normalizes the authenticated user's info.
	FetchUserInfo(ctx context.Context, token *oauth2.Token) (*UserInfo, error)
}

// LocalProvider is implemented by providers that authorize in-process
// instead of redirecting to a third party. The broker mounts HandleAuthorize
// under the provider's authorize path.
type LocalProvider interface {
	Provider

	// AuthorizePath is the path HandleAuthorize is mounted at.
	AuthorizePath() string

	// HandleAuthorize serves the in-process authorization endpoint. On
	// success it redirects back to the redirect_uri with a provider code
	// and the original state.
	HandleAuthorize(w http.ResponseWriter, r *http.Request)
}
