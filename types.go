package authbridge

import (
	"context"

	"github.com/authbridge/authbridge/identity"
)

// tokenRequest is the JSON body for POST /auth/token.
type tokenRequest struct {
	Code string `json:"code"`
}

// refreshRequest is the optional JSON body for POST /auth/refresh when no
// cookie is present (non-browser clients).
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// tokenResponse is the JSON body for successful token grants.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// impersonateRequest is the JSON body for POST /auth/impersonate.
type impersonateRequest struct {
	Subject    string `json:"sub"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

type contextKey string

const principalContextKey contextKey = "authbridge.principal"

// ContextWithPrincipal stores an authenticated principal in the context.
func ContextWithPrincipal(ctx context.Context, principal *identity.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, principal)
}

// PrincipalFromContext retrieves the authenticated principal set by the
// authorization gate middleware.
func PrincipalFromContext(ctx context.Context) (*identity.Principal, bool) {
	principal, ok := ctx.Value(principalContextKey).(*identity.Principal)
	return principal, ok
}
