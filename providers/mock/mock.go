// Package mock provides an in-process auto-approving provider for
// development and end-to-end tests.
//
// The mock keeps the full redirect chain intact: AuthorizationURL points at
// an in-process authorize endpoint, that endpoint auto-approves and
// redirects back with a provider-level code, and the code is exchanged
// through the same four-operation contract as a real provider. Together
// with the broker's own exchange code this gives the two-tier indirection a
// real OAuth login has, so flow tests exercise every hop.
package mock

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/authbridge/authbridge/identity"
	"github.com/authbridge/authbridge/providers"
	"github.com/authbridge/authbridge/storage"
)

const (
	// DefaultAuthorizePath is where the broker mounts HandleAuthorize.
	DefaultAuthorizePath = "/auth/mock/authorize"

	// DefaultCodeTTL bounds how long a provider-level code stays redeemable.
	DefaultCodeTTL = time.Minute

	providerTokenTTL = time.Hour
)

// Config holds configuration for the mock provider.
type Config struct {
	// User is the identity every authorization resolves to.
	// Defaults to a fixed test user.
	User *providers.UserInfo

	// Codes stores provider-level codes (required). Use a dedicated store
	// instance: sharing the broker's own exchange code store would put both
	// code tiers in one keyspace.
	Codes storage.CodeStore

	// AuthorizePath is the in-process authorize endpoint path.
	AuthorizePath string

	// CodeTTL is the provider-level code lifetime (default one minute).
	CodeTTL time.Duration

	// Now overrides the time source, for tests.
	Now func() time.Time
}

// Provider implements providers.LocalProvider with auto-approval.
type Provider struct {
	user          providers.UserInfo
	codes         storage.CodeStore
	authorizePath string
	codeTTL       time.Duration
	now           func() time.Time

	mu     sync.Mutex
	tokens map[string]providers.UserInfo
}

var _ providers.LocalProvider = (*Provider)(nil)

// New creates a mock provider.
func New(cfg Config) (*Provider, error) {
	if cfg.Codes == nil {
		return nil, fmt.Errorf("code store is required")
	}

	user := providers.UserInfo{
		ID:            "mock-user-123",
		Email:         "mock@example.com",
		EmailVerified: true,
		Name:          "Mock User",
	}
	if cfg.User != nil {
		user = *cfg.User
	}

	authorizePath := cfg.AuthorizePath
	if authorizePath == "" {
		authorizePath = DefaultAuthorizePath
	}

	codeTTL := cfg.CodeTTL
	if codeTTL <= 0 {
		codeTTL = DefaultCodeTTL
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Provider{
		user:          user,
		codes:         cfg.Codes,
		authorizePath: authorizePath,
		codeTTL:       codeTTL,
		now:           now,
		tokens:        make(map[string]providers.UserInfo),
	}, nil
}

// Name returns "mock".
func (p *Provider) Name() string {
	return "mock"
}

// AuthorizePath is the path HandleAuthorize is mounted at.
func (p *Provider) AuthorizePath() string {
	return p.authorizePath
}

// AuthorizationURL points at the in-process authorize endpoint.
func (p *Provider) AuthorizationURL(state, redirectURI string) string {
	q := url.Values{}
	q.Set("state", state)
	q.Set("redirect_uri", redirectURI)
	return p.authorizePath + "?" + q.Encode()
}

// HandleAuthorize auto-approves the authorization request: it mints a
// provider-level code for the configured user and redirects back to the
// redirect_uri with the code and the original state.
func (p *Provider) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	redirectURI := r.URL.Query().Get("redirect_uri")
	if state == "" || redirectURI == "" {
		http.Error(w, "missing state or redirect_uri", http.StatusBadRequest)
		return
	}

	code := oauth2.GenerateVerifier()
	now := p.now()
	rec := &storage.ExchangeCodeRecord{
		Code:      code,
		Principal: p.principal(),
		Provider:  p.Name(),
		IssuedAt:  now,
		ExpiresAt: now.Add(p.codeTTL),
	}
	if err := p.codes.SaveExchangeCode(r.Context(), rec); err != nil {
		http.Error(w, "authorization failed", http.StatusInternalServerError)
		return
	}

	q := url.Values{}
	q.Set("code", code)
	q.Set("state", state)
	http.Redirect(w, r, redirectURI+"?"+q.Encode(), http.StatusFound)
}

// ExchangeCode redeems a provider-level code. Codes are single-use via the
// underlying store's atomic consume.
func (p *Provider) ExchangeCode(ctx context.Context, code, redirectURI string) (*oauth2.Token, error) {
	rec, err := p.codes.ConsumeExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("invalid authorization code")
	}

	accessToken := oauth2.GenerateVerifier()
	p.mu.Lock()
	p.tokens[accessToken] = providers.UserInfo{
		ID:            rec.Principal.Subject,
		Email:         rec.Principal.Email,
		EmailVerified: true,
		Name:          rec.Principal.Name,
		Picture:       rec.Principal.Picture,
	}
	p.mu.Unlock()

	return &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		Expiry:      p.now().Add(providerTokenTTL),
	}, nil
}

// FetchUserInfo resolves a token minted by ExchangeCode. The token is
// consumed: the broker fetches user info exactly once per exchange, so
// entries must not accumulate across logins.
func (p *Provider) FetchUserInfo(ctx context.Context, token *oauth2.Token) (*providers.UserInfo, error) {
	if token == nil || token.AccessToken == "" {
		return nil, fmt.Errorf("provider token is required")
	}

	p.mu.Lock()
	info, ok := p.tokens[token.AccessToken]
	if ok {
		delete(p.tokens, token.AccessToken)
	}
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider token")
	}
	return &info, nil
}

// principal carries the configured user through the provider-level code
// store. The engine rebuilds the final principal from FetchUserInfo output;
// this record is transport only.
func (p *Provider) principal() *identity.Principal {
	return &identity.Principal{
		Subject:  p.user.ID,
		Provider: p.Name(),
		Email:    p.user.Email,
		Name:     p.user.Name,
		Picture:  p.user.Picture,
	}
}
