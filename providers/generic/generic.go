// Package generic implements a descriptor-driven OAuth2 authorization-code
// provider. Any OAuth2 source with an authorize, token, and user-info
// endpoint can be wired with a Descriptor alone; the preset packages for
// Google and GitHub are thin wrappers over this one.
package generic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/authbridge/authbridge/providers"
)

// maxUserInfoBody caps the user-info response size.
const maxUserInfoBody = 1 << 20

// Provider implements providers.Provider for any OAuth2 authorization-code
// identity source described by a Descriptor.
type Provider struct {
	descriptor providers.Descriptor
	config     *oauth2.Config
	httpClient *http.Client
	timeout    time.Duration
}

// Config holds configuration for a generic OAuth2 provider.
type Config struct {
	// Descriptor describes the provider's endpoints and scopes (required).
	Descriptor providers.Descriptor

	// ClientID is the OAuth client ID (required).
	ClientID string

	// ClientSecret is the OAuth client secret (required).
	ClientSecret string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// Timeout bounds each provider call (default 10s).
	Timeout time.Duration
}

var _ providers.Provider = (*Provider)(nil)

// New creates a descriptor-driven OAuth2 provider.
func New(cfg Config) (*Provider, error) {
	if cfg.Descriptor.ID == "" {
		return nil, fmt.Errorf("descriptor ID is required")
	}
	if cfg.Descriptor.AuthorizeURL == "" || cfg.Descriptor.TokenURL == "" || cfg.Descriptor.UserInfoURL == "" {
		return nil, fmt.Errorf("descriptor endpoints are required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = providers.DefaultExchangeTimeout
	}

	return &Provider{
		descriptor: cfg.Descriptor,
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Descriptor.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.Descriptor.AuthorizeURL,
				TokenURL: cfg.Descriptor.TokenURL,
			},
		},
		httpClient: httpClient,
		timeout:    timeout,
	}, nil
}

// Name returns the descriptor ID.
func (p *Provider) Name() string {
	return p.descriptor.ID
}

// AuthorizationURL generates the provider authorization URL, carrying the
// descriptor's extra auth params.
func (p *Provider) AuthorizationURL(state, redirectURI string) string {
	cfg := *p.config
	cfg.RedirectURL = redirectURI

	opts := make([]oauth2.AuthCodeOption, 0, len(p.descriptor.ExtraAuthParams))
	for k, v := range p.descriptor.ExtraAuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	return cfg.AuthCodeURL(state, opts...)
}

// ExchangeCode exchanges a provider authorization code for tokens. The call
// is bounded by the configured timeout.
func (p *Provider) ExchangeCode(ctx context.Context, code, redirectURI string) (*oauth2.Token, error) {
	cfg := *p.config
	cfg.RedirectURL = redirectURI

	token, err := providers.ExchangeWithTimeout(ctx, &cfg, p.httpClient, code, p.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	return token, nil
}

// rawUserInfo tolerates the field-name variation across OAuth user-info
// endpoints: OIDC uses sub/picture, GitHub uses id/login/avatar_url.
type rawUserInfo struct {
	Sub           string          `json:"sub"`
	ID            json.RawMessage `json:"id"`
	Email         string          `json:"email"`
	EmailVerified bool            `json:"email_verified"`
	Name          string          `json:"name"`
	Login         string          `json:"login"`
	Picture       string          `json:"picture"`
	AvatarURL     string          `json:"avatar_url"`
}

// FetchUserInfo calls the descriptor's user-info endpoint with the provider
// token and normalizes the response.
func (p *Provider) FetchUserInfo(ctx context.Context, token *oauth2.Token) (*providers.UserInfo, error) {
	if token == nil || token.AccessToken == "" {
		return nil, fmt.Errorf("provider token is required")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.descriptor.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build user info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user info request failed with status %d", resp.StatusCode)
	}

	var raw rawUserInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxUserInfoBody)).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}

	info := normalize(&raw)
	if info.ID == "" {
		return nil, fmt.Errorf("user info has no usable identifier")
	}
	return info, nil
}

// normalize folds the endpoint-specific field variants into UserInfo.
func normalize(raw *rawUserInfo) *providers.UserInfo {
	info := &providers.UserInfo{
		ID:            raw.Sub,
		Email:         raw.Email,
		EmailVerified: raw.EmailVerified,
		Name:          raw.Name,
		Picture:       raw.Picture,
	}

	if info.ID == "" {
		info.ID = decodeID(raw.ID)
	}
	if info.Name == "" {
		info.Name = raw.Login
	}
	if info.Picture == "" {
		info.Picture = raw.AvatarURL
	}
	return info
}

// decodeID accepts both string and numeric user IDs.
func decodeID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.FormatInt(n, 10)
	}
	return ""
}
