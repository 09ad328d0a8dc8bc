package authbridge

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the broker configuration. Zero values fall back to the
// documented defaults in Normalize.
type Config struct {
	// PublicBaseURL is the externally visible base URL of the broker,
	// used for provider callback URIs and HSTS decisions (required).
	PublicBaseURL string `env:"AUTHBRIDGE_PUBLIC_BASE_URL"`

	// SigningKey is the symmetric access token signing key (required,
	// at least 32 bytes).
	SigningKey string `env:"AUTHBRIDGE_SIGNING_KEY,unset"`

	// Issuer is the "iss" claim on access tokens. Defaults to
	// PublicBaseURL.
	Issuer string `env:"AUTHBRIDGE_ISSUER"`

	// Audience is the "aud" claim on access tokens (required).
	Audience string `env:"AUTHBRIDGE_AUDIENCE"`

	// Token lifetimes.
	AccessTokenTTL  time.Duration `env:"AUTHBRIDGE_ACCESS_TOKEN_TTL"  envDefault:"15m"`
	RefreshTokenTTL time.Duration `env:"AUTHBRIDGE_REFRESH_TOKEN_TTL" envDefault:"720h"`
	StateTTL        time.Duration `env:"AUTHBRIDGE_STATE_TTL"         envDefault:"5m"`
	ExchangeCodeTTL time.Duration `env:"AUTHBRIDGE_EXCHANGE_CODE_TTL" envDefault:"1m"`

	// DisableRotation turns off refresh token rotation.
	// WARNING: replayed refresh tokens then stay valid until absolute
	// expiry and reuse detection is off.
	DisableRotation bool `env:"AUTHBRIDGE_DISABLE_ROTATION"`

	// RevokeFamilyOnLogout revokes the whole rotation chain at logout
	// instead of just the presented token.
	RevokeFamilyOnLogout bool `env:"AUTHBRIDGE_REVOKE_FAMILY_ON_LOGOUT"`

	// CookieName is the refresh token cookie name.
	CookieName string `env:"AUTHBRIDGE_COOKIE_NAME" envDefault:"authbridge_refresh"`

	// CookieInsecure drops the Secure attribute from the refresh cookie.
	// Only for local development over plain HTTP.
	CookieInsecure bool `env:"AUTHBRIDGE_COOKIE_INSECURE"`

	// Rate limiting per client IP. RequestRate zero disables limiting.
	RequestRate  float64 `env:"AUTHBRIDGE_REQUEST_RATE"  envDefault:"10"`
	RequestBurst int     `env:"AUTHBRIDGE_REQUEST_BURST" envDefault:"20"`

	// TrustProxy enables X-Forwarded-For and X-Real-IP handling. Only
	// enable behind a reverse proxy the operator controls.
	TrustProxy        bool `env:"AUTHBRIDGE_TRUST_PROXY"`
	TrustedProxyCount int  `env:"AUTHBRIDGE_TRUSTED_PROXY_COUNT" envDefault:"1"`

	// ValkeyAddress selects the Valkey storage backend when set. Empty
	// means the in-memory store.
	ValkeyAddress  string `env:"AUTHBRIDGE_VALKEY_ADDR"`
	ValkeyPassword string `env:"AUTHBRIDGE_VALKEY_PASSWORD,unset"`
	ValkeyDB       int    `env:"AUTHBRIDGE_VALKEY_DB"`

	// EnableAuditLogging turns on security audit log lines.
	EnableAuditLogging bool `env:"AUTHBRIDGE_AUDIT_LOGGING" envDefault:"true"`

	// DevelopmentMode relaxes advisory checks (oversized claim warnings,
	// default magic-code email sink).
	DevelopmentMode bool `env:"AUTHBRIDGE_DEVELOPMENT_MODE"`

	// Logger for structured logging (optional, slog.Default() if unset).
	Logger *slog.Logger `env:"-"`
}

// ConfigFromEnv loads configuration from AUTHBRIDGE_* environment variables.
func ConfigFromEnv() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize applies defaults and validates required fields.
func (c *Config) Normalize() error {
	if c.PublicBaseURL == "" {
		return fmt.Errorf("public base URL is required")
	}
	parsed, err := url.Parse(c.PublicBaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("public base URL must be an absolute URL")
	}
	if len(c.SigningKey) < 32 {
		return fmt.Errorf("signing key must be at least 32 bytes")
	}
	if c.Issuer == "" {
		c.Issuer = c.PublicBaseURL
	}
	if c.Audience == "" {
		return fmt.Errorf("audience is required")
	}
	if c.CookieName == "" {
		c.CookieName = "authbridge_refresh"
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = 15 * time.Minute
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}
