// Package token mints and verifies the broker's signed access tokens.
//
// Tokens are stateless JWTs signed with a single symmetric key per
// deployment. Verification collapses every failure mode into one error so
// callers cannot leak why a credential was rejected.
package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/authbridge/authbridge/identity"
	"github.com/authbridge/authbridge/security"
)

const (
	// DefaultAccessTokenTTL is the default lifetime of an access token.
	DefaultAccessTokenTTL = 15 * time.Minute

	// MinSigningKeyLength is the minimum signing key size in bytes.
	// HS256 keys shorter than the hash output weaken the HMAC.
	MinSigningKeyLength = 32

	// customClaimsAdvisoryBytes is the serialized custom-claims size above
	// which a development-mode warning is logged. Oversized claims bloat
	// every request's Authorization header but are never rejected here.
	customClaimsAdvisoryBytes = 1024
)

// ErrInvalidToken is returned for every verification failure: bad signature,
// expired, malformed, wrong algorithm, wrong issuer or audience. Callers must
// not be able to distinguish these cases.
var ErrInvalidToken = errors.New("invalid token")

// Config holds configuration for the token engine.
type Config struct {
	// SigningKey is the symmetric HS256 signing key (required, >= 32 bytes).
	SigningKey []byte

	// Issuer is the "iss" claim stamped on every token (required).
	Issuer string

	// Audience is the "aud" claim stamped on every token (required).
	Audience string

	// AccessTokenTTL is the default token lifetime (default 15 minutes).
	AccessTokenTTL time.Duration

	// DevelopmentMode enables advisory logging that would be noise in
	// production, such as the custom-claims payload size warning.
	DevelopmentMode bool

	// Logger is the optional structured logger (default: slog.Default()).
	Logger *slog.Logger

	// Now overrides the time source, for tests.
	Now func() time.Time
}

// Engine signs and verifies access tokens.
type Engine struct {
	signingKey      []byte
	issuer          string
	audience        string
	accessTokenTTL  time.Duration
	developmentMode bool
	logger          *slog.Logger
	now             func() time.Time
}

// accessClaims is the wire shape of an access token payload.
type accessClaims struct {
	jwt.RegisteredClaims
	Email         string                  `json:"email,omitempty"`
	Name          string                  `json:"name,omitempty"`
	Picture       string                  `json:"picture,omitempty"`
	Provider      string                  `json:"provider,omitempty"`
	Custom        map[string]any          `json:"custom,omitempty"`
	Impersonation *identity.Impersonation `json:"impersonation,omitempty"`
}

// NewEngine creates a token engine.
func NewEngine(cfg Config) (*Engine, error) {
	if len(cfg.SigningKey) < MinSigningKeyLength {
		return nil, fmt.Errorf("signing key must be at least %d bytes", MinSigningKeyLength)
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.Audience == "" {
		return nil, fmt.Errorf("audience is required")
	}

	ttl := cfg.AccessTokenTTL
	if ttl <= 0 {
		ttl = DefaultAccessTokenTTL
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Engine{
		signingKey:      cfg.SigningKey,
		issuer:          cfg.Issuer,
		audience:        cfg.Audience,
		accessTokenTTL:  ttl,
		developmentMode: cfg.DevelopmentMode,
		logger:          logger,
		now:             now,
	}, nil
}

// AccessTokenTTL returns the configured default token lifetime.
func (e *Engine) AccessTokenTTL() time.Duration {
	return e.accessTokenTTL
}

// Issue signs an access token for the given principal. A non-positive ttl
// uses the configured default. Returns the signed token and its expiry.
func (e *Engine) Issue(principal *identity.Principal, ttl time.Duration) (string, time.Time, error) {
	if principal == nil || principal.Subject == "" {
		return "", time.Time{}, fmt.Errorf("principal with subject is required")
	}
	if ttl <= 0 {
		ttl = e.accessTokenTTL
	}

	if err := identity.ValidateCustomClaims(principal.CustomClaims); err != nil {
		return "", time.Time{}, fmt.Errorf("custom claims rejected: %w", err)
	}
	e.warnOversizedClaims(principal)

	now := e.now()
	expiresAt := now.Add(ttl)

	claims := &accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   principal.Subject,
			Issuer:    e.issuer,
			Audience:  jwt.ClaimStrings{e.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Email:         principal.Email,
		Name:          principal.Name,
		Picture:       principal.Picture,
		Provider:      principal.Provider,
		Custom:        principal.CustomClaims,
		Impersonation: principal.Impersonation,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(e.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}

	return signed, expiresAt, nil
}

// Verify parses and validates an access token, returning the principal it
// carries. Every failure mode maps to ErrInvalidToken.
func (e *Engine) Verify(tokenString string) (*identity.Principal, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	var claims accessClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims,
		func(t *jwt.Token) (any, error) {
			return e.signingKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(e.issuer),
		jwt.WithAudience(e.audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(security.DefaultClockSkewGracePeriod),
		jwt.WithTimeFunc(e.now),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	return &identity.Principal{
		Subject:       claims.Subject,
		Provider:      claims.Provider,
		Email:         claims.Email,
		Name:          claims.Name,
		Picture:       claims.Picture,
		CustomClaims:  claims.Custom,
		Impersonation: claims.Impersonation,
	}, nil
}

// warnOversizedClaims logs a development-mode advisory when the serialized
// custom claims are large enough to bloat request headers.
func (e *Engine) warnOversizedClaims(principal *identity.Principal) {
	if !e.developmentMode || len(principal.CustomClaims) == 0 {
		return
	}

	data, err := json.Marshal(principal.CustomClaims)
	if err != nil {
		return
	}
	if len(data) > customClaimsAdvisoryBytes {
		e.logger.Warn("Custom claims payload is large; every request carries it",
			"subject", principal.Subject,
			"size_bytes", len(data),
			"advisory_limit", customClaimsAdvisoryBytes)
	}
}
