package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/authbridge/authbridge/identity"
	"github.com/authbridge/authbridge/instrumentation"
	"github.com/authbridge/authbridge/providers"
	"github.com/authbridge/authbridge/security"
	"github.com/authbridge/authbridge/storage"
	"github.com/authbridge/authbridge/token"
)

const (
	// DefaultStateTTL bounds how long an authorization request may wait for
	// its callback.
	DefaultStateTTL = 5 * time.Minute

	// DefaultExchangeCodeTTL bounds how long an exchange code stays
	// redeemable.
	DefaultExchangeCodeTTL = time.Minute

	// DefaultRefreshTokenTTL is the absolute session ceiling. Rotation
	// never extends it.
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
)

// OnUserInfoHook transforms provider user info before the principal is
// built. Returning an error aborts the login.
type OnUserInfoHook func(ctx context.Context, info *providers.UserInfo) (*providers.UserInfo, error)

// OnSuccessHook runs after a principal is resolved, typically to upsert the
// user into an application store. Returning an error aborts the login.
type OnSuccessHook func(ctx context.Context, principal *identity.Principal, providerID string) error

// CustomClaimsHook computes application claims for a principal. It runs at
// login and again at every refresh, so claims stay current across a
// session. The result must satisfy identity.ValidateCustomClaims.
type CustomClaimsHook func(ctx context.Context, principal *identity.Principal) (map[string]any, error)

// ImpersonationPolicy decides whether an administrator may impersonate the
// target subject. Returning an error denies the request. A nil policy
// denies everything.
type ImpersonationPolicy func(ctx context.Context, admin *identity.Principal, targetSubject string) error

// Config holds configuration for the engine.
type Config struct {
	// Providers are the configured identity sources (at least one).
	Providers []providers.Provider

	// Store is the backing store for states, codes, and refresh records
	// (required).
	Store storage.Store

	// Tokens signs and verifies access tokens (required).
	Tokens *token.Engine

	// PublicBaseURL is the externally reachable base URL of the broker,
	// used to build provider callback URIs (required for OAuth providers).
	PublicBaseURL string

	// StateTTL is the authorization request lifetime (default 5 minutes).
	StateTTL time.Duration

	// ExchangeCodeTTL is the exchange code lifetime (default one minute).
	ExchangeCodeTTL time.Duration

	// RefreshTokenTTL is the absolute session lifetime (default 30 days).
	RefreshTokenTTL time.Duration

	// DisableRotation keeps refresh IDs stable across refreshes. Multiple
	// concurrent holders of one ID all stay valid until absolute expiry or
	// logout. This is a documented trade-off for multi-tab clients without
	// session identity.
	DisableRotation bool

	// RevokeFamilyOnLogout revokes the whole rotation chain at logout
	// instead of the single presented record.
	RevokeFamilyOnLogout bool

	// OnUserInfo transforms provider user info (optional, absence = no-op).
	OnUserInfo OnUserInfoHook

	// OnSuccess runs after principal resolution (optional, absence = no-op).
	OnSuccess OnSuccessHook

	// CustomClaims computes application claims (optional, absence = none).
	CustomClaims CustomClaimsHook

	// Impersonation gates admin impersonation (optional, absence = deny).
	Impersonation ImpersonationPolicy

	// Auditor records security events (optional).
	Auditor *security.Auditor

	// SecurityEventRateLimiter throttles reuse-detection logging so an
	// attacker replaying stolen tokens cannot flood the audit log.
	SecurityEventRateLimiter *security.RateLimiter

	// Instrumentation provides OpenTelemetry metrics and traces (optional).
	Instrumentation *instrumentation.Instrumentation

	// Logger is the optional structured logger (default: slog.Default()).
	Logger *slog.Logger

	// Now overrides the time source, for tests.
	Now func() time.Time
}
