// Package engine implements the token exchange and lifecycle state machine:
// authorization flow bookkeeping, exchange code minting and redemption,
// access and refresh token issuance, rotation with reuse detection, logout,
// and impersonation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/oauth2"

	"github.com/authbridge/authbridge/identity"
	"github.com/authbridge/authbridge/instrumentation"
	"github.com/authbridge/authbridge/providers"
	"github.com/authbridge/authbridge/security"
	"github.com/authbridge/authbridge/storage"
	"github.com/authbridge/authbridge/token"
)

// Engine-level error kinds. The HTTP layer maps these to status codes; the
// engine itself never writes responses.
var (
	// ErrUnauthorized covers every credential failure: invalid state,
	// invalid or replayed code, invalid or revoked refresh token, bad
	// access token. Collapsing them is deliberate; callers must not be
	// able to tell the cases apart.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrProvider covers upstream identity source failures: unreachable,
	// timed out, or returned an error.
	ErrProvider = errors.New("provider error")

	// ErrUnknownProvider is returned for a provider ID that was never
	// configured. Unlike credential failures this is client input shape,
	// not a secret.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrImpersonationDenied is returned when the impersonation policy
	// rejects a request, or no policy is configured.
	ErrImpersonationDenied = errors.New("impersonation denied")
)

// TokenPair is the result of redeeming an exchange code or refreshing.
type TokenPair struct {
	// AccessToken is the signed access token.
	AccessToken string

	// AccessExpiresAt is the access token expiry.
	AccessExpiresAt time.Time

	// RefreshID is the refresh token identity. With rotation enabled it
	// changes on every refresh; the previous value is dead.
	RefreshID string
}

// Engine is the token exchange and lifecycle engine.
type Engine struct {
	providers map[string]providers.Provider
	store     storage.Store
	tokens    *token.Engine

	publicBaseURL   string
	stateTTL        time.Duration
	exchangeCodeTTL time.Duration
	refreshTTL      time.Duration
	rotationEnabled bool
	revokeFamily    bool

	onUserInfo    OnUserInfoHook
	onSuccess     OnSuccessHook
	customClaims  CustomClaimsHook
	impersonation ImpersonationPolicy

	auditor       *security.Auditor
	eventLimiter  *security.RateLimiter
	ownsLimiter   bool
	metrics       *instrumentation.Metrics
	logger        *slog.Logger
	now           func() time.Time
}

// New creates an engine.
func New(cfg Config) (*Engine, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("at least one provider is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token engine is required")
	}

	provs := make(map[string]providers.Provider, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if p == nil || p.Name() == "" {
			return nil, fmt.Errorf("provider with empty name")
		}
		if _, dup := provs[p.Name()]; dup {
			return nil, fmt.Errorf("duplicate provider %q", p.Name())
		}
		provs[p.Name()] = p
	}

	stateTTL := cfg.StateTTL
	if stateTTL <= 0 {
		stateTTL = DefaultStateTTL
	}
	exchangeCodeTTL := cfg.ExchangeCodeTTL
	if exchangeCodeTTL <= 0 {
		exchangeCodeTTL = DefaultExchangeCodeTTL
	}
	refreshTTL := cfg.RefreshTokenTTL
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTokenTTL
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	eventLimiter := cfg.SecurityEventRateLimiter
	ownsLimiter := false
	if eventLimiter == nil {
		eventLimiter = security.NewRateLimiter(1, 10, logger)
		ownsLimiter = true
	}

	var metrics *instrumentation.Metrics
	if cfg.Instrumentation != nil {
		metrics = cfg.Instrumentation.Metrics()
	}

	return &Engine{
		providers:       provs,
		store:           cfg.Store,
		tokens:          cfg.Tokens,
		publicBaseURL:   cfg.PublicBaseURL,
		stateTTL:        stateTTL,
		exchangeCodeTTL: exchangeCodeTTL,
		refreshTTL:      refreshTTL,
		rotationEnabled: !cfg.DisableRotation,
		revokeFamily:    cfg.RevokeFamilyOnLogout,
		onUserInfo:      cfg.OnUserInfo,
		onSuccess:       cfg.OnSuccess,
		customClaims:    cfg.CustomClaims,
		impersonation:   cfg.Impersonation,
		auditor:         cfg.Auditor,
		eventLimiter:    eventLimiter,
		ownsLimiter:     ownsLimiter,
		metrics:         metrics,
		logger:          logger,
		now:             now,
	}, nil
}

// Close releases engine-owned resources.
func (e *Engine) Close() {
	if e.ownsLimiter {
		e.eventLimiter.Stop()
	}
}

// Provider returns a configured provider by ID.
func (e *Engine) Provider(id string) (providers.Provider, error) {
	p, ok := e.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return p, nil
}

// Providers returns the configured provider IDs.
func (e *Engine) Providers() []string {
	ids := make([]string, 0, len(e.providers))
	for id := range e.providers {
		ids = append(ids, id)
	}
	return ids
}

// callbackURI builds the redirect URI the provider sends the user back to.
func (e *Engine) callbackURI(providerID string) string {
	return e.publicBaseURL + "/auth/" + providerID + "/callback"
}

// StartAuthorizationFlow begins a login: it stores an authorization request
// under a fresh random state and returns the provider authorize URL to
// redirect the user to.
func (e *Engine) StartAuthorizationFlow(ctx context.Context, providerID, redirectTarget string) (authorizeURL, state string, err error) {
	p, err := e.Provider(providerID)
	if err != nil {
		return "", "", err
	}

	state = oauth2.GenerateVerifier()
	now := e.now()
	req := &storage.AuthorizationRequest{
		State:          state,
		Provider:       providerID,
		RedirectTarget: redirectTarget,
		CreatedAt:      now,
		ExpiresAt:      now.Add(e.stateTTL),
	}
	if err := e.store.SaveAuthorizationRequest(ctx, req); err != nil {
		return "", "", fmt.Errorf("failed to save authorization request: %w", err)
	}

	e.addCounter(ctx, func(m *instrumentation.Metrics) metric.Int64Counter { return m.AuthorizationStarted }, providerID)
	return p.AuthorizationURL(state, e.callbackURI(providerID)), state, nil
}

// HandleProviderCallback completes the provider leg of a login: it consumes
// the state, exchanges the provider code, resolves and normalizes the user,
// runs the hooks, and mints a single-use exchange code. Returns the code
// and the redirect target captured at flow start.
func (e *Engine) HandleProviderCallback(ctx context.Context, providerID, state, providerCode string) (exchangeCode, redirectTarget string, err error) {
	p, err := e.Provider(providerID)
	if err != nil {
		return "", "", err
	}

	req, err := e.store.ConsumeAuthorizationRequest(ctx, state)
	if err != nil {
		e.recordAuthFailure(ctx, providerID, "invalid_state")
		return "", "", ErrUnauthorized
	}
	if req.Provider != providerID {
		// A state minted for one provider presented on another's callback.
		e.recordAuthFailure(ctx, providerID, "provider_mismatch")
		return "", "", ErrUnauthorized
	}

	providerToken, err := p.ExchangeCode(ctx, providerCode, e.callbackURI(providerID))
	if e.metrics != nil {
		e.metrics.RecordProviderCall(ctx, providerID, "exchange_code", err != nil)
	}
	if err != nil {
		e.logger.Warn("Provider code exchange failed", "provider", providerID, "error", err)
		return "", "", ErrProvider
	}

	info, err := p.FetchUserInfo(ctx, providerToken)
	if e.metrics != nil {
		e.metrics.RecordProviderCall(ctx, providerID, "fetch_user_info", err != nil)
	}
	if err != nil {
		e.logger.Warn("Provider user info fetch failed", "provider", providerID, "error", err)
		return "", "", ErrProvider
	}

	principal, err := e.resolvePrincipal(ctx, providerID, info)
	if err != nil {
		return "", "", err
	}

	code := oauth2.GenerateVerifier()
	now := e.now()
	rec := &storage.ExchangeCodeRecord{
		Code:      code,
		Principal: principal,
		Provider:  providerID,
		IssuedAt:  now,
		ExpiresAt: now.Add(e.exchangeCodeTTL),
	}
	if err := e.store.SaveExchangeCode(ctx, rec); err != nil {
		return "", "", fmt.Errorf("failed to save exchange code: %w", err)
	}

	e.addCounter(ctx, func(m *instrumentation.Metrics) metric.Int64Counter { return m.CallbackProcessed }, providerID)
	e.addCounter(ctx, func(m *instrumentation.Metrics) metric.Int64Counter { return m.ExchangeCodeIssued }, providerID)
	return code, req.RedirectTarget, nil
}

// resolvePrincipal turns normalized provider user info into the principal
// that will be embedded in tokens, running the OnUserInfo, CustomClaims,
// and OnSuccess hooks in that order.
func (e *Engine) resolvePrincipal(ctx context.Context, providerID string, info *providers.UserInfo) (*identity.Principal, error) {
	if e.onUserInfo != nil {
		transformed, err := e.onUserInfo(ctx, info)
		if err != nil {
			return nil, fmt.Errorf("user info hook failed: %w", err)
		}
		info = transformed
	}
	if info == nil || info.ID == "" {
		return nil, fmt.Errorf("user info resolved without identifier")
	}

	principal := &identity.Principal{
		Subject:  providerID + ":" + info.ID,
		Provider: providerID,
		Email:    info.Email,
		Name:     info.Name,
		Picture:  info.Picture,
	}

	if e.customClaims != nil {
		claims, err := e.customClaims(ctx, principal)
		if err != nil {
			return nil, fmt.Errorf("custom claims hook failed: %w", err)
		}
		// Fail closed: a malformed claims shape refuses the login rather
		// than minting a token without the claims.
		if err := identity.ValidateCustomClaims(claims); err != nil {
			return nil, err
		}
		principal.CustomClaims = claims
	}

	if e.onSuccess != nil {
		if err := e.onSuccess(ctx, principal, providerID); err != nil {
			return nil, fmt.Errorf("success hook failed: %w", err)
		}
	}

	return principal, nil
}

// ExchangeCode redeems a single-use exchange code for an access token and a
// fresh refresh family.
func (e *Engine) ExchangeCode(ctx context.Context, code string) (*TokenPair, error) {
	rec, err := e.store.ConsumeExchangeCode(ctx, code)
	if err != nil {
		e.recordAuthFailure(ctx, "", "invalid_exchange_code")
		return nil, ErrUnauthorized
	}

	accessToken, expiresAt, err := e.tokens.Issue(rec.Principal, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}

	now := e.now()
	refreshID := oauth2.GenerateVerifier()
	refresh := &storage.RefreshRecord{
		ID:                refreshID,
		Subject:           rec.Principal.Subject,
		Email:             rec.Principal.Email,
		Provider:          rec.Provider,
		FamilyID:          uuid.NewString(),
		IssuedAt:          now,
		AbsoluteExpiresAt: now.Add(e.refreshTTL),
	}
	if err := e.store.SaveRefreshRecord(ctx, refresh); err != nil {
		return nil, fmt.Errorf("failed to save refresh record: %w", err)
	}

	if e.auditor != nil {
		e.auditor.LogLogin(rec.Principal.Subject, rec.Provider)
	}
	e.addCounter(ctx, func(m *instrumentation.Metrics) metric.Int64Counter { return m.ExchangeCodeConsumed }, rec.Provider)
	e.addCounter(ctx, func(m *instrumentation.Metrics) metric.Int64Counter { return m.TokenIssued }, rec.Provider)

	return &TokenPair{
		AccessToken:     accessToken,
		AccessExpiresAt: expiresAt,
		RefreshID:       refreshID,
	}, nil
}

// Refresh redeems a refresh ID for a new access token. With rotation
// enabled the presented record is superseded and a new refresh ID returned;
// presenting an already-superseded ID is treated as compromise and revokes
// the entire family. With rotation disabled the same ID is reissued.
func (e *Engine) Refresh(ctx context.Context, refreshID string) (*TokenPair, error) {
	if refreshID == "" {
		return nil, ErrUnauthorized
	}

	var rec *storage.RefreshRecord
	var err error
	if e.rotationEnabled {
		rec, err = e.store.RotateRefreshRecord(ctx, refreshID, oauth2.GenerateVerifier(), e.now())
	} else {
		rec, err = e.store.GetRefreshRecord(ctx, refreshID)
	}

	if err != nil {
		if errors.Is(err, storage.ErrRefreshReused) && rec != nil {
			e.handleRefreshReuse(ctx, rec)
		} else {
			e.recordAuthFailure(ctx, "", "invalid_refresh")
		}
		return nil, ErrUnauthorized
	}

	principal := &identity.Principal{
		Subject:  rec.Subject,
		Provider: rec.Provider,
		Email:    rec.Email,
	}
	if e.customClaims != nil {
		claims, err := e.customClaims(ctx, principal)
		if err != nil {
			return nil, fmt.Errorf("custom claims hook failed: %w", err)
		}
		if err := identity.ValidateCustomClaims(claims); err != nil {
			return nil, err
		}
		principal.CustomClaims = claims
	}

	accessToken, expiresAt, err := e.tokens.Issue(principal, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}

	if e.auditor != nil {
		e.auditor.LogTokenRefreshed(rec.Subject, e.rotationEnabled)
	}
	e.addCounter(ctx, func(m *instrumentation.Metrics) metric.Int64Counter { return m.TokenRefreshed }, rec.Provider)

	return &TokenPair{
		AccessToken:     accessToken,
		AccessExpiresAt: expiresAt,
		RefreshID:       rec.ID,
	}, nil
}

// handleRefreshReuse reacts to presentation of a superseded refresh ID: the
// whole family is revoked and the event logged, rate limited per family so
// replay floods cannot drown the audit log.
func (e *Engine) handleRefreshReuse(ctx context.Context, stale *storage.RefreshRecord) {
	if err := e.store.RevokeRefreshFamily(ctx, stale.FamilyID); err != nil {
		e.logger.Error("Failed to revoke refresh family after reuse",
			"error", err)
	}

	if e.eventLimiter.Allow(stale.FamilyID) {
		e.logger.Warn("Refresh token reuse detected, family revoked",
			"subject", stale.Subject)
		if e.auditor != nil {
			e.auditor.LogTokenReuse(stale.Subject, stale.FamilyID)
		}
	}

	e.addCounter(ctx, func(m *instrumentation.Metrics) metric.Int64Counter { return m.RefreshReuseDetected }, stale.Provider)
	e.addCounter(ctx, func(m *instrumentation.Metrics) metric.Int64Counter { return m.FamilyRevoked }, stale.Provider)
}

// Logout revokes the presented refresh ID. It is idempotent: unknown and
// already-revoked IDs succeed. With RevokeFamilyOnLogout the whole rotation
// chain dies.
func (e *Engine) Logout(ctx context.Context, refreshID string) error {
	if refreshID == "" {
		return nil
	}

	subject := ""
	if e.revokeFamily {
		rec, err := e.store.GetRefreshRecord(ctx, refreshID)
		if err == nil {
			subject = rec.Subject
			if err := e.store.RevokeRefreshFamily(ctx, rec.FamilyID); err != nil {
				e.logger.Warn("Failed to revoke family at logout", "error", err)
			}
		}
	}
	if err := e.store.RevokeRefreshRecord(ctx, refreshID); err != nil {
		// Logout still reports success; the record dies at absolute expiry
		// regardless.
		e.logger.Warn("Failed to revoke refresh record at logout", "error", err)
	}

	if e.auditor != nil {
		e.auditor.LogLogout(subject)
	}
	e.addCounter(ctx, func(m *instrumentation.Metrics) metric.Int64Counter { return m.LogoutProcessed }, "")
	return nil
}

// VerifyAccessToken validates a bearer token and returns its principal.
// Every failure maps to ErrUnauthorized.
func (e *Engine) VerifyAccessToken(tokenString string) (*identity.Principal, error) {
	principal, err := e.tokens.Verify(tokenString)
	if err != nil {
		return nil, ErrUnauthorized
	}
	return principal, nil
}

// Impersonate mints a bounded-lifetime access token for the target subject
// carrying the administrator's identity as impersonation context. The
// refresh registry is never touched; reverting is just resuming the
// original token.
func (e *Engine) Impersonate(ctx context.Context, admin *identity.Principal, targetSubject string, ttl time.Duration) (string, error) {
	if admin == nil || admin.Subject == "" {
		return "", ErrUnauthorized
	}
	if targetSubject == "" {
		return "", fmt.Errorf("target subject is required")
	}
	if admin.IsImpersonated() {
		// No chaining: an impersonated token cannot mint another.
		return "", ErrImpersonationDenied
	}
	if e.impersonation == nil {
		return "", ErrImpersonationDenied
	}
	if err := e.impersonation(ctx, admin, targetSubject); err != nil {
		if e.auditor != nil {
			e.auditor.LogAuthFailure(admin.Subject, "", "impersonation_denied")
		}
		return "", ErrImpersonationDenied
	}

	// Impersonated tokens are strictly shorter lived than normal ones.
	maxTTL := e.tokens.AccessTokenTTL() / 2
	if ttl <= 0 || ttl > maxTTL {
		ttl = maxTTL
	}

	target := &identity.Principal{
		Subject: targetSubject,
		Impersonation: &identity.Impersonation{
			OriginalSubject: admin.Subject,
			OriginalEmail:   admin.Email,
		},
	}
	signed, _, err := e.tokens.Issue(target, ttl)
	if err != nil {
		return "", fmt.Errorf("failed to issue impersonation token: %w", err)
	}

	if e.auditor != nil {
		e.auditor.LogImpersonation(admin.Subject, targetSubject)
	}
	e.addCounter(ctx, func(m *instrumentation.Metrics) metric.Int64Counter { return m.ImpersonationIssued }, "")

	e.logger.Info("Impersonation token issued",
		"ttl", ttl)
	return signed, nil
}

// addCounter increments a counter with an optional provider attribute.
func (e *Engine) addCounter(ctx context.Context, pick func(*instrumentation.Metrics) metric.Int64Counter, providerID string) {
	if e.metrics == nil {
		return
	}
	counter := pick(e.metrics)
	if counter == nil {
		return
	}
	if providerID != "" {
		counter.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", providerID)))
		return
	}
	counter.Add(ctx, 1)
}

// recordAuthFailure counts a credential failure.
func (e *Engine) recordAuthFailure(ctx context.Context, providerID, reason string) {
	if e.metrics != nil {
		attrs := []attribute.KeyValue{attribute.String("reason", reason)}
		if providerID != "" {
			attrs = append(attrs, attribute.String("provider", providerID))
		}
		e.metrics.AuthFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if e.auditor != nil {
		e.auditor.LogAuthFailure("", providerID, reason)
	}
}
