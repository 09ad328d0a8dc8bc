package authbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/authbridge/authbridge/security"
)

const tokenTypeBearer = "Bearer"

// refreshCookiePath scopes the refresh cookie to the broker's own endpoints
// so application requests never carry it.
const refreshCookiePath = "/auth"

// stateCookieName holds the anti-CSRF state between the authorize redirect
// and the callback, binding the callback to the browser that started the
// flow.
const stateCookieName = "authbridge_state"

// Handler exposes the broker over HTTP.
type Handler struct {
	server *Server
	logger *slog.Logger
	tracer trace.Tracer
}

// NewHandler creates the HTTP handler for a server.
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: server,
		logger: logger,
	}
	if server.Instrumentation != nil {
		h.tracer = server.Instrumentation.Tracer("http")
	}
	return h
}

// RegisterRoutes mounts all broker endpoints on the mux, including the
// in-process authorize endpoints of local providers.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /auth/{provider}", h.ServeAuthorize)
	mux.HandleFunc("GET /auth/{provider}/callback", h.ServeCallback)
	mux.HandleFunc("POST /auth/token", h.ServeToken)
	mux.HandleFunc("POST /auth/refresh", h.ServeRefresh)
	mux.HandleFunc("POST /auth/logout", h.ServeLogout)
	mux.HandleFunc("POST /auth/impersonate", h.ServeImpersonate)

	for _, lp := range h.server.locals {
		mux.HandleFunc(lp.AuthorizePath(), lp.HandleAuthorize)
	}
}

// ServeAuthorize starts a login flow and redirects the user agent to the
// provider's authorize endpoint.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	if h.checkRateLimit(w, r) {
		return
	}

	providerID := r.PathValue("provider")
	redirectTarget := r.URL.Query().Get("redirect_to")
	if !validRedirectTarget(redirectTarget) {
		h.writeAuthError(w, ErrInvalidRequest("redirect_to must be a relative path"))
		return
	}

	authorizeURL, state, err := h.server.Engine.StartAuthorizationFlow(r.Context(), providerID, redirectTarget)
	if err != nil {
		h.logger.Warn("Failed to start authorization flow", "provider", providerID, "error", err)
		h.writeAuthError(w, toAuthError(err))
		return
	}

	h.setStateCookie(w, state)
	security.SetSecurityHeaders(w, h.server.config.PublicBaseURL)
	http.Redirect(w, r, authorizeURL, http.StatusFound)
}

// validRedirectTarget accepts only relative paths, keeping the post-login
// redirect from becoming an open redirector.
func validRedirectTarget(target string) bool {
	if target == "" {
		return true
	}
	if !strings.HasPrefix(target, "/") {
		return false
	}
	// Protocol-relative URLs ("//evil.example") escape the origin.
	return !strings.HasPrefix(target, "//") && !strings.HasPrefix(target, "/\\")
}

// ServeCallback completes the provider leg and redirects back into the
// application with a single-use exchange code.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	if h.checkRateLimit(w, r) {
		return
	}

	providerID := r.PathValue("provider")
	query := r.URL.Query()

	if errCode := query.Get("error"); errCode != "" {
		// Provider-reported denial (user hit cancel, access_denied, ...).
		h.logger.Info("Provider reported authorization error", "provider", providerID, "code", errCode)
		h.writeAuthError(w, ErrUnauthorized())
		return
	}

	state := query.Get("state")
	providerCode := query.Get("code")
	if state == "" || providerCode == "" {
		h.writeAuthError(w, ErrInvalidRequest("state and code are required"))
		return
	}

	// The state must come back through the same browser that started the
	// flow. Mismatch and store miss are indistinguishable to the caller.
	h.clearStateCookie(w)
	stateCookie, err := r.Cookie(stateCookieName)
	if err != nil || stateCookie.Value != state {
		h.writeAuthError(w, ErrUnauthorized())
		return
	}

	exchangeCode, redirectTarget, err := h.server.Engine.HandleProviderCallback(r.Context(), providerID, state, providerCode)
	if err != nil {
		h.writeAuthError(w, toAuthError(err))
		return
	}

	if redirectTarget == "" {
		redirectTarget = "/"
	}
	separator := "?"
	if strings.Contains(redirectTarget, "?") {
		separator = "&"
	}

	security.SetSecurityHeaders(w, h.server.config.PublicBaseURL)
	http.Redirect(w, r, redirectTarget+separator+"code="+exchangeCode, http.StatusFound)
}

// ServeToken redeems an exchange code for an access token. The refresh
// token travels back in an HttpOnly cookie scoped to the broker paths.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if h.checkRateLimit(w, r) {
		return
	}

	ctx, span := h.startSpan(r, "auth.token")
	defer span.End()

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		h.writeAuthError(w, ErrInvalidRequest("code is required"))
		return
	}

	pair, err := h.server.Engine.ExchangeCode(ctx, req.Code)
	if err != nil {
		h.writeAuthError(w, toAuthError(err))
		return
	}

	h.setRefreshCookie(w, pair.RefreshID)
	h.writeTokenResponse(w, pair.AccessToken, pair.AccessExpiresAt)
}

// ServeRefresh rotates the refresh token and returns a fresh access token.
func (h *Handler) ServeRefresh(w http.ResponseWriter, r *http.Request) {
	if h.checkRateLimit(w, r) {
		return
	}

	ctx, span := h.startSpan(r, "auth.refresh")
	defer span.End()

	refreshID := h.refreshIDFromRequest(r)
	if refreshID == "" {
		h.writeAuthError(w, ErrUnauthorized())
		return
	}

	pair, err := h.server.Engine.Refresh(ctx, refreshID)
	if err != nil {
		// A rejected refresh token is useless; drop the cookie so the
		// client falls back to a full login.
		h.clearRefreshCookie(w)
		h.writeAuthError(w, toAuthError(err))
		return
	}

	h.setRefreshCookie(w, pair.RefreshID)
	h.writeTokenResponse(w, pair.AccessToken, pair.AccessExpiresAt)
}

// ServeLogout revokes the presented refresh token and clears the cookie.
// It always reports success.
func (h *Handler) ServeLogout(w http.ResponseWriter, r *http.Request) {
	if h.checkRateLimit(w, r) {
		return
	}

	if refreshID := h.refreshIDFromRequest(r); refreshID != "" {
		if err := h.server.Engine.Logout(r.Context(), refreshID); err != nil {
			h.logger.Warn("Logout revocation failed", "error", err)
		}
	}

	h.clearRefreshCookie(w)
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// ServeImpersonate mints a bounded impersonation token for an administrator.
// The caller authenticates with a regular bearer token; the configured
// impersonation policy decides whether they may proceed.
func (h *Handler) ServeImpersonate(w http.ResponseWriter, r *http.Request) {
	if h.checkRateLimit(w, r) {
		return
	}

	accessToken, ok := h.extractBearerToken(w, r)
	if !ok {
		return
	}
	admin, err := h.server.Engine.VerifyAccessToken(accessToken)
	if err != nil {
		h.writeAuthError(w, ErrUnauthorized())
		return
	}

	var req impersonateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Subject == "" {
		h.writeAuthError(w, ErrInvalidRequest("sub is required"))
		return
	}

	signed, err := h.server.Engine.Impersonate(r.Context(), admin, req.Subject, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		h.writeAuthError(w, toAuthError(err))
		return
	}

	// Impersonation tokens deliberately carry no refresh token.
	h.writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: signed,
		TokenType:   tokenTypeBearer,
		ExpiresIn:   int64((h.server.Tokens.AccessTokenTTL() / 2).Seconds()),
	})
}

// Middleware is the authorization gate: it verifies the bearer token and
// injects the principal into the request context. Every failure produces the
// same 401 body.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.checkRateLimit(w, r) {
			return
		}

		accessToken, ok := h.extractBearerToken(w, r)
		if !ok {
			return
		}

		principal, err := h.server.Engine.VerifyAccessToken(accessToken)
		if err != nil {
			h.writeAuthError(w, ErrUnauthorized())
			return
		}

		ctx := ContextWithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ============================================================================
// Request plumbing
// ============================================================================

// startSpan opens a span when tracing is wired, otherwise returns the noop
// span already on the context so callers can defer End unconditionally.
func (h *Handler) startSpan(r *http.Request, name string) (context.Context, trace.Span) {
	if h.tracer == nil {
		return r.Context(), trace.SpanFromContext(r.Context())
	}
	return h.tracer.Start(r.Context(), name)
}

// checkRateLimit returns true when the request was rejected.
func (h *Handler) checkRateLimit(w http.ResponseWriter, r *http.Request) bool {
	if h.server.RateLimiter == nil {
		return false
	}

	clientIP := security.GetClientIP(r, h.server.config.TrustProxy, h.server.config.TrustedProxyCount)
	if h.server.RateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "path", r.URL.Path)
	w.Header().Set("Retry-After", "60")
	h.writeAuthError(w, ErrRateLimited())
	return true
}

// extractBearerToken pulls the token out of the Authorization header,
// writing the uniform 401 on failure.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		h.writeAuthError(w, ErrUnauthorized())
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		h.writeAuthError(w, ErrUnauthorized())
		return "", false
	}
	return parts[1], true
}

// refreshIDFromRequest reads the refresh token from the cookie, falling back
// to a JSON body for non-browser clients.
func (h *Handler) refreshIDFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(h.server.config.CookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
		return req.RefreshToken
	}
	return ""
}

func (h *Handler) setRefreshCookie(w http.ResponseWriter, refreshID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.server.config.CookieName,
		Value:    refreshID,
		Path:     refreshCookiePath,
		MaxAge:   int(h.server.config.RefreshTokenTTL.Seconds()),
		HttpOnly: true,
		Secure:   !h.server.config.CookieInsecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) setStateCookie(w http.ResponseWriter, state string) {
	maxAge := h.server.config.StateTTL
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     refreshCookiePath,
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   !h.server.config.CookieInsecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   !h.server.config.CookieInsecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.server.config.CookieName,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   !h.server.config.CookieInsecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ============================================================================
// Response writers
// ============================================================================

func (h *Handler) writeTokenResponse(w http.ResponseWriter, accessToken string, expiresAt time.Time) {
	expiresIn := int64(time.Until(expiresAt).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}
	h.writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: accessToken,
		TokenType:   tokenTypeBearer,
		ExpiresIn:   expiresIn,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	security.SetSecurityHeaders(w, h.server.config.PublicBaseURL)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeAuthError(w http.ResponseWriter, authErr *AuthError) {
	security.SetSecurityHeaders(w, h.server.config.PublicBaseURL)
	if authErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", tokenTypeBearer)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(authErr.Status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             authErr.Code,
		"error_description": authErr.Description,
	})
}
