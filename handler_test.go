package authbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/authbridge/authbridge/identity"
	"github.com/authbridge/authbridge/providers"
	"github.com/authbridge/authbridge/providers/mock"
	"github.com/authbridge/authbridge/storage/memory"
)

const testBaseURL = "https://auth.test"

func newTestServer(t *testing.T, mutate func(cfg *Config, opts *Options)) (*Server, *http.ServeMux) {
	t.Helper()

	codes := memory.New()
	t.Cleanup(codes.Stop)
	prov, err := mock.New(mock.Config{Codes: codes})
	if err != nil {
		t.Fatalf("failed to create mock provider: %v", err)
	}

	cfg := &Config{
		PublicBaseURL: testBaseURL,
		SigningKey:    "0123456789abcdef0123456789abcdef",
		Audience:      "test-clients",
	}
	opts := Options{
		Providers: []providers.Provider{prov},
	}
	if mutate != nil {
		mutate(cfg, &opts)
	}

	server, err := NewServer(cfg, opts)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	t.Cleanup(server.Close)

	mux := http.NewServeMux()
	NewHandler(server, nil).RegisterRoutes(mux)
	return server, mux
}

// loginExchangeCode walks the redirect chain through the mock provider and
// returns the exchange code delivered to the application callback.
func loginExchangeCode(t *testing.T, mux *http.ServeMux) string {
	t.Helper()

	// Start: broker redirects to the provider authorize endpoint.
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", testBaseURL+"/auth/mock?redirect_to=/app", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302 from authorize start, got %d: %s", rec.Code, rec.Body.String())
	}
	var stateCookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == "authbridge_state" {
			stateCookie = c
		}
	}
	if stateCookie == nil {
		t.Fatal("authorize start set no state cookie")
	}

	// Provider authorize endpoint redirects back to the broker callback.
	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, httptest.NewRequest("GET", rec.Header().Get("Location"), nil))
	if rec2.Code != http.StatusFound {
		t.Fatalf("expected 302 from provider authorize, got %d: %s", rec2.Code, rec2.Body.String())
	}

	// Callback redirects into the application with the exchange code. The
	// state cookie travels with the browser.
	rec3 := httptest.NewRecorder()
	cbReq := httptest.NewRequest("GET", rec2.Header().Get("Location"), nil)
	cbReq.AddCookie(stateCookie)
	mux.ServeHTTP(rec3, cbReq)
	if rec3.Code != http.StatusFound {
		t.Fatalf("expected 302 from callback, got %d: %s", rec3.Code, rec3.Body.String())
	}

	loc, err := url.Parse(rec3.Header().Get("Location"))
	if err != nil {
		t.Fatalf("failed to parse app redirect: %v", err)
	}
	if loc.Path != "/app" {
		t.Errorf("expected redirect into /app, got %q", loc.Path)
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatal("app redirect carried no exchange code")
	}
	return code
}

// redeemCode posts the exchange code and returns the parsed response plus
// the refresh cookie.
func redeemCode(t *testing.T, mux *http.ServeMux, code string) (tokenResponse, *http.Cookie) {
	t.Helper()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", testBaseURL+"/auth/token", strings.NewReader(`{"code":"`+code+`"}`))
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from token endpoint, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}

	var refreshCookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == "authbridge_refresh" {
			refreshCookie = c
		}
	}
	if refreshCookie == nil {
		t.Fatal("token response set no refresh cookie")
	}
	return resp, refreshCookie
}

func TestFullHTTPLoginFlow(t *testing.T) {
	_, mux := newTestServer(t, nil)

	resp, cookie := redeemCode(t, mux, loginExchangeCode(t, mux))
	if resp.AccessToken == "" {
		t.Fatal("expected an access token")
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("expected token_type Bearer, got %q", resp.TokenType)
	}
	if resp.ExpiresIn <= 0 {
		t.Errorf("expected positive expires_in, got %d", resp.ExpiresIn)
	}
	if resp.RefreshToken != "" {
		t.Error("refresh token must travel only in the cookie")
	}

	// Cookie contract.
	if !cookie.HttpOnly {
		t.Error("refresh cookie must be HttpOnly")
	}
	if !cookie.Secure {
		t.Error("refresh cookie must be Secure")
	}
	if cookie.SameSite != http.SameSiteLaxMode {
		t.Errorf("expected SameSite=Lax, got %v", cookie.SameSite)
	}
	if cookie.Path != "/auth" {
		t.Errorf("expected cookie scoped to /auth, got %q", cookie.Path)
	}
}

func TestAuthorizationGate(t *testing.T) {
	server, mux := newTestServer(t, nil)
	resp, _ := redeemCode(t, mux, loginExchangeCode(t, mux))

	var got *identity.Principal
	protected := NewHandler(server, nil).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", testBaseURL+"/api/data", nil)
	req.Header.Set("Authorization", "Bearer "+resp.AccessToken)
	protected.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 through the gate, got %d: %s", rec.Code, rec.Body.String())
	}
	if got == nil {
		t.Fatal("expected principal in request context")
	}
	if got.Subject != "mock:mock-user-123" {
		t.Errorf("unexpected subject %q", got.Subject)
	}
}

func TestAuthorizationGateUniform401(t *testing.T) {
	server, _ := newTestServer(t, nil)

	protected := NewHandler(server, nil).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("gate let an unauthenticated request through")
	}))

	cases := map[string]func(r *http.Request){
		"no header":      func(r *http.Request) {},
		"not bearer":     func(r *http.Request) { r.Header.Set("Authorization", "Basic dXNlcjpwdw==") },
		"garbage token":  func(r *http.Request) { r.Header.Set("Authorization", "Bearer garbage") },
		"tampered token": func(r *http.Request) { r.Header.Set("Authorization", "Bearer a.b.c") },
	}

	var bodies []string
	for name, apply := range cases {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", testBaseURL+"/api/data", nil)
		apply(req)
		protected.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", name, rec.Code)
		}
		if rec.Header().Get("WWW-Authenticate") == "" {
			t.Errorf("%s: missing WWW-Authenticate header", name)
		}
		bodies = append(bodies, rec.Body.String())
	}

	// Identical bodies across failure modes; nothing to probe.
	for i := 1; i < len(bodies); i++ {
		if bodies[i] != bodies[0] {
			t.Errorf("401 bodies differ: %q vs %q", bodies[0], bodies[i])
		}
	}
}

func TestRefreshRotatesCookie(t *testing.T) {
	_, mux := newTestServer(t, nil)
	_, cookie := redeemCode(t, mux, loginExchangeCode(t, mux))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", testBaseURL+"/auth/refresh", nil)
	req.AddCookie(cookie)
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from refresh, got %d: %s", rec.Code, rec.Body.String())
	}

	var rotated *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == "authbridge_refresh" {
			rotated = c
		}
	}
	if rotated == nil {
		t.Fatal("refresh set no cookie")
	}
	if rotated.Value == cookie.Value {
		t.Error("refresh did not rotate the cookie value")
	}

	// Replaying the old cookie must fail and revoke the family.
	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest("POST", testBaseURL+"/auth/refresh", nil)
	req2.AddCookie(cookie)
	mux.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for replayed cookie, got %d", rec2.Code)
	}

	rec3 := httptest.NewRecorder()
	req3 := httptest.NewRequest("POST", testBaseURL+"/auth/refresh", nil)
	req3.AddCookie(rotated)
	mux.ServeHTTP(rec3, req3)
	if rec3.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for revoked family tip, got %d", rec3.Code)
	}
}

func TestRefreshViaBody(t *testing.T) {
	_, mux := newTestServer(t, nil)
	_, cookie := redeemCode(t, mux, loginExchangeCode(t, mux))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", testBaseURL+"/auth/refresh",
		strings.NewReader(`{"refresh_token":"`+cookie.Value+`"}`))
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from body refresh, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestLogoutClearsCookieAndRevokes(t *testing.T) {
	_, mux := newTestServer(t, nil)
	_, cookie := redeemCode(t, mux, loginExchangeCode(t, mux))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", testBaseURL+"/auth/logout", nil)
	req.AddCookie(cookie)
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from logout, got %d", rec.Code)
	}

	var cleared *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == "authbridge_refresh" {
			cleared = c
		}
	}
	if cleared == nil || cleared.Value != "" || cleared.MaxAge >= 0 {
		t.Error("expected logout to clear the refresh cookie")
	}

	// The revoked token no longer refreshes.
	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest("POST", testBaseURL+"/auth/refresh", nil)
	req2.AddCookie(cookie)
	mux.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rec2.Code)
	}

	// Logout without a cookie still succeeds.
	rec3 := httptest.NewRecorder()
	mux.ServeHTTP(rec3, httptest.NewRequest("POST", testBaseURL+"/auth/logout", nil))
	if rec3.Code != http.StatusOK {
		t.Fatalf("expected 200 from cookieless logout, got %d", rec3.Code)
	}
}

func TestTokenEndpointRejectsBadInput(t *testing.T) {
	_, mux := newTestServer(t, nil)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"empty body", "", http.StatusBadRequest},
		{"not json", "not json", http.StatusBadRequest},
		{"missing code", `{}`, http.StatusBadRequest},
		{"unknown code", `{"code":"never-issued"}`, http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest("POST", testBaseURL+"/auth/token", strings.NewReader(tc.body)))
			if rec.Code != tc.status {
				t.Errorf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestExchangeCodeSingleUseOverHTTP(t *testing.T) {
	_, mux := newTestServer(t, nil)
	code := loginExchangeCode(t, mux)
	redeemCode(t, mux, code)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", testBaseURL+"/auth/token", strings.NewReader(`{"code":"`+code+`"}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on code replay, got %d", rec.Code)
	}
}

func TestAuthorizeRejectsOpenRedirect(t *testing.T) {
	_, mux := newTestServer(t, nil)

	for _, target := range []string{"https://evil.example", "//evil.example", "/\\evil.example"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", testBaseURL+"/auth/mock?redirect_to="+url.QueryEscape(target), nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for redirect_to=%q, got %d", target, rec.Code)
		}
	}
}

func TestAuthorizeUnknownProvider(t *testing.T) {
	_, mux := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", testBaseURL+"/auth/nope", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown provider, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	if body["error"] != ErrorCodeInvalidRequest {
		t.Errorf("expected %s error code, got %q", ErrorCodeInvalidRequest, body["error"])
	}
}

func TestCallbackRequiresStateCookie(t *testing.T) {
	_, mux := newTestServer(t, nil)

	// Start a real flow but replay the callback without the cookie.
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", testBaseURL+"/auth/mock", nil))
	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, httptest.NewRequest("GET", rec.Header().Get("Location"), nil))

	rec3 := httptest.NewRecorder()
	mux.ServeHTTP(rec3, httptest.NewRequest("GET", rec2.Header().Get("Location"), nil))
	if rec3.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for callback without state cookie, got %d", rec3.Code)
	}
}

func TestCallbackProviderError(t *testing.T) {
	_, mux := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", testBaseURL+"/auth/mock/callback?error=access_denied", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for provider denial, got %d", rec.Code)
	}
}

func TestImpersonateEndpoint(t *testing.T) {
	server, mux := newTestServer(t, func(cfg *Config, opts *Options) {
		opts.Impersonation = func(ctx context.Context, admin *identity.Principal, target string) error {
			return nil
		}
	})
	resp, _ := redeemCode(t, mux, loginExchangeCode(t, mux))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", testBaseURL+"/auth/impersonate",
		strings.NewReader(`{"sub":"google:target-1"}`))
	req.Header.Set("Authorization", "Bearer "+resp.AccessToken)
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from impersonate, got %d: %s", rec.Code, rec.Body.String())
	}

	var impResp tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &impResp); err != nil {
		t.Fatalf("failed to decode impersonation response: %v", err)
	}
	if impResp.RefreshToken != "" {
		t.Error("impersonation tokens must not carry refresh tokens")
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == "authbridge_refresh" {
			t.Error("impersonation must not set a refresh cookie")
		}
	}

	principal, err := server.Engine.VerifyAccessToken(impResp.AccessToken)
	if err != nil {
		t.Fatalf("failed to verify impersonation token: %v", err)
	}
	if principal.Subject != "google:target-1" {
		t.Errorf("unexpected subject %q", principal.Subject)
	}
	if !principal.IsImpersonated() {
		t.Error("expected impersonation context")
	}
}

func TestImpersonateRequiresBearer(t *testing.T) {
	_, mux := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", testBaseURL+"/auth/impersonate",
		strings.NewReader(`{"sub":"google:target-1"}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer, got %d", rec.Code)
	}
}

func TestRateLimitedEndpoint(t *testing.T) {
	_, mux := newTestServer(t, func(cfg *Config, opts *Options) {
		cfg.RequestRate = 1
		cfg.RequestBurst = 2
	})

	limited := false
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("POST", testBaseURL+"/auth/logout", nil))
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			if rec.Header().Get("Retry-After") == "" {
				t.Error("429 without Retry-After header")
			}
			break
		}
	}
	if !limited {
		t.Error("expected rate limiting to kick in within the burst window")
	}
}
