package token

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/authbridge/authbridge/identity"
)

var testSigningKey = []byte("0123456789abcdef0123456789abcdef")

func testEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(Config{
		SigningKey:     testSigningKey,
		Issuer:         "authbridge-test",
		Audience:       "test-app",
		AccessTokenTTL: 15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

func TestNewEngineValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"short key", Config{SigningKey: []byte("short"), Issuer: "i", Audience: "a"}},
		{"missing issuer", Config{SigningKey: testSigningKey, Audience: "a"}},
		{"missing audience", Config{SigningKey: testSigningKey, Issuer: "i"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewEngine(tt.cfg); err == nil {
				t.Error("expected configuration error")
			}
		})
	}
}

func TestIssueAndVerify(t *testing.T) {
	e := testEngine(t)

	principal := &identity.Principal{
		Subject:  "google:12345",
		Provider: "google",
		Email:    "user@example.com",
		Name:     "Test User",
		Picture:  "https://example.com/p.png",
		CustomClaims: map[string]any{
			"org_id": "acme",
		},
	}

	signed, expiresAt, err := e.Issue(principal, 0)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if signed == "" {
		t.Fatal("expected non-empty token")
	}
	if remaining := time.Until(expiresAt); remaining < 14*time.Minute || remaining > 16*time.Minute {
		t.Errorf("expected ~15m lifetime, got %v", remaining)
	}

	got, err := e.Verify(signed)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if got.Subject != principal.Subject {
		t.Errorf("subject mismatch: got %q want %q", got.Subject, principal.Subject)
	}
	if got.Provider != "google" || got.Email != "user@example.com" {
		t.Errorf("identity claims lost: %+v", got)
	}
	if got.CustomClaims["org_id"] != "acme" {
		t.Errorf("custom claims lost: %+v", got.CustomClaims)
	}
	if got.IsImpersonated() {
		t.Error("plain token must not carry impersonation context")
	}
}

func TestIssueRejectsInvalidPrincipal(t *testing.T) {
	e := testEngine(t)

	if _, _, err := e.Issue(nil, 0); err == nil {
		t.Error("expected error for nil principal")
	}
	if _, _, err := e.Issue(&identity.Principal{}, 0); err == nil {
		t.Error("expected error for empty subject")
	}
}

func TestIssueRejectsMalformedCustomClaims(t *testing.T) {
	e := testEngine(t)

	principal := &identity.Principal{
		Subject: "google:12345",
		CustomClaims: map[string]any{
			"callback": func() {},
		},
	}
	if _, _, err := e.Issue(principal, 0); err == nil {
		t.Error("expected error for non-serializable custom claims")
	}
}

func TestVerifyInvalidTokens(t *testing.T) {
	e := testEngine(t)

	signed, _, err := e.Issue(&identity.Principal{Subject: "google:12345"}, 0)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	other, err := NewEngine(Config{
		SigningKey: []byte("ffffffffffffffffffffffffffffffff"),
		Issuer:     "authbridge-test",
		Audience:   "test-app",
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	wrongIssuer, err := NewEngine(Config{
		SigningKey: testSigningKey,
		Issuer:     "someone-else",
		Audience:   "test-app",
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	tampered := signed[:len(signed)-2] + "xx"

	tests := []struct {
		name   string
		engine *Engine
		input  string
	}{
		{"empty", e, ""},
		{"garbage", e, "not-a-token"},
		{"truncated", e, strings.Split(signed, ".")[0]},
		{"tampered signature", e, tampered},
		{"wrong key", other, signed},
		{"wrong issuer", wrongIssuer, signed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.engine.Verify(tt.input)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	issuer, err := NewEngine(Config{
		SigningKey:     testSigningKey,
		Issuer:         "authbridge-test",
		Audience:       "test-app",
		AccessTokenTTL: time.Minute,
		Now:            func() time.Time { return past },
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	signed, _, err := issuer.Issue(&identity.Principal{Subject: "google:12345"}, 0)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	e := testEngine(t)
	if _, err := e.Verify(signed); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestVerifyHonorsClockSkewGrace(t *testing.T) {
	// Token that expired two seconds ago is still inside the grace period.
	shifted := time.Now().Add(-time.Minute - 2*time.Second)
	issuer, err := NewEngine(Config{
		SigningKey:     testSigningKey,
		Issuer:         "authbridge-test",
		Audience:       "test-app",
		AccessTokenTTL: time.Minute,
		Now:            func() time.Time { return shifted },
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	signed, _, err := issuer.Issue(&identity.Principal{Subject: "google:12345"}, 0)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	e := testEngine(t)
	if _, err := e.Verify(signed); err != nil {
		t.Errorf("expected token inside grace period to verify, got %v", err)
	}
}

func TestImpersonationClaims(t *testing.T) {
	e := testEngine(t)

	principal := &identity.Principal{
		Subject:  "google:target",
		Provider: "google",
		Impersonation: &identity.Impersonation{
			OriginalSubject: "google:admin",
			OriginalEmail:   "admin@example.com",
		},
	}

	signed, _, err := e.Issue(principal, 5*time.Minute)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	got, err := e.Verify(signed)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !got.IsImpersonated() {
		t.Fatal("expected impersonation context")
	}
	if got.Subject != "google:target" {
		t.Errorf("sub must be the target, got %q", got.Subject)
	}
	if got.Impersonation.OriginalSubject != "google:admin" {
		t.Errorf("unexpected original subject %q", got.Impersonation.OriginalSubject)
	}
}

func TestOversizedClaimsAdvisory(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	e, err := NewEngine(Config{
		SigningKey:      testSigningKey,
		Issuer:          "authbridge-test",
		Audience:        "test-app",
		DevelopmentMode: true,
		Logger:          logger,
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	principal := &identity.Principal{
		Subject: "google:12345",
		CustomClaims: map[string]any{
			"blob": strings.Repeat("x", 2048),
		},
	}

	// Issuance must succeed; the advisory is log-only.
	if _, _, err := e.Issue(principal, 0); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Custom claims payload is large") {
		t.Error("expected oversized claims warning in development mode")
	}

	// Outside development mode the warning is suppressed.
	buf.Reset()
	prod := testEngine(t)
	prod.logger = logger
	if _, _, err := prod.Issue(principal, 0); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("unexpected advisory outside development mode: %s", buf.String())
	}
}
