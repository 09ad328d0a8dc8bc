package authbridge

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/authbridge/authbridge/engine"
	"github.com/authbridge/authbridge/identity"
)

func TestToAuthError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{"unauthorized", engine.ErrUnauthorized, ErrorCodeUnauthorized, http.StatusUnauthorized},
		{"wrapped unauthorized", fmt.Errorf("refresh: %w", engine.ErrUnauthorized), ErrorCodeUnauthorized, http.StatusUnauthorized},
		{"impersonation denied", engine.ErrImpersonationDenied, ErrorCodeUnauthorized, http.StatusUnauthorized},
		{"unknown provider", engine.ErrUnknownProvider, ErrorCodeInvalidRequest, http.StatusBadRequest},
		{"provider failure", engine.ErrProvider, ErrorCodeProviderError, http.StatusBadGateway},
		{"claim shape", &identity.ClaimShapeError{Key: "roles", Reason: "bad"}, ErrorCodeInvalidClaims, http.StatusUnprocessableEntity},
		{"unknown error", errors.New("disk on fire"), ErrorCodeServerError, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := toAuthError(tc.err)
			if got.Code != tc.wantCode {
				t.Errorf("expected code %q, got %q", tc.wantCode, got.Code)
			}
			if got.Status != tc.wantStatus {
				t.Errorf("expected status %d, got %d", tc.wantStatus, got.Status)
			}
		})
	}
}

func TestInternalDetailNeverLeaks(t *testing.T) {
	got := toAuthError(errors.New("pq: connection refused on 10.0.0.3"))
	if got.Description != "Internal server error" {
		t.Errorf("internal detail leaked into description: %q", got.Description)
	}
}

func TestAuthErrorPassedThrough(t *testing.T) {
	orig := ErrInvalidRequest("code is required")
	if got := toAuthError(orig); got != orig {
		t.Error("expected AuthError to pass through unchanged")
	}
}
