package authbridge

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/authbridge/authbridge/engine"
	"github.com/authbridge/authbridge/identity"
)

// Error codes returned in JSON error bodies.
const (
	ErrorCodeInvalidRequest = "invalid_request"
	ErrorCodeUnauthorized   = "unauthorized"
	ErrorCodeProviderError  = "provider_error"
	ErrorCodeInvalidClaims  = "invalid_claims"
	ErrorCodeServerError    = "server_error"
	ErrorCodeRateLimited    = "rate_limit_exceeded"
)

// AuthError is a client-facing error with an HTTP status. The Description is
// safe to return to callers; internal detail stays in the logs.
type AuthError struct {
	Code        string
	Description string
	Status      int
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewAuthError creates a client-facing error.
func NewAuthError(code, description string, status int) *AuthError {
	return &AuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

var (
	// ErrInvalidRequest indicates malformed or missing request input.
	ErrInvalidRequest = func(desc string) *AuthError {
		return NewAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrUnauthorized is the single response for every credential failure.
	// The description is deliberately constant so callers cannot probe which
	// check failed.
	ErrUnauthorized = func() *AuthError {
		return NewAuthError(ErrorCodeUnauthorized, "Authentication required", http.StatusUnauthorized)
	}

	// ErrProviderError indicates the upstream identity source failed.
	ErrProviderError = func() *AuthError {
		return NewAuthError(ErrorCodeProviderError, "Identity provider unavailable", http.StatusBadGateway)
	}

	// ErrServerError indicates an internal failure.
	ErrServerError = func() *AuthError {
		return NewAuthError(ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
	}

	// ErrRateLimited indicates the caller exceeded the request budget.
	ErrRateLimited = func() *AuthError {
		return NewAuthError(ErrorCodeRateLimited, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	}
)

// toAuthError maps engine and validation errors onto the client-facing
// taxonomy. Anything unrecognized becomes a 500 without leaking detail.
func toAuthError(err error) *AuthError {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr
	}

	var claimErr *identity.ClaimShapeError
	if errors.As(err, &claimErr) {
		return NewAuthError(ErrorCodeInvalidClaims, claimErr.Error(), http.StatusUnprocessableEntity)
	}

	switch {
	case errors.Is(err, engine.ErrUnauthorized),
		errors.Is(err, engine.ErrImpersonationDenied):
		return ErrUnauthorized()
	case errors.Is(err, engine.ErrUnknownProvider):
		return ErrInvalidRequest("Unknown provider")
	case errors.Is(err, engine.ErrProvider):
		return ErrProviderError()
	default:
		return ErrServerError()
	}
}
