package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection. User subjects
// are hashed before they reach the log stream.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event.
type Event struct {
	Type      string
	Subject   string
	Provider  string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII.
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"subject_hash", hashForLogging(event.Subject),
		"provider", event.Provider,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogLogin logs a completed login (exchange code redeemed for tokens).
func (a *Auditor) LogLogin(subject, provider string) {
	a.LogEvent(Event{
		Type:     "login",
		Subject:  subject,
		Provider: provider,
	})
}

// LogTokenRefreshed logs a refresh, noting whether the record rotated.
func (a *Auditor) LogTokenRefreshed(subject string, rotated bool) {
	a.LogEvent(Event{
		Type:    "token_refreshed",
		Subject: subject,
		Details: map[string]any{
			"rotated": rotated,
		},
	})
}

// LogTokenReuse logs detection of a superseded refresh token being replayed.
func (a *Auditor) LogTokenReuse(subject, familyID string) {
	a.LogEvent(Event{
		Type:    "refresh_token_reuse_detected",
		Subject: subject,
		Details: map[string]any{
			"severity":  "critical",
			"family_id": familyID,
			"action":    "family_revoked",
		},
	})
}

// LogLogout logs a logout (refresh record revoked).
func (a *Auditor) LogLogout(subject string) {
	a.LogEvent(Event{
		Type:    "logout",
		Subject: subject,
	})
}

// LogAuthFailure logs an authentication failure.
func (a *Auditor) LogAuthFailure(subject, provider, reason string) {
	a.LogEvent(Event{
		Type:     "auth_failure",
		Subject:  subject,
		Provider: provider,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogImpersonation logs issuance of an impersonated access token.
func (a *Auditor) LogImpersonation(adminSubject, targetSubject string) {
	a.LogEvent(Event{
		Type:    "impersonation_token_issued",
		Subject: adminSubject,
		Details: map[string]any{
			"target_subject_hash": hashForLogging(targetSubject),
		},
	})
}

// hashForLogging creates a truncated SHA256 hash of sensitive data for
// logging. Enough uniqueness to correlate events, no PII in the logs.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
