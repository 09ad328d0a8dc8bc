// Package security provides cross-cutting security helpers for the broker:
// audit logging with hashed PII, clock-skew tolerant expiry checks, and
// per-identifier rate limiting.
package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the grace period applied to expiry
	// checks. It prevents false expiration errors caused by time
	// synchronization drift between client, broker, and provider; 5 seconds
	// covers typical NTP drift without meaningfully extending token life.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// IsExpired reports whether a deadline has passed, with the default clock
// skew grace period applied. A zero deadline never expires.
func IsExpired(expiresAt time.Time) bool {
	return IsExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsExpiredWithGracePeriod reports whether a deadline has passed by more
// than the given grace period.
func IsExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}
