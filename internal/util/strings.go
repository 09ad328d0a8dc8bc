// Package util provides small shared helpers that don't belong to any
// domain-specific package.
package util

// SafeTruncate truncates a string to maxLen characters without panicking.
// It is used when logging secrets (codes, refresh IDs) where only a short
// prefix may appear in logs.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
