// Package identity defines the resolved principal produced by the
// authentication flow and the validation rules for custom claims attached
// to it before token issuance.
package identity

// Principal is the fully normalized identity of an authenticated user.
// It is produced once per login, after the provider user-info fetch and
// the custom-claims hook, and is the only identity object threaded
// through the rest of the broker.
type Principal struct {
	// Subject is the provider-scoped user identifier used as the token "sub".
	Subject string

	// Provider is the ID of the provider that authenticated this user.
	Provider string

	// Email is the user's email address.
	Email string

	// Name is the user's display name.
	Name string

	// Picture is the URL of the user's profile picture.
	Picture string

	// CustomClaims are application-supplied claims embedded in access tokens.
	// Values must satisfy ValidateCustomClaims before any token is minted.
	CustomClaims map[string]any

	// Impersonation is set when this principal is being acted-as by an
	// administrator. It is carried inside access tokens, never persisted.
	Impersonation *Impersonation
}

// Impersonation records that the acting principal differs from the token's
// subject. Downstream code uses it to distinguish "acting as" from "is".
type Impersonation struct {
	// OriginalSubject is the administrator's own subject.
	OriginalSubject string `json:"original_sub"`

	// OriginalEmail is the administrator's own email address.
	OriginalEmail string `json:"original_email,omitempty"`
}

// IsImpersonated reports whether this principal carries impersonation context.
func (p *Principal) IsImpersonated() bool {
	return p != nil && p.Impersonation != nil
}
