// Package storage defines the interfaces and records for the broker's three
// server-side stores: authorization state, single-use exchange codes, and the
// refresh-token registry. Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development and single-process deployments
//   - storage/valkey: Valkey-backed distributed storage for multi-process deployments
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/authbridge/authbridge/identity"
)

// Sentinel errors returned by store implementations. The engine normalizes
// all of them to a single Unauthorized outcome before anything reaches the
// response layer; the distinctions exist only for logging and audit.
var (
	// ErrStateNotFound indicates an unknown, expired, or already-consumed
	// authorization state.
	ErrStateNotFound = errors.New("authorization state not found")

	// ErrCodeNotFound indicates an unknown, expired, or already-consumed
	// exchange code. Deliberately indistinguishable from an invalid code.
	ErrCodeNotFound = errors.New("exchange code not found")

	// ErrRefreshNotFound indicates an unknown refresh record.
	ErrRefreshNotFound = errors.New("refresh record not found")

	// ErrRefreshExpired indicates a refresh record past its absolute expiry.
	ErrRefreshExpired = errors.New("refresh record expired")

	// ErrRefreshRevoked indicates a refresh record revoked by logout or by a
	// prior family revocation.
	ErrRefreshRevoked = errors.New("refresh record revoked")

	// ErrRefreshReused indicates presentation of a refresh record already
	// superseded by rotation. This is the token-theft compromise signal:
	// the caller must revoke the entire family.
	ErrRefreshReused = errors.New("refresh record superseded by rotation")
)

// AuthorizationRequest binds a CSRF state value to the provider and redirect
// target requested at the start of an authorization flow. At most one live
// record exists per state value; the record is consumed on the callback.
type AuthorizationRequest struct {
	State          string
	Provider       string
	RedirectTarget string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// ExchangeCodeRecord maps a single-use opaque code to a fully resolved
// principal. It is created at the end of callback processing and destroyed
// atomically on first successful read, or by TTL sweep, whichever comes first.
type ExchangeCodeRecord struct {
	Code      string
	Principal *identity.Principal
	Provider  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RefreshRecord is one node in a refresh-token rotation chain. FamilyID is
// stable across the chain; RotatedFrom links each record to its predecessor
// and SupersededBy to its successor. A record with a non-empty SupersededBy
// that is presented again is evidence of token reuse.
type RefreshRecord struct {
	ID                string
	Subject           string
	Email             string
	Provider          string
	FamilyID          string
	IssuedAt          time.Time
	AbsoluteExpiresAt time.Time
	RotatedFrom       string
	SupersededBy      string
	Revoked           bool
}

// StateStore persists authorization requests for the duration of the OAuth
// redirect round trip. All methods accept context.Context for cancellation
// and tracing.
type StateStore interface {
	// SaveAuthorizationRequest stores a new authorization request keyed by
	// its state value.
	SaveAuthorizationRequest(ctx context.Context, req *AuthorizationRequest) error

	// ConsumeAuthorizationRequest atomically retrieves and deletes the
	// request for a state value. A state is valid for exactly one callback:
	// under concurrent calls only one caller observes the record; all others
	// get ErrStateNotFound. Expired records also return ErrStateNotFound.
	ConsumeAuthorizationRequest(ctx context.Context, state string) (*AuthorizationRequest, error)
}

// CodeStore persists single-use exchange codes. The consume operation is the
// most safety-critical in the system and MUST be an atomic get-and-delete.
type CodeStore interface {
	// SaveExchangeCode stores a new exchange code record.
	SaveExchangeCode(ctx context.Context, rec *ExchangeCodeRecord) error

	// ConsumeExchangeCode atomically retrieves and deletes the record for a
	// code. Under concurrent calls with the same code exactly one caller
	// succeeds; every other caller gets ErrCodeNotFound, indistinguishable
	// from an invalid or expired code.
	ConsumeExchangeCode(ctx context.Context, code string) (*ExchangeCodeRecord, error)
}

// RefreshStore is the refresh-token registry: it owns refresh records, their
// rotation lineage, and their revocation state.
type RefreshStore interface {
	// SaveRefreshRecord stores a new refresh record (login: new family).
	SaveRefreshRecord(ctx context.Context, rec *RefreshRecord) error

	// GetRefreshRecord retrieves a live refresh record. Missing records
	// return ErrRefreshNotFound, revoked ones ErrRefreshRevoked, and records
	// past AbsoluteExpiresAt ErrRefreshExpired. Expiry is checked at read
	// time regardless of sweep cadence.
	GetRefreshRecord(ctx context.Context, id string) (*RefreshRecord, error)

	// RotateRefreshRecord atomically supersedes the presented record with a
	// new one in the same family: the old record is marked revoked with
	// SupersededBy set, and the new record inherits Subject, Email,
	// Provider, FamilyID and AbsoluteExpiresAt (the absolute lifetime is
	// never extended by rotation). Exactly one concurrent caller can rotate
	// a given record.
	//
	// Presenting an already-superseded record returns ErrRefreshReused along
	// with the stale record so the caller can revoke the whole family.
	// Presenting a revoked-but-not-superseded record (logout) returns
	// ErrRefreshRevoked; missing and expired records return ErrRefreshNotFound
	// and ErrRefreshExpired.
	RotateRefreshRecord(ctx context.Context, presentedID, newID string, now time.Time) (*RefreshRecord, error)

	// RevokeRefreshRecord marks a single record revoked. Unknown IDs are not
	// an error: revocation is idempotent.
	RevokeRefreshRecord(ctx context.Context, id string) error

	// RevokeRefreshFamily marks every record sharing a family ID revoked.
	RevokeRefreshFamily(ctx context.Context, familyID string) error
}

// Store combines the three store interfaces. The in-memory and Valkey
// backends implement all of them; deployments may also mix backends per
// concern.
type Store interface {
	StateStore
	CodeStore
	RefreshStore
}
