// Package valkey provides a Valkey-backed implementation of all storage
// interfaces for multi-instance deployments. Single-use guarantees are
// enforced with Lua scripts so consume and rotate stay atomic across
// broker replicas.
package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/authbridge/authbridge/identity"
	"github.com/authbridge/authbridge/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys.
	DefaultKeyPrefix = "authbridge:"

	// DefaultRevokedRetentionDays is how long refresh records are retained
	// beyond their absolute expiry. Rotation lineage must outlive the
	// records so replay of an old ID still resolves to something.
	DefaultRevokedRetentionDays = 30

	// idLogLength is the number of characters of a code or refresh ID that
	// may appear in logs.
	idLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection
	// verification.
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g. "localhost:6379".
	Address string

	// Password is the optional password for Valkey authentication.
	Password string

	// DB is the optional database number (default 0).
	DB int

	// KeyPrefix is the prefix for all keys (default "authbridge:").
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections.
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default()).
	Logger *slog.Logger

	// RevokedRetentionDays is the retention period for refresh records past
	// absolute expiry. Default: 30 days.
	RevokedRetentionDays int
}

// Store is a Valkey-backed implementation of storage.Store.
type Store struct {
	client               valkeygo.Client
	prefix               string
	logger               *slog.Logger
	revokedRetentionDays int
}

// Compile-time interface checks.
var (
	_ storage.StateStore   = (*Store)(nil)
	_ storage.CodeStore    = (*Store)(nil)
	_ storage.RefreshStore = (*Store)(nil)
	_ storage.Store        = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retentionDays := cfg.RevokedRetentionDays
	if retentionDays <= 0 {
		retentionDays = DefaultRevokedRetentionDays
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:               client,
		prefix:               prefix,
		logger:               logger,
		revokedRetentionDays: retentionDays,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// ============================================================
// Key Helpers
// ============================================================

// stateKey returns the key for an authorization request: {prefix}state:{state}
func (s *Store) stateKey(state string) string {
	return fmt.Sprintf("%sstate:%s", s.prefix, state)
}

// codeKey returns the key for an exchange code: {prefix}code:{code}
func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

// refreshKey returns the key for a refresh record: {prefix}refresh:{id}
func (s *Store) refreshKey(id string) string {
	return fmt.Sprintf("%srefresh:%s", s.prefix, id)
}

// familyKey returns the key for a refresh family member set: {prefix}family:{familyID}
func (s *Store) familyKey(familyID string) string {
	return fmt.Sprintf("%sfamily:%s", s.prefix, familyID)
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// These Lua scripts enforce the single-use guarantees across broker
// replicas. A GET followed by a DEL from Go would let two replicas both
// win the same code; Lua makes each operation one atomic step on the
// server.

// luaAtomicGetAndDelete atomically retrieves and deletes a key. Used for
// both authorization requests and exchange codes: exactly one concurrent
// caller receives the data, everyone else sees NOT_FOUND.
//
// KEYS[1] = the key to consume
//
// Returns the original JSON data, or "NOT_FOUND" if the key is absent.
const luaAtomicGetAndDelete = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end
redis.call('DEL', KEYS[1])
return data
`

// luaAtomicRotateRefresh atomically supersedes a refresh record with its
// successor. The presented record is marked revoked with a pointer to the
// new ID, the successor is written under its own key, and the family set
// gains the new member. Exactly one concurrent caller can rotate a given
// record.
//
// KEYS[1] = presented refresh record key
// KEYS[2] = successor refresh record key
// KEYS[3] = family member set key
// ARGV[1] = current Unix timestamp in seconds
// ARGV[2] = successor record ID
// ARGV[3] = successor record JSON
// ARGV[4] = successor key TTL in seconds
//
// Returns:
//   - "OK" on success
//   - "NOT_FOUND" if the presented key is absent
//   - "REUSED:<json>" if the record was already superseded (replay)
//   - "REVOKED" if the record was revoked without a successor (logout)
//   - "EXPIRED" if the record is past absolute expiry
const luaAtomicRotateRefresh = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local rec = cjson.decode(data)

if rec.revoked then
    if rec.superseded_by and rec.superseded_by ~= '' then
        return 'REUSED:' .. data
    end
    return 'REVOKED'
end

local now = tonumber(ARGV[1])
local expiresAt = tonumber(rec.absolute_expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end

rec.revoked = true
rec.superseded_by = ARGV[2]
redis.call('SET', KEYS[1], cjson.encode(rec), 'KEEPTTL')
redis.call('SET', KEYS[2], ARGV[3], 'EX', ARGV[4])
redis.call('SADD', KEYS[3], KEYS[2])
return 'OK'
`

// luaRevokeFamily marks every record in a family revoked. Iterating from Go
// would let a concurrent rotation slip a fresh record into the family
// between reads; doing it in Lua closes that window.
//
// KEYS[1] = family member set key
//
// Returns the number of records newly revoked.
const luaRevokeFamily = `
local members = redis.call('SMEMBERS', KEYS[1])
local revoked = 0
for _, key in ipairs(members) do
    local data = redis.call('GET', key)
    if data then
        local rec = cjson.decode(data)
        if not rec.revoked then
            rec.revoked = true
            redis.call('SET', key, cjson.encode(rec), 'KEEPTTL')
            revoked = revoked + 1
        end
    end
end
return revoked
`

// ============================================================
// JSON Serialization Helpers
// ============================================================

// principalJSON is the JSON representation of an identity.Principal.
// Impersonation context is intentionally absent: it lives only inside
// access tokens, never at rest.
type principalJSON struct {
	Subject      string         `json:"sub"`
	Provider     string         `json:"provider"`
	Email        string         `json:"email,omitempty"`
	Name         string         `json:"name,omitempty"`
	Picture      string         `json:"picture,omitempty"`
	CustomClaims map[string]any `json:"custom_claims,omitempty"`
}

func toPrincipalJSON(p *identity.Principal) *principalJSON {
	if p == nil {
		return nil
	}
	return &principalJSON{
		Subject:      p.Subject,
		Provider:     p.Provider,
		Email:        p.Email,
		Name:         p.Name,
		Picture:      p.Picture,
		CustomClaims: p.CustomClaims,
	}
}

func fromPrincipalJSON(j *principalJSON) *identity.Principal {
	if j == nil {
		return nil
	}
	return &identity.Principal{
		Subject:      j.Subject,
		Provider:     j.Provider,
		Email:        j.Email,
		Name:         j.Name,
		Picture:      j.Picture,
		CustomClaims: j.CustomClaims,
	}
}

// authorizationRequestJSON is the JSON representation of a pending
// authorization request.
type authorizationRequestJSON struct {
	State          string `json:"state"`
	Provider       string `json:"provider"`
	RedirectTarget string `json:"redirect_target,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	ExpiresAt      int64  `json:"expires_at"`
}

func toAuthorizationRequestJSON(req *storage.AuthorizationRequest) *authorizationRequestJSON {
	return &authorizationRequestJSON{
		State:          req.State,
		Provider:       req.Provider,
		RedirectTarget: req.RedirectTarget,
		CreatedAt:      req.CreatedAt.Unix(),
		ExpiresAt:      req.ExpiresAt.Unix(),
	}
}

func fromAuthorizationRequestJSON(j *authorizationRequestJSON) *storage.AuthorizationRequest {
	if j == nil {
		return nil
	}
	return &storage.AuthorizationRequest{
		State:          j.State,
		Provider:       j.Provider,
		RedirectTarget: j.RedirectTarget,
		CreatedAt:      time.Unix(j.CreatedAt, 0),
		ExpiresAt:      time.Unix(j.ExpiresAt, 0),
	}
}

// exchangeCodeJSON is the JSON representation of an exchange code record.
type exchangeCodeJSON struct {
	Code      string         `json:"code"`
	Principal *principalJSON `json:"principal"`
	Provider  string         `json:"provider"`
	IssuedAt  int64          `json:"issued_at"`
	ExpiresAt int64          `json:"expires_at"`
}

func toExchangeCodeJSON(rec *storage.ExchangeCodeRecord) *exchangeCodeJSON {
	return &exchangeCodeJSON{
		Code:      rec.Code,
		Principal: toPrincipalJSON(rec.Principal),
		Provider:  rec.Provider,
		IssuedAt:  rec.IssuedAt.Unix(),
		ExpiresAt: rec.ExpiresAt.Unix(),
	}
}

func fromExchangeCodeJSON(j *exchangeCodeJSON) *storage.ExchangeCodeRecord {
	if j == nil {
		return nil
	}
	return &storage.ExchangeCodeRecord{
		Code:      j.Code,
		Principal: fromPrincipalJSON(j.Principal),
		Provider:  j.Provider,
		IssuedAt:  time.Unix(j.IssuedAt, 0),
		ExpiresAt: time.Unix(j.ExpiresAt, 0),
	}
}

// refreshRecordJSON is the JSON representation of a refresh record.
// Field names must stay in sync with the Lua scripts above, which decode
// and re-encode these records server-side.
type refreshRecordJSON struct {
	ID                string `json:"id"`
	Subject           string `json:"sub"`
	Email             string `json:"email,omitempty"`
	Provider          string `json:"provider"`
	FamilyID          string `json:"family_id"`
	IssuedAt          int64  `json:"issued_at"`
	AbsoluteExpiresAt int64  `json:"absolute_expires_at"`
	RotatedFrom       string `json:"rotated_from,omitempty"`
	SupersededBy      string `json:"superseded_by,omitempty"`
	Revoked           bool   `json:"revoked"`
}

func toRefreshRecordJSON(rec *storage.RefreshRecord) *refreshRecordJSON {
	return &refreshRecordJSON{
		ID:                rec.ID,
		Subject:           rec.Subject,
		Email:             rec.Email,
		Provider:          rec.Provider,
		FamilyID:          rec.FamilyID,
		IssuedAt:          rec.IssuedAt.Unix(),
		AbsoluteExpiresAt: rec.AbsoluteExpiresAt.Unix(),
		RotatedFrom:       rec.RotatedFrom,
		SupersededBy:      rec.SupersededBy,
		Revoked:           rec.Revoked,
	}
}

func fromRefreshRecordJSON(j *refreshRecordJSON) *storage.RefreshRecord {
	if j == nil {
		return nil
	}
	return &storage.RefreshRecord{
		ID:                j.ID,
		Subject:           j.Subject,
		Email:             j.Email,
		Provider:          j.Provider,
		FamilyID:          j.FamilyID,
		IssuedAt:          time.Unix(j.IssuedAt, 0),
		AbsoluteExpiresAt: time.Unix(j.AbsoluteExpiresAt, 0),
		RotatedFrom:       j.RotatedFrom,
		SupersededBy:      j.SupersededBy,
		Revoked:           j.Revoked,
	}
}

// ============================================================
// Helper methods
// ============================================================

// calculateTTL calculates the TTL for a key based on expiry time.
// Returns 0 if the key has already expired.
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl
}

// refreshRecordTTL returns the key TTL for a refresh record: time until
// absolute expiry plus the retention window, so rotation lineage survives
// long enough for reuse of an expired ID to still be recognizable.
func (s *Store) refreshRecordTTL(absoluteExpiresAt time.Time) time.Duration {
	retention := time.Duration(s.revokedRetentionDays) * 24 * time.Hour
	ttl := time.Until(absoluteExpiresAt) + retention
	if ttl <= 0 {
		return 0
	}
	return ttl
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
