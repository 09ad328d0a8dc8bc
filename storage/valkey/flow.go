package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/authbridge/authbridge/internal/util"
	"github.com/authbridge/authbridge/security"
	"github.com/authbridge/authbridge/storage"
)

// ============================================================
// StateStore Implementation
// ============================================================

// SaveAuthorizationRequest stores a pending authorization request with a TTL
// matching its expiry.
func (s *Store) SaveAuthorizationRequest(ctx context.Context, req *storage.AuthorizationRequest) error {
	if req == nil || req.State == "" {
		return fmt.Errorf("invalid authorization request")
	}

	data, err := json.Marshal(toAuthorizationRequestJSON(req))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization request: %w", err)
	}

	ttl := calculateTTL(req.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization request already expired")
	}

	key := s.stateKey(req.State)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save authorization request: %w", err)
	}

	s.logger.Debug("Saved authorization request",
		"provider", req.Provider,
		"state_prefix", util.SafeTruncate(req.State, idLogLength))
	return nil
}

// ConsumeAuthorizationRequest atomically retrieves and deletes an
// authorization request. Only one concurrent caller across all broker
// replicas can win a given state.
func (s *Store) ConsumeAuthorizationRequest(ctx context.Context, state string) (*storage.AuthorizationRequest, error) {
	key := s.stateKey(state)

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaAtomicGetAndDelete).
			Numkeys(1).
			Key(key).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization request: %w", err)
	}

	if result == "NOT_FOUND" {
		return nil, fmt.Errorf("%w: unknown or already consumed", storage.ErrStateNotFound)
	}

	var j authorizationRequestJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization request: %w", err)
	}
	req := fromAuthorizationRequestJSON(&j)

	// The TTL should have reclaimed expired entries, but double-check at
	// read time so a lagging sweep cannot resurrect one.
	if security.IsExpired(req.ExpiresAt) {
		return nil, fmt.Errorf("%w: expired", storage.ErrStateNotFound)
	}

	s.logger.Debug("Consumed authorization request",
		"provider", req.Provider,
		"state_prefix", util.SafeTruncate(state, idLogLength))
	return req, nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveExchangeCode stores an exchange code record with a TTL matching its
// expiry.
func (s *Store) SaveExchangeCode(ctx context.Context, rec *storage.ExchangeCodeRecord) error {
	if rec == nil || rec.Code == "" {
		return fmt.Errorf("invalid exchange code record")
	}
	if rec.Principal == nil {
		return fmt.Errorf("exchange code record requires a principal")
	}

	data, err := json.Marshal(toExchangeCodeJSON(rec))
	if err != nil {
		return fmt.Errorf("failed to marshal exchange code: %w", err)
	}

	ttl := calculateTTL(rec.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("exchange code already expired")
	}

	key := s.codeKey(rec.Code)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save exchange code: %w", err)
	}

	s.logger.Debug("Saved exchange code",
		"provider", rec.Provider,
		"code_prefix", util.SafeTruncate(rec.Code, idLogLength))
	return nil
}

// ConsumeExchangeCode atomically retrieves and deletes an exchange code via
// Lua script. Replayed codes report the same error as unknown codes.
func (s *Store) ConsumeExchangeCode(ctx context.Context, code string) (*storage.ExchangeCodeRecord, error) {
	key := s.codeKey(code)

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaAtomicGetAndDelete).
			Numkeys(1).
			Key(key).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to consume exchange code: %w", err)
	}

	if result == "NOT_FOUND" {
		return nil, fmt.Errorf("%w: unknown or already consumed", storage.ErrCodeNotFound)
	}

	var j exchangeCodeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal exchange code: %w", err)
	}
	rec := fromExchangeCodeJSON(&j)

	if security.IsExpired(rec.ExpiresAt) {
		return nil, fmt.Errorf("%w: expired", storage.ErrCodeNotFound)
	}

	s.logger.Debug("Consumed exchange code",
		"provider", rec.Provider,
		"code_prefix", util.SafeTruncate(code, idLogLength))
	return rec, nil
}

// expireFamilySet pushes the family set's TTL out past the newest member's
// retention horizon.
func (s *Store) expireFamilySet(ctx context.Context, familyKey string, absoluteExpiresAt time.Time) {
	ttl := s.refreshRecordTTL(absoluteExpiresAt)
	if ttl <= 0 {
		return
	}
	if err := s.client.Do(ctx,
		s.client.B().Expire().Key(familyKey).Seconds(int64(ttl.Seconds())).Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to set TTL on family set", "error", err)
	}
}
