package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/authbridge/authbridge/internal/util"
	"github.com/authbridge/authbridge/security"
	"github.com/authbridge/authbridge/storage"
)

// ============================================================
// RefreshStore Implementation
// ============================================================

// SaveRefreshRecord stores a refresh record and adds it to its family set.
// The key TTL extends past absolute expiry by the retention window.
func (s *Store) SaveRefreshRecord(ctx context.Context, rec *storage.RefreshRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("invalid refresh record")
	}
	if rec.FamilyID == "" {
		return fmt.Errorf("refresh record requires a family ID")
	}

	data, err := json.Marshal(toRefreshRecordJSON(rec))
	if err != nil {
		return fmt.Errorf("failed to marshal refresh record: %w", err)
	}

	ttl := s.refreshRecordTTL(rec.AbsoluteExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh record already past retention")
	}

	key := s.refreshKey(rec.ID)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save refresh record: %w", err)
	}

	// Family sets hold full member keys so family revocation needs no key
	// reconstruction server-side.
	famKey := s.familyKey(rec.FamilyID)
	if err := s.client.Do(ctx,
		s.client.B().Sadd().Key(famKey).Member(key).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to index refresh record family: %w", err)
	}
	s.expireFamilySet(ctx, famKey, rec.AbsoluteExpiresAt)

	s.logger.Debug("Saved refresh record",
		"subject", rec.Subject,
		"family_id", util.SafeTruncate(rec.FamilyID, idLogLength))
	return nil
}

// GetRefreshRecord retrieves a live refresh record, checking revocation and
// absolute expiry at read time.
func (s *Store) GetRefreshRecord(ctx context.Context, id string) (*storage.RefreshRecord, error) {
	key := s.refreshKey(id)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrRefreshNotFound
		}
		return nil, fmt.Errorf("failed to get refresh record: %w", err)
	}

	var j refreshRecordJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh record: %w", err)
	}
	rec := fromRefreshRecordJSON(&j)

	if rec.Revoked {
		if rec.SupersededBy != "" {
			return rec, storage.ErrRefreshReused
		}
		return nil, storage.ErrRefreshRevoked
	}
	if security.IsExpired(rec.AbsoluteExpiresAt) {
		return nil, storage.ErrRefreshExpired
	}

	return rec, nil
}

// RotateRefreshRecord atomically supersedes the presented record with a new
// one in the same family via Lua script. Exactly one concurrent caller
// across all broker replicas can rotate a given record; replay of an
// already-superseded record reports ErrRefreshReused with the stale record
// attached so the caller can revoke its family.
func (s *Store) RotateRefreshRecord(ctx context.Context, presentedID, newID string, now time.Time) (*storage.RefreshRecord, error) {
	if newID == "" {
		return nil, fmt.Errorf("new refresh ID cannot be empty")
	}

	// The successor has to be built before the script runs so the whole
	// swap happens server-side in one step. Its lineage fields are filled
	// from what the presented record is known to carry; the script aborts
	// without writing if the presented record turns out revoked or expired.
	presented, err := s.GetRefreshRecord(ctx, presentedID)
	if err != nil {
		return nil, err
	}

	newRec := &storage.RefreshRecord{
		ID:                newID,
		Subject:           presented.Subject,
		Email:             presented.Email,
		Provider:          presented.Provider,
		FamilyID:          presented.FamilyID,
		IssuedAt:          now,
		AbsoluteExpiresAt: presented.AbsoluteExpiresAt,
		RotatedFrom:       presentedID,
	}
	newData, err := json.Marshal(toRefreshRecordJSON(newRec))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal refresh record: %w", err)
	}

	ttl := s.refreshRecordTTL(presented.AbsoluteExpiresAt)
	if ttl <= 0 {
		return nil, storage.ErrRefreshExpired
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaAtomicRotateRefresh).
			Numkeys(3).
			Key(s.refreshKey(presentedID), s.refreshKey(newID), s.familyKey(presented.FamilyID)).
			Arg(
				fmt.Sprintf("%d", now.Unix()),
				newID,
				string(newData),
				fmt.Sprintf("%d", int64(ttl.Seconds())),
			).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic rotation: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrRefreshNotFound
	case result == "REVOKED":
		return nil, storage.ErrRefreshRevoked
	case result == "EXPIRED":
		return nil, storage.ErrRefreshExpired
	case strings.HasPrefix(result, "REUSED:"):
		// A concurrent caller won the rotation between our read and the
		// script. Return the stale record for family revocation.
		staleData := strings.TrimPrefix(result, "REUSED:")
		var j refreshRecordJSON
		if err := json.Unmarshal([]byte(staleData), &j); err != nil {
			return nil, fmt.Errorf("%w: failed to parse superseded record", storage.ErrRefreshReused)
		}
		return fromRefreshRecordJSON(&j), storage.ErrRefreshReused
	}

	s.expireFamilySet(ctx, s.familyKey(presented.FamilyID), presented.AbsoluteExpiresAt)

	s.logger.Debug("Rotated refresh record",
		"subject", presented.Subject,
		"family_id", util.SafeTruncate(presented.FamilyID, idLogLength))
	return newRec, nil
}

// RevokeRefreshRecord marks a single record revoked. Idempotent: unknown or
// already-revoked IDs succeed.
func (s *Store) RevokeRefreshRecord(ctx context.Context, id string) error {
	key := s.refreshKey(id)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil
		}
		return fmt.Errorf("failed to get refresh record: %w", err)
	}

	var j refreshRecordJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return fmt.Errorf("failed to unmarshal refresh record: %w", err)
	}
	if j.Revoked {
		return nil
	}
	j.Revoked = true

	updated, err := json.Marshal(&j)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh record: %w", err)
	}
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(updated)).Keepttl().Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to revoke refresh record: %w", err)
	}

	s.logger.Debug("Revoked refresh record",
		"id_prefix", util.SafeTruncate(id, idLogLength))
	return nil
}

// RevokeRefreshFamily marks every record in a family revoked via Lua
// script, so a rotation racing the revocation cannot leave a fresh record
// alive.
func (s *Store) RevokeRefreshFamily(ctx context.Context, familyID string) error {
	revoked, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeFamily).
			Numkeys(1).
			Key(s.familyKey(familyID)).
			Build(),
	).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to revoke refresh family: %w", err)
	}

	if revoked > 0 {
		s.logger.Warn("Revoked refresh token family",
			"family_id", util.SafeTruncate(familyID, idLogLength),
			"records_revoked", revoked)
	}
	return nil
}
