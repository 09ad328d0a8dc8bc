// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-process
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/authbridge/authbridge/instrumentation"
	"github.com/authbridge/authbridge/internal/util"
	"github.com/authbridge/authbridge/security"
	"github.com/authbridge/authbridge/storage"
)

const (
	// idLogLength is the number of characters of a code or refresh ID that
	// may appear in logs.
	idLogLength = 8

	// revokedRecordRetention is how long revoked refresh records are kept
	// after their absolute expiry. Lineage metadata must outlive the records
	// themselves so reuse of a rotated ID remains detectable; only records
	// past absolute expiry are reclaimed, at which point read-time expiry
	// checks already reject them.
	revokedRecordRetention = 24 * time.Hour
)

// Store is an in-memory implementation of storage.Store. All operations are
// guarded by one mutex; consume and rotate are single critical sections so
// exactly one concurrent caller can win a given code or refresh record.
type Store struct {
	mu sync.Mutex

	states  map[string]*storage.AuthorizationRequest
	codes   map[string]*storage.ExchangeCodeRecord
	refresh map[string]*storage.RefreshRecord
	// familyMembers indexes refresh record IDs by family for whole-family
	// revocation without a full scan.
	familyMembers map[string][]string

	// Atomic counters for gauge callbacks (lock-free reads during metric
	// collection).
	statesCount  atomic.Int64
	codesCount   atomic.Int64
	refreshCount atomic.Int64

	inst   *instrumentation.Instrumentation
	tracer trace.Tracer

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks.
var (
	_ storage.StateStore   = (*Store)(nil)
	_ storage.CodeStore    = (*Store)(nil)
	_ storage.RefreshStore = (*Store)(nil)
	_ storage.Store        = (*Store)(nil)
)

// New creates a new in-memory store with the default sweep interval of one
// minute.
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom TTL sweep
// interval. The sweep only reclaims memory; expiry is always checked at read
// time, so a slow sweep cannot resurrect an expired record.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		states:          make(map[string]*storage.AuthorizationRequest),
		codes:           make(map[string]*storage.ExchangeCodeRecord),
		refresh:         make(map[string]*storage.RefreshRecord),
		familyMembers:   make(map[string][]string),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation wires OpenTelemetry instrumentation into the store and
// registers size gauges for the three record maps.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.inst = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.statesCount.Store(int64(len(s.states)))
	s.codesCount.Store(int64(len(s.codes)))
	s.refreshCount.Store(int64(len(s.refresh)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.statesCount.Load() },
			func() int64 { return s.codesCount.Load() },
			func() int64 { return s.refreshCount.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop terminates the background sweep goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// ============================================================
// StateStore
// ============================================================

// SaveAuthorizationRequest stores a new authorization request.
func (s *Store) SaveAuthorizationRequest(ctx context.Context, req *storage.AuthorizationRequest) error {
	ctx, span := s.startSpan(ctx, "save_authorization_request")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "save_authorization_request", err, start) }()

	if req == nil || req.State == "" {
		err = fmt.Errorf("invalid authorization request")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.states[req.State]; !exists {
		s.statesCount.Add(1)
	}
	s.states[req.State] = req
	s.logger.Debug("Saved authorization request",
		"provider", req.Provider,
		"state_prefix", util.SafeTruncate(req.State, idLogLength))
	return nil
}

// ConsumeAuthorizationRequest atomically retrieves and deletes an
// authorization request. Only one concurrent caller can win a given state.
func (s *Store) ConsumeAuthorizationRequest(ctx context.Context, state string) (*storage.AuthorizationRequest, error) {
	ctx, span := s.startSpan(ctx, "consume_authorization_request")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "consume_authorization_request", err, start) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.states[state]
	if !ok {
		err = fmt.Errorf("%w: unknown or already consumed", storage.ErrStateNotFound)
		return nil, err
	}

	// Delete before the expiry check: an expired state must not survive to
	// be retried either.
	delete(s.states, state)
	s.statesCount.Add(-1)

	if security.IsExpired(req.ExpiresAt) {
		// Expired reads report the same error as unknown states.
		err = fmt.Errorf("%w: expired", storage.ErrStateNotFound)
		return nil, err
	}

	s.logger.Debug("Consumed authorization request",
		"provider", req.Provider,
		"state_prefix", util.SafeTruncate(state, idLogLength))
	return req, nil
}

// ============================================================
// CodeStore
// ============================================================

// SaveExchangeCode stores a new exchange code record.
func (s *Store) SaveExchangeCode(ctx context.Context, rec *storage.ExchangeCodeRecord) error {
	ctx, span := s.startSpan(ctx, "save_exchange_code")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "save_exchange_code", err, start) }()

	if rec == nil || rec.Code == "" {
		err = fmt.Errorf("invalid exchange code record")
		return err
	}
	if rec.Principal == nil {
		err = fmt.Errorf("exchange code record requires a principal")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[rec.Code]; !exists {
		s.codesCount.Add(1)
	}
	s.codes[rec.Code] = rec
	s.logger.Debug("Saved exchange code",
		"provider", rec.Provider,
		"code_prefix", util.SafeTruncate(rec.Code, idLogLength))
	return nil
}

// ConsumeExchangeCode atomically retrieves and deletes an exchange code.
// Under concurrent calls with the same code exactly one caller succeeds.
func (s *Store) ConsumeExchangeCode(ctx context.Context, code string) (*storage.ExchangeCodeRecord, error) {
	ctx, span := s.startSpan(ctx, "consume_exchange_code")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "consume_exchange_code", err, start) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.codes[code]
	if !ok {
		err = fmt.Errorf("%w: unknown or already consumed", storage.ErrCodeNotFound)
		return nil, err
	}

	// ATOMIC get-and-delete: the caller holding the lock wins; everyone else
	// sees the same not-found error as an invalid code.
	delete(s.codes, code)
	s.codesCount.Add(-1)

	if security.IsExpired(rec.ExpiresAt) {
		err = fmt.Errorf("%w: expired", storage.ErrCodeNotFound)
		return nil, err
	}

	s.logger.Debug("Consumed exchange code",
		"provider", rec.Provider,
		"code_prefix", util.SafeTruncate(code, idLogLength))
	return rec, nil
}

// ============================================================
// RefreshStore
// ============================================================

// SaveRefreshRecord stores a new refresh record and indexes it by family.
func (s *Store) SaveRefreshRecord(ctx context.Context, rec *storage.RefreshRecord) error {
	ctx, span := s.startSpan(ctx, "save_refresh_record")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "save_refresh_record", err, start) }()

	if rec == nil || rec.ID == "" {
		err = fmt.Errorf("invalid refresh record")
		return err
	}
	if rec.FamilyID == "" {
		err = fmt.Errorf("refresh record requires a family ID")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.insertRefreshLocked(rec)
	s.logger.Debug("Saved refresh record",
		"subject", rec.Subject,
		"family_id", util.SafeTruncate(rec.FamilyID, idLogLength))
	return nil
}

// insertRefreshLocked inserts a record and maintains the family index.
// Caller must hold s.mu.
func (s *Store) insertRefreshLocked(rec *storage.RefreshRecord) {
	if _, exists := s.refresh[rec.ID]; !exists {
		s.refreshCount.Add(1)
	}
	s.refresh[rec.ID] = rec
	s.familyMembers[rec.FamilyID] = append(s.familyMembers[rec.FamilyID], rec.ID)
}

// GetRefreshRecord retrieves a live refresh record, checking revocation and
// absolute expiry at read time.
func (s *Store) GetRefreshRecord(ctx context.Context, id string) (*storage.RefreshRecord, error) {
	ctx, span := s.startSpan(ctx, "get_refresh_record")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "get_refresh_record", err, start) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.refresh[id]
	if !ok {
		err = storage.ErrRefreshNotFound
		return nil, err
	}
	if rec.Revoked {
		if rec.SupersededBy != "" {
			err = storage.ErrRefreshReused
			recCopy := *rec
			return &recCopy, err
		}
		err = storage.ErrRefreshRevoked
		return nil, err
	}
	if security.IsExpired(rec.AbsoluteExpiresAt) {
		err = storage.ErrRefreshExpired
		return nil, err
	}

	recCopy := *rec
	return &recCopy, nil
}

// RotateRefreshRecord atomically supersedes the presented record with a new
// one in the same family. Exactly one concurrent caller can rotate a given
// record; replay of an already-superseded record reports ErrRefreshReused
// with the stale record attached.
func (s *Store) RotateRefreshRecord(ctx context.Context, presentedID, newID string, now time.Time) (*storage.RefreshRecord, error) {
	ctx, span := s.startSpan(ctx, "rotate_refresh_record")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "rotate_refresh_record", err, start) }()

	if newID == "" {
		err = fmt.Errorf("new refresh ID cannot be empty")
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.refresh[presentedID]
	if !ok {
		err = storage.ErrRefreshNotFound
		return nil, err
	}
	if rec.Revoked {
		if rec.SupersededBy != "" {
			// Replay of a rotated token. Return the stale record so the
			// caller can revoke the family.
			err = storage.ErrRefreshReused
			recCopy := *rec
			return &recCopy, err
		}
		err = storage.ErrRefreshRevoked
		return nil, err
	}
	if security.IsExpired(rec.AbsoluteExpiresAt) {
		err = storage.ErrRefreshExpired
		return nil, err
	}

	// ATOMIC compare-and-swap under the lock: mark the old record superseded
	// and insert its successor. The absolute expiry is inherited, never
	// extended.
	rec.Revoked = true
	rec.SupersededBy = newID

	newRec := &storage.RefreshRecord{
		ID:                newID,
		Subject:           rec.Subject,
		Email:             rec.Email,
		Provider:          rec.Provider,
		FamilyID:          rec.FamilyID,
		IssuedAt:          now,
		AbsoluteExpiresAt: rec.AbsoluteExpiresAt,
		RotatedFrom:       presentedID,
	}
	s.insertRefreshLocked(newRec)

	s.logger.Debug("Rotated refresh record",
		"subject", rec.Subject,
		"family_id", util.SafeTruncate(rec.FamilyID, idLogLength))

	newCopy := *newRec
	return &newCopy, nil
}

// RevokeRefreshRecord marks a single record revoked. Idempotent: unknown or
// already-revoked IDs succeed.
func (s *Store) RevokeRefreshRecord(ctx context.Context, id string) error {
	ctx, span := s.startSpan(ctx, "revoke_refresh_record")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "revoke_refresh_record", err, start) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.refresh[id]; ok {
		rec.Revoked = true
		s.logger.Debug("Revoked refresh record",
			"id_prefix", util.SafeTruncate(id, idLogLength))
	}
	return nil
}

// RevokeRefreshFamily marks every record in a family revoked.
func (s *Store) RevokeRefreshFamily(ctx context.Context, familyID string) error {
	ctx, span := s.startSpan(ctx, "revoke_refresh_family")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "revoke_refresh_family", err, start) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, id := range s.familyMembers[familyID] {
		if rec, ok := s.refresh[id]; ok && !rec.Revoked {
			rec.Revoked = true
			revoked++
		}
	}

	if revoked > 0 {
		s.logger.Warn("Revoked refresh token family",
			"family_id", util.SafeTruncate(familyID, idLogLength),
			"records_revoked", revoked)
	}
	return nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0

	for state, req := range s.states {
		if security.IsExpired(req.ExpiresAt) {
			delete(s.states, state)
			s.statesCount.Add(-1)
			cleaned++
		}
	}

	for code, rec := range s.codes {
		if security.IsExpired(rec.ExpiresAt) {
			delete(s.codes, code)
			s.codesCount.Add(-1)
			cleaned++
		}
	}

	// Refresh records are kept for a retention window beyond absolute
	// expiry so rotation lineage stays inspectable for audits.
	retentionCutoff := time.Now().Add(-revokedRecordRetention)
	for id, rec := range s.refresh {
		if !rec.AbsoluteExpiresAt.IsZero() && rec.AbsoluteExpiresAt.Before(retentionCutoff) {
			delete(s.refresh, id)
			s.refreshCount.Add(-1)
			s.removeFamilyMemberLocked(rec.FamilyID, id)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// removeFamilyMemberLocked drops one ID from a family index entry, deleting
// the entry when it empties. Caller must hold s.mu.
func (s *Store) removeFamilyMemberLocked(familyID, id string) {
	members := s.familyMembers[familyID]
	for i, member := range members {
		if member == id {
			s.familyMembers[familyID] = append(members[:i], members[i+1:]...)
			break
		}
	}
	if len(s.familyMembers[familyID]) == 0 {
		delete(s.familyMembers, familyID)
	}
}

// ============================================================
// Instrumentation helpers
// ============================================================

func (s *Store) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(attribute.String("operation", operation)))
}

func (s *Store) recordOperation(ctx context.Context, span trace.Span, operation string, err error, start time.Time) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if span != nil {
		span.SetStatus(codes.Ok, "")
	}

	if s.inst == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
	}
	s.inst.Metrics().RecordStorageOperation(ctx, operation, result, float64(time.Since(start).Milliseconds()))
}
