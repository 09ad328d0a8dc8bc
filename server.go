// Package authbridge is an authentication broker: it fronts OAuth and local
// identity providers, exchanges their logins for single-use codes, and turns
// those codes into signed access tokens paired with rotating refresh tokens.
package authbridge

import (
	"fmt"
	"log/slog"

	"github.com/authbridge/authbridge/engine"
	"github.com/authbridge/authbridge/instrumentation"
	"github.com/authbridge/authbridge/providers"
	"github.com/authbridge/authbridge/security"
	"github.com/authbridge/authbridge/storage"
	"github.com/authbridge/authbridge/storage/memory"
	"github.com/authbridge/authbridge/storage/valkey"
	"github.com/authbridge/authbridge/token"
)

// Server wires the storage backend, token engine, and flow engine together
// for the HTTP handler.
type Server struct {
	Engine          *engine.Engine
	Store           storage.Store
	Tokens          *token.Engine
	RateLimiter     *security.RateLimiter
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation

	config *Config
	logger *slog.Logger

	// locals are providers that authorize in-process; the handler mounts
	// their authorize endpoints.
	locals []providers.LocalProvider

	ownsStore bool
}

// Options supplies the non-environment parts of server construction.
type Options struct {
	// Providers are the identity sources (required, at least one).
	Providers []providers.Provider

	// Store overrides backend selection from Config. When nil the server
	// builds a Valkey store if Config.ValkeyAddress is set, otherwise an
	// in-memory store.
	Store storage.Store

	// Instrumentation is the optional OpenTelemetry wiring.
	Instrumentation *instrumentation.Instrumentation

	// Hooks, forwarded to the engine.
	OnUserInfo    engine.OnUserInfoHook
	OnSuccess     engine.OnSuccessHook
	CustomClaims  engine.CustomClaimsHook
	Impersonation engine.ImpersonationPolicy
}

// NewServer builds a fully wired broker server.
func NewServer(cfg *Config, opts Options) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	logger := cfg.Logger

	store := opts.Store
	ownsStore := false
	if store == nil {
		var err error
		store, err = buildStore(cfg, logger, opts.Instrumentation)
		if err != nil {
			return nil, err
		}
		ownsStore = true
	}

	tokens, err := token.NewEngine(token.Config{
		SigningKey:      []byte(cfg.SigningKey),
		Issuer:          cfg.Issuer,
		Audience:        cfg.Audience,
		AccessTokenTTL:  cfg.AccessTokenTTL,
		DevelopmentMode: cfg.DevelopmentMode,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create token engine: %w", err)
	}

	auditor := security.NewAuditor(logger, cfg.EnableAuditLogging)

	eng, err := engine.New(engine.Config{
		Providers:            opts.Providers,
		Store:                store,
		Tokens:               tokens,
		PublicBaseURL:        cfg.PublicBaseURL,
		StateTTL:             cfg.StateTTL,
		ExchangeCodeTTL:      cfg.ExchangeCodeTTL,
		RefreshTokenTTL:      cfg.RefreshTokenTTL,
		DisableRotation:      cfg.DisableRotation,
		RevokeFamilyOnLogout: cfg.RevokeFamilyOnLogout,
		OnUserInfo:           opts.OnUserInfo,
		OnSuccess:            opts.OnSuccess,
		CustomClaims:         opts.CustomClaims,
		Impersonation:        opts.Impersonation,
		Auditor:              auditor,
		Instrumentation:      opts.Instrumentation,
		Logger:               logger,
	})
	if err != nil {
		return nil, err
	}

	var limiter *security.RateLimiter
	if cfg.RequestRate > 0 {
		limiter = security.NewRateLimiter(cfg.RequestRate, cfg.RequestBurst, logger)
	}

	var locals []providers.LocalProvider
	for _, p := range opts.Providers {
		if lp, ok := p.(providers.LocalProvider); ok {
			locals = append(locals, lp)
		}
	}

	return &Server{
		Engine:          eng,
		Store:           store,
		Tokens:          tokens,
		RateLimiter:     limiter,
		Auditor:         auditor,
		Instrumentation: opts.Instrumentation,
		config:          cfg,
		logger:          logger,
		locals:          locals,
		ownsStore:       ownsStore,
	}, nil
}

// buildStore selects the storage backend from configuration.
func buildStore(cfg *Config, logger *slog.Logger, inst *instrumentation.Instrumentation) (storage.Store, error) {
	if cfg.ValkeyAddress != "" {
		store, err := valkey.New(valkey.Config{
			Address:  cfg.ValkeyAddress,
			Password: cfg.ValkeyPassword,
			DB:       cfg.ValkeyDB,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to valkey: %w", err)
		}
		return store, nil
	}

	store := memory.New()
	store.SetLogger(logger)
	if inst != nil {
		store.SetInstrumentation(inst)
	}
	return store, nil
}

// Close releases server-owned resources. Stores passed in via Options are
// the caller's to close.
func (s *Server) Close() {
	s.Engine.Close()
	if s.RateLimiter != nil {
		s.RateLimiter.Stop()
	}
	if s.ownsStore {
		if closer, ok := s.Store.(interface{ Stop() }); ok {
			closer.Stop()
		}
		if closer, ok := s.Store.(interface{ Close() }); ok {
			closer.Close()
		}
	}
}

// Config returns the server configuration.
func (s *Server) Config() *Config {
	return s.config
}
