// Package password implements the local password and magic-code provider.
//
// The broker owns no user directory; lookups go through the CredentialStore
// collaborator. Both login modes terminate in the same four-operation
// provider contract as the OAuth adapters: a successful credential check
// mints a provider-level code that the engine redeems like any other.
package password

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/authbridge/authbridge/identity"
	"github.com/authbridge/authbridge/providers"
	"github.com/authbridge/authbridge/security"
	"github.com/authbridge/authbridge/storage"
)

const (
	// DefaultAuthorizePath is where the broker mounts HandleAuthorize.
	DefaultAuthorizePath = "/auth/password/authorize"

	// DefaultMagicCodeTTL is how long an emailed code stays verifiable.
	DefaultMagicCodeTTL = 10 * time.Minute

	// DefaultMaxMagicCodeAttempts bounds wrong guesses per issued code.
	DefaultMaxMagicCodeAttempts = 5

	// DefaultCodeTTL bounds how long a provider-level code stays redeemable.
	DefaultCodeTTL = time.Minute

	magicCodeDigits  = 8
	providerTokenTTL = time.Hour

	// dummyBcryptHash keeps the bcrypt comparison in place for unknown
	// emails so lookup misses and wrong passwords take the same time.
	dummyBcryptHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"
)

// ErrInvalidCredentials is the single failure every credential check
// reports: unknown email, wrong password, wrong or expired magic code,
// exhausted attempts. Callers must not be able to tell these apart.
var ErrInvalidCredentials = fmt.Errorf("invalid credentials")

// User is the record the external credential store resolves an email to.
type User struct {
	ID           string
	Email        string
	Name         string
	Picture      string
	PasswordHash string
}

// CredentialStore is the external user store collaborator.
type CredentialStore interface {
	// LookupUser resolves an email to a user record. Unknown emails return
	// any error; the provider collapses it into ErrInvalidCredentials.
	LookupUser(ctx context.Context, email string) (*User, error)
}

// StaticUsers is a fixed in-memory CredentialStore for tests and small
// deployments.
type StaticUsers map[string]User

// NewStaticUsers builds a StaticUsers store keyed by email.
func NewStaticUsers(users []User) StaticUsers {
	s := make(StaticUsers, len(users))
	for _, u := range users {
		s[u.Email] = u
	}
	return s
}

// LookupUser implements CredentialStore.
func (s StaticUsers) LookupUser(_ context.Context, email string) (*User, error) {
	u, ok := s[email]
	if !ok {
		return nil, fmt.Errorf("unknown user")
	}
	return &u, nil
}

// EmailSender delivers a magic code to an address.
type EmailSender func(ctx context.Context, email, code string) error

// Config holds configuration for the password provider.
type Config struct {
	// Users resolves emails to credential records (required).
	Users CredentialStore

	// Codes stores provider-level codes (required, dedicated instance).
	Codes storage.CodeStore

	// SendEmail delivers magic codes. Default logs the code, which is only
	// suitable for development.
	SendEmail EmailSender

	// AuthorizePath is the in-process authorize endpoint path.
	AuthorizePath string

	// MagicCodeTTL is the emailed code lifetime (default 10 minutes).
	MagicCodeTTL time.Duration

	// MaxMagicCodeAttempts bounds wrong guesses per code (default 5).
	MaxMagicCodeAttempts int

	// RateLimiter throttles credential checks per email. Default allows one
	// attempt per second with a burst of five.
	RateLimiter *security.RateLimiter

	// CodeTTL is the provider-level code lifetime (default one minute).
	CodeTTL time.Duration

	// Logger is the optional structured logger (default: slog.Default()).
	Logger *slog.Logger

	// Now overrides the time source, for tests.
	Now func() time.Time
}

// pendingCode is an issued, not yet verified magic code.
type pendingCode struct {
	hash      []byte
	expiresAt time.Time
	attempts  int
}

// Provider implements providers.LocalProvider for password and magic-code
// logins.
type Provider struct {
	users         CredentialStore
	codes         storage.CodeStore
	sendEmail     EmailSender
	authorizePath string
	magicCodeTTL  time.Duration
	maxAttempts   int
	limiter       *security.RateLimiter
	codeTTL       time.Duration
	logger        *slog.Logger
	now           func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingCode
	tokens  map[string]providers.UserInfo
}

var _ providers.LocalProvider = (*Provider)(nil)

// New creates a password provider.
func New(cfg Config) (*Provider, error) {
	if cfg.Users == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if cfg.Codes == nil {
		return nil, fmt.Errorf("code store is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sendEmail := cfg.SendEmail
	if sendEmail == nil {
		sendEmail = func(ctx context.Context, email, code string) error {
			logger.Info("Magic code issued (development sender)",
				"email", email,
				"code", code)
			return nil
		}
	}

	authorizePath := cfg.AuthorizePath
	if authorizePath == "" {
		authorizePath = DefaultAuthorizePath
	}

	magicCodeTTL := cfg.MagicCodeTTL
	if magicCodeTTL <= 0 {
		magicCodeTTL = DefaultMagicCodeTTL
	}

	maxAttempts := cfg.MaxMagicCodeAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxMagicCodeAttempts
	}

	limiter := cfg.RateLimiter
	if limiter == nil {
		limiter = security.NewRateLimiter(1, 5, logger)
	}

	codeTTL := cfg.CodeTTL
	if codeTTL <= 0 {
		codeTTL = DefaultCodeTTL
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Provider{
		users:         cfg.Users,
		codes:         cfg.Codes,
		sendEmail:     sendEmail,
		authorizePath: authorizePath,
		magicCodeTTL:  magicCodeTTL,
		maxAttempts:   maxAttempts,
		limiter:       limiter,
		codeTTL:       codeTTL,
		logger:        logger,
		now:           now,
		pending:       make(map[string]*pendingCode),
		tokens:        make(map[string]providers.UserInfo),
	}, nil
}

// HashPassword produces a bcrypt hash for storing in the credential store.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Name returns "password".
func (p *Provider) Name() string {
	return "password"
}

// AuthorizePath is the path HandleAuthorize is mounted at.
func (p *Provider) AuthorizePath() string {
	return p.authorizePath
}

// AuthorizationURL points at the in-process authorize endpoint.
func (p *Provider) AuthorizationURL(state, redirectURI string) string {
	q := url.Values{}
	q.Set("state", state)
	q.Set("redirect_uri", redirectURI)
	return p.authorizePath + "?" + q.Encode()
}

// AuthenticatePassword checks an email/password pair and, on success, mints
// a provider-level code. Every failure reports ErrInvalidCredentials.
func (p *Provider) AuthenticatePassword(ctx context.Context, email, password string) (string, error) {
	if !p.limiter.Allow(email) {
		return "", ErrInvalidCredentials
	}

	user, err := p.users.LookupUser(ctx, email)

	// The bcrypt comparison always runs so a lookup miss is not faster
	// than a wrong password.
	hashToCompare := dummyBcryptHash
	if err == nil && user.PasswordHash != "" {
		hashToCompare = user.PasswordHash
	}
	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(password))

	if err != nil || bcryptErr != nil {
		return "", ErrInvalidCredentials
	}

	p.limiter.Reset(email)
	return p.mintProviderCode(ctx, user)
}

// StartMagicCode issues a fresh magic code for the email and hands it to
// the sender. Unknown emails succeed without sending so callers cannot
// probe the directory.
func (p *Provider) StartMagicCode(ctx context.Context, email string) error {
	user, err := p.users.LookupUser(ctx, email)
	if err != nil {
		p.logger.Debug("Magic code requested for unknown email")
		return nil
	}

	code, err := generateMagicCode()
	if err != nil {
		return fmt.Errorf("failed to generate magic code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash magic code: %w", err)
	}

	p.mu.Lock()
	p.pending[email] = &pendingCode{
		hash:      hash,
		expiresAt: p.now().Add(p.magicCodeTTL),
	}
	p.mu.Unlock()

	if err := p.sendEmail(ctx, user.Email, code); err != nil {
		return fmt.Errorf("failed to send magic code: %w", err)
	}
	return nil
}

// VerifyMagicCode checks an emailed code. Codes are single-use, bounded by
// an attempt counter, and rate limited per email. On success it mints a
// provider-level code.
func (p *Provider) VerifyMagicCode(ctx context.Context, email, code string) (string, error) {
	if !p.limiter.Allow(email) {
		return "", ErrInvalidCredentials
	}

	p.mu.Lock()
	pending, ok := p.pending[email]
	if !ok {
		p.mu.Unlock()
		return "", ErrInvalidCredentials
	}
	if p.now().After(pending.expiresAt) {
		delete(p.pending, email)
		p.mu.Unlock()
		return "", ErrInvalidCredentials
	}
	pending.attempts++
	if pending.attempts > p.maxAttempts {
		delete(p.pending, email)
		p.mu.Unlock()
		p.logger.Warn("Magic code attempt limit exceeded")
		return "", ErrInvalidCredentials
	}
	hash := pending.hash
	p.mu.Unlock()

	if bcrypt.CompareHashAndPassword(hash, []byte(code)) != nil {
		return "", ErrInvalidCredentials
	}

	// Single use: the pending entry dies with the successful verification.
	p.mu.Lock()
	delete(p.pending, email)
	p.mu.Unlock()
	p.limiter.Reset(email)

	user, err := p.users.LookupUser(ctx, email)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	return p.mintProviderCode(ctx, user)
}

// HandleAuthorize serves the in-process authorize endpoint. A POST carries
// form fields: mode=password with email/password, mode=start with email, or
// mode=code with email/code. Successful logins redirect back with a
// provider code; failures redirect with error=access_denied and no detail.
func (p *Provider) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form", http.StatusBadRequest)
		return
	}

	state := r.FormValue("state")
	redirectURI := r.FormValue("redirect_uri")
	email := r.FormValue("email")
	mode := r.FormValue("mode")

	if mode == "start" {
		if email == "" {
			http.Error(w, "missing email", http.StatusBadRequest)
			return
		}
		if err := p.StartMagicCode(r.Context(), email); err != nil {
			http.Error(w, "failed to issue code", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if state == "" || redirectURI == "" || email == "" {
		http.Error(w, "missing state, redirect_uri, or email", http.StatusBadRequest)
		return
	}

	var code string
	var err error
	switch mode {
	case "password":
		code, err = p.AuthenticatePassword(r.Context(), email, r.FormValue("password"))
	case "code":
		code, err = p.VerifyMagicCode(r.Context(), email, r.FormValue("code"))
	default:
		http.Error(w, "unknown mode", http.StatusBadRequest)
		return
	}

	q := url.Values{}
	q.Set("state", state)
	if err != nil {
		q.Set("error", "access_denied")
	} else {
		q.Set("code", code)
	}
	http.Redirect(w, r, redirectURI+"?"+q.Encode(), http.StatusFound)
}

// ExchangeCode redeems a provider-level code. Codes are single-use via the
// underlying store's atomic consume.
func (p *Provider) ExchangeCode(ctx context.Context, code, redirectURI string) (*oauth2.Token, error) {
	rec, err := p.codes.ConsumeExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("invalid authorization code")
	}

	accessToken := oauth2.GenerateVerifier()
	p.mu.Lock()
	p.tokens[accessToken] = providers.UserInfo{
		ID:            rec.Principal.Subject,
		Email:         rec.Principal.Email,
		EmailVerified: true,
		Name:          rec.Principal.Name,
		Picture:       rec.Principal.Picture,
	}
	p.mu.Unlock()

	return &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		Expiry:      p.now().Add(providerTokenTTL),
	}, nil
}

// FetchUserInfo resolves a token minted by ExchangeCode. The token is
// consumed: the broker fetches user info exactly once per exchange, so
// entries must not accumulate across logins.
func (p *Provider) FetchUserInfo(ctx context.Context, token *oauth2.Token) (*providers.UserInfo, error) {
	if token == nil || token.AccessToken == "" {
		return nil, fmt.Errorf("provider token is required")
	}

	p.mu.Lock()
	info, ok := p.tokens[token.AccessToken]
	if ok {
		delete(p.tokens, token.AccessToken)
	}
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider token")
	}
	return &info, nil
}

// mintProviderCode stores a provider-level code for the authenticated user.
func (p *Provider) mintProviderCode(ctx context.Context, user *User) (string, error) {
	code := oauth2.GenerateVerifier()
	now := p.now()
	rec := &storage.ExchangeCodeRecord{
		Code: code,
		Principal: &identity.Principal{
			Subject:  user.ID,
			Provider: p.Name(),
			Email:    user.Email,
			Name:     user.Name,
			Picture:  user.Picture,
		},
		Provider:  p.Name(),
		IssuedAt:  now,
		ExpiresAt: now.Add(p.codeTTL),
	}
	if err := p.codes.SaveExchangeCode(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to store provider code: %w", err)
	}
	return code, nil
}

// generateMagicCode produces a fixed-length numeric code.
func generateMagicCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < magicCodeDigits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", magicCodeDigits, n), nil
}
